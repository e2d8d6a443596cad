package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	domain "github.com/example/realtime-chat/domain/chat"
	"golang.org/x/sync/singleflight"
)

// MembershipIndex is a write-through cache of room membership. Every mutation
// is written to the store first and applied to the cache only on success.
// Cached member maps are copy-on-write and never mutated after install.
type MembershipIndex struct {
	store    Store
	sessions *SessionRegistry
	locks    *keyedMutex
	sfGroup  singleflight.Group

	mu       sync.RWMutex
	rooms    map[string]map[string]domain.Role // roomID -> userID -> role
	versions map[string]uint64
}

// NewMembershipIndex creates an index over store. Scope changes are applied to
// the live sessions in sessions.
func NewMembershipIndex(store Store, sessions *SessionRegistry) *MembershipIndex {
	return &MembershipIndex{
		store:    store,
		sessions: sessions,
		locks:    newKeyedMutex(),
		rooms:    make(map[string]map[string]domain.Role),
		versions: make(map[string]uint64),
	}
}

// load returns the member map of a room, reading the store on a cold cache.
// Concurrent cold loads of one room share a single store call, which is not
// cancelled with the caller that started it; the store's call timeout bounds
// it. A room with no rows yields an empty map that is not cached.
func (m *MembershipIndex) load(ctx context.Context, roomID string) (map[string]domain.Role, error) {
	m.mu.RLock()
	cached, ok := m.rooms[roomID]
	m.mu.RUnlock()
	if ok {
		return cached, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := m.sfGroup.DoChan(roomID, func() (any, error) {
		m.mu.RLock()
		version := m.versions[roomID]
		m.mu.RUnlock()

		rows, err := m.store.GetRoomMembers(loadCtx, roomID)
		if err != nil {
			return nil, err
		}
		set := make(map[string]domain.Role, len(rows))
		for _, row := range rows {
			set[row.UserID] = row.Role
		}
		if len(set) == 0 {
			return set, nil
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if current, loaded := m.rooms[roomID]; loaded {
			return current, nil
		}
		if m.versions[roomID] == version {
			m.rooms[roomID] = set
		}
		return set, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(map[string]domain.Role), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// apply installs a modified copy of a loaded room's member map. Rooms that are
// not loaded are left for the next load to read from the store.
func (m *MembershipIndex) apply(roomID string, fn func(set map[string]domain.Role)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.versions[roomID]++
	current, ok := m.rooms[roomID]
	if !ok {
		return
	}
	next := make(map[string]domain.Role, len(current)+1)
	for id, role := range current {
		next[id] = role
	}
	fn(next)
	m.rooms[roomID] = next
}

// CreateRoom persists room with ownerID as its only member and owner.
func (m *MembershipIndex) CreateRoom(ctx context.Context, room *domain.Room, ownerID string) error {
	now := time.Now()
	room.CreatedBy = ownerID
	if room.LastActivity.IsZero() {
		room.LastActivity = now
	}
	owner := &domain.RoomMember{
		RoomID:   room.ID,
		UserID:   ownerID,
		Role:     domain.RoleOwner,
		JoinedAt: now,
	}

	unlock := m.locks.Lock(room.ID)
	defer unlock()

	if err := m.store.CreateRoom(ctx, room, owner); err != nil {
		return err
	}

	m.mu.Lock()
	m.versions[room.ID]++
	m.rooms[room.ID] = map[string]domain.Role{ownerID: domain.RoleOwner}
	m.mu.Unlock()

	m.sessions.SubscribeUser(ownerID, room.ID)
	return nil
}

// Join adds userID to the room with role. A repeated join returns
// ErrAlreadyMember and leaves the membership unchanged; the user's sessions
// are subscribed to the room either way.
func (m *MembershipIndex) Join(ctx context.Context, roomID, userID string, role domain.Role) error {
	if !role.Valid() || role == domain.RoleOwner {
		return domain.ErrInvalidRole
	}

	unlock := m.locks.Lock(roomID)
	defer unlock()

	set, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	return m.joinLocked(ctx, set, roomID, userID, role)
}

// Add makes targetID a member on behalf of actorID, who must be owner or
// admin. Only the owner may add an admin.
func (m *MembershipIndex) Add(ctx context.Context, roomID, actorID, targetID string, role domain.Role) error {
	if !role.Valid() || role == domain.RoleOwner {
		return domain.ErrInvalidRole
	}

	unlock := m.locks.Lock(roomID)
	defer unlock()

	set, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	actorRole, ok := set[actorID]
	if !ok || !actorRole.CanManage() {
		return domain.ErrForbidden
	}
	if role == domain.RoleAdmin && actorRole != domain.RoleOwner {
		return domain.ErrForbidden
	}
	return m.joinLocked(ctx, set, roomID, targetID, role)
}

func (m *MembershipIndex) joinLocked(ctx context.Context, set map[string]domain.Role, roomID, userID string, role domain.Role) error {
	if _, ok := set[userID]; ok {
		m.sessions.SubscribeUser(userID, roomID)
		return domain.ErrAlreadyMember
	}

	member := &domain.RoomMember{
		RoomID:   roomID,
		UserID:   userID,
		Role:     role,
		JoinedAt: time.Now(),
	}
	if err := m.store.AddMember(ctx, member); err != nil {
		if !errors.Is(err, domain.ErrAlreadyMember) {
			return err
		}
		// The cache was behind the store; drop it so the next read reloads.
		m.evict(roomID)
		m.sessions.SubscribeUser(userID, roomID)
		return err
	}

	m.apply(roomID, func(set map[string]domain.Role) {
		set[userID] = role
	})
	m.sessions.SubscribeUser(userID, roomID)
	return nil
}

// Leave removes userID from the room. The owner cannot leave.
func (m *MembershipIndex) Leave(ctx context.Context, roomID, userID string) error {
	unlock := m.locks.Lock(roomID)
	defer unlock()

	set, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	role, ok := set[userID]
	if !ok {
		return domain.ErrNotAMember
	}
	if role == domain.RoleOwner {
		return domain.ErrOwnerCannotLeave
	}
	return m.removeLocked(ctx, roomID, userID)
}

// Remove removes targetID on behalf of actorID. The actor must be owner or
// admin, only the owner may remove an admin, and the owner cannot be removed.
func (m *MembershipIndex) Remove(ctx context.Context, roomID, actorID, targetID string) error {
	if actorID == targetID {
		return m.Leave(ctx, roomID, targetID)
	}

	unlock := m.locks.Lock(roomID)
	defer unlock()

	set, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	actorRole, ok := set[actorID]
	if !ok || !actorRole.CanManage() {
		return domain.ErrForbidden
	}
	targetRole, ok := set[targetID]
	if !ok {
		return domain.ErrNotAMember
	}
	if targetRole == domain.RoleOwner {
		return domain.ErrOwnerCannotLeave
	}
	if targetRole == domain.RoleAdmin && actorRole != domain.RoleOwner {
		return domain.ErrForbidden
	}
	return m.removeLocked(ctx, roomID, targetID)
}

func (m *MembershipIndex) removeLocked(ctx context.Context, roomID, userID string) error {
	if err := m.store.RemoveMember(ctx, roomID, userID); err != nil {
		if errors.Is(err, domain.ErrNotAMember) {
			m.evict(roomID)
		}
		return err
	}
	m.apply(roomID, func(set map[string]domain.Role) {
		delete(set, userID)
	})
	m.sessions.UnsubscribeUser(userID, roomID)
	return nil
}

// SetRole changes targetID's role. The actor must be owner or admin; an admin
// may not change another admin. The owner's role only changes through
// TransferOwnership.
func (m *MembershipIndex) SetRole(ctx context.Context, roomID, actorID, targetID string, role domain.Role) error {
	if !role.Valid() || role == domain.RoleOwner {
		return domain.ErrInvalidRole
	}

	unlock := m.locks.Lock(roomID)
	defer unlock()

	set, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	actorRole, ok := set[actorID]
	if !ok || !actorRole.CanManage() {
		return domain.ErrForbidden
	}
	targetRole, ok := set[targetID]
	if !ok {
		return domain.ErrNotAMember
	}
	if targetRole == domain.RoleOwner {
		return domain.ErrForbidden
	}
	if targetRole == domain.RoleAdmin && actorRole != domain.RoleOwner && actorID != targetID {
		return domain.ErrForbidden
	}
	if targetRole == role {
		return nil
	}

	if err := m.store.UpdateMemberRole(ctx, roomID, targetID, role); err != nil {
		return err
	}
	m.apply(roomID, func(set map[string]domain.Role) {
		set[targetID] = role
	})
	return nil
}

// TransferOwnership makes newOwnerID the owner. The actor must be the current
// owner and becomes an admin.
func (m *MembershipIndex) TransferOwnership(ctx context.Context, roomID, actorID, newOwnerID string) error {
	unlock := m.locks.Lock(roomID)
	defer unlock()

	set, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	if set[actorID] != domain.RoleOwner {
		return domain.ErrForbidden
	}
	if actorID == newOwnerID {
		return nil
	}
	if _, ok := set[newOwnerID]; !ok {
		return domain.ErrNotAMember
	}

	if err := m.store.TransferOwnership(ctx, roomID, actorID, newOwnerID); err != nil {
		return err
	}
	m.apply(roomID, func(set map[string]domain.Role) {
		set[newOwnerID] = domain.RoleOwner
		set[actorID] = domain.RoleAdmin
	})
	return nil
}

// DeleteRoom deletes a room on behalf of its owner and returns the former
// members in sorted order. The cache entry is dropped; live sessions keep the
// room in scope until the caller unsubscribes them.
func (m *MembershipIndex) DeleteRoom(ctx context.Context, roomID, actorID string) ([]string, error) {
	unlock := m.locks.Lock(roomID)
	defer unlock()

	set, err := m.load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if set[actorID] != domain.RoleOwner {
		return nil, domain.ErrForbidden
	}
	members := make([]string, 0, len(set))
	for id := range set {
		members = append(members, id)
	}
	sort.Strings(members)

	if err := m.store.DeleteRoom(ctx, roomID); err != nil {
		return nil, err
	}
	m.evict(roomID)
	return members, nil
}

func (m *MembershipIndex) evict(roomID string) {
	m.mu.Lock()
	m.versions[roomID]++
	delete(m.rooms, roomID)
	m.mu.Unlock()
}

// MembersOf returns the sorted user IDs of a room's members.
func (m *MembershipIndex) MembersOf(ctx context.Context, roomID string) ([]string, error) {
	set, err := m.load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// RoleOf returns userID's role in the room and whether the user is a member.
func (m *MembershipIndex) RoleOf(ctx context.Context, roomID, userID string) (domain.Role, bool, error) {
	set, err := m.load(ctx, roomID)
	if err != nil {
		return "", false, err
	}
	role, ok := set[userID]
	return role, ok, nil
}

// IsMember reports whether userID belongs to the room.
func (m *MembershipIndex) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	_, ok, err := m.RoleOf(ctx, roomID, userID)
	return ok, err
}

// RoomsOf returns the rooms a user belongs to, read from durable membership.
func (m *MembershipIndex) RoomsOf(ctx context.Context, userID string) ([]string, error) {
	return m.store.RoomIDsForUser(ctx, userID)
}

// ConnectedSessionsOf returns a snapshot of the live sessions of room members
// that are subscribed to the room.
func (m *MembershipIndex) ConnectedSessionsOf(ctx context.Context, roomID string) ([]*Session, error) {
	set, err := m.load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	var out []*Session
	for userID := range set {
		for _, s := range m.sessions.SessionsFor(userID) {
			if s.Subscribed(roomID) {
				out = append(out, s)
			}
		}
	}
	return out, nil
}
