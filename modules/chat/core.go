package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	domain "github.com/example/realtime-chat/domain/chat"
	"github.com/example/realtime-chat/events"
	"github.com/example/realtime-chat/middleware/ratelimit"
	"github.com/example/realtime-chat/protocol"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/google/uuid"
)

const maxRoomNameLength = 100

// Config holds the core's timing and sizing settings.
type Config struct {
	AuthTimeout      time.Duration
	OfflineGrace     time.Duration
	TypingTimeout    time.Duration
	SendQueueSize    int
	MaxContentLength int
	BackfillLimit    int
	MessageRate      ratelimit.ServiceLimit
	TypingRate       ratelimit.ServiceLimit
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		AuthTimeout:      10 * time.Second,
		OfflineGrace:     5 * time.Second,
		TypingTimeout:    6 * time.Second,
		SendQueueSize:    256,
		MaxContentLength: 4096,
		BackfillLimit:    200,
		MessageRate:      ratelimit.ServiceLimit{Limit: 30, Window: 10 * time.Second},
		TypingRate:       ratelimit.ServiceLimit{Limit: 20, Window: 10 * time.Second},
	}
}

func (c *Config) sanitize() {
	def := DefaultConfig()
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = def.AuthTimeout
	}
	if c.OfflineGrace <= 0 {
		c.OfflineGrace = def.OfflineGrace
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = def.TypingTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.MaxContentLength <= 0 {
		c.MaxContentLength = def.MaxContentLength
	}
	if c.BackfillLimit <= 0 {
		c.BackfillLimit = def.BackfillLimit
	}
}

// Option configures optional collaborators of a Core.
type Option func(*Core)

// WithNotifier routes domain events to n.
func WithNotifier(n Notifier) Option {
	return func(c *Core) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithLimiter enables per-user rate limits on message and typing commands.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(c *Core) {
		c.limiter = l
	}
}

// Core owns one instance of every chat component and wires them together.
type Core struct {
	cfg      Config
	store    Store
	verifier TokenVerifier
	logger   types.Logger
	notifier Notifier
	limiter  ratelimit.Limiter

	sessions    *SessionRegistry
	membership  *MembershipIndex
	metrics     *Metrics
	broadcaster *Broadcaster
	presence    *PresenceTracker
	pipeline    *Pipeline
	typing      *TypingRelay

	connMu   sync.Mutex
	conns    map[*Connection]struct{}
	shutdown bool
}

// NewCore builds a Core over store and starts its presence worker.
func NewCore(store Store, verifier TokenVerifier, logger types.Logger, cfg Config, opts ...Option) *Core {
	cfg.sanitize()

	c := &Core{
		cfg:      cfg,
		store:    store,
		verifier: verifier,
		logger:   logger,
		notifier: noopNotifier{},
		conns:    make(map[*Connection]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.sessions = NewSessionRegistry()
	c.membership = NewMembershipIndex(store, c.sessions)
	c.metrics = newMetrics(c.sessions)
	c.broadcaster = NewBroadcaster(c.sessions, c.membership, c.metrics, logger)
	c.presence = NewPresenceTracker(store, c.sessions, c.membership, c.broadcaster, c.notifier, c.metrics, logger, cfg.OfflineGrace)
	c.pipeline = NewPipeline(store, c.membership, c.broadcaster, c.notifier, c.metrics, logger, PipelineConfig{
		MaxContentLength: cfg.MaxContentLength,
		BackfillLimit:    cfg.BackfillLimit,
	})
	c.typing = NewTypingRelay(c.membership, c.broadcaster, logger, cfg.TypingTimeout)

	c.sessions.SetObserver(c.presence.OnTransition)
	c.presence.Start()
	return c
}

// Sessions returns the session registry.
func (c *Core) Sessions() *SessionRegistry { return c.sessions }

// Membership returns the membership index.
func (c *Core) Membership() *MembershipIndex { return c.membership }

// Pipeline returns the message pipeline.
func (c *Core) Pipeline() *Pipeline { return c.pipeline }

// Metrics returns the core's Prometheus collectors.
func (c *Core) Metrics() *Metrics { return c.metrics }

// Accept creates a supervised connection and arms its auth deadline. The
// transport must call Disconnect when the client goes away.
func (c *Core) Accept() (*Connection, error) {
	conn := newConnection(c)

	c.connMu.Lock()
	if c.shutdown {
		c.connMu.Unlock()
		return nil, errors.New("chat core is shutting down")
	}
	c.conns[conn] = struct{}{}
	c.connMu.Unlock()

	conn.Begin()
	return conn, nil
}

func (c *Core) forget(conn *Connection) {
	c.connMu.Lock()
	delete(c.conns, conn)
	c.connMu.Unlock()
}

// Shutdown closes every connection and stops background work. Offline
// emissions still pending are dropped.
func (c *Core) Shutdown(ctx context.Context) error {
	c.connMu.Lock()
	c.shutdown = true
	conns := make([]*Connection, 0, len(c.conns))
	for conn := range c.conns {
		conns = append(conns, conn)
	}
	c.connMu.Unlock()

	for _, conn := range conns {
		conn.CloseWith(protocol.CloseGoingAway, "server shutting down")
	}
	c.typing.Close()

	done := make(chan struct{})
	go func() {
		c.presence.Stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("chat core shutdown: %w", ctx.Err())
	}
}

// Status reports a user's effective presence.
func (c *Core) Status(userID string) domain.PresenceStatus {
	return c.presence.Status(userID)
}

func (c *Core) allow(ctx context.Context, kind, userID string) error {
	if c.limiter == nil {
		return nil
	}
	limit := c.cfg.MessageRate
	if kind == "typing" {
		limit = c.cfg.TypingRate
	}
	if limit.Limit <= 0 || limit.Window <= 0 {
		return nil
	}

	result, err := c.limiter.Allow(ctx, "ws:"+kind+":"+userID, limit.Limit, limit.Window)
	if err != nil {
		c.logger.Warn("Rate limit check failed", "kind", kind, "userID", userID, "error", err)
		return nil
	}
	if !result.Allowed {
		return domain.ErrRateLimited
	}
	return nil
}

// CreateRoomInput describes a new room.
type CreateRoomInput struct {
	Name        string
	Description string
	Type        domain.RoomType
	Members     []string
}

// MemberView is a room member with live presence.
type MemberView struct {
	UserID   string                `json:"user_id"`
	Role     domain.Role           `json:"role"`
	JoinedAt time.Time             `json:"joined_at"`
	Status   domain.PresenceStatus `json:"status"`
}

// CreateRoom creates a room owned by ownerID and adds the initial members.
func (c *Core) CreateRoom(ctx context.Context, ownerID string, in CreateRoomInput) (*domain.Room, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" || len(name) > maxRoomNameLength {
		return nil, fmt.Errorf("%w: room name must be 1-%d characters", domain.ErrInvalidCommand, maxRoomNameLength)
	}
	if in.Type == "" {
		in.Type = domain.RoomGroup
	}
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown room type %q", domain.ErrInvalidCommand, in.Type)
	}

	room := &domain.Room{
		ID:          uuid.New().String(),
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		Type:        in.Type,
	}
	if err := c.membership.CreateRoom(ctx, room, ownerID); err != nil {
		return nil, err
	}

	seen := map[string]bool{ownerID: true}
	for _, userID := range in.Members {
		if userID == "" || seen[userID] {
			continue
		}
		seen[userID] = true
		if err := c.membership.Add(ctx, room.ID, ownerID, userID, domain.RoleMember); err != nil {
			if !errors.Is(err, domain.ErrAlreadyMember) {
				c.logger.Warn("Failed to add initial member", "roomID", room.ID, "userID", userID, "error", err)
			}
			continue
		}
		c.memberJoined(ctx, room.ID, userID, domain.RoleMember)
	}

	c.notifier.Notify(events.RoomCreatedEvent{
		RoomID:    room.ID,
		RoomName:  room.Name,
		RoomType:  string(room.Type),
		CreatedBy: ownerID,
		Timestamp: time.Now(),
	})
	c.logger.Info("Room created", "roomID", room.ID, "ownerID", ownerID, "type", room.Type)
	return room, nil
}

// UpdateRoomInput changes a room's settings. Nil fields keep their value.
type UpdateRoomInput struct {
	Name        *string
	Description *string
	Type        *domain.RoomType
}

// UpdateRoom changes a room's settings on behalf of an owner or admin and
// broadcasts room:updated to the room.
func (c *Core) UpdateRoom(ctx context.Context, roomID, actorID string, in UpdateRoomInput) (*domain.Room, error) {
	if in.Name == nil && in.Description == nil && in.Type == nil {
		return nil, fmt.Errorf("%w: nothing to update", domain.ErrInvalidCommand)
	}
	room, err := c.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	role, ok, err := c.membership.RoleOf(ctx, roomID, actorID)
	if err != nil {
		return nil, err
	}
	if !ok || !role.CanManage() {
		return nil, domain.ErrForbidden
	}

	name, description, roomType := room.Name, room.Description, room.Type
	if in.Name != nil {
		name = strings.TrimSpace(*in.Name)
		if name == "" || len(name) > maxRoomNameLength {
			return nil, fmt.Errorf("%w: room name must be 1-%d characters", domain.ErrInvalidCommand, maxRoomNameLength)
		}
	}
	if in.Description != nil {
		description = strings.TrimSpace(*in.Description)
	}
	if in.Type != nil && *in.Type != roomType {
		next := *in.Type
		if !next.Valid() {
			return nil, fmt.Errorf("%w: unknown room type %q", domain.ErrInvalidCommand, next)
		}
		if next == domain.RoomDirect || roomType == domain.RoomDirect {
			return nil, fmt.Errorf("%w: direct rooms cannot change type", domain.ErrInvalidCommand)
		}
		roomType = next
	}

	updated, err := c.store.UpdateRoom(ctx, roomID, name, description, roomType)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if _, err := c.broadcaster.Publish(ctx, roomID, protocol.KindRoomUpdated, protocol.RoomUpdatedPayload{
		RoomID:      roomID,
		Name:        updated.Name,
		Description: updated.Description,
		Type:        string(updated.Type),
		UpdatedBy:   actorID,
		Timestamp:   now,
	}); err != nil {
		c.logger.Warn("Failed to broadcast room update", "roomID", roomID, "error", err)
	}
	c.notifier.Notify(events.RoomUpdatedEvent{
		RoomID:    roomID,
		RoomName:  updated.Name,
		RoomType:  string(updated.Type),
		UpdatedBy: actorID,
		Timestamp: now,
	})
	c.logger.Info("Room updated", "roomID", roomID, "actorID", actorID)
	return updated, nil
}

// DeleteRoom deletes a room and its history on behalf of the owner. Members'
// sessions receive room:deleted and are then unsubscribed.
func (c *Core) DeleteRoom(ctx context.Context, roomID, actorID string) error {
	if _, err := c.store.GetRoom(ctx, roomID); err != nil {
		return err
	}
	members, err := c.membership.DeleteRoom(ctx, roomID, actorID)
	if err != nil {
		return err
	}

	now := time.Now()
	c.broadcaster.SendToUsers(members, protocol.KindRoomDeleted, protocol.RoomDeletedPayload{
		RoomID:    roomID,
		DeletedBy: actorID,
		Timestamp: now,
	})
	for _, userID := range members {
		c.sessions.UnsubscribeUser(userID, roomID)
	}

	c.notifier.Notify(events.RoomDeletedEvent{
		RoomID:    roomID,
		DeletedBy: actorID,
		Members:   len(members),
		Timestamp: now,
	})
	c.logger.Info("Room deleted", "roomID", roomID, "actorID", actorID, "members", len(members))
	return nil
}

// GetRoom returns a room visible to userID. Only public rooms are visible to
// non-members.
func (c *Core) GetRoom(ctx context.Context, roomID, userID string) (*domain.Room, error) {
	room, err := c.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Type == domain.RoomPublic {
		return room, nil
	}
	ok, err := c.membership.IsMember(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrNotAMember
	}
	return room, nil
}

// ListRooms returns the rooms userID belongs to.
func (c *Core) ListRooms(ctx context.Context, userID string) ([]domain.Room, error) {
	return c.store.ListRoomsForUser(ctx, userID)
}

// Members lists a room's members with their presence. The caller must be a member.
func (c *Core) Members(ctx context.Context, roomID, userID string) ([]MemberView, error) {
	ok, err := c.membership.IsMember(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrNotAMember
	}
	rows, err := c.store.GetRoomMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	out := make([]MemberView, 0, len(rows))
	for _, row := range rows {
		out = append(out, MemberView{
			UserID:   row.UserID,
			Role:     row.Role,
			JoinedAt: row.JoinedAt,
			Status:   c.presence.Status(row.UserID),
		})
	}
	return out, nil
}

// JoinRoom makes userID a member of a room. Private and direct rooms can only
// be joined by invitation. A repeated join returns ErrAlreadyMember.
func (c *Core) JoinRoom(ctx context.Context, roomID, userID string) error {
	room, err := c.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	member, err := c.membership.IsMember(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if !member && (room.Type == domain.RoomPrivate || room.Type == domain.RoomDirect) {
		return domain.ErrForbidden
	}

	if err := c.membership.Join(ctx, roomID, userID, domain.RoleMember); err != nil {
		return err
	}
	c.memberJoined(ctx, roomID, userID, domain.RoleMember)
	return nil
}

// LeaveRoom removes userID from a room.
func (c *Core) LeaveRoom(ctx context.Context, roomID, userID string) error {
	if err := c.membership.Leave(ctx, roomID, userID); err != nil {
		return err
	}
	c.memberLeft(ctx, roomID, userID, "")
	return nil
}

// AddMember adds targetID to a room on behalf of actorID.
func (c *Core) AddMember(ctx context.Context, roomID, actorID, targetID string, role domain.Role) error {
	if role == "" {
		role = domain.RoleMember
	}
	if err := c.membership.Add(ctx, roomID, actorID, targetID, role); err != nil {
		return err
	}
	c.memberJoined(ctx, roomID, targetID, role)
	return nil
}

// RemoveMember removes targetID from a room on behalf of actorID.
func (c *Core) RemoveMember(ctx context.Context, roomID, actorID, targetID string) error {
	if err := c.membership.Remove(ctx, roomID, actorID, targetID); err != nil {
		return err
	}
	removedBy := ""
	if actorID != targetID {
		removedBy = actorID
	}
	c.memberLeft(ctx, roomID, targetID, removedBy)
	return nil
}

// SetRole changes a member's role.
func (c *Core) SetRole(ctx context.Context, roomID, actorID, targetID string, role domain.Role) error {
	return c.membership.SetRole(ctx, roomID, actorID, targetID, role)
}

// TransferOwnership hands a room to newOwnerID.
func (c *Core) TransferOwnership(ctx context.Context, roomID, actorID, newOwnerID string) error {
	return c.membership.TransferOwnership(ctx, roomID, actorID, newOwnerID)
}

// SendMessage submits a message outside a live connection.
func (c *Core) SendMessage(ctx context.Context, req SubmitRequest) (*domain.Message, error) {
	return c.pipeline.Submit(ctx, req)
}

// GetMessage returns one message and its reactions if userID can see it.
func (c *Core) GetMessage(ctx context.Context, messageID, userID string) (*domain.Message, []protocol.ReactionSummary, error) {
	return c.pipeline.Lookup(ctx, messageID, userID)
}

// History returns a page of older messages.
func (c *Core) History(ctx context.Context, roomID, userID string, beforeSeq int64, limit int) ([]domain.Message, error) {
	return c.pipeline.History(ctx, roomID, userID, beforeSeq, limit)
}

func (c *Core) memberJoined(ctx context.Context, roomID, userID string, role domain.Role) {
	now := time.Now()
	payload := protocol.MemberJoinedPayload{
		RoomID:    roomID,
		UserID:    userID,
		Role:      string(role),
		Timestamp: now,
	}
	if user, err := c.store.GetUser(ctx, userID); err == nil {
		payload.User = protocol.NewUserPayload(user)
	}

	if _, err := c.broadcaster.Publish(ctx, roomID, protocol.KindMemberJoined, payload); err != nil {
		c.logger.Warn("Failed to broadcast member join", "roomID", roomID, "userID", userID, "error", err)
	}
	c.notifier.Notify(events.MemberJoinedEvent{
		RoomID:    roomID,
		UserID:    userID,
		Role:      string(role),
		Timestamp: now,
	})
}

func (c *Core) memberLeft(ctx context.Context, roomID, userID, removedBy string) {
	now := time.Now()
	payload := protocol.MemberLeftPayload{
		RoomID:    roomID,
		UserID:    userID,
		RemovedBy: removedBy,
		Timestamp: now,
	}

	// The leaver is no longer subscribed; tell their sessions directly.
	if _, err := c.broadcaster.Publish(ctx, roomID, protocol.KindMemberLeft, payload); err != nil {
		c.logger.Warn("Failed to broadcast member leave", "roomID", roomID, "userID", userID, "error", err)
	}
	c.broadcaster.SendToUser(userID, protocol.KindMemberLeft, payload)

	c.notifier.Notify(events.MemberLeftEvent{
		RoomID:    roomID,
		UserID:    userID,
		RemovedBy: removedBy,
		Timestamp: now,
	})
}
