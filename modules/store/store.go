package store

import (
	"context"
	"fmt"
	"log"
	"time"

	domain "github.com/example/realtime-chat/domain/chat"
	"golang.org/x/sync/singleflight"
)

// Config holds the store adapter's call policy.
type Config struct {
	// CallTimeout bounds each individual repository call.
	CallTimeout time.Duration
	// RetryBackoff is the pause before the single retry of a failed call.
	RetryBackoff time.Duration
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		CallTimeout:  5 * time.Second,
		RetryBackoff: 50 * time.Millisecond,
	}
}

// Store is the durable store used by the chat core. Every call runs under a
// timeout; a call failing with a StoreError is retried once after a backoff and
// then surfaced as ErrOperationFailed. Domain errors are returned as-is.
type Store struct {
	repo    *Repository
	cache   *Cache
	sfGroup singleflight.Group
	cfg     Config
}

// New creates a Store. cache may be nil.
func New(repo *Repository, cache *Cache, cfg Config) *Store {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	}
	return &Store{
		repo:  repo,
		cache: cache,
		cfg:   cfg,
	}
}

// Cache returns the profile cache, or nil when Redis is not configured.
func (s *Store) Cache() *Cache {
	return s.cache
}

func (s *Store) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()
		return fn(callCtx)
	}

	err := attempt()
	if err == nil || !domain.IsStoreError(err) {
		return err
	}
	log.Printf("[store] %s failed, retrying once: %v", op, err)

	timer := time.NewTimer(s.cfg.RetryBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", domain.ErrOperationFailed, op, ctx.Err())
	case <-timer.C:
	}

	err = attempt()
	if err == nil || !domain.IsStoreError(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrOperationFailed, op, err)
}

// CreateRoom persists a room and its owner.
func (s *Store) CreateRoom(ctx context.Context, room *domain.Room, owner *domain.RoomMember) error {
	return s.call(ctx, "create-room", func(ctx context.Context) error {
		return s.repo.CreateRoom(ctx, room, owner)
	})
}

// GetRoom loads a room.
func (s *Store) GetRoom(ctx context.Context, id string) (*domain.Room, error) {
	var room *domain.Room
	err := s.call(ctx, "get-room", func(ctx context.Context) error {
		var err error
		room, err = s.repo.GetRoom(ctx, id)
		return err
	})
	return room, err
}

// ListRoomsForUser loads the rooms a user belongs to.
func (s *Store) ListRoomsForUser(ctx context.Context, userID string) ([]domain.Room, error) {
	var rooms []domain.Room
	err := s.call(ctx, "list-rooms", func(ctx context.Context) error {
		var err error
		rooms, err = s.repo.ListRoomsForUser(ctx, userID)
		return err
	})
	return rooms, err
}

// UpdateRoom changes a room's settings.
func (s *Store) UpdateRoom(ctx context.Context, roomID, name, description string, roomType domain.RoomType) (*domain.Room, error) {
	var room *domain.Room
	err := s.call(ctx, "update-room", func(ctx context.Context) error {
		var err error
		room, err = s.repo.UpdateRoom(ctx, roomID, name, description, roomType)
		return err
	})
	return room, err
}

// DeleteRoom removes a room and everything in it.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	return s.call(ctx, "delete-room", func(ctx context.Context) error {
		return s.repo.DeleteRoom(ctx, roomID)
	})
}

// GetRoomMembers loads a room's membership rows.
func (s *Store) GetRoomMembers(ctx context.Context, roomID string) ([]domain.RoomMember, error) {
	var members []domain.RoomMember
	err := s.call(ctx, "get-room-members", func(ctx context.Context) error {
		var err error
		members, err = s.repo.GetRoomMembers(ctx, roomID)
		return err
	})
	return members, err
}

// RoomIDsForUser loads the IDs of the rooms a user belongs to.
func (s *Store) RoomIDsForUser(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.call(ctx, "room-ids-for-user", func(ctx context.Context) error {
		var err error
		ids, err = s.repo.RoomIDsForUser(ctx, userID)
		return err
	})
	return ids, err
}

// AddMember persists a membership row.
func (s *Store) AddMember(ctx context.Context, member *domain.RoomMember) error {
	return s.call(ctx, "add-member", func(ctx context.Context) error {
		return s.repo.AddMember(ctx, member)
	})
}

// RemoveMember deletes a membership row.
func (s *Store) RemoveMember(ctx context.Context, roomID, userID string) error {
	return s.call(ctx, "remove-member", func(ctx context.Context) error {
		return s.repo.RemoveMember(ctx, roomID, userID)
	})
}

// UpdateMemberRole changes a member's role.
func (s *Store) UpdateMemberRole(ctx context.Context, roomID, userID string, role domain.Role) error {
	return s.call(ctx, "update-member-role", func(ctx context.Context) error {
		return s.repo.UpdateMemberRole(ctx, roomID, userID, role)
	})
}

// TransferOwnership moves room ownership atomically.
func (s *Store) TransferOwnership(ctx context.Context, roomID, ownerID, newOwnerID string) error {
	return s.call(ctx, "transfer-ownership", func(ctx context.Context) error {
		return s.repo.TransferOwnership(ctx, roomID, ownerID, newOwnerID)
	})
}

// PersistMessage stores a message and assigns its room sequence.
func (s *Store) PersistMessage(ctx context.Context, msg *domain.Message) error {
	return s.call(ctx, "persist-message", func(ctx context.Context) error {
		return s.repo.PersistMessage(ctx, msg)
	})
}

// GetMessage loads a message.
func (s *Store) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	var msg *domain.Message
	err := s.call(ctx, "get-message", func(ctx context.Context) error {
		var err error
		msg, err = s.repo.GetMessage(ctx, id)
		return err
	})
	return msg, err
}

// UpdateMessageStatus applies a forward status transition.
func (s *Store) UpdateMessageStatus(ctx context.Context, id string, status domain.MessageStatus) (bool, error) {
	var applied bool
	err := s.call(ctx, "update-message-status", func(ctx context.Context) error {
		var err error
		applied, err = s.repo.UpdateMessageStatus(ctx, id, status)
		return err
	})
	return applied, err
}

// MessagesAfter loads messages after a sequence number.
func (s *Store) MessagesAfter(ctx context.Context, roomID string, afterSeq int64, limit int) ([]domain.Message, error) {
	var msgs []domain.Message
	err := s.call(ctx, "messages-after", func(ctx context.Context) error {
		var err error
		msgs, err = s.repo.MessagesAfter(ctx, roomID, afterSeq, limit)
		return err
	})
	return msgs, err
}

// MessagesBefore loads a page of messages before a sequence number.
func (s *Store) MessagesBefore(ctx context.Context, roomID string, beforeSeq int64, limit int) ([]domain.Message, error) {
	var msgs []domain.Message
	err := s.call(ctx, "messages-before", func(ctx context.Context) error {
		var err error
		msgs, err = s.repo.MessagesBefore(ctx, roomID, beforeSeq, limit)
		return err
	})
	return msgs, err
}

// ToggleReaction inserts or removes a reaction triple.
func (s *Store) ToggleReaction(ctx context.Context, messageID, userID, emoji string) (bool, []domain.Reaction, error) {
	var added bool
	var reactions []domain.Reaction
	err := s.call(ctx, "toggle-reaction", func(ctx context.Context) error {
		var err error
		added, reactions, err = s.repo.ToggleReaction(ctx, messageID, userID, emoji)
		return err
	})
	return added, reactions, err
}

// ListReactions loads all reactions on a message.
func (s *Store) ListReactions(ctx context.Context, messageID string) ([]domain.Reaction, error) {
	var reactions []domain.Reaction
	err := s.call(ctx, "list-reactions", func(ctx context.Context) error {
		var err error
		reactions, err = s.repo.ListReactions(ctx, messageID)
		return err
	})
	return reactions, err
}

// GetUser loads a user profile using the cache-aside pattern.
// Concurrent misses for the same user share one database query.
func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	key := userCacheKey(id)

	if s.cache != nil {
		var cached domain.User
		found, err := s.cache.Get(ctx, key, &cached)
		if err != nil {
			log.Printf("[store] Cache error for user %s: %v", id, err)
		}
		if found {
			return &cached, nil
		}
	}

	val, err, _ := s.sfGroup.Do(key, func() (any, error) {
		var user *domain.User
		err := s.call(ctx, "get-user", func(ctx context.Context) error {
			var err error
			user, err = s.repo.GetUser(ctx, id)
			return err
		})
		return user, err
	})
	if err != nil {
		return nil, err
	}

	user, ok := val.(*domain.User)
	if !ok || user == nil {
		return nil, domain.ErrUserNotFound
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, user); err != nil {
			log.Printf("[store] Warning: failed to cache user %s: %v", id, err)
		}
	}
	return user, nil
}

// UpsertUser inserts or refreshes a user and drops its cached profile.
func (s *Store) UpsertUser(ctx context.Context, user *domain.User) error {
	err := s.call(ctx, "upsert-user", func(ctx context.Context) error {
		return s.repo.UpsertUser(ctx, user)
	})
	s.invalidateUser(ctx, user.ID)
	return err
}

// UpdateUserStatus records presence and drops the cached profile.
func (s *Store) UpdateUserStatus(ctx context.Context, id string, status domain.PresenceStatus, lastSeen time.Time) error {
	err := s.call(ctx, "update-user-status", func(ctx context.Context) error {
		return s.repo.UpdateUserStatus(ctx, id, status, lastSeen)
	})
	s.invalidateUser(ctx, id)
	return err
}

func (s *Store) invalidateUser(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, userCacheKey(id)); err != nil {
		log.Printf("[store] Warning: failed to invalidate user %s: %v", id, err)
	}
}

func userCacheKey(id string) string {
	return "user:" + id
}
