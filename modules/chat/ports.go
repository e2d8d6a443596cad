package chat

import (
	"context"
	"time"

	domain "github.com/example/realtime-chat/domain/chat"
)

// Store is the durable persistence the core depends on. Implementations return
// domain sentinel errors for lookups and constraint violations, and an error
// wrapping domain.ErrOperationFailed when the backend keeps failing.
type Store interface {
	CreateRoom(ctx context.Context, room *domain.Room, owner *domain.RoomMember) error
	GetRoom(ctx context.Context, id string) (*domain.Room, error)
	ListRoomsForUser(ctx context.Context, userID string) ([]domain.Room, error)
	UpdateRoom(ctx context.Context, roomID, name, description string, roomType domain.RoomType) (*domain.Room, error)
	DeleteRoom(ctx context.Context, roomID string) error
	GetRoomMembers(ctx context.Context, roomID string) ([]domain.RoomMember, error)
	RoomIDsForUser(ctx context.Context, userID string) ([]string, error)
	AddMember(ctx context.Context, member *domain.RoomMember) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	UpdateMemberRole(ctx context.Context, roomID, userID string, role domain.Role) error
	TransferOwnership(ctx context.Context, roomID, ownerID, newOwnerID string) error

	PersistMessage(ctx context.Context, msg *domain.Message) error
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	UpdateMessageStatus(ctx context.Context, id string, status domain.MessageStatus) (bool, error)
	MessagesAfter(ctx context.Context, roomID string, afterSeq int64, limit int) ([]domain.Message, error)
	MessagesBefore(ctx context.Context, roomID string, beforeSeq int64, limit int) ([]domain.Message, error)
	ToggleReaction(ctx context.Context, messageID, userID, emoji string) (bool, []domain.Reaction, error)
	ListReactions(ctx context.Context, messageID string) ([]domain.Reaction, error)

	GetUser(ctx context.Context, id string) (*domain.User, error)
	UpsertUser(ctx context.Context, user *domain.User) error
	UpdateUserStatus(ctx context.Context, id string, status domain.PresenceStatus, lastSeen time.Time) error
}

// TokenVerifier turns a client credential into a verified identity.
// Failures wrap domain.ErrAuthFailed.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*domain.Identity, error)
}

// Notifier receives domain events after the state change they describe is
// persisted. Implementations must not block.
type Notifier interface {
	Notify(event any)
}

type noopNotifier struct{}

func (noopNotifier) Notify(any) {}
