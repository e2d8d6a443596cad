package events

import (
	"time"

	"github.com/go-monolith/mono/pkg/helper"
)

// MessageCreatedEvent is emitted after a message is persisted and fanned out.
type MessageCreatedEvent struct {
	MessageID      string    `json:"message_id"`
	RoomID         string    `json:"room_id"`
	Seq            int64     `json:"seq"`
	AuthorID       string    `json:"author_id"`
	HasAttachments bool      `json:"has_attachments"`
	IsReply        bool      `json:"is_reply"`
	Timestamp      time.Time `json:"timestamp"`
}

// MessageStatusChangedEvent is emitted after a status transition is applied.
type MessageStatusChangedEvent struct {
	MessageID string    `json:"message_id"`
	RoomID    string    `json:"room_id"`
	Status    string    `json:"status"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ReactionsChangedEvent is emitted after a reaction toggle is persisted.
type ReactionsChangedEvent struct {
	MessageID string    `json:"message_id"`
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	Added     bool      `json:"added"`
	Total     int       `json:"total"`
	Timestamp time.Time `json:"timestamp"`
}

// MemberJoinedEvent is emitted when a user becomes a room member.
type MemberJoinedEvent struct {
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Timestamp time.Time `json:"timestamp"`
}

// MemberLeftEvent is emitted when a user leaves or is removed from a room.
type MemberLeftEvent struct {
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	RemovedBy string    `json:"removed_by,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PresenceChangedEvent is emitted when a user's visible presence flips.
type PresenceChangedEvent struct {
	UserID    string    `json:"user_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// RoomCreatedEvent is emitted when a new room is created.
type RoomCreatedEvent struct {
	RoomID    string    `json:"room_id"`
	RoomName  string    `json:"room_name"`
	RoomType  string    `json:"room_type"`
	CreatedBy string    `json:"created_by"`
	Timestamp time.Time `json:"timestamp"`
}

// RoomUpdatedEvent is emitted when a room's settings change.
type RoomUpdatedEvent struct {
	RoomID    string    `json:"room_id"`
	RoomName  string    `json:"room_name"`
	RoomType  string    `json:"room_type"`
	UpdatedBy string    `json:"updated_by"`
	Timestamp time.Time `json:"timestamp"`
}

// RoomDeletedEvent is emitted after a room and its history are deleted.
type RoomDeletedEvent struct {
	RoomID    string    `json:"room_id"`
	DeletedBy string    `json:"deleted_by"`
	Members   int       `json:"members"`
	Timestamp time.Time `json:"timestamp"`
}

// Event definitions for the chat domain.
var (
	MessageCreatedV1 = helper.EventDefinition[MessageCreatedEvent](
		"chat",
		"MessageCreated",
		"v1",
	)

	MessageStatusChangedV1 = helper.EventDefinition[MessageStatusChangedEvent](
		"chat",
		"MessageStatusChanged",
		"v1",
	)

	ReactionsChangedV1 = helper.EventDefinition[ReactionsChangedEvent](
		"chat",
		"ReactionsChanged",
		"v1",
	)

	MemberJoinedV1 = helper.EventDefinition[MemberJoinedEvent](
		"chat",
		"MemberJoined",
		"v1",
	)

	MemberLeftV1 = helper.EventDefinition[MemberLeftEvent](
		"chat",
		"MemberLeft",
		"v1",
	)

	PresenceChangedV1 = helper.EventDefinition[PresenceChangedEvent](
		"chat",
		"PresenceChanged",
		"v1",
	)

	RoomCreatedV1 = helper.EventDefinition[RoomCreatedEvent](
		"chat",
		"RoomCreated",
		"v1",
	)

	RoomUpdatedV1 = helper.EventDefinition[RoomUpdatedEvent](
		"chat",
		"RoomUpdated",
		"v1",
	)

	RoomDeletedV1 = helper.EventDefinition[RoomDeletedEvent](
		"chat",
		"RoomDeleted",
		"v1",
	)
)
