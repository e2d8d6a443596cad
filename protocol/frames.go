// Package protocol defines the tagged wire frames exchanged with chat clients.
package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	domain "github.com/example/realtime-chat/domain/chat"
)

// Kind tags a frame. The set is closed: every kind has one payload shape.
type Kind string

// Server to client event kinds.
const (
	KindUserOnline      Kind = "user:online"
	KindUserOffline     Kind = "user:offline"
	KindTypingStart     Kind = "typing:start"
	KindTypingStop      Kind = "typing:stop"
	KindMessageNew      Kind = "message:new"
	KindMessageStatus   Kind = "message:status"
	KindMessageReaction Kind = "message:reaction"
	KindMemberJoined    Kind = "room:member_joined"
	KindMemberLeft      Kind = "room:member_left"
	KindRoomUpdated     Kind = "room:updated"
	KindRoomDeleted     Kind = "room:deleted"
	KindAuthOK          Kind = "auth:ok"
	KindAuthError       Kind = "auth:error"
	KindError           Kind = "error"
	KindSyncResult      Kind = "sync:result"
	KindPong            Kind = "pong"
)

// Frame is the envelope written to clients.
type Frame struct {
	Type Kind   `json:"type"`
	Ref  string `json:"ref,omitempty"`
	Data any    `json:"data,omitempty"`
}

// Encode marshals a frame for kind with payload.
func Encode(kind Kind, payload any) ([]byte, error) {
	return EncodeRef(kind, "", payload)
}

// EncodeRef marshals a frame that answers the inbound frame tagged ref.
func EncodeRef(kind Kind, ref string, payload any) ([]byte, error) {
	data, err := json.Marshal(Frame{Type: kind, Ref: ref, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", kind, err)
	}
	return data, nil
}

// PresencePayload is carried by user:online and user:offline.
type PresencePayload struct {
	UserID    string     `json:"user_id"`
	Status    string     `json:"status"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// TypingPayload is carried by typing:start and typing:stop.
type TypingPayload struct {
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

// AttachmentPayload describes attachment metadata on the wire.
type AttachmentPayload struct {
	Name string `json:"name"`
	Type string `json:"type"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// MessagePayload is carried by message:new and inside sync results.
type MessagePayload struct {
	ID          string              `json:"id"`
	RoomID      string              `json:"room_id"`
	Seq         int64               `json:"seq"`
	AuthorID    string              `json:"author_id"`
	Content     string              `json:"content"`
	ReplyToID   string              `json:"reply_to_id,omitempty"`
	Type        string              `json:"type"`
	Status      string              `json:"status"`
	Edited      bool                `json:"edited,omitempty"`
	Attachments []AttachmentPayload `json:"attachments,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
}

// NewMessagePayload converts a persisted message.
func NewMessagePayload(msg *domain.Message) MessagePayload {
	p := MessagePayload{
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		Seq:       msg.Seq,
		AuthorID:  msg.AuthorID,
		Content:   msg.Content,
		Type:      msg.Type,
		Status:    string(msg.Status),
		Edited:    msg.Edited,
		Timestamp: msg.CreatedAt,
	}
	if msg.ReplyToID != nil {
		p.ReplyToID = *msg.ReplyToID
	}
	for _, a := range msg.Attachments {
		p.Attachments = append(p.Attachments, AttachmentPayload{
			Name: a.Name,
			Type: a.MimeType,
			URL:  a.URL,
			Size: a.Size,
		})
	}
	return p
}

// StatusPayload is carried by message:status.
type StatusPayload struct {
	MessageID string    `json:"message_id"`
	RoomID    string    `json:"room_id"`
	Status    string    `json:"status"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ReactionSummary groups the users that reacted with one emoji.
type ReactionSummary struct {
	Emoji   string   `json:"emoji"`
	Count   int      `json:"count"`
	UserIDs []string `json:"user_ids"`
}

// ReactionPayload is carried by message:reaction. It always holds the full list.
type ReactionPayload struct {
	MessageID string            `json:"message_id"`
	RoomID    string            `json:"room_id"`
	Reactions []ReactionSummary `json:"reactions"`
	Timestamp time.Time         `json:"timestamp"`
}

// SummarizeReactions groups reactions by emoji in first-seen order.
func SummarizeReactions(reactions []domain.Reaction) []ReactionSummary {
	sorted := make([]domain.Reaction, len(reactions))
	copy(sorted, reactions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	out := make([]ReactionSummary, 0)
	index := make(map[string]int)
	for _, r := range sorted {
		i, ok := index[r.Emoji]
		if !ok {
			i = len(out)
			index[r.Emoji] = i
			out = append(out, ReactionSummary{Emoji: r.Emoji, UserIDs: []string{}})
		}
		out[i].UserIDs = append(out[i].UserIDs, r.UserID)
		out[i].Count++
	}
	return out
}

// UserPayload is the public profile attached to membership events.
type UserPayload struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	Status      string `json:"status,omitempty"`
}

// NewUserPayload converts a user row; nil yields nil.
func NewUserPayload(u *domain.User) *UserPayload {
	if u == nil {
		return nil
	}
	return &UserPayload{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Avatar:      u.Avatar,
		Status:      string(u.Status),
	}
}

// MemberJoinedPayload is carried by room:member_joined.
type MemberJoinedPayload struct {
	RoomID    string       `json:"room_id"`
	UserID    string       `json:"user_id"`
	Role      string       `json:"role"`
	User      *UserPayload `json:"user,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// MemberLeftPayload is carried by room:member_left.
type MemberLeftPayload struct {
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	RemovedBy string    `json:"removed_by,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RoomUpdatedPayload is carried by room:updated.
type RoomUpdatedPayload struct {
	RoomID      string    `json:"room_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Type        string    `json:"type"`
	UpdatedBy   string    `json:"updated_by"`
	Timestamp   time.Time `json:"timestamp"`
}

// RoomDeletedPayload is carried by room:deleted. It is the last frame a
// session receives for the room.
type RoomDeletedPayload struct {
	RoomID    string    `json:"room_id"`
	DeletedBy string    `json:"deleted_by"`
	Timestamp time.Time `json:"timestamp"`
}

// AuthOKPayload confirms authentication and lists the re-subscribed rooms.
type AuthOKPayload struct {
	SessionID string   `json:"session_id"`
	UserID    string   `json:"user_id"`
	Rooms     []string `json:"rooms"`
}

// ErrorPayload is sent only to the requesting session.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorPayload builds an error payload with the reason code for err.
func NewErrorPayload(err error) ErrorPayload {
	return ErrorPayload{Code: domain.Code(err), Message: err.Error()}
}

// SyncResultPayload answers a sync command with missed messages in seq order.
type SyncResultPayload struct {
	RoomID   string           `json:"room_id"`
	Messages []MessagePayload `json:"messages"`
	LastSeq  int64            `json:"last_seq"`
	HasMore  bool             `json:"has_more"`
}

// Close codes sent when the server drops a connection.
const (
	CloseNormal       = 1000
	CloseGoingAway    = 1001
	ClosePolicy       = 1008
	CloseAuthFailed   = 4001
	CloseAuthTimeout  = 4002
	CloseSlowConsumer = 4003
)
