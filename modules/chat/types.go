package chat

import (
	"time"

	domain "github.com/example/realtime-chat/domain/chat"
	"github.com/example/realtime-chat/protocol"
)

// Request-reply service names.
const (
	ServiceCreateRoom        = "create-room"
	ServiceListRooms         = "list-rooms"
	ServiceGetRoom           = "get-room"
	ServiceUpdateRoom        = "update-room"
	ServiceDeleteRoom        = "delete-room"
	ServiceAddMember         = "add-member"
	ServiceRemoveMember      = "remove-member"
	ServiceSetRole           = "set-member-role"
	ServiceTransferOwnership = "transfer-ownership"
	ServiceSendMessage       = "send-message"
	ServiceMessageHistory    = "message-history"
	ServiceGetMessage        = "get-message"
	ServiceUserPresence      = "user-presence"
)

// ServiceError carries a domain error across the bus. Sentinel identity is
// restored from ErrorCode by the adapter.
type ServiceError struct {
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"error,omitempty"`
}

// Err rebuilds the domain error, or nil when the call succeeded.
func (e ServiceError) Err() error {
	return domain.ErrorFromCode(e.ErrorCode, e.Message)
}

func failure(err error) ServiceError {
	code := domain.Code(err)
	msg := err.Error()
	if code == "operation_failed" {
		msg = domain.ErrOperationFailed.Error()
	}
	return ServiceError{ErrorCode: code, Message: msg}
}

// RoomView is the wire form of a room.
type RoomView struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Type          string    `json:"type"`
	CreatedBy     string    `json:"created_by"`
	LastSeq       int64     `json:"last_seq"`
	LastMessageID string    `json:"last_message_id,omitempty"`
	LastActivity  time.Time `json:"last_activity"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewRoomView converts a persisted room.
func NewRoomView(r *domain.Room) *RoomView {
	if r == nil {
		return nil
	}
	v := &RoomView{
		ID:           r.ID,
		Name:         r.Name,
		Description:  r.Description,
		Type:         string(r.Type),
		CreatedBy:    r.CreatedBy,
		LastSeq:      r.LastSeq,
		LastActivity: r.LastActivity,
		CreatedAt:    r.CreatedAt,
	}
	if r.LastMessageID != nil {
		v.LastMessageID = *r.LastMessageID
	}
	return v
}

// CreateRoomRequest is the request for creating a room. UserID is the owner.
type CreateRoomRequest struct {
	UserID      string   `json:"user_id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Type        string   `json:"type,omitempty"`
	Members     []string `json:"members,omitempty"`
}

// RoomResponse carries one room.
type RoomResponse struct {
	Room *RoomView `json:"room,omitempty"`
	ServiceError
}

// ListRoomsRequest lists the rooms of UserID.
type ListRoomsRequest struct {
	UserID string `json:"user_id"`
}

// ListRoomsResponse carries the caller's rooms.
type ListRoomsResponse struct {
	Rooms []RoomView `json:"rooms"`
	Total int        `json:"total"`
	ServiceError
}

// GetRoomRequest fetches a room visible to UserID.
type GetRoomRequest struct {
	UserID string `json:"user_id"`
	RoomID string `json:"room_id"`
}

// GetRoomResponse carries a room and, for members, its member list.
type GetRoomResponse struct {
	Room    *RoomView    `json:"room,omitempty"`
	Members []MemberView `json:"members,omitempty"`
	ServiceError
}

// UpdateRoomRequest changes a room's settings on behalf of UserID. Omitted
// fields keep their value.
type UpdateRoomRequest struct {
	UserID      string  `json:"user_id"`
	RoomID      string  `json:"room_id"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Type        *string `json:"type,omitempty"`
}

// DeleteRoomRequest deletes a room on behalf of its owner.
type DeleteRoomRequest struct {
	UserID string `json:"user_id"`
	RoomID string `json:"room_id"`
}

// MemberRequest is an administrative action of UserID on TargetID.
type MemberRequest struct {
	UserID   string `json:"user_id"`
	RoomID   string `json:"room_id"`
	TargetID string `json:"target_id"`
	Role     string `json:"role,omitempty"`
}

// AckResponse acknowledges a mutation.
type AckResponse struct {
	OK bool `json:"ok"`
	ServiceError
}

// SendMessageRequest submits a message on behalf of UserID.
type SendMessageRequest struct {
	UserID      string                     `json:"user_id"`
	RoomID      string                     `json:"room_id"`
	Content     string                     `json:"content"`
	ReplyTo     string                     `json:"reply_to,omitempty"`
	Type        string                     `json:"type,omitempty"`
	Attachments []protocol.AttachmentInput `json:"attachments,omitempty"`
}

// SendMessageResponse carries the persisted message.
type SendMessageResponse struct {
	Message *protocol.MessagePayload `json:"message,omitempty"`
	ServiceError
}

// HistoryRequest pages backwards through a room. BeforeSeq zero starts at the
// newest message.
type HistoryRequest struct {
	UserID    string `json:"user_id"`
	RoomID    string `json:"room_id"`
	BeforeSeq int64  `json:"before_seq,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// HistoryResponse carries a page of messages, oldest first.
type HistoryResponse struct {
	Messages []protocol.MessagePayload `json:"messages"`
	ServiceError
}

// GetMessageRequest fetches one message visible to UserID.
type GetMessageRequest struct {
	UserID    string `json:"user_id"`
	MessageID string `json:"message_id"`
}

// MessageResponse carries one message with its grouped reactions.
type MessageResponse struct {
	Message   *protocol.MessagePayload   `json:"message,omitempty"`
	Reactions []protocol.ReactionSummary `json:"reactions,omitempty"`
	ServiceError
}

// PresenceRequest asks for a user's effective presence.
type PresenceRequest struct {
	UserID string `json:"user_id"`
}

// PresenceResponse carries a user's effective presence.
type PresenceResponse struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
	ServiceError
}
