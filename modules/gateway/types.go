package gateway

import (
	"github.com/example/realtime-chat/modules/analytics"
	"github.com/example/realtime-chat/modules/chat"
	"github.com/example/realtime-chat/protocol"
)

// CreateRoomBody is the API request to create a room.
type CreateRoomBody struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Type        string   `json:"type"`
	Members     []string `json:"members"`
}

// UpdateRoomBody is the API request to change room settings. Omitted fields
// are left unchanged.
type UpdateRoomBody struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Type        *string `json:"type"`
}

// AddMemberBody is the API request to add a member.
type AddMemberBody struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// SetRoleBody is the API request to change a member's role.
type SetRoleBody struct {
	Role string `json:"role"`
}

// TransferOwnershipBody is the API request to hand a room over.
type TransferOwnershipBody struct {
	UserID string `json:"user_id"`
}

// SendMessageBody is the API request to post a message.
type SendMessageBody struct {
	Content     string                     `json:"content"`
	ReplyTo     string                     `json:"reply_to"`
	Type        string                     `json:"type"`
	Attachments []protocol.AttachmentInput `json:"attachments"`
}

// MessageDetailResponse is the API response for a single message.
type MessageDetailResponse struct {
	Message   *protocol.MessagePayload   `json:"message"`
	Reactions []protocol.ReactionSummary `json:"reactions"`
}

// RoomListResponse is the API response for listing rooms.
type RoomListResponse struct {
	Rooms []chat.RoomView `json:"rooms"`
	Total int             `json:"total"`
}

// RoomDetailResponse is the API response for a single room.
type RoomDetailResponse struct {
	Room    *chat.RoomView    `json:"room"`
	Members []chat.MemberView `json:"members,omitempty"`
}

// HistoryResponse is the API response for a page of messages.
type HistoryResponse struct {
	RoomID   string                    `json:"room_id"`
	Messages []protocol.MessagePayload `json:"messages"`
}

// PresenceResponse is the API response for a user's presence.
type PresenceResponse struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// ActionResponse acknowledges a mutation.
type ActionResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse is the API health check response.
type HealthResponse struct {
	Status  string         `json:"status"`
	Details map[string]any `json:"details,omitempty"`
}

// ActivityResponse lists recent activity, newest first.
type ActivityResponse struct {
	Activity []analytics.Activity `json:"activity"`
	Total    int                  `json:"total"`
}
