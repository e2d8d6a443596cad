package chat

import (
	"context"
	"encoding/json"
	"fmt"

	domain "github.com/example/realtime-chat/domain/chat"
	"github.com/example/realtime-chat/protocol"
	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
)

// ChatPort is the room and message API other modules use.
type ChatPort interface {
	CreateRoom(ctx context.Context, req *CreateRoomRequest) (*RoomView, error)
	ListRooms(ctx context.Context, userID string) ([]RoomView, error)
	GetRoom(ctx context.Context, userID, roomID string) (*GetRoomResponse, error)
	UpdateRoom(ctx context.Context, req *UpdateRoomRequest) (*RoomView, error)
	DeleteRoom(ctx context.Context, userID, roomID string) error
	AddMember(ctx context.Context, req *MemberRequest) error
	RemoveMember(ctx context.Context, req *MemberRequest) error
	SetRole(ctx context.Context, req *MemberRequest) error
	TransferOwnership(ctx context.Context, req *MemberRequest) error
	SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error)
	History(ctx context.Context, req *HistoryRequest) ([]protocol.MessagePayload, error)
	GetMessage(ctx context.Context, userID, messageID string) (*MessageResponse, error)
	Presence(ctx context.Context, userID string) (domain.PresenceStatus, error)
}

// ChatAdapter implements ChatPort using the service container.
type ChatAdapter struct {
	container mono.ServiceContainer
}

var _ ChatPort = (*ChatAdapter)(nil)

// NewChatAdapter creates a new ChatAdapter.
func NewChatAdapter(container mono.ServiceContainer) *ChatAdapter {
	if container == nil {
		panic("chat: ServiceContainer is nil")
	}
	return &ChatAdapter{container: container}
}

func (a *ChatAdapter) call(ctx context.Context, service string, req, resp any) error {
	if err := helper.CallRequestReplyService(
		ctx,
		a.container,
		service,
		json.Marshal,
		json.Unmarshal,
		req,
		resp,
	); err != nil {
		return fmt.Errorf("%s service call failed: %w", service, err)
	}
	return nil
}

// CreateRoom creates a room via the create-room service.
func (a *ChatAdapter) CreateRoom(ctx context.Context, req *CreateRoomRequest) (*RoomView, error) {
	var resp RoomResponse
	if err := a.call(ctx, ServiceCreateRoom, req, &resp); err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp.Room, nil
}

// ListRooms lists the user's rooms via the list-rooms service.
func (a *ChatAdapter) ListRooms(ctx context.Context, userID string) ([]RoomView, error) {
	var resp ListRoomsResponse
	if err := a.call(ctx, ServiceListRooms, &ListRoomsRequest{UserID: userID}, &resp); err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp.Rooms, nil
}

// GetRoom fetches a room via the get-room service.
func (a *ChatAdapter) GetRoom(ctx context.Context, userID, roomID string) (*GetRoomResponse, error) {
	var resp GetRoomResponse
	if err := a.call(ctx, ServiceGetRoom, &GetRoomRequest{UserID: userID, RoomID: roomID}, &resp); err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateRoom changes room settings via the update-room service.
func (a *ChatAdapter) UpdateRoom(ctx context.Context, req *UpdateRoomRequest) (*RoomView, error) {
	var resp RoomResponse
	if err := a.call(ctx, ServiceUpdateRoom, req, &resp); err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp.Room, nil
}

// DeleteRoom deletes a room via the delete-room service.
func (a *ChatAdapter) DeleteRoom(ctx context.Context, userID, roomID string) error {
	var resp AckResponse
	if err := a.call(ctx, ServiceDeleteRoom, &DeleteRoomRequest{UserID: userID, RoomID: roomID}, &resp); err != nil {
		return err
	}
	return resp.Err()
}

func (a *ChatAdapter) ack(ctx context.Context, service string, req *MemberRequest) error {
	var resp AckResponse
	if err := a.call(ctx, service, req, &resp); err != nil {
		return err
	}
	return resp.Err()
}

// AddMember adds a member via the add-member service.
func (a *ChatAdapter) AddMember(ctx context.Context, req *MemberRequest) error {
	return a.ack(ctx, ServiceAddMember, req)
}

// RemoveMember removes a member via the remove-member service.
func (a *ChatAdapter) RemoveMember(ctx context.Context, req *MemberRequest) error {
	return a.ack(ctx, ServiceRemoveMember, req)
}

// SetRole changes a member's role via the set-member-role service.
func (a *ChatAdapter) SetRole(ctx context.Context, req *MemberRequest) error {
	return a.ack(ctx, ServiceSetRole, req)
}

// TransferOwnership hands a room over via the transfer-ownership service.
func (a *ChatAdapter) TransferOwnership(ctx context.Context, req *MemberRequest) error {
	return a.ack(ctx, ServiceTransferOwnership, req)
}

// SendMessage submits a message via the send-message service.
func (a *ChatAdapter) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error) {
	var resp SendMessageResponse
	if err := a.call(ctx, ServiceSendMessage, req, &resp); err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return &resp, nil
}

// History pages through a room via the message-history service.
func (a *ChatAdapter) History(ctx context.Context, req *HistoryRequest) ([]protocol.MessagePayload, error) {
	var resp HistoryResponse
	if err := a.call(ctx, ServiceMessageHistory, req, &resp); err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// GetMessage fetches one message via the get-message service.
func (a *ChatAdapter) GetMessage(ctx context.Context, userID, messageID string) (*MessageResponse, error) {
	var resp MessageResponse
	if err := a.call(ctx, ServiceGetMessage, &GetMessageRequest{UserID: userID, MessageID: messageID}, &resp); err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Presence returns a user's effective presence via the user-presence service.
func (a *ChatAdapter) Presence(ctx context.Context, userID string) (domain.PresenceStatus, error) {
	var resp PresenceResponse
	if err := a.call(ctx, ServiceUserPresence, &PresenceRequest{UserID: userID}, &resp); err != nil {
		return "", err
	}
	if err := resp.Err(); err != nil {
		return "", err
	}
	return domain.PresenceStatus(resp.Status), nil
}
