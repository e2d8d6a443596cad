package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	domain "github.com/example/realtime-chat/domain/chat"
	"github.com/example/realtime-chat/protocol"
	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
)

// RegisterServices registers request-reply services in the service container.
func (m *ChatModule) RegisterServices(container mono.ServiceContainer) error {
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceCreateRoom, json.Unmarshal, json.Marshal, m.createRoom,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceCreateRoom, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceListRooms, json.Unmarshal, json.Marshal, m.listRooms,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceListRooms, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceGetRoom, json.Unmarshal, json.Marshal, m.getRoom,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceGetRoom, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceUpdateRoom, json.Unmarshal, json.Marshal, m.updateRoom,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceUpdateRoom, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceDeleteRoom, json.Unmarshal, json.Marshal, m.deleteRoom,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceDeleteRoom, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceAddMember, json.Unmarshal, json.Marshal, m.addMember,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceAddMember, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceRemoveMember, json.Unmarshal, json.Marshal, m.removeMember,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceRemoveMember, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceSetRole, json.Unmarshal, json.Marshal, m.setRole,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceSetRole, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceTransferOwnership, json.Unmarshal, json.Marshal, m.transferOwnership,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceTransferOwnership, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceSendMessage, json.Unmarshal, json.Marshal, m.sendMessage,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceSendMessage, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceMessageHistory, json.Unmarshal, json.Marshal, m.messageHistory,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceMessageHistory, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceGetMessage, json.Unmarshal, json.Marshal, m.getMessage,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceGetMessage, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceUserPresence, json.Unmarshal, json.Marshal, m.userPresence,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceUserPresence, err)
	}

	log.Printf("[chat] Registered services: %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s",
		ServiceCreateRoom, ServiceListRooms, ServiceGetRoom, ServiceUpdateRoom, ServiceDeleteRoom,
		ServiceAddMember, ServiceRemoveMember, ServiceSetRole, ServiceTransferOwnership,
		ServiceSendMessage, ServiceMessageHistory, ServiceGetMessage, ServiceUserPresence)
	return nil
}

// Domain failures travel inside the response; a returned error is reserved
// for transport problems.
func (m *ChatModule) reportFailure(service string, err error) ServiceError {
	if domain.Code(err) == "operation_failed" {
		m.logger.Error("Chat service failed", "service", service, "error", err)
	}
	return failure(err)
}

func (m *ChatModule) createRoom(ctx context.Context, req CreateRoomRequest, _ *mono.Msg) (RoomResponse, error) {
	room, err := m.core.CreateRoom(ctx, req.UserID, CreateRoomInput{
		Name:        req.Name,
		Description: req.Description,
		Type:        domain.RoomType(req.Type),
		Members:     req.Members,
	})
	if err != nil {
		return RoomResponse{ServiceError: m.reportFailure(ServiceCreateRoom, err)}, nil
	}
	return RoomResponse{Room: NewRoomView(room)}, nil
}

func (m *ChatModule) listRooms(ctx context.Context, req ListRoomsRequest, _ *mono.Msg) (ListRoomsResponse, error) {
	rooms, err := m.core.ListRooms(ctx, req.UserID)
	if err != nil {
		return ListRoomsResponse{ServiceError: m.reportFailure(ServiceListRooms, err)}, nil
	}
	views := make([]RoomView, 0, len(rooms))
	for i := range rooms {
		views = append(views, *NewRoomView(&rooms[i]))
	}
	return ListRoomsResponse{Rooms: views, Total: len(views)}, nil
}

func (m *ChatModule) getRoom(ctx context.Context, req GetRoomRequest, _ *mono.Msg) (GetRoomResponse, error) {
	room, err := m.core.GetRoom(ctx, req.RoomID, req.UserID)
	if err != nil {
		return GetRoomResponse{ServiceError: m.reportFailure(ServiceGetRoom, err)}, nil
	}
	resp := GetRoomResponse{Room: NewRoomView(room)}

	// Non-members of public rooms see the room but not its roster.
	members, err := m.core.Members(ctx, req.RoomID, req.UserID)
	switch {
	case err == nil:
		resp.Members = members
	case domain.Code(err) != "not_a_member":
		return GetRoomResponse{ServiceError: m.reportFailure(ServiceGetRoom, err)}, nil
	}
	return resp, nil
}

func (m *ChatModule) updateRoom(ctx context.Context, req UpdateRoomRequest, _ *mono.Msg) (RoomResponse, error) {
	in := UpdateRoomInput{Name: req.Name, Description: req.Description}
	if req.Type != nil {
		t := domain.RoomType(*req.Type)
		in.Type = &t
	}
	room, err := m.core.UpdateRoom(ctx, req.RoomID, req.UserID, in)
	if err != nil {
		return RoomResponse{ServiceError: m.reportFailure(ServiceUpdateRoom, err)}, nil
	}
	return RoomResponse{Room: NewRoomView(room)}, nil
}

func (m *ChatModule) deleteRoom(ctx context.Context, req DeleteRoomRequest, _ *mono.Msg) (AckResponse, error) {
	if err := m.core.DeleteRoom(ctx, req.RoomID, req.UserID); err != nil {
		return AckResponse{ServiceError: m.reportFailure(ServiceDeleteRoom, err)}, nil
	}
	return AckResponse{OK: true}, nil
}

func (m *ChatModule) addMember(ctx context.Context, req MemberRequest, _ *mono.Msg) (AckResponse, error) {
	if err := m.core.AddMember(ctx, req.RoomID, req.UserID, req.TargetID, domain.Role(req.Role)); err != nil {
		return AckResponse{ServiceError: m.reportFailure(ServiceAddMember, err)}, nil
	}
	return AckResponse{OK: true}, nil
}

func (m *ChatModule) removeMember(ctx context.Context, req MemberRequest, _ *mono.Msg) (AckResponse, error) {
	if err := m.core.RemoveMember(ctx, req.RoomID, req.UserID, req.TargetID); err != nil {
		return AckResponse{ServiceError: m.reportFailure(ServiceRemoveMember, err)}, nil
	}
	return AckResponse{OK: true}, nil
}

func (m *ChatModule) setRole(ctx context.Context, req MemberRequest, _ *mono.Msg) (AckResponse, error) {
	if err := m.core.SetRole(ctx, req.RoomID, req.UserID, req.TargetID, domain.Role(req.Role)); err != nil {
		return AckResponse{ServiceError: m.reportFailure(ServiceSetRole, err)}, nil
	}
	return AckResponse{OK: true}, nil
}

func (m *ChatModule) transferOwnership(ctx context.Context, req MemberRequest, _ *mono.Msg) (AckResponse, error) {
	if err := m.core.TransferOwnership(ctx, req.RoomID, req.UserID, req.TargetID); err != nil {
		return AckResponse{ServiceError: m.reportFailure(ServiceTransferOwnership, err)}, nil
	}
	return AckResponse{OK: true}, nil
}

func (m *ChatModule) sendMessage(ctx context.Context, req SendMessageRequest, _ *mono.Msg) (SendMessageResponse, error) {
	msg, err := m.core.SendMessage(ctx, SubmitRequest{
		RoomID:      req.RoomID,
		AuthorID:    req.UserID,
		Content:     req.Content,
		ReplyTo:     req.ReplyTo,
		Type:        req.Type,
		Attachments: attachmentsFromInput(req.Attachments),
	})
	if err != nil {
		return SendMessageResponse{ServiceError: m.reportFailure(ServiceSendMessage, err)}, nil
	}
	payload := protocol.NewMessagePayload(msg)
	return SendMessageResponse{Message: &payload}, nil
}

func (m *ChatModule) messageHistory(ctx context.Context, req HistoryRequest, _ *mono.Msg) (HistoryResponse, error) {
	msgs, err := m.core.History(ctx, req.RoomID, req.UserID, req.BeforeSeq, req.Limit)
	if err != nil {
		return HistoryResponse{ServiceError: m.reportFailure(ServiceMessageHistory, err)}, nil
	}
	out := make([]protocol.MessagePayload, 0, len(msgs))
	for i := range msgs {
		out = append(out, protocol.NewMessagePayload(&msgs[i]))
	}
	return HistoryResponse{Messages: out}, nil
}

func (m *ChatModule) getMessage(ctx context.Context, req GetMessageRequest, _ *mono.Msg) (MessageResponse, error) {
	msg, reactions, err := m.core.GetMessage(ctx, req.MessageID, req.UserID)
	if err != nil {
		return MessageResponse{ServiceError: m.reportFailure(ServiceGetMessage, err)}, nil
	}
	payload := protocol.NewMessagePayload(msg)
	return MessageResponse{Message: &payload, Reactions: reactions}, nil
}

func (m *ChatModule) userPresence(_ context.Context, req PresenceRequest, _ *mono.Msg) (PresenceResponse, error) {
	if req.UserID == "" {
		return PresenceResponse{ServiceError: failure(fmt.Errorf("%w: user_id is required", domain.ErrInvalidCommand))}, nil
	}
	return PresenceResponse{
		UserID: req.UserID,
		Status: string(m.core.Status(req.UserID)),
	}, nil
}
