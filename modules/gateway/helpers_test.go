package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	domain "github.com/example/realtime-chat/domain/chat"
	"github.com/example/realtime-chat/modules/analytics"
	"github.com/example/realtime-chat/modules/chat"
	"github.com/example/realtime-chat/protocol"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/gofiber/fiber/v2"
)

// mockLogger implements types.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(_ string, _ ...any)         {}
func (m *mockLogger) Info(_ string, _ ...any)          {}
func (m *mockLogger) Warn(_ string, _ ...any)          {}
func (m *mockLogger) Error(_ string, _ ...any)         {}
func (m *mockLogger) With(_ ...any) types.Logger       { return m }
func (m *mockLogger) WithModule(_ string) types.Logger { return m }
func (m *mockLogger) WithError(_ error) types.Logger   { return m }

// mockAuthPort accepts tokens of the form "token:<user>".
type mockAuthPort struct{}

func (mockAuthPort) VerifyToken(_ context.Context, token string) (*domain.Identity, error) {
	userID, ok := strings.CutPrefix(token, "token:")
	if !ok || userID == "" {
		return nil, fmt.Errorf("%w: invalid token", domain.ErrAuthFailed)
	}
	return &domain.Identity{UserID: userID, Username: userID}, nil
}

// mockChatPort implements chat.ChatPort with overridable functions.
type mockChatPort struct {
	createRoomFunc  func(ctx context.Context, req *chat.CreateRoomRequest) (*chat.RoomView, error)
	listRoomsFunc   func(ctx context.Context, userID string) ([]chat.RoomView, error)
	getRoomFunc     func(ctx context.Context, userID, roomID string) (*chat.GetRoomResponse, error)
	updateRoomFunc  func(ctx context.Context, req *chat.UpdateRoomRequest) (*chat.RoomView, error)
	deleteRoomFunc  func(ctx context.Context, userID, roomID string) error
	memberFunc      func(op string, req *chat.MemberRequest) error
	sendMessageFunc func(ctx context.Context, req *chat.SendMessageRequest) (*chat.SendMessageResponse, error)
	historyFunc     func(ctx context.Context, req *chat.HistoryRequest) ([]protocol.MessagePayload, error)
	getMessageFunc  func(ctx context.Context, userID, messageID string) (*chat.MessageResponse, error)
	presenceFunc    func(ctx context.Context, userID string) (domain.PresenceStatus, error)

	lastMemberOp      string
	lastMemberRequest *chat.MemberRequest
}

var errNotImplemented = errors.New("not implemented")

func (m *mockChatPort) CreateRoom(ctx context.Context, req *chat.CreateRoomRequest) (*chat.RoomView, error) {
	if m.createRoomFunc != nil {
		return m.createRoomFunc(ctx, req)
	}
	return nil, errNotImplemented
}

func (m *mockChatPort) ListRooms(ctx context.Context, userID string) ([]chat.RoomView, error) {
	if m.listRoomsFunc != nil {
		return m.listRoomsFunc(ctx, userID)
	}
	return nil, errNotImplemented
}

func (m *mockChatPort) GetRoom(ctx context.Context, userID, roomID string) (*chat.GetRoomResponse, error) {
	if m.getRoomFunc != nil {
		return m.getRoomFunc(ctx, userID, roomID)
	}
	return nil, errNotImplemented
}

func (m *mockChatPort) UpdateRoom(ctx context.Context, req *chat.UpdateRoomRequest) (*chat.RoomView, error) {
	if m.updateRoomFunc != nil {
		return m.updateRoomFunc(ctx, req)
	}
	return nil, errNotImplemented
}

func (m *mockChatPort) DeleteRoom(ctx context.Context, userID, roomID string) error {
	if m.deleteRoomFunc != nil {
		return m.deleteRoomFunc(ctx, userID, roomID)
	}
	return errNotImplemented
}

func (m *mockChatPort) member(op string, req *chat.MemberRequest) error {
	m.lastMemberOp = op
	m.lastMemberRequest = req
	if m.memberFunc != nil {
		return m.memberFunc(op, req)
	}
	return nil
}

func (m *mockChatPort) AddMember(_ context.Context, req *chat.MemberRequest) error {
	return m.member("add", req)
}

func (m *mockChatPort) RemoveMember(_ context.Context, req *chat.MemberRequest) error {
	return m.member("remove", req)
}

func (m *mockChatPort) SetRole(_ context.Context, req *chat.MemberRequest) error {
	return m.member("role", req)
}

func (m *mockChatPort) TransferOwnership(_ context.Context, req *chat.MemberRequest) error {
	return m.member("transfer", req)
}

func (m *mockChatPort) SendMessage(ctx context.Context, req *chat.SendMessageRequest) (*chat.SendMessageResponse, error) {
	if m.sendMessageFunc != nil {
		return m.sendMessageFunc(ctx, req)
	}
	return nil, errNotImplemented
}

func (m *mockChatPort) History(ctx context.Context, req *chat.HistoryRequest) ([]protocol.MessagePayload, error) {
	if m.historyFunc != nil {
		return m.historyFunc(ctx, req)
	}
	return nil, errNotImplemented
}

func (m *mockChatPort) GetMessage(ctx context.Context, userID, messageID string) (*chat.MessageResponse, error) {
	if m.getMessageFunc != nil {
		return m.getMessageFunc(ctx, userID, messageID)
	}
	return nil, errNotImplemented
}

func (m *mockChatPort) Presence(ctx context.Context, userID string) (domain.PresenceStatus, error) {
	if m.presenceFunc != nil {
		return m.presenceFunc(ctx, userID)
	}
	return "", errNotImplemented
}

// mockAnalyticsPort returns fixed statistics.
type mockAnalyticsPort struct {
	stats    map[string]analytics.RoomStats
	summary  analytics.Summary
	activity []analytics.Activity
}

func (m *mockAnalyticsPort) RoomStats(_ context.Context, roomID string) (*analytics.RoomStats, error) {
	s, ok := m.stats[roomID]
	if !ok {
		s = analytics.RoomStats{RoomID: roomID}
	}
	return &s, nil
}

func (m *mockAnalyticsPort) Summary(_ context.Context) (*analytics.Summary, error) {
	s := m.summary
	return &s, nil
}

func (m *mockAnalyticsPort) RecentActivity(_ context.Context, limit int) ([]analytics.Activity, error) {
	if len(m.activity) > limit {
		return m.activity[len(m.activity)-limit:], nil
	}
	return m.activity, nil
}

// newTestApp builds the gateway routes without a chat core.
func newTestApp(chatPort *mockChatPort, analyticsPort *mockAnalyticsPort) *fiber.App {
	if analyticsPort == nil {
		analyticsPort = &mockAnalyticsPort{}
	}
	m := &GatewayModule{
		config:    DefaultConfig(),
		logger:    &mockLogger{},
		auth:      mockAuthPort{},
		chat:      chatPort,
		analytics: analyticsPort,
	}
	return m.newApp()
}

// do performs an authenticated request as user and returns the status and body.
func do(t *testing.T, app *fiber.App, method, path, user string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer token:"+user)
	}

	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("io.ReadAll() error = %v", err)
	}
	return resp.StatusCode, data
}

func decodeError(t *testing.T, body []byte) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("decode error body %q: %v", body, err)
	}
	return e
}
