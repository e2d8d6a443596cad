package ratelimit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-monolith/mono/pkg/types"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		wantErr bool
	}{
		{
			name:    "default options",
			opts:    nil,
			wantErr: false,
		},
		{
			name: "with custom options",
			opts: []Option{
				WithRedisAddr("redis:6379"),
				WithDefaultLimit(50, 30*time.Second),
			},
			wantErr: false,
		},
		{
			name:    "zero default limit",
			opts:    []Option{WithDefaultLimit(0, time.Minute)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.opts...)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && m == nil {
				t.Error("New() returned nil middleware")
			}
		})
	}
}

func TestMiddleware_Name(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if name := m.Name(); name != "rate-limit" {
		t.Errorf("Name() = %q, want 'rate-limit'", name)
	}
}

func TestMiddleware_getLimitForService(t *testing.T) {
	m, err := New(
		WithDefaultLimit(100, time.Minute),
		WithServiceLimit("chat.send-message", 30, 10*time.Second),
		WithServiceLimit("chat.create-room", 5, time.Minute),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		name        string
		serviceName string
		wantLimit   int
		wantWindow  time.Duration
	}{
		{"service with custom limit", "chat.send-message", 30, 10 * time.Second},
		{"another service with custom limit", "chat.create-room", 5, time.Minute},
		{"service using default limit", "chat.list-rooms", 100, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limit, window := m.getLimitForService(tt.serviceName)
			if limit != tt.wantLimit {
				t.Errorf("getLimitForService() limit = %d, want %d", limit, tt.wantLimit)
			}
			if window != tt.wantWindow {
				t.Errorf("getLimitForService() window = %v, want %v", window, tt.wantWindow)
			}
		})
	}
}

func TestMiddleware_extractClientID(t *testing.T) {
	m, err := New(WithClientIDHeader("X-Client-ID"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		name   string
		msg    *types.Msg
		wantID string
	}{
		{
			name:   "with client ID header",
			msg:    &types.Msg{Header: map[string][]string{"X-Client-ID": {"client-123"}}},
			wantID: "client-123",
		},
		{
			name:   "header wins over body",
			msg:    &types.Msg{Header: map[string][]string{"X-Client-ID": {"client-123"}}, Data: []byte(`{"user_id":"alice"}`)},
			wantID: "client-123",
		},
		{
			name:   "user id from body",
			msg:    &types.Msg{Data: []byte(`{"user_id":"alice","room_id":"7"}`)},
			wantID: "alice",
		},
		{
			name:   "body without user id",
			msg:    &types.Msg{Data: []byte(`{"room_id":"7"}`)},
			wantID: "anonymous",
		},
		{
			name:   "body not json",
			msg:    &types.Msg{Data: []byte(`nope`)},
			wantID: "anonymous",
		},
		{
			name:   "nil header",
			msg:    &types.Msg{Header: nil},
			wantID: "anonymous",
		},
		{
			name:   "empty client ID value",
			msg:    &types.Msg{Header: map[string][]string{"X-Client-ID": {""}}},
			wantID: "anonymous",
		},
		{
			name:   "multiple values - takes first",
			msg:    &types.Msg{Header: map[string][]string{"X-Client-ID": {"first", "second"}}},
			wantID: "first",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.extractClientID(tt.msg); got != tt.wantID {
				t.Errorf("extractClientID() = %q, want %q", got, tt.wantID)
			}
		})
	}
}

func TestMiddleware_extractClientID_LongID(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	msg := &types.Msg{
		Header: map[string][]string{"X-Client-ID": {strings.Repeat("a", 200)}},
	}
	if got := m.extractClientID(msg); len(got) != maxClientIDLength {
		t.Errorf("extractClientID() length = %d, want %d", len(got), maxClientIDLength)
	}
}

func TestMiddleware_AllowBeforeStart(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	result, err := m.Allow(context.Background(), "k", 1, time.Minute)
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if !result.Allowed {
		t.Error("expected requests to be allowed before Start")
	}
}

func TestMiddleware_WrapsRequestReply(t *testing.T) {
	ctx := context.Background()
	m, err := New(WithServiceLimit("chat.send-message", 2, time.Minute))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop(ctx)

	calls := 0
	reg := m.OnServiceRegistration(ctx, types.ServiceRegistration{
		Name: "chat.send-message",
		Type: types.ServiceTypeRequestReply,
		RequestHandler: func(context.Context, *types.Msg) ([]byte, error) {
			calls++
			return []byte(`{}`), nil
		},
	})

	msg := &types.Msg{Data: []byte(`{"user_id":"alice"}`)}
	for i := 0; i < 2; i++ {
		if _, err := reg.RequestHandler(ctx, msg); err != nil {
			t.Fatalf("call %d: unexpected error %v", i, err)
		}
	}

	resp, err := reg.RequestHandler(ctx, msg)
	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rlErr.ErrorCode != "rate_limited" {
		t.Errorf("ErrorCode = %q, want rate_limited", rlErr.ErrorCode)
	}
	if !strings.Contains(string(resp), "rate_limited") {
		t.Errorf("response body %s should carry the error code", resp)
	}
	if calls != 2 {
		t.Errorf("handler called %d times, want 2", calls)
	}

	// Another client has its own window.
	if _, err := reg.RequestHandler(ctx, &types.Msg{Data: []byte(`{"user_id":"bob"}`)}); err != nil {
		t.Errorf("other client rejected: %v", err)
	}
}

func TestRateLimitError_Error(t *testing.T) {
	err := &RateLimitError{
		Message: "rate limit exceeded",
		ResetAt: time.Now().Add(time.Minute),
		Limit:   100,
	}
	if err.Error() != "rate limit exceeded" {
		t.Errorf("Error() = %q, want 'rate limit exceeded'", err.Error())
	}
}

func TestMiddleware_PassThroughHooks(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	event := types.ModuleLifecycleEvent{ModuleName: "chat", Type: types.ModuleStartedEvent}
	if got := m.OnModuleLifecycle(ctx, event); got.ModuleName != event.ModuleName || got.Type != event.Type {
		t.Errorf("OnModuleLifecycle() = %+v, want %+v", got, event)
	}

	cfgEvent := types.ConfigurationEvent{OptionName: "chat.option", NewValue: "v"}
	if got := m.OnConfigurationChange(ctx, cfgEvent); got.OptionName != cfgEvent.OptionName {
		t.Errorf("OnConfigurationChange() OptionName = %q", got.OptionName)
	}

	octx := types.OutgoingMessageContext{Subject: "chat.subject"}
	if got := m.OnOutgoingMessage(octx); got.Subject != octx.Subject {
		t.Errorf("OnOutgoingMessage() Subject = %q", got.Subject)
	}

	_ = m.OnEventConsumerRegistration(ctx, types.EventConsumerEntry{})
	_ = m.OnEventStreamConsumerRegistration(ctx, types.EventStreamConsumerEntry{})
}

func TestMiddleware_OnServiceRegistration_NonRequestReply(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	reg := types.ServiceRegistration{
		Name: "chat.service",
		Type: types.ServiceTypeChannel,
	}
	result := m.OnServiceRegistration(context.Background(), reg)
	if result.Name != reg.Name || result.Type != reg.Type {
		t.Errorf("OnServiceRegistration() = %+v, want unchanged", result)
	}
}

func TestMiddleware_OnServiceRegistration_NilHandler(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	reg := types.ServiceRegistration{
		Name: "chat.service",
		Type: types.ServiceTypeRequestReply,
	}
	if result := m.OnServiceRegistration(context.Background(), reg); result.RequestHandler != nil {
		t.Error("OnServiceRegistration() should not wrap nil handler")
	}
}
