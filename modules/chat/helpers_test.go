package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	domain "github.com/example/realtime-chat/domain/chat"
	"github.com/example/realtime-chat/events"
	"github.com/example/realtime-chat/modules/store"
	"github.com/example/realtime-chat/protocol"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/stretchr/testify/require"
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

// capturingLogger records warning messages.
type capturingLogger struct {
	mockLogger
	mu    sync.Mutex
	warns []string
}

func (l *capturingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func (l *capturingLogger) warnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warns...)
}

// fakeVerifier accepts tokens of the form "token:<user>".
type fakeVerifier struct{}

func (fakeVerifier) VerifyToken(_ context.Context, token string) (*domain.Identity, error) {
	userID, ok := strings.CutPrefix(token, "token:")
	if !ok || userID == "" {
		return nil, fmt.Errorf("%w: invalid token", domain.ErrAuthFailed)
	}
	return &domain.Identity{UserID: userID, Username: userID}, nil
}

// faultyStore wraps the real store and fails selected writes on demand.
type faultyStore struct {
	*store.Store
	failPersist   atomic.Bool
	failAddMember atomic.Bool
	membersGate   atomic.Pointer[callGate]
}

func (s *faultyStore) PersistMessage(ctx context.Context, msg *domain.Message) error {
	if s.failPersist.Load() {
		return fmt.Errorf("%w: persist-message: database is locked", domain.ErrOperationFailed)
	}
	return s.Store.PersistMessage(ctx, msg)
}

func (s *faultyStore) AddMember(ctx context.Context, member *domain.RoomMember) error {
	if s.failAddMember.Load() {
		return fmt.Errorf("%w: add-member: database is locked", domain.ErrOperationFailed)
	}
	return s.Store.AddMember(ctx, member)
}

// callGate parks one store call until release is closed. It fires once.
type callGate struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newCallGate() *callGate {
	return &callGate{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *callGate) hold() {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
}

func (g *callGate) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("gated store call never started")
	}
}

type roomsGateKey struct{}

// withRoomsGate makes RoomIDsForUser calls under ctx hold the gate after the
// store has answered, so membership can change between the read and its use.
func withRoomsGate(ctx context.Context) (context.Context, *callGate) {
	g := newCallGate()
	return context.WithValue(ctx, roomsGateKey{}, g), g
}

func (s *faultyStore) RoomIDsForUser(ctx context.Context, userID string) ([]string, error) {
	rooms, err := s.Store.RoomIDsForUser(ctx, userID)
	if g, ok := ctx.Value(roomsGateKey{}).(*callGate); ok {
		g.hold()
	}
	return rooms, err
}

// GetRoomMembers holds membersGate, when set, before reading the store.
func (s *faultyStore) GetRoomMembers(ctx context.Context, roomID string) ([]domain.RoomMember, error) {
	if g := s.membersGate.Load(); g != nil {
		g.hold()
	}
	return s.Store.GetRoomMembers(ctx, roomID)
}

// recordingNotifier collects domain events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []any
}

func (n *recordingNotifier) Notify(event any) {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
}

func (n *recordingNotifier) presence(userID, status string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, e := range n.events {
		if p, ok := e.(events.PresenceChangedEvent); ok && p.UserID == userID && p.Status == status {
			count++
		}
	}
	return count
}

type testEnv struct {
	core     *Core
	store    *faultyStore
	notifier *recordingNotifier
}

func newTestEnv(t *testing.T, mutate func(*Config), opts ...Option) *testEnv {
	t.Helper()

	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(db) })

	st := &faultyStore{Store: store.New(store.NewRepository(db), nil, store.Config{
		CallTimeout:  time.Second,
		RetryBackoff: time.Millisecond,
	})}

	cfg := DefaultConfig()
	cfg.OfflineGrace = 100 * time.Millisecond
	cfg.AuthTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	notifier := &recordingNotifier{}
	opts = append([]Option{WithNotifier(notifier)}, opts...)
	core := NewCore(st, fakeVerifier{}, &mockLogger{}, cfg, opts...)
	t.Cleanup(func() { _ = core.Shutdown(context.Background()) })

	return &testEnv{core: core, store: st, notifier: notifier}
}

// room creates a room with a fixed ID owned by owner, with members joined.
func (e *testEnv) room(t *testing.T, id, owner string, members ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.core.membership.CreateRoom(ctx, &domain.Room{ID: id, Name: "room " + id, Type: domain.RoomGroup}, owner))
	for _, m := range members {
		require.NoError(t, e.core.membership.Join(ctx, id, m, domain.RoleMember))
	}
}

// connect registers a recording session for userID subscribed to its rooms.
func (e *testEnv) connect(t *testing.T, userID string) (*recordingHandle, *Session) {
	t.Helper()
	h := &recordingHandle{}
	s, err := e.core.sessions.Register(userID, h)
	require.NoError(t, err)
	rooms, err := e.core.membership.RoomsOf(context.Background(), userID)
	require.NoError(t, err)
	for _, id := range rooms {
		s.Subscribe(id)
	}
	return h, s
}

type decodedFrame struct {
	Type protocol.Kind   `json:"type"`
	Ref  string          `json:"ref"`
	Data json.RawMessage `json:"data"`
}

func (f decodedFrame) decode(t *testing.T, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(f.Data, dst))
}

// recordingHandle is a Handle that keeps every frame. A positive capacity
// makes Deliver fail once that many frames are held.
type recordingHandle struct {
	mu        sync.Mutex
	frames    []decodedFrame
	capacity  int
	closed    string
	closeCode int
}

func (h *recordingHandle) Deliver(frame []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.capacity > 0 && len(h.frames) >= h.capacity {
		return false
	}
	var f decodedFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		panic(err)
	}
	h.frames = append(h.frames, f)
	return true
}

func (h *recordingHandle) CloseWith(code int, reason string) {
	h.mu.Lock()
	h.closed = reason
	h.closeCode = code
	h.mu.Unlock()
}

func (h *recordingHandle) of(kind protocol.Kind) []decodedFrame {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []decodedFrame
	for _, f := range h.frames {
		if f.Type == kind {
			out = append(out, f)
		}
	}
	return out
}

func (h *recordingHandle) count(kind protocol.Kind) int {
	return len(h.of(kind))
}

func (h *recordingHandle) reset() {
	h.mu.Lock()
	h.frames = nil
	h.mu.Unlock()
}

func (h *recordingHandle) closedWith() (int, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeCode, h.closed
}

// nextFrame reads the next outbound frame of a connection.
func nextFrame(t *testing.T, conn *Connection) decodedFrame {
	t.Helper()
	select {
	case raw := <-conn.Outbound():
		var f decodedFrame
		require.NoError(t, json.Unmarshal(raw, &f))
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an outbound frame")
	}
	return decodedFrame{}
}

// nextFrameOf skips frames until one of kind arrives.
func nextFrameOf(t *testing.T, conn *Connection, kind protocol.Kind) decodedFrame {
	t.Helper()
	for {
		f := nextFrame(t, conn)
		if f.Type == kind {
			return f
		}
	}
}

func frame(kind protocol.Kind, ref string, data any) []byte {
	raw, err := json.Marshal(map[string]any{"type": kind, "ref": ref, "data": data})
	if err != nil {
		panic(err)
	}
	return raw
}
