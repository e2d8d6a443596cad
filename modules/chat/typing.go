package chat

import (
	"context"
	"sync"
	"time"

	domain "github.com/example/realtime-chat/domain/chat"
	"github.com/example/realtime-chat/protocol"
	"github.com/go-monolith/mono/pkg/types"
)

// TypingRelay forwards typing indicators to the other sessions of a room and
// stops indicators the client never stopped. Typing is best effort.
type TypingRelay struct {
	membership  *MembershipIndex
	broadcaster *Broadcaster
	logger      types.Logger
	timeout     time.Duration

	mu     sync.Mutex
	active map[typingKey]*typingState
	gen    uint64
}

type typingKey struct {
	sessionID string
	roomID    string
}

type typingState struct {
	timer *time.Timer
	gen   uint64
	user  string
}

// NewTypingRelay creates a relay that auto-stops indicators after timeout.
func NewTypingRelay(membership *MembershipIndex, broadcaster *Broadcaster, logger types.Logger, timeout time.Duration) *TypingRelay {
	return &TypingRelay{
		membership:  membership,
		broadcaster: broadcaster,
		logger:      logger,
		timeout:     timeout,
		active:      make(map[typingKey]*typingState),
	}
}

// Start publishes typing:start for the session's user and (re)arms auto-stop.
func (t *TypingRelay) Start(ctx context.Context, s *Session, roomID string) error {
	ok, err := t.membership.IsMember(ctx, roomID, s.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotAMember
	}

	key := typingKey{sessionID: s.ID, roomID: roomID}
	t.mu.Lock()
	t.gen++
	gen := t.gen
	prev, wasTyping := t.active[key]
	if wasTyping {
		prev.timer.Stop()
	}
	t.active[key] = &typingState{
		gen:  gen,
		user: s.UserID,
		timer: time.AfterFunc(t.timeout, func() {
			t.expire(key, gen)
		}),
	}
	t.mu.Unlock()

	if wasTyping {
		return nil
	}
	return t.publish(ctx, protocol.KindTypingStart, s.ID, s.UserID, roomID)
}

// Stop cancels the session's indicator in roomID and publishes typing:stop.
func (t *TypingRelay) Stop(ctx context.Context, s *Session, roomID string) error {
	key := typingKey{sessionID: s.ID, roomID: roomID}
	t.mu.Lock()
	st, ok := t.active[key]
	if ok {
		st.timer.Stop()
		delete(t.active, key)
	}
	t.mu.Unlock()

	if !ok {
		return nil
	}
	return t.publish(ctx, protocol.KindTypingStop, s.ID, s.UserID, roomID)
}

// StopAll stops every indicator of a session, e.g. on disconnect.
func (t *TypingRelay) StopAll(s *Session) {
	var rooms []string
	t.mu.Lock()
	for key, st := range t.active {
		if key.sessionID != s.ID {
			continue
		}
		st.timer.Stop()
		delete(t.active, key)
		rooms = append(rooms, key.roomID)
	}
	t.mu.Unlock()

	for _, roomID := range rooms {
		_ = t.publish(context.Background(), protocol.KindTypingStop, s.ID, s.UserID, roomID)
	}
}

// Close cancels all timers without publishing.
func (t *TypingRelay) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, st := range t.active {
		st.timer.Stop()
		delete(t.active, key)
	}
}

func (t *TypingRelay) expire(key typingKey, gen uint64) {
	t.mu.Lock()
	st, ok := t.active[key]
	if !ok || st.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.active, key)
	t.mu.Unlock()

	_ = t.publish(context.Background(), protocol.KindTypingStop, key.sessionID, st.user, key.roomID)
}

func (t *TypingRelay) publish(ctx context.Context, kind protocol.Kind, sessionID, userID, roomID string) error {
	_, err := t.broadcaster.PublishExcept(ctx, roomID, sessionID, kind, protocol.TypingPayload{
		RoomID:    roomID,
		UserID:    userID,
		Timestamp: time.Now(),
	})
	if err != nil {
		t.logger.Debug("Typing relay failed", "roomID", roomID, "userID", userID, "error", err)
	}
	return err
}
