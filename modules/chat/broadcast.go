package chat

import (
	"context"

	"github.com/example/realtime-chat/protocol"
	"github.com/go-monolith/mono/pkg/types"
)

// Broadcaster fans frames out to the live sessions of a room. Frames are
// encoded once and enqueued without blocking; a session whose queue is full is
// closed as a slow consumer and recovers by reconnecting and backfilling.
type Broadcaster struct {
	sessions   *SessionRegistry
	membership *MembershipIndex
	metrics    *Metrics
	logger     types.Logger
}

// NewBroadcaster creates a Broadcaster.
func NewBroadcaster(sessions *SessionRegistry, membership *MembershipIndex, metrics *Metrics, logger types.Logger) *Broadcaster {
	return &Broadcaster{
		sessions:   sessions,
		membership: membership,
		metrics:    metrics,
		logger:     logger,
	}
}

// Publish sends kind to every connected session of the room. It returns the
// number of sessions the frame was enqueued for.
func (b *Broadcaster) Publish(ctx context.Context, roomID string, kind protocol.Kind, payload any) (int, error) {
	return b.PublishExcept(ctx, roomID, "", kind, payload)
}

// PublishExcept is Publish without the session exceptSessionID.
func (b *Broadcaster) PublishExcept(ctx context.Context, roomID, exceptSessionID string, kind protocol.Kind, payload any) (int, error) {
	frame, err := protocol.Encode(kind, payload)
	if err != nil {
		return 0, err
	}
	targets, err := b.membership.ConnectedSessionsOf(ctx, roomID)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, s := range targets {
		if s.ID == exceptSessionID {
			continue
		}
		if b.deliver(s, frame) {
			n++
		}
	}
	return n, nil
}

// PublishToRooms sends kind once to every session subscribed to any of the
// rooms, skipping the sessions of exceptUserID.
func (b *Broadcaster) PublishToRooms(ctx context.Context, roomIDs []string, exceptUserID string, kind protocol.Kind, payload any) (int, error) {
	frame, err := protocol.Encode(kind, payload)
	if err != nil {
		return 0, err
	}

	seen := make(map[string]struct{})
	n := 0
	for _, roomID := range roomIDs {
		targets, err := b.membership.ConnectedSessionsOf(ctx, roomID)
		if err != nil {
			b.logger.Warn("Failed to resolve room sessions", "roomID", roomID, "error", err)
			continue
		}
		for _, s := range targets {
			if s.UserID == exceptUserID {
				continue
			}
			if _, dup := seen[s.ID]; dup {
				continue
			}
			seen[s.ID] = struct{}{}
			if b.deliver(s, frame) {
				n++
			}
		}
	}
	return n, nil
}

// SendToUser sends kind to every live session of userID.
func (b *Broadcaster) SendToUser(userID string, kind protocol.Kind, payload any) int {
	return b.SendToUsers([]string{userID}, kind, payload)
}

// SendToUsers sends kind to every live session of the users, whatever their
// room scope.
func (b *Broadcaster) SendToUsers(userIDs []string, kind protocol.Kind, payload any) int {
	frame, err := protocol.Encode(kind, payload)
	if err != nil {
		b.logger.Error("Failed to encode frame", "kind", kind, "error", err)
		return 0
	}
	n := 0
	for _, userID := range userIDs {
		for _, s := range b.sessions.SessionsFor(userID) {
			if b.deliver(s, frame) {
				n++
			}
		}
	}
	return n
}

// SendTo sends one frame to a single handle, tagged with the client's ref.
func (b *Broadcaster) SendTo(h Handle, kind protocol.Kind, ref string, payload any) bool {
	frame, err := protocol.EncodeRef(kind, ref, payload)
	if err != nil {
		b.logger.Error("Failed to encode frame", "kind", kind, "error", err)
		return false
	}
	if h.Deliver(frame) {
		b.metrics.framesDelivered.Inc()
		return true
	}
	b.slowConsumer(h, "")
	return false
}

func (b *Broadcaster) deliver(s *Session, frame []byte) bool {
	if s.Handle.Deliver(frame) {
		b.metrics.framesDelivered.Inc()
		return true
	}
	b.slowConsumer(s.Handle, s.ID)
	return false
}

func (b *Broadcaster) slowConsumer(h Handle, sessionID string) {
	b.metrics.slowConsumers.Inc()
	b.logger.Warn("Closing slow consumer", "sessionID", sessionID)
	h.CloseWith(protocol.CloseSlowConsumer, "slow consumer")
}
