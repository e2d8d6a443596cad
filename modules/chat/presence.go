package chat

import (
	"context"
	"sync"
	"time"

	domain "github.com/example/realtime-chat/domain/chat"
	"github.com/example/realtime-chat/events"
	"github.com/example/realtime-chat/protocol"
	"github.com/go-monolith/mono/pkg/types"
)

// PresenceTracker turns registry edges into user:online and user:offline.
//
// Online is emitted immediately unless it cancels a pending offline, in which
// case peers never saw the user leave and nothing is emitted. Offline is held
// for the grace window and dropped if the user reconnects first. Emission
// (store update and fan-out) runs on one worker goroutine in edge order.
type PresenceTracker struct {
	store       Store
	sessions    *SessionRegistry
	membership  *MembershipIndex
	broadcaster *Broadcaster
	notifier    Notifier
	metrics     *Metrics
	logger      types.Logger
	grace       time.Duration

	mu      sync.Mutex
	pending map[string]*pendingOffline
	gen     map[string]uint64
	stopped bool

	qmu   sync.Mutex
	queue []presenceJob
	wake  chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
}

type pendingOffline struct {
	timer *time.Timer
	gen   uint64
	since time.Time
}

type presenceJob struct {
	userID string
	status domain.PresenceStatus
	at     time.Time
}

// NewPresenceTracker creates a tracker with the given offline grace window.
func NewPresenceTracker(store Store, sessions *SessionRegistry, membership *MembershipIndex, broadcaster *Broadcaster, notifier Notifier, metrics *Metrics, logger types.Logger, grace time.Duration) *PresenceTracker {
	return &PresenceTracker{
		store:       store,
		sessions:    sessions,
		membership:  membership,
		broadcaster: broadcaster,
		notifier:    notifier,
		metrics:     metrics,
		logger:      logger,
		grace:       grace,
		pending:     make(map[string]*pendingOffline),
		gen:         make(map[string]uint64),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Start launches the emission worker.
func (t *PresenceTracker) Start() {
	t.wg.Add(1)
	go t.run()
}

// Stop cancels pending offline timers and waits for the worker to drain.
func (t *PresenceTracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	for userID, p := range t.pending {
		p.timer.Stop()
		delete(t.pending, userID)
	}
	t.mu.Unlock()

	close(t.done)
	t.wg.Wait()
}

// OnTransition is the registry observer. It runs under the registry lock and
// only touches timers and the job queue.
func (t *PresenceTracker) OnTransition(userID string, tr Transition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}

	t.gen[userID]++
	gen := t.gen[userID]

	switch tr {
	case TransitionOnline:
		if p, ok := t.pending[userID]; ok {
			p.timer.Stop()
			delete(t.pending, userID)
			t.logger.Debug("Reconnect within grace window", "userID", userID)
			return
		}
		t.enqueue(presenceJob{userID: userID, status: domain.StatusOnline, at: time.Now()})

	case TransitionOffline:
		since := time.Now()
		t.pending[userID] = &pendingOffline{
			gen:   gen,
			since: since,
			timer: time.AfterFunc(t.grace, func() {
				t.expire(userID, gen)
			}),
		}
	}
}

func (t *PresenceTracker) expire(userID string, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[userID]
	if !ok || p.gen != gen || t.stopped {
		return
	}
	delete(t.pending, userID)
	// A matching gen means no register happened since the last unregister.
	// Do not take the registry lock here: OnTransition holds it while waiting on t.mu.
	t.enqueue(presenceJob{userID: userID, status: domain.StatusOffline, at: p.since})
}

// Status reports the user's effective presence. A user whose offline emission
// is still pending is reported online.
func (t *PresenceTracker) Status(userID string) domain.PresenceStatus {
	if t.sessions.IsOnline(userID) {
		return domain.StatusOnline
	}
	t.mu.Lock()
	_, pending := t.pending[userID]
	t.mu.Unlock()
	if pending {
		return domain.StatusOnline
	}
	return domain.StatusOffline
}

func (t *PresenceTracker) enqueue(job presenceJob) {
	t.qmu.Lock()
	t.queue = append(t.queue, job)
	t.qmu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *PresenceTracker) run() {
	defer t.wg.Done()
	for {
		select {
		case <-t.wake:
			t.drain()
		case <-t.done:
			t.drain()
			return
		}
	}
}

func (t *PresenceTracker) drain() {
	for {
		t.qmu.Lock()
		if len(t.queue) == 0 {
			t.qmu.Unlock()
			return
		}
		job := t.queue[0]
		t.queue = t.queue[1:]
		t.qmu.Unlock()

		t.emit(job)
	}
}

func (t *PresenceTracker) emit(job presenceJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Presence is best effort: a failed status write is logged, not retried.
	if err := t.store.UpdateUserStatus(ctx, job.userID, job.status, job.at); err != nil {
		t.logger.Warn("Failed to record presence", "userID", job.userID, "status", job.status, "error", err)
	}

	rooms, err := t.membership.RoomsOf(ctx, job.userID)
	if err != nil {
		t.logger.Warn("Failed to load rooms for presence", "userID", job.userID, "error", err)
		return
	}

	kind := protocol.KindUserOnline
	payload := protocol.PresencePayload{
		UserID:    job.userID,
		Status:    string(job.status),
		Timestamp: time.Now(),
	}
	if job.status == domain.StatusOffline {
		kind = protocol.KindUserOffline
		lastSeen := job.at
		payload.LastSeen = &lastSeen
	}

	n, _ := t.broadcaster.PublishToRooms(ctx, rooms, job.userID, kind, payload)
	t.metrics.presence.WithLabelValues(string(job.status)).Inc()
	t.logger.Debug("Presence emitted", "userID", job.userID, "status", job.status, "sessions", n)

	t.notifier.Notify(events.PresenceChangedEvent{
		UserID:    job.userID,
		Status:    string(job.status),
		Timestamp: payload.Timestamp,
	})
}
