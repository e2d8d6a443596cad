package chat

import (
	"sort"
	"sync"
	"time"

	domain "github.com/example/realtime-chat/domain/chat"
	"github.com/google/uuid"
)

// Handle is the transport side of a session. Deliver must not block; it
// reports false when the outbound queue is full. CloseWith takes a websocket
// close code from the protocol package.
type Handle interface {
	Deliver(frame []byte) bool
	CloseWith(code int, reason string)
}

// Transition is a presence edge computed by the registry.
type Transition int

const (
	// TransitionOnline fires when a user goes from zero to one session.
	TransitionOnline Transition = iota + 1
	// TransitionOffline fires when a user's last session is unregistered.
	TransitionOffline
)

func (t Transition) String() string {
	switch t {
	case TransitionOnline:
		return "online"
	case TransitionOffline:
		return "offline"
	}
	return "unknown"
}

// TransitionObserver is called with the registry lock held. It must not block
// or call back into the registry.
type TransitionObserver func(userID string, t Transition)

// Session is one authenticated connection of a user.
type Session struct {
	ID          string
	UserID      string
	Handle      Handle
	ConnectedAt time.Time

	mu    sync.RWMutex
	rooms map[string]struct{}
}

// Subscribe adds roomID to the session's broadcast scope.
func (s *Session) Subscribe(roomID string) {
	s.mu.Lock()
	s.rooms[roomID] = struct{}{}
	s.mu.Unlock()
}

// Unsubscribe removes roomID from the session's broadcast scope.
func (s *Session) Unsubscribe(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

// Subscribed reports whether the session receives roomID's broadcasts.
func (s *Session) Subscribed(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID]
	return ok
}

// Rooms returns the subscribed room IDs in sorted order.
func (s *Session) Rooms() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// SessionRegistry tracks live sessions per user and computes presence edges.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session            // sessionID -> Session
	byUser   map[string]map[string]*Session // userID -> sessionID -> Session
	byHandle map[Handle]string              // handle -> sessionID
	observer TransitionObserver
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
		byHandle: make(map[Handle]string),
	}
}

// SetObserver installs the transition observer. Call before registering sessions.
func (r *SessionRegistry) SetObserver(fn TransitionObserver) {
	r.mu.Lock()
	r.observer = fn
	r.mu.Unlock()
}

// Register creates a session for userID bound to h. Registering the same
// handle twice without Unregister fails with ErrDuplicateSession.
func (r *SessionRegistry) Register(userID string, h Handle) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byHandle[h]; ok {
		return r.sessions[id], domain.ErrDuplicateSession
	}

	s := &Session{
		ID:          uuid.New().String(),
		UserID:      userID,
		Handle:      h,
		ConnectedAt: time.Now(),
		rooms:       make(map[string]struct{}),
	}
	r.sessions[s.ID] = s
	r.byHandle[h] = s.ID

	userSessions, ok := r.byUser[userID]
	if !ok {
		userSessions = make(map[string]*Session)
		r.byUser[userID] = userSessions
	}
	userSessions[s.ID] = s

	if len(userSessions) == 1 && r.observer != nil {
		r.observer(userID, TransitionOnline)
	}
	return s, nil
}

// Unregister removes a session. It reports whether the session existed.
func (r *SessionRegistry) Unregister(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	delete(r.sessions, sessionID)
	delete(r.byHandle, s.Handle)

	userSessions := r.byUser[s.UserID]
	delete(userSessions, sessionID)
	if len(userSessions) == 0 {
		delete(r.byUser, s.UserID)
		if r.observer != nil {
			r.observer(s.UserID, TransitionOffline)
		}
	}
	return true
}

// Session looks up a session by ID.
func (r *SessionRegistry) Session(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// SessionsFor returns a snapshot of a user's live sessions.
func (r *SessionRegistry) SessionsFor(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userSessions := r.byUser[userID]
	out := make([]*Session, 0, len(userSessions))
	for _, s := range userSessions {
		out = append(out, s)
	}
	return out
}

// IsOnline reports whether the user has at least one live session.
func (r *SessionRegistry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Count returns the number of live sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// UserCount returns the number of users with at least one session.
func (r *SessionRegistry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// All returns a snapshot of every live session.
func (r *SessionRegistry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// SubscribeUser adds roomID to the scope of every live session of userID.
func (r *SessionRegistry) SubscribeUser(userID, roomID string) {
	for _, s := range r.SessionsFor(userID) {
		s.Subscribe(roomID)
	}
}

// UnsubscribeUser removes roomID from the scope of every live session of userID.
func (r *SessionRegistry) UnsubscribeUser(userID, roomID string) {
	for _, s := range r.SessionsFor(userID) {
		s.Unsubscribe(roomID)
	}
}
