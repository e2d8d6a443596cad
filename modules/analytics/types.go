package analytics

import (
	"sort"
	"sync"
	"time"
)

// Activity is a single entry in the recent activity log.
type Activity struct {
	Kind   string    `json:"kind"`
	RoomID string    `json:"room_id,omitempty"`
	UserID string    `json:"user_id,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// RoomStats tracks counters for a single room.
type RoomStats struct {
	RoomID       string         `json:"room_id"`
	Name         string         `json:"name,omitempty"`
	Type         string         `json:"type,omitempty"`
	Messages     int64          `json:"messages"`
	Replies      int64          `json:"replies"`
	Attachments  int64          `json:"messages_with_attachments"`
	Delivered    int64          `json:"delivered"`
	Read         int64          `json:"read"`
	Reactions    int64          `json:"reactions"`
	Members      int64          `json:"members"`
	Joins        int64          `json:"joins"`
	Leaves       int64          `json:"leaves"`
	LastSeq      int64          `json:"last_seq"`
	TopAuthors   map[string]int `json:"top_authors,omitempty"`
	CreatedAt    time.Time      `json:"created_at,omitempty"`
	LastActivity time.Time      `json:"last_activity,omitempty"`
}

// Summary is the overall chat analytics summary.
type Summary struct {
	RoomsCreated   int64 `json:"rooms_created"`
	RoomsTracked   int   `json:"rooms_tracked"`
	TotalMessages  int64 `json:"total_messages"`
	TotalReactions int64 `json:"total_reactions"`
	OnlineUsers    int   `json:"online_users"`
	PresenceFlips  int64 `json:"presence_changes"`
	ActivityLogs   int   `json:"activity_logs"`
}

// DefaultMaxActivity is the default number of activity entries retained.
const DefaultMaxActivity = 10000

// topAuthorsLimit bounds the per-room author table returned to callers.
const topAuthorsLimit = 10

// Store provides thread-safe storage for analytics data.
type Store struct {
	mu            sync.RWMutex
	activity      []Activity
	rooms         map[string]*roomCounters
	online        map[string]bool
	roomsCreated  int64
	presenceFlips int64
	maxActivity   int
}

type roomCounters struct {
	stats   RoomStats
	authors map[string]int
}

// NewStore creates a store with the default activity limit.
func NewStore() *Store {
	return NewStoreWithLimit(DefaultMaxActivity)
}

// NewStoreWithLimit creates a store retaining at most maxActivity entries.
func NewStoreWithLimit(maxActivity int) *Store {
	if maxActivity <= 0 {
		maxActivity = DefaultMaxActivity
	}
	return &Store{
		activity:    make([]Activity, 0),
		rooms:       make(map[string]*roomCounters),
		online:      make(map[string]bool),
		maxActivity: maxActivity,
	}
}

// room returns the counters for roomID, creating them. Caller holds s.mu.
func (s *Store) room(roomID string) *roomCounters {
	rc, ok := s.rooms[roomID]
	if !ok {
		rc = &roomCounters{
			stats:   RoomStats{RoomID: roomID},
			authors: make(map[string]int),
		}
		s.rooms[roomID] = rc
	}
	return rc
}

// record appends to the activity log. Caller holds s.mu.
func (s *Store) record(a Activity) {
	s.activity = append(s.activity, a)
	if len(s.activity) > s.maxActivity {
		excess := len(s.activity) - s.maxActivity
		s.activity = s.activity[excess:]
	}
}

func touch(stats *RoomStats, at time.Time) {
	if at.After(stats.LastActivity) {
		stats.LastActivity = at
	}
}

// RecordRoomCreated records a new room. The owner counts as its first member.
func (s *Store) RecordRoomCreated(roomID, name, roomType, createdBy string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.roomsCreated++
	rc := s.room(roomID)
	rc.stats.Name = name
	rc.stats.Type = roomType
	rc.stats.CreatedAt = at
	rc.stats.Members++
	touch(&rc.stats, at)
	s.record(Activity{Kind: "room_created", RoomID: roomID, UserID: createdBy, Detail: name, At: at})
}

// RecordRoomUpdated records new room settings.
func (s *Store) RecordRoomUpdated(roomID, name, roomType, updatedBy string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rc := s.room(roomID)
	rc.stats.Name = name
	rc.stats.Type = roomType
	touch(&rc.stats, at)
	s.record(Activity{Kind: "room_updated", RoomID: roomID, UserID: updatedBy, Detail: name, At: at})
}

// RecordRoomDeleted drops a room's counters. The activity log keeps its past
// entries.
func (s *Store) RecordRoomDeleted(roomID, deletedBy string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.rooms, roomID)
	s.record(Activity{Kind: "room_deleted", RoomID: roomID, UserID: deletedBy, At: at})
}

// RecordMessage records a persisted message.
func (s *Store) RecordMessage(roomID, authorID string, seq int64, isReply, hasAttachments bool, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rc := s.room(roomID)
	rc.stats.Messages++
	if isReply {
		rc.stats.Replies++
	}
	if hasAttachments {
		rc.stats.Attachments++
	}
	if seq > rc.stats.LastSeq {
		rc.stats.LastSeq = seq
	}
	rc.authors[authorID]++
	touch(&rc.stats, at)
	s.record(Activity{Kind: "message", RoomID: roomID, UserID: authorID, At: at})
}

// RecordStatus records a message status transition.
func (s *Store) RecordStatus(roomID, userID, status string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rc := s.room(roomID)
	switch status {
	case "delivered":
		rc.stats.Delivered++
	case "read":
		rc.stats.Read++
	}
	touch(&rc.stats, at)
}

// RecordReaction records a reaction toggle. Removals decrement the count.
func (s *Store) RecordReaction(roomID, userID, emoji string, added bool, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rc := s.room(roomID)
	if added {
		rc.stats.Reactions++
	} else if rc.stats.Reactions > 0 {
		rc.stats.Reactions--
	}
	touch(&rc.stats, at)
	s.record(Activity{Kind: "reaction", RoomID: roomID, UserID: userID, Detail: emoji, At: at})
}

// RecordJoin records a member joining a room.
func (s *Store) RecordJoin(roomID, userID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rc := s.room(roomID)
	rc.stats.Members++
	rc.stats.Joins++
	touch(&rc.stats, at)
	s.record(Activity{Kind: "member_joined", RoomID: roomID, UserID: userID, At: at})
}

// RecordLeave records a member leaving or being removed from a room.
func (s *Store) RecordLeave(roomID, userID, removedBy string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rc := s.room(roomID)
	if rc.stats.Members > 0 {
		rc.stats.Members--
	}
	rc.stats.Leaves++
	touch(&rc.stats, at)
	s.record(Activity{Kind: "member_left", RoomID: roomID, UserID: userID, Detail: removedBy, At: at})
}

// RecordPresence records a presence edge.
func (s *Store) RecordPresence(userID, status string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.presenceFlips++
	if status == "offline" {
		delete(s.online, userID)
	} else {
		s.online[userID] = true
	}
	s.record(Activity{Kind: "presence", UserID: userID, Detail: status, At: at})
}

// GetRoomStats returns a copy of the statistics for roomID.
func (s *Store) GetRoomStats(roomID string) (*RoomStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rc, ok := s.rooms[roomID]
	if !ok {
		return nil, false
	}
	stats := rc.stats
	stats.TopAuthors = topAuthors(rc.authors, topAuthorsLimit)
	return &stats, true
}

func topAuthors(authors map[string]int, limit int) map[string]int {
	if len(authors) == 0 {
		return nil
	}
	ids := make([]string, 0, len(authors))
	for id := range authors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if authors[ids[i]] != authors[ids[j]] {
			return authors[ids[i]] > authors[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make(map[string]int, len(ids))
	for _, id := range ids {
		out[id] = authors[id]
	}
	return out
}

// GetRecentActivity returns the most recent activity entries, oldest first.
func (s *Store) GetRecentActivity(limit int) []Activity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.activity) == 0 {
		return nil
	}

	start := 0
	if len(s.activity) > limit {
		start = len(s.activity) - limit
	}

	result := make([]Activity, len(s.activity)-start)
	copy(result, s.activity[start:])
	return result
}

// GetSummary returns an overall analytics summary.
func (s *Store) GetSummary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := Summary{
		RoomsCreated:  s.roomsCreated,
		RoomsTracked:  len(s.rooms),
		OnlineUsers:   len(s.online),
		PresenceFlips: s.presenceFlips,
		ActivityLogs:  len(s.activity),
	}
	for _, rc := range s.rooms {
		sum.TotalMessages += rc.stats.Messages
		sum.TotalReactions += rc.stats.Reactions
	}
	return sum
}
