package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/example/realtime-chat/events"
	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
	"github.com/go-monolith/mono/pkg/types"
)

// Request-reply service names.
const (
	ServiceRoomStats      = "get-room-stats"
	ServiceSummary        = "get-chat-summary"
	ServiceRecentActivity = "get-recent-activity"
)

// Module consumes chat events and tracks room statistics.
type Module struct {
	store  *Store
	logger types.Logger
}

// Compile-time interface checks
var (
	_ mono.Module                = (*Module)(nil)
	_ mono.EventConsumerModule   = (*Module)(nil)
	_ mono.ServiceProviderModule = (*Module)(nil)
)

// NewModule creates a new analytics module.
func NewModule(logger types.Logger) *Module {
	return &Module{
		store:  NewStore(),
		logger: logger,
	}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "analytics"
}

// RegisterEventConsumers registers handlers for every chat event.
func (m *Module) RegisterEventConsumers(registry mono.EventRegistry) error {
	consumers := []struct {
		name    string
		handler func(context.Context, *mono.Msg) error
	}{
		{"RoomCreated", m.handleRoomCreated},
		{"RoomUpdated", m.handleRoomUpdated},
		{"RoomDeleted", m.handleRoomDeleted},
		{"MessageCreated", m.handleMessageCreated},
		{"MessageStatusChanged", m.handleStatusChanged},
		{"ReactionsChanged", m.handleReactionsChanged},
		{"MemberJoined", m.handleMemberJoined},
		{"MemberLeft", m.handleMemberLeft},
		{"PresenceChanged", m.handlePresenceChanged},
	}

	names := make([]string, 0, len(consumers))
	for _, c := range consumers {
		def, ok := registry.GetEventByName(c.name, "v1", "chat")
		if !ok {
			return fmt.Errorf("event %s.v1 not found", c.name)
		}
		if err := registry.RegisterEventConsumer(def, c.handler, m); err != nil {
			return fmt.Errorf("failed to register %s consumer: %w", c.name, err)
		}
		names = append(names, c.name+".v1")
	}

	m.logger.Info("Registered event consumers", "events", names)
	return nil
}

// decode unmarshals an event payload. Malformed payloads are logged and
// dropped rather than retried.
func decode[T any](m *Module, name string, msg *mono.Msg) (T, bool) {
	var event T
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		m.logger.Error("Failed to unmarshal event", "event", name, "error", err)
		return event, false
	}
	return event, true
}

func (m *Module) handleRoomCreated(_ context.Context, msg *mono.Msg) error {
	event, ok := decode[events.RoomCreatedEvent](m, "RoomCreated", msg)
	if !ok {
		return nil
	}
	m.store.RecordRoomCreated(event.RoomID, event.RoomName, event.RoomType, event.CreatedBy, event.Timestamp)
	m.logger.Info("Recorded room creation", "roomID", event.RoomID, "type", event.RoomType)
	return nil
}

func (m *Module) handleRoomUpdated(_ context.Context, msg *mono.Msg) error {
	event, ok := decode[events.RoomUpdatedEvent](m, "RoomUpdated", msg)
	if !ok {
		return nil
	}
	m.store.RecordRoomUpdated(event.RoomID, event.RoomName, event.RoomType, event.UpdatedBy, event.Timestamp)
	return nil
}

func (m *Module) handleRoomDeleted(_ context.Context, msg *mono.Msg) error {
	event, ok := decode[events.RoomDeletedEvent](m, "RoomDeleted", msg)
	if !ok {
		return nil
	}
	m.store.RecordRoomDeleted(event.RoomID, event.DeletedBy, event.Timestamp)
	m.logger.Info("Dropped stats of deleted room", "roomID", event.RoomID)
	return nil
}

func (m *Module) handleMessageCreated(_ context.Context, msg *mono.Msg) error {
	event, ok := decode[events.MessageCreatedEvent](m, "MessageCreated", msg)
	if !ok {
		return nil
	}
	m.store.RecordMessage(event.RoomID, event.AuthorID, event.Seq, event.IsReply, event.HasAttachments, event.Timestamp)
	m.logger.Debug("Recorded message", "roomID", event.RoomID, "seq", event.Seq)
	return nil
}

func (m *Module) handleStatusChanged(_ context.Context, msg *mono.Msg) error {
	event, ok := decode[events.MessageStatusChangedEvent](m, "MessageStatusChanged", msg)
	if !ok {
		return nil
	}
	m.store.RecordStatus(event.RoomID, event.UserID, event.Status, event.Timestamp)
	return nil
}

func (m *Module) handleReactionsChanged(_ context.Context, msg *mono.Msg) error {
	event, ok := decode[events.ReactionsChangedEvent](m, "ReactionsChanged", msg)
	if !ok {
		return nil
	}
	m.store.RecordReaction(event.RoomID, event.UserID, event.Emoji, event.Added, event.Timestamp)
	return nil
}

func (m *Module) handleMemberJoined(_ context.Context, msg *mono.Msg) error {
	event, ok := decode[events.MemberJoinedEvent](m, "MemberJoined", msg)
	if !ok {
		return nil
	}
	m.store.RecordJoin(event.RoomID, event.UserID, event.Timestamp)
	return nil
}

func (m *Module) handleMemberLeft(_ context.Context, msg *mono.Msg) error {
	event, ok := decode[events.MemberLeftEvent](m, "MemberLeft", msg)
	if !ok {
		return nil
	}
	m.store.RecordLeave(event.RoomID, event.UserID, event.RemovedBy, event.Timestamp)
	return nil
}

func (m *Module) handlePresenceChanged(_ context.Context, msg *mono.Msg) error {
	event, ok := decode[events.PresenceChangedEvent](m, "PresenceChanged", msg)
	if !ok {
		return nil
	}
	m.store.RecordPresence(event.UserID, event.Status, event.Timestamp)
	m.logger.Debug("Recorded presence change", "userID", event.UserID, "status", event.Status)
	return nil
}

// Start initializes the analytics module.
func (m *Module) Start(_ context.Context) error {
	log.Println("[analytics] Module started")
	return nil
}

// Stop gracefully shuts down the module.
func (m *Module) Stop(_ context.Context) error {
	log.Println("[analytics] Module stopped")
	return nil
}

// Store returns the analytics store.
func (m *Module) Store() *Store {
	return m.store
}

// RoomStatsRequest asks for one room's statistics.
type RoomStatsRequest struct {
	RoomID string `json:"room_id"`
}

// RoomStatsResponse carries a room's statistics. A room with no recorded
// activity returns zeroed counters.
type RoomStatsResponse struct {
	Stats RoomStats `json:"stats"`
}

// ActivityRequest asks for the most recent activity entries.
type ActivityRequest struct {
	Limit int `json:"limit"`
}

// ActivityResponse carries recent activity, oldest first.
type ActivityResponse struct {
	Activity []Activity `json:"activity"`
}

// RegisterServices registers this module's services in the service container.
func (m *Module) RegisterServices(container mono.ServiceContainer) error {
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceRoomStats, json.Unmarshal, json.Marshal, m.handleRoomStats,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceRoomStats, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceSummary, json.Unmarshal, json.Marshal, m.handleSummary,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceSummary, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceRecentActivity, json.Unmarshal, json.Marshal, m.handleRecentActivity,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceRecentActivity, err)
	}

	m.logger.Info("Registered analytics services",
		"services", []string{ServiceRoomStats, ServiceSummary, ServiceRecentActivity})
	return nil
}

func (m *Module) handleRoomStats(_ context.Context, req RoomStatsRequest, _ *mono.Msg) (RoomStatsResponse, error) {
	if req.RoomID == "" {
		return RoomStatsResponse{}, fmt.Errorf("room_id is required")
	}
	stats, ok := m.store.GetRoomStats(req.RoomID)
	if !ok {
		return RoomStatsResponse{Stats: RoomStats{RoomID: req.RoomID}}, nil
	}
	return RoomStatsResponse{Stats: *stats}, nil
}

func (m *Module) handleSummary(_ context.Context, _ struct{}, _ *mono.Msg) (Summary, error) {
	return m.store.GetSummary(), nil
}

func (m *Module) handleRecentActivity(_ context.Context, req ActivityRequest, _ *mono.Msg) (ActivityResponse, error) {
	if req.Limit <= 0 {
		req.Limit = 100
	}
	if req.Limit > 1000 {
		req.Limit = 1000
	}
	return ActivityResponse{Activity: m.store.GetRecentActivity(req.Limit)}, nil
}
