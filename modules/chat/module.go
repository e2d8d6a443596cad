package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/example/realtime-chat/events"
	"github.com/example/realtime-chat/middleware/ratelimit"
	"github.com/example/realtime-chat/modules/auth"
	"github.com/example/realtime-chat/modules/store"
	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// ModuleConfig configures the chat module's persistence and core.
type ModuleConfig struct {
	DBPath        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CachePrefix   string
	CacheTTL      time.Duration
	Store         store.Config
	Core          Config
}

// DefaultModuleConfig returns a configuration backed by a local SQLite file
// and no profile cache.
func DefaultModuleConfig() ModuleConfig {
	return ModuleConfig{
		DBPath:      "chat.db",
		CachePrefix: "chat:",
		CacheTTL:    5 * time.Minute,
		Store:       store.DefaultConfig(),
		Core:        DefaultConfig(),
	}
}

// ChatModule hosts the chat core inside the mono application.
type ChatModule struct {
	config   ModuleConfig
	logger   types.Logger
	eventBus mono.EventBus
	verifier TokenVerifier
	limiter  ratelimit.Limiter

	db    *gorm.DB
	redis *redis.Client
	store *store.Store
	core  *Core
}

// Compile-time interface checks.
var (
	_ mono.Module                = (*ChatModule)(nil)
	_ mono.ServiceProviderModule = (*ChatModule)(nil)
	_ mono.EventEmitterModule    = (*ChatModule)(nil)
	_ mono.EventBusAwareModule   = (*ChatModule)(nil)
	_ mono.DependentModule       = (*ChatModule)(nil)
	_ mono.HealthCheckableModule = (*ChatModule)(nil)
)

// NewModule creates a new ChatModule.
func NewModule(config ModuleConfig, logger types.Logger) *ChatModule {
	return &ChatModule{
		config: config,
		logger: logger,
	}
}

// Name returns the module name.
func (m *ChatModule) Name() string {
	return "chat"
}

// Dependencies returns the list of module dependencies.
func (m *ChatModule) Dependencies() []string {
	return []string{"auth"}
}

// SetDependencyServiceContainer receives service containers from dependencies.
func (m *ChatModule) SetDependencyServiceContainer(dependency string, container mono.ServiceContainer) {
	switch dependency {
	case "auth":
		m.verifier = auth.NewAuthAdapter(container)
	}
}

// SetEventBus receives the EventBus from the framework.
func (m *ChatModule) SetEventBus(bus mono.EventBus) {
	m.eventBus = bus
}

// SetRateLimiter enables per-user limits on websocket commands.
func (m *ChatModule) SetRateLimiter(l ratelimit.Limiter) {
	m.limiter = l
}

// EmitEvents declares the events this module can emit.
func (m *ChatModule) EmitEvents() []mono.BaseEventDefinition {
	return []mono.BaseEventDefinition{
		events.MessageCreatedV1.ToBase(),
		events.MessageStatusChangedV1.ToBase(),
		events.ReactionsChangedV1.ToBase(),
		events.MemberJoinedV1.ToBase(),
		events.MemberLeftV1.ToBase(),
		events.PresenceChangedV1.ToBase(),
		events.RoomCreatedV1.ToBase(),
		events.RoomUpdatedV1.ToBase(),
		events.RoomDeletedV1.ToBase(),
	}
}

// Start opens the database, connects the optional cache and starts the core.
func (m *ChatModule) Start(ctx context.Context) error {
	if m.verifier == nil {
		return fmt.Errorf("auth adapter dependency not set")
	}

	db, err := store.Open(m.config.DBPath)
	if err != nil {
		return err
	}
	m.db = db

	var cache *store.Cache
	if m.config.RedisAddr != "" {
		m.redis = redis.NewClient(&redis.Options{
			Addr:     m.config.RedisAddr,
			Password: m.config.RedisPassword,
			DB:       m.config.RedisDB,
		})
		if err := m.redis.Ping(ctx).Err(); err != nil {
			// The cache is an accelerator; run without it.
			log.Printf("[chat] Redis unavailable at %s, profile cache disabled: %v", m.config.RedisAddr, err)
			_ = m.redis.Close()
			m.redis = nil
		} else {
			cache = store.NewCache(m.redis, m.config.CachePrefix, m.config.CacheTTL)
		}
	}

	m.store = store.New(store.NewRepository(db), cache, m.config.Store)

	opts := []Option{WithNotifier(&busNotifier{bus: m.eventBus, logger: m.logger})}
	if m.limiter != nil {
		opts = append(opts, WithLimiter(m.limiter))
	}
	m.core = NewCore(m.store, m.verifier, m.logger, m.config.Core, opts...)

	log.Printf("[chat] Module started (db: %s, cache: %t)", m.config.DBPath, cache != nil)
	return nil
}

// Stop closes every connection and releases the store.
func (m *ChatModule) Stop(ctx context.Context) error {
	var errs []error
	if m.core != nil {
		if err := m.core.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if m.redis != nil {
		if err := m.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if m.db != nil {
		if err := store.Close(m.db); err != nil {
			errs = append(errs, err)
		}
	}
	log.Println("[chat] Module stopped")
	return errors.Join(errs...)
}

// Health returns the health status of the module.
func (m *ChatModule) Health(ctx context.Context) mono.HealthStatus {
	if m.core == nil {
		return mono.HealthStatus{Healthy: false, Message: "not started"}
	}

	details := map[string]any{
		"online_users": m.core.Sessions().UserCount(),
		"sessions":     m.core.Sessions().Count(),
	}
	healthy := true
	message := "operational"

	if sqlDB, err := m.db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		healthy = false
		message = "database unreachable"
	}
	if cache := m.store.Cache(); cache != nil {
		details["cache"] = cache.GetStats()
		if err := cache.Ping(ctx); err != nil {
			details["cache_error"] = err.Error()
		}
	}

	return mono.HealthStatus{
		Healthy: healthy,
		Message: message,
		Details: details,
	}
}

// Core exposes the running chat core to the transport.
func (m *ChatModule) Core() *Core {
	return m.core
}

// busNotifier publishes core events onto the mono event bus.
type busNotifier struct {
	bus    mono.EventBus
	logger types.Logger
}

func (n *busNotifier) Notify(event any) {
	publish, ok := busPublisher(event)
	if !ok {
		n.logger.Warn("Dropping unknown chat event", "type", fmt.Sprintf("%T", event))
		return
	}
	if n.bus == nil {
		return
	}
	if err := publish(n.bus); err != nil {
		n.logger.Warn("Failed to publish chat event", "type", fmt.Sprintf("%T", event), "error", err)
	}
}

func busPublisher(event any) (func(mono.EventBus) error, bool) {
	switch e := event.(type) {
	case events.MessageCreatedEvent:
		return func(bus mono.EventBus) error { return events.MessageCreatedV1.Publish(bus, e, nil) }, true
	case events.MessageStatusChangedEvent:
		return func(bus mono.EventBus) error { return events.MessageStatusChangedV1.Publish(bus, e, nil) }, true
	case events.ReactionsChangedEvent:
		return func(bus mono.EventBus) error { return events.ReactionsChangedV1.Publish(bus, e, nil) }, true
	case events.MemberJoinedEvent:
		return func(bus mono.EventBus) error { return events.MemberJoinedV1.Publish(bus, e, nil) }, true
	case events.MemberLeftEvent:
		return func(bus mono.EventBus) error { return events.MemberLeftV1.Publish(bus, e, nil) }, true
	case events.PresenceChangedEvent:
		return func(bus mono.EventBus) error { return events.PresenceChangedV1.Publish(bus, e, nil) }, true
	case events.RoomCreatedEvent:
		return func(bus mono.EventBus) error { return events.RoomCreatedV1.Publish(bus, e, nil) }, true
	case events.RoomUpdatedEvent:
		return func(bus mono.EventBus) error { return events.RoomUpdatedV1.Publish(bus, e, nil) }, true
	case events.RoomDeletedEvent:
		return func(bus mono.EventBus) error { return events.RoomDeletedV1.Publish(bus, e, nil) }, true
	}
	return nil, false
}
