package gateway

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/example/realtime-chat/modules/analytics"
	"github.com/example/realtime-chat/modules/auth"
	"github.com/example/realtime-chat/modules/chat"
	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// Config holds the HTTP and websocket transport settings.
type Config struct {
	Port         string
	AllowOrigins string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Websocket keepalive. PingInterval must be shorter than PongWait.
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64

	// Per-user limit on /api/v1 requests. Zero disables it. Counters are kept
	// in Redis when RedisAddr is set.
	APIRateLimit  int
	APIRateWindow time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() Config {
	return Config{
		Port:           "3000",
		AllowOrigins:   "*",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    120 * time.Second,
		PingInterval:   54 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 64 * 1024,
		APIRateLimit:   120,
		APIRateWindow:  time.Minute,
	}
}

// CoreSource yields the running chat core. The chat module satisfies it.
type CoreSource interface {
	Core() *chat.Core
}

// GatewayModule serves the REST API, the websocket endpoint and metrics.
type GatewayModule struct {
	config    Config
	logger    types.Logger
	app       *fiber.App
	auth      auth.AuthPort
	chat      chat.ChatPort
	analytics analytics.AnalyticsPort
	source    CoreSource
	core      *chat.Core
	storage   fiber.Storage
}

// Compile-time interface checks.
var (
	_ mono.Module                = (*GatewayModule)(nil)
	_ mono.DependentModule       = (*GatewayModule)(nil)
	_ mono.HealthCheckableModule = (*GatewayModule)(nil)
)

// NewModule creates a new GatewayModule.
func NewModule(config Config, logger types.Logger) *GatewayModule {
	if config.Port == "" {
		config.Port = DefaultConfig().Port
	}
	return &GatewayModule{
		config: config,
		logger: logger,
	}
}

// Name returns the module name.
func (m *GatewayModule) Name() string {
	return "gateway"
}

// Dependencies returns the list of module dependencies.
func (m *GatewayModule) Dependencies() []string {
	return []string{"auth", "chat", "analytics"}
}

// SetDependencyServiceContainer receives service containers from dependencies.
func (m *GatewayModule) SetDependencyServiceContainer(dependency string, container mono.ServiceContainer) {
	switch dependency {
	case "auth":
		m.auth = auth.NewAuthAdapter(container)
	case "chat":
		m.chat = chat.NewChatAdapter(container)
	case "analytics":
		m.analytics = analytics.NewAnalyticsAdapter(container)
	}
}

// SetCoreSource sets the chat core provider (called from main.go).
func (m *GatewayModule) SetCoreSource(source CoreSource) {
	m.source = source
}

// Start initializes the Fiber HTTP server.
func (m *GatewayModule) Start(_ context.Context) error {
	if m.auth == nil || m.chat == nil || m.analytics == nil {
		return fmt.Errorf("gateway dependencies not set")
	}
	if m.source == nil {
		return fmt.Errorf("chat core source not set")
	}
	m.core = m.source.Core()
	if m.core == nil {
		return fmt.Errorf("chat core is not running")
	}

	if m.config.RedisAddr != "" && m.config.APIRateLimit > 0 {
		storage, err := newRedisStorage(m.config.RedisAddr, m.config.RedisPassword, m.config.RedisDB)
		if err != nil {
			log.Printf("[gateway] %v; API rate limits kept in memory", err)
		} else {
			m.storage = storage
		}
	}

	m.app = m.newApp()

	go func() {
		if err := m.app.Listen(":" + m.config.Port); err != nil {
			log.Printf("[gateway] HTTP server error: %v", err)
		}
	}()

	log.Printf("[gateway] HTTP server started on :%s", m.config.Port)
	return nil
}

// Stop shuts down the Fiber HTTP server.
func (m *GatewayModule) Stop(_ context.Context) error {
	if m.app == nil {
		return nil
	}
	log.Println("[gateway] Shutting down HTTP server...")
	err := m.app.Shutdown()
	if m.storage != nil {
		if cerr := m.storage.Close(); cerr != nil {
			log.Printf("[gateway] Error closing rate limit storage: %v", cerr)
		}
	}
	return err
}

// Health returns the health status.
func (m *GatewayModule) Health(_ context.Context) mono.HealthStatus {
	return mono.HealthStatus{
		Healthy: m.app != nil,
		Message: "operational",
		Details: m.details(),
	}
}

func (m *GatewayModule) details() map[string]any {
	details := map[string]any{
		"module": m.Name(),
		"port":   m.config.Port,
	}
	if m.core != nil {
		details["online_users"] = m.core.Sessions().UserCount()
		details["sessions"] = m.core.Sessions().Count()
	}
	return details
}

// newApp builds the Fiber application with its middleware and routes.
func (m *GatewayModule) newApp() *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		Immutable:             true,
		ErrorHandler:          customErrorHandler,
		ReadTimeout:           m.config.ReadTimeout,
		WriteTimeout:          m.config.WriteTimeout,
		IdleTimeout:           m.config.IdleTimeout,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Next: func(c *fiber.Ctx) bool {
			return websocket.IsWebSocketUpgrade(c)
		},
		Format: "[gateway] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: m.config.AllowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))

	m.setupRoutes(app)
	return app
}
