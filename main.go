package main

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	"github.com/example/realtime-chat/config"
	"github.com/example/realtime-chat/middleware/ratelimit"
	"github.com/example/realtime-chat/modules/analytics"
	"github.com/example/realtime-chat/modules/auth"
	"github.com/example/realtime-chat/modules/chat"
	"github.com/example/realtime-chat/modules/gateway"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/go-monolith/mono"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log.Println("=== Realtime Chat - Fiber + WebSocket + EventBus ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logLevel := mono.LogLevelInfo
	if strings.EqualFold(cfg.Logging.Level, "error") {
		logLevel = mono.LogLevelError
	}

	app, err := mono.NewMonoApplication(
		mono.WithShutdownTimeout(shutdownTimeout),
		mono.WithLogLevel(logLevel),
		mono.WithLogFormat(mono.LogFormatText),
	)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}
	logger := app.Logger()

	// Rate limiting wraps every request-reply service and also limits
	// websocket commands through the chat core.
	rateLimitMiddleware, err := ratelimit.New(cfg.RateLimitOptions()...)
	if err != nil {
		log.Fatalf("Failed to create rate limiting middleware: %v", err)
	}

	authModule := auth.NewModule(cfg.JWT())
	chatModule := chat.NewModule(cfg.ChatModule(), logger)
	analyticsModule := analytics.NewModule(logger)
	gatewayModule := gateway.NewModule(cfg.Gateway(), logger)

	// The gateway drives websocket connections straight into the chat core,
	// which is not exposed through the service container.
	chatModule.SetRateLimiter(rateLimitMiddleware)
	gatewayModule.SetCoreSource(chatModule)

	// Middleware must be registered before the modules whose services it wraps.
	app.Register(rateLimitMiddleware)
	app.Register(authModule)      // Token verification service
	app.Register(chatModule)      // Chat core, services and domain events
	app.Register(analyticsModule) // Event consumer and stats services
	app.Register(gatewayModule)   // HTTP, WebSocket and metrics

	if err := app.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	if cfg.UsesDefaultSecret() {
		logger.Warn("JWT secret is the built-in default; set JWT_SECRET_KEY in production")
		if token, err := authModule.JWT().GenerateAccessToken("dev-user", "dev"); err == nil {
			logger.Info("Development token issued", "user_id", "dev-user", "token", token)
		}
	}

	printStartupInfo(cfg)

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"mono-app": func(ctx context.Context) error {
				log.Println("Graceful shutdown initiated...")
				return app.Stop(ctx)
			},
		},
	)

	exitCode := <-wait
	log.Printf("Application exited with code: %d", exitCode)
	os.Exit(exitCode)
}

func printStartupInfo(cfg *config.Config) {
	port := cfg.Server.Port
	redis := cfg.Redis.Addr
	if redis == "" {
		redis = "disabled (in-process rate limiting, no profile cache)"
	}

	log.Println("")
	log.Println("Application started successfully!")
	log.Println("")
	log.Println("Configuration:")
	log.Printf("  - Database: %s", cfg.Storage.DBPath)
	log.Printf("  - Redis: %s", redis)
	log.Printf("  - Auth timeout: %s, offline grace: %s", cfg.Chat.AuthTimeout, cfg.Chat.OfflineGrace)
	log.Println("")
	log.Printf("REST API Endpoints (http://localhost:%s), Authorization: Bearer <jwt>:", port)
	log.Println("  GET    /health                         - Health check")
	log.Println("  GET    /metrics                        - Prometheus metrics")
	log.Println("  GET    /api/v1/rooms                   - List your rooms")
	log.Println("  POST   /api/v1/rooms                   - Create a room")
	log.Println("  GET    /api/v1/rooms/:id               - Room details and members")
	log.Println("  PUT    /api/v1/rooms/:id               - Update room settings")
	log.Println("  DELETE /api/v1/rooms/:id               - Delete a room and its history")
	log.Println("  POST   /api/v1/rooms/:id/members       - Add a member")
	log.Println("  DELETE /api/v1/rooms/:id/members/:uid  - Remove a member (or leave)")
	log.Println("  PUT    /api/v1/rooms/:id/members/:uid  - Change a member's role")
	log.Println("  POST   /api/v1/rooms/:id/owner         - Transfer ownership")
	log.Println("  GET    /api/v1/rooms/:id/messages      - Message history (?before=&limit=)")
	log.Println("  POST   /api/v1/rooms/:id/messages      - Send a message")
	log.Println("  GET    /api/v1/rooms/:id/stats         - Room activity statistics")
	log.Println("  GET    /api/v1/messages/:id            - A message with its reactions")
	log.Println("  GET    /api/v1/users/:id/presence      - User presence")
	log.Println("  GET    /api/v1/stats/summary           - Global chat counters")
	log.Println("  GET    /api/v1/activity                - Recent activity in your rooms (?limit=)")
	log.Println("")
	log.Printf("WebSocket Endpoint (ws://localhost:%s/ws):", port)
	log.Println(`  First frame: {"type":"authenticate","data":{"token":"<jwt>"}}`)
	log.Println("  Commands: room:join, room:leave, message:send, message:delivered, message:read,")
	log.Println("            message:react, typing:start, typing:stop, sync, ping")
	log.Println("")
	log.Println("Press Ctrl+C to shutdown gracefully")
}
