package gateway

import (
	"fmt"
	"net"
	"strconv"
	"time"

	domain "github.com/example/realtime-chat/domain/chat"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	fiberredis "github.com/gofiber/storage/redis/v3"
)

// apiLimiter limits /api/v1 requests per authenticated user with a sliding
// window. Counters live in m.storage, or in process memory when it is nil.
func (m *GatewayModule) apiLimiter() fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        m.config.APIRateLimit,
		Expiration: m.config.APIRateWindow,
		KeyGenerator: func(c *fiber.Ctx) string {
			if id := currentUser(c); id != nil {
				return "gateway:api:" + id.UserID
			}
			return "gateway:ip:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return respondError(c, domain.ErrRateLimited)
		},
		Storage:           m.storage,
		LimiterMiddleware: limiter.SlidingWindow{},
	})
}

// newRedisStorage connects the limiter storage to Redis. The storage panics
// when Redis is unreachable, so reachability is checked first.
func newRedisStorage(addr, password string, db int) (*fiberredis.Storage, error) {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("redis not reachable at %s: %w", addr, err)
	}
	_ = conn.Close()

	host, port := parseRedisAddr(addr)
	return fiberredis.New(fiberredis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: db,
		PoolSize: 10,
	}), nil
}

func parseRedisAddr(addr string) (string, int) {
	const defaultHost = "127.0.0.1"
	const defaultPort = 6379

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return defaultHost, defaultPort
	}
	if host == "" {
		host = defaultHost
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = defaultPort
	}
	return host, port
}
