// Package config assembles the application configuration from an optional
// .env file, an optional YAML file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/realtime-chat/middleware/ratelimit"
	"github.com/example/realtime-chat/modules/auth"
	"github.com/example/realtime-chat/modules/chat"
	"github.com/example/realtime-chat/modules/gateway"
	"github.com/example/realtime-chat/modules/store"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FileEnv names the environment variable holding the YAML config path.
const FileEnv = "CHAT_CONFIG_FILE"

// Config is the full application configuration.
type Config struct {
	Server struct {
		Port         string        `yaml:"port"`
		AllowOrigins string        `yaml:"allow_origins"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		IdleTimeout  time.Duration `yaml:"idle_timeout"`
	} `yaml:"server"`

	WebSocket struct {
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongWait       time.Duration `yaml:"pong_wait"`
		WriteWait      time.Duration `yaml:"write_wait"`
		MaxMessageSize int64         `yaml:"max_message_size"`
	} `yaml:"websocket"`

	Storage struct {
		DBPath       string        `yaml:"db_path"`
		CallTimeout  time.Duration `yaml:"call_timeout"`
		RetryBackoff time.Duration `yaml:"retry_backoff"`
	} `yaml:"storage"`

	Redis struct {
		Addr        string        `yaml:"addr"`
		Password    string        `yaml:"password"`
		DB          int           `yaml:"db"`
		CachePrefix string        `yaml:"cache_prefix"`
		CacheTTL    time.Duration `yaml:"cache_ttl"`
	} `yaml:"redis"`

	Auth auth.JWTConfig `yaml:"auth"`

	Chat struct {
		AuthTimeout      time.Duration          `yaml:"auth_timeout"`
		OfflineGrace     time.Duration          `yaml:"offline_grace"`
		TypingTimeout    time.Duration          `yaml:"typing_timeout"`
		SendQueueSize    int                    `yaml:"send_queue_size"`
		MaxContentLength int                    `yaml:"max_content_length"`
		BackfillLimit    int                    `yaml:"backfill_limit"`
		MessageRate      ratelimit.ServiceLimit `yaml:"message_rate"`
		TypingRate       ratelimit.ServiceLimit `yaml:"typing_rate"`
	} `yaml:"chat"`

	RateLimit struct {
		DefaultLimit  int                               `yaml:"default_limit"`
		DefaultWindow time.Duration                     `yaml:"default_window"`
		Services      map[string]ratelimit.ServiceLimit `yaml:"services"`

		// API limits REST requests per user at the gateway.
		API ratelimit.ServiceLimit `yaml:"api"`
	} `yaml:"rate_limit"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config

	gw := gateway.DefaultConfig()
	cfg.Server.Port = gw.Port
	cfg.Server.AllowOrigins = gw.AllowOrigins
	cfg.Server.ReadTimeout = gw.ReadTimeout
	cfg.Server.WriteTimeout = gw.WriteTimeout
	cfg.Server.IdleTimeout = gw.IdleTimeout
	cfg.WebSocket.PingInterval = gw.PingInterval
	cfg.WebSocket.PongWait = gw.PongWait
	cfg.WebSocket.WriteWait = gw.WriteWait
	cfg.WebSocket.MaxMessageSize = gw.MaxMessageSize
	cfg.RateLimit.API = ratelimit.ServiceLimit{Limit: gw.APIRateLimit, Window: gw.APIRateWindow}

	mod := chat.DefaultModuleConfig()
	cfg.Storage.DBPath = mod.DBPath
	cfg.Storage.CallTimeout = mod.Store.CallTimeout
	cfg.Storage.RetryBackoff = mod.Store.RetryBackoff
	cfg.Redis.CachePrefix = mod.CachePrefix
	cfg.Redis.CacheTTL = mod.CacheTTL

	cfg.Auth = auth.DefaultJWTConfig()

	core := chat.DefaultConfig()
	cfg.Chat.AuthTimeout = core.AuthTimeout
	cfg.Chat.OfflineGrace = core.OfflineGrace
	cfg.Chat.TypingTimeout = core.TypingTimeout
	cfg.Chat.SendQueueSize = core.SendQueueSize
	cfg.Chat.MaxContentLength = core.MaxContentLength
	cfg.Chat.BackfillLimit = core.BackfillLimit
	cfg.Chat.MessageRate = core.MessageRate
	cfg.Chat.TypingRate = core.TypingRate

	rl := ratelimit.DefaultConfig()
	cfg.RateLimit.DefaultLimit = rl.DefaultLimit
	cfg.RateLimit.DefaultWindow = rl.DefaultWindow
	cfg.RateLimit.Services = map[string]ratelimit.ServiceLimit{
		chat.ServiceCreateRoom:  {Limit: 20, Window: time.Minute},
		chat.ServiceSendMessage: {Limit: 60, Window: time.Minute},
	}

	cfg.Logging.Level = "info"
	return &cfg
}

// Load reads .env (when present), then the YAML file named by CHAT_CONFIG_FILE,
// then environment overrides.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return LoadFile(os.Getenv(FileEnv))
}

// LoadFile builds the configuration from defaults, the YAML file at path (if
// path is not empty) and environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("PORT", &c.Server.Port)
	str("CORS_ALLOW_ORIGINS", &c.Server.AllowOrigins)
	str("CHAT_DB_PATH", &c.Storage.DBPath)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	num("REDIS_DB", &c.Redis.DB)
	str("JWT_SECRET_KEY", &c.Auth.SecretKey)
	str("JWT_ISSUER", &c.Auth.Issuer)
	dur("JWT_TOKEN_TTL", &c.Auth.AccessTokenDuration)
	dur("AUTH_TIMEOUT", &c.Chat.AuthTimeout)
	dur("PRESENCE_OFFLINE_GRACE", &c.Chat.OfflineGrace)
	dur("TYPING_TIMEOUT", &c.Chat.TypingTimeout)
	num("MAX_CONTENT_LENGTH", &c.Chat.MaxContentLength)
	num("BACKFILL_LIMIT", &c.Chat.BackfillLimit)
	str("LOG_LEVEL", &c.Logging.Level)

	return errors.Join(errs...)
}

// Validate reports settings the application cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		errs = append(errs, fmt.Errorf("server.port %q is not a number", c.Server.Port))
	}
	if c.Storage.DBPath == "" {
		errs = append(errs, errors.New("storage.db_path is required"))
	}
	if c.Auth.SecretKey == "" {
		errs = append(errs, errors.New("auth.secret_key is required"))
	}
	if c.Chat.OfflineGrace < 0 || c.Chat.AuthTimeout < 0 || c.Chat.TypingTimeout < 0 {
		errs = append(errs, errors.New("chat timeouts must not be negative"))
	}
	if c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		errs = append(errs, fmt.Errorf("websocket.ping_interval (%s) must be shorter than pong_wait (%s)",
			c.WebSocket.PingInterval, c.WebSocket.PongWait))
	}
	if c.RateLimit.DefaultLimit <= 0 || c.RateLimit.DefaultWindow <= 0 {
		errs = append(errs, errors.New("rate_limit default limit and window must be positive"))
	}
	return errors.Join(errs...)
}

// UsesDefaultSecret reports whether the JWT secret was left at its default.
func (c *Config) UsesDefaultSecret() bool {
	return c.Auth.SecretKey == auth.DefaultJWTConfig().SecretKey
}

// JWT returns the auth module configuration.
func (c *Config) JWT() auth.JWTConfig {
	return c.Auth
}

// ChatModule returns the chat module configuration.
func (c *Config) ChatModule() chat.ModuleConfig {
	mod := chat.DefaultModuleConfig()
	mod.DBPath = c.Storage.DBPath
	mod.RedisAddr = c.Redis.Addr
	mod.RedisPassword = c.Redis.Password
	mod.RedisDB = c.Redis.DB
	mod.CachePrefix = c.Redis.CachePrefix
	mod.CacheTTL = c.Redis.CacheTTL
	mod.Store = store.Config{
		CallTimeout:  c.Storage.CallTimeout,
		RetryBackoff: c.Storage.RetryBackoff,
	}
	mod.Core = chat.Config{
		AuthTimeout:      c.Chat.AuthTimeout,
		OfflineGrace:     c.Chat.OfflineGrace,
		TypingTimeout:    c.Chat.TypingTimeout,
		SendQueueSize:    c.Chat.SendQueueSize,
		MaxContentLength: c.Chat.MaxContentLength,
		BackfillLimit:    c.Chat.BackfillLimit,
		MessageRate:      c.Chat.MessageRate,
		TypingRate:       c.Chat.TypingRate,
	}
	return mod
}

// Gateway returns the gateway module configuration.
func (c *Config) Gateway() gateway.Config {
	return gateway.Config{
		Port:           c.Server.Port,
		AllowOrigins:   c.Server.AllowOrigins,
		ReadTimeout:    c.Server.ReadTimeout,
		WriteTimeout:   c.Server.WriteTimeout,
		IdleTimeout:    c.Server.IdleTimeout,
		PingInterval:   c.WebSocket.PingInterval,
		PongWait:       c.WebSocket.PongWait,
		WriteWait:      c.WebSocket.WriteWait,
		MaxMessageSize: c.WebSocket.MaxMessageSize,
		APIRateLimit:   c.RateLimit.API.Limit,
		APIRateWindow:  c.RateLimit.API.Window,
		RedisAddr:      c.Redis.Addr,
		RedisPassword:  c.Redis.Password,
		RedisDB:        c.Redis.DB,
	}
}

// RateLimitOptions returns the options for the rate limiting middleware. Chat
// requests are keyed by their user_id field. Without Redis the limiter runs
// in-process.
func (c *Config) RateLimitOptions() []ratelimit.Option {
	opts := []ratelimit.Option{
		ratelimit.WithDefaultLimit(c.RateLimit.DefaultLimit, c.RateLimit.DefaultWindow),
	}
	if c.Redis.Addr != "" {
		opts = append(opts,
			ratelimit.WithRedisAddr(c.Redis.Addr),
			ratelimit.WithRedisPassword(c.Redis.Password),
			ratelimit.WithRedisDB(c.Redis.DB),
		)
	}
	for name, limit := range c.RateLimit.Services {
		opts = append(opts, ratelimit.WithServiceLimit(name, limit.Limit, limit.Window))
	}
	return opts
}
