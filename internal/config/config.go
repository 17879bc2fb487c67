// Package config loads per-binary settings from the environment. A .env file
// in the working directory, when present, is loaded first and never
// overrides variables that are already set.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// API configures cmd/api.
type API struct {
	ListenAddr     string        `env:"LISTEN_ADDR" envDefault:":3001"`
	DatabaseURL    string        `env:"DATABASE_URL"` // empty: in-memory store
	RedisAddr      string        `env:"REDIS_ADDR"`   // empty: no login throttling
	JWTSecret      string        `env:"JWT_SECRET,required"`
	TokenTTL       time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
}

// Gateway configures cmd/wsserver.
type Gateway struct {
	ListenAddr        string        `env:"LISTEN_ADDR" envDefault:":8080"`
	WorkerPoolSize    int           `env:"WORKER_POOL_SIZE" envDefault:"256"`
	MaxConnections    int           `env:"MAX_CONNECTIONS" envDefault:"100000"`
	ReadTimeout       time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	MaxFrameSize      int64         `env:"MAX_FRAME_SIZE" envDefault:"65536"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"10s"`
	JWTSecret         string        `env:"JWT_SECRET,required"`
	TokenTTL          time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
	RequireAuth       bool          `env:"REQUIRE_AUTH" envDefault:"true"`
	RedisAddr         string        `env:"REDIS_ADDR"` // empty: in-memory presence, no rate limits
	NATSURL           string        `env:"NATS_URL"`   // empty: in-process bus
	ServerName        string        `env:"SERVER_NAME"`
}

// Client configures cmd/chatclient.
type Client struct {
	APIURL    string `env:"API_URL" envDefault:"http://localhost:3001"`
	SocketURL string `env:"SOCKET_URL" envDefault:"ws://localhost:8080/ws"`
	TokenFile string `env:"TOKEN_FILE" envDefault:".parley-token"`
}

// Load reads an optional .env file and parses the environment into target.
func Load(target any) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: load .env: %w", err)
	}
	return ParseEnv(target)
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	return nil
}
