// Package config loads the server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/whisper/chat-room/internal/store"
)

// Config holds all configuration for the server.
type Config struct {
	Env      string
	LogLevel string

	ListenAddr     string
	WorkerPoolSize int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	StoreDriver string // "sqlite" or "postgres"
	SQLitePath  string
	DatabaseURL string

	RedisAddr  string // empty disables presence mirroring and rate limiting
	NATSURL    string // empty disables the event feed
	ServerName string

	StaticDir       string
	RoomQueueSize   int
	FrameRateLimit  int
	FrameRateWindow time.Duration
}

// Load reads configuration from environment variables, loading a .env file
// first if one exists. Invalid numbers and durations fall back to their
// defaults.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		ListenAddr:     getEnv("LISTEN_ADDR", ":8080"),
		WorkerPoolSize: getInt("WORKER_POOL_SIZE", 256),
		MaxConnections: getInt("MAX_CONNECTIONS", 100000),
		ReadTimeout:    getDuration("READ_TIMEOUT", 10*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 10*time.Second),

		StoreDriver: getEnv("STORE_DRIVER", store.DriverSQLite),
		SQLitePath:  getEnv("SQLITE_PATH", "./data/chat.db"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		RedisAddr:  os.Getenv("REDIS_ADDR"),
		NATSURL:    os.Getenv("NATS_URL"),
		ServerName: getEnv("SERVER_NAME", hostname()),

		StaticDir:       getEnv("STATIC_DIR", "./web/static"),
		RoomQueueSize:   getInt("ROOM_QUEUE_SIZE", 256),
		FrameRateLimit:  getInt("FRAME_RATE_LIMIT", 20),
		FrameRateWindow: getDuration("FRAME_RATE_WINDOW", 10*time.Second),
	}
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case store.DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("config: SQLITE_PATH is required for the sqlite store")
		}
	case store.DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// StoreDSN returns the data source for the configured driver.
func (c *Config) StoreDSN() string {
	if c.StoreDriver == store.DriverPostgres {
		return c.DatabaseURL
	}
	return c.SQLitePath
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func hostname() string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "ws-1"
}
