// Package config loads server configuration from the environment. Every
// setting has a production default; malformed numeric or duration values are
// ignored so a typo never takes a node down.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	RegistryMemory = "memory"
	RegistryRedis  = "redis"

	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// Config is the full server configuration.
type Config struct {
	ListenAddr     string
	WorkerPoolSize int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	TrustProxy     bool // client IP from X-Forwarded-For

	ClientURL   string // allowed CORS / WebSocket origin
	JWTSecret   string
	JWTCookie   string
	AdminUserID string

	RegistryBackend string
	RedisAddr       string
	NATSURL         string
	ServerName      string

	StoreDriver   string
	DatabaseURL   string
	MongoURI      string
	MongoDatabase string

	TelegramToken  string
	TelegramChatID string

	LogLevel  string
	LogFormat string
}

// Default returns a Config with sensible production defaults.
func Default() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "ws-1"
	}
	return Config{
		ListenAddr:      ":8080",
		WorkerPoolSize:  256,
		MaxConnections:  100000,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ClientURL:       "http://localhost:5173",
		JWTCookie:       "jwt",
		RegistryBackend: RegistryMemory,
		RedisAddr:       "localhost:6379",
		ServerName:      host,
		StoreDriver:     StorePostgres,
		DatabaseURL:     "postgres://localhost:5432/chat?sslmode=disable",
		MongoURI:        "mongodb://localhost:27017",
		MongoDatabase:   "chat",
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

// Load reads the environment on top of Default.
func Load() Config {
	return load(os.Getenv)
}

func load(getenv func(string) string) Config {
	c := Default()

	setString(getenv, "LISTEN_ADDR", &c.ListenAddr)
	setInt(getenv, "WORKER_POOL_SIZE", &c.WorkerPoolSize)
	setInt(getenv, "MAX_CONNECTIONS", &c.MaxConnections)
	setDuration(getenv, "READ_TIMEOUT", &c.ReadTimeout)
	setDuration(getenv, "WRITE_TIMEOUT", &c.WriteTimeout)
	setBool(getenv, "TRUST_PROXY", &c.TrustProxy)

	setString(getenv, "CLIENT_URL", &c.ClientURL)
	setString(getenv, "JWT_SECRET", &c.JWTSecret)
	setString(getenv, "JWT_COOKIE", &c.JWTCookie)
	setString(getenv, "ADMIN_USER_ID", &c.AdminUserID)

	setString(getenv, "REGISTRY_BACKEND", &c.RegistryBackend)
	setString(getenv, "REDIS_ADDR", &c.RedisAddr)
	setString(getenv, "NATS_URL", &c.NATSURL)
	setString(getenv, "SERVER_NAME", &c.ServerName)

	setString(getenv, "STORE_DRIVER", &c.StoreDriver)
	setString(getenv, "DATABASE_URL", &c.DatabaseURL)
	setString(getenv, "MONGO_URI", &c.MongoURI)
	setString(getenv, "MONGO_DATABASE", &c.MongoDatabase)

	setString(getenv, "TELEGRAM_BOT_TOKEN", &c.TelegramToken)
	setString(getenv, "TELEGRAM_CHAT_ID", &c.TelegramChatID)

	setString(getenv, "LOG_LEVEL", &c.LogLevel)
	setString(getenv, "LOG_FORMAT", &c.LogFormat)
	return c
}

// Validate reports configuration that would leave the server unable to
// authenticate connections or reach its backends.
func (c Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	switch c.RegistryBackend {
	case RegistryMemory, RegistryRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown REGISTRY_BACKEND %q", c.RegistryBackend))
	}
	switch c.StoreDriver {
	case StorePostgres, StoreMongo:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if c.ServerName == "" {
		errs = append(errs, errors.New("SERVER_NAME must not be empty"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func setString(getenv func(string) string, key string, dst *string) {
	if v := getenv(key); v != "" {
		*dst = v
	}
}

func setInt(getenv func(string) string, key string, dst *int) {
	if v := getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func setDuration(getenv func(string) string, key string, dst *time.Duration) {
	if v := getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setBool(getenv func(string) string, key string, dst *bool) {
	if v := getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
