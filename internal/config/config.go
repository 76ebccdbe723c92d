// Package config loads server configuration from environment variables,
// with an optional .env file for development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	JWT      JWTConfig
	Relay    RelayConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type DatabaseConfig struct {
	// DSN is the postgres connection string. Empty means the in-memory
	// store is used instead (dev / tests).
	DSN string
}

type JWTConfig struct {
	Secret string
}

type RelayConfig struct {
	// IdleTimeout is how long a connection may stay silent (no heartbeat,
	// no client op) before it is reaped.
	IdleTimeout time.Duration

	// WriteTimeout bounds a single outbound websocket write.
	WriteTimeout time.Duration

	// SendBuffer is the per-connection outbox size. A subscriber that
	// falls this far behind is dropped.
	SendBuffer int
}

// Load reads configuration from the environment. A .env file is loaded
// first if present; missing file is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	port, err := strconv.Atoi(getEnv("SERVER_PORT", "8080"))
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}

	idle, err := time.ParseDuration(getEnv("RELAY_IDLE_TIMEOUT", "90s"))
	if err != nil {
		return nil, fmt.Errorf("invalid RELAY_IDLE_TIMEOUT: %w", err)
	}

	writeTimeout, err := time.ParseDuration(getEnv("RELAY_WRITE_TIMEOUT", "10s"))
	if err != nil {
		return nil, fmt.Errorf("invalid RELAY_WRITE_TIMEOUT: %w", err)
	}

	sendBuffer, err := strconv.Atoi(getEnv("RELAY_SEND_BUFFER", "64"))
	if err != nil {
		return nil, fmt.Errorf("invalid RELAY_SEND_BUFFER: %w", err)
	}

	secret := getEnv("JWT_SECRET", "")
	if secret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	return &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: port,
		},
		Database: DatabaseConfig{
			DSN: getEnv("DATABASE_DSN", ""),
		},
		JWT: JWTConfig{
			Secret: secret,
		},
		Relay: RelayConfig{
			IdleTimeout:  idle,
			WriteTimeout: writeTimeout,
			SendBuffer:   sendBuffer,
		},
	}, nil
}

// Addr returns the listen address, e.g. "0.0.0.0:8080".
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}
