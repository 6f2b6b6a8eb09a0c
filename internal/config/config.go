// Package config loads service configuration from the environment.
package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds everything the service needs at startup.
type Config struct {
	// Event Socket connection
	ESLAddr     string `env:"ESL_ADDR" envDefault:"127.0.0.1:8021"`
	ESLPassword string `env:"ESL_PASSWORD" envDefault:"ClueCon"`

	// Persistence
	DatabasePath string `env:"DATABASE_PATH" envDefault:"switchboard.db"`

	// Recordings sweep
	RecordingsDir   string `env:"RECORDINGS_DIR" envDefault:"./recordings"`
	SyncIntervalSec int    `env:"SYNC_INTERVAL_SEC" envDefault:"30"`

	// Presence fan-out; disabled when REDIS_ADDR is empty
	RedisAddr       string `env:"REDIS_ADDR" envDefault:""`
	RedisPassword   string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB         int    `env:"REDIS_DB" envDefault:"0"`
	PresenceChannel string `env:"PRESENCE_CHANNEL" envDefault:"presence"`

	// Debug
	Verbose bool `env:"VERBOSE" envDefault:"false"`
}

// SyncInterval returns the recordings sweep cadence.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSec) * time.Second
}

// New loads configuration from environment variables into any given struct
// type. It uses generics to work with different config structs.
func New[T any]() (*T, error) {
	cfg := new(T)
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads the content of ENV_FILE (e.g. .env.local) into environment
// variables. A missing default .env file is not an error.
func LoadEnv() error {
	envfile := os.Getenv("ENV_FILE")

	if envfile == "" {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	return godotenv.Load(envfile)
}
