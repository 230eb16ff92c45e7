package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	Port              int    `env:"PORT" envDefault:"8080"`
	StoreDriver       string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL       string `env:"DATABASE_URL"`
	RedisURL          string `env:"REDIS_URL"`
	PendingTTLSeconds int    `env:"PENDING_TTL_SECONDS" envDefault:"600"`
	PinTTLSeconds     int    `env:"PIN_TTL_SECONDS" envDefault:"300"`
	MaxContentBytes   int    `env:"MAX_CONTENT_BYTES" envDefault:"65536"`
	PinAttemptsPerMin int    `env:"PIN_ATTEMPTS_PER_MIN" envDefault:"10"`
	PublicBaseURL     string `env:"PUBLIC_BASE_URL" envDefault:""`
	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`
	Production        bool   `env:"PRODUCTION" envDefault:"false"`
}

// IsProduction also treats a Fly.io deployment as production.
func (c *Config) IsProduction() bool {
	return c.Production || os.Getenv("FLY_APP_NAME") != ""
}

func (c *Config) PendingTTL() time.Duration {
	return time.Duration(c.PendingTTLSeconds) * time.Second
}

func (c *Config) PinTTL() time.Duration {
	return time.Duration(c.PinTTLSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) UsesMemoryStore() bool {
	return c.StoreDriver == StoreDriverMemory
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required when STORE_DRIVER=postgres")
		}
	case StoreDriverMemory:
		log.Warn().Msg("STORE_DRIVER=memory: connections and content are lost on restart")
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q (expected %s or %s)", c.StoreDriver, StoreDriverPostgres, StoreDriverMemory)
	}

	if c.PendingTTLSeconds <= 0 {
		return errors.New("PENDING_TTL_SECONDS must be positive")
	}
	if c.PinTTLSeconds <= 0 {
		return errors.New("PIN_TTL_SECONDS must be positive")
	}
	if c.MaxContentBytes <= 0 {
		return errors.New("MAX_CONTENT_BYTES must be positive")
	}

	if c.RedisURL != "" && strings.HasPrefix(c.RedisURL, "redis://") && c.IsProduction() {
		log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
	}

	return nil
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
