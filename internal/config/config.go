// Package config parses the henchman CLI configuration from environment
// variables using caarlos0/env/v11.
//
// Call [Load] once at startup. Command-line flags override the loaded values.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/glimte/henchman-go/internal/rabbitmq"
)

// Config holds the process configuration sourced from environment variables
type Config struct {
	// ── Broker ───────────────────────────────────────────────────────────────────
	AMQPURL  string `env:"AMQP_URL"  envDefault:"amqp://localhost/"`
	Prefetch int    `env:"PREFETCH"  envDefault:"1"`

	// ── Process ──────────────────────────────────────────────────────────────────
	MetricsAddr     string        `env:"METRICS_ADDR"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load parses and returns Config from the process environment
func Load() (*Config, error) {
	return load(env.Options{})
}

// LoadFrom parses Config from the given variables instead of the process environment
func LoadFrom(vars map[string]string) (*Config, error) {
	return load(env.Options{Environment: vars})
}

func load(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the broker URL and numeric bounds
func (c *Config) Validate() error {
	if _, err := rabbitmq.ParseURL(c.AMQPURL); err != nil {
		return err
	}
	if c.Prefetch < 0 {
		return fmt.Errorf("PREFETCH must not be negative, got %d", c.Prefetch)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive, got %s", c.ShutdownTimeout)
	}
	return nil
}

// String renders the config with the broker password masked
func (c *Config) String() string {
	return fmt.Sprintf("amqpURL=%s prefetch=%d metricsAddr=%q shutdownTimeout=%s logLevel=%s logFormat=%s",
		rabbitmq.SanitizeURL(c.AMQPURL), c.Prefetch, c.MetricsAddr, c.ShutdownTimeout, c.LogLevel, c.LogFormat)
}
