// Package config provides configuration loading from environment variables.
package config

import (
	"log/slog"
	"time"
)

// Engine backends selectable with ENGINE.
const (
	EngineLocal  = "local"
	EngineDocker = "docker"
)

// ServiceConfig holds configuration for the prediction service.
type ServiceConfig struct {
	Port              string        `env:"PORT" envDefault:"6969"`
	MetricsPort       string        `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel          slog.Level    `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownDrainWait time.Duration `env:"SHUTDOWN_DRAIN_WAIT" envDefault:"0s"` // Time to wait for load balancer to drain (0 to skip)
	Engine            string        `env:"ENGINE" envDefault:"local"`           // "local" or "docker"
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() (*ServiceConfig, error) {
	cfg, err := Parse[ServiceConfig]()
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &cfg, nil
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.Port == "" {
		c.Port = "6969"
	}
	if c.MetricsPort == "" {
		c.MetricsPort = "9090"
	}
	if c.ShutdownDrainWait < 0 {
		c.ShutdownDrainWait = 0
	}
	if c.Engine != EngineDocker {
		c.Engine = EngineLocal
	}
	return c
}
