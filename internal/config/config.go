package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marketroute/marketroute/internal/priority"
)

// ProviderConfig configures one provider within a segment.
type ProviderConfig struct {
	Rank           int     `yaml:"rank"`
	Weight         float64 `yaml:"weight"`
	HealthEndpoint string  `yaml:"health_endpoint"`
	BaseURL        string  `yaml:"base_url"`
}

// SegmentConfig lists the providers serving one market segment.
type SegmentConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold   int `yaml:"failure_threshold"`
	OpenTimeoutSeconds int `yaml:"open_timeout_seconds"`
	SuccessThreshold   int `yaml:"success_threshold"`
}

// RedisConfig points at the optional priority snapshot store.
type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
	Key  string `yaml:"key"`
}

// Config is the marketroute runtime configuration.
type Config struct {
	Mode                  string                   `yaml:"mode"`
	TickIntervalSeconds   int                      `yaml:"tick_interval_seconds"`
	DegradedFailoverAfter int                      `yaml:"degraded_failover_after"`
	Breaker               BreakerConfig            `yaml:"circuit_breaker"`
	Redis                 RedisConfig              `yaml:"redis"`
	MetricsAddr           string                   `yaml:"metrics_addr"`
	Segments              map[string]SegmentConfig `yaml:"segments"`
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return &c, nil
}

// Validate checks modes, ranks, and weights before any manager is touched.
func (c *Config) Validate() error {
	if c.Mode != "" {
		if _, err := priority.ParseMode(c.Mode); err != nil {
			return err
		}
	}
	if len(c.Segments) == 0 {
		return fmt.Errorf("at least one segment must be configured")
	}
	for seg, sc := range c.Segments {
		if len(sc.Providers) == 0 {
			return fmt.Errorf("segment %s has no providers", seg)
		}
		for name, pc := range sc.Providers {
			if pc.Rank < 1 {
				return fmt.Errorf("segment %s provider %s: rank must be >= 1, got %d", seg, name, pc.Rank)
			}
			if pc.Weight < 0 || pc.Weight > 1 {
				return fmt.Errorf("segment %s provider %s: weight must be in [0,1], got %.3f", seg, name, pc.Weight)
			}
		}
	}
	return nil
}

// TickInterval returns the monitoring cadence, defaulting to 5s.
func (c *Config) TickInterval() time.Duration {
	if c.TickIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// OpenTimeout returns the breaker open timeout, defaulting to 60s.
func (c *Config) OpenTimeout() time.Duration {
	if c.Breaker.OpenTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Breaker.OpenTimeoutSeconds) * time.Second
}

// SnapshotKey returns the redis key for priority snapshots.
func (c *Config) SnapshotKey() string {
	if c.Redis.Key == "" {
		return "marketroute:priorities"
	}
	return c.Redis.Key
}
