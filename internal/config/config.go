// Package config loads ingester configuration from YAML with defaults and
// environment-independent overlays.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meridianhq/meridian/internal/platform/cache"
	"github.com/meridianhq/meridian/internal/platform/storage"
	"github.com/meridianhq/meridian/internal/plugin"
	"github.com/meridianhq/meridian/internal/pool"
)

// KafkaConfig selects and locates the log sink.
type KafkaConfig struct {
	// Brokers is a comma-separated broker list.
	Brokers string `yaml:"brokers"`
	// ConsumerGroup names the intake consumer group.
	ConsumerGroup string `yaml:"consumer_group"`
	// LogSink selects the log sink for canonical events; when false the
	// relational row sink is used instead. The two are mutually exclusive
	// per deployment.
	LogSink bool `yaml:"log_sink"`
}

// PluginConfig wires the optional transform plugin.
type PluginConfig struct {
	// ID of the transform module to load; empty disables plugins.
	ID      string               `yaml:"id"`
	Runtime plugin.RuntimeConfig `yaml:"runtime"`
	Loader  plugin.LoaderConfig  `yaml:"loader"`
}

// Config is the full ingester configuration.
type Config struct {
	LogLevel     string         `yaml:"log_level"`
	Database     storage.Config `yaml:"database"`
	Redis        cache.Config   `yaml:"redis"`
	Kafka        KafkaConfig    `yaml:"kafka"`
	Pool         pool.Config    `yaml:"pool"`
	Plugin       PluginConfig   `yaml:"plugin"`
	TeamCacheTTL time.Duration  `yaml:"team_cache_ttl"`
	MetricsAddr  string         `yaml:"metrics_addr"`
}

// Default returns the local-development configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Database: storage.DefaultConfig(),
		Redis: cache.Config{
			Addr:      "localhost:6379",
			KeyPrefix: "meridian:",
		},
		Kafka: KafkaConfig{
			Brokers:       "localhost:9092",
			ConsumerGroup: "ingester",
			LogSink:       true,
		},
		Pool: pool.DefaultConfig(),
		Plugin: PluginConfig{
			Runtime: plugin.DefaultRuntimeConfig(),
		},
		TeamCacheTTL: 2 * time.Minute,
		MetricsAddr:  ":9090",
	}
}

// Load reads configuration from path over the defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	return cfg, nil
}
