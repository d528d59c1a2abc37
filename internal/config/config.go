// Package config provides configuration for the vitalmesh engine. Settings
// come from environment variables with the VITALMESH_ prefix, with sensible
// defaults for every option; an optional YAML file can overlay the
// environment when operators prefer file-based deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all settings for the vitalmesh engine and its host binary.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Insight   InsightConfig   `yaml:"insight"`
	Network   NetworkConfig   `yaml:"network"`
	Redis     RedisConfig     `yaml:"redis"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig contains the HTTP listener used for metrics and the
// notification WebSocket endpoint.
type ServerConfig struct {
	Host string `yaml:"host"` // default: 127.0.0.1
	Port int    `yaml:"port"` // default: 7480
}

// StorageConfig selects and configures the persistence collaborator.
type StorageConfig struct {
	Engine      string `yaml:"engine"`       // "postgres" or "sqlite" (default: sqlite)
	PostgresDSN string `yaml:"postgres_dsn"` // lib/pq connection string
	SQLitePath  string `yaml:"sqlite_path"`  // default: ./data/vitalmesh.db
}

// PipelineConfig tunes the ingestion router.
type PipelineConfig struct {
	QueueSize       int           `yaml:"queue_size"`       // per-entity inbound channel depth (default: 256)
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // drain deadline on Close (default: 10s)
	StoreTimeout    time.Duration `yaml:"store_timeout"`    // per persistence call (default: 3s)
}

// InsightConfig tunes the trend and insight generator.
type InsightConfig struct {
	MinInterval   time.Duration `yaml:"min_interval"`   // per-entity emission floor (default: 5m)
	WindowSize    int           `yaml:"window_size"`    // samples kept per vital (default: 50)
	MaxEntities   int           `yaml:"max_entities"`   // LRU cap on tracked entities (default: 4096)
}

// NetworkConfig tunes the network health model feed.
type NetworkConfig struct {
	SyncInterval time.Duration `yaml:"sync_interval"` // snapshot → model cadence (default: 30s)
	HistorySize  int           `yaml:"history_size"`  // state vectors kept per entity (default: 20)
	MaxEntities  int           `yaml:"max_entities"`  // LRU cap on modeled entities (default: 4096)
}

// RedisConfig configures the optional Redis Streams reading source.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`     // default: localhost:6379
	Stream   string `yaml:"stream"`   // default: vitalmesh:readings
	Group    string `yaml:"group"`    // default: vitalmesh
	Consumer string `yaml:"consumer"` // default: hostname
}

// MQTTConfig configures the optional MQTT reading source.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"` // default: tcp://localhost:1883
	Topic    string `yaml:"topic"`  // default: vitalmesh/readings/#
	ClientID string `yaml:"client_id"`
}

// LogConfig selects the zap configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error (default: info)
	Format string `yaml:"format"` // "json" or "console" (default: json)
}

// Load builds configuration from environment variables with defaults. If
// VITALMESH_CONFIG_FILE is set, that YAML file overlays the result.
func Load() (*Config, error) {
	cfg := buildBaseConfig()

	if path := os.Getenv("VITALMESH_CONFIG_FILE"); path != "" {
		if err := overlayFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail deep inside the engine.
func (c *Config) Validate() error {
	switch c.Storage.Engine {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.Engine)
	}
	if c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("config: pipeline queue size must be positive, got %d", c.Pipeline.QueueSize)
	}
	if c.Insight.MinInterval <= 0 {
		return fmt.Errorf("config: insight min interval must be positive, got %s", c.Insight.MinInterval)
	}
	if c.Insight.WindowSize < 3 {
		return fmt.Errorf("config: insight window size must be at least 3, got %d", c.Insight.WindowSize)
	}
	return nil
}

// overlayFile applies YAML settings on top of the env-derived config.
func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func buildBaseConfig() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "vitalmesh"
	}

	return &Config{
		Server: ServerConfig{
			Host: getEnv("VITALMESH_HOST", "127.0.0.1"),
			Port: getEnvInt("VITALMESH_PORT", 7480),
		},
		Storage: StorageConfig{
			Engine:      getEnv("VITALMESH_STORAGE_ENGINE", "sqlite"),
			PostgresDSN: getEnv("VITALMESH_POSTGRES_DSN", ""),
			SQLitePath:  getEnv("VITALMESH_SQLITE_PATH", "./data/vitalmesh.db"),
		},
		Pipeline: PipelineConfig{
			QueueSize:       getEnvInt("VITALMESH_QUEUE_SIZE", 256),
			ShutdownTimeout: getEnvDuration("VITALMESH_SHUTDOWN_TIMEOUT", 10*time.Second),
			StoreTimeout:    getEnvDuration("VITALMESH_STORE_TIMEOUT", 3*time.Second),
		},
		Insight: InsightConfig{
			MinInterval: getEnvDuration("VITALMESH_INSIGHT_INTERVAL", 5*time.Minute),
			WindowSize:  getEnvInt("VITALMESH_INSIGHT_WINDOW", 50),
			MaxEntities: getEnvInt("VITALMESH_INSIGHT_MAX_ENTITIES", 4096),
		},
		Network: NetworkConfig{
			SyncInterval: getEnvDuration("VITALMESH_NETWORK_SYNC_INTERVAL", 30*time.Second),
			HistorySize:  getEnvInt("VITALMESH_NETWORK_HISTORY", 20),
			MaxEntities:  getEnvInt("VITALMESH_NETWORK_MAX_ENTITIES", 4096),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("VITALMESH_REDIS_ENABLED", false),
			Addr:     getEnv("VITALMESH_REDIS_ADDR", "localhost:6379"),
			Stream:   getEnv("VITALMESH_REDIS_STREAM", "vitalmesh:readings"),
			Group:    getEnv("VITALMESH_REDIS_GROUP", "vitalmesh"),
			Consumer: getEnv("VITALMESH_REDIS_CONSUMER", hostname),
		},
		MQTT: MQTTConfig{
			Enabled:  getEnvBool("VITALMESH_MQTT_ENABLED", false),
			Broker:   getEnv("VITALMESH_MQTT_BROKER", "tcp://localhost:1883"),
			Topic:    getEnv("VITALMESH_MQTT_TOPIC", "vitalmesh/readings/#"),
			ClientID: getEnv("VITALMESH_MQTT_CLIENT_ID", hostname),
		},
		Log: LogConfig{
			Level:  getEnv("VITALMESH_LOG_LEVEL", "info"),
			Format: getEnv("VITALMESH_LOG_FORMAT", "json"),
		},
	}
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value when unset or unparseable.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (Go syntax,
// e.g. "30s", "5m") or returns a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
