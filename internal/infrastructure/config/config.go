package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Gray Logic hub.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site       SiteConfig        `yaml:"site"`
	Database   DatabaseConfig    `yaml:"database"`
	MQTT       MQTTConfig        `yaml:"mqtt"`
	Redis      RedisConfig       `yaml:"redis"`
	StateStore StateStoreConfig  `yaml:"state_store"`
	Engine     EngineConfig      `yaml:"engine"`
	Connectors []ConnectorConfig `yaml:"connectors"`
	API        APIConfig         `yaml:"api"`
	WebSocket  WebSocketConfig   `yaml:"websocket"`
	InfluxDB   InfluxDBConfig    `yaml:"influxdb"`
	Logging    LoggingConfig     `yaml:"logging"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// RedisConfig contains Redis connection settings used by the redis state store.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// StateStoreConfig selects the property state store backend.
type StateStoreConfig struct {
	// Backend is "memory" or "redis".
	Backend string `yaml:"backend"`
}

// EngineConfig contains reconciliation engine timings.
type EngineConfig struct {
	QueueSize int `yaml:"queue_size"`

	// TickInterval is the per-connector poll/write loop period in milliseconds.
	TickInterval int `yaml:"tick_interval"`

	// WritePendingDelay is how long (ms) an attempted write is treated as in flight.
	WritePendingDelay int `yaml:"write_pending_delay"`

	// RepollDelay is the minimum time (seconds) between two state reads of one device.
	RepollDelay int `yaml:"repoll_delay"`

	// TrackerTTL bounds how long (seconds) a device or command stays in the
	// scheduler's processed trackers.
	TrackerTTL int `yaml:"tracker_ttl"`
}

// ConnectorConfig declares one connector instance run by the hub.
type ConnectorConfig struct {
	Identifier string `yaml:"identifier"`
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Enabled    bool   `yaml:"enabled"`

	// BaseTopic is the MQTT topic root for mqtt-type connectors.
	BaseTopic string `yaml:"base_topic"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// State store backends.
const (
	StateBackendMemory = "memory"
	StateBackendRedis  = "redis"
)

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. A .env file in the working directory, if present
//  4. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_DATABASE_PATH, GRAYLOGIC_REDIS_ADDR
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Gray Logic",
		},
		Database: DatabaseConfig{
			Path:        "./data/graylogic-hub.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-hub",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "graylogic",
		},
		StateStore: StateStoreConfig{
			Backend: StateBackendMemory,
		},
		Engine: EngineConfig{
			QueueSize:         1024,
			TickInterval:      500,
			WritePendingDelay: 2000,
			RepollDelay:       120,
			TrackerTTL:        30,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GRAYLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Redis
	if v := os.Getenv("GRAYLOGIC_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("GRAYLOGIC_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("GRAYLOGIC_STATE_BACKEND"); v != "" {
		cfg.StateStore.Backend = v
	}

	if v := os.Getenv("GRAYLOGIC_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("GRAYLOGIC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	switch c.StateStore.Backend {
	case StateBackendMemory:
	case StateBackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, "redis.addr is required when state_store.backend is redis")
		}
	default:
		errs = append(errs, fmt.Sprintf("state_store.backend %q must be memory or redis", c.StateStore.Backend))
	}

	if c.Engine.TickInterval <= 0 {
		errs = append(errs, "engine.tick_interval must be positive")
	}
	if c.Engine.WritePendingDelay <= 0 {
		errs = append(errs, "engine.write_pending_delay must be positive")
	}
	if c.Engine.QueueSize <= 0 {
		errs = append(errs, "engine.queue_size must be positive")
	}

	seen := make(map[string]bool, len(c.Connectors))
	for i, conn := range c.Connectors {
		if conn.Identifier == "" {
			errs = append(errs, fmt.Sprintf("connectors[%d].identifier is required", i))
			continue
		}
		if seen[conn.Identifier] {
			errs = append(errs, fmt.Sprintf("connectors[%d].identifier %q is duplicated", i, conn.Identifier))
		}
		seen[conn.Identifier] = true
		if conn.Type == "" {
			errs = append(errs, fmt.Sprintf("connectors[%d].type is required", i))
		}
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return errors.New("configuration errors: " + strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// TickDuration returns the connector loop period.
func (e EngineConfig) TickDuration() time.Duration {
	return time.Duration(e.TickInterval) * time.Millisecond
}

// WritePendingDuration returns the write debounce window.
func (e EngineConfig) WritePendingDuration() time.Duration {
	return time.Duration(e.WritePendingDelay) * time.Millisecond
}

// RepollDuration returns the minimum delay between two reads of one device.
func (e EngineConfig) RepollDuration() time.Duration {
	return time.Duration(e.RepollDelay) * time.Second
}

// TrackerDuration returns the TTL of scheduler tracker entries.
func (e EngineConfig) TrackerDuration() time.Duration {
	return time.Duration(e.TrackerTTL) * time.Second
}
