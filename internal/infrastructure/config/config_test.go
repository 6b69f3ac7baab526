package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
site:
  id: "test-site"
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
state_store:
  backend: redis
redis:
  addr: "127.0.0.1:6380"
engine:
  write_pending_delay: 1500
connectors:
  - identifier: shelly-1
    type: mqtt
    enabled: true
    base_topic: shellies
api:
  host: "0.0.0.0"
  port: 8080
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-site" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-site")
	}
	if cfg.StateStore.Backend != StateBackendRedis {
		t.Errorf("StateStore.Backend = %q, want %q", cfg.StateStore.Backend, StateBackendRedis)
	}
	if cfg.Redis.Addr != "127.0.0.1:6380" {
		t.Errorf("Redis.Addr = %q, want %q", cfg.Redis.Addr, "127.0.0.1:6380")
	}
	if got := cfg.Engine.WritePendingDuration(); got != 1500*time.Millisecond {
		t.Errorf("WritePendingDuration() = %v, want 1.5s", got)
	}
	// Defaults survive partial engine sections.
	if got := cfg.Engine.RepollDuration(); got != 120*time.Second {
		t.Errorf("RepollDuration() = %v, want 120s", got)
	}
	if len(cfg.Connectors) != 1 || cfg.Connectors[0].BaseTopic != "shellies" {
		t.Errorf("Connectors = %+v, want one shelly-1 connector", cfg.Connectors)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
site:
  id: ""
database:
  path: "/tmp/test.db"
api:
  port: 8080
`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Error("Load() expected validation error for empty site.id, got nil")
	}
}

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Connectors = []ConnectorConfig{{Identifier: "shelly-1", Type: "mqtt"}}
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing site ID", mutate: func(c *Config) { c.Site.ID = "" }, wantErr: "site.id"},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: "database.path"},
		{name: "invalid QoS", mutate: func(c *Config) { c.MQTT.QoS = 3 }, wantErr: "mqtt.qos"},
		{name: "invalid port low", mutate: func(c *Config) { c.API.Port = 0 }, wantErr: "api.port"},
		{name: "invalid port high", mutate: func(c *Config) { c.API.Port = 70000 }, wantErr: "api.port"},
		{name: "unknown backend", mutate: func(c *Config) { c.StateStore.Backend = "etcd" }, wantErr: "state_store.backend"},
		{
			name: "redis backend without addr",
			mutate: func(c *Config) {
				c.StateStore.Backend = StateBackendRedis
				c.Redis.Addr = ""
			},
			wantErr: "redis.addr",
		},
		{name: "zero write pending delay", mutate: func(c *Config) { c.Engine.WritePendingDelay = 0 }, wantErr: "write_pending_delay"},
		{name: "zero tick interval", mutate: func(c *Config) { c.Engine.TickInterval = 0 }, wantErr: "tick_interval"},
		{
			name: "duplicate connector",
			mutate: func(c *Config) {
				c.Connectors = append(c.Connectors, ConnectorConfig{Identifier: "shelly-1", Type: "mqtt"})
			},
			wantErr: "duplicated",
		},
		{
			name: "connector without type",
			mutate: func(c *Config) {
				c.Connectors = []ConnectorConfig{{Identifier: "tuya"}}
			},
			wantErr: "connectors[0].type",
		},
		{
			name:    "influx enabled without url",
			mutate:  func(c *Config) { c.InfluxDB.Enabled = true },
			wantErr: "influxdb.url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateReportsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Site.ID = ""
	cfg.API.Port = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() error = nil, want error")
	}
	for _, want := range []string{"site.id", "api.port"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error = %v, want it to mention %q", err, want)
		}
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("GRAYLOGIC_DATABASE_PATH", "/custom/path.db")
	t.Setenv("GRAYLOGIC_MQTT_HOST", "mqtt.example.com")
	t.Setenv("GRAYLOGIC_MQTT_PORT", "8883")
	t.Setenv("GRAYLOGIC_MQTT_USERNAME", "testuser")
	t.Setenv("GRAYLOGIC_MQTT_PASSWORD", "testpass")
	t.Setenv("GRAYLOGIC_REDIS_ADDR", "redis:6379")
	t.Setenv("GRAYLOGIC_STATE_BACKEND", "redis")
	t.Setenv("GRAYLOGIC_API_HOST", "192.168.1.1")
	t.Setenv("GRAYLOGIC_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("GRAYLOGIC_LOG_LEVEL", "debug")

	applyEnvOverrides(cfg)

	checks := []struct {
		field string
		got   string
		want  string
	}{
		{"Database.Path", cfg.Database.Path, "/custom/path.db"},
		{"MQTT.Broker.Host", cfg.MQTT.Broker.Host, "mqtt.example.com"},
		{"MQTT.Auth.Username", cfg.MQTT.Auth.Username, "testuser"},
		{"MQTT.Auth.Password", cfg.MQTT.Auth.Password, "testpass"},
		{"Redis.Addr", cfg.Redis.Addr, "redis:6379"},
		{"StateStore.Backend", cfg.StateStore.Backend, "redis"},
		{"API.Host", cfg.API.Host, "192.168.1.1"},
		{"InfluxDB.Token", cfg.InfluxDB.Token, "secret-token"},
		{"Logging.Level", cfg.Logging.Level, "debug"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.field, c.got, c.want)
		}
	}

	if cfg.MQTT.Broker.Port != 8883 {
		t.Errorf("MQTT.Broker.Port = %d, want 8883", cfg.MQTT.Broker.Port)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Site.ID == "" {
		t.Error("defaultConfig should have non-empty Site.ID")
	}
	if cfg.StateStore.Backend != StateBackendMemory {
		t.Errorf("defaultConfig StateStore.Backend = %q, want memory", cfg.StateStore.Backend)
	}
	if got := cfg.Engine.WritePendingDuration(); got != 2*time.Second {
		t.Errorf("defaultConfig WritePendingDuration() = %v, want 2s", got)
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaultConfig should validate, got %v", err)
	}
}
