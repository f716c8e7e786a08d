// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing and defaults

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_ValidConfig(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

redis:
  enabled: true
  addr: "localhost:6379"
  db: 2

delegates:
  heartbeat_interval: "30s"
  expiry_interval: "10m"
  capability_selection: true
  track_capabilities: true

tasks:
  critical_limit: 10
  important_limit: 20
  optional_limit: 30
  validation_timeout: "90s"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/metrics"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("HTTPAddr = %q, want 0.0.0.0:8080", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want ./test.db", cfg.Database.Path)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "localhost:6379" || cfg.Redis.DB != 2 {
		t.Errorf("redis config not parsed: %+v", cfg.Redis)
	}
	if cfg.Delegates.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 30s", cfg.Delegates.HeartbeatInterval)
	}
	if cfg.Delegates.ExpiryInterval != 10*time.Minute {
		t.Errorf("ExpiryInterval = %v, want 10m", cfg.Delegates.ExpiryInterval)
	}
	if !cfg.Delegates.CapabilitySelection || !cfg.Delegates.TrackCapabilities {
		t.Error("delegate feature flags not parsed")
	}
	if cfg.Tasks.CriticalLimit != 10 || cfg.Tasks.ImportantLimit != 20 || cfg.Tasks.OptionalLimit != 30 {
		t.Errorf("task limits not parsed: %+v", cfg.Tasks)
	}
	if cfg.Tasks.ValidationTimeout != 90*time.Second {
		t.Errorf("ValidationTimeout = %v, want 90s", cfg.Tasks.ValidationTimeout)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging config not parsed: %+v", cfg.Logging)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	t.Setenv("TEST_BROKER_SECRET", "super-secret")
	t.Setenv("TEST_BROKER_DB", "/var/lib/broker.db")

	configContent := `
server:
  http_addr: ":8080"
database:
  path: "${TEST_BROKER_DB}"
auth:
  jwt_secret: "${TEST_BROKER_SECRET}"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/var/lib/broker.db" {
		t.Errorf("Database.Path = %q, want expanded env value", cfg.Database.Path)
	}
	if cfg.Auth.JWTSecret != "super-secret" {
		t.Errorf("JWTSecret = %q, want expanded env value", cfg.Auth.JWTSecret)
	}
}

func TestLoad_Defaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Tasks.CriticalLimit != 100 || cfg.Tasks.ImportantLimit != 200 || cfg.Tasks.OptionalLimit != 500 {
		t.Errorf("default task limits not applied: %+v", cfg.Tasks)
	}
	if cfg.Tasks.ValidationTimeout != 2*time.Minute {
		t.Errorf("default validation timeout not applied: %v", cfg.Tasks.ValidationTimeout)
	}
	if cfg.Delegates.HeartbeatInterval != time.Minute {
		t.Errorf("default heartbeat interval not applied: %v", cfg.Delegates.HeartbeatInterval)
	}
	if cfg.Delegates.MaxPerAccount != 100 {
		t.Errorf("default delegate quota not applied: %v", cfg.Delegates.MaxPerAccount)
	}
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing http addr",
			content: "database:\n  path: ./test.db\n",
			wantErr: "server.http_addr",
		},
		{
			name:    "missing database path",
			content: "server:\n  http_addr: \":8080\"\n",
			wantErr: "database.path",
		},
		{
			name:    "redis enabled without addr",
			content: "server:\n  http_addr: \":8080\"\ndatabase:\n  path: ./test.db\nredis:\n  enabled: true\n",
			wantErr: "redis.addr",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tmpDir, strings.ReplaceAll(tt.name, " ", "_")+".yaml")
			if err := os.WriteFile(configPath, []byte(tt.content), 0644); err != nil {
				t.Fatalf("failed to write test config: %v", err)
			}

			_, err := Load(configPath)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
delegates:
  heartbeat_interval: "not-a-duration"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected duration parse error")
	}
	if !strings.Contains(err.Error(), "heartbeat_interval") {
		t.Errorf("error %q does not mention heartbeat_interval", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
