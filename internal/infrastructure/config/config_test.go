package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-stepscan/internal/scan"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
station:
  id: "bm-13"
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
scan:
  positioner_settle: 50ms
  detector_settle: 20ms
  max_point_retries: 5
  pause_poll_interval: 100ms
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Station.ID != "bm-13" {
		t.Errorf("Station.ID = %q, want %q", cfg.Station.ID, "bm-13")
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}
	if cfg.Scan.PositionerSettle != 50*time.Millisecond {
		t.Errorf("Scan.PositionerSettle = %v, want 50ms", cfg.Scan.PositionerSettle)
	}
	if cfg.Scan.MaxPointRetries != 5 {
		t.Errorf("Scan.MaxPointRetries = %d, want 5", cfg.Scan.MaxPointRetries)
	}
	// Values not present in the file keep their defaults.
	if cfg.Scan.MaxMoveTime != time.Hour {
		t.Errorf("Scan.MaxMoveTime = %v, want default 1h", cfg.Scan.MaxMoveTime)
	}
}

// TestLoad_SampleConfig verifies the shipped configs/config.yaml loads.
func TestLoad_SampleConfig(t *testing.T) {
	t.Setenv("STEPSCAN_API_PORT", "")

	cfg, err := Load(filepath.Join("..", "..", "..", "configs", "config.yaml"))
	if err != nil {
		t.Fatalf("Load(sample) error = %v", err)
	}
	if cfg.Scan.Timing() != scan.DefaultTiming() {
		t.Errorf("sample timing = %+v, want the engine defaults", cfg.Scan.Timing())
	}
	if !cfg.API.Enabled || cfg.API.Port != 8090 || !cfg.Scan.UseStatusDB {
		t.Errorf("sample config = api %+v, use_status_db %v", cfg.API, cfg.Scan.UseStatusDB)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid: [yaml: content")

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	configPath := writeConfig(t, `
station:
  id: ""
database:
  path: "/tmp/test.db"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected validation error for empty station.id, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	configPath := writeConfig(t, `
station:
  id: "file-station"
`)
	t.Setenv("STEPSCAN_STATION_ID", "env-station")
	t.Setenv("STEPSCAN_DATABASE_PATH", "/tmp/env.db")
	t.Setenv("STEPSCAN_API_PORT", "9100")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Station.ID != "env-station" {
		t.Errorf("Station.ID = %q, want env override", cfg.Station.ID)
	}
	if cfg.Database.Path != "/tmp/env.db" {
		t.Errorf("Database.Path = %q, want env override", cfg.Database.Path)
	}
	if cfg.API.Port != 9100 {
		t.Errorf("API.Port = %d, want 9100", cfg.API.Port)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "missing station id",
			mutate:  func(c *Config) { c.Station.ID = "" },
			wantErr: "station.id",
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "invalid qos",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name: "invalid api port when enabled",
			mutate: func(c *Config) {
				c.API.Enabled = true
				c.API.Port = 0
			},
			wantErr: "api.port",
		},
		{
			name:   "api port ignored when disabled",
			mutate: func(c *Config) { c.API.Port = 0 },
		},
		{
			name:    "influx without url",
			mutate:  func(c *Config) { c.InfluxDB.Enabled = true },
			wantErr: "influxdb.url",
		},
		{
			name:    "non-positive move timeout",
			mutate:  func(c *Config) { c.Scan.MaxMoveTime = 0 },
			wantErr: "scan.max_move_time",
		},
		{
			name:    "negative retries",
			mutate:  func(c *Config) { c.Scan.MaxPointRetries = -1 },
			wantErr: "scan.max_point_retries",
		},
		{
			name:    "empty filename",
			mutate:  func(c *Config) { c.Scan.Filename = "" },
			wantErr: "scan.filename",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
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

func TestScanConfig_Timing(t *testing.T) {
	cfg := defaultConfig()
	cfg.Scan.DetectorSettle = 7 * time.Millisecond
	cfg.Scan.MaxPointRetries = 1

	timing := cfg.Scan.Timing()
	if timing.DetectorSettle != 7*time.Millisecond {
		t.Errorf("Timing().DetectorSettle = %v, want 7ms", timing.DetectorSettle)
	}
	if timing.MaxPointRetries != 1 {
		t.Errorf("Timing().MaxPointRetries = %d, want 1", timing.MaxPointRetries)
	}
	if timing.ReporterStaleTimeout != time.Hour {
		t.Errorf("Timing().ReporterStaleTimeout = %v, want 1h", timing.ReporterStaleTimeout)
	}
}

func TestConfig_Timeouts(t *testing.T) {
	cfg := defaultConfig()
	if cfg.API.ReadTimeout() != 30*time.Second {
		t.Errorf("API.ReadTimeout() = %v, want 30s", cfg.API.ReadTimeout())
	}
	if cfg.API.WriteTimeout() != 30*time.Second {
		t.Errorf("API.WriteTimeout() = %v, want 30s", cfg.API.WriteTimeout())
	}
	if cfg.API.IdleTimeout() != time.Minute {
		t.Errorf("API.IdleTimeout() = %v, want 1m", cfg.API.IdleTimeout())
	}
}
