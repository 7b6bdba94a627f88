package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-stepscan/internal/scan"
)

// Config is the root configuration structure for the step scan service.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Station   StationConfig   `yaml:"station"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Scan      ScanConfig      `yaml:"scan"`
}

// StationConfig identifies the beamline or instrument station this process controls.
type StationConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite status database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
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

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP control API settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// CORSConfig lists the browser origins allowed to call the API.
// An empty origin list allows any origin.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket progress stream settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
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
	Format string `yaml:"format"` // json, text, console
	Output string `yaml:"output"`
}

// ScanConfig contains step scan timing and output settings.
//
// Durations are written as Go duration strings ("250ms", "1h").
type ScanConfig struct {
	PositionerSettle     time.Duration `yaml:"positioner_settle"`
	DetectorSettle       time.Duration `yaml:"detector_settle"`
	MaxMoveTime          time.Duration `yaml:"max_move_time"`
	MaxCountTime         time.Duration `yaml:"max_count_time"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	MovePollInterval     time.Duration `yaml:"move_poll_interval"`
	PausePollInterval    time.Duration `yaml:"pause_poll_interval"`
	ValidityGrace        time.Duration `yaml:"validity_grace"`
	ReporterStaleTimeout time.Duration `yaml:"reporter_stale_timeout"`
	MaxPointRetries      int           `yaml:"max_point_retries"`

	// MessagePoints controls how often "Point i/N" is logged.
	MessagePoints int `yaml:"message_points"`

	OutputDir     string `yaml:"output_dir"`
	Filename      string `yaml:"filename"`
	AutoIncrement bool   `yaml:"auto_increment"`

	// UseStatusDB sources interrupt flags from the SQLite status database
	// instead of process-local state.
	UseStatusDB bool `yaml:"use_status_db"`
}

// Load reads path over the built-in defaults, applies STEPSCAN_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration, used when no file is supplied.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	timing := scan.DefaultTiming()
	return &Config{
		Station: StationConfig{
			ID:   "station-001",
			Name: "Step Scan",
		},
		Database: DatabaseConfig{
			Path:        "./data/stepscan.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "stepscan",
			},
			QoS:         1,
			TopicPrefix: "stepscan",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Scan: ScanConfig{
			PositionerSettle:     timing.PositionerSettle,
			DetectorSettle:       timing.DetectorSettle,
			MaxMoveTime:          timing.MaxMove,
			MaxCountTime:         timing.MaxCount,
			PollInterval:         timing.PollInterval,
			MovePollInterval:     timing.MovePollInterval,
			PausePollInterval:    timing.PausePollInterval,
			ValidityGrace:        timing.ValidityGrace,
			ReporterStaleTimeout: timing.ReporterStaleTimeout,
			MaxPointRetries:      timing.MaxPointRetries,
			MessagePoints:        2,
			OutputDir:            "./data/scans",
			Filename:             "scan.001",
			AutoIncrement:        true,
		},
	}
}

// envOverrides maps STEPSCAN_SECTION_KEY variables onto config fields.
// Empty variables are ignored; unparsable numbers leave the field as is.
var envOverrides = []struct {
	name  string
	apply func(cfg *Config, v string)
}{
	{"STEPSCAN_STATION_ID", func(cfg *Config, v string) { cfg.Station.ID = v }},
	{"STEPSCAN_DATABASE_PATH", func(cfg *Config, v string) { cfg.Database.Path = v }},
	{"STEPSCAN_MQTT_HOST", func(cfg *Config, v string) { cfg.MQTT.Broker.Host = v }},
	{"STEPSCAN_MQTT_USERNAME", func(cfg *Config, v string) { cfg.MQTT.Auth.Username = v }},
	{"STEPSCAN_MQTT_PASSWORD", func(cfg *Config, v string) { cfg.MQTT.Auth.Password = v }},
	{"STEPSCAN_API_PORT", func(cfg *Config, v string) {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}},
	{"STEPSCAN_INFLUXDB_TOKEN", func(cfg *Config, v string) { cfg.InfluxDB.Token = v }},
	{"STEPSCAN_OUTPUT_DIR", func(cfg *Config, v string) { cfg.Scan.OutputDir = v }},
}

func applyEnvOverrides(cfg *Config) {
	for _, o := range envOverrides {
		if v := os.Getenv(o.name); v != "" {
			o.apply(cfg, v)
		}
	}
}

// Validate reports every configuration problem in one error.
func (c *Config) Validate() error {
	var errs []string

	if c.Station.ID == "" {
		errs = append(errs, "station.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.Scan.MaxMoveTime <= 0 {
		errs = append(errs, "scan.max_move_time must be positive")
	}
	if c.Scan.MaxCountTime <= 0 {
		errs = append(errs, "scan.max_count_time must be positive")
	}
	if c.Scan.PollInterval <= 0 {
		errs = append(errs, "scan.poll_interval must be positive")
	}
	if c.Scan.MaxPointRetries < 0 {
		errs = append(errs, "scan.max_point_retries cannot be negative")
	}
	if c.Scan.Filename == "" {
		errs = append(errs, "scan.filename is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Timing converts the scan section into engine timing parameters.
func (s ScanConfig) Timing() scan.Timing {
	return scan.Timing{
		PositionerSettle:     s.PositionerSettle,
		DetectorSettle:       s.DetectorSettle,
		MaxMove:              s.MaxMoveTime,
		MaxCount:             s.MaxCountTime,
		PollInterval:         s.PollInterval,
		MovePollInterval:     s.MovePollInterval,
		PausePollInterval:    s.PausePollInterval,
		ValidityGrace:        s.ValidityGrace,
		ReporterStaleTimeout: s.ReporterStaleTimeout,
		MaxPointRetries:      s.MaxPointRetries,
	}
}

// ReadTimeout returns the API read timeout.
func (a APIConfig) ReadTimeout() time.Duration { return seconds(a.Timeouts.Read) }

// WriteTimeout returns the API write timeout.
func (a APIConfig) WriteTimeout() time.Duration { return seconds(a.Timeouts.Write) }

// IdleTimeout returns the API keep-alive timeout.
func (a APIConfig) IdleTimeout() time.Duration { return seconds(a.Timeouts.Idle) }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
