package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for AgriVision Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site       SiteConfig       `yaml:"site"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
	Actuator   ActuatorConfig   `yaml:"actuator"`
	Camera     CameraConfig     `yaml:"camera"`
	Detector   DetectorConfig   `yaml:"detector"`
	Automation AutomationConfig `yaml:"automation"`
	Gateway    GatewayConfig    `yaml:"gateway"`
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
//
// When enabled, the gateway is bridged onto the broker: commands are read
// from {topic_prefix}/command and events are published under
// {topic_prefix}/event/{type}.
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

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
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

// ActuatorConfig describes the two-axis positioner, its valve and the
// driver enable line.
type ActuatorConfig struct {
	// ProfilePath is the YAML file the actuator state is persisted to.
	// When it exists at startup it takes precedence over the values below.
	ProfilePath string `yaml:"profile_path"`

	// GPIOChip is the character device chip name (e.g. "gpiochip0").
	// The special value "stub" runs without hardware.
	GPIOChip string `yaml:"gpio_chip"`

	// EnablePin drives the stepper drivers' ENABLE input (active LOW).
	EnablePin int `yaml:"enable_pin"`

	// ValvePin opens the watering valve while high.
	ValvePin int `yaml:"valve_pin"`

	// PulseWidth is the step line assert time.
	// Default: 2µs
	PulseWidth time.Duration `yaml:"pulse_width"`

	// SettleDelay is waited after a direction change.
	// Default: 10µs
	SettleDelay time.Duration `yaml:"settle_delay"`

	X AxisConfig `yaml:"x"`
	Y AxisConfig `yaml:"y"`
}

// AxisConfig contains the motion parameters of one linear axis.
// Speeds are in millimetres per second, acceleration in mm/s².
type AxisConfig struct {
	StepPin      int     `yaml:"step_pin"`
	DirPin       int     `yaml:"dir_pin"`
	Reversed     bool    `yaml:"reversed"`
	MinSpeed     float64 `yaml:"min_speed"`
	MaxSpeed     float64 `yaml:"max_speed"`
	Acceleration float64 `yaml:"acceleration"`
	StepsPerMM   float64 `yaml:"steps_per_mm"`
}

// CameraConfig selects and configures the image source.
type CameraConfig struct {
	// Driver is one of "stub", "file", "command" or "snapshot".
	Driver string `yaml:"driver"`

	// File is read on every capture by the "file" driver.
	File string `yaml:"file"`

	// Command and Args run a one-shot capture tool that writes a JPEG to stdout.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// SnapshotURL is fetched by the "snapshot" driver.
	SnapshotURL string `yaml:"snapshot_url"`

	// Timeout bounds a single capture.
	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`

	// Daemon optionally supervises a streaming process serving SnapshotURL.
	Daemon CameraDaemonConfig `yaml:"daemon"`
}

// CameraDaemonConfig describes a supervised camera streaming process.
type CameraDaemonConfig struct {
	Managed      bool          `yaml:"managed"`
	Binary       string        `yaml:"binary"`
	Args         []string      `yaml:"args"`
	RestartDelay time.Duration `yaml:"restart_delay"`
	MaxRestarts  int           `yaml:"max_restarts"`
}

// DetectorConfig selects and configures the plant stage detector.
type DetectorConfig struct {
	// Driver is "stub" or "roboflow".
	Driver string `yaml:"driver"`

	URL     string        `yaml:"url"`
	Project string        `yaml:"project"`
	Version int           `yaml:"version"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`

	// StubClass is returned by the "stub" driver.
	StubClass string `yaml:"stub_class"`
}

// AutomationConfig controls the scan loop.
type AutomationConfig struct {
	ScanInterval time.Duration `yaml:"scan_interval"`
	AutoWater    bool          `yaml:"auto_water"`
	AutoCheck    bool          `yaml:"auto_check"`
}

// GatewayConfig sizes the message gateway queues.
type GatewayConfig struct {
	InboundSize  int `yaml:"inbound_size"`
	OutboundSize int `yaml:"outbound_size"`

	// OverflowPolicy is "drop_oldest" or "block".
	OverflowPolicy string `yaml:"overflow_policy"`

	// BlockTimeout bounds a blocked send under the "block" policy.
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

// envOverrides lists the environment variables that may override file values.
// Empty values leave the file value untouched.
type envOverrides struct {
	DatabasePath   string `env:"AGRIVISION_DATABASE_PATH"`
	MQTTHost       string `env:"AGRIVISION_MQTT_HOST"`
	MQTTUsername   string `env:"AGRIVISION_MQTT_USERNAME"`
	MQTTPassword   string `env:"AGRIVISION_MQTT_PASSWORD"`
	APIHost        string `env:"AGRIVISION_API_HOST"`
	InfluxDBToken  string `env:"AGRIVISION_INFLUXDB_TOKEN"`
	DetectorAPIKey string `env:"AGRIVISION_DETECTOR_API_KEY"`
	GPIOChip       string `env:"AGRIVISION_GPIO_CHIP"`
	ProfilePath    string `env:"AGRIVISION_PROFILE_PATH"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: AGRIVISION_SECTION_KEY
// For example: AGRIVISION_DATABASE_PATH, AGRIVISION_DETECTOR_API_KEY
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with sensible defaults for a stub rig.
func Default() *Config {
	axis := AxisConfig{
		MinSpeed:     5,
		MaxSpeed:     200,
		Acceleration: 100,
		StepsPerMM:   40,
	}
	x, y := axis, axis
	x.StepPin, x.DirPin = 17, 27
	y.StepPin, y.DirPin = 22, 23

	return &Config{
		Site: SiteConfig{
			ID:   "rig-001",
			Name: "AgriVision",
		},
		Database: DatabaseConfig{
			Path:        "./data/agrivision.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "agrivision-core",
			},
			QoS:         1,
			TopicPrefix: "agrivision",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
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
		Actuator: ActuatorConfig{
			ProfilePath: "./data/actuator.yaml",
			GPIOChip:    "stub",
			EnablePin:   24,
			ValvePin:    25,
			PulseWidth:  2 * time.Microsecond,
			SettleDelay: 10 * time.Microsecond,
			X:           x,
			Y:           y,
		},
		Camera: CameraConfig{
			Driver:  "stub",
			Timeout: 10 * time.Second,
			Daemon: CameraDaemonConfig{
				RestartDelay: 5 * time.Second,
				MaxRestarts:  10,
			},
		},
		Detector: DetectorConfig{
			Driver:    "stub",
			URL:       "https://detect.roboflow.com",
			Timeout:   30 * time.Second,
			StubClass: "unknown",
		},
		Automation: AutomationConfig{
			ScanInterval: time.Second,
			AutoWater:    false,
			AutoCheck:    true,
		},
		Gateway: GatewayConfig{
			InboundSize:    64,
			OutboundSize:   10,
			OverflowPolicy: "drop_oldest",
			BlockTimeout:   time.Second,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return err
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}

	set(&cfg.Database.Path, o.DatabasePath)
	set(&cfg.MQTT.Broker.Host, o.MQTTHost)
	set(&cfg.MQTT.Auth.Username, o.MQTTUsername)
	set(&cfg.MQTT.Auth.Password, o.MQTTPassword)
	set(&cfg.API.Host, o.APIHost)
	set(&cfg.InfluxDB.Token, o.InfluxDBToken)
	set(&cfg.Detector.APIKey, o.DetectorAPIKey)
	set(&cfg.Actuator.GPIOChip, o.GPIOChip)
	set(&cfg.Actuator.ProfilePath, o.ProfilePath)

	return nil
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
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
	if c.MQTT.Enabled && c.MQTT.TopicPrefix == "" {
		errs = append(errs, "mqtt.topic_prefix is required when mqtt is enabled")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Actuator.GPIOChip == "" {
		errs = append(errs, "actuator.gpio_chip is required (use \"stub\" for no hardware)")
	}
	errs = append(errs, c.Actuator.X.validate("actuator.x")...)
	errs = append(errs, c.Actuator.Y.validate("actuator.y")...)

	switch c.Camera.Driver {
	case "stub":
	case "file":
		if c.Camera.File == "" {
			errs = append(errs, "camera.file is required for the file driver")
		}
	case "command":
		if c.Camera.Command == "" {
			errs = append(errs, "camera.command is required for the command driver")
		}
	case "snapshot":
		if c.Camera.SnapshotURL == "" {
			errs = append(errs, "camera.snapshot_url is required for the snapshot driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("camera.driver %q is not supported", c.Camera.Driver))
	}

	switch c.Detector.Driver {
	case "stub":
	case "roboflow":
		if c.Detector.Project == "" || c.Detector.APIKey == "" {
			errs = append(errs, "detector.project and detector.api_key are required for the roboflow driver (set AGRIVISION_DETECTOR_API_KEY)")
		}
	default:
		errs = append(errs, fmt.Sprintf("detector.driver %q is not supported", c.Detector.Driver))
	}

	if c.Automation.ScanInterval <= 0 {
		errs = append(errs, "automation.scan_interval must be positive")
	}

	if c.Gateway.InboundSize < 1 || c.Gateway.OutboundSize < 1 {
		errs = append(errs, "gateway queue sizes must be at least 1")
	}
	if c.Gateway.OverflowPolicy != "drop_oldest" && c.Gateway.OverflowPolicy != "block" {
		errs = append(errs, "gateway.overflow_policy must be drop_oldest or block")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (a AxisConfig) validate(prefix string) []string {
	var errs []string
	if a.MinSpeed < 0 || a.MinSpeed > a.MaxSpeed {
		errs = append(errs, prefix+": min_speed must satisfy 0 <= min_speed <= max_speed")
	}
	if a.MaxSpeed <= 0 {
		errs = append(errs, prefix+".max_speed must be positive")
	}
	if a.Acceleration <= 0 {
		errs = append(errs, prefix+".acceleration must be positive")
	}
	if a.StepsPerMM <= 0 {
		errs = append(errs, prefix+".steps_per_mm must be positive")
	}
	return errs
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
