package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the application configuration
type Config struct {
	Log             LogConfig      `yaml:"log"`
	Database        DatabaseConfig `yaml:"database"`
	Sensor          SensorConfig   `yaml:"sensor"`
	Trigger         TriggerConfig  `yaml:"trigger"`
	Playlist        PlaylistConfig `yaml:"playlist"`
	Ledger          LedgerConfig   `yaml:"ledger"`
	Kafka           KafkaConfig    `yaml:"kafka"`
	Status          StatusConfig   `yaml:"status"`
	EventBus        EventBusConfig `yaml:"eventbus"`
	ShutdownTimeout Duration       `yaml:"shutdown_timeout"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Colors bool   `yaml:"colors"`
	JSON   bool   `yaml:"json"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SensorConfig selects and configures the headset source
type SensorConfig struct {
	Source    string          `yaml:"source"`     // thinkgear, mqtt or simulated
	RetryRate float64         `yaml:"retry_rate"` // max read retries per second after failures
	ThinkGear ThinkGearConfig `yaml:"thinkgear"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Simulated SimulatedConfig `yaml:"simulated"`
}

// ThinkGearConfig contains ThinkGear Connector settings
type ThinkGearConfig struct {
	Address         string   `yaml:"address"`
	DialTimeout     Duration `yaml:"dial_timeout"`
	MinRetryBackoff Duration `yaml:"min_retry_backoff"`
	MaxRetryBackoff Duration `yaml:"max_retry_backoff"`
	RetryMultiplier float64  `yaml:"retry_multiplier"`
}

// MQTTConfig contains MQTT source settings
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      int    `yaml:"qos"`
}

// SimulatedConfig contains simulated source settings
type SimulatedConfig struct {
	Interval Duration `yaml:"interval"`
	Seed     int64    `yaml:"seed"`
}

// TriggerConfig contains flame trigger settings
type TriggerConfig struct {
	Enabled             *bool     `yaml:"enabled"`
	AttentionThreshold  float64   `yaml:"attention_threshold"`
	MeditationThreshold float64   `yaml:"meditation_threshold"`
	RequiredConsecutive int       `yaml:"required_consecutive"`
	Cooldown            *Duration `yaml:"cooldown"` // unset means 10s, 0s disables the cooldown
	PollInterval        Duration  `yaml:"poll_interval"`
	Script              string    `yaml:"script"`
	Channels            int       `yaml:"channels"`
	OnFailure           string    `yaml:"on_failure"` // stop, restart or exit
	RestartDelay        Duration  `yaml:"restart_delay"`
}

// DefaultCooldown applies when trigger.cooldown is not set.
const DefaultCooldown = 10 * time.Second

// IsEnabled returns whether the trigger worker runs (default: true)
func (c *TriggerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// GetCooldown returns the configured cooldown. An explicit zero is kept.
func (c *TriggerConfig) GetCooldown() time.Duration {
	if c.Cooldown == nil {
		return DefaultCooldown
	}
	return c.Cooldown.Duration()
}

// PlaylistConfig contains playlist coordinator settings
type PlaylistConfig struct {
	Enabled            *bool               `yaml:"enabled"`
	IdleSwitchInterval Duration            `yaml:"idle_switch_interval"`
	PollInterval       Duration            `yaml:"poll_interval"`
	Playlists          map[string][]string `yaml:"playlists"`
}

// IsEnabled returns whether the playlist worker runs (default: true)
func (c *PlaylistConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// LedgerConfig contains event ledger settings
type LedgerConfig struct {
	Enabled         *bool    `yaml:"enabled"`
	Retention       Duration `yaml:"retention"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

// IsEnabled returns whether the ledger records events (default: true)
func (c *LedgerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// KafkaConfig contains Kafka event publishing settings
type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	Topic        string   `yaml:"topic"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// StatusConfig contains status HTTP server settings
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads, parses and validates the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) setDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./mindwaved.sqlite"
	}

	// Sensor defaults
	if cfg.Sensor.Source == "" {
		cfg.Sensor.Source = "thinkgear"
	}
	if cfg.Sensor.RetryRate == 0 {
		cfg.Sensor.RetryRate = 2.0
	}
	tg := &cfg.Sensor.ThinkGear
	if tg.Address == "" {
		tg.Address = "127.0.0.1:13854"
	}
	if tg.DialTimeout == 0 {
		tg.DialTimeout = Duration(5 * time.Second)
	}
	if tg.MinRetryBackoff == 0 {
		tg.MinRetryBackoff = Duration(1 * time.Second)
	}
	if tg.MaxRetryBackoff == 0 {
		tg.MaxRetryBackoff = Duration(30 * time.Second)
	}
	if tg.RetryMultiplier == 0 {
		tg.RetryMultiplier = 2.0
	}
	if cfg.Sensor.MQTT.Topic == "" {
		cfg.Sensor.MQTT.Topic = "mindwave/points"
	}
	if cfg.Sensor.Simulated.Interval == 0 {
		cfg.Sensor.Simulated.Interval = Duration(1 * time.Second)
	}

	// Trigger defaults. Thresholds default to zero; the installation sets them.
	// Cooldown stays nil when unset so an explicit 0s survives.
	if cfg.Trigger.PollInterval == 0 {
		cfg.Trigger.PollInterval = Duration(500 * time.Millisecond)
	}
	if cfg.Trigger.Script == "" {
		cfg.Trigger.Script = "sequences.lua"
	}
	if cfg.Trigger.Channels == 0 {
		cfg.Trigger.Channels = 4
	}
	if cfg.Trigger.OnFailure == "" {
		cfg.Trigger.OnFailure = "stop"
	}
	if cfg.Trigger.RestartDelay == 0 {
		cfg.Trigger.RestartDelay = Duration(5 * time.Second)
	}

	// Playlist defaults
	if cfg.Playlist.IdleSwitchInterval == 0 {
		cfg.Playlist.IdleSwitchInterval = Duration(10 * time.Second)
	}
	if cfg.Playlist.PollInterval == 0 {
		cfg.Playlist.PollInterval = Duration(50 * time.Millisecond)
	}
	if cfg.Playlist.Playlists == nil {
		cfg.Playlist.Playlists = map[string][]string{
			"on":         {"on"},
			"off":        {"off"},
			"transition": {"transition"},
		}
	}

	// Ledger defaults
	if cfg.Ledger.Retention == 0 {
		cfg.Ledger.Retention = Duration(30 * 24 * time.Hour)
	}
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}

	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "mindwaved.events"
	}
	if cfg.Kafka.WriteTimeout == 0 {
		cfg.Kafka.WriteTimeout = Duration(5 * time.Second)
	}

	if cfg.Status.Port == 0 {
		cfg.Status.Port = 9090
	}
	if cfg.Status.Host == "" {
		cfg.Status.Host = "0.0.0.0"
	}

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate checks settings that cannot be defaulted. Component-level checks
// (thresholds, intervals) are repeated by the components themselves.
func (cfg *Config) Validate() error {
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log.level %q", ErrInvalid, cfg.Log.Level)
	}

	switch cfg.Sensor.Source {
	case "thinkgear", "simulated":
	case "mqtt":
		if cfg.Sensor.MQTT.Broker == "" {
			return fmt.Errorf("%w: sensor.mqtt.broker is required", ErrInvalid)
		}
		if cfg.Sensor.MQTT.QoS < 0 || cfg.Sensor.MQTT.QoS > 2 {
			return fmt.Errorf("%w: sensor.mqtt.qos %d", ErrInvalid, cfg.Sensor.MQTT.QoS)
		}
	default:
		return fmt.Errorf("%w: sensor.source %q", ErrInvalid, cfg.Sensor.Source)
	}
	if cfg.Sensor.RetryRate < 0 {
		return fmt.Errorf("%w: sensor.retry_rate is negative", ErrInvalid)
	}

	t := cfg.Trigger
	// Written as a positive range check so NaN is rejected.
	if !(t.AttentionThreshold >= 0 && t.AttentionThreshold <= 1) {
		return fmt.Errorf("%w: trigger.attention_threshold %v outside [0,1]", ErrInvalid, t.AttentionThreshold)
	}
	if !(t.MeditationThreshold >= 0 && t.MeditationThreshold <= 1) {
		return fmt.Errorf("%w: trigger.meditation_threshold %v outside [0,1]", ErrInvalid, t.MeditationThreshold)
	}
	if t.RequiredConsecutive < 0 {
		return fmt.Errorf("%w: trigger.required_consecutive is negative", ErrInvalid)
	}
	if t.GetCooldown() < 0 {
		return fmt.Errorf("%w: trigger.cooldown is negative", ErrInvalid)
	}
	if t.Channels < 1 {
		return fmt.Errorf("%w: trigger.channels must be positive", ErrInvalid)
	}
	switch t.OnFailure {
	case "stop", "restart", "exit":
	default:
		return fmt.Errorf("%w: trigger.on_failure %q", ErrInvalid, t.OnFailure)
	}

	if cfg.Playlist.IsEnabled() {
		for _, name := range []string{"on", "off", "transition"} {
			if len(cfg.Playlist.Playlists[name]) == 0 {
				return fmt.Errorf("%w: playlist.playlists.%s is required", ErrInvalid, name)
			}
		}
	}
	if cfg.Playlist.IdleSwitchInterval < 0 || cfg.Playlist.PollInterval < 0 {
		return fmt.Errorf("%w: playlist intervals must not be negative", ErrInvalid)
	}

	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("%w: kafka.brokers is required when kafka is enabled", ErrInvalid)
	}

	return nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
