package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

// LogConfig selects the process logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level" yaml:"level" toml:"level"`
	// Format is text or json.
	Format string `json:"format" yaml:"format" toml:"format"`
}

func DefaultLogConfig() LogConfig {
	return LogConfig{Level: "info", Format: "text"}
}

func (c *LogConfig) Merge(source *LogConfig) {
	if source.Level != "" {
		c.Level = source.Level
	}

	if source.Format != "" {
		c.Format = source.Format
	}
}

// Config holds initialization parameters for every relay subsystem.
type Config struct {
	Hub        HubConfig        `json:"hub" yaml:"hub" toml:"hub"`
	Correlator CorrelatorConfig `json:"correlator" yaml:"correlator" toml:"correlator"`
	Delivery   DeliveryConfig   `json:"delivery" yaml:"delivery" toml:"delivery"`
	Dedup      DedupConfig      `json:"dedup" yaml:"dedup" toml:"dedup"`
	Server     ServerConfig     `json:"server" yaml:"server" toml:"server"`
	Log        LogConfig        `json:"log" yaml:"log" toml:"log"`
	Topology   TopologyConfig   `json:"topology" yaml:"topology" toml:"topology"`

	// Observer names the registered observers that receive events, separated
	// by commas.
	Observer string `json:"observer" yaml:"observer" toml:"observer"`
}

// DefaultConfig returns a Config with sensible defaults for all subsystems.
func DefaultConfig() Config {
	return Config{
		Hub:        DefaultHubConfig(),
		Correlator: DefaultCorrelatorConfig(),
		Delivery:   DefaultDeliveryConfig(),
		Dedup:      DefaultDedupConfig(),
		Server:     DefaultServerConfig(),
		Log:        DefaultLogConfig(),
		Observer:   "slog",
	}
}

// Merge applies non-zero values from source into c, delegating to each
// subsystem's Merge method.
func (c *Config) Merge(source *Config) {
	c.Hub.Merge(&source.Hub)
	c.Correlator.Merge(&source.Correlator)
	c.Delivery.Merge(&source.Delivery)
	c.Dedup.Merge(&source.Dedup)
	c.Server.Merge(&source.Server)
	c.Log.Merge(&source.Log)
	c.Topology.Merge(&source.Topology)

	if source.Observer != "" {
		c.Observer = source.Observer
	}
}

// Validate reports the first field that holds an unusable value.
func (c *Config) Validate() error {
	if c.Hub.ChannelBufferSize <= 0 {
		return fmt.Errorf("%w: hub.channel_buffer_size must be positive", ErrInvalidConfig)
	}
	if c.Hub.AckTimeoutMS <= 0 {
		return fmt.Errorf("%w: hub.ack_timeout_ms must be positive", ErrInvalidConfig)
	}
	if c.Correlator.DefaultTimeoutMS < 0 {
		return fmt.Errorf("%w: correlator.default_timeout_ms must not be negative", ErrInvalidConfig)
	}
	if err := c.Delivery.Policy().Validate(); err != nil {
		return fmt.Errorf("%w: delivery: %v", ErrInvalidConfig, err)
	}
	if c.Dedup.MaxEntries <= 0 {
		return fmt.Errorf("%w: dedup.max_entries must be positive", ErrInvalidConfig)
	}
	if c.Server.Sender == "" || strings.HasPrefix(c.Server.Sender, "@") {
		return fmt.Errorf("%w: server.sender must be a participant name", ErrInvalidConfig)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log.level %q", ErrInvalidConfig, c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format %q", ErrInvalidConfig, c.Log.Format)
	}

	seen := make(map[string]bool)
	for i, sup := range c.Topology.Supervisors {
		if sup.Name == "" {
			return fmt.Errorf("%w: topology.supervisors[%d].name is empty", ErrInvalidConfig, i)
		}
		if seen[sup.Name] {
			return fmt.Errorf("%w: topology supervisor %q declared twice", ErrInvalidConfig, sup.Name)
		}
		seen[sup.Name] = true
	}

	return nil
}

// Load reads a config file, merges it over the defaults and validates the
// result. The format follows the extension: .json, .yaml, .yml or .toml.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	loaded, err := Parse(data, filepath.Ext(filename))
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	cfg.Merge(loaded)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes data in the format named by ext without applying defaults.
func Parse(data []byte, ext string) (*Config, error) {
	var loaded Config

	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(data, &loaded); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &loaded); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &loaded); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported config format %q", ErrInvalidConfig, ext)
	}

	return &loaded, nil
}
