package config

import (
	"log/slog"
	"time"
)

// CorrelatorConfig controls how long callers wait for replies.
type CorrelatorConfig struct {
	// DefaultTimeoutMS applies to requests whose envelope carries no
	// deadline. Zero means such requests are refused rather than waiting
	// forever.
	DefaultTimeoutMS int64 `json:"default_timeout_ms" yaml:"default_timeout_ms" toml:"default_timeout_ms"`

	Logger *slog.Logger `json:"-" yaml:"-" toml:"-"`
}

func DefaultCorrelatorConfig() CorrelatorConfig {
	return CorrelatorConfig{
		DefaultTimeoutMS: 30000,
		Logger:           slog.Default(),
	}
}

func (c *CorrelatorConfig) Merge(source *CorrelatorConfig) {
	if source.DefaultTimeoutMS > 0 {
		c.DefaultTimeoutMS = source.DefaultTimeoutMS
	}

	if source.Logger != nil {
		c.Logger = source.Logger
	}
}

func (c *CorrelatorConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMS) * time.Millisecond
}
