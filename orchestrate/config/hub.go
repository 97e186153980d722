package config

import (
	"log/slog"
	"time"
)

// HubConfig defines configuration for a Hub instance.
type HubConfig struct {
	// Hub identity
	Name string `json:"name" yaml:"name" toml:"name"`

	// ChannelBufferSize bounds each subscription's queue. A full queue is a
	// transient delivery failure for that subscriber.
	ChannelBufferSize int `json:"channel_buffer_size" yaml:"channel_buffer_size" toml:"channel_buffer_size"`

	// AckTimeoutMS is how long an attempt waits for handlers to acknowledge
	// when the delivery policy requires acknowledgment.
	AckTimeoutMS int64 `json:"ack_timeout_ms" yaml:"ack_timeout_ms" toml:"ack_timeout_ms"`

	// ShutdownTimeoutMS bounds how long Shutdown waits for subscriptions to
	// drain when the caller passes no timeout.
	ShutdownTimeoutMS int64 `json:"shutdown_timeout_ms" yaml:"shutdown_timeout_ms" toml:"shutdown_timeout_ms"`

	// Observability
	Logger *slog.Logger `json:"-" yaml:"-" toml:"-"`
}

// DefaultHubConfig returns a HubConfig with sensible defaults.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		Name:              "default",
		ChannelBufferSize: 100,
		AckTimeoutMS:      5000,
		ShutdownTimeoutMS: 5000,
		Logger:            slog.Default(),
	}
}

func (c *HubConfig) Merge(source *HubConfig) {
	if source.Name != "" {
		c.Name = source.Name
	}

	if source.ChannelBufferSize > 0 {
		c.ChannelBufferSize = source.ChannelBufferSize
	}

	if source.AckTimeoutMS > 0 {
		c.AckTimeoutMS = source.AckTimeoutMS
	}

	if source.ShutdownTimeoutMS > 0 {
		c.ShutdownTimeoutMS = source.ShutdownTimeoutMS
	}

	if source.Logger != nil {
		c.Logger = source.Logger
	}
}

func (c *HubConfig) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutMS) * time.Millisecond
}

func (c *HubConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMS) * time.Millisecond
}
