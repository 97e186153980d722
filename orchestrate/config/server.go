package config

import "time"

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr" toml:"addr"`

	// Sender is the participant name used for tasks submitted over HTTP.
	Sender string `json:"sender" yaml:"sender" toml:"sender"`

	ReadTimeoutMS     int64 `json:"read_timeout_ms" yaml:"read_timeout_ms" toml:"read_timeout_ms"`
	WriteTimeoutMS    int64 `json:"write_timeout_ms" yaml:"write_timeout_ms" toml:"write_timeout_ms"`
	ShutdownTimeoutMS int64 `json:"shutdown_timeout_ms" yaml:"shutdown_timeout_ms" toml:"shutdown_timeout_ms"`

	// TaskTimeoutMS applies to submitted tasks that declare no timeout.
	TaskTimeoutMS int64 `json:"task_timeout_ms" yaml:"task_timeout_ms" toml:"task_timeout_ms"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:              ":8080",
		Sender:            "api",
		ReadTimeoutMS:     10000,
		WriteTimeoutMS:    60000,
		ShutdownTimeoutMS: 10000,
		TaskTimeoutMS:     30000,
	}
}

func (c *ServerConfig) Merge(source *ServerConfig) {
	if source.Addr != "" {
		c.Addr = source.Addr
	}

	if source.Sender != "" {
		c.Sender = source.Sender
	}

	if source.ReadTimeoutMS > 0 {
		c.ReadTimeoutMS = source.ReadTimeoutMS
	}

	if source.WriteTimeoutMS > 0 {
		c.WriteTimeoutMS = source.WriteTimeoutMS
	}

	if source.ShutdownTimeoutMS > 0 {
		c.ShutdownTimeoutMS = source.ShutdownTimeoutMS
	}

	if source.TaskTimeoutMS > 0 {
		c.TaskTimeoutMS = source.TaskTimeoutMS
	}
}

func (c *ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMS) * time.Millisecond
}

func (c *ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMS) * time.Millisecond
}

func (c *ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMS) * time.Millisecond
}

func (c *ServerConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutMS) * time.Millisecond
}
