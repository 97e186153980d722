package config

import (
	"time"

	"github.com/tailored-agentic-units/relay/orchestrate/delivery"
)

// DeliveryConfig is the delivery policy applied to dispatched requests that
// do not declare their own.
type DeliveryConfig struct {
	Guarantee         string  `json:"guarantee" yaml:"guarantee" toml:"guarantee"`
	RetryCount        int     `json:"retry_count" yaml:"retry_count" toml:"retry_count"`
	RetryDelayMS      int64   `json:"retry_delay_ms" yaml:"retry_delay_ms" toml:"retry_delay_ms"`
	Backoff           string  `json:"backoff" yaml:"backoff" toml:"backoff"`
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier" toml:"backoff_multiplier"`
	RequireAck        bool    `json:"require_ack" yaml:"require_ack" toml:"require_ack"`

	// PriorityNil distinguishes an explicit priority of zero from an unset
	// value. Use Priority() to read it.
	PriorityNil *int `json:"priority" yaml:"priority" toml:"priority"`
}

func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		Guarantee: string(delivery.AtMostOnce),
		Backoff:   string(delivery.BackoffFixed),
	}
}

func (c *DeliveryConfig) Merge(source *DeliveryConfig) {
	if source.Guarantee != "" {
		c.Guarantee = source.Guarantee
	}

	if source.RetryCount > 0 {
		c.RetryCount = source.RetryCount
	}

	if source.RetryDelayMS > 0 {
		c.RetryDelayMS = source.RetryDelayMS
	}

	if source.Backoff != "" {
		c.Backoff = source.Backoff
	}

	if source.BackoffMultiplier > 0 {
		c.BackoffMultiplier = source.BackoffMultiplier
	}

	if source.RequireAck {
		c.RequireAck = true
	}

	if source.PriorityNil != nil {
		priority := *source.PriorityNil
		c.PriorityNil = &priority
	}
}

func (c *DeliveryConfig) Priority() int {
	if c.PriorityNil == nil {
		return delivery.DefaultPriority
	}
	return *c.PriorityNil
}

// Policy converts the configuration to a delivery.Policy.
func (c *DeliveryConfig) Policy() delivery.Policy {
	return delivery.Policy{
		Guarantee:         delivery.Guarantee(c.Guarantee),
		RetryCount:        c.RetryCount,
		RetryDelayMS:      c.RetryDelayMS,
		Backoff:           delivery.Backoff(c.Backoff),
		BackoffMultiplier: c.BackoffMultiplier,
		RequireAck:        c.RequireAck,
		Priority:          c.Priority(),
	}
}

// DedupConfig bounds the window a worker uses to drop EXACTLY_ONCE
// redeliveries.
type DedupConfig struct {
	TTLMS      int64 `json:"ttl_ms" yaml:"ttl_ms" toml:"ttl_ms"`
	MaxEntries int   `json:"max_entries" yaml:"max_entries" toml:"max_entries"`
}

func DefaultDedupConfig() DedupConfig {
	defaults := delivery.DefaultWindowConfig()
	return DedupConfig{
		TTLMS:      defaults.TTL.Milliseconds(),
		MaxEntries: defaults.MaxEntries,
	}
}

func (c *DedupConfig) Merge(source *DedupConfig) {
	if source.TTLMS > 0 {
		c.TTLMS = source.TTLMS
	}

	if source.MaxEntries > 0 {
		c.MaxEntries = source.MaxEntries
	}
}

func (c *DedupConfig) Window() delivery.WindowConfig {
	return delivery.WindowConfig{
		TTL:        time.Duration(c.TTLMS) * time.Millisecond,
		MaxEntries: c.MaxEntries,
	}
}
