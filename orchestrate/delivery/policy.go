package delivery

import (
	"fmt"
	"math"
	"time"
)

// Guarantee is the delivery contract for an envelope.
type Guarantee string

const (
	AtMostOnce  Guarantee = "AT_MOST_ONCE"
	AtLeastOnce Guarantee = "AT_LEAST_ONCE"
	ExactlyOnce Guarantee = "EXACTLY_ONCE"
)

// Backoff selects how the delay grows between retries.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

const (
	MaxRetryCount   = 10
	MaxRetryDelay   = 60 * time.Second
	MaxPriority     = 10
	DefaultPriority = 5

	defaultMultiplier = 2.0
)

// Policy governs retries, acknowledgment and priority of a delivery.
type Policy struct {
	Guarantee         Guarantee `json:"guarantee"`
	RetryCount        int       `json:"retry_count"`
	RetryDelayMS      int64     `json:"retry_delay_ms"`
	Backoff           Backoff   `json:"backoff,omitempty"`
	BackoffMultiplier float64   `json:"backoff_multiplier,omitempty"`
	RequireAck        bool      `json:"require_ack"`
	Priority          int       `json:"priority"`
}

// DefaultPolicy returns an AT_MOST_ONCE policy with default priority.
func DefaultPolicy() Policy {
	return Policy{
		Guarantee: AtMostOnce,
		Backoff:   BackoffFixed,
		Priority:  DefaultPriority,
	}
}

// Validate checks every field against its allowed range.
func (p Policy) Validate() error {
	switch p.Guarantee {
	case AtMostOnce, AtLeastOnce, ExactlyOnce:
	default:
		return fmt.Errorf("%w: unknown guarantee %q", ErrInvalidPolicy, p.Guarantee)
	}
	if p.RetryCount < 0 || p.RetryCount > MaxRetryCount {
		return fmt.Errorf("%w: retry_count %d outside [0, %d]", ErrInvalidPolicy, p.RetryCount, MaxRetryCount)
	}
	if p.RetryDelayMS < 0 || p.RetryDelayMS > MaxRetryDelay.Milliseconds() {
		return fmt.Errorf("%w: retry_delay_ms %d outside [0, %d]", ErrInvalidPolicy, p.RetryDelayMS, MaxRetryDelay.Milliseconds())
	}
	switch p.Backoff {
	case "", BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("%w: unknown backoff %q", ErrInvalidPolicy, p.Backoff)
	}
	if p.BackoffMultiplier < 0 || math.IsNaN(p.BackoffMultiplier) || math.IsInf(p.BackoffMultiplier, 0) {
		return fmt.Errorf("%w: backoff_multiplier %g", ErrInvalidPolicy, p.BackoffMultiplier)
	}
	if p.Priority < 0 || p.Priority > MaxPriority {
		return fmt.Errorf("%w: priority %d outside [0, %d]", ErrInvalidPolicy, p.Priority, MaxPriority)
	}
	return nil
}

// EffectiveRetries is the number of retries the engine will actually make.
// AT_MOST_ONCE always yields zero whatever RetryCount says.
func (p Policy) EffectiveRetries() int {
	if p.Guarantee == AtMostOnce {
		return 0
	}
	return min(max(p.RetryCount, 0), MaxRetryCount)
}

// RetryDelay returns the base delay between attempts.
func (p Policy) RetryDelay() time.Duration {
	return time.Duration(p.RetryDelayMS) * time.Millisecond
}

// Delay returns the wait before retry number n (1-based). The result never
// exceeds MaxRetryDelay.
func (p Policy) Delay(n int) time.Duration {
	base := p.RetryDelay()
	if base <= 0 {
		return 0
	}
	if p.Backoff != BackoffExponential || n <= 1 {
		return min(base, MaxRetryDelay)
	}

	multiplier := p.BackoffMultiplier
	if multiplier <= 1 {
		multiplier = defaultMultiplier
	}

	delay := float64(base) * math.Pow(multiplier, float64(n-1))
	if math.IsInf(delay, 0) || delay >= float64(MaxRetryDelay) {
		return MaxRetryDelay
	}
	return time.Duration(delay)
}
