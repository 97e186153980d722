package execution

import (
	"context"
	"maps"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Limits are soft operational ceilings for the executing component. The bus
// never enforces them; executors read them to size their own work.
type Limits struct {
	MaxCPUPercent   float64 `json:"max_cpu_percent,omitempty"`
	MaxMemoryMB     int64   `json:"max_memory_mb,omitempty"`
	MaxConcurrent   int     `json:"max_concurrent,omitempty"`
	MaxProcessingMS int64   `json:"max_processing_ms,omitempty"`
}

// MaxProcessing returns MaxProcessingMS as a duration (zero when unset).
func (l Limits) MaxProcessing() time.Duration {
	return time.Duration(l.MaxProcessingMS) * time.Millisecond
}

// Tighten returns l with every non-zero field of override applied, keeping
// the smaller value where both are set. Derived contexts use it so a child
// can narrow but never widen the limits it inherited.
func (l Limits) Tighten(override Limits) Limits {
	l.MaxCPUPercent = tighter(l.MaxCPUPercent, override.MaxCPUPercent)
	l.MaxMemoryMB = tighter(l.MaxMemoryMB, override.MaxMemoryMB)
	l.MaxConcurrent = tighter(l.MaxConcurrent, override.MaxConcurrent)
	l.MaxProcessingMS = tighter(l.MaxProcessingMS, override.MaxProcessingMS)
	return l
}

func tighter[T int | int64 | float64](current, override T) T {
	switch {
	case override <= 0:
		return current
	case current <= 0:
		return override
	default:
		return min(current, override)
	}
}

// Context is the execution metadata attached to an envelope.
//
// Identity, timeout and limit fields are plain values. The budget lives
// behind Budget and Spend so that concurrent readers always see a consistent
// snapshot.
type Context struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Baggage      map[string]string

	// TimeoutMS is the time allowed for the operation, counted from IssuedAt.
	// Zero means no deadline.
	TimeoutMS int64
	IssuedAt  time.Time

	Limits Limits

	ledger atomic.Pointer[ledger]
}

// Budget returns a snapshot of the context's ceilings and spend.
func (c *Context) Budget() Budget {
	if c == nil {
		return Budget{}
	}
	return c.accounts().snapshot()
}

// Spend records cost incurred by the component holding this context. The
// amounts roll up to every ancestor context in the same process. It fails
// with a *BudgetExceededError when any ceiling on the chain would be crossed,
// in which case nothing is recorded.
func (c *Context) Spend(model string, usd float64, tokens int64) error {
	if c == nil {
		return ErrNoContext
	}
	return c.accounts().spend(model, usd, tokens)
}

// accounts returns the context's ledger. Contexts built as literals get an
// uncapped root ledger on first use.
func (c *Context) accounts() *ledger {
	if l := c.ledger.Load(); l != nil {
		return l
	}
	c.ledger.CompareAndSwap(nil, newRootLedger(c.SpanID, Budget{}))
	return c.ledger.Load()
}

// Timeout returns TimeoutMS as a duration.
func (c *Context) Timeout() time.Duration {
	if c == nil {
		return 0
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// Deadline returns the absolute deadline and whether one is set.
func (c *Context) Deadline() (time.Time, bool) {
	if c == nil || c.TimeoutMS <= 0 {
		return time.Time{}, false
	}
	return c.IssuedAt.Add(c.Timeout()), true
}

// Remaining returns the time left before the deadline at now, floored at
// zero, and whether a deadline is set.
func (c *Context) Remaining(now time.Time) (time.Duration, bool) {
	deadline, ok := c.Deadline()
	if !ok {
		return 0, false
	}
	return max(deadline.Sub(now), 0), true
}

// SpanContext converts the trace fields to an OpenTelemetry SpanContext.
// The result is invalid when the ids are missing or malformed.
func (c *Context) SpanContext() trace.SpanContext {
	if c == nil {
		return trace.SpanContext{}
	}

	traceID, err := trace.TraceIDFromHex(c.TraceID)
	if err != nil {
		return trace.SpanContext{}
	}
	spanID, err := trace.SpanIDFromHex(c.SpanID)
	if err != nil {
		return trace.SpanContext{}
	}

	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
}

// Attach returns a context.Context carrying the span as a remote parent so
// OTel instrumentation inside an executor joins the same trace.
func (c *Context) Attach(ctx context.Context) context.Context {
	sc := c.SpanContext()
	if !sc.IsValid() {
		return ctx
	}
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}

// Snapshot is the serializable form of a Context.
type Snapshot struct {
	TraceID      string            `json:"trace_id"`
	SpanID       string            `json:"span_id"`
	ParentSpanID string            `json:"parent_span_id,omitempty"`
	Baggage      map[string]string `json:"baggage,omitempty"`
	TimeoutMS    int64             `json:"timeout_ms,omitempty"`
	IssuedAt     time.Time         `json:"issued_at"`
	Budget       Budget            `json:"budget"`
	Limits       Limits            `json:"limits"`
}

// Snapshot captures the context, including a consistent budget view.
func (c *Context) Snapshot() Snapshot {
	return Snapshot{
		TraceID:      c.TraceID,
		SpanID:       c.SpanID,
		ParentSpanID: c.ParentSpanID,
		Baggage:      maps.Clone(c.Baggage),
		TimeoutMS:    c.TimeoutMS,
		IssuedAt:     c.IssuedAt,
		Budget:       c.Budget(),
		Limits:       c.Limits,
	}
}

// Restore rebuilds a Context from a snapshot received over the wire. The
// restored context is the root of a new causal tree in this process.
func Restore(s Snapshot) *Context {
	c := &Context{
		TraceID:      s.TraceID,
		SpanID:       s.SpanID,
		ParentSpanID: s.ParentSpanID,
		Baggage:      maps.Clone(s.Baggage),
		TimeoutMS:    s.TimeoutMS,
		IssuedAt:     s.IssuedAt,
		Limits:       s.Limits,
	}
	c.ledger.Store(newRootLedger(s.SpanID, s.Budget))
	return c
}
