package execution

import (
	"crypto/rand"
	"maps"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/tailored-agentic-units/relay/clock"
)

// minDerivedTimeout is given to a child whose parent has already run out of
// time, so that the child expires at once instead of inheriting no deadline.
const minDerivedTimeout = time.Millisecond

// Option declares a child's own ceilings, timeout, limits or baggage.
type Option func(*declared)

type declared struct {
	maxUSD    float64
	capUSD    bool
	maxTokens int64
	capTokens bool
	timeout   time.Duration
	limits    Limits
	baggage   map[string]string
}

// WithMaxUSD declares a USD ceiling.
func WithMaxUSD(usd float64) Option {
	return func(d *declared) {
		d.maxUSD = usd
		d.capUSD = true
	}
}

// WithMaxTokens declares a token ceiling.
func WithMaxTokens(tokens int64) Option {
	return func(d *declared) {
		d.maxTokens = tokens
		d.capTokens = true
	}
}

// WithTimeout declares the time allowed for the operation.
func WithTimeout(timeout time.Duration) Option {
	return func(d *declared) { d.timeout = timeout }
}

// WithLimits declares operational limits.
func WithLimits(limits Limits) Option {
	return func(d *declared) { d.limits = limits }
}

// WithBaggage adds a baggage entry.
func WithBaggage(key, value string) Option {
	return func(d *declared) {
		if d.baggage == nil {
			d.baggage = make(map[string]string)
		}
		d.baggage[key] = value
	}
}

// Propagator creates root contexts and derives child contexts.
type Propagator struct {
	clock clock.Clock
}

// NewPropagator creates a Propagator reading time from c (clock.Real when nil).
func NewPropagator(c clock.Clock) *Propagator {
	if c == nil {
		c = clock.Real()
	}
	return &Propagator{clock: c}
}

// Root starts a new trace.
func (p *Propagator) Root(opts ...Option) *Context {
	return p.root(newTraceID().String(), "", opts)
}

// FromSpanContext starts a context that continues an existing OTel trace,
// recording the incoming span as the parent. An invalid span context starts
// a new trace.
func (p *Propagator) FromSpanContext(sc trace.SpanContext, opts ...Option) *Context {
	if !sc.IsValid() {
		return p.Root(opts...)
	}
	return p.root(sc.TraceID().String(), sc.SpanID().String(), opts)
}

func (p *Propagator) root(traceID, parentSpanID string, opts []Option) *Context {
	d := collect(opts)
	spanID := newSpanID().String()

	var budget Budget
	if d.capUSD {
		budget.MaxUSD, budget.CappedUSD = d.maxUSD, true
	}
	if d.capTokens {
		budget.MaxTokens, budget.CappedTokens = d.maxTokens, true
	}

	c := &Context{
		TraceID:      traceID,
		SpanID:       spanID,
		ParentSpanID: parentSpanID,
		Baggage:      d.baggage,
		TimeoutMS:    d.timeout.Milliseconds(),
		IssuedAt:     p.clock.Now(),
		Limits:       Limits{}.Tighten(d.limits),
	}
	c.ledger.Store(newRootLedger(spanID, budget))
	return c
}

// Derive produces the context for a child operation. The parent is not
// modified. A nil parent behaves like Root.
func (p *Propagator) Derive(parent *Context, opts ...Option) *Context {
	if parent == nil {
		return p.Root(opts...)
	}

	d := collect(opts)
	now := p.clock.Now()
	spanID := newSpanID().String()

	parentBudget := parent.Budget()
	var budget Budget
	budget.MaxUSD, budget.CappedUSD = clampCeiling(parentBudget.RemainingUSD, d.maxUSD, d.capUSD)
	budget.MaxTokens, budget.CappedTokens = clampCeiling(parentBudget.RemainingTokens, d.maxTokens, d.capTokens)

	baggage := maps.Clone(parent.Baggage)
	if len(d.baggage) > 0 {
		if baggage == nil {
			baggage = make(map[string]string, len(d.baggage))
		}
		maps.Copy(baggage, d.baggage)
	}

	child := &Context{
		TraceID:      parent.TraceID,
		SpanID:       spanID,
		ParentSpanID: parent.SpanID,
		Baggage:      baggage,
		TimeoutMS:    deriveTimeout(parent, now, d.timeout).Milliseconds(),
		IssuedAt:     now,
		Limits:       parent.Limits.Tighten(d.limits),
	}

	child.ledger.Store(parent.accounts().child(spanID, budget))

	return child
}

func clampCeiling[T int64 | float64](parentRemaining func() (T, bool), declared T, isDeclared bool) (T, bool) {
	remaining, capped := parentRemaining()
	switch {
	case capped && isDeclared:
		return min(remaining, max(declared, 0)), true
	case capped:
		return remaining, true
	case isDeclared:
		return max(declared, 0), true
	default:
		return 0, false
	}
}

func deriveTimeout(parent *Context, now time.Time, declared time.Duration) time.Duration {
	remaining, bounded := parent.Remaining(now)
	if bounded && remaining <= 0 {
		return minDerivedTimeout
	}

	switch {
	case bounded && declared > 0:
		return min(declared, remaining)
	case bounded:
		return remaining
	default:
		return max(declared, 0)
	}
}

func collect(opts []Option) declared {
	var d declared
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

func newTraceID() trace.TraceID {
	var id trace.TraceID
	for !id.IsValid() {
		_, _ = rand.Read(id[:])
	}
	return id
}

func newSpanID() trace.SpanID {
	var id trace.SpanID
	for !id.IsValid() {
		_, _ = rand.Read(id[:])
	}
	return id
}
