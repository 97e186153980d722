package correlate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tailored-agentic-units/relay/clock"
	"github.com/tailored-agentic-units/relay/observability"
	"github.com/tailored-agentic-units/relay/orchestrate/config"
	"github.com/tailored-agentic-units/relay/orchestrate/hub"
	"github.com/tailored-agentic-units/relay/orchestrate/messaging"
)

const (
	EventOpen      observability.EventType = "correlate.open"
	EventResolve   observability.EventType = "correlate.resolve"
	EventDuplicate observability.EventType = "correlate.duplicate"
	EventTimeout   observability.EventType = "correlate.timeout"
	EventCancel    observability.EventType = "correlate.cancel"
)

// Option customizes a Correlator.
type Option func(*Correlator)

func WithClock(c clock.Clock) Option {
	return func(cr *Correlator) { cr.clock = c }
}

func WithObserver(o observability.Observer) Option {
	return func(cr *Correlator) { cr.observer = o }
}

// Correlator tracks open wait-slots by correlation id.
type Correlator struct {
	hub            hub.Hub
	defaultTimeout time.Duration

	slots      map[string]*Slot
	slotsMutex sync.Mutex

	clock    clock.Clock
	logger   *slog.Logger
	observer observability.Observer
	metrics  metrics
}

// New creates a Correlator on h. cfg is used as given: a zero
// DefaultTimeoutMS makes Request refuse envelopes without a deadline.
func New(h hub.Hub, cfg config.CorrelatorConfig, opts ...Option) *Correlator {
	c := &Correlator{
		hub:            h,
		defaultTimeout: cfg.DefaultTimeout(),
		slots:          make(map[string]*Slot),
		clock:          clock.Real(),
		logger:         cfg.Logger,
		observer:       observability.NoOpObserver{},
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open registers a wait-slot for correlationID and subscribes it to the
// reply address. The caller must Wait on or Close the slot.
func (c *Correlator) Open(correlationID string, opts ...AwaitOption) (*Slot, error) {
	return c.open(correlationID, nil, opts)
}

func (c *Correlator) open(correlationID string, request *messaging.Envelope, opts []AwaitOption) (*Slot, error) {
	if correlationID == "" {
		return nil, &messaging.ValidationError{Field: "correlation_id", Reason: "required"}
	}

	s := &Slot{
		correlationID: correlationID,
		correlator:    c,
		request:       request,
		result:        make(chan *messaging.Envelope, 1),
		cancelled:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&s.opts)
	}

	c.slotsMutex.Lock()
	if _, exists := c.slots[correlationID]; exists {
		c.slotsMutex.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAwaited, correlationID)
	}
	c.slots[correlationID] = s
	c.slotsMutex.Unlock()

	id, err := c.hub.Subscribe(messaging.ReplyAddress(correlationID), s.receive)
	if err != nil {
		c.slotsMutex.Lock()
		delete(c.slots, correlationID)
		c.slotsMutex.Unlock()
		return nil, err
	}
	s.subscription = id

	c.metrics.opened.Add(1)
	c.emit(context.Background(), EventOpen, observability.LevelVerbose, request, map[string]any{
		"correlation_id": correlationID,
		"streaming":      s.opts.streaming,
	})

	return s, nil
}

func (c *Correlator) release(s *Slot) {
	c.slotsMutex.Lock()
	if c.slots[s.correlationID] == s {
		delete(c.slots, s.correlationID)
	}
	c.slotsMutex.Unlock()

	if err := c.hub.Unsubscribe(s.subscription); err != nil {
		c.logger.Debug(
			"reply subscription already released",
			slog.String("correlation_id", s.correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// Await waits up to timeout for the terminal reply to correlationID.
func (c *Correlator) Await(ctx context.Context, correlationID string, timeout time.Duration, opts ...AwaitOption) (*messaging.Envelope, error) {
	if timeout <= 0 {
		return nil, ErrNoTimeout
	}

	s, err := c.Open(correlationID, opts...)
	if err != nil {
		return nil, err
	}
	return s.wait(ctx, timeout)
}

// Request sends env to its recipient and waits for the terminal reply. The
// slot is opened before sending so a fast reply cannot be missed. The wait
// ends at the envelope's deadline, or after the configured default when it
// has none. A failed delivery is returned as the error.
func (c *Correlator) Request(ctx context.Context, env *messaging.Envelope, opts ...AwaitOption) (*messaging.Envelope, error) {
	if env == nil {
		return nil, &messaging.ValidationError{Field: "envelope", Reason: "required"}
	}
	if env.Type == messaging.TypeStreamStart {
		opts = append([]AwaitOption{Streaming()}, opts...)
	}

	start := c.clock.Now()
	timeout := c.defaultTimeout
	if deadline, ok := env.Deadline(); ok {
		timeout = deadline.Sub(start)
		if timeout <= 0 {
			return nil, &TimeoutError{CorrelationID: env.CorrelationID}
		}
	}
	if timeout <= 0 {
		return nil, ErrNoTimeout
	}

	s, err := c.open(env.CorrelationID, env, opts)
	if err != nil {
		return nil, err
	}

	if _, err := c.hub.Send(ctx, env); err != nil {
		s.Close()
		return nil, err
	}

	remaining := timeout - c.clock.Now().Sub(start)
	return s.wait(ctx, max(remaining, 0))
}

// Cancel releases the slot waiting on correlationID; its waiter receives
// ErrCancelled. When the slot belongs to a Request, a cancellation EVENT is
// published to the request's recipient.
func (c *Correlator) Cancel(ctx context.Context, correlationID, reason string) error {
	c.slotsMutex.Lock()
	s, exists := c.slots[correlationID]
	c.slotsMutex.Unlock()

	if !exists || !s.cancel() {
		return fmt.Errorf("%w: %s", ErrUnknown, correlationID)
	}

	c.metrics.cancelled.Add(1)
	c.logger.DebugContext(
		ctx,
		"exchange cancelled",
		slog.String("correlation_id", correlationID),
		slog.String("reason", reason),
	)
	c.emit(ctx, EventCancel, observability.LevelInfo, s.request, map[string]any{
		"correlation_id": correlationID,
		"reason":         reason,
	})

	if s.request == nil {
		return nil
	}

	event, err := messaging.NewCancellation(s.request.Sender, s.request, reason)
	if err != nil {
		return err
	}
	return c.hub.Publish(ctx, messaging.Topic(s.request.Recipient), event)
}

// Pending reports how many slots are open.
func (c *Correlator) Pending() int {
	c.slotsMutex.Lock()
	defer c.slotsMutex.Unlock()
	return len(c.slots)
}

func (c *Correlator) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		Opened:     c.metrics.opened.Load(),
		Resolved:   c.metrics.resolved.Load(),
		TimedOut:   c.metrics.timedOut.Load(),
		Cancelled:  c.metrics.cancelled.Load(),
		Duplicates: c.metrics.duplicates.Load(),
		Pending:    c.Pending(),
	}
}

func (c *Correlator) emit(ctx context.Context, eventType observability.EventType, level observability.Level, env *messaging.Envelope, data map[string]any) {
	traceID, spanID := env.TraceFields()
	c.observer.OnEvent(ctx, observability.Event{
		Type:      eventType,
		Level:     level,
		Timestamp: c.clock.Now(),
		Source:    "correlate",
		TraceID:   traceID,
		SpanID:    spanID,
		Data:      data,
	})
}
