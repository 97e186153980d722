package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tailored-agentic-units/relay/clock"
	"github.com/tailored-agentic-units/relay/observability"
	"github.com/tailored-agentic-units/relay/orchestrate/config"
	"github.com/tailored-agentic-units/relay/orchestrate/delivery"
	"github.com/tailored-agentic-units/relay/orchestrate/messaging"
)

var (
	ErrClosed        = errors.New("hub closed")
	ErrNoSubscribers = errors.New("no subscribers")
	ErrExpired       = errors.New("envelope expired")
	ErrInvalidTarget = errors.New("invalid address")
	ErrTopicMode     = errors.New("topic declared with a different mode")
	ErrNotSubscribed = errors.New("subscription not found")
)

const (
	EventSubscribe   observability.EventType = "bus.subscribe"
	EventUnsubscribe observability.EventType = "bus.unsubscribe"
	EventPublish     observability.EventType = "bus.publish"
	EventDrop        observability.EventType = "bus.drop"
	EventRetry       observability.EventType = "bus.retry"
	EventFailure     observability.EventType = "bus.failure"
)

// Receipt reports how a submitted envelope ended.
type Receipt struct {
	EnvelopeID   string
	State        delivery.State
	Attempts     int
	Acknowledged int
}

// Hub is the address-based publish/subscribe transport.
type Hub interface {
	Subscribe(addr messaging.Address, handler Handler) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID) error
	Declare(topic string, opts TopicOptions) error

	// Publish enqueues env for every subscriber of addr and returns without
	// waiting for them.
	Publish(ctx context.Context, addr messaging.Address, env *messaging.Envelope) error
	// Submit delivers env to addr under its delivery policy, retrying and
	// waiting for acknowledgments as the policy requires.
	Submit(ctx context.Context, addr messaging.Address, env *messaging.Envelope) (Receipt, error)
	// Send submits env to the topic named by its recipient.
	Send(ctx context.Context, env *messaging.Envelope) (Receipt, error)
	// Reply publishes env to the reply address of its correlation id.
	Reply(ctx context.Context, env *messaging.Envelope) error

	SubscriberCount(addr messaging.Address) int
	Metrics() MetricsSnapshot
	Shutdown(timeout time.Duration) error
}

// Option customizes a hub.
type Option func(*hub)

// WithClock replaces the clock used for expiry, retry delays and ack waits.
func WithClock(c clock.Clock) Option {
	return func(h *hub) { h.clock = c }
}

// WithObserver sets the observer that receives bus events.
func WithObserver(o observability.Observer) Option {
	return func(h *hub) { h.observer = o }
}

type subscription struct {
	id      SubscriptionID
	addr    messaging.Address
	handler Handler
	queue   *MessageChannel[*pending]
	shared  bool
	ctx     context.Context
	cancel  context.CancelFunc
}

type topicEntry struct {
	declared  bool
	exclusive bool
	subs      []*subscription
	shared    *MessageChannel[*pending]
}

// pending is one queued copy of an envelope. settle is called once with the
// handler's result, or with a drop reason if the copy never ran.
type pending struct {
	env      *messaging.Envelope
	seq      uint64
	priority int
	settle   func(SubscriptionID, error)
}

func fifo(a, b *pending) bool {
	return a.seq < b.seq
}

func byPriority(a, b *pending) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

type hub struct {
	name string

	topics      map[messaging.Address]*topicEntry
	subsByID    map[SubscriptionID]*subscription
	topicsMutex sync.RWMutex

	channelBufferSize int
	ackTimeout        time.Duration
	shutdownTimeout   time.Duration
	seq               atomic.Uint64

	clock    clock.Clock
	engine   *delivery.Engine
	logger   *slog.Logger
	observer observability.Observer
	metrics  *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a hub whose lifetime is bounded by ctx and Shutdown.
func New(ctx context.Context, hubConfig config.HubConfig, opts ...Option) Hub {
	cfg := config.DefaultHubConfig()
	cfg.Merge(&hubConfig)

	hubCtx, cancel := context.WithCancel(ctx)

	h := &hub{
		name:              cfg.Name,
		topics:            make(map[messaging.Address]*topicEntry),
		subsByID:          make(map[SubscriptionID]*subscription),
		channelBufferSize: cfg.ChannelBufferSize,
		ackTimeout:        cfg.AckTimeout(),
		shutdownTimeout:   cfg.ShutdownTimeout(),
		clock:             clock.Real(),
		logger:            cfg.Logger,
		observer:          observability.NoOpObserver{},
		metrics:           NewMetrics(),
		ctx:               hubCtx,
		cancel:            cancel,
	}

	for _, opt := range opts {
		opt(h)
	}
	h.engine = delivery.NewEngine(h.clock, h.logger)

	return h
}

func (h *hub) Declare(topic string, opts TopicOptions) error {
	if topic == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidTarget)
	}

	h.topicsMutex.Lock()
	defer h.topicsMutex.Unlock()

	addr := messaging.Topic(topic)
	entry, exists := h.topics[addr]
	if exists {
		if (entry.declared || len(entry.subs) > 0) && entry.exclusive != opts.Exclusive {
			return fmt.Errorf("%w: %s", ErrTopicMode, topic)
		}
		entry.declared = true
		return nil
	}

	entry = &topicEntry{declared: true, exclusive: opts.Exclusive}
	if opts.Exclusive {
		entry.shared = NewMessageChannel(h.channelBufferSize, byPriority)
	}
	h.topics[addr] = entry
	return nil
}

func (h *hub) Subscribe(addr messaging.Address, handler Handler) (SubscriptionID, error) {
	if !addr.Valid() {
		return "", fmt.Errorf("%w: %s", ErrInvalidTarget, addr)
	}
	if handler == nil {
		return "", fmt.Errorf("%w: nil handler", ErrInvalidTarget)
	}

	h.topicsMutex.Lock()
	if h.closed.Load() {
		h.topicsMutex.Unlock()
		return "", ErrClosed
	}

	entry, exists := h.topics[addr]
	if !exists {
		entry = &topicEntry{}
		h.topics[addr] = entry
	}

	subCtx, cancel := context.WithCancel(h.ctx)
	sub := &subscription{
		id:      SubscriptionID(uuid.Must(uuid.NewV7()).String()),
		addr:    addr,
		handler: handler,
		ctx:     subCtx,
		cancel:  cancel,
	}
	if entry.exclusive {
		sub.queue = entry.shared
		sub.shared = true
	} else {
		sub.queue = NewMessageChannel(h.channelBufferSize, fifo)
	}

	entry.subs = append(entry.subs, sub)
	h.subsByID[sub.id] = sub
	h.wg.Add(1)
	h.topicsMutex.Unlock()

	go h.consume(sub)

	h.metrics.RecordSubscription(1)
	h.logger.DebugContext(
		h.ctx,
		"subscribed",
		slog.String("hub_name", h.name),
		slog.String("address", addr.String()),
		slog.String("subscription_id", string(sub.id)),
	)
	h.emit(h.ctx, EventSubscribe, observability.LevelVerbose, nil, map[string]any{
		"address":         addr.String(),
		"subscription_id": string(sub.id),
	})

	return sub.id, nil
}

func (h *hub) Unsubscribe(id SubscriptionID) error {
	h.topicsMutex.Lock()
	sub, exists := h.subsByID[id]
	if exists {
		delete(h.subsByID, id)
		entry := h.topics[sub.addr]
		for i, s := range entry.subs {
			if s.id == id {
				entry.subs = append(entry.subs[:i], entry.subs[i+1:]...)
				break
			}
		}
		if len(entry.subs) == 0 && !entry.declared {
			delete(h.topics, sub.addr)
		}
	}
	h.topicsMutex.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, id)
	}

	h.stop(sub)
	h.metrics.RecordSubscription(-1)
	h.logger.DebugContext(
		h.ctx,
		"unsubscribed",
		slog.String("hub_name", h.name),
		slog.String("address", sub.addr.String()),
		slog.String("subscription_id", string(id)),
	)
	h.emit(h.ctx, EventUnsubscribe, observability.LevelVerbose, nil, map[string]any{
		"address":         sub.addr.String(),
		"subscription_id": string(id),
	})

	return nil
}

func (h *hub) stop(sub *subscription) {
	sub.cancel()
	if !sub.shared {
		sub.queue.Close()
	}
}

func (h *hub) SubscriberCount(addr messaging.Address) int {
	h.topicsMutex.RLock()
	defer h.topicsMutex.RUnlock()

	if entry, exists := h.topics[addr]; exists {
		return len(entry.subs)
	}
	return 0
}

func (h *hub) Publish(ctx context.Context, addr messaging.Address, env *messaging.Envelope) error {
	targets, err := h.resolve(addr, env, nil)
	if errors.Is(err, ErrNoSubscribers) {
		h.logger.DebugContext(
			ctx,
			"no subscribers for address",
			slog.String("hub_name", h.name),
			slog.String("address", addr.String()),
			slog.String("envelope_id", env.ID),
		)
		return nil
	}
	if err != nil {
		return err
	}

	_, err = h.enqueue(ctx, addr, env, targets, nil)
	return err
}

// target is a queue that should receive a copy of an envelope. sub is empty
// for the shared queue of an exclusive topic.
type target struct {
	sub   SubscriptionID
	queue *MessageChannel[*pending]
}

// resolve lists the queues of addr that should receive env, leaving out
// subscriptions in skip.
func (h *hub) resolve(addr messaging.Address, env *messaging.Envelope, skip map[SubscriptionID]bool) ([]target, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}
	if !addr.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTarget, addr)
	}
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrInvalidTarget)
	}
	if env.Expired(h.clock.Now()) {
		h.metrics.RecordExpired(1)
		return nil, fmt.Errorf("%w: %s", ErrExpired, env.ID)
	}

	h.topicsMutex.RLock()
	defer h.topicsMutex.RUnlock()

	entry, exists := h.topics[addr]
	if !exists || len(entry.subs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSubscribers, addr)
	}

	if entry.exclusive {
		return []target{{queue: entry.shared}}, nil
	}

	targets := make([]target, 0, len(entry.subs))
	for _, sub := range entry.subs {
		if !skip[sub.id] {
			targets = append(targets, target{sub: sub.id, queue: sub.queue})
		}
	}
	return targets, nil
}

// enqueue hands a copy of env to every target and returns the subscriptions
// whose queue accepted it. Queue failures are joined into the error.
func (h *hub) enqueue(
	ctx context.Context,
	addr messaging.Address,
	env *messaging.Envelope,
	targets []target,
	settle func(SubscriptionID, error),
) ([]SubscriptionID, error) {
	h.metrics.RecordPublished(1)

	var accepted []SubscriptionID
	var errs []error
	for _, t := range targets {
		item := &pending{
			env:      env.Clone(),
			seq:      h.seq.Add(1),
			priority: env.Delivery.Priority,
			settle:   settle,
		}
		if err := t.queue.TrySend(item); err != nil {
			h.metrics.RecordDropped(1)
			h.logger.WarnContext(
				ctx,
				"failed to enqueue envelope",
				slog.String("hub_name", h.name),
				slog.String("address", addr.String()),
				slog.String("envelope_id", env.ID),
				slog.String("error", err.Error()),
			)
			h.emit(ctx, EventDrop, observability.LevelWarning, env, map[string]any{
				"address": addr.String(),
				"reason":  err.Error(),
			})
			errs = append(errs, err)
			continue
		}
		accepted = append(accepted, t.sub)
	}

	h.emit(ctx, EventPublish, observability.LevelVerbose, env, map[string]any{
		"address":     addr.String(),
		"envelope_id": env.ID,
		"targets":     len(targets),
		"accepted":    len(accepted),
	})

	return accepted, errors.Join(errs...)
}

type ackResult struct {
	sub SubscriptionID
	err error
}

func (h *hub) Submit(ctx context.Context, addr messaging.Address, env *messaging.Envelope) (Receipt, error) {
	if env == nil {
		return Receipt{}, fmt.Errorf("%w: nil envelope", ErrInvalidTarget)
	}

	acked := make(map[SubscriptionID]bool)
	deadline, _ := env.Deadline()

	result, err := h.engine.Run(ctx, env.ID, env.Delivery, deadline, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			h.metrics.RecordRetry(1)
			h.emit(ctx, EventRetry, observability.LevelInfo, env, map[string]any{
				"address": addr.String(),
				"attempt": attempt,
			})
		}
		return h.attempt(ctx, addr, env, deadline, acked)
	})

	receipt := Receipt{
		EnvelopeID:   env.ID,
		State:        result.State,
		Attempts:     result.Attempts,
		Acknowledged: len(acked),
	}

	if err != nil {
		h.metrics.RecordFailure(1)
		h.logger.WarnContext(
			ctx,
			"delivery failed",
			slog.String("hub_name", h.name),
			slog.String("address", addr.String()),
			slog.String("envelope_id", env.ID),
			slog.String("state", string(result.State)),
			slog.Int("attempts", result.Attempts),
			slog.String("error", err.Error()),
		)
		h.emit(ctx, EventFailure, observability.LevelWarning, env, map[string]any{
			"address":  addr.String(),
			"state":    string(result.State),
			"attempts": result.Attempts,
		})
		h.failExchange(ctx, env, result.State, err)
		return receipt, err
	}

	return receipt, nil
}

// attempt runs one delivery attempt. Without RequireAck an envelope counts
// as delivered once every target queue accepted it.
func (h *hub) attempt(
	ctx context.Context,
	addr messaging.Address,
	env *messaging.Envelope,
	deadline time.Time,
	acked map[SubscriptionID]bool,
) error {
	targets, err := h.resolve(addr, env, acked)
	switch {
	case errors.Is(err, ErrNoSubscribers):
		return err
	case err != nil:
		return delivery.Permanent(err)
	case len(targets) == 0:
		return nil
	}

	if !env.Delivery.RequireAck {
		accepted, err := h.enqueue(ctx, addr, env, targets, nil)
		for _, id := range accepted {
			acked[id] = true
		}
		return err
	}

	results := make(chan ackResult, len(targets))
	settle := func(id SubscriptionID, err error) {
		results <- ackResult{sub: id, err: err}
	}

	accepted, enqueueErr := h.enqueue(ctx, addr, env, targets, settle)

	wait := h.ackTimeout
	if !deadline.IsZero() {
		wait = min(wait, max(deadline.Sub(h.clock.Now()), 0))
	}
	timeout := h.clock.After(wait)

	errs := []error{enqueueErr}
	for range accepted {
		select {
		case result := <-results:
			if result.err != nil {
				errs = append(errs, result.err)
				continue
			}
			acked[result.sub] = true
			h.metrics.RecordAcked(1)
		case <-timeout:
			return errors.Join(append(errs, delivery.AttemptTimeout(wait))...)
		case <-ctx.Done():
			return delivery.Permanent(ctx.Err())
		case <-h.ctx.Done():
			return delivery.Permanent(ErrClosed)
		}
	}
	return errors.Join(errs...)
}

// failExchange publishes an ERROR to the reply address of a request whose
// delivery failed, so the caller waiting on it is released.
func (h *hub) failExchange(ctx context.Context, env *messaging.Envelope, state delivery.State, cause error) {
	if env.CorrelationID == "" || env.Type.Reply() {
		return
	}

	payload := messaging.ErrorFrom(cause)
	if state == delivery.StateExpired {
		payload.Code = messaging.CodeTimeout
		payload.Retryable = true
	}

	reply, err := messaging.NewErrorReply(messaging.SystemSender, env, payload)
	if err != nil {
		h.logger.ErrorContext(
			ctx,
			"failed to build delivery failure reply",
			slog.String("hub_name", h.name),
			slog.String("envelope_id", env.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := h.Publish(ctx, reply.ReplyAddress(), reply); err != nil {
		h.logger.ErrorContext(
			ctx,
			"failed to publish delivery failure reply",
			slog.String("hub_name", h.name),
			slog.String("correlation_id", env.CorrelationID),
			slog.String("error", err.Error()),
		)
	}
}

func (h *hub) Send(ctx context.Context, env *messaging.Envelope) (Receipt, error) {
	if env == nil {
		return Receipt{}, fmt.Errorf("%w: nil envelope", ErrInvalidTarget)
	}
	return h.Submit(ctx, messaging.Topic(env.Recipient), env)
}

func (h *hub) Reply(ctx context.Context, env *messaging.Envelope) error {
	if env == nil || env.CorrelationID == "" {
		return fmt.Errorf("%w: reply without correlation id", ErrInvalidTarget)
	}
	if env.Delivery.Guarantee == delivery.AtMostOnce {
		return h.Publish(ctx, env.ReplyAddress(), env)
	}
	_, err := h.Submit(ctx, env.ReplyAddress(), env)
	return err
}

func (h *hub) Metrics() MetricsSnapshot {
	return h.metrics.Snapshot()
}

func (h *hub) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = h.shutdownTimeout
	}

	h.logger.DebugContext(
		h.ctx,
		"shutting down hub",
		slog.String("hub_name", h.name),
	)

	h.topicsMutex.Lock()
	h.closed.Store(true)
	subs := make([]*subscription, 0, len(h.subsByID))
	for _, sub := range h.subsByID {
		subs = append(subs, sub)
	}
	for _, entry := range h.topics {
		if entry.shared != nil {
			entry.shared.Close()
		}
	}
	h.topicsMutex.Unlock()

	h.cancel()
	for _, sub := range subs {
		h.stop(sub)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("hub shutdown timeout after %v", timeout)
	}
}

// consume runs a subscription's handler over its queue until the
// subscription ends.
func (h *hub) consume(sub *subscription) {
	defer h.wg.Done()

	for {
		item, err := sub.queue.Receive(sub.ctx)
		if err != nil {
			break
		}
		if sub.ctx.Err() != nil {
			h.release(sub, item)
			break
		}
		h.handle(sub, item)
	}

	if !sub.shared {
		for _, item := range sub.queue.Drain() {
			h.metrics.RecordDropped(1)
			item.ack(sub.id, ErrNotSubscribed)
		}
	}
}

// release gives back an item taken by a subscription that is ending. On an
// exclusive topic it returns to the shared queue for a competing consumer,
// keeping its place in the order.
func (h *hub) release(sub *subscription, item *pending) {
	if sub.shared {
		if err := sub.queue.TrySend(item); err == nil {
			return
		}
	}
	h.metrics.RecordDropped(1)
	item.ack(sub.id, ErrNotSubscribed)
}

func (h *hub) handle(sub *subscription, item *pending) {
	env := item.env

	if env.Expired(h.clock.Now()) {
		h.metrics.RecordExpired(1)
		h.emit(h.ctx, EventDrop, observability.LevelInfo, env, map[string]any{
			"address": sub.addr.String(),
			"reason":  "expired",
		})
		item.ack(sub.id, fmt.Errorf("%w: %s", ErrExpired, env.ID))
		return
	}

	h.metrics.RecordDelivered(1)
	err := h.invoke(sub, env)
	if err != nil {
		h.metrics.RecordHandlerError(1)
		h.logger.WarnContext(
			sub.ctx,
			"handler failed",
			slog.String("hub_name", h.name),
			slog.String("address", sub.addr.String()),
			slog.String("envelope_id", env.ID),
			slog.String("sender", env.Sender),
			slog.String("error", err.Error()),
		)
	}
	item.ack(sub.id, err)
}

func (h *hub) invoke(sub *subscription, env *messaging.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return sub.handler(env.Context.Attach(sub.ctx), env)
}

func (p *pending) ack(id SubscriptionID, err error) {
	if p.settle != nil {
		p.settle(id, err)
	}
}

func (h *hub) emit(ctx context.Context, eventType observability.EventType, level observability.Level, env *messaging.Envelope, data map[string]any) {
	traceID, spanID := env.TraceFields()
	h.observer.OnEvent(ctx, observability.Event{
		Type:      eventType,
		Level:     level,
		Timestamp: h.clock.Now(),
		Source:    "hub." + h.name,
		TraceID:   traceID,
		SpanID:    spanID,
		Data:      data,
	})
}
