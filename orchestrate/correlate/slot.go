package correlate

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tailored-agentic-units/relay/observability"
	"github.com/tailored-agentic-units/relay/orchestrate/hub"
	"github.com/tailored-agentic-units/relay/orchestrate/messaging"
)

// ChunkHandler receives STREAM_CHUNK envelopes of a streaming exchange in
// arrival order.
type ChunkHandler func(ctx context.Context, chunk *messaging.Envelope)

// AwaitOption configures a slot.
type AwaitOption func(*awaitOptions)

type awaitOptions struct {
	streaming bool
	onChunk   ChunkHandler
}

// Streaming makes STREAM_END terminal for the exchange.
func Streaming() AwaitOption {
	return func(o *awaitOptions) { o.streaming = true }
}

// WithChunkHandler forwards stream chunks to fn. It implies Streaming.
func WithChunkHandler(fn ChunkHandler) AwaitOption {
	return func(o *awaitOptions) {
		o.streaming = true
		o.onChunk = fn
	}
}

// Slot is one caller's wait for the terminal reply of an exchange.
type Slot struct {
	correlationID string
	correlator    *Correlator
	opts          awaitOptions

	// request is set when the slot was opened by Request, so Cancel knows
	// whom to notify.
	request *messaging.Envelope

	subscription hub.SubscriptionID
	result       chan *messaging.Envelope
	cancelled    chan struct{}
	resolved     atomic.Bool

	cancelOnce sync.Once
	closeOnce  sync.Once
}

func (s *Slot) CorrelationID() string {
	return s.correlationID
}

// Wait blocks until the slot resolves, timeout elapses, ctx is done, or
// the exchange is cancelled. The slot is closed on return.
func (s *Slot) Wait(ctx context.Context, timeout time.Duration) (*messaging.Envelope, error) {
	if timeout <= 0 {
		s.Close()
		return nil, ErrNoTimeout
	}
	return s.wait(ctx, timeout)
}

func (s *Slot) wait(ctx context.Context, timeout time.Duration) (*messaging.Envelope, error) {
	defer s.Close()

	select {
	case env := <-s.result:
		return env, nil
	default:
	}

	c := s.correlator
	select {
	case env := <-s.result:
		return env, nil
	case <-c.clock.After(timeout):
		select {
		case env := <-s.result:
			return env, nil
		default:
		}
		c.metrics.timedOut.Add(1)
		c.logger.DebugContext(
			ctx,
			"correlation timed out",
			slog.String("correlation_id", s.correlationID),
			slog.Duration("timeout", timeout),
		)
		c.emit(ctx, EventTimeout, observability.LevelWarning, s.request, map[string]any{
			"correlation_id": s.correlationID,
			"timeout_ms":     timeout.Milliseconds(),
		})
		return nil, &TimeoutError{CorrelationID: s.correlationID, After: timeout}
	case <-s.cancelled:
		return nil, ErrCancelled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases the slot's subscription. It is safe to call more than
// once and after Wait returned.
func (s *Slot) Close() {
	s.closeOnce.Do(func() {
		s.correlator.release(s)
	})
}

func (s *Slot) cancel() bool {
	first := false
	s.cancelOnce.Do(func() {
		close(s.cancelled)
		first = true
	})
	return first
}

// receive is the slot's hub handler.
func (s *Slot) receive(ctx context.Context, env *messaging.Envelope) error {
	c := s.correlator

	if env.CorrelationID != s.correlationID {
		return nil
	}

	if env.Type == messaging.TypeStreamChunk {
		if s.opts.onChunk != nil && !s.resolved.Load() {
			s.opts.onChunk(ctx, env)
		}
		return nil
	}

	if !env.Type.Terminal(s.opts.streaming) {
		c.logger.DebugContext(
			ctx,
			"ignoring non-terminal reply",
			slog.String("correlation_id", s.correlationID),
			slog.String("message_type", string(env.Type)),
		)
		return nil
	}

	if !s.resolved.CompareAndSwap(false, true) {
		c.metrics.duplicates.Add(1)
		c.logger.DebugContext(
			ctx,
			"dropping duplicate terminal reply",
			slog.String("correlation_id", s.correlationID),
			slog.String("envelope_id", env.ID),
			slog.String("message_type", string(env.Type)),
		)
		c.emit(ctx, EventDuplicate, observability.LevelVerbose, env, map[string]any{
			"correlation_id": s.correlationID,
			"envelope_id":    env.ID,
		})
		return nil
	}

	c.metrics.resolved.Add(1)
	s.result <- env
	c.emit(ctx, EventResolve, observability.LevelVerbose, env, map[string]any{
		"correlation_id": s.correlationID,
		"message_type":   string(env.Type),
	})
	return nil
}
