package delivery

import (
	"context"
	"log/slog"
	"time"

	"github.com/tailored-agentic-units/relay/clock"
)

// DeliverFunc performs attempt number n (1-based). Returning nil means the
// attempt was acknowledged. Wrap an error with Permanent to stop retries.
type DeliverFunc func(ctx context.Context, attempt int) error

// Engine runs the delivery state machine.
type Engine struct {
	clock  clock.Clock
	logger *slog.Logger
}

// NewEngine creates an Engine. Nil arguments fall back to the real clock and
// slog.Default().
func NewEngine(c clock.Clock, logger *slog.Logger) *Engine {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{clock: c, logger: logger}
}

// Result summarizes a finished delivery.
type Result struct {
	State    State
	Attempts int
	Retries  int
	Last     error
}

// Run drives deliver until the delivery reaches a terminal state. It returns
// a *FailureError for FAILED and EXPIRED. Cancelling ctx while a retry is
// scheduled ends the delivery as FAILED with ctx.Err() as the last error.
func (e *Engine) Run(ctx context.Context, envelopeID string, policy Policy, deadline time.Time, deliver DeliverFunc) (Result, error) {
	attempt := NewAttempt(policy, deadline)
	var last error

	for {
		if attempt.Expired(e.clock.Now()) {
			_ = attempt.Expire()
			return e.finish(envelopeID, attempt, last)
		}

		last = deliver(ctx, attempt.Attempts()+1)
		state, err := attempt.Record(Classify(last), e.clock.Now())
		if err != nil {
			return e.finish(envelopeID, attempt, err)
		}

		if state != StateRetryScheduled {
			return e.finish(envelopeID, attempt, last)
		}

		e.logger.DebugContext(ctx, "delivery retry scheduled",
			slog.String("envelope_id", envelopeID),
			slog.Int("attempt", attempt.Attempts()),
			slog.Duration("delay", attempt.NextDelay()),
			slog.Any("error", last))

		if err := e.wait(ctx, attempt); err != nil {
			return Result{State: StateFailed, Attempts: attempt.Attempts(), Retries: attempt.Retries(), Last: err},
				&FailureError{EnvelopeID: envelopeID, State: StateFailed, Attempts: attempt.Attempts(), Last: err}
		}

		if _, err := attempt.Resume(e.clock.Now()); err != nil {
			return e.finish(envelopeID, attempt, err)
		}
		if attempt.State() == StateExpired {
			return e.finish(envelopeID, attempt, last)
		}
	}
}

// wait sleeps for the scheduled delay, waking early at the deadline.
func (e *Engine) wait(ctx context.Context, attempt *Attempt) error {
	delay := attempt.NextDelay()
	if !attempt.Deadline.IsZero() {
		delay = min(delay, max(attempt.Deadline.Sub(e.clock.Now()), 0))
	}
	if delay <= 0 {
		return ctx.Err()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.clock.After(delay):
		return nil
	}
}

func (e *Engine) finish(envelopeID string, attempt *Attempt, last error) (Result, error) {
	result := Result{
		State:    attempt.State(),
		Attempts: attempt.Attempts(),
		Retries:  attempt.Retries(),
		Last:     last,
	}
	if result.State == StateDelivered {
		return result, nil
	}
	return result, &FailureError{
		EnvelopeID: envelopeID,
		State:      result.State,
		Attempts:   result.Attempts,
		Last:       last,
	}
}
