package dispatch

import (
	"context"
	"fmt"
	"log/slog"
)

// ChainError reports the step at which a chain stopped. Results holds the
// steps that completed before it.
type ChainError struct {
	Step      int
	Recipient string
	Results   []*Result
	Err       error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("chain failed at step %d (%s): %v", e.Step, e.Recipient, e.Err)
}

func (e *ChainError) Unwrap() error {
	return e.Err
}

// Chain dispatches steps one after another. Each step after the first
// receives the previous step's result as its input, whatever Input it
// declares. The chain stops at the first failure or when ctx is done.
func (d *Dispatcher) Chain(ctx context.Context, steps []Request) ([]*Result, error) {
	results := make([]*Result, 0, len(steps))

	var carried any
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return results, &ChainError{Step: i, Recipient: step.Recipient, Results: results, Err: err}
		}

		if i > 0 {
			step.Input = carried
		}

		result, err := d.Dispatch(ctx, step)
		if err != nil {
			return results, &ChainError{Step: i, Recipient: step.Recipient, Results: results, Err: err}
		}

		d.logger.DebugContext(
			ctx,
			"chain step completed",
			slog.Int("step", i),
			slog.String("recipient", result.Recipient),
			slog.String("trace_id", result.Context.TraceID),
		)

		results = append(results, result)
		carried = result.Response.Result
	}

	return results, nil
}

// DelegateChain runs steps as a Chain on behalf of this worker, each step
// derived from the call's context.
func (c *Call) DelegateChain(ctx context.Context, steps []Request) ([]*Result, error) {
	d, err := c.worker.delegator()
	if err != nil {
		return nil, err
	}

	delegated := make([]Request, len(steps))
	for i, step := range steps {
		step.Sender = c.worker.name
		step.Parent = c.Context
		delegated[i] = step
	}
	return d.Chain(ctx, delegated)
}
