package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tailored-agentic-units/relay/orchestrate/correlate"
	"github.com/tailored-agentic-units/relay/orchestrate/delivery"
	"github.com/tailored-agentic-units/relay/orchestrate/execution"
	"github.com/tailored-agentic-units/relay/orchestrate/messaging"
	"github.com/tailored-agentic-units/relay/orchestrate/registry"
)

// Request describes a task to route.
type Request struct {
	// Recipient names the participant to send to. When empty the first bound
	// supervisor responsible for TaskType is used.
	Recipient string
	// Sender overrides the dispatcher's participant name.
	Sender string

	TaskType string
	TaskID   string
	Input    any
	Metadata map[string]string

	// Parent is the caller's execution context. Nil starts a new trace.
	Parent *execution.Context
	// Timeout declares the child's timeout; it is clamped to the parent's
	// remaining time.
	Timeout time.Duration
	// Options declare further ceilings, limits and baggage for the child
	// context.
	Options []execution.Option

	// Delivery overrides the dispatcher's default policy.
	Delivery *delivery.Policy
}

// Result is a completed exchange.
type Result struct {
	Recipient string
	Request   *messaging.Envelope
	Reply     *messaging.Envelope
	Response  messaging.TaskResponse
	Context   *execution.Context
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

func WithPropagator(p *execution.Propagator) Option {
	return func(d *Dispatcher) { d.propagator = p }
}

// WithPolicy sets the delivery policy of requests that declare none.
func WithPolicy(policy delivery.Policy) Option {
	return func(d *Dispatcher) { d.policy = policy }
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// Dispatcher sends tasks and waits for their replies.
type Dispatcher struct {
	sender     string
	correlator *correlate.Correlator
	registry   *registry.Registry
	propagator *execution.Propagator
	policy     delivery.Policy
	logger     *slog.Logger
}

// NewDispatcher creates a Dispatcher sending as sender. reg may be nil, in
// which case every request must name its recipient.
func NewDispatcher(sender string, c *correlate.Correlator, reg *registry.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sender:     sender,
		correlator: c,
		registry:   reg,
		propagator: execution.NewPropagator(nil),
		policy:     delivery.DefaultPolicy(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Route resolves the participant that should receive req.
func (d *Dispatcher) Route(req Request) (string, error) {
	if req.Recipient != "" {
		if d.registry == nil {
			return req.Recipient, nil
		}
		node, err := d.registry.Get(req.Recipient)
		switch {
		case errors.Is(err, registry.ErrNotFound):
			// Unregistered topics are plain subscribers.
			return req.Recipient, nil
		case err != nil:
			return "", err
		case !node.Bound:
			return "", fmt.Errorf("%w: %s", ErrNotBound, req.Recipient)
		}
		return req.Recipient, nil
	}

	if d.registry == nil {
		return "", fmt.Errorf("%w: %s", ErrNoRoute, req.TaskType)
	}

	claimants := d.registry.ResponsibleFor(req.TaskType)
	for _, sup := range claimants {
		if sup.Bound {
			return sup.Name, nil
		}
	}
	if len(claimants) > 0 {
		return "", fmt.Errorf("%w: no supervisor for %s", ErrNotBound, req.TaskType)
	}
	return "", fmt.Errorf("%w: %s", ErrNoRoute, req.TaskType)
}

// Dispatch routes req and waits for the terminal reply.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	if req.TaskType == "" {
		return nil, &messaging.ValidationError{Field: "task_type", Reason: "must not be empty"}
	}

	recipient, err := d.Route(req)
	if err != nil {
		return nil, err
	}

	opts := req.Options
	if req.Timeout > 0 {
		opts = append(opts[:len(opts):len(opts)], execution.WithTimeout(req.Timeout))
	}
	var execCtx *execution.Context
	if req.Parent != nil {
		execCtx = d.propagator.Derive(req.Parent, opts...)
	} else {
		execCtx = d.propagator.Root(opts...)
	}

	policy := d.policy
	if req.Delivery != nil {
		policy = *req.Delivery
	}

	sender := req.Sender
	if sender == "" {
		sender = d.sender
	}

	env, err := messaging.NewTaskRequest(sender, recipient, messaging.TaskRequest{
		TaskID:   req.TaskID,
		TaskType: req.TaskType,
		Input:    req.Input,
		Metadata: req.Metadata,
	}, messaging.WithContext(execCtx), messaging.WithDelivery(policy))
	if err != nil {
		return nil, err
	}

	d.logger.DebugContext(
		ctx,
		"dispatching task",
		slog.String("sender", sender),
		slog.String("recipient", recipient),
		slog.String("task_type", req.TaskType),
		slog.String("correlation_id", env.CorrelationID),
		slog.String("trace_id", execCtx.TraceID),
	)

	reply, err := d.correlator.Request(execCtx.Attach(ctx), env)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Recipient: recipient,
		Request:   env,
		Reply:     reply,
		Context:   execCtx,
	}

	switch reply.Type {
	case messaging.TypeTaskResponse:
		resp, ok := messaging.PayloadAs[messaging.TaskResponse](reply)
		if !ok {
			return result, fmt.Errorf("%w: TASK_RESPONSE without a task response payload", messaging.ErrValidation)
		}
		result.Response = resp
		return result, nil
	case messaging.TypeError:
		return result, remoteError(reply)
	default:
		return result, fmt.Errorf("unexpected reply type %s", reply.Type)
	}
}

// Fanout dispatches every request concurrently. Results are in request
// order. The first failure cancels the remaining waits and is returned.
// limit caps how many run at once; zero or less means no cap.
func (d *Dispatcher) Fanout(ctx context.Context, requests []Request, limit int) ([]*Result, error) {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}

	results := make([]*Result, len(requests))
	for i, req := range requests {
		g.Go(func() error {
			result, err := d.Dispatch(gctx, req)
			if err != nil {
				return fmt.Errorf("request %d (%s): %w", i, req.TaskType, err)
			}
			results[i] = result
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
