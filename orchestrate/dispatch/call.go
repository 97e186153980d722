package dispatch

import (
	"context"
	"maps"
	"sync"

	"github.com/tailored-agentic-units/relay/orchestrate/execution"
	"github.com/tailored-agentic-units/relay/orchestrate/messaging"
)

// Call is one request handed to an executor.
type Call struct {
	Envelope *messaging.Envelope
	Task     messaging.TaskRequest
	Context  *execution.Context

	worker *Worker

	usageMutex sync.Mutex
	usage      map[string]execution.ModelCost
}

// Spend records usage against the request's budget and every ancestor's.
// It fails without recording anything when a ceiling would be exceeded.
func (c *Call) Spend(model string, usd float64, tokens int64) error {
	if err := c.Context.Spend(model, usd, tokens); err != nil {
		return err
	}

	c.usageMutex.Lock()
	defer c.usageMutex.Unlock()
	if c.usage == nil {
		c.usage = make(map[string]execution.ModelCost)
	}
	cost := c.usage[model]
	cost.USD += usd
	cost.Tokens += tokens
	c.usage[model] = cost
	return nil
}

// Usage returns what this call has spent, per model.
func (c *Call) Usage() map[string]execution.ModelCost {
	c.usageMutex.Lock()
	defer c.usageMutex.Unlock()
	return maps.Clone(c.usage)
}

// Delegate forwards a task to recipient as this worker. The child context
// is derived from the call's, so its budget and timeout never exceed what
// remains here. An empty recipient routes by task type.
func (c *Call) Delegate(ctx context.Context, recipient string, task messaging.TaskRequest, opts ...execution.Option) (*Result, error) {
	d, err := c.worker.delegator()
	if err != nil {
		return nil, err
	}
	return d.Dispatch(ctx, Request{
		Recipient: recipient,
		Sender:    c.worker.name,
		TaskType:  task.TaskType,
		TaskID:    task.TaskID,
		Input:     task.Input,
		Metadata:  task.Metadata,
		Parent:    c.Context,
		Options:   opts,
	})
}

// DelegateAll forwards several tasks at once, running at most
// Limits.MaxConcurrent of them together when the request sets it.
func (c *Call) DelegateAll(ctx context.Context, requests []Request) ([]*Result, error) {
	d, err := c.worker.delegator()
	if err != nil {
		return nil, err
	}

	delegated := make([]Request, len(requests))
	for i, req := range requests {
		req.Sender = c.worker.name
		req.Parent = c.Context
		delegated[i] = req
	}
	return d.Fanout(ctx, delegated, c.Context.Limits.MaxConcurrent)
}
