package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/tailored-agentic-units/relay/clock"
	"github.com/tailored-agentic-units/relay/orchestrate/delivery"
	"github.com/tailored-agentic-units/relay/orchestrate/execution"
	"github.com/tailored-agentic-units/relay/orchestrate/hub"
	"github.com/tailored-agentic-units/relay/orchestrate/messaging"
	"github.com/tailored-agentic-units/relay/orchestrate/registry"
)

// TaskFunc executes a task and returns its result. Returning an error
// produces an ERROR reply; returning *messaging.ErrorPayload controls its
// code.
type TaskFunc func(ctx context.Context, call *Call) (any, error)

// StreamFunc executes a streaming task. Each emit publishes a STREAM_CHUNK;
// the returned value is carried by STREAM_END.
type StreamFunc func(ctx context.Context, call *Call, emit func(data any) error) (any, error)

// DefaultConcurrency is how many requests a worker runs at once unless
// configured otherwise.
const DefaultConcurrency = 4

// WorkerOption customizes a Worker.
type WorkerOption func(*Worker)

// WithStream lets the worker answer STREAM_START requests.
func WithStream(fn StreamFunc) WorkerOption {
	return func(w *Worker) { w.stream = fn }
}

// WithConcurrency caps how many requests run at once.
func WithConcurrency(n int64) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithDeduper replaces the window used to drop EXACTLY_ONCE redeliveries.
func WithDeduper(d delivery.Deduper) WorkerOption {
	return func(w *Worker) { w.dedup = d }
}

// WithRegistry binds the worker to its name while it runs.
func WithRegistry(reg *registry.Registry) WorkerOption {
	return func(w *Worker) { w.registry = reg }
}

// WithDispatcher enables Call.Delegate.
func WithDispatcher(d *Dispatcher) WorkerOption {
	return func(w *Worker) { w.dispatcher = d }
}

func WithWorkerClock(c clock.Clock) WorkerOption {
	return func(w *Worker) { w.clock = c }
}

func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

// Worker answers requests addressed to one participant.
type Worker struct {
	name   string
	hub    hub.Hub
	task   TaskFunc
	stream StreamFunc

	concurrency int64
	sem         *semaphore.Weighted
	dedup       delivery.Deduper
	registry    *registry.Registry
	dispatcher  *Dispatcher
	propagator  *execution.Propagator
	clock       clock.Clock
	logger      *slog.Logger

	mu           sync.Mutex
	subscription hub.SubscriptionID
	running      bool
	ctx          context.Context
	cancel       context.CancelFunc
	inflight     map[string]map[*taskRun]struct{}
	wg           sync.WaitGroup
}

// taskRun is one accepted request. Redeliveries of the same request get
// their own run, so each can be cancelled and cleaned up independently.
type taskRun struct {
	cancel context.CancelFunc
}

// NewWorker creates a worker for name running task.
func NewWorker(name string, h hub.Hub, task TaskFunc, opts ...WorkerOption) *Worker {
	w := &Worker{
		name:        name,
		hub:         h,
		task:        task,
		concurrency: DefaultConcurrency,
		clock:       clock.Real(),
		logger:      slog.Default(),
		inflight:    make(map[string]map[*taskRun]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.sem = semaphore.NewWeighted(w.concurrency)
	w.propagator = execution.NewPropagator(w.clock)
	if w.dedup == nil {
		w.dedup = delivery.NewWindow(delivery.DefaultWindowConfig(), w.clock)
	}
	return w
}

func (w *Worker) Name() string {
	return w.name
}

// Start subscribes the worker to its topic and binds it in the registry.
func (w *Worker) Start(ctx context.Context) error {
	if messaging.Reserved(w.name) || w.name == "" {
		return &messaging.ValidationError{Field: "name", Reason: "must be a participant name"}
	}
	if w.task == nil && w.stream == nil {
		return errors.New("worker has no executor")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("worker %s already started", w.name)
	}

	if w.registry != nil {
		if err := w.registry.BindInstance(w.name, w); err != nil {
			return err
		}
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	id, err := w.hub.Subscribe(messaging.Topic(w.name), w.receive)
	if err != nil {
		w.cancel()
		if w.registry != nil {
			if unbindErr := w.registry.UnbindInstance(w.name); unbindErr != nil {
				err = errors.Join(err, unbindErr)
			}
		}
		return err
	}
	w.subscription = id
	w.running = true

	w.logger.Debug("worker started", slog.String("name", w.name))
	return nil
}

// Stop unsubscribes the worker, cancels running tasks and waits for them
// to publish their replies.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	id := w.subscription
	w.mu.Unlock()

	err := w.hub.Unsubscribe(id)
	w.cancel()
	w.wg.Wait()

	if w.registry != nil {
		if unbindErr := w.registry.UnbindInstance(w.name); unbindErr != nil {
			err = errors.Join(err, unbindErr)
		}
	}

	w.logger.Debug("worker stopped", slog.String("name", w.name))
	return err
}

// receive is the worker's hub handler. It returns once the request has
// been accepted; the task waits for capacity and runs on its own goroutine,
// so cancellation events queued behind it are never held up by a full
// worker.
func (w *Worker) receive(ctx context.Context, env *messaging.Envelope) error {
	switch env.Type {
	case messaging.TypeEvent:
		w.handleEvent(ctx, env)
		return nil
	case messaging.TypeTaskRequest:
		if w.task == nil {
			return w.reject(ctx, env, "task requests")
		}
	case messaging.TypeStreamStart:
		if w.stream == nil {
			return w.reject(ctx, env, "streams")
		}
	default:
		w.logger.DebugContext(
			ctx,
			"ignoring envelope",
			slog.String("worker", w.name),
			slog.String("message_type", string(env.Type)),
		)
		return nil
	}

	if env.Delivery.Guarantee == delivery.ExactlyOnce && w.dedup.Seen(env.ID) {
		w.logger.DebugContext(
			ctx,
			"dropping redelivered request",
			slog.String("worker", w.name),
			slog.String("envelope_id", env.ID),
		)
		return nil
	}

	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		if env.Delivery.Guarantee == delivery.ExactlyOnce {
			w.dedup.Forget(env.ID)
		}
		return delivery.Permanent(ErrStopped)
	}
	taskCtx, cancel := w.taskContext(env)
	run := &taskRun{cancel: cancel}
	w.track(env.CorrelationID, run)
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		defer w.untrack(env.CorrelationID, run)

		if err := w.sem.Acquire(taskCtx, 1); err != nil {
			w.reply(taskCtx, env, w.errorReply(env, w.failure(taskCtx, err)))
			return
		}
		defer w.sem.Release(1)

		w.run(taskCtx, env)
	}()
	return nil
}

// track registers run under correlationID. The caller holds w.mu.
func (w *Worker) track(correlationID string, run *taskRun) {
	runs := w.inflight[correlationID]
	if runs == nil {
		runs = make(map[*taskRun]struct{})
		w.inflight[correlationID] = runs
	}
	runs[run] = struct{}{}
}

func (w *Worker) untrack(correlationID string, run *taskRun) {
	w.mu.Lock()
	if runs := w.inflight[correlationID]; runs != nil {
		delete(runs, run)
		if len(runs) == 0 {
			delete(w.inflight, correlationID)
		}
	}
	w.mu.Unlock()
	run.cancel()
}

func (w *Worker) reject(ctx context.Context, env *messaging.Envelope, kind string) error {
	err := fmt.Errorf("%s does not accept %s", w.name, kind)
	w.reply(ctx, env, w.errorReply(env, &messaging.ErrorPayload{
		Message: err.Error(),
		Code:    messaging.CodeNotRoutable,
	}))
	return delivery.Permanent(err)
}

func (w *Worker) handleEvent(ctx context.Context, env *messaging.Envelope) {
	event, ok := messaging.PayloadAs[messaging.Event](env)
	if !ok || event.Name != messaging.EventCancel {
		return
	}

	w.mu.Lock()
	runs := make([]*taskRun, 0, len(w.inflight[env.CorrelationID]))
	for run := range w.inflight[env.CorrelationID] {
		runs = append(runs, run)
	}
	w.mu.Unlock()

	if len(runs) == 0 {
		return
	}
	w.logger.DebugContext(
		ctx,
		"cancelling task",
		slog.String("worker", w.name),
		slog.String("correlation_id", env.CorrelationID),
		slog.Int("runs", len(runs)),
	)
	for _, run := range runs {
		run.cancel()
	}
}

// taskContext bounds a task by the worker's lifetime, the request's
// deadline and its processing limit.
func (w *Worker) taskContext(env *messaging.Envelope) (context.Context, context.CancelFunc) {
	ctx := env.Context.Attach(w.ctx)

	deadline, hasDeadline := env.Deadline()
	if env.Context != nil {
		if limit := env.Context.Limits.MaxProcessing(); limit > 0 {
			if processing := w.clock.Now().Add(limit); !hasDeadline || processing.Before(deadline) {
				deadline, hasDeadline = processing, true
			}
		}
	}

	if hasDeadline {
		return context.WithDeadline(ctx, deadline)
	}
	return context.WithCancel(ctx)
}

func (w *Worker) run(ctx context.Context, env *messaging.Envelope) {
	execCtx := env.Context
	if execCtx == nil {
		execCtx = w.propagator.Root()
	}
	call := &Call{Envelope: env, Context: execCtx, worker: w}

	var reply *messaging.Envelope
	if env.Type == messaging.TypeStreamStart {
		start, _ := messaging.PayloadAs[messaging.StreamStart](env)
		call.Task = messaging.TaskRequest{TaskID: start.TaskID, TaskType: start.TaskType, Input: start.Input}
		reply = w.runStream(ctx, call)
	} else {
		call.Task, _ = messaging.PayloadAs[messaging.TaskRequest](env)
		reply = w.runTask(ctx, call)
	}

	w.reply(ctx, env, reply)
}

func (w *Worker) runTask(ctx context.Context, call *Call) *messaging.Envelope {
	result, err := w.invoke(func() (any, error) { return w.task(ctx, call) })
	if err = w.failure(ctx, err); err != nil {
		return w.errorReply(call.Envelope, err)
	}

	resp, err := messaging.NewTaskResponse(w.name, call.Envelope, messaging.TaskResponse{
		Status: messaging.StatusCompleted,
		Result: result,
		Usage:  call.Usage(),
	})
	if err != nil {
		return w.errorReply(call.Envelope, err)
	}
	return resp
}

func (w *Worker) runStream(ctx context.Context, call *Call) *messaging.Envelope {
	sequence := 0
	emit := func(data any) error {
		chunk, err := messaging.NewStreamChunk(w.name, call.Envelope, messaging.StreamChunk{
			Sequence: sequence,
			Data:     data,
		})
		if err != nil {
			return err
		}
		sequence++
		return w.hub.Reply(ctx, chunk)
	}

	result, err := w.invoke(func() (any, error) { return w.stream(ctx, call, emit) })
	if err = w.failure(ctx, err); err != nil {
		return w.errorReply(call.Envelope, err)
	}

	end, err := messaging.NewStreamEnd(w.name, call.Envelope, messaging.StreamEnd{
		Status: messaging.StatusCompleted,
		Result: result,
	})
	if err != nil {
		return w.errorReply(call.Envelope, err)
	}
	return end
}

func (w *Worker) invoke(fn func() (any, error)) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &messaging.ErrorPayload{
				Message: fmt.Sprintf("task panicked: %v", r),
				Code:    messaging.CodeInternal,
			}
		}
	}()
	return fn()
}

// failure reports why the task failed, preferring the task context's own
// end over whatever the executor returned.
func (w *Worker) failure(ctx context.Context, err error) error {
	switch ctxErr := ctx.Err(); {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		return &messaging.ErrorPayload{
			Message:   fmt.Sprintf("%s exceeded its deadline", w.name),
			Code:      messaging.CodeTimeout,
			Retryable: true,
		}
	case errors.Is(ctxErr, context.Canceled):
		return &messaging.ErrorPayload{
			Message: fmt.Sprintf("%s task cancelled", w.name),
			Code:    messaging.CodeCancelled,
		}
	}
	return err
}

func (w *Worker) errorReply(request *messaging.Envelope, cause error) *messaging.Envelope {
	reply, err := messaging.NewErrorReply(w.name, request, cause)
	if err != nil {
		w.logger.Error(
			"failed to build error reply",
			slog.String("worker", w.name),
			slog.String("correlation_id", request.CorrelationID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return reply
}

func (w *Worker) reply(ctx context.Context, request *messaging.Envelope, reply *messaging.Envelope) {
	if reply == nil {
		return
	}
	// The task context may be done already; the reply must still go out.
	if err := w.hub.Reply(context.WithoutCancel(ctx), reply); err != nil {
		w.logger.ErrorContext(
			ctx,
			"failed to publish reply",
			slog.String("worker", w.name),
			slog.String("correlation_id", request.CorrelationID),
			slog.String("message_type", string(reply.Type)),
			slog.String("error", err.Error()),
		)
		return
	}

	w.logger.DebugContext(
		ctx,
		"task finished",
		slog.String("worker", w.name),
		slog.String("correlation_id", request.CorrelationID),
		slog.String("message_type", string(reply.Type)),
	)
}

func (w *Worker) delegator() (*Dispatcher, error) {
	if w.dispatcher == nil {
		return nil, fmt.Errorf("%w: %s cannot delegate without a dispatcher", ErrNoRoute, w.name)
	}
	return w.dispatcher, nil
}

// Inflight reports how many accepted tasks have not finished, including
// those waiting for capacity.
func (w *Worker) Inflight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, runs := range w.inflight {
		n += len(runs)
	}
	return n
}
