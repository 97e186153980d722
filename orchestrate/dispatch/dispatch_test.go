package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tailored-agentic-units/relay/orchestrate/config"
	"github.com/tailored-agentic-units/relay/orchestrate/correlate"
	"github.com/tailored-agentic-units/relay/orchestrate/delivery"
	"github.com/tailored-agentic-units/relay/orchestrate/dispatch"
	"github.com/tailored-agentic-units/relay/orchestrate/execution"
	"github.com/tailored-agentic-units/relay/orchestrate/hub"
	"github.com/tailored-agentic-units/relay/orchestrate/messaging"
	"github.com/tailored-agentic-units/relay/orchestrate/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	hub        hub.Hub
	correlator *correlate.Correlator
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
}

// newFixture registers orchestrator -> writing -> {writer, editor}.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.DefaultHubConfig()
	cfg.Name = "test-hub"
	h := hub.New(context.Background(), cfg)
	t.Cleanup(func() {
		assert.NoError(t, h.Shutdown(5*time.Second))
	})

	reg := registry.New()
	require.NoError(t, reg.Load(config.TopologyConfig{
		Supervisors: []config.SupervisorConfig{
			{Name: "orchestrator", Subordinates: []string{"writing"}},
			{Name: "writing", Subordinates: []string{"writer", "editor"}, Responsibilities: []string{"summarize"}},
		},
	}))

	c := correlate.New(h, config.DefaultCorrelatorConfig())
	return &fixture{
		hub:        h,
		correlator: c,
		registry:   reg,
		dispatcher: dispatch.NewDispatcher("api", c, reg),
	}
}

func (f *fixture) start(t *testing.T, name string, task dispatch.TaskFunc, opts ...dispatch.WorkerOption) *dispatch.Worker {
	t.Helper()
	opts = append([]dispatch.WorkerOption{
		dispatch.WithRegistry(f.registry),
		dispatch.WithDispatcher(f.dispatcher),
	}, opts...)

	w := dispatch.NewWorker(name, f.hub, task, opts...)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() {
		assert.NoError(t, w.Stop())
	})
	return w
}

func echo(ctx context.Context, call *dispatch.Call) (any, error) {
	return call.Task.Input, nil
}

func TestDispatch_RoutesByTaskTypeAndDelegates(t *testing.T) {
	f := newFixture(t)

	f.start(t, "writer", func(ctx context.Context, call *dispatch.Call) (any, error) {
		if err := call.Spend("small-model", 0.01, 120); err != nil {
			return nil, err
		}
		return "summary of " + call.Task.Input.(string), nil
	})

	var supervisorSpan string
	f.start(t, "writing", func(ctx context.Context, call *dispatch.Call) (any, error) {
		supervisorSpan = call.Context.SpanID
		result, err := call.Delegate(ctx, "writer", messaging.TaskRequest{
			TaskType: "write",
			Input:    call.Task.Input,
		})
		if err != nil {
			return nil, err
		}
		assert.Equal(t, call.Context.TraceID, result.Context.TraceID)
		assert.Equal(t, call.Context.SpanID, result.Context.ParentSpanID)
		return result.Response.Result, nil
	})

	result, err := f.dispatcher.Dispatch(context.Background(), dispatch.Request{
		TaskType: "summarize",
		TaskID:   "t1",
		Input:    "the report",
		Timeout:  2 * time.Second,
		Options:  []execution.Option{execution.WithMaxUSD(1)},
	})
	require.NoError(t, err)

	assert.Equal(t, "writing", result.Recipient)
	assert.Equal(t, "t1", result.Response.TaskID)
	assert.Equal(t, messaging.StatusCompleted, result.Response.Status)
	assert.Equal(t, "summary of the report", result.Response.Result)
	assert.Equal(t, result.Context.SpanID, supervisorSpan)

	budget := result.Context.Budget()
	assert.InDelta(t, 0.01, budget.UsedUSD, 1e-9)
	assert.Equal(t, int64(120), budget.UsedTokens)
	assert.Equal(t, int64(120), budget.ByModel["small-model"].Tokens)
}

func TestDispatch_RoutingErrors(t *testing.T) {
	f := newFixture(t)
	f.registry.RegisterSupervisor("research", "tier-1", nil, []string{"search"})

	tests := []struct {
		name string
		req  dispatch.Request
		want error
	}{
		{name: "unknown task type", req: dispatch.Request{TaskType: "translate"}, want: dispatch.ErrNoRoute},
		{name: "claimed but unbound", req: dispatch.Request{TaskType: "search"}, want: dispatch.ErrNotBound},
		{name: "registered recipient unbound", req: dispatch.Request{Recipient: "editor", TaskType: "edit"}, want: dispatch.ErrNotBound},
		{name: "missing task type", req: dispatch.Request{Recipient: "editor"}, want: messaging.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.dispatcher.Dispatch(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, 0, f.correlator.Pending())
}

func TestDispatch_UnregisteredRecipientWithoutSubscriber(t *testing.T) {
	f := newFixture(t)

	_, err := f.dispatcher.Dispatch(context.Background(), dispatch.Request{
		Recipient: "nobody",
		TaskType:  "ping",
		Timeout:   time.Second,
	})
	assert.ErrorIs(t, err, delivery.ErrDeliveryFailed)
}

func TestWorker_FailuresBecomeErrorReplies(t *testing.T) {
	tests := []struct {
		name     string
		task     dispatch.TaskFunc
		opts     []execution.Option
		timeout  time.Duration
		wantCode messaging.ErrorCode
	}{
		{
			name: "executor error",
			task: func(ctx context.Context, call *dispatch.Call) (any, error) {
				return nil, errors.New("model unavailable")
			},
			wantCode: messaging.CodeInternal,
		},
		{
			name: "typed error payload",
			task: func(ctx context.Context, call *dispatch.Call) (any, error) {
				return nil, &messaging.ErrorPayload{Message: "bad input", Code: messaging.CodeValidation}
			},
			wantCode: messaging.CodeValidation,
		},
		{
			name: "budget exceeded",
			task: func(ctx context.Context, call *dispatch.Call) (any, error) {
				return nil, call.Spend("large-model", 0.5, 0)
			},
			opts:     []execution.Option{execution.WithMaxUSD(0.1)},
			wantCode: messaging.CodeBudgetExceeded,
		},
		{
			name: "panic",
			task: func(ctx context.Context, call *dispatch.Call) (any, error) {
				panic("executor bug")
			},
			wantCode: messaging.CodeInternal,
		},
		{
			name: "processing limit",
			task: func(ctx context.Context, call *dispatch.Call) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			opts:     []execution.Option{execution.WithLimits(execution.Limits{MaxProcessingMS: 50})},
			wantCode: messaging.CodeTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.start(t, "writer", tt.task)

			_, err := f.dispatcher.Dispatch(context.Background(), dispatch.Request{
				Recipient: "writer",
				TaskType:  "write",
				Timeout:   2 * time.Second,
				Options:   tt.opts,
			})

			var remote *dispatch.RemoteError
			require.ErrorAs(t, err, &remote)
			assert.Equal(t, "writer", remote.Sender)
			assert.Equal(t, tt.wantCode, remote.Code)
			assert.Equal(t, tt.wantCode, messaging.CodeOf(err))
		})
	}
}

func TestWorker_DeadlineReportsTimeout(t *testing.T) {
	f := newFixture(t)
	f.start(t, "writer", func(ctx context.Context, call *dispatch.Call) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	start := time.Now()
	_, err := f.dispatcher.Dispatch(context.Background(), dispatch.Request{
		Recipient: "writer",
		TaskType:  "write",
		Timeout:   100 * time.Millisecond,
	})

	assert.Equal(t, messaging.CodeTimeout, messaging.CodeOf(err))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, f.correlator.Pending())
}

func TestWorker_ExactlyOnceDropsRedelivery(t *testing.T) {
	f := newFixture(t)

	var calls atomic.Int32
	f.start(t, "writer", func(ctx context.Context, call *dispatch.Call) (any, error) {
		calls.Add(1)
		return "done", nil
	})

	req, err := messaging.NewTaskRequest("api", "writer", messaging.TaskRequest{TaskType: "write"},
		messaging.WithDelivery(delivery.Policy{Guarantee: delivery.ExactlyOnce, Priority: 5}))
	require.NoError(t, err)

	slot, err := f.correlator.Open(req.CorrelationID)
	require.NoError(t, err)

	require.NoError(t, f.hub.Publish(context.Background(), messaging.Topic("writer"), req))
	require.NoError(t, f.hub.Publish(context.Background(), messaging.Topic("writer"), req))

	reply, err := slot.Wait(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, messaging.TypeTaskResponse, reply.Type)

	assert.Never(t, func() bool { return calls.Load() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWorker_CancellationEvent(t *testing.T) {
	f := newFixture(t)

	started := make(chan struct{})
	stopped := make(chan error, 1)
	w := f.start(t, "writer", func(ctx context.Context, call *dispatch.Call) (any, error) {
		close(started)
		<-ctx.Done()
		stopped <- ctx.Err()
		return nil, ctx.Err()
	})

	req, err := messaging.NewTaskRequest("api", "writer", messaging.TaskRequest{TaskType: "write"},
		messaging.WithContext(execution.NewPropagator(nil).Root(execution.WithTimeout(5*time.Second))))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.correlator.Request(context.Background(), req)
		done <- err
	}()

	<-started
	require.NoError(t, f.correlator.Cancel(context.Background(), req.CorrelationID, "caller left"))

	assert.ErrorIs(t, <-done, correlate.ErrCancelled)
	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("task was not cancelled")
	}
	assert.Eventually(t, func() bool { return w.Inflight() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWorker_Streaming(t *testing.T) {
	f := newFixture(t)
	f.start(t, "writer", nil, dispatch.WithStream(func(ctx context.Context, call *dispatch.Call, emit func(any) error) (any, error) {
		for _, part := range []string{"a", "b", "c"} {
			if err := emit(part); err != nil {
				return nil, err
			}
		}
		return "abc", nil
	}))

	start, err := messaging.NewStreamStart("api", "writer", messaging.StreamStart{TaskType: "draft"},
		messaging.WithContext(execution.NewPropagator(nil).Root(execution.WithTimeout(2*time.Second))))
	require.NoError(t, err)

	var mu sync.Mutex
	var parts []any
	reply, err := f.correlator.Request(context.Background(), start,
		correlate.WithChunkHandler(func(ctx context.Context, chunk *messaging.Envelope) {
			payload, _ := messaging.PayloadAs[messaging.StreamChunk](chunk)
			mu.Lock()
			parts = append(parts, payload.Data)
			mu.Unlock()
		}))
	require.NoError(t, err)

	assert.Equal(t, messaging.TypeStreamEnd, reply.Type)
	end, ok := messaging.PayloadAs[messaging.StreamEnd](reply)
	require.True(t, ok)
	assert.Equal(t, "abc", end.Result)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{"a", "b", "c"}, parts)
}

func TestWorker_RejectsUnsupportedRequest(t *testing.T) {
	f := newFixture(t)
	f.start(t, "writer", echo)

	start, err := messaging.NewStreamStart("api", "writer", messaging.StreamStart{TaskType: "draft"},
		messaging.WithContext(execution.NewPropagator(nil).Root(execution.WithTimeout(2*time.Second))))
	require.NoError(t, err)

	reply, err := f.correlator.Request(context.Background(), start)
	require.NoError(t, err)
	require.Equal(t, messaging.TypeError, reply.Type)

	payload, _ := messaging.PayloadAs[messaging.ErrorPayload](reply)
	assert.Equal(t, messaging.CodeNotRoutable, payload.Code)
}

func TestDispatcher_Fanout(t *testing.T) {
	f := newFixture(t)

	var active, peak atomic.Int32
	f.start(t, "writer", func(ctx context.Context, call *dispatch.Call) (any, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			current := peak.Load()
			if n <= current || peak.CompareAndSwap(current, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return call.Task.Input, nil
	}, dispatch.WithConcurrency(2))

	var requests []dispatch.Request
	for _, input := range []string{"one", "two", "three", "four"} {
		requests = append(requests, dispatch.Request{
			Recipient: "writer",
			TaskType:  "write",
			Input:     input,
			Timeout:   2 * time.Second,
		})
	}

	results, err := f.dispatcher.Fanout(context.Background(), requests, 0)
	require.NoError(t, err)
	require.Len(t, results, 4)

	for i, input := range []string{"one", "two", "three", "four"} {
		assert.Equal(t, input, results[i].Response.Result)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestDispatcher_FanoutFailure(t *testing.T) {
	f := newFixture(t)
	f.start(t, "writer", echo)

	_, err := f.dispatcher.Fanout(context.Background(), []dispatch.Request{
		{Recipient: "writer", TaskType: "write", Timeout: time.Second},
		{TaskType: "translate"},
	}, 0)
	assert.ErrorIs(t, err, dispatch.ErrNoRoute)
}

func TestWorker_StartStopBinding(t *testing.T) {
	f := newFixture(t)

	w := dispatch.NewWorker("editor", f.hub, echo, dispatch.WithRegistry(f.registry))
	require.NoError(t, w.Start(context.Background()))

	instance, ok := f.registry.Instance("editor")
	require.True(t, ok)
	assert.Same(t, w, instance)
	assert.Equal(t, 1, f.hub.SubscriberCount(messaging.Topic("editor")))

	require.NoError(t, w.Stop())
	_, ok = f.registry.Instance("editor")
	assert.False(t, ok)
	assert.Equal(t, 0, f.hub.SubscriberCount(messaging.Topic("editor")))

	unregistered := dispatch.NewWorker("ghost", f.hub, echo, dispatch.WithRegistry(f.registry))
	assert.ErrorIs(t, unregistered.Start(context.Background()), registry.ErrNotFound)
}

func TestWorker_StartOnClosedHubUnbinds(t *testing.T) {
	f := newFixture(t)

	closed := hub.New(context.Background(), config.DefaultHubConfig())
	require.NoError(t, closed.Shutdown(time.Second))

	w := dispatch.NewWorker("editor", closed, echo, dispatch.WithRegistry(f.registry))
	assert.ErrorIs(t, w.Start(context.Background()), hub.ErrClosed)

	_, bound := f.registry.Instance("editor")
	assert.False(t, bound)
}

func TestCall_DelegateChain(t *testing.T) {
	f := newFixture(t)

	f.start(t, "writer", func(ctx context.Context, call *dispatch.Call) (any, error) {
		return "draft(" + call.Task.Input.(string) + ")", nil
	})
	f.start(t, "editor", func(ctx context.Context, call *dispatch.Call) (any, error) {
		return "edited(" + call.Task.Input.(string) + ")", nil
	})

	var steps []*dispatch.Result
	f.start(t, "writing", func(ctx context.Context, call *dispatch.Call) (any, error) {
		results, err := call.DelegateChain(ctx, []dispatch.Request{
			{Recipient: "writer", TaskType: "write", Input: call.Task.Input},
			{Recipient: "editor", TaskType: "edit"},
		})
		if err != nil {
			return nil, err
		}
		steps = results
		return results[len(results)-1].Response.Result, nil
	})

	result, err := f.dispatcher.Dispatch(context.Background(), dispatch.Request{
		TaskType: "summarize",
		Input:    "notes",
		Timeout:  2 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "edited(draft(notes))", result.Response.Result)

	require.Len(t, steps, 2)
	for _, step := range steps {
		assert.Equal(t, result.Context.TraceID, step.Context.TraceID)
		assert.Equal(t, result.Context.SpanID, step.Context.ParentSpanID)
	}
}

func TestDispatcher_ChainStopsAtFailure(t *testing.T) {
	f := newFixture(t)
	f.start(t, "writer", echo)

	results, err := f.dispatcher.Chain(context.Background(), []dispatch.Request{
		{Recipient: "writer", TaskType: "write", Input: "a", Timeout: time.Second},
		{TaskType: "translate"},
		{Recipient: "writer", TaskType: "write", Timeout: time.Second},
	})

	var chainErr *dispatch.ChainError
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, 1, chainErr.Step)
	assert.ErrorIs(t, err, dispatch.ErrNoRoute)
	assert.Len(t, results, 1)
	assert.Len(t, chainErr.Results, 1)
}

func TestWorker_CancelWhileSaturated(t *testing.T) {
	f := newFixture(t)

	started := make(chan struct{})
	stopped := make(chan error, 1)
	w := f.start(t, "writer", func(ctx context.Context, call *dispatch.Call) (any, error) {
		if call.Task.Input != "long" {
			return call.Task.Input, nil
		}
		close(started)
		select {
		case <-ctx.Done():
			stopped <- ctx.Err()
			return nil, ctx.Err()
		case <-time.After(3 * time.Second):
			stopped <- nil
			return "finished", nil
		}
	}, dispatch.WithConcurrency(1))

	propagator := execution.NewPropagator(nil)
	request := func(input string) *messaging.Envelope {
		env, err := messaging.NewTaskRequest("api", "writer", messaging.TaskRequest{TaskType: "write", Input: input},
			messaging.WithContext(propagator.Root(execution.WithTimeout(5*time.Second))))
		require.NoError(t, err)
		return env
	}

	long, short := request("long"), request("short")

	longDone := make(chan error, 1)
	go func() {
		_, err := f.correlator.Request(context.Background(), long)
		longDone <- err
	}()
	<-started

	shortDone := make(chan *messaging.Envelope, 1)
	go func() {
		reply, err := f.correlator.Request(context.Background(), short)
		assert.NoError(t, err)
		shortDone <- reply
	}()
	assert.Eventually(t, func() bool { return w.Inflight() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.correlator.Cancel(context.Background(), long.CorrelationID, "caller left"))

	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancellation did not reach the running task")
	}
	assert.ErrorIs(t, <-longDone, correlate.ErrCancelled)

	select {
	case reply := <-shortDone:
		require.NotNil(t, reply)
		resp, ok := messaging.PayloadAs[messaging.TaskResponse](reply)
		require.True(t, ok)
		assert.Equal(t, "short", resp.Result)
	case <-time.After(2 * time.Second):
		t.Fatal("queued task did not run after capacity freed")
	}
}

func TestWorker_CancelReachesEveryRedelivery(t *testing.T) {
	f := newFixture(t)

	var started sync.WaitGroup
	started.Add(2)
	var cancelled atomic.Int32
	w := f.start(t, "writer", func(ctx context.Context, call *dispatch.Call) (any, error) {
		started.Done()
		<-ctx.Done()
		cancelled.Add(1)
		return nil, ctx.Err()
	})

	policy := delivery.DefaultPolicy()
	policy.Guarantee = delivery.AtLeastOnce
	req, err := messaging.NewTaskRequest("api", "writer", messaging.TaskRequest{TaskType: "write"},
		messaging.WithContext(execution.NewPropagator(nil).Root(execution.WithTimeout(5*time.Second))),
		messaging.WithDelivery(policy))
	require.NoError(t, err)

	for range 2 {
		_, err := f.hub.Send(context.Background(), req)
		require.NoError(t, err)
	}
	started.Wait()
	require.Equal(t, 2, w.Inflight())

	cancel, err := messaging.NewCancellation("api", req, "caller left")
	require.NoError(t, err)
	require.NoError(t, f.hub.Publish(context.Background(), messaging.Topic("writer"), cancel))

	assert.Eventually(t, func() bool { return cancelled.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return w.Inflight() == 0 }, time.Second, 5*time.Millisecond)
}
