package delivery_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/tailored-agentic-units/relay/clock"
	"github.com/tailored-agentic-units/relay/orchestrate/delivery"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

var errFlaky = errors.New("subscriber queue full")

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*delivery.Policy)
		wantErr bool
	}{
		{name: "default", modify: func(*delivery.Policy) {}},
		{name: "max retries", modify: func(p *delivery.Policy) { p.RetryCount = 10 }},
		{name: "too many retries", modify: func(p *delivery.Policy) { p.RetryCount = 11 }, wantErr: true},
		{name: "negative retries", modify: func(p *delivery.Policy) { p.RetryCount = -1 }, wantErr: true},
		{name: "max delay", modify: func(p *delivery.Policy) { p.RetryDelayMS = 60000 }},
		{name: "delay too long", modify: func(p *delivery.Policy) { p.RetryDelayMS = 60001 }, wantErr: true},
		{name: "priority zero", modify: func(p *delivery.Policy) { p.Priority = 0 }},
		{name: "priority too high", modify: func(p *delivery.Policy) { p.Priority = 11 }, wantErr: true},
		{name: "unknown guarantee", modify: func(p *delivery.Policy) { p.Guarantee = "SOMETIMES" }, wantErr: true},
		{name: "unknown backoff", modify: func(p *delivery.Policy) { p.Backoff = "jitter" }, wantErr: true},
		{name: "negative multiplier", modify: func(p *delivery.Policy) { p.BackoffMultiplier = -2 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := delivery.DefaultPolicy()
			tt.modify(&policy)

			err := policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, delivery.ErrInvalidPolicy) {
				t.Errorf("Validate() error = %v, want ErrInvalidPolicy", err)
			}
		})
	}
}

func TestPolicy_Delay(t *testing.T) {
	tests := []struct {
		name   string
		policy delivery.Policy
		retry  int
		want   time.Duration
	}{
		{
			name:   "fixed",
			policy: delivery.Policy{RetryDelayMS: 500, Backoff: delivery.BackoffFixed},
			retry:  4,
			want:   500 * time.Millisecond,
		},
		{
			name:   "exponential default multiplier",
			policy: delivery.Policy{RetryDelayMS: 100, Backoff: delivery.BackoffExponential},
			retry:  3,
			want:   400 * time.Millisecond,
		},
		{
			name:   "exponential custom multiplier",
			policy: delivery.Policy{RetryDelayMS: 100, Backoff: delivery.BackoffExponential, BackoffMultiplier: 3},
			retry:  3,
			want:   900 * time.Millisecond,
		},
		{
			name:   "capped at sixty seconds",
			policy: delivery.Policy{RetryDelayMS: 60000, Backoff: delivery.BackoffExponential, BackoffMultiplier: 1000},
			retry:  10,
			want:   delivery.MaxRetryDelay,
		},
		{
			name:   "no delay",
			policy: delivery.Policy{Backoff: delivery.BackoffExponential},
			retry:  5,
			want:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Delay(tt.retry); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.retry, got, tt.want)
			}
		})
	}
}

func TestAttempt_Transitions(t *testing.T) {
	atLeastOnce := delivery.Policy{Guarantee: delivery.AtLeastOnce, RetryCount: 2, RetryDelayMS: 10}
	deadline := epoch.Add(time.Second)

	tests := []struct {
		name     string
		policy   delivery.Policy
		outcomes []delivery.Outcome
		at       time.Time
		want     []delivery.State
	}{
		{
			name:     "success",
			policy:   atLeastOnce,
			outcomes: []delivery.Outcome{delivery.OutcomeSuccess},
			want:     []delivery.State{delivery.StateDelivered},
		},
		{
			name:     "transient then success",
			policy:   atLeastOnce,
			outcomes: []delivery.Outcome{delivery.OutcomeTransient, delivery.OutcomeSuccess},
			want:     []delivery.State{delivery.StateRetryScheduled, delivery.StateDelivered},
		},
		{
			name:     "retries exhausted",
			policy:   atLeastOnce,
			outcomes: []delivery.Outcome{delivery.OutcomeTransient, delivery.OutcomeTimeout, delivery.OutcomeTransient},
			want:     []delivery.State{delivery.StateRetryScheduled, delivery.StateRetryScheduled, delivery.StateFailed},
		},
		{
			name:     "permanent ignores retries",
			policy:   atLeastOnce,
			outcomes: []delivery.Outcome{delivery.OutcomePermanent},
			want:     []delivery.State{delivery.StateFailed},
		},
		{
			name:     "at most once ignores retry count",
			policy:   delivery.Policy{Guarantee: delivery.AtMostOnce, RetryCount: 5},
			outcomes: []delivery.Outcome{delivery.OutcomeTransient},
			want:     []delivery.State{delivery.StateFailed},
		},
		{
			name:     "deadline wins over retries",
			policy:   atLeastOnce,
			outcomes: []delivery.Outcome{delivery.OutcomeTransient},
			at:       deadline,
			want:     []delivery.State{delivery.StateExpired},
		},
		{
			name:     "late success expires",
			policy:   atLeastOnce,
			outcomes: []delivery.Outcome{delivery.OutcomeSuccess},
			at:       deadline.Add(time.Millisecond),
			want:     []delivery.State{delivery.StateExpired},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempt := delivery.NewAttempt(tt.policy, deadline)
			now := tt.at
			if now.IsZero() {
				now = epoch
			}

			var got []delivery.State
			for _, outcome := range tt.outcomes {
				state, err := attempt.Record(outcome, now)
				if err != nil {
					t.Fatalf("Record(%s) error: %v", outcome, err)
				}
				got = append(got, state)
				if state == delivery.StateRetryScheduled {
					if _, err := attempt.Resume(now); err != nil {
						t.Fatalf("Resume error: %v", err)
					}
				}
			}

			if !slices.Equal(got, tt.want) {
				t.Errorf("states = %v, want %v", got, tt.want)
			}
			if slices.Contains(attempt.History(), delivery.StateRetryScheduled) && tt.policy.Guarantee == delivery.AtMostOnce {
				t.Error("AT_MOST_ONCE entered RETRY_SCHEDULED")
			}
		})
	}
}

func TestAttempt_RecordAfterTerminal(t *testing.T) {
	attempt := delivery.NewAttempt(delivery.DefaultPolicy(), time.Time{})
	if _, err := attempt.Record(delivery.OutcomeSuccess, epoch); err != nil {
		t.Fatalf("Record error: %v", err)
	}
	if _, err := attempt.Record(delivery.OutcomeSuccess, epoch); !errors.Is(err, delivery.ErrTerminal) {
		t.Errorf("second Record error = %v, want ErrTerminal", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want delivery.Outcome
	}{
		{err: nil, want: delivery.OutcomeSuccess},
		{err: errFlaky, want: delivery.OutcomeTransient},
		{err: delivery.Permanent(errFlaky), want: delivery.OutcomePermanent},
		{err: delivery.AttemptTimeout(time.Second), want: delivery.OutcomeTimeout},
	}

	for _, tt := range tests {
		if got := delivery.Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestEngine_AtMostOnceSingleAttempt(t *testing.T) {
	fake := clock.NewFake(epoch)
	engine := delivery.NewEngine(fake, nil)
	policy := delivery.Policy{Guarantee: delivery.AtMostOnce, RetryCount: 5, RetryDelayMS: 100}

	calls := 0
	result, err := engine.Run(context.Background(), "env-1", policy, time.Time{}, func(context.Context, int) error {
		calls++
		return errFlaky
	})

	if calls != 1 {
		t.Errorf("deliver called %d times, want 1", calls)
	}
	if result.State != delivery.StateFailed || result.Retries != 0 {
		t.Errorf("result = %+v, want FAILED with 0 retries", result)
	}
	var failure *delivery.FailureError
	if !errors.As(err, &failure) {
		t.Fatalf("Run error = %v, want *FailureError", err)
	}
	if !errors.Is(err, errFlaky) {
		t.Error("FailureError does not unwrap to the last attempt error")
	}
}

func TestEngine_RetriesWithBackoff(t *testing.T) {
	fake := clock.NewFake(epoch)
	engine := delivery.NewEngine(fake, nil)
	policy := delivery.Policy{
		Guarantee:    delivery.AtLeastOnce,
		RetryCount:   3,
		RetryDelayMS: 100,
		Backoff:      delivery.BackoffExponential,
	}

	var attempts []time.Time
	done := make(chan delivery.Result, 1)
	go func() {
		result, _ := engine.Run(context.Background(), "env-2", policy, time.Time{}, func(_ context.Context, n int) error {
			attempts = append(attempts, fake.Now())
			if n < 3 {
				return errFlaky
			}
			return nil
		})
		done <- result
	}()

	fake.BlockUntil(1)
	fake.Advance(100 * time.Millisecond)
	fake.BlockUntil(1)
	fake.Advance(200 * time.Millisecond)

	result := <-done
	if result.State != delivery.StateDelivered || result.Attempts != 3 {
		t.Fatalf("result = %+v, want DELIVERED after 3 attempts", result)
	}

	want := []time.Time{epoch, epoch.Add(100 * time.Millisecond), epoch.Add(300 * time.Millisecond)}
	if !slices.Equal(attempts, want) {
		t.Errorf("attempt times = %v, want %v", attempts, want)
	}
}

func TestEngine_ExpiresDuringRetryWait(t *testing.T) {
	fake := clock.NewFake(epoch)
	engine := delivery.NewEngine(fake, nil)
	policy := delivery.Policy{Guarantee: delivery.AtLeastOnce, RetryCount: 5, RetryDelayMS: 1000}
	deadline := epoch.Add(300 * time.Millisecond)

	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := engine.Run(context.Background(), "env-3", policy, deadline, func(context.Context, int) error {
			calls++
			return errFlaky
		})
		done <- err
	}()

	fake.BlockUntil(1)
	fake.Advance(300 * time.Millisecond)

	err := <-done
	var failure *delivery.FailureError
	if !errors.As(err, &failure) || failure.State != delivery.StateExpired {
		t.Fatalf("Run error = %v, want EXPIRED failure", err)
	}
	if calls != 1 {
		t.Errorf("deliver called %d times, want 1", calls)
	}
}

func TestEngine_ExpiredBeforeFirstAttempt(t *testing.T) {
	fake := clock.NewFake(epoch)
	engine := delivery.NewEngine(fake, nil)

	result, err := engine.Run(context.Background(), "env-4", delivery.DefaultPolicy(), epoch, func(context.Context, int) error {
		t.Error("deliver called for an expired envelope")
		return nil
	})

	if result.State != delivery.StateExpired || result.Attempts != 0 {
		t.Errorf("result = %+v, want EXPIRED with no attempts", result)
	}
	if !errors.Is(err, delivery.ErrDeliveryFailed) {
		t.Errorf("Run error = %v, want ErrDeliveryFailed", err)
	}
}

func TestEngine_ContextCancelledDuringWait(t *testing.T) {
	fake := clock.NewFake(epoch)
	engine := delivery.NewEngine(fake, nil)
	policy := delivery.Policy{Guarantee: delivery.AtLeastOnce, RetryCount: 2, RetryDelayMS: 1000}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := engine.Run(ctx, "env-5", policy, time.Time{}, func(context.Context, int) error {
			return errFlaky
		})
		done <- err
	}()

	fake.BlockUntil(1)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run error = %v, want context.Canceled", err)
	}
}

func TestWindow_Seen(t *testing.T) {
	fake := clock.NewFake(epoch)
	window := delivery.NewWindow(delivery.WindowConfig{TTL: time.Minute, MaxEntries: 2}, fake)

	if window.Seen("a") {
		t.Error("first Seen(a) = true, want false")
	}
	if !window.Seen("a") {
		t.Error("second Seen(a) = false, want true")
	}

	window.Seen("b")
	window.Seen("c")
	if window.Len() != 2 {
		t.Errorf("Len() = %d, want 2", window.Len())
	}
	if window.Seen("a") {
		t.Error("Seen(a) after eviction = true, want false")
	}

	fake.Advance(time.Minute)
	if window.Len() != 0 {
		t.Errorf("Len() after TTL = %d, want 0", window.Len())
	}

	window.Seen("d")
	window.Forget("d")
	if window.Seen("d") {
		t.Error("Seen(d) after Forget = true, want false")
	}
}
