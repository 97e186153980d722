package delivery

import (
	"fmt"
	"time"
)

// State is the position of a delivery in the retry state machine.
type State string

const (
	StatePending        State = "PENDING"
	StateDelivered      State = "DELIVERED"
	StateRetryScheduled State = "RETRY_SCHEDULED"
	StateFailed         State = "FAILED"
	StateExpired        State = "EXPIRED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateFailed || s == StateExpired
}

// Outcome is the result of a single delivery attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeTransient Outcome = "transient"
	OutcomePermanent Outcome = "permanent"
	OutcomeTimeout   Outcome = "timeout"
)

// transitions lists the states reachable from each state.
var transitions = map[State][]State{
	StatePending:        {StateDelivered, StateRetryScheduled, StateFailed, StateExpired},
	StateRetryScheduled: {StatePending, StateExpired},
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Attempt tracks one envelope's delivery across retries.
type Attempt struct {
	Policy   Policy
	Deadline time.Time

	state     State
	attempts  int
	retries   int
	nextDelay time.Duration
	history   []State
}

// NewAttempt starts a delivery in PENDING. A zero deadline never expires.
func NewAttempt(policy Policy, deadline time.Time) *Attempt {
	return &Attempt{
		Policy:   policy,
		Deadline: deadline,
		state:    StatePending,
		history:  []State{StatePending},
	}
}

// State returns the current state.
func (a *Attempt) State() State { return a.state }

// Attempts returns how many outcomes have been recorded.
func (a *Attempt) Attempts() int { return a.attempts }

// Retries returns how many retries have been scheduled.
func (a *Attempt) Retries() int { return a.retries }

// NextDelay is the wait before the next attempt while RETRY_SCHEDULED.
func (a *Attempt) NextDelay() time.Duration { return a.nextDelay }

// History returns every state the delivery has passed through.
func (a *Attempt) History() []State {
	return append([]State(nil), a.history...)
}

// Expired reports whether the deadline has passed at now.
func (a *Attempt) Expired(now time.Time) bool {
	return !a.Deadline.IsZero() && !now.Before(a.Deadline)
}

// Record applies the outcome of an attempt made at now and returns the new
// state. The deadline is checked first: a late outcome, even a successful
// one, moves the delivery to EXPIRED.
func (a *Attempt) Record(outcome Outcome, now time.Time) (State, error) {
	if a.state != StatePending {
		return a.state, fmt.Errorf("%w: cannot record %s in %s", ErrTerminal, outcome, a.state)
	}

	a.attempts++
	a.nextDelay = 0

	var next State
	switch {
	case a.Expired(now):
		next = StateExpired
	case outcome == OutcomeSuccess:
		next = StateDelivered
	case outcome == OutcomePermanent:
		next = StateFailed
	case a.retries < a.Policy.EffectiveRetries():
		a.retries++
		a.nextDelay = a.Policy.Delay(a.retries)
		next = StateRetryScheduled
	default:
		next = StateFailed
	}

	return next, a.move(next)
}

// Expire ends a pending delivery whose deadline passed before an attempt
// could be made. No attempt is counted.
func (a *Attempt) Expire() error {
	return a.move(StateExpired)
}

// Resume re-enters PENDING after a scheduled retry, or EXPIRED if the
// deadline passed during the wait.
func (a *Attempt) Resume(now time.Time) (State, error) {
	if a.state != StateRetryScheduled {
		return a.state, fmt.Errorf("%w: cannot resume from %s", ErrTerminal, a.state)
	}
	next := StatePending
	if a.Expired(now) {
		next = StateExpired
	}
	return next, a.move(next)
}

func (a *Attempt) move(to State) error {
	if !allowed(a.state, to) {
		return fmt.Errorf("invalid delivery transition %s -> %s", a.state, to)
	}
	a.state = to
	a.history = append(a.history, to)
	return nil
}
