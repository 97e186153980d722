package delivery

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidPolicy  = errors.New("invalid delivery policy")
	ErrDeliveryFailed = errors.New("delivery failed")
	ErrTerminal       = errors.New("delivery already in a terminal state")
)

// FailureError reports a delivery that ended FAILED or EXPIRED.
type FailureError struct {
	EnvelopeID string
	State      State
	Attempts   int
	Last       error
}

func (e *FailureError) Error() string {
	msg := fmt.Sprintf("delivery of %s %s after %d attempt(s)", e.EnvelopeID, e.State, e.Attempts)
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *FailureError) Is(target error) bool {
	return target == ErrDeliveryFailed
}

func (e *FailureError) Unwrap() error {
	return e.Last
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type timeoutError struct {
	after time.Duration
}

func (e *timeoutError) Error() string {
	return fmt.Sprintf("attempt not acknowledged within %v", e.after)
}

// AttemptTimeout returns the error a deliver function reports when an
// attempt was not acknowledged in time. It classifies as OutcomeTimeout.
func AttemptTimeout(after time.Duration) error {
	return &timeoutError{after: after}
}

// Classify maps a deliver function's error to an attempt outcome.
func Classify(err error) Outcome {
	var timeout *timeoutError
	switch {
	case err == nil:
		return OutcomeSuccess
	case IsPermanent(err):
		return OutcomePermanent
	case errors.As(err, &timeout):
		return OutcomeTimeout
	default:
		return OutcomeTransient
	}
}
