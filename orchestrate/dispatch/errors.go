package dispatch

import (
	"errors"
	"fmt"

	"github.com/tailored-agentic-units/relay/orchestrate/messaging"
)

var (
	ErrNoRoute  = errors.New("no route for task")
	ErrNotBound = errors.New("recipient has no bound instance")
	ErrStopped  = errors.New("worker stopped")
)

// RemoteError is an ERROR reply received by a caller.
type RemoteError struct {
	Sender    string
	Code      messaging.ErrorCode
	Message   string
	Retryable bool
	Details   map[string]any
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s: %s", e.Sender, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Sender, e.Message, e.Code)
}

func (e *RemoteError) ErrorCode() messaging.ErrorCode {
	return e.Code
}

func remoteError(reply *messaging.Envelope) error {
	payload, ok := messaging.PayloadAs[messaging.ErrorPayload](reply)
	if !ok {
		payload = messaging.ErrorPayload{Message: "malformed error reply", Code: messaging.CodeInternal}
	}
	return &RemoteError{
		Sender:    reply.Sender,
		Code:      payload.Code,
		Message:   payload.Message,
		Retryable: payload.Retryable,
		Details:   payload.Details,
	}
}
