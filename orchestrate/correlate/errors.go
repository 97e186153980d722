package correlate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tailored-agentic-units/relay/orchestrate/messaging"
)

var (
	ErrTimeout   = errors.New("correlation timeout")
	ErrNoTimeout = errors.New("await requires a positive timeout")
	ErrAwaited   = errors.New("correlation id already awaited")
	ErrUnknown   = errors.New("no pending exchange")

	// ErrCancelled is returned to a waiter whose exchange was cancelled. It
	// matches context.Canceled.
	ErrCancelled = fmt.Errorf("exchange cancelled: %w", context.Canceled)
)

// TimeoutError reports that no terminal reply arrived in time.
type TimeoutError struct {
	CorrelationID string
	After         time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no reply for correlation %s after %v", e.CorrelationID, e.After)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

func (e *TimeoutError) ErrorCode() messaging.ErrorCode {
	return messaging.CodeTimeout
}
