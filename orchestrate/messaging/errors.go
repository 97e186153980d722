package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/tailored-agentic-units/relay/orchestrate/delivery"
	"github.com/tailored-agentic-units/relay/orchestrate/execution"
)

var ErrValidation = errors.New("invalid envelope")

// ValidationError names the envelope field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid envelope: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ErrorCode classifies an ERROR payload so failures survive the trip
// through an envelope.
type ErrorCode string

const (
	CodeValidation     ErrorCode = "validation"
	CodeTimeout        ErrorCode = "timeout"
	CodeDeliveryFailed ErrorCode = "delivery_failed"
	CodeBudgetExceeded ErrorCode = "budget_exceeded"
	CodeRegistryCycle  ErrorCode = "registry_cycle"
	CodeCancelled      ErrorCode = "cancelled"
	CodeNotRoutable    ErrorCode = "not_routable"
	CodeNotFound       ErrorCode = "not_found"
	CodeTaskFailed     ErrorCode = "task_failed"
	CodeInternal       ErrorCode = "internal"
)

// Retryable reports whether a caller may reasonably reissue the exchange.
func (c ErrorCode) Retryable() bool {
	return c == CodeTimeout || c == CodeDeliveryFailed
}

// Coder is implemented by errors that know their wire code.
type Coder interface {
	ErrorCode() ErrorCode
}

// CodeOf returns the wire code for err.
func CodeOf(err error) ErrorCode {
	var coder Coder
	switch {
	case err == nil:
		return ""
	case errors.As(err, &coder):
		return coder.ErrorCode()
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, execution.ErrBudgetExceeded):
		return CodeBudgetExceeded
	case errors.Is(err, delivery.ErrDeliveryFailed):
		return CodeDeliveryFailed
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	default:
		return CodeInternal
	}
}
