package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/tailored-agentic-units/relay/orchestrate/correlate"
	"github.com/tailored-agentic-units/relay/orchestrate/delivery"
	"github.com/tailored-agentic-units/relay/orchestrate/dispatch"
	"github.com/tailored-agentic-units/relay/orchestrate/execution"
	"github.com/tailored-agentic-units/relay/orchestrate/messaging"
	"github.com/tailored-agentic-units/relay/orchestrate/registry"
)

// ErrInvalidInput marks malformed request bodies.
var ErrInvalidInput = errors.New("invalid input")

// statusClientClosed is nginx's "client closed request".
const statusClientClosed = 499

// HTTPError is an error with the status and code it is reported with.
type HTTPError struct {
	StatusCode int
	Code       messaging.ErrorCode
	Err        error
}

func (e *HTTPError) Error() string {
	return e.Err.Error()
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// MapError maps a domain error to an HTTPError.
func MapError(err error) *HTTPError {
	if err == nil {
		return nil
	}

	var remote *dispatch.RemoteError
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, messaging.ErrValidation):
		return &HTTPError{http.StatusBadRequest, messaging.CodeValidation, err}

	case errors.Is(err, dispatch.ErrNoRoute):
		return &HTTPError{http.StatusNotFound, messaging.CodeNotRoutable, err}

	case errors.Is(err, registry.ErrNotFound):
		return &HTTPError{http.StatusNotFound, messaging.CodeNotFound, err}

	case errors.Is(err, registry.ErrCycle):
		return &HTTPError{http.StatusConflict, messaging.CodeRegistryCycle, err}

	case errors.As(err, &remote):
		return &HTTPError{statusForCode(remote.Code), remote.Code, err}

	case errors.Is(err, correlate.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return &HTTPError{http.StatusGatewayTimeout, messaging.CodeTimeout, err}

	case errors.Is(err, delivery.ErrDeliveryFailed), errors.Is(err, dispatch.ErrNotBound):
		return &HTTPError{http.StatusBadGateway, messaging.CodeDeliveryFailed, err}

	case errors.Is(err, execution.ErrBudgetExceeded):
		return &HTTPError{http.StatusServiceUnavailable, messaging.CodeBudgetExceeded, err}

	case errors.Is(err, context.Canceled):
		return &HTTPError{statusClientClosed, messaging.CodeCancelled, err}

	default:
		return &HTTPError{http.StatusInternalServerError, messaging.CodeInternal, err}
	}
}

func statusForCode(code messaging.ErrorCode) int {
	switch code {
	case messaging.CodeValidation:
		return http.StatusBadRequest
	case messaging.CodeNotRoutable, messaging.CodeNotFound:
		return http.StatusNotFound
	case messaging.CodeRegistryCycle:
		return http.StatusConflict
	case messaging.CodeTimeout:
		return http.StatusGatewayTimeout
	case messaging.CodeDeliveryFailed:
		return http.StatusBadGateway
	case messaging.CodeBudgetExceeded:
		return http.StatusServiceUnavailable
	case messaging.CodeCancelled:
		return statusClientClosed
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err as a JSON error body.
func WriteError(w http.ResponseWriter, err error) {
	httpErr := MapError(err)
	if httpErr == nil {
		return
	}

	writeJSON(w, httpErr.StatusCode, ErrorDTO{
		Code:    string(httpErr.Code),
		Message: httpErr.Error(),
	})
}
