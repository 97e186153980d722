package messaging

import (
	"errors"
	"fmt"
	"maps"
)

// NewTaskRequest builds a TASK_REQUEST. TaskType is required. TaskID
// defaults to a fresh id distinct from the envelope id, and the envelope
// correlates to itself.
func NewTaskRequest(sender, recipient string, task TaskRequest, opts ...Option) (*Envelope, error) {
	if task.TaskType == "" {
		return nil, &ValidationError{Field: "payload.task_type", Reason: "must not be empty"}
	}
	if task.TaskID == "" {
		task.TaskID = generateID()
	}
	task.Metadata = maps.Clone(task.Metadata)

	env, err := Build(TypeTaskRequest, sender, recipient, task, opts...)
	if err != nil {
		return nil, err
	}
	if env.CorrelationID == "" {
		env.CorrelationID = env.ID
	}
	return env, nil
}

// NewTaskResponse answers request. TaskID defaults to the request's task id
// and Status to COMPLETED.
func NewTaskResponse(sender string, request *Envelope, response TaskResponse, opts ...Option) (*Envelope, error) {
	if response.TaskID == "" {
		response.TaskID = taskIDOf(request)
	}
	if response.Status == "" {
		response.Status = StatusCompleted
	}
	if !response.Status.Valid() {
		return nil, &ValidationError{Field: "payload.status", Reason: "unknown status " + string(response.Status)}
	}
	return Build(TypeTaskResponse, sender, request.Sender, response, replyOptions(request, opts)...)
}

// NewStreamStart opens a streaming exchange. Like a task request it
// correlates to itself.
func NewStreamStart(sender, recipient string, start StreamStart, opts ...Option) (*Envelope, error) {
	if start.TaskType == "" {
		return nil, &ValidationError{Field: "payload.task_type", Reason: "must not be empty"}
	}
	if start.TaskID == "" {
		start.TaskID = generateID()
	}

	env, err := Build(TypeStreamStart, sender, recipient, start, opts...)
	if err != nil {
		return nil, err
	}
	if env.CorrelationID == "" {
		env.CorrelationID = env.ID
	}
	return env, nil
}

func NewStreamChunk(sender string, request *Envelope, chunk StreamChunk, opts ...Option) (*Envelope, error) {
	if chunk.TaskID == "" {
		chunk.TaskID = taskIDOf(request)
	}
	return Build(TypeStreamChunk, sender, request.Sender, chunk, replyOptions(request, opts)...)
}

func NewStreamEnd(sender string, request *Envelope, end StreamEnd, opts ...Option) (*Envelope, error) {
	if end.TaskID == "" {
		end.TaskID = taskIDOf(request)
	}
	if end.Status == "" {
		end.Status = StatusCompleted
	}
	if !end.Status.Valid() {
		return nil, &ValidationError{Field: "payload.status", Reason: "unknown status " + string(end.Status)}
	}
	return Build(TypeStreamEnd, sender, request.Sender, end, replyOptions(request, opts)...)
}

func NewEvent(sender, recipient string, event Event, opts ...Option) (*Envelope, error) {
	if event.Name == "" {
		return nil, &ValidationError{Field: "payload.name", Reason: "must not be empty"}
	}
	return Build(TypeEvent, sender, recipient, event, opts...)
}

// NewCancellation asks the recipient of request to stop working on it.
func NewCancellation(sender string, request *Envelope, reason string, opts ...Option) (*Envelope, error) {
	event := Event{Name: EventCancel}
	if reason != "" {
		event.Data = map[string]any{"reason": reason}
	}
	opts = append([]Option{WithCorrelationID(request.CorrelationID), WithContext(request.Context)}, opts...)
	return NewEvent(sender, request.Recipient, event, opts...)
}

// NewErrorMessage builds an ERROR. cause may be a string, an error, an
// ErrorPayload or a map with a "message" key; anything else is formatted
// with fmt.
func NewErrorMessage(sender, recipient, correlationID string, cause any, opts ...Option) (*Envelope, error) {
	if correlationID != "" {
		opts = append([]Option{WithCorrelationID(correlationID)}, opts...)
	}
	return Build(TypeError, sender, recipient, ErrorFrom(cause), opts...)
}

// NewErrorReply builds an ERROR answering request.
func NewErrorReply(sender string, request *Envelope, cause any, opts ...Option) (*Envelope, error) {
	return Build(TypeError, sender, request.Sender, ErrorFrom(cause), replyOptions(request, opts)...)
}

// ErrorFrom normalizes cause into an ErrorPayload.
func ErrorFrom(cause any) ErrorPayload {
	switch v := cause.(type) {
	case nil:
		return ErrorPayload{Message: "unknown error", Code: CodeInternal}
	case ErrorPayload:
		return v
	case *ErrorPayload:
		return *v
	case string:
		return ErrorPayload{Message: v}
	case error:
		var payload ErrorPayload
		if errors.As(v, &payload) {
			return payload
		}
		code := CodeOf(v)
		return ErrorPayload{Message: v.Error(), Code: code, Retryable: code.Retryable()}
	case map[string]any:
		payload := ErrorPayload{Details: make(map[string]any, len(v))}
		for key, value := range v {
			switch key {
			case "message":
				payload.Message = fmt.Sprint(value)
			case "code":
				payload.Code = ErrorCode(fmt.Sprint(value))
			default:
				payload.Details[key] = value
			}
		}
		if payload.Message == "" {
			payload.Message = fmt.Sprint(v)
		}
		if len(payload.Details) == 0 {
			payload.Details = nil
		}
		return payload
	default:
		return ErrorPayload{Message: fmt.Sprint(v)}
	}
}

func replyOptions(request *Envelope, opts []Option) []Option {
	return append([]Option{InReplyTo(request), WithContext(request.Context)}, opts...)
}

func taskIDOf(env *Envelope) string {
	switch p := env.Payload.(type) {
	case TaskRequest:
		return p.TaskID
	case StreamStart:
		return p.TaskID
	case TaskResponse:
		return p.TaskID
	}
	return ""
}
