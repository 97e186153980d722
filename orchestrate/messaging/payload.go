package messaging

import (
	"github.com/tailored-agentic-units/relay/orchestrate/execution"
)

// Payload is the content of an envelope. The set of implementations is
// closed; each one belongs to exactly one MessageType.
type Payload interface {
	Kind() MessageType
	payload()
}

type TaskStatus string

const (
	StatusCompleted TaskStatus = "COMPLETED"
	StatusFailed    TaskStatus = "FAILED"
	StatusCancelled TaskStatus = "CANCELLED"
	StatusPartial   TaskStatus = "PARTIAL"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusPartial:
		return true
	}
	return false
}

type TaskRequest struct {
	TaskID   string            `json:"task_id"`
	TaskType string            `json:"task_type"`
	Input    any               `json:"input,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type TaskResponse struct {
	TaskID string                         `json:"task_id"`
	Status TaskStatus                     `json:"status"`
	Result any                            `json:"result,omitempty"`
	Usage  map[string]execution.ModelCost `json:"usage,omitempty"`
}

type StreamStart struct {
	TaskID   string `json:"task_id"`
	TaskType string `json:"task_type"`
	Input    any    `json:"input,omitempty"`
}

type StreamChunk struct {
	TaskID   string `json:"task_id"`
	Sequence int    `json:"sequence"`
	Data     any    `json:"data,omitempty"`
}

type StreamEnd struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
	Result any        `json:"result,omitempty"`
}

// Event is a notification. Name identifies the event; EventCancel asks the
// recipient to stop work on the envelope's correlation.
type Event struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data,omitempty"`
}

const EventCancel = "cancel"

type ErrorPayload struct {
	Message   string         `json:"message"`
	Code      ErrorCode      `json:"code,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

func (p ErrorPayload) Error() string {
	if p.Code == "" {
		return p.Message
	}
	return string(p.Code) + ": " + p.Message
}

func (TaskRequest) Kind() MessageType  { return TypeTaskRequest }
func (TaskResponse) Kind() MessageType { return TypeTaskResponse }
func (StreamStart) Kind() MessageType  { return TypeStreamStart }
func (StreamChunk) Kind() MessageType  { return TypeStreamChunk }
func (StreamEnd) Kind() MessageType    { return TypeStreamEnd }
func (Event) Kind() MessageType        { return TypeEvent }
func (ErrorPayload) Kind() MessageType { return TypeError }

func (TaskRequest) payload()  {}
func (TaskResponse) payload() {}
func (StreamStart) payload()  {}
func (StreamChunk) payload()  {}
func (StreamEnd) payload()    {}
func (Event) payload()        {}
func (ErrorPayload) payload() {}

// PayloadAs returns the envelope payload as T.
func PayloadAs[T Payload](env *Envelope) (T, bool) {
	p, ok := env.Payload.(T)
	return p, ok
}

// normalize dereferences pointer payloads so handlers can always switch on
// the value types.
func normalize(p Payload) Payload {
	switch v := p.(type) {
	case *TaskRequest:
		return derefOrNil(v)
	case *TaskResponse:
		return derefOrNil(v)
	case *StreamStart:
		return derefOrNil(v)
	case *StreamChunk:
		return derefOrNil(v)
	case *StreamEnd:
		return derefOrNil(v)
	case *Event:
		return derefOrNil(v)
	case *ErrorPayload:
		return derefOrNil(v)
	}
	return p
}

func derefOrNil[T Payload](p *T) Payload {
	if p == nil {
		return nil
	}
	return *p
}

func decodePayload(t MessageType, raw []byte, unmarshal func([]byte, any) error) (Payload, error) {
	switch t {
	case TypeTaskRequest:
		return decodeAs[TaskRequest](raw, unmarshal)
	case TypeTaskResponse:
		return decodeAs[TaskResponse](raw, unmarshal)
	case TypeStreamStart:
		return decodeAs[StreamStart](raw, unmarshal)
	case TypeStreamChunk:
		return decodeAs[StreamChunk](raw, unmarshal)
	case TypeStreamEnd:
		return decodeAs[StreamEnd](raw, unmarshal)
	case TypeEvent:
		return decodeAs[Event](raw, unmarshal)
	case TypeError:
		return decodeAs[ErrorPayload](raw, unmarshal)
	}
	return nil, &ValidationError{Field: "message_type", Reason: "unknown type " + string(t)}
}

func decodeAs[T Payload](raw []byte, unmarshal func([]byte, any) error) (Payload, error) {
	var p T
	if len(raw) == 0 {
		return p, nil
	}
	if err := unmarshal(raw, &p); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	return p, nil
}
