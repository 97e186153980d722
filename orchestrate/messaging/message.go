package messaging

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tailored-agentic-units/relay/orchestrate/delivery"
	"github.com/tailored-agentic-units/relay/orchestrate/execution"
)

// Version is the envelope schema version written by this package.
const Version = 1

// SystemSender is the sender of envelopes produced by the bus itself, such
// as the ERROR published when a delivery fails. Names starting with '@' are
// reserved for infrastructure.
const SystemSender = "@relay"

type MessageType string

const (
	TypeTaskRequest  MessageType = "TASK_REQUEST"
	TypeTaskResponse MessageType = "TASK_RESPONSE"
	TypeStreamStart  MessageType = "STREAM_START"
	TypeStreamChunk  MessageType = "STREAM_CHUNK"
	TypeStreamEnd    MessageType = "STREAM_END"
	TypeEvent        MessageType = "EVENT"
	TypeError        MessageType = "ERROR"
)

// Valid reports whether t is one of the defined message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeTaskRequest, TypeTaskResponse, TypeStreamStart, TypeStreamChunk,
		TypeStreamEnd, TypeEvent, TypeError:
		return true
	}
	return false
}

// Terminal reports whether t ends an exchange. STREAM_END only ends
// streaming exchanges.
func (t MessageType) Terminal(streaming bool) bool {
	switch t {
	case TypeTaskResponse, TypeError:
		return true
	case TypeStreamEnd:
		return streaming
	}
	return false
}

// Reply reports whether t is sent back along a correlation.
func (t MessageType) Reply() bool {
	switch t {
	case TypeTaskResponse, TypeStreamChunk, TypeStreamEnd, TypeError:
		return true
	}
	return false
}

// Envelope is the addressed, typed unit of communication.
//
// ID is assigned once at construction. Context is shared, not copied, by
// Clone: every copy of an envelope spends against the same budget.
type Envelope struct {
	Version       int
	ID            string
	CorrelationID string
	Sender        string
	Recipient     string
	Type          MessageType
	Payload       Payload
	Context       *execution.Context
	Delivery      delivery.Policy
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Tags          map[string]string
	Permissions   []string
	SecurityToken string
}

// Expired reports whether the envelope's ExpiresAt has passed at now.
func (env *Envelope) Expired(now time.Time) bool {
	return !env.ExpiresAt.IsZero() && !now.Before(env.ExpiresAt)
}

// Deadline is the earlier of ExpiresAt and the execution context deadline.
func (env *Envelope) Deadline() (time.Time, bool) {
	deadline := env.ExpiresAt
	if ctxDeadline, ok := env.Context.Deadline(); ok {
		if deadline.IsZero() || ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
	}
	return deadline, !deadline.IsZero()
}

// ReplyAddress is where replies to this envelope are published.
func (env *Envelope) ReplyAddress() Address {
	return ReplyAddress(env.CorrelationID)
}

// Clone returns a copy safe to hand to another subscriber.
func (env *Envelope) Clone() *Envelope {
	clone := *env
	clone.Tags = maps.Clone(env.Tags)
	clone.Permissions = slices.Clone(env.Permissions)
	return &clone
}

func (env *Envelope) String() string {
	return fmt.Sprintf(
		"Envelope{ID: %s, Type: %s, Sender: %s, Recipient: %s, CorrelationID: %s}",
		env.ID,
		env.Type,
		env.Sender,
		env.Recipient,
		env.CorrelationID,
	)
}

// TraceFields returns the trace and span ids of the envelope's context, or
// empty strings when there is none.
func (env *Envelope) TraceFields() (traceID, spanID string) {
	if env == nil || env.Context == nil {
		return "", ""
	}
	return env.Context.TraceID, env.Context.SpanID
}

// Reserved reports whether name is reserved for infrastructure.
func Reserved(name string) bool {
	return strings.HasPrefix(name, "@")
}

func generateID() string {
	return uuid.Must(uuid.NewV7()).String()
}
