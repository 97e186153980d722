package messaging

import (
	"maps"
	"slices"
	"time"

	"github.com/tailored-agentic-units/relay/orchestrate/delivery"
	"github.com/tailored-agentic-units/relay/orchestrate/execution"
)

// Option adjusts an envelope under construction.
type Option func(*buildOptions)

type buildOptions struct {
	context       *execution.Context
	delivery      *delivery.Policy
	correlationID string
	replyTo       *Envelope
	createdAt     time.Time
	expiresAt     time.Time
	ttl           time.Duration
	tags          map[string]string
	permissions   []string
	securityToken string
}

func WithContext(ctx *execution.Context) Option {
	return func(o *buildOptions) { o.context = ctx }
}

func WithDelivery(policy delivery.Policy) Option {
	return func(o *buildOptions) { o.delivery = &policy }
}

// WithCorrelationID sets the correlation id directly. Replies should use
// InReplyTo instead, which also checks who is replying.
func WithCorrelationID(id string) Option {
	return func(o *buildOptions) { o.correlationID = id }
}

// InReplyTo correlates the envelope with request. Build rejects it unless
// the sender is the request's recipient or SystemSender.
func InReplyTo(request *Envelope) Option {
	return func(o *buildOptions) { o.replyTo = request }
}

func WithCreatedAt(t time.Time) Option {
	return func(o *buildOptions) { o.createdAt = t }
}

func WithExpiry(t time.Time) Option {
	return func(o *buildOptions) { o.expiresAt = t }
}

// WithTTL expires the envelope ttl after its creation time.
func WithTTL(ttl time.Duration) Option {
	return func(o *buildOptions) { o.ttl = ttl }
}

func WithTags(tags map[string]string) Option {
	return func(o *buildOptions) { o.tags = maps.Clone(tags) }
}

func WithPermissions(permissions ...string) Option {
	return func(o *buildOptions) { o.permissions = slices.Clone(permissions) }
}

// WithSecurityToken attaches an opaque token. It is carried, never
// interpreted.
func WithSecurityToken(token string) Option {
	return func(o *buildOptions) { o.securityToken = token }
}

// Build constructs and validates an envelope. It only fills documented
// defaults: a fresh ID, CreatedAt, the default delivery policy and the
// schema version.
func Build(messageType MessageType, sender, recipient string, payload Payload, opts ...Option) (*Envelope, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	env := &Envelope{
		Version:       Version,
		ID:            generateID(),
		CorrelationID: o.correlationID,
		Sender:        sender,
		Recipient:     recipient,
		Type:          messageType,
		Payload:       normalize(payload),
		Context:       o.context,
		Delivery:      delivery.DefaultPolicy(),
		CreatedAt:     o.createdAt,
		ExpiresAt:     o.expiresAt,
		Tags:          o.tags,
		Permissions:   o.permissions,
		SecurityToken: o.securityToken,
	}

	if o.delivery != nil {
		env.Delivery = *o.delivery
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now()
	}
	if o.ttl > 0 {
		env.ExpiresAt = env.CreatedAt.Add(o.ttl)
	}

	if o.replyTo != nil {
		if o.replyTo.Recipient != sender && sender != SystemSender {
			return nil, &ValidationError{
				Field:  "sender",
				Reason: "reply to " + o.replyTo.ID + " must come from its recipient " + o.replyTo.Recipient,
			}
		}
		env.CorrelationID = o.replyTo.CorrelationID
		if env.CorrelationID == "" {
			env.CorrelationID = o.replyTo.ID
		}
	} else if env.CorrelationID != "" && !bareCorrelationAllowed(messageType, sender) {
		return nil, &ValidationError{
			Field:  "correlation_id",
			Reason: string(messageType) + " must be correlated with InReplyTo",
		}
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// bareCorrelationAllowed lists the cases where a correlation id may be set
// without the originating request in hand.
func bareCorrelationAllowed(messageType MessageType, sender string) bool {
	if sender == SystemSender {
		return true
	}
	switch messageType {
	case TypeTaskRequest, TypeStreamStart, TypeEvent, TypeError:
		return true
	}
	return false
}

// Validate checks the structural rules every envelope must satisfy.
func (env *Envelope) Validate() error {
	if env.Version != Version {
		return &ValidationError{Field: "version", Reason: "unsupported version"}
	}
	if env.ID == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if !env.Type.Valid() {
		return &ValidationError{Field: "message_type", Reason: "unknown type " + string(env.Type)}
	}
	if env.Sender == "" {
		return &ValidationError{Field: "sender", Reason: "must not be empty"}
	}
	if Reserved(env.Sender) && env.Sender != SystemSender {
		return &ValidationError{Field: "sender", Reason: "names starting with @ are reserved"}
	}
	if env.Recipient == "" {
		return &ValidationError{Field: "recipient", Reason: "must not be empty"}
	}
	if Reserved(env.Recipient) {
		return &ValidationError{Field: "recipient", Reason: "names starting with @ are reserved"}
	}
	if env.Payload == nil {
		return &ValidationError{Field: "payload", Reason: "must not be nil"}
	}
	if env.Payload.Kind() != env.Type {
		return &ValidationError{
			Field:  "payload",
			Reason: "payload kind " + string(env.Payload.Kind()) + " does not match " + string(env.Type),
		}
	}
	if env.Type.Reply() && env.Type != TypeError && env.CorrelationID == "" {
		return &ValidationError{Field: "correlation_id", Reason: string(env.Type) + " requires a correlation id"}
	}
	if err := env.Delivery.Validate(); err != nil {
		return &ValidationError{Field: "delivery", Reason: err.Error()}
	}
	if !env.ExpiresAt.IsZero() && !env.ExpiresAt.After(env.CreatedAt) {
		return &ValidationError{Field: "expires_at", Reason: "must be after created_at"}
	}
	return nil
}
