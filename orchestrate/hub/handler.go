package hub

import (
	"context"

	"github.com/tailored-agentic-units/relay/orchestrate/messaging"
)

// Handler processes one envelope. Returning nil acknowledges it. An error
// is a negative acknowledgment; wrap it with delivery.Permanent to stop the
// sender from retrying.
//
// ctx carries the envelope's trace as a remote OpenTelemetry span and is
// cancelled when the subscription ends.
type Handler func(ctx context.Context, env *messaging.Envelope) error

// SubscriptionID identifies one Subscribe call.
type SubscriptionID string

// TopicOptions configure a declared topic.
type TopicOptions struct {
	// Exclusive topics deliver each envelope to one subscriber (competing
	// consumers), highest priority first. Other topics fan out a copy to
	// every subscriber in publish order.
	Exclusive bool
}
