package messaging

import (
	"encoding/json"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/tailored-agentic-units/relay/orchestrate/delivery"
	"github.com/tailored-agentic-units/relay/orchestrate/execution"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("messaging: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("messaging: CBOR decoder initialization failed: " + err.Error())
	}
}

// wireEnvelope is the encoded form shared by the JSON and CBOR codecs. R is
// the raw payload type of the codec when decoding.
type wireEnvelope[R any] struct {
	Version       int                 `json:"version"`
	ID            string              `json:"id"`
	CorrelationID string              `json:"correlation_id,omitempty"`
	Sender        string              `json:"sender"`
	Recipient     string              `json:"recipient"`
	Type          MessageType         `json:"message_type"`
	Payload       R                   `json:"payload"`
	Context       *execution.Snapshot `json:"context,omitempty"`
	Delivery      delivery.Policy     `json:"delivery"`
	CreatedAt     time.Time           `json:"created_at"`
	ExpiresAt     *time.Time          `json:"expires_at,omitempty"`
	Tags          map[string]string   `json:"tags,omitempty"`
	Permissions   []string            `json:"permissions,omitempty"`
	SecurityToken string              `json:"security_token,omitempty"`
}

func toWire(env *Envelope) wireEnvelope[Payload] {
	w := wireEnvelope[Payload]{
		Version:       env.Version,
		ID:            env.ID,
		CorrelationID: env.CorrelationID,
		Sender:        env.Sender,
		Recipient:     env.Recipient,
		Type:          env.Type,
		Payload:       env.Payload,
		Delivery:      env.Delivery,
		CreatedAt:     env.CreatedAt,
		Tags:          env.Tags,
		Permissions:   env.Permissions,
		SecurityToken: env.SecurityToken,
	}
	if env.Context != nil {
		snapshot := env.Context.Snapshot()
		w.Context = &snapshot
	}
	if !env.ExpiresAt.IsZero() {
		expires := env.ExpiresAt
		w.ExpiresAt = &expires
	}
	return w
}

func fromWire[R ~[]byte](w wireEnvelope[R], unmarshal func([]byte, any) error) (*Envelope, error) {
	if w.Version != Version {
		return nil, &ValidationError{Field: "version", Reason: "unsupported version"}
	}

	payload, err := decodePayload(w.Type, []byte(w.Payload), unmarshal)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		Version:       w.Version,
		ID:            w.ID,
		CorrelationID: w.CorrelationID,
		Sender:        w.Sender,
		Recipient:     w.Recipient,
		Type:          w.Type,
		Payload:       payload,
		Delivery:      w.Delivery,
		CreatedAt:     w.CreatedAt,
		Tags:          w.Tags,
		Permissions:   w.Permissions,
		SecurityToken: w.SecurityToken,
	}
	if w.Context != nil {
		env.Context = execution.Restore(*w.Context)
	}
	if w.ExpiresAt != nil {
		env.ExpiresAt = *w.ExpiresAt
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

func (env *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(toWire(env))
}

// UnmarshalJSON decodes and validates an envelope.
func (env *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope[json.RawMessage]
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	decoded, err := fromWire(w, json.Unmarshal)
	if err != nil {
		return err
	}
	*env = *decoded
	return nil
}

// Marshal encodes env as deterministic CBOR.
func Marshal(env *Envelope) ([]byte, error) {
	return encMode.Marshal(toWire(env))
}

// Unmarshal decodes and validates a CBOR envelope.
func Unmarshal(data []byte) (*Envelope, error) {
	var w wireEnvelope[cbor.RawMessage]
	if err := decMode.Unmarshal(data, &w); err != nil {
		return nil, &ValidationError{Field: "envelope", Reason: err.Error()}
	}
	return fromWire(w, decMode.Unmarshal)
}
