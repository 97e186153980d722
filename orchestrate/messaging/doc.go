// Package messaging defines the envelope exchanged between participants and
// the constructors, validation and wire codecs around it.
//
// # Envelopes
//
// An Envelope carries one typed Payload. The payload is a closed union keyed
// by MessageType:
//
//   - TASK_REQUEST: TaskRequest
//   - TASK_RESPONSE: TaskResponse
//   - STREAM_START, STREAM_CHUNK, STREAM_END: StreamStart, StreamChunk, StreamEnd
//   - EVENT: Event
//   - ERROR: ErrorPayload
//
// Build rejects a payload whose kind disagrees with the envelope type, so a
// handler can switch on the concrete payload type without checking Type.
//
// # Construction
//
//	req, err := messaging.NewTaskRequest("planner", "writer", messaging.TaskRequest{
//	    TaskType: "summarize",
//	    Input:    text,
//	}, messaging.WithContext(ctx))
//
//	resp, err := messaging.NewTaskResponse("writer", req, messaging.TaskResponse{
//	    Status: messaging.StatusCompleted,
//	    Result: summary,
//	})
//
// A task request correlates to itself: its CorrelationID is its own ID. A
// reply built with InReplyTo inherits that id and must be sent by the
// request's recipient.
//
// # Addressing
//
// Address is the key the bus routes on. Topic addresses name participants;
// reply addresses are derived from a correlation id and are never confused
// with a topic of the same text.
//
// # Wire formats
//
// Marshal and Unmarshal use deterministic CBOR. Envelope also implements
// json.Marshaler and json.Unmarshaler. Both decode the payload into its
// concrete type and validate the result.
package messaging
