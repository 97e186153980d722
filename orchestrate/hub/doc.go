// Package hub provides the address-based publish/subscribe transport that
// carries envelopes between participants.
//
// A hub is constructed explicitly and passed to its users; there is no
// process-wide instance.
//
//	h := hub.New(ctx, config.DefaultHubConfig())
//	defer h.Shutdown(5 * time.Second)
//
// # Addresses
//
// Subscriptions and publishes name a messaging.Address. Topic addresses
// name participants. Reply addresses are derived from a correlation id:
// a responder publishes its TASK_RESPONSE or ERROR with Reply and never
// needs to know who is waiting.
//
//	id, err := h.Subscribe(messaging.Topic("writer"), func(ctx context.Context, env *messaging.Envelope) error {
//	    resp, err := messaging.NewTaskResponse("writer", env, messaging.TaskResponse{Result: out})
//	    if err != nil {
//	        return err
//	    }
//	    return h.Reply(ctx, resp)
//	})
//
// # Fan-out and competing consumers
//
// By default every subscriber of a topic receives its own copy. Each
// subscription owns a bounded FIFO queue and a single goroutine, so
// envelopes published to one topic by one sender reach each subscriber in
// publish order. A topic declared Exclusive instead shares one queue among
// its subscribers: each envelope is handled once, highest priority first.
//
// # Publish and Submit
//
// Publish enqueues and returns. A full queue drops that subscriber's copy
// and is logged.
//
// Submit applies the envelope's delivery policy through delivery.Engine.
// Each attempt enqueues to the subscribers that have not yet accepted the
// envelope. With RequireAck the attempt also waits, up to the configured ack
// timeout, for each handler to return; a handler's nil return is the
// acknowledgment. No subscribers and full queues are transient failures.
//
// When Submit ends FAILED or EXPIRED for an envelope with a correlation id,
// the hub publishes an ERROR from messaging.SystemSender to the reply
// address so the waiting caller is released immediately.
//
// # Lifecycle
//
// Shutdown cancels every handler context, stops the subscription
// goroutines and waits for them up to the given timeout.
package hub
