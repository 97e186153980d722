// Package correlate pairs asynchronous replies with the callers waiting for
// them.
//
// A caller that sent a TASK_REQUEST or STREAM_START opens a Slot keyed by
// the request's correlation id. The slot holds a transient subscription on
// the hub's reply address for that id and resolves with the first terminal
// envelope it sees: TASK_RESPONSE or ERROR, or STREAM_END when the exchange
// is streaming. Stream chunks go to an optional handler and never resolve
// the slot.
//
//	c := correlate.New(h, config.DefaultCorrelatorConfig())
//	reply, err := c.Request(ctx, request)
//
// Every wait is bounded. Await and Wait refuse a non-positive timeout, and
// Request derives its timeout from the envelope's deadline or the configured
// default. When the timeout fires the slot is removed, the subscription is
// released and the caller receives a *TimeoutError. The correlator never
// re-sends a request.
//
// A slot resolves once. Later terminal envelopes with the same correlation
// id, such as duplicates from at-least-once delivery, are dropped with a
// debug log and counted in Metrics.
//
// Cancel releases a waiting slot and, for exchanges started with Request,
// publishes a cancellation EVENT to the original recipient. Responders are
// free to ignore it.
package correlate
