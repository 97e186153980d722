// Package dispatch routes tasks down the supervision hierarchy and runs the
// executors that answer them.
//
// A Dispatcher turns a Request into a TASK_REQUEST envelope. It picks the
// recipient (the named one, or the first bound supervisor claiming the task
// type), derives the execution context from the caller's, sends the
// envelope and waits for the correlated reply. An ERROR reply comes back as
// a *RemoteError.
//
// A Worker subscribes an executor to its participant topic. Every request
// it accepts gets exactly one terminal reply on the request's reply
// address: TASK_RESPONSE or STREAM_END on success, ERROR otherwise. Budget
// exhaustion, deadlines and panics are reported the same way, so callers
// are never left waiting for a reply that will not come.
//
// Executors that supervise others forward work with Call.Delegate, which
// derives a child context whose budget and timeout are clamped to the
// parent's.
package dispatch
