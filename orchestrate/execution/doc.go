// Package execution carries the tracing, budget and resource-limit metadata
// that travels with a task as it is routed through the supervisor hierarchy.
//
// A Context is never modified in place by the component that receives it.
// Instead a Propagator derives a child for every hop:
//
//	p := execution.NewPropagator(clock.Real())
//	root := p.Root(execution.WithMaxUSD(1.00), execution.WithTimeout(30*time.Second))
//	child := p.Derive(root, execution.WithMaxUSD(5.00)) // clamped to root's remaining $1.00
//
// The child keeps the root's trace id, records the root's span as its parent
// span, and can never outlive the root's deadline or spend more than the root
// has left.
//
// # Budget accounting
//
// Spend is the only way to mutate a budget. It is additive, rejects negative
// amounts, checks the ceiling of the spending context and of every ancestor,
// and then applies the spend to all of them under a single lock shared by the
// causal tree. Readers calling Budget never observe a partially applied
// update, and a descendant can never lower an ancestor's recorded spend.
//
// # Trace export
//
// Trace and span ids use the OpenTelemetry formats (16-byte trace id, 8-byte
// span id, lower-case hex). SpanContext converts a Context into an OTel
// trace.SpanContext for export to a collector; the package itself never
// transmits trace data.
package execution
