// Package delivery implements the retry and acknowledgment rules that govern
// how an envelope reaches its subscribers.
//
// A Policy declares the guarantee level, retry budget, backoff and priority.
// Attempt is the per-delivery state machine: every attempt outcome is
// recorded against it and the transition table decides whether the delivery
// is DELIVERED, RETRY_SCHEDULED, FAILED or EXPIRED. Engine runs that state
// machine against an injectable clock so retry schedules can be tested
// without real delays.
//
// # Guarantees
//
// AT_MOST_ONCE makes exactly one attempt. Its RetryCount is ignored: this is
// an explicit override, not an oversight.
//
// AT_LEAST_ONCE retries transient failures up to RetryCount times.
//
// EXACTLY_ONCE delivers like AT_LEAST_ONCE. The consumer is responsible for
// suppressing duplicates by envelope id; Window provides an in-memory,
// bounded, time-limited set for that purpose.
//
// # Deadlines
//
// The deadline is checked before anything else. A delivery whose deadline has
// passed is EXPIRED even when retries remain.
package delivery
