// Package pipeline implements the per-delivery filter chain: an ordered list
// of behavior stages compiled once at startup into an immutable Chain.
//
// Invocation walks the filters in registration order going in and unwinds in
// exact reverse order going out. A filter may short-circuit by not calling
// next. The compiled chain holds no per-call state; everything scoped to one
// delivery lives on the DeliveryContext.
//
// Two stateful-looking stages are provided, both keeping their working state
// on the context rather than the filter:
//   - RetryFilter re-invokes the inner chain after computed delays on
//     retryable faults, driven by a reliability.RetryPolicy
//   - OutboxFilter buffers outbound sends and publishes issued by the inner
//     chain and flushes them, in order and exactly once per attempt, only
//     after the inner chain succeeds
package pipeline
