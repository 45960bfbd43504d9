// Package contracts defines the wire-level message model shared by every
// other package: the immutable Envelope and the fault taxonomy used to
// classify processing failures.
//
// Envelopes carry a message type tag, an opaque JSON body, addressing fields
// and a string header map. Once constructed they are never mutated; helpers
// like Clone and Reply return fresh copies.
//
// Faults come in three delivery-side flavors:
//   - SerializationError: malformed input, rejected before processing, never retried
//   - TransientError: retry-eligible, subject to the active retry policy
//   - PermanentError: propagates immediately to the fault path
//
// Unknown errors default to retryable, matching broker semantics where an
// unclassified failure is redelivered rather than dropped.
package contracts
