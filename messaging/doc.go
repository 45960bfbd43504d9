// Package messaging contains the endpoint dispatcher and the contracts it
// consumes: transports that deliver raw bytes, serializers that map them to
// envelopes, and consumer registries that bind message types to consumers.
//
// The dispatcher owns the receive loop for one endpoint. It bounds the number
// of concurrently processed deliveries, fans each delivery out to every bound
// consumer through a pre-compiled filter chain, and settles the delivery with
// a single ack or nack once all sub-chains have resolved.
package messaging
