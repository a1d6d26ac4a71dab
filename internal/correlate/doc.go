// Package correlate implements the request/response engine that sits between
// the duplex message channel and the local dispatch bus.
//
// Responsibilities:
// - Mint a unique identity per logical request and tag outbound traffic with it.
// - Multiplex the shared inbound stream across pending requests via matchers.
// - Apply transforms to matched messages and publish the results locally.
// - Detect completion structurally from the tagged output on the dispatch bus.
//
// Non-responsibilities:
// - Channel transport, reconnection, and wire encoding (internal/channel).
// - Fan-out and replay of dispatched messages (internal/bus).
package correlate
