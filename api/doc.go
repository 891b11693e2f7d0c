// Package api defines the wire messages of the subscription transport
// protocol: the tagged request and response variants exchanged over a
// single bidirectional text channel, the codec that maps raw frames to
// and from those variants, and the protocol error taxonomy with its
// reserved numeric code band.
package api
