// Package server implements the server side of the subscription
// transport protocol: per-connection dispatch and handshake state, the
// one-shot versus streaming operation executor, response emission, and
// the TCP and WebSocket messengers the protocol runs over.
package server
