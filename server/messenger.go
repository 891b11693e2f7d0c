package server

// Messenger is the bidirectional text channel a connection runs over.
// Implementations own the underlying transport and hold the protocol
// handler via a registered receive callback; the protocol layer holds
// the messenger only as a non-owning reference that is dropped on
// teardown.
//
// All three methods must be safe to call from any goroutine and must
// not fail: once the underlying transport is gone they become no-ops.
type Messenger interface {
	// Send writes one outbound text frame.
	Send(text string)

	// Error reports a protocol-level failure as a text frame of the
	// form "<code>: <message>", with code drawn from the reserved band.
	Error(message string, code int)

	// Close tears down the channel. Idempotent.
	Close()
}
