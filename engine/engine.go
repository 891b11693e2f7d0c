// Package engine defines the execution-engine collaborator boundary of
// the subscription transport: a one-shot execute call, a streaming
// subscribe call, and operation classification. The protocol layer
// depends only on these interfaces; engine/docengine provides a
// reference implementation.
package engine

import (
	"context"
	"encoding/json"

	"github.com/subwire/subwire/api"
)

// Kind classifies an operation by its root behavior.
type Kind int

const (
	// OneShot yields exactly one result.
	OneShot Kind = iota
	// Streaming yields a live ordered sequence of results over time.
	Streaming
)

// Engine executes operations on behalf of the protocol layer. Execute
// and Subscribe may block; the protocol layer calls them from their own
// goroutines with a context canceled on connection teardown.
type Engine interface {
	// Kind classifies the operation payload. An error means the
	// operation cannot be classified and is reported to the client as
	// an engine error scoped to the operation id.
	Kind(payload json.RawMessage) (Kind, error)

	// Execute runs a one-shot operation to its single result. A non-nil
	// error is an engine failure; per-operation failures travel in
	// Result.Errors instead.
	Execute(ctx context.Context, payload json.RawMessage) (*Result, error)

	// Subscribe starts a streaming operation. A non-nil error is an
	// engine failure; validation failures travel in StreamResult.Errors
	// and a StreamResult with neither errors nor a stream signals an
	// internal stream issue.
	Subscribe(ctx context.Context, payload json.RawMessage) (*StreamResult, error)
}

// Result is one operation result, individually success-or-failure.
type Result struct {
	Data   json.RawMessage
	Errors []*api.ResultError
}

// Failed reports whether the result carries errors instead of data.
func (r *Result) Failed() bool {
	return r != nil && len(r.Errors) > 0
}

// StreamResult is the outcome of a subscribe call. Stream is the live
// sequence of results; it is nil when the subscribe failed validation
// (Errors set) or when the engine produced a non-streaming result where
// a stream was required (neither set).
type StreamResult struct {
	Errors []*api.ResultError
	Stream Stream
}

// Stream is a live ordered sequence of operation results. Events yields
// items in emission order and is closed on natural completion. Close
// releases the subscription and is safe to call more than once.
type Stream interface {
	Events() <-chan *Result
	Close()
}
