package api

import (
	"fmt"
)

// Protocol error codes. The 44xx band is reserved for protocol-level
// failures (handshake, framing, authorization) so that peers can tell
// them apart from application errors, which travel in error frames
// scoped to an operation id.
const (
	CodeInvalidEncoding        = 4400
	CodeUnauthorized           = 4401
	CodeNoType                 = 4402
	CodeInvalidType            = 4403
	CodeInvalidRequestFormat   = 4404
	CodeTooManyInitializations = 4429
	CodeNotInitialized         = 4441
	CodeInternalStreamIssue    = 4442
)

// ReservedPrefix begins every protocol error frame on the wire
// ("<code>: <message>" with a 44xx code). Inbound text starting with it
// is an echoed error frame and must never be parsed as a request.
const ReservedPrefix = "44"

// ProtocolError is a channel-level failure with a stable numeric code.
// It is constructed at the error site and never mutated or retried.
type ProtocolError struct {
	Message string
	Code    int
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// Is implements errors.Is matching by code.
func (e *ProtocolError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ProtocolError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Frame returns the wire text of the error, carrying the reserved code
// prefix that marks it as a protocol error frame.
func (e *ProtocolError) Frame() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

func newProtocolError(code int, format string, args ...any) *ProtocolError {
	return &ProtocolError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// ErrInvalidEncoding reports inbound bytes that are not decodable text
// or structured data.
func ErrInvalidEncoding() *ProtocolError {
	return newProtocolError(CodeInvalidEncoding, "message is not valid text or structured data")
}

// ErrNoType reports a decoded message with no recognizable type tag.
func ErrNoType() *ProtocolError {
	return newProtocolError(CodeNoType, "message has no operation type")
}

// ErrInvalidType reports an unrecognized type tag.
func ErrInvalidType(typ string) *ProtocolError {
	return newProtocolError(CodeInvalidType, "unknown operation type %q", typ)
}

// ErrInvalidRequestFormat reports a known type whose payload fails
// shape validation.
func ErrInvalidRequestFormat(typ string) *ProtocolError {
	return newProtocolError(CodeInvalidRequestFormat, "invalid %s request format", typ)
}

// ErrTooManyInitializations reports a second connection_init after a
// successful handshake.
func ErrTooManyInitializations() *ProtocolError {
	return newProtocolError(CodeTooManyInitializations, "too many initialization requests")
}

// ErrUnauthorized reports an authorization hook failure.
func ErrUnauthorized() *ProtocolError {
	return newProtocolError(CodeUnauthorized, "unauthorized")
}

// ErrNotInitialized reports a subscribe or complete request before a
// successful handshake.
func ErrNotInitialized() *ProtocolError {
	return newProtocolError(CodeNotInitialized, "connection not initialized")
}

// ErrInternalStreamIssue reports an engine subscribe call that produced
// a non-streaming result where a stream was required.
func ErrInternalStreamIssue() *ProtocolError {
	return newProtocolError(CodeInternalStreamIssue, "subscribe did not produce a stream")
}

// ResultError is an id-scoped operation error carried in the payload of
// an error frame. It is the application-error tier: engine and query
// failures, as opposed to protocol failures.
type ResultError struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Error implements the error interface.
func (e *ResultError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// NewResultError creates a ResultError with the given message.
func NewResultError(message string) *ResultError {
	return &ResultError{Message: message}
}
