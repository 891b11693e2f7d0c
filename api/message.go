package api

import (
	"encoding/json"
	"unicode/utf8"
)

// Message types on the wire. Each message is one JSON object with a
// "type" discriminator; requests flow client to server, responses
// server to client.

// Request message types.
const (
	TypeConnectionInit = "connection_init"
	TypeSubscribe      = "subscribe"
	TypeComplete       = "complete"
)

// Response message types. TypeComplete is shared by both directions.
const (
	TypeConnectionAck = "connection_ack"
	TypeNext          = "next"
	TypeError         = "error"
)

// --- Client → Server Messages ---

// ConnectionInit is the handshake request. Payload is opaque to the
// protocol layer and handed to the authorization hook.
type ConnectionInit struct {
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Subscribe requests execution of an operation. ID correlates the
// operation to its response frames; Payload is the operation itself,
// opaque here and interpreted by the engine.
type Subscribe struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Complete signals that the client is done with an operation.
type Complete struct {
	ID string `json:"id"`
}

// Request is the decoded inbound message (union type). Exactly one
// variant field is set; Unknown marks a type tag that is present but
// not one of the known request kinds (rejected by the dispatcher, not
// by the codec).
type Request struct {
	Type string

	ConnectionInit *ConnectionInit
	Subscribe      *Subscribe
	Complete       *Complete

	Unknown bool
}

// Decode parses a raw inbound frame into a Request.
//
// Failures map onto the protocol error taxonomy: bytes that are not
// valid text or valid JSON yield InvalidEncoding; valid JSON with no
// recognizable type tag yields NoType; a known type whose payload fails
// shape validation for that type yields InvalidRequestFormat. An
// unrecognized type decodes to an Unknown request and a nil error.
func Decode(raw []byte) (*Request, *ProtocolError) {
	if !utf8.Valid(raw) {
		return nil, ErrInvalidEncoding()
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		if json.Valid(raw) {
			// Valid JSON but not an object: no type tag to dispatch on.
			return nil, ErrNoType()
		}
		return nil, ErrInvalidEncoding()
	}

	var typ string
	if rawType, ok := fields["type"]; !ok || json.Unmarshal(rawType, &typ) != nil || typ == "" {
		return nil, ErrNoType()
	}

	switch typ {
	case TypeConnectionInit:
		payload, ok := optionalObject(fields["payload"])
		if !ok {
			return nil, ErrInvalidRequestFormat(TypeConnectionInit)
		}
		return &Request{
			Type:           typ,
			ConnectionInit: &ConnectionInit{Payload: payload},
		}, nil

	case TypeSubscribe:
		id, ok := requiredString(fields["id"])
		if !ok {
			return nil, ErrInvalidRequestFormat(TypeSubscribe)
		}
		payload := fields["payload"]
		if len(payload) == 0 || isNull(payload) {
			return nil, ErrInvalidRequestFormat(TypeSubscribe)
		}
		return &Request{
			Type:      typ,
			Subscribe: &Subscribe{ID: id, Payload: payload},
		}, nil

	case TypeComplete:
		id, ok := requiredString(fields["id"])
		if !ok {
			return nil, ErrInvalidRequestFormat(TypeComplete)
		}
		return &Request{
			Type:     typ,
			Complete: &Complete{ID: id},
		}, nil

	default:
		return &Request{Type: typ, Unknown: true}, nil
	}
}

// optionalObject validates an optional JSON object field, returning it
// (possibly nil) and whether it was well formed.
func optionalObject(raw json.RawMessage) (json.RawMessage, bool) {
	if len(raw) == 0 || isNull(raw) {
		return nil, true
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, false
	}
	return raw, true
}

// requiredString validates a required non-empty JSON string field.
func requiredString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}

func isNull(raw json.RawMessage) bool {
	return string(raw) == "null"
}

// --- Server → Client Messages ---

// Response is the outbound message (union over connection_ack, next,
// error, and complete, discriminated by Type). All variants except
// connection_ack carry the originating operation id.
type Response struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes the response frame. It cannot fail for responses
// built with the constructors below; the error return covers payloads
// injected by hand.
func (r *Response) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// NewConnectionAck creates the handshake acknowledgement.
func NewConnectionAck(payload json.RawMessage) *Response {
	return &Response{Type: TypeConnectionAck, Payload: payload}
}

// NewNext creates a next frame carrying one operation result.
func NewNext(id string, result json.RawMessage) *Response {
	return &Response{Type: TypeNext, ID: id, Payload: result}
}

// NewError creates an error frame carrying id-scoped operation errors.
func NewError(id string, errs []*ResultError) *Response {
	payload, err := json.Marshal(errs)
	if err != nil {
		// ResultError marshals without error; this covers hostile
		// Extensions values only.
		payload, _ = json.Marshal([]*ResultError{NewResultError("unencodable error payload")})
	}
	return &Response{Type: TypeError, ID: id, Payload: payload}
}

// NewComplete creates a complete frame for an operation id.
func NewComplete(id string) *Response {
	return &Response{Type: TypeComplete, ID: id}
}
