package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	maelstrom "github.com/jepsen-io/maelstrom/demo/go"
)

// ErrUnknownType is returned by Decode when the body's type tag has no entry
// in the schema.
var ErrUnknownType = errors.New("unknown message type")

// ErrMissingField is returned by Decode when a body lacks a key its payload
// requires, or carries it as null.
var ErrMissingField = errors.New("missing required field")

// Required is implemented by payloads that cannot tell an absent key from its
// zero value. Required lists the JSON keys that must be present.
type Required interface {
	Required() []string
}

// DecodeError reports a record that could not be turned into an Envelope.
// Header is nil when the record is not a well-formed envelope at all.
type DecodeError struct {
	Src    string
	Dst    string
	Header *Header
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Header == nil {
		return fmt.Sprintf("decode record: %v", e.Err)
	}
	return fmt.Sprintf("decode %q body from %s: %v", e.Header.Type, e.Src, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Answerable reports whether the envelope and its correlation fields were
// readable, so the sender can be told about the failure.
func (e *DecodeError) Answerable() bool {
	return e.Header != nil && e.Header.MsgID != nil
}

// Schema maps each accepted type tag to a decoder for its payload.
type Schema[P Payload] map[string]func(body []byte) (P, error)

// Variant returns a Schema entry that decodes a body into T and hands it out
// as P. T must implement P.
func Variant[P Payload, T Payload]() func([]byte) (P, error) {
	return func(body []byte) (P, error) {
		var zero P
		var v T
		if err := json.Unmarshal(body, &v); err != nil {
			return zero, err
		}
		if r, ok := any(v).(Required); ok {
			if err := requireKeys(body, r.Required()); err != nil {
				return zero, err
			}
		}
		p, ok := any(v).(P)
		if !ok {
			return zero, fmt.Errorf("%T does not implement %T", v, zero)
		}
		return p, nil
	}
}

func requireKeys(body []byte, keys []string) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return err
	}
	for _, k := range keys {
		if raw, ok := fields[k]; !ok || string(raw) == "null" {
			return fmt.Errorf("%w %q", ErrMissingField, k)
		}
	}
	return nil
}

// Decode parses one record using schema to pick the payload variant.
func Decode[P Payload](record []byte, schema Schema[P]) (Envelope[P], error) {
	var env Envelope[P]

	var raw maelstrom.Message
	if err := json.Unmarshal(record, &raw); err != nil {
		return env, &DecodeError{Err: err}
	}
	if len(raw.Body) == 0 {
		return env, &DecodeError{Src: raw.Src, Dst: raw.Dest, Err: errors.New("missing body")}
	}

	var h Header
	if err := json.Unmarshal(raw.Body, &h); err != nil {
		return env, &DecodeError{Src: raw.Src, Dst: raw.Dest, Err: err}
	}
	fail := func(err error) (Envelope[P], error) {
		return env, &DecodeError{Src: raw.Src, Dst: raw.Dest, Header: &h, Err: err}
	}

	decode, ok := schema[h.Type]
	if !ok {
		return fail(ErrUnknownType)
	}
	p, err := decode(raw.Body)
	if err != nil {
		return fail(err)
	}

	env.Src = raw.Src
	env.Dst = raw.Dest
	env.Body = Body[P]{ID: h.MsgID, InReplyTo: h.InReplyTo, Payload: p}
	return env, nil
}

// Encode renders env as one record, without the trailing newline.
func Encode[P Payload](env Envelope[P]) ([]byte, error) {
	return json.Marshal(env)
}

// Error is the body of an "error" reply.
type Error struct {
	Code int    `json:"code"`
	Text string `json:"text,omitempty"`
}

func (Error) Type() string { return "error" }

func (Error) Required() []string { return []string{"code"} }

func NewError(err *maelstrom.RPCError) Error {
	return Error{Code: err.Code, Text: err.Text}
}

func (e Error) RPCError() *maelstrom.RPCError {
	return maelstrom.NewRPCError(e.Code, e.Text)
}

// ErrorReply builds the error reply for a record that failed to decode.
// Callers must check Answerable first.
func ErrorReply(derr *DecodeError, id int64) Envelope[Error] {
	code := maelstrom.MalformedRequest
	if errors.Is(derr.Err, ErrUnknownType) {
		code = maelstrom.NotSupported
	}
	return Envelope[Error]{
		Src: derr.Dst,
		Dst: derr.Src,
		Body: Body[Error]{
			ID:        MsgID(id),
			InReplyTo: derr.Header.MsgID,
			Payload:   NewError(maelstrom.NewRPCError(code, derr.Error())),
		},
	}
}

// ErrorSchema decodes error replies; used by callers that want to surface
// them from a peer or in tests.
var ErrorSchema = Schema[Error]{"error": Variant[Error, Error]()}
