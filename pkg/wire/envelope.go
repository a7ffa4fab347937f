// Package wire converts between newline-delimited JSON records and the
// Envelope/Body model shared by every workload.
//
// A record looks like
//
//	{"src":"c1","dest":"n1","body":{"type":"echo","msg_id":1,"echo":"hi"}}
//
// The body is flat on the wire: the correlation fields and the type tag sit
// next to the payload fields. Body[P] splices them back together on encode and
// Decode splits them apart using a per-workload Schema.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Payload is the workload-specific part of a body.
// Type returns the value of the body's "type" tag.
type Payload interface {
	Type() string
}

type Envelope[P Payload] struct {
	Src  string  `json:"src"`
	Dst  string  `json:"dest"`
	Body Body[P] `json:"body"`
}

type Body[P Payload] struct {
	ID        *int64
	InReplyTo *int64
	Payload   P
}

// Header is the part of a body every workload understands.
type Header struct {
	Type      string `json:"type"`
	MsgID     *int64 `json:"msg_id,omitempty"`
	InReplyTo *int64 `json:"in_reply_to,omitempty"`
}

var errNoPayload = errors.New("body has no payload")

func (b Body[P]) MarshalJSON() ([]byte, error) {
	if any(b.Payload) == nil {
		return nil, errNoPayload
	}
	head, err := json.Marshal(Header{Type: b.Payload.Type(), MsgID: b.ID, InReplyTo: b.InReplyTo})
	if err != nil {
		return nil, err
	}
	fields, err := json.Marshal(b.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", b.Payload.Type(), err)
	}
	fields = bytes.TrimSpace(fields)
	if len(fields) < 2 || fields[0] != '{' {
		return nil, fmt.Errorf("%s payload is not a JSON object", b.Payload.Type())
	}
	if string(fields) == "{}" {
		return head, nil
	}

	out := make([]byte, 0, len(head)+len(fields))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	out = append(out, fields[1:]...)
	return out, nil
}

// MsgID returns a pointer to id, for filling the optional correlation fields.
func MsgID(id int64) *int64 {
	return &id
}

// Reply addresses out back to the sender of msg and correlates it:
// the reply carries id as its own msg_id and msg's msg_id as in_reply_to.
func Reply[In, Out Payload](msg Envelope[In], id int64, out Out) Envelope[Out] {
	return Envelope[Out]{
		Src: msg.Dst,
		Dst: msg.Src,
		Body: Body[Out]{
			ID:        MsgID(id),
			InReplyTo: msg.Body.ID,
			Payload:   out,
		},
	}
}
