package node

import (
	"context"
	"errors"

	"github.com/ryandielhenn/zephyrnode/pkg/wire"
)

// Workload is one selectable node behaviour, typed by the payloads it accepts
// and the payloads it answers with. Process returns a nil envelope when the
// inbound message needs no reply.
type Workload[In, Out wire.Payload] interface {
	Inputs() wire.Schema[In]
	Process(c *Context, msg wire.Envelope[In]) (*wire.Envelope[Out], error)
}

// Starter is implemented by workloads that do background work while the
// node is running. Start blocks until ctx is cancelled.
type Starter interface {
	Start(ctx context.Context, c *Context)
}

// Handled is the outcome of dispatching one record.
type Handled struct {
	Type  string
	Reply []byte
}

// Handler is a Workload with its payload types erased, which is what the
// dispatch loop drives.
type Handler interface {
	Handle(c *Context, record []byte) (Handled, error)
}

// Adapt erases the payload types of w.
func Adapt[In, Out wire.Payload](w Workload[In, Out]) Handler {
	return &adapter[In, Out]{w: w, schema: w.Inputs()}
}

type adapter[In, Out wire.Payload] struct {
	w      Workload[In, Out]
	schema wire.Schema[In]
}

func (a *adapter[In, Out]) Handle(c *Context, record []byte) (Handled, error) {
	msg, err := wire.Decode(record, a.schema)
	if err != nil {
		var derr *wire.DecodeError
		if errors.As(err, &derr) && derr.Header != nil {
			return Handled{Type: derr.Header.Type}, err
		}
		return Handled{}, err
	}

	res := Handled{Type: msg.Body.Payload.Type()}
	out, err := a.w.Process(c, msg)
	if err != nil || out == nil {
		return res, err
	}
	res.Reply, err = wire.Encode(*out)
	return res, err
}

func (a *adapter[In, Out]) Start(ctx context.Context, c *Context) {
	if s, ok := a.w.(Starter); ok {
		s.Start(ctx, c)
	}
}
