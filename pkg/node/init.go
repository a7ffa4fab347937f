package node

import (
	"errors"

	"github.com/ryandielhenn/zephyrnode/pkg/wire"
)

type Init struct {
	NodeID  string   `json:"node_id"`
	NodeIDs []string `json:"node_ids"`
}

func (Init) Type() string { return "init" }

func (Init) Required() []string { return []string{"node_id", "node_ids"} }

type InitOk struct{}

func (InitOk) Type() string { return "init_ok" }

// The handshake draws reply ids from its own counter; the Running counter
// starts above it.
const (
	handshakeID = 0
	firstID     = 1
)

// initWorkload answers the init message and remembers the identity it carries.
type initWorkload struct {
	nodeID  string
	nodeIDs []string
}

func (w *initWorkload) Inputs() wire.Schema[Init] {
	return wire.Schema[Init]{"init": wire.Variant[Init, Init]()}
}

func (w *initWorkload) Process(c *Context, msg wire.Envelope[Init]) (*wire.Envelope[InitOk], error) {
	if msg.Body.Payload.NodeID == "" {
		return nil, errors.New("init without node_id")
	}
	w.nodeID = msg.Body.Payload.NodeID
	w.nodeIDs = msg.Body.Payload.NodeIDs

	reply := wire.Reply(msg, c.NextID(), InitOk{})
	return &reply, nil
}

// running builds the context the node runs with after the handshake.
func (w *initWorkload) running() *Context {
	return NewContext(w.nodeID, w.nodeIDs, firstID)
}
