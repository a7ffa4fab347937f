package workload

import (
	"github.com/ryandielhenn/zephyrnode/pkg/node"
	"github.com/ryandielhenn/zephyrnode/pkg/wire"
)

type Echo struct {
	Echo string `json:"echo"`
}

func (Echo) Type() string { return "echo" }

func (Echo) Required() []string { return []string{"echo"} }

type EchoOk struct {
	Echo string `json:"echo"`
}

func (EchoOk) Type() string { return "echo_ok" }

func (EchoOk) Required() []string { return []string{"echo"} }

// EchoNode answers every echo with the same text.
type EchoNode struct{}

func (EchoNode) Inputs() wire.Schema[Echo] {
	return wire.Schema[Echo]{"echo": wire.Variant[Echo, Echo]()}
}

func (EchoNode) Process(c *node.Context, msg wire.Envelope[Echo]) (*wire.Envelope[EchoOk], error) {
	reply := wire.Reply(msg, c.NextID(), EchoOk{Echo: msg.Body.Payload.Echo})
	return &reply, nil
}
