package gossip

import "github.com/ryandielhenn/zephyrnode/pkg/wire"

// Request is a body the gossip workload accepts.
type Request interface {
	wire.Payload
	request()
}

// Response is a body the gossip workload replies with.
type Response interface {
	wire.Payload
	response()
}

type Broadcast struct {
	Message uint64 `json:"message"`
}

// BroadcastOk answers a broadcast. Coming back from a neighbour it
// acknowledges one of our forwards.
type BroadcastOk struct{}

type Read struct{}

type ReadOk struct {
	Messages []uint64 `json:"messages"`
}

type Topology struct {
	Topology map[string][]string `json:"topology"`
}

type TopologyOk struct{}

func (Broadcast) Type() string   { return "broadcast" }
func (BroadcastOk) Type() string { return "broadcast_ok" }
func (Read) Type() string        { return "read" }
func (ReadOk) Type() string      { return "read_ok" }
func (Topology) Type() string    { return "topology" }
func (TopologyOk) Type() string  { return "topology_ok" }

// Keys that have no usable zero value.
func (Broadcast) Required() []string { return []string{"message"} }
func (ReadOk) Required() []string    { return []string{"messages"} }
func (Topology) Required() []string  { return []string{"topology"} }

func (Broadcast) request()   {}
func (BroadcastOk) request() {}
func (Read) request()        {}
func (Topology) request()    {}

func (BroadcastOk) response() {}
func (ReadOk) response()      {}
func (TopologyOk) response()  {}

var Requests = wire.Schema[Request]{
	"broadcast":    wire.Variant[Request, Broadcast](),
	"broadcast_ok": wire.Variant[Request, BroadcastOk](),
	"read":         wire.Variant[Request, Read](),
	"topology":     wire.Variant[Request, Topology](),
}

var Responses = wire.Schema[Response]{
	"broadcast_ok": wire.Variant[Response, BroadcastOk](),
	"read_ok":      wire.Variant[Response, ReadOk](),
	"topology_ok":  wire.Variant[Response, TopologyOk](),
}
