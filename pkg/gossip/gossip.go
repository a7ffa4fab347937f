package gossip

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrnode/internal/telemetry"
	"github.com/ryandielhenn/zephyrnode/pkg/node"
	"github.com/ryandielhenn/zephyrnode/pkg/wire"
)

// ErrNotInTopology is returned when a topology message has no entry for
// this node.
var ErrNotInTopology = errors.New("topology does not list this node")

// Node is the broadcast workload. Requests are answered synchronously; values
// reach neighbours through the propagator started by Start.
type Node struct {
	store *Store
	prop  *propagator
	log   *zap.Logger
	bind  sync.Once
}

func New(out Transport, log *zap.Logger, cfg Config) *Node {
	cfg = cfg.withDefaults()
	return &Node{
		store: NewStore(cfg.Expected),
		prop:  newPropagator(cfg, out, log),
		log:   log,
	}
}

func (g *Node) Store() *Store { return g.store }

func (g *Node) Inputs() wire.Schema[Request] { return Requests }

func (g *Node) Process(c *node.Context, msg wire.Envelope[Request]) (*wire.Envelope[Response], error) {
	g.bindNeighbours(c)

	switch p := msg.Body.Payload.(type) {
	case Broadcast:
		g.accept(c, msg.Src, p.Message)
		return reply(c, msg, BroadcastOk{}), nil

	case BroadcastOk:
		if msg.Body.InReplyTo == nil || !g.prop.ack(msg.Src, *msg.Body.InReplyTo) {
			g.log.Debug("ignoring stray broadcast_ok", zap.String("src", msg.Src))
		}
		return nil, nil

	case Read:
		return reply(c, msg, ReadOk{Messages: g.store.Values()}), nil

	case Topology:
		neighbours, ok := p.Topology[c.NodeID()]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotInTopology, c.NodeID())
		}
		c.SetNeighbours(neighbours)
		g.store.SetNeighbours(c.Neighbours())
		g.prop.retarget(g.store.Neighbours(), g.store.Values())
		return reply(c, msg, TopologyOk{}), nil
	}
	return nil, fmt.Errorf("unhandled gossip request %T", msg.Body.Payload)
}

// Start runs the propagator until ctx is cancelled.
func (g *Node) Start(ctx context.Context, c *node.Context) {
	g.bindNeighbours(c)
	g.prop.run(ctx, c)
}

// accept stores v and, the first time it is seen, owes it to every neighbour
// that did not send it.
func (g *Node) accept(c *node.Context, src string, v uint64) {
	fresh := g.store.Add(v)
	if c.IsPeer(src) {
		g.prop.learned(src, v)
	}
	if !fresh {
		return
	}
	telemetry.GossipValues.Set(float64(g.store.Len()))
	g.prop.schedule(v, g.store.Neighbours())
}

// bindNeighbours seeds the store with the neighbours known at init.
func (g *Node) bindNeighbours(c *node.Context) {
	g.bind.Do(func() {
		g.store.SetNeighbours(c.Neighbours())
	})
}

func reply(c *node.Context, msg wire.Envelope[Request], out Response) *wire.Envelope[Response] {
	r := wire.Reply(msg, c.NextID(), out)
	return &r
}
