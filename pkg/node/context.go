package node

import (
	"slices"
	"sync"
	"sync/atomic"
)

// Context is the process-wide correlation state handed to every dispatch.
// The node identity is fixed by the init handshake; neighbours change only on
// topology messages.
type Context struct {
	nodeID  string
	nodeIDs []string

	mu         sync.RWMutex
	neighbours []string

	// ids is shared with background writers, current belongs to the
	// dispatch loop alone. seq is held from taking an id until the record
	// carrying it is written, so ids leave the node in increasing order.
	seq     sync.Mutex
	ids     atomic.Int64
	current int64
}

// NewContext builds the Running context. Outbound ids handed out by the
// context start strictly above firstID.
func NewContext(nodeID string, nodeIDs []string, firstID int64) *Context {
	c := &Context{
		nodeID:     nodeID,
		nodeIDs:    slices.Clone(nodeIDs),
		neighbours: withoutSelf(nodeID, nodeIDs),
	}
	c.ids.Store(firstID)
	c.current = firstID
	return c
}

func (c *Context) NodeID() string { return c.nodeID }

// NodeIDs returns every node in the cluster as announced by init.
func (c *Context) NodeIDs() []string { return slices.Clone(c.nodeIDs) }

// IsPeer reports whether id is another node of the cluster rather than a client.
func (c *Context) IsPeer(id string) bool {
	return id != c.nodeID && slices.Contains(c.nodeIDs, id)
}

func (c *Context) Neighbours() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.neighbours)
}

func (c *Context) SetNeighbours(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.neighbours = withoutSelf(c.nodeID, ids)
}

// NextID is the msg_id reserved for the reply to the record being dispatched.
func (c *Context) NextID() int64 { return c.current }

// Reserve hands out a fresh msg_id for a message that is not a reply to the
// record being dispatched. Safe for concurrent use.
func (c *Context) Reserve() int64 { return c.ids.Add(1) }

func (c *Context) advance() { c.current = c.Reserve() }

// Sequence runs fn while no reply can take an id. Messages fn sends with ids
// from reserve are written before any later reply.
func (c *Context) Sequence(fn func(reserve func() int64) error) error {
	c.seq.Lock()
	defer c.seq.Unlock()
	return fn(c.Reserve)
}

func withoutSelf(self string, ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != self && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
