// Package sim runs a cluster of gossip nodes inside one process. Each node
// talks over a pair of pipes exactly as it would over stdin/stdout, and the
// cluster routes records between them with optional latency, duplication and
// partitions.
package sim

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	maelstrom "github.com/jepsen-io/maelstrom/demo/go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrnode/pkg/gossip"
	"github.com/ryandielhenn/zephyrnode/pkg/node"
	"github.com/ryandielhenn/zephyrnode/pkg/topology"
	"github.com/ryandielhenn/zephyrnode/pkg/wire"
)

// ClientID is the source of every request the cluster injects.
const ClientID = "c1"

const inboxSize = 8192

type Options struct {
	Latency   time.Duration // upper bound of the random delay on node-to-node records
	Duplicate float64       // probability that a node-to-node record is delivered twice
	Seed      int64
	Gossip    gossip.Config
	Log       *zap.Logger
}

type Cluster struct {
	opts    Options
	ids     []string
	members map[string]*member
	msgIDs  atomic.Int64
	wg      sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand

	mu      sync.Mutex
	closed  bool
	cut     map[[2]string]bool
	waiters map[int64]chan []byte
	dropped int
}

type member struct {
	id    string
	inbox chan []byte
	done  chan error
}

// Start boots one gossip node per id and initializes them.
func Start(ctx context.Context, ids []string, opts Options) (*Cluster, error) {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	c := &Cluster{
		opts:    opts,
		ids:     slices.Clone(ids),
		members: make(map[string]*member, len(ids)),
		rng:     rand.New(rand.NewSource(opts.Seed)),
		cut:     make(map[[2]string]bool),
		waiters: make(map[int64]chan []byte),
	}
	for _, id := range ids {
		c.members[id] = c.boot(id)
	}

	for _, id := range ids {
		if _, err := Call(ctx, c, id, node.Init{NodeID: id, NodeIDs: c.ids}); err != nil {
			return c, multierr.Append(fmt.Errorf("init %s: %w", id, err), c.Close())
		}
	}
	return c, nil
}

func (c *Cluster) boot(id string) *member {
	m := &member{id: id, inbox: make(chan []byte, inboxSize), done: make(chan error, 1)}
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	log := c.opts.Log.Named(id)
	n := node.New("gossip", inR, node.NewWriter(outW), log)

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		_, err := n.Handshake()
		if err == nil {
			g := gossip.New(n.Out(), log, c.opts.Gossip)
			err = n.Serve(context.Background(), node.Adapt[gossip.Request, gossip.Response](g))
		}
		outW.CloseWithError(err)
		inR.CloseWithError(err)
		m.done <- err
	}()
	go func() {
		defer c.wg.Done()
		defer inW.Close()
		for rec := range m.inbox {
			if _, err := inW.Write(append(rec, '\n')); err != nil {
				return
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		sc := bufio.NewScanner(outR)
		sc.Buffer(make([]byte, 64<<10), 16<<20)
		for sc.Scan() {
			c.route(id, slices.Clone(sc.Bytes()))
		}
	}()
	return m
}

// route delivers one record written by node src.
func (c *Cluster) route(src string, rec []byte) {
	var raw maelstrom.Message
	if err := json.Unmarshal(rec, &raw); err != nil {
		c.opts.Log.Error("node wrote a malformed record", zap.String("node", src), zap.Error(err))
		return
	}

	dst, ok := c.members[raw.Dest]
	if !ok {
		var h wire.Header
		if err := json.Unmarshal(raw.Body, &h); err != nil || h.InReplyTo == nil {
			return
		}
		c.mu.Lock()
		ch := c.waiters[*h.InReplyTo]
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- rec:
			default:
			}
		}
		return
	}

	if c.partitioned(src, raw.Dest) {
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		return
	}
	copies := 1
	if c.opts.Duplicate > 0 && c.float() < c.opts.Duplicate {
		copies = 2
	}
	for range copies {
		if c.opts.Latency <= 0 {
			c.enqueue(dst, rec)
			continue
		}
		d := time.Duration(c.int63n(int64(c.opts.Latency) + 1))
		time.AfterFunc(d, func() { c.enqueue(dst, rec) })
	}
}

func (c *Cluster) enqueue(m *member, rec []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case m.inbox <- rec:
	default:
		c.dropped++
	}
}

// Call sends p from the client to node dst and waits for the reply record.
func Call[P wire.Payload](ctx context.Context, c *Cluster, dst string, p P) ([]byte, error) {
	m, ok := c.members[dst]
	if !ok {
		return nil, fmt.Errorf("no node %q", dst)
	}

	id := c.msgIDs.Add(1)
	ch := make(chan []byte, 1)
	c.mu.Lock()
	c.waiters[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
	}()

	rec, err := wire.Encode(wire.Envelope[P]{
		Src:  ClientID,
		Dst:  dst,
		Body: wire.Body[P]{ID: wire.MsgID(id), Payload: p},
	})
	if err != nil {
		return nil, err
	}
	c.enqueue(m, rec)

	select {
	case reply := <-ch:
		if env, err := wire.Decode(reply, wire.ErrorSchema); err == nil {
			return nil, env.Body.Payload.RPCError()
		}
		return reply, nil
	case err := <-m.done:
		m.done <- err
		return nil, fmt.Errorf("node %s stopped: %w", dst, err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cluster) IDs() []string { return slices.Clone(c.ids) }

// Broadcast injects v at node dst.
func (c *Cluster) Broadcast(ctx context.Context, dst string, v uint64) error {
	_, err := Call(ctx, c, dst, gossip.Broadcast{Message: v})
	return err
}

// Read returns what node dst currently holds.
func (c *Cluster) Read(ctx context.Context, dst string) ([]uint64, error) {
	rec, err := Call(ctx, c, dst, gossip.Read{})
	if err != nil {
		return nil, err
	}
	env, err := wire.Decode(rec, gossip.Responses)
	if err != nil {
		return nil, err
	}
	ok, isRead := env.Body.Payload.(gossip.ReadOk)
	if !isRead {
		return nil, fmt.Errorf("read answered with %s", env.Body.Payload.Type())
	}
	return ok.Messages, nil
}

// SetTopology hands t to every node.
func (c *Cluster) SetTopology(ctx context.Context, t topology.Topology) error {
	for _, id := range c.ids {
		if _, err := Call(ctx, c, id, gossip.Topology{Topology: t}); err != nil {
			return fmt.Errorf("topology %s: %w", id, err)
		}
	}
	return nil
}

// Partition drops every node-to-node record between the two sides.
func (c *Cluster) Partition(left, right []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range left {
		for _, b := range right {
			c.cut[[2]string{a, b}] = true
			c.cut[[2]string{b, a}] = true
		}
	}
}

// Heal removes all partitions.
func (c *Cluster) Heal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.cut)
}

func (c *Cluster) partitioned(a, b string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cut[[2]string{a, b}]
}

// Dropped counts records lost to partitions or full inboxes.
func (c *Cluster) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// WaitConverged polls every node until all of them read exactly want.
func (c *Cluster) WaitConverged(ctx context.Context, want []uint64, poll time.Duration) error {
	want = slices.Clone(want)
	slices.Sort(want)
	want = slices.Compact(want)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		lagging := ""
		for _, id := range c.ids {
			got, err := c.Read(ctx, id)
			if err != nil {
				return err
			}
			if !slices.Equal(got, want) {
				lagging = id
				break
			}
		}
		if lagging == "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("node %s did not converge: %w", lagging, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close stops every node and returns their errors.
func (c *Cluster) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, m := range c.members {
		close(m.inbox)
	}
	c.mu.Unlock()

	c.wg.Wait()
	var errs error
	for _, id := range c.ids {
		if err := <-c.members[id].done; err != nil && !errors.Is(err, io.ErrClosedPipe) {
			errs = multierr.Append(errs, fmt.Errorf("node %s: %w", id, err))
		}
	}
	return errs
}

func (c *Cluster) float() float64 {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.rng.Float64()
}

func (c *Cluster) int63n(n int64) int64 {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.rng.Int63n(n)
}
