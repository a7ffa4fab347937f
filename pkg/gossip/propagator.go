package gossip

import (
	"context"
	"math/rand"
	"slices"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrnode/internal/telemetry"
	"github.com/ryandielhenn/zephyrnode/pkg/node"
	"github.com/ryandielhenn/zephyrnode/pkg/wire"
)

type Config struct {
	Interval    time.Duration // how often pending forwards are scanned
	MinBackoff  time.Duration // wait before the first re-send
	MaxBackoff  time.Duration // cap on the wait between re-sends
	MaxAttempts int           // sends per forward before giving up; 0 retries forever
	Expected    uint          // expected number of distinct values
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 100 * time.Millisecond
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = max(c.MinBackoff, 2*time.Second)
	}
	return c
}

// backoff returns how long to wait for an acknowledgement after the given
// send attempt: exponential from MinBackoff, randomized, capped at MaxBackoff.
func (c Config) backoff(attempt int) time.Duration {
	d := c.MaxBackoff
	if shift := attempt - 1; shift < 16 {
		d = min(c.MinBackoff<<shift, c.MaxBackoff)
	}
	d += time.Duration(rand.Int63n(int64(d)/2 + 1))
	return min(d, c.MaxBackoff)
}

// forward is one value owed to one neighbour.
type forward struct {
	peer     string
	value    uint64
	attempts int
	due      time.Time
	msgIDs   []int64
}

type pair struct {
	peer  string
	value uint64
}

// outgoing is a forward picked for sending in one round.
type outgoing struct {
	peer  string
	value uint64
	msgID int64
	retry bool
}

// propagator tracks what each neighbour is known to hold and which forwards
// still wait for an acknowledgement.
type propagator struct {
	cfg  Config
	out  Transport
	log  *zap.Logger
	now  func() time.Time
	wake chan struct{}

	mu      sync.Mutex
	known   map[string]map[uint64]struct{}
	pending map[pair]*forward
	byMsgID map[int64]*forward
}

func newPropagator(cfg Config, out Transport, log *zap.Logger) *propagator {
	return &propagator{
		cfg:     cfg,
		out:     out,
		log:     log,
		now:     time.Now,
		wake:    make(chan struct{}, 1),
		known:   make(map[string]map[uint64]struct{}),
		pending: make(map[pair]*forward),
		byMsgID: make(map[int64]*forward),
	}
}

// learned records that peer holds v, which settles any forward of v to it.
func (p *propagator) learned(peer string, v uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.markKnown(peer, v)
	if f, ok := p.pending[pair{peer, v}]; ok {
		p.drop(f)
	}
}

// schedule queues v for every neighbour not known to hold it.
func (p *propagator) schedule(v uint64, neighbours []string) {
	p.mu.Lock()
	added := 0
	for _, peer := range neighbours {
		if p.enqueue(peer, v) {
			added++
		}
	}
	p.mu.Unlock()

	if added > 0 {
		p.signal()
	}
}

// retarget switches to a new neighbour list: forwards to peers no longer
// listed are cancelled and every value is owed to the new ones.
func (p *propagator) retarget(neighbours []string, values []uint64) {
	p.mu.Lock()
	cancelled := 0
	for _, f := range p.pending {
		if !slices.Contains(neighbours, f.peer) {
			p.drop(f)
			cancelled++
		}
	}
	added := 0
	for _, peer := range neighbours {
		for _, v := range values {
			if p.enqueue(peer, v) {
				added++
			}
		}
	}
	p.mu.Unlock()

	p.log.Info("neighbours changed",
		zap.Strings("neighbours", neighbours),
		zap.Int("cancelled", cancelled),
		zap.Int("scheduled", added))
	if added > 0 {
		p.signal()
	}
}

// ack settles the forward that msgID was sent for. It reports false for ids
// that are unknown, already settled, or were sent to someone else.
func (p *propagator) ack(peer string, msgID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, ok := p.byMsgID[msgID]
	if !ok || f.peer != peer {
		return false
	}
	p.markKnown(peer, f.value)
	p.drop(f)
	telemetry.Forward(telemetry.ForwardAcked, 1)
	return true
}

// knows reports whether peer is known to hold v.
func (p *propagator) knows(peer string, v uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.known[peer][v]
	return ok
}

func (p *propagator) pendingLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// due picks the forwards whose wait has run out at now, assigns each a fresh
// msg_id from reserve and pushes its deadline back.
func (p *propagator) due(now time.Time, reserve func() int64) []outgoing {
	p.mu.Lock()
	defer p.mu.Unlock()

	var batch []outgoing
	abandoned := 0
	for _, f := range p.pending {
		if f.due.After(now) {
			continue
		}
		if p.cfg.MaxAttempts > 0 && f.attempts >= p.cfg.MaxAttempts {
			p.log.Warn("giving up forward",
				zap.String("peer", f.peer), zap.Uint64("value", f.value), zap.Int("attempt", f.attempts))
			p.drop(f)
			abandoned++
			continue
		}

		f.attempts++
		id := reserve()
		f.msgIDs = append(f.msgIDs, id)
		p.byMsgID[id] = f
		f.due = now.Add(p.cfg.backoff(f.attempts))
		batch = append(batch, outgoing{peer: f.peer, value: f.value, msgID: id, retry: f.attempts > 1})
	}
	telemetry.Forward(telemetry.ForwardAbandoned, abandoned)
	telemetry.GossipPending.Set(float64(len(p.pending)))
	return batch
}

// flush sends every due forward. Failed sends stay pending and are retried.
func (p *propagator) flush(c *node.Context) error {
	return c.Sequence(func(reserve func() int64) error {
		return p.send(c.NodeID(), p.due(p.now(), reserve))
	})
}

func (p *propagator) send(self string, batch []outgoing) error {
	var errs error
	sent, retried := 0, 0
	for _, o := range batch {
		env := wire.Envelope[Broadcast]{
			Src:  self,
			Dst:  o.peer,
			Body: wire.Body[Broadcast]{ID: wire.MsgID(o.msgID), Payload: Broadcast{Message: o.value}},
		}
		rec, err := wire.Encode(env)
		if err == nil {
			err = p.out.WriteRecord(rec)
		}
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if o.retry {
			retried++
		} else {
			sent++
		}
		p.log.Debug("forwarded", zap.String("peer", o.peer), zap.Uint64("value", o.value), zap.Int64("msg_id", o.msgID))
	}
	telemetry.Forward(telemetry.ForwardSent, sent)
	telemetry.Forward(telemetry.ForwardRetried, retried)
	return errs
}

// run flushes on every tick and whenever new forwards are scheduled, until
// ctx is cancelled.
func (p *propagator) run(ctx context.Context, c *node.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
		if err := p.flush(c); err != nil {
			p.log.Warn("forwarding failed", zap.Errors("errors", multierr.Errors(err)))
		}
	}
}

func (p *propagator) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// enqueue adds a forward of v to peer unless peer holds v or one is pending.
// Callers hold p.mu.
func (p *propagator) enqueue(peer string, v uint64) bool {
	if _, ok := p.known[peer][v]; ok {
		return false
	}
	k := pair{peer, v}
	if _, ok := p.pending[k]; ok {
		return false
	}
	p.pending[k] = &forward{peer: peer, value: v, due: p.now()}
	return true
}

// Callers hold p.mu.
func (p *propagator) drop(f *forward) {
	delete(p.pending, pair{f.peer, f.value})
	for _, id := range f.msgIDs {
		delete(p.byMsgID, id)
	}
}

// Callers hold p.mu.
func (p *propagator) markKnown(peer string, v uint64) {
	set, ok := p.known[peer]
	if !ok {
		set = make(map[uint64]struct{})
		p.known[peer] = set
	}
	set[v] = struct{}{}
}
