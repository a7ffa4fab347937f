package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrnode/internal/telemetry"
	"github.com/ryandielhenn/zephyrnode/pkg/gossip"
	"github.com/ryandielhenn/zephyrnode/pkg/sim"
	"github.com/ryandielhenn/zephyrnode/pkg/topology"
)

func main() {
	nodes := flag.Int("n", 5, "nodes in the cluster")
	kind := flag.String("topology", "grid", "one of line, grid, tree, total, ring")
	values := flag.Int("values", 100, "distinct values to broadcast")
	conc := flag.Int("c", 8, "concurrent clients")
	latency := flag.Duration("latency", 0, "max random delay per node-to-node record")
	dup := flag.Float64("dup", 0, "probability a node-to-node record is delivered twice")
	interval := flag.Duration("interval", 100*time.Millisecond, "gossip scan interval")
	timeout := flag.Duration("timeout", 30*time.Second, "give up waiting for convergence after this long")
	verbose := flag.Bool("v", false, "log node activity to stderr")
	flag.Parse()

	log, err := newLogger(*verbose)
	if err != nil {
		fail(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	ids := topology.IDs(*nodes)
	top, err := topology.Build(*kind, ids)
	if err != nil {
		fail(err)
	}
	c, err := sim.Start(ctx, ids, sim.Options{
		Latency:   *latency,
		Duplicate: *dup,
		Seed:      time.Now().UnixNano(),
		Gossip:    gossip.Config{Interval: *interval},
		Log:       log,
	})
	if err != nil {
		fail(err)
	}
	defer c.Close()
	if err := c.SetTopology(ctx, top); err != nil {
		fail(err)
	}

	want := make([]uint64, *values)
	ch := make(chan uint64)
	var wg sync.WaitGroup
	start := time.Now()
	for w := 0; w < *conc; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for v := range ch {
				if err := c.Broadcast(ctx, ids[int(v)%len(ids)], v); err != nil {
					fmt.Fprintf(os.Stderr, "client %d: broadcast %d: %v\n", w, v, err)
				}
			}
		}(w)
	}
	for i := range want {
		want[i] = uint64(i)
		ch <- want[i]
	}
	close(ch)
	wg.Wait()
	injected := time.Since(start)

	if err := c.WaitConverged(ctx, want, 10*time.Millisecond); err != nil {
		fail(err)
	}
	dur := time.Since(start)

	families, _ := telemetry.Registry.Gather()
	forwards := map[string]float64{}
	for _, f := range families {
		if f.GetName() != "zephyrnode_gossip_forwards_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			forwards[m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
		}
	}

	fmt.Printf("%d nodes (%s), %d values: injected in %s, converged in %s\n", *nodes, *kind, *values, injected, dur)
	fmt.Printf("forwards: sent=%.0f retried=%.0f acked=%.0f abandoned=%.0f dropped=%d (%.2f msgs/value)\n",
		forwards[telemetry.ForwardSent], forwards[telemetry.ForwardRetried],
		forwards[telemetry.ForwardAcked], forwards[telemetry.ForwardAbandoned],
		c.Dropped(), (forwards[telemetry.ForwardSent]+forwards[telemetry.ForwardRetried])/float64(*values))
}

// newLogger discards node logs unless verbose is set.
func newLogger(verbose bool) (*zap.Logger, error) {
	if !verbose {
		return zap.NewNop(), nil
	}
	return zap.NewDevelopment()
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "bench:", err)
	os.Exit(1)
}
