// Package gossip implements the broadcast workload: a per-node set of values
// that converges across the cluster by forwarding every newly seen value to
// the node's neighbours until each of them acknowledges it.
//
// The topology is supplied by the harness. Forwards are ordinary broadcast
// messages; the neighbour's broadcast_ok reply, correlated through
// in_reply_to, is the acknowledgement. Unacknowledged forwards are re-sent
// with exponential backoff, so values cross partitions once they heal.
//
// Typical usage:
//
//	g := gossip.New(out, logger, gossip.Config{})
//	h := node.Adapt[gossip.Request, gossip.Response](g)
//	err := n.Serve(ctx, h)
package gossip
