package gossip

// Transport carries forwards to neighbours over the node's outbound channel.
// It must be safe for concurrent use; *node.Writer is.
type Transport interface {
	WriteRecord(rec []byte) error
}
