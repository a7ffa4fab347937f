package node

import (
	"encoding/json"
	"net/http"
	"os"
	"time"
)

// Healthz returns 200 once the node has completed its handshake.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	if n.Context() == nil {
		http.Error(w, "not initialized", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes a JSON payload with the process ID, current time, the node's
// identity and how many messages it has dispatched.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID        int       `json:"pid"`
		Now        time.Time `json:"now"`
		Workload   string    `json:"workload"`
		NodeID     string    `json:"node_id,omitempty"`
		Neighbours []string  `json:"neighbours,omitempty"`
		Handled    int64     `json:"handled"`
	}
	r := resp{PID: os.Getpid(), Now: time.Now(), Workload: n.workload, Handled: n.handled.Load()}
	if c := n.Context(); c != nil {
		r.NodeID = c.NodeID()
		r.Neighbours = c.Neighbours()
	}
	data, _ := json.Marshal(r)
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
