// Package workload holds the stateless request/response workloads and the
// static table the node binary selects its workload from.
package workload

import (
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrnode/pkg/gossip"
	"github.com/ryandielhenn/zephyrnode/pkg/node"
)

// Deps is what a workload may need at construction time.
type Deps struct {
	Out    *node.Writer
	Log    *zap.Logger
	Now    func() time.Time
	Gossip gossip.Config
}

// Factory builds a fresh workload instance once the node is initialized.
type Factory func(Deps) node.Handler

var factories = map[string]Factory{
	"echo": func(Deps) node.Handler {
		return node.Adapt[Echo, EchoOk](EchoNode{})
	},
	"uniqueid": func(d Deps) node.Handler {
		return node.Adapt[Generate, GenerateOk](NewUniqueIDNode(d.Now))
	},
	"gossip": func(d Deps) node.Handler {
		return node.Adapt[gossip.Request, gossip.Response](gossip.New(d.Out, d.Log, d.Gossip))
	},
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, error) {
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (want one of %v)", node.ErrUnknownWorkload, name, Names())
	}
	return f, nil
}

// Names lists the registered workloads in sorted order.
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
