// Package topology builds neighbour maps for a cluster of node ids, in the
// shapes a test harness typically hands to broadcast nodes.
package topology

import (
	"fmt"
	"hash/fnv"
	"math"
	"slices"
	"sort"
	"strconv"
)

// Topology maps every node id to its neighbours.
type Topology map[string][]string

type Hasher func([]byte) uint32

// Kinds lists the names accepted by Build.
var Kinds = []string{"line", "grid", "tree", "total", "ring"}

// IDs returns n0 .. n(count-1).
func IDs(count int) []string {
	ids := make([]string, count)
	for i := range ids {
		ids[i] = "n" + strconv.Itoa(i)
	}
	return ids
}

// Build returns the topology called kind over ids.
func Build(kind string, ids []string) (Topology, error) {
	switch kind {
	case "line":
		return Line(ids), nil
	case "grid":
		return Grid(ids), nil
	case "tree":
		return Tree(ids, 4), nil
	case "total":
		return Total(ids), nil
	case "ring":
		return Ring(ids, nil), nil
	}
	return nil, fmt.Errorf("unknown topology %q (want one of %v)", kind, Kinds)
}

// Line connects each node to the one before and after it.
func Line(ids []string) Topology {
	t := empty(ids)
	for i := 1; i < len(ids); i++ {
		t.link(ids[i-1], ids[i])
	}
	return t
}

// Total connects every node to every other.
func Total(ids []string) Topology {
	t := empty(ids)
	for i := range ids {
		for j := i + 1; j < len(ids); j++ {
			t.link(ids[i], ids[j])
		}
	}
	return t
}

// Grid lays the nodes out row by row on a square and connects orthogonal
// neighbours.
func Grid(ids []string) Topology {
	t := empty(ids)
	side := int(math.Ceil(math.Sqrt(float64(len(ids)))))
	for i := range ids {
		if (i+1)%side != 0 && i+1 < len(ids) {
			t.link(ids[i], ids[i+1])
		}
		if i+side < len(ids) {
			t.link(ids[i], ids[i+side])
		}
	}
	return t
}

// Tree connects node i to its parent (i-1)/fanout.
func Tree(ids []string, fanout int) Topology {
	if fanout < 1 {
		fanout = 2
	}
	t := empty(ids)
	for i := 1; i < len(ids); i++ {
		t.link(ids[(i-1)/fanout], ids[i])
	}
	return t
}

// Ring places the nodes on a hash ring and links each one to the nodes 1, 2,
// 4, ... positions away in both directions, which keeps the diameter
// logarithmic in the cluster size.
func Ring(ids []string, h Hasher) Topology {
	if h == nil {
		h = fnv32a
	}
	order := slices.Clone(ids)
	points := make(map[string]uint32, len(ids))
	for _, id := range order {
		points[id] = h([]byte(id))
	}
	sort.SliceStable(order, func(i, j int) bool { return points[order[i]] < points[order[j]] })

	t := empty(ids)
	n := len(order)
	for i := range order {
		for k := 1; k < n; k *= 2 {
			t.link(order[i], order[(i+k)%n])
		}
	}
	return t
}

// Connected reports whether every node can reach every other.
func (t Topology) Connected() bool {
	if len(t) == 0 {
		return true
	}
	var start string
	for id := range t {
		start = id
		break
	}
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, nb := range t[id] {
			if !seen[nb] {
				seen[nb] = true
				queue = append(queue, nb)
			}
		}
	}
	return len(seen) == len(t)
}

func empty(ids []string) Topology {
	t := make(Topology, len(ids))
	for _, id := range ids {
		t[id] = []string{}
	}
	return t
}

// link adds an undirected edge, ignoring self loops and repeats.
func (t Topology) link(a, b string) {
	if a == b || slices.Contains(t[a], b) {
		return
	}
	t[a] = append(t[a], b)
	t[b] = append(t[b], a)
}

func fnv32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}
