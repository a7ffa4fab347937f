package workload

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ryandielhenn/zephyrnode/pkg/node"
	"github.com/ryandielhenn/zephyrnode/pkg/wire"
)

type Generate struct{}

func (Generate) Type() string { return "generate" }

type GenerateOk struct {
	ID string `json:"id"`
}

func (GenerateOk) Type() string { return "generate_ok" }

func (GenerateOk) Required() []string { return []string{"id"} }

// ErrClockBeforeEpoch is returned when the clock reads earlier than the Unix epoch.
var ErrClockBeforeEpoch = errors.New("clock reads before unix epoch")

const nodeWidth = 5

// UniqueIDNode hands out ids made of the current millisecond, the node id and
// a per-millisecond counter. Ids from one node never repeat, and ids from
// different nodes differ in the node part.
type UniqueIDNode struct {
	now     func() time.Time
	lastMS  int64
	counter uint64
}

func NewUniqueIDNode(now func() time.Time) *UniqueIDNode {
	if now == nil {
		now = time.Now
	}
	return &UniqueIDNode{now: now}
}

func (u *UniqueIDNode) Inputs() wire.Schema[Generate] {
	return wire.Schema[Generate]{"generate": wire.Variant[Generate, Generate]()}
}

func (u *UniqueIDNode) Process(c *node.Context, msg wire.Envelope[Generate]) (*wire.Envelope[GenerateOk], error) {
	id, err := u.next(c.NodeID())
	if err != nil {
		return nil, err
	}
	reply := wire.Reply(msg, c.NextID(), GenerateOk{ID: id})
	return &reply, nil
}

func (u *UniqueIDNode) next(nodeID string) (string, error) {
	now := u.now()
	if now.Before(time.Unix(0, 0)) {
		return "", fmt.Errorf("generate id at %s: %w", now, ErrClockBeforeEpoch)
	}

	// A clock that stepped backwards keeps the last millisecond and counts on.
	if ms := now.UnixMilli(); ms > u.lastMS {
		u.lastMS = ms
		u.counter = 0
	} else {
		u.counter++
	}
	return fmt.Sprintf("%016X-%s-%08X", u.lastMS, padLeft(nodeID, nodeWidth, '-'), uint32(u.counter)), nil
}

func padLeft(s string, width int, fill byte) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat(string(fill), width-len(s)) + s
}
