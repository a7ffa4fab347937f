package node

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrnode/internal/telemetry"
	"github.com/ryandielhenn/zephyrnode/pkg/wire"
)

var (
	// ErrNotInitialized is returned when anything but init arrives before the
	// handshake, or when Serve is called without one.
	ErrNotInitialized = errors.New("node not initialized")
	// ErrUnknownWorkload is returned when no workload has the requested name.
	ErrUnknownWorkload = errors.New("unknown workload")
)

// Node reads one record at a time from in and writes replies to out.
type Node struct {
	workload string
	in       *bufio.Reader
	out      *Writer
	log      *zap.Logger

	ctx     atomic.Pointer[Context]
	handled atomic.Int64
}

func New(workload string, in io.Reader, out *Writer, log *zap.Logger) *Node {
	return &Node{
		workload: workload,
		in:       bufio.NewReader(in),
		out:      out,
		log:      log,
	}
}

// Context returns the Running context, or nil before the handshake.
func (n *Node) Context() *Context { return n.ctx.Load() }

func (n *Node) Out() *Writer { return n.out }

// Handshake consumes the first record, which must be init, answers it and
// moves the node to Running.
func (n *Node) Handshake() (*Context, error) {
	if c := n.ctx.Load(); c != nil {
		return c, nil
	}

	record, err := n.readRecord()
	if err != nil {
		return nil, fmt.Errorf("read init message: %w", err)
	}

	hs := &initWorkload{}
	res, err := Adapt[Init, InitOk](hs).Handle(&Context{current: handshakeID}, record)
	if errors.Is(err, wire.ErrUnknownType) {
		return nil, fmt.Errorf("%w: got %q before init", ErrNotInitialized, res.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("handle init message: %w", err)
	}
	if err := n.out.WriteRecord(res.Reply); err != nil {
		return nil, fmt.Errorf("write init response: %w", err)
	}

	c := hs.running()
	n.ctx.Store(c)
	n.log = n.log.With(zap.String("node", c.NodeID()))
	n.log.Info("initialized", zap.String("workload", n.workload), zap.Strings("node_ids", c.NodeIDs()))
	return c, nil
}

// Serve feeds every following record to h until the inbound channel is
// exhausted or h reports a fatal error. Background work of h runs for as long
// as Serve does.
func (n *Node) Serve(ctx context.Context, h Handler) error {
	c := n.ctx.Load()
	if c == nil {
		return ErrNotInitialized
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()
	if s, ok := h.(Starter); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Start(ctx, c)
		}()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		record, err := n.readRecord()
		if errors.Is(err, io.EOF) {
			n.log.Info("inbound channel closed", zap.Int64("handled", n.handled.Load()))
			return nil
		}
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		if err := n.dispatch(c, h, record); err != nil {
			return err
		}
	}
}

func (n *Node) dispatch(c *Context, h Handler, record []byte) error {
	start := time.Now()
	c.seq.Lock()
	defer c.seq.Unlock()
	c.advance()
	n.handled.Add(1)

	res, err := h.Handle(c, record)
	if err != nil {
		var derr *wire.DecodeError
		if !errors.As(err, &derr) || derr.Header == nil {
			telemetry.ObserveMessage(res.Type, telemetry.OutcomeFailed, time.Since(start))
			return fmt.Errorf("handle %q message: %w", res.Type, err)
		}
		return n.reject(c, derr, start)
	}

	if res.Reply != nil {
		if err := n.out.WriteRecord(res.Reply); err != nil {
			return fmt.Errorf("write %q response: %w", res.Type, err)
		}
	}
	telemetry.ObserveMessage(res.Type, telemetry.OutcomeOK, time.Since(start))
	return nil
}

// reject answers a readable envelope whose body the workload cannot take.
func (n *Node) reject(c *Context, derr *wire.DecodeError, start time.Time) error {
	typ := derr.Header.Type
	if errors.Is(derr, wire.ErrUnknownType) {
		typ = "unknown"
	}
	if !derr.Answerable() {
		n.log.Warn("dropping undecodable message without msg_id",
			zap.String("src", derr.Src), zap.String("type", derr.Header.Type), zap.Error(derr.Err))
		telemetry.ObserveMessage(typ, telemetry.OutcomeRejected, time.Since(start))
		return nil
	}

	n.log.Warn("rejecting message",
		zap.String("src", derr.Src), zap.String("type", derr.Header.Type),
		zap.Int64("msg_id", *derr.Header.MsgID), zap.Error(derr.Err))
	if err := Send(n.out, wire.ErrorReply(derr, c.NextID())); err != nil {
		return fmt.Errorf("write error response: %w", err)
	}
	telemetry.ObserveMessage(typ, telemetry.OutcomeRejected, time.Since(start))
	return nil
}

// readRecord returns the next non-blank line without its newline.
func (n *Node) readRecord() ([]byte, error) {
	for {
		line, err := n.in.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
