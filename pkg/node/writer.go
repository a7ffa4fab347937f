package node

import (
	"bufio"
	"io"
	"sync"

	"github.com/ryandielhenn/zephyrnode/pkg/wire"
)

// Writer serializes records onto the outbound channel. The dispatch loop and
// background propagation share one Writer, so records never interleave.
type Writer struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// WriteRecord writes rec followed by a newline and flushes.
func (w *Writer) WriteRecord(rec []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.w.Write(rec); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

// Send encodes env and writes it as one record.
func Send[P wire.Payload](w *Writer, env wire.Envelope[P]) error {
	rec, err := wire.Encode(env)
	if err != nil {
		return err
	}
	return w.WriteRecord(rec)
}
