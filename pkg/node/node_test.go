package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	maelstrom "github.com/jepsen-io/maelstrom/demo/go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrnode/internal/telemetry"
	"github.com/ryandielhenn/zephyrnode/pkg/wire"
)

type ping struct {
	Text string `json:"text"`
}

func (ping) Type() string { return "ping" }

type pong struct {
	Text string `json:"text"`
}

func (pong) Type() string { return "pong" }

var errBoom = errors.New("boom")

type pingWorkload struct {
	started chan struct{}
	stopped chan struct{}
}

func (w *pingWorkload) Inputs() wire.Schema[ping] {
	return wire.Schema[ping]{"ping": wire.Variant[ping, ping]()}
}

func (w *pingWorkload) Process(c *Context, msg wire.Envelope[ping]) (*wire.Envelope[pong], error) {
	switch msg.Body.Payload.Text {
	case "boom":
		return nil, errBoom
	case "quiet":
		return nil, nil
	}
	reply := wire.Reply(msg, c.NextID(), pong{Text: msg.Body.Payload.Text})
	return &reply, nil
}

func (w *pingWorkload) Start(ctx context.Context, c *Context) {
	if w.started == nil {
		return
	}
	close(w.started)
	<-ctx.Done()
	close(w.stopped)
}

const initRecord = `{"src":"c0","dest":"n1","body":{"type":"init","msg_id":1,"node_id":"n1","node_ids":["n1","n2","n3"]}}`

// reply is the loose shape of whatever the node wrote.
type reply struct {
	Src  string `json:"src"`
	Dest string `json:"dest"`
	Body struct {
		Type      string `json:"type"`
		MsgID     *int64 `json:"msg_id"`
		InReplyTo *int64 `json:"in_reply_to"`
		Text      string `json:"text"`
		Code      int    `json:"code"`
	} `json:"body"`
}

func run(t *testing.T, w Workload[ping, pong], lines ...string) ([]reply, error) {
	t.Helper()
	var out bytes.Buffer
	n := New("ping", strings.NewReader(strings.Join(lines, "\n")+"\n"), NewWriter(&out), zaptest.NewLogger(t))
	if _, err := n.Handshake(); err != nil {
		return decodeAll(t, out.String()), err
	}
	err := n.Serve(context.Background(), Adapt(w))
	return decodeAll(t, out.String()), err
}

func decodeAll(t *testing.T, s string) []reply {
	t.Helper()
	var out []reply
	for _, line := range strings.Split(strings.TrimSpace(s), "\n") {
		if line == "" {
			continue
		}
		var r reply
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			t.Fatalf("output %q is not a record: %v", line, err)
		}
		out = append(out, r)
	}
	return out
}

func TestHandshake(t *testing.T) {
	var out bytes.Buffer
	n := New("ping", strings.NewReader(initRecord+"\n"), NewWriter(&out), zaptest.NewLogger(t))
	c, err := n.Handshake()
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if c.NodeID() != "n1" {
		t.Fatalf("NodeID = %q, want n1", c.NodeID())
	}
	if got := c.Neighbours(); len(got) != 2 || got[0] != "n2" || got[1] != "n3" {
		t.Fatalf("Neighbours = %v, want [n2 n3]", got)
	}
	if !c.IsPeer("n2") || c.IsPeer("n1") || c.IsPeer("c1") {
		t.Fatal("IsPeer should accept only other cluster nodes")
	}

	want := `{"src":"n1","dest":"c0","body":{"type":"init_ok","msg_id":0,"in_reply_to":1}}` + "\n"
	if out.String() != want {
		t.Fatalf("init reply = %s, want %s", out.String(), want)
	}
	if n.Context() != c {
		t.Fatal("Context() does not return the handshake context")
	}
}

func TestHandshakeRejectsOtherMessages(t *testing.T) {
	_, err := run(t, &pingWorkload{}, `{"src":"c1","dest":"n1","body":{"type":"ping","msg_id":1}}`)
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}
}

func TestHandshakeRequiresNodeID(t *testing.T) {
	_, err := run(t, &pingWorkload{}, `{"src":"c0","dest":"n1","body":{"type":"init","msg_id":1,"node_ids":[]}}`)
	if err == nil {
		t.Fatal("init without node_id accepted")
	}
}

func TestServeBeforeHandshake(t *testing.T) {
	n := New("ping", strings.NewReader(""), NewWriter(&bytes.Buffer{}), zaptest.NewLogger(t))
	if err := n.Serve(context.Background(), Adapt[ping, pong](&pingWorkload{})); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Serve err = %v, want ErrNotInitialized", err)
	}
}

func TestServeCorrelatesReplies(t *testing.T) {
	got, err := run(t, &pingWorkload{},
		initRecord,
		`{"src":"c1","dest":"n1","body":{"type":"ping","msg_id":10,"text":"a"}}`,
		``,
		`{"src":"c2","dest":"n1","body":{"type":"ping","msg_id":20,"text":"b"}}`,
	)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}

	var ids []int64
	for i, want := range []struct {
		dst, text string
		inReplyTo int64
	}{{"c1", "a", 10}, {"c2", "b", 20}} {
		r := got[i+1]
		if r.Body.Type != "pong" || r.Dest != want.dst || r.Body.Text != want.text {
			t.Fatalf("reply %d = %+v, want pong %q to %s", i, r, want.text, want.dst)
		}
		if r.Body.InReplyTo == nil || *r.Body.InReplyTo != want.inReplyTo {
			t.Fatalf("reply %d in_reply_to = %v, want %d", i, r.Body.InReplyTo, want.inReplyTo)
		}
		ids = append(ids, *r.Body.MsgID)
	}
	if ids[0] <= 0 || ids[1] <= ids[0] {
		t.Fatalf("reply ids %v are not increasing above the handshake id", ids)
	}
}

func TestServeNoReply(t *testing.T) {
	got, err := run(t, &pingWorkload{},
		initRecord,
		`{"src":"n2","dest":"n1","body":{"type":"ping","in_reply_to":4,"text":"quiet"}}`,
	)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records, want only init_ok", len(got))
	}
}

func TestServeRejectsUnknownType(t *testing.T) {
	before := testutil.ToFloat64(telemetry.MessagesTotal.WithLabelValues("unknown", telemetry.OutcomeRejected))

	got, err := run(t, &pingWorkload{},
		initRecord,
		`{"src":"c1","dest":"n1","body":{"type":"frobnicate","msg_id":5}}`,
		`{"src":"c1","dest":"n1","body":{"type":"frobnicate"}}`,
		`{"src":"c1","dest":"n1","body":{"type":"ping","msg_id":6,"text":7}}`,
		`{"src":"c1","dest":"n1","body":{"type":"ping","msg_id":7,"text":"still here"}}`,
	)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d records, want 4", len(got))
	}
	if r := got[1]; r.Body.Type != "error" || r.Body.Code != maelstrom.NotSupported || *r.Body.InReplyTo != 5 {
		t.Fatalf("unknown type reply = %+v, want not-supported error to 5", r.Body)
	}
	if r := got[2]; r.Body.Type != "error" || r.Body.Code != maelstrom.MalformedRequest || *r.Body.InReplyTo != 6 {
		t.Fatalf("bad field reply = %+v, want malformed-request error to 6", r.Body)
	}
	if r := got[3]; r.Body.Type != "pong" || r.Body.Text != "still here" {
		t.Fatalf("last reply = %+v, want pong", r.Body)
	}

	after := testutil.ToFloat64(telemetry.MessagesTotal.WithLabelValues("unknown", telemetry.OutcomeRejected))
	if after-before != 2 {
		t.Fatalf("rejected unknown messages counted %v, want 2", after-before)
	}
}

func TestServeMalformedRecordIsFatal(t *testing.T) {
	_, err := run(t, &pingWorkload{}, initRecord, `{"src":"c1",`)
	var derr *wire.DecodeError
	if !errors.As(err, &derr) {
		t.Fatalf("err = %v, want *wire.DecodeError", err)
	}
}

func TestServeWorkloadErrorIsFatal(t *testing.T) {
	got, err := run(t, &pingWorkload{},
		initRecord,
		`{"src":"c1","dest":"n1","body":{"type":"ping","msg_id":1,"text":"boom"}}`,
		`{"src":"c1","dest":"n1","body":{"type":"ping","msg_id":2,"text":"never"}}`,
	)
	if !errors.Is(err, errBoom) {
		t.Fatalf("err = %v, want errBoom", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records after fatal error, want 1", len(got))
	}
}

func TestServeRunsStarter(t *testing.T) {
	w := &pingWorkload{started: make(chan struct{}), stopped: make(chan struct{})}
	if _, err := run(t, w, initRecord); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	select {
	case <-w.stopped:
	default:
		t.Fatal("background work still running after Serve returned")
	}
}

func TestWriterDoesNotInterleave(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := range 100 {
				env := wire.Envelope[ping]{Src: "n1", Dst: "n2", Body: wire.Body[ping]{ID: wire.MsgID(int64(g*1000 + i)), Payload: ping{Text: strings.Repeat("x", 64)}}}
				if err := Send(w, env); err != nil {
					t.Errorf("Send: %v", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	schema := wire.Schema[ping]{"ping": wire.Variant[ping, ping]()}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 800 {
		t.Fatalf("got %d records, want 800", len(lines))
	}
	for _, line := range lines {
		if _, err := wire.Decode([]byte(line), schema); err != nil {
			t.Fatalf("record %q corrupted: %v", line, err)
		}
	}
}

func TestContextIDs(t *testing.T) {
	c := NewContext("n1", []string{"n1", "n2", "n2"}, 1)
	if got := c.Neighbours(); len(got) != 1 || got[0] != "n2" {
		t.Fatalf("Neighbours = %v, want [n2]", got)
	}
	c.advance()
	reply := c.NextID()
	forward := c.Reserve()
	if reply != 2 || forward != 3 {
		t.Fatalf("ids = (%d,%d), want (2,3)", reply, forward)
	}
	if c.NextID() != reply {
		t.Fatal("Reserve changed the id reserved for the current reply")
	}

	c.SetNeighbours([]string{"n1", "n3"})
	if got := c.Neighbours(); len(got) != 1 || got[0] != "n3" {
		t.Fatalf("Neighbours after SetNeighbours = %v, want [n3]", got)
	}
}

func TestHTTPHandlers(t *testing.T) {
	var out bytes.Buffer
	n := New("ping", strings.NewReader(initRecord+"\n"), NewWriter(&out), zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	n.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Healthz before init = %d, want 503", rec.Code)
	}

	if _, err := n.Handshake(); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	rec = httptest.NewRecorder()
	n.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Healthz = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	n.Info(rec, httptest.NewRequest(http.MethodGet, "/info", nil))
	var info struct {
		NodeID   string `json:"node_id"`
		Workload string `json:"workload"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("Info body: %v", err)
	}
	if info.NodeID != "n1" || info.Workload != "ping" {
		t.Fatalf("Info = %+v, want n1/ping", info)
	}
}

// chatter sends unsolicited pings from the background while replies are
// being written.
type chatter struct {
	pingWorkload
	out  *Writer
	sent int
}

func (w *chatter) Start(ctx context.Context, c *Context) {
	for ctx.Err() == nil && w.sent < 5000 {
		err := c.Sequence(func(reserve func() int64) error {
			env := wire.Envelope[ping]{Src: c.NodeID(), Dst: "n2", Body: wire.Body[ping]{ID: wire.MsgID(reserve()), Payload: ping{Text: "bg"}}}
			return Send(w.out, env)
		})
		if err != nil {
			return
		}
		w.sent++
	}
}

func TestOutboundIDsIncreaseInWriteOrder(t *testing.T) {
	lines := []string{initRecord}
	for i := range 500 {
		lines = append(lines, `{"src":"c1","dest":"n1","body":{"type":"ping","msg_id":`+strconv.Itoa(i+10)+`,"text":"fg"}}`)
	}

	var out bytes.Buffer
	n := New("ping", strings.NewReader(strings.Join(lines, "\n")+"\n"), NewWriter(&out), zaptest.NewLogger(t))
	if _, err := n.Handshake(); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	w := &chatter{out: n.Out()}
	if err := n.Serve(context.Background(), Adapt[ping, pong](w)); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	got := decodeAll(t, out.String())
	replies := 0
	last := int64(0)
	for i, r := range got[1:] {
		if r.Body.MsgID == nil {
			t.Fatalf("record %d has no msg_id: %+v", i+1, r)
		}
		if id := *r.Body.MsgID; id <= last {
			t.Fatalf("record %d has msg_id %d after %d", i+1, id, last)
		}
		last = *r.Body.MsgID
		if r.Body.Type == "pong" {
			replies++
		}
	}
	if replies != 500 {
		t.Fatalf("got %d replies, want 500", replies)
	}
}
