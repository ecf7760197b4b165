package bridge

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabedit/crdt"
	"collabedit/editor"
	"collabedit/presence"
	"collabedit/transport"
)

type peer struct {
	buf *editor.TextBuffer
	doc *crdt.Doc
	tr  *transport.Memory
	b   *Bridge
}

func newPeer(t *testing.T, hub *transport.MemoryHub, id, text string, extra ...func(*Config)) *peer {
	t.Helper()
	p := &peer{
		buf: editor.NewTextBuffer(text),
		doc: crdt.NewDocFromText(id, text),
		tr:  hub.Join(),
	}
	cfg := Config{
		Key:       Key("proj", "/main.go"),
		Origin:    id,
		Buffer:    p.buf,
		Doc:       p.doc,
		Transport: p.tr,
	}
	for _, fn := range extra {
		fn(&cfg)
	}
	var err error
	p.b, err = Attach(cfg)
	require.NoError(t, err)
	t.Cleanup(p.b.Detach)
	return p
}

// tap records every op envelope crossing the hub.
func tap(hub *transport.MemoryHub) *[]Envelope {
	var seen []Envelope
	m := hub.Join()
	m.Subscribe(func(raw []byte) {
		var env Envelope
		if json.Unmarshal(raw, &env) == nil && env.Type == MsgOp {
			seen = append(seen, env)
		}
	})
	return &seen
}

func TestKey(t *testing.T) {
	assert.Equal(t, "proj:/src/app.ts", Key("proj", "/src/app.ts"))
}

func TestAttachValidates(t *testing.T) {
	_, err := Attach(Config{})
	assert.Error(t, err)
}

func TestLocalEditsReplicate(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newPeer(t, hub, "a", "")
	b := newPeer(t, hub, "b", "")

	a.buf.Apply(editor.Edit{Insert: "hello"})
	assert.Equal(t, "hello", b.buf.Text())
	assert.Equal(t, "hello", b.doc.Text())

	b.buf.Apply(editor.Edit{Offset: 5, Insert: " world"})
	assert.Equal(t, "hello world", a.buf.Text())

	a.buf.Apply(editor.Edit{Offset: 0, Delete: 6})
	assert.Equal(t, "world", b.buf.Text())

	// Replace in one edit: delete then insert.
	b.buf.Apply(editor.Edit{Offset: 0, Delete: 5, Insert: "word"})
	assert.Equal(t, "word", a.buf.Text())
}

func TestSeededBuffersConverge(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newPeer(t, hub, "a", "shared state")
	b := newPeer(t, hub, "b", "shared state")

	a.buf.Apply(editor.Edit{Offset: 0, Delete: 7})
	b.buf.Apply(editor.Edit{Offset: 5, Insert: "!"})

	assert.Equal(t, a.buf.Text(), b.buf.Text())
	assert.Equal(t, a.doc.Text(), a.buf.Text(), "buffer never diverges from replica")
}

func TestNoEchoLoop(t *testing.T) {
	hub := transport.NewMemoryHub()
	seen := tap(hub)
	a := newPeer(t, hub, "a", "")
	b := newPeer(t, hub, "b", "")

	a.buf.Apply(editor.Edit{Insert: "x"})

	// One keystroke, one op on the wire: replaying the remote edit into b's
	// buffer must not re-emit it as a new local operation.
	require.Len(t, *seen, 1)
	assert.Equal(t, "a", (*seen)[0].Origin)
	assert.Equal(t, "x", a.buf.Text())
	assert.Equal(t, "x", b.buf.Text())
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	hub := transport.NewMemoryHub()
	var raw [][]byte
	dup := hub.Join()
	dup.Subscribe(func(msg []byte) { raw = append(raw, append([]byte(nil), msg...)) })

	a := newPeer(t, hub, "a", "")
	b := newPeer(t, hub, "b", "")

	a.buf.Apply(editor.Edit{Insert: "once"})
	require.Equal(t, "once", b.buf.Text())

	// At-least-once transports may deliver again.
	for _, msg := range raw {
		require.NoError(t, dup.Send(msg))
	}
	assert.Equal(t, "once", b.buf.Text())
	assert.Equal(t, "once", a.buf.Text())
}

func TestMalformedOpsAreDropped(t *testing.T) {
	hub := transport.NewMemoryHub()
	evil := hub.Join()
	a := newPeer(t, hub, "a", "stable")

	payloads := [][]byte{
		[]byte("not json at all"),
		[]byte(`{"type":"op","key":"proj:/main.go","origin":"evil"}`),
		mustMarshal(t, Envelope{Type: MsgOp, Key: "proj:/main.go", Origin: "evil", Op: &crdt.Op{Action: crdt.OpDelete}}),
		mustMarshal(t, Envelope{Type: MsgOp, Key: "proj:/main.go", Origin: "evil", Op: &crdt.Op{Action: "???"}}),
	}
	for _, p := range payloads {
		require.NoError(t, evil.Send(p))
	}

	// One bad message must not corrupt the document view or end the session.
	assert.Equal(t, "stable", a.buf.Text())
	b := newPeer(t, hub, "b", "stable")
	b.buf.Apply(editor.Edit{Offset: 6, Insert: "!"})
	assert.Equal(t, "stable!", a.buf.Text())
}

func TestWrongKeyIgnored(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newPeer(t, hub, "a", "")

	other := crdt.NewDoc("x")
	ops := other.InsertAt(0, "nope")
	m := hub.Join()
	require.NoError(t, m.Send(mustMarshal(t, Envelope{
		Type: MsgOp, Key: Key("proj", "/other.go"), Origin: "x", Op: &ops[0],
	})))

	assert.Equal(t, "", a.buf.Text())
}

func TestDeleteBeforeInsertConverges(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newPeer(t, hub, "a", "")

	// Peer b inserts a char; peer c sees the insert and deletes it. Only
	// per-sender order holds on the wire, so a hears c's delete first.
	docB := crdt.NewDoc("b")
	ins := docB.InsertAt(0, "X")
	docC := crdt.NewDoc("c")
	_, applied, err := docC.Apply(ins[0])
	require.NoError(t, err)
	require.True(t, applied)
	del := docC.DeleteRange(0, 1)

	m := hub.Join()
	require.NoError(t, m.Send(mustMarshal(t, Envelope{
		Type: MsgOp, Key: Key("proj", "/main.go"), Origin: "c", Op: &del[0],
	})))
	require.NoError(t, m.Send(mustMarshal(t, Envelope{
		Type: MsgOp, Key: Key("proj", "/main.go"), Origin: "b", Op: &ins[0],
	})))

	assert.Equal(t, "", a.buf.Text(), "the straggling insert must not resurrect the deleted char")
	assert.Equal(t, 0, a.doc.Len())
}

func TestDisconnectQueuesAndFlushesOnce(t *testing.T) {
	hub := transport.NewMemoryHub()
	seen := tap(hub)
	a := newPeer(t, hub, "a", "")
	b := newPeer(t, hub, "b", "")

	a.tr.SetConnected(false)

	// Typing keeps applying locally while offline.
	a.buf.Apply(editor.Edit{Insert: "a"})
	a.buf.Apply(editor.Edit{Offset: 1, Insert: "b"})
	a.buf.Apply(editor.Edit{Offset: 2, Insert: "c"})
	assert.Equal(t, "abc", a.buf.Text())
	assert.Equal(t, "abc", a.doc.Text())
	assert.Equal(t, "", b.buf.Text())

	a.tr.SetConnected(true)
	assert.Equal(t, "abc", b.buf.Text(), "queued ops flush in original order")

	count := 0
	for _, env := range *seen {
		if env.Origin == "a" {
			count++
		}
	}
	assert.Equal(t, 3, count, "each queued op is retried exactly once")
}

func TestSendFailureQueues(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newPeer(t, hub, "a", "")
	b := newPeer(t, hub, "b", "")

	// The drop happens between the state event and the next keystroke: Send
	// itself fails, and the op must still reach the queue.
	a.tr.SetConnected(false)
	a.buf.Apply(editor.Edit{Insert: "z"})
	a.tr.SetConnected(true)
	assert.Equal(t, "z", b.buf.Text())
}

func TestDetach(t *testing.T) {
	hub := transport.NewMemoryHub()
	seen := tap(hub)
	a := newPeer(t, hub, "a", "")
	b := newPeer(t, hub, "b", "")

	b.b.Detach()
	a.buf.Apply(editor.Edit{Insert: "after"})
	assert.Equal(t, "", b.buf.Text(), "no remote ops are applied after teardown")

	b.buf.Apply(editor.Edit{Insert: "local"})
	for _, env := range *seen {
		assert.NotEqual(t, "b", env.Origin, "no local edits are translated after teardown")
	}
	assert.Equal(t, "after", a.buf.Text())

	b.b.Detach() // idempotent
}

func TestOpBeforePresenceIsBuffered(t *testing.T) {
	hub := transport.NewMemoryHub()
	reg := presence.NewRegistry()
	a := newPeer(t, hub, "a", "", func(c *Config) { c.Registry = reg })
	b := newPeer(t, hub, "b", "")

	b.buf.Apply(editor.Edit{Insert: "early"})
	assert.Equal(t, "", a.buf.Text(), "op held until the sender announces presence")

	reg.Upsert("b", presence.Update{Touch: true})
	assert.Equal(t, "early", a.buf.Text(), "buffered ops replay once the presence record exists")
}

func TestOrphanedOpsExpire(t *testing.T) {
	hub := transport.NewMemoryHub()
	reg := presence.NewRegistry()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := newPeer(t, hub, "a", "", func(c *Config) {
		c.Registry = reg
		c.OrphanWindow = 10 * time.Second
		c.Clock = func() time.Time { return now }
	})
	b := newPeer(t, hub, "b", "")
	c := newPeer(t, hub, "c", "")

	b.buf.Apply(editor.Edit{Insert: "stale"})
	now = now.Add(time.Minute)
	c.buf.Apply(editor.Edit{Insert: "fresh"}) // triggers pruning of b's orphans

	reg.Upsert("b", presence.Update{Touch: true})
	assert.Equal(t, "", a.buf.Text(), "expired orphans are dropped, not replayed")

	reg.Upsert("c", presence.Update{Touch: true})
	assert.Equal(t, "fresh", a.buf.Text())
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	buf, err := json.Marshal(v)
	require.NoError(t, err)
	return buf
}
