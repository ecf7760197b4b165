// Package bridge binds one local editable buffer to one shared replicated
// document over a session transport. Local edits are translated into replica
// operations and broadcast; remote operations are applied to the replica and
// replayed into the buffer. One bridge exists per open collaborative file.
package bridge

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"collabedit/crdt"
	"collabedit/editor"
	"collabedit/presence"
	"collabedit/transport"
)

// MsgOp is the envelope type tag for replica operations. Other message types
// on the shared session channel (presence, departures) are ignored here.
const MsgOp = "op"

const defaultOrphanWindow = 30 * time.Second

// Envelope is the wire form of one replica operation.
type Envelope struct {
	Type   string   `json:"type"`
	Key    string   `json:"key"`
	Origin string   `json:"origin"`
	Op     *crdt.Op `json:"op,omitempty"`
}

// Key derives the stable replica key for a file within a project.
func Key(projectID, path string) string {
	return projectID + ":" + path
}

// Config assembles a bridge's collaborators.
type Config struct {
	// Key identifies the replica; use Key(projectID, path).
	Key string
	// Origin is the local participant ID stamped on outgoing operations and
	// filtered from incoming ones.
	Origin string
	// Buffer is the local editable buffer.
	Buffer editor.Buffer
	// Doc is the local replica for this file.
	Doc *crdt.Doc
	// Transport is the session channel the bridge attaches to.
	Transport transport.Transport
	// Registry, when set, gates remote operations on the sender being a
	// known participant: operations arriving before the sender's presence
	// announcement are buffered and replayed once it exists, or dropped
	// after OrphanWindow.
	Registry *presence.Registry
	// OrphanWindow bounds how long unattributed operations are buffered.
	// Zero means 30s.
	OrphanWindow time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Clock defaults to time.Now. Used in tests.
	Clock func() time.Time
}

type orphan struct {
	env Envelope
	at  time.Time
}

// Bridge is the per-file replication binding. Create with Attach, release
// with Detach.
type Bridge struct {
	key          string
	origin       string
	buf          editor.Buffer
	doc          *crdt.Doc
	tr           transport.Transport
	registry     *presence.Registry
	orphanWindow time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu        sync.Mutex
	replaying bool
	detached  bool
	connected bool
	pending   [][]byte
	orphans   map[string][]orphan
	unsubs    []func()
}

// Attach wires the bridge to its buffer, replica and transport and returns
// it. The bridge starts translating immediately.
func Attach(cfg Config) (*Bridge, error) {
	if cfg.Key == "" || cfg.Origin == "" {
		return nil, errors.New("bridge: key and origin are required")
	}
	if cfg.Buffer == nil || cfg.Doc == nil || cfg.Transport == nil {
		return nil, errors.New("bridge: buffer, doc and transport are required")
	}
	b := &Bridge{
		key:          cfg.Key,
		origin:       cfg.Origin,
		buf:          cfg.Buffer,
		doc:          cfg.Doc,
		tr:           cfg.Transport,
		registry:     cfg.Registry,
		orphanWindow: cfg.OrphanWindow,
		logger:       cfg.Logger,
		now:          cfg.Clock,
		connected:    true,
		orphans:      make(map[string][]orphan),
	}
	if b.orphanWindow <= 0 {
		b.orphanWindow = defaultOrphanWindow
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.now == nil {
		b.now = time.Now
	}

	b.unsubs = append(b.unsubs,
		b.buf.Subscribe(b.onEdit),
		b.tr.Subscribe(b.onMessage),
		b.tr.SubscribeState(b.onState),
	)
	if b.registry != nil {
		b.unsubs = append(b.unsubs, b.registry.Subscribe(b.onPresenceEvent))
	}
	return b, nil
}

// Detach releases the transport subscription and the replica binding. After
// Detach, no remote operations are applied and no local edits are translated
// for this file.
func (b *Bridge) Detach() {
	b.mu.Lock()
	if b.detached {
		b.mu.Unlock()
		return
	}
	b.detached = true
	unsubs := b.unsubs
	b.unsubs = nil
	b.pending = nil
	b.orphans = nil
	b.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// onEdit translates one local buffer mutation into replica operations and
// broadcasts them. Replays of remote operations are suppressed here; a
// remote-origin edit re-emitted as a new local operation would echo forever.
func (b *Bridge) onEdit(e editor.Edit) {
	b.mu.Lock()
	if b.replaying || b.detached {
		b.mu.Unlock()
		return
	}
	var ops []crdt.Op
	if e.Delete > 0 {
		ops = b.doc.DeleteRange(e.Offset, e.Delete)
	}
	if e.Insert != "" {
		ops = append(ops, b.doc.InsertAt(e.Offset, e.Insert)...)
	}
	msgs := make([][]byte, 0, len(ops))
	for i := range ops {
		msg, err := json.Marshal(Envelope{Type: MsgOp, Key: b.key, Origin: b.origin, Op: &ops[i]})
		if err != nil {
			b.logger.Error("encoding op", "key", b.key, "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	b.mu.Unlock()

	for _, msg := range msgs {
		b.send(msg)
	}
}

// send broadcasts msg, queueing it behind any earlier undelivered messages so
// the per-sender order the transport promises downstream is preserved.
func (b *Bridge) send(msg []byte) {
	b.mu.Lock()
	if !b.connected || len(b.pending) > 0 {
		b.pending = append(b.pending, msg)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	if err := b.tr.Send(msg); err != nil {
		b.mu.Lock()
		b.pending = append(b.pending, msg)
		if errors.Is(err, transport.ErrDisconnected) {
			b.connected = false
		}
		b.mu.Unlock()
	}
}

// onState flushes the retry queue when the transport comes back. Each queued
// operation is sent once, in original order.
func (b *Bridge) onState(connected bool) {
	b.mu.Lock()
	b.connected = connected
	if !connected || b.detached {
		b.mu.Unlock()
		return
	}
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	for i, msg := range pending {
		if err := b.tr.Send(msg); err != nil {
			b.mu.Lock()
			b.pending = append(append([][]byte{}, pending[i:]...), b.pending...)
			b.mu.Unlock()
			return
		}
	}
}

func (b *Bridge) onMessage(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}
	if env.Type != MsgOp || env.Key != b.key {
		return
	}
	if env.Origin == b.origin {
		// Broadcast fabrics deliver the sender's own messages back.
		return
	}
	if env.Op == nil {
		b.logger.Warn("discarding op message without op", "key", b.key, "origin", env.Origin)
		return
	}
	b.applyRemote(env)
}

// applyRemote applies one remote operation to the replica and replays its
// index-space patch into the buffer. Duplicates are no-ops; operations that
// cannot apply are logged and dropped without disturbing the session.
func (b *Bridge) applyRemote(env Envelope) {
	b.mu.Lock()
	if b.detached {
		b.mu.Unlock()
		return
	}
	if b.registry != nil {
		if _, known := b.registry.Get(env.Origin); !known {
			b.stashOrphan(env)
			b.mu.Unlock()
			return
		}
	}
	patch, applied, err := b.doc.Apply(*env.Op)
	if err != nil {
		b.mu.Unlock()
		b.logger.Warn("discarding remote op",
			"key", b.key, "origin", env.Origin, "action", env.Op.Action, "error", err)
		return
	}
	if !applied {
		b.mu.Unlock()
		return
	}
	b.replaying = true
	b.mu.Unlock()

	b.buf.Apply(editor.Edit{Offset: patch.Index, Delete: patch.Delete, Insert: patch.Insert})

	b.mu.Lock()
	b.replaying = false
	b.mu.Unlock()
}

// stashOrphan buffers an operation whose sender has not announced presence
// yet, and prunes buffered operations past the orphan window. Callers hold
// b.mu.
func (b *Bridge) stashOrphan(env Envelope) {
	cutoff := b.now().Add(-b.orphanWindow)
	for origin, list := range b.orphans {
		kept := list[:0]
		for _, o := range list {
			if o.at.Before(cutoff) {
				b.logger.Warn("dropping op from participant that never announced",
					"key", b.key, "origin", origin)
				continue
			}
			kept = append(kept, o)
		}
		if len(kept) == 0 {
			delete(b.orphans, origin)
		} else {
			b.orphans[origin] = kept
		}
	}
	b.orphans[env.Origin] = append(b.orphans[env.Origin], orphan{env: env, at: b.now()})
}

// onPresenceEvent replays buffered operations once their sender's presence
// record exists.
func (b *Bridge) onPresenceEvent(ev presence.Event) {
	if ev.Kind == presence.EventRemoved {
		return
	}
	b.mu.Lock()
	list := b.orphans[ev.ID]
	delete(b.orphans, ev.ID)
	b.mu.Unlock()

	for _, o := range list {
		b.applyRemote(o.env)
	}
}
