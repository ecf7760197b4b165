// Package session composes the collaboration core for one client process: it
// owns the presence registry, the per-file replication bridges, the remote
// cursor renderer and the liveness machinery, and multiplexes presence
// traffic with replica operations over one session transport.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"collabedit/bridge"
	"collabedit/crdt"
	"collabedit/editor"
	"collabedit/presence"
	"collabedit/transport"
)

// Message type tags multiplexed on the session channel. Replica operations
// use bridge.MsgOp.
const (
	MsgPresence = "presence"
	MsgLeave    = "leave"
)

const (
	defaultHeartbeatInterval = 5 * time.Second
	defaultDisconnectTimeout = 30 * time.Second
	defaultEvictionInterval  = 5 * time.Second
	defaultDisconnectedGrace = 10 * time.Second
)

// presencePayload is a participant's full declared state on the wire. Absent
// optional fields clear the corresponding record fields on receivers.
type presencePayload struct {
	DisplayName string          `json:"displayName"`
	File        string          `json:"file,omitempty"`
	Cursor      *int            `json:"cursor,omitempty"`
	Selection   *presence.Range `json:"selection,omitempty"`
	Heartbeat   bool            `json:"heartbeat,omitempty"`
}

type message struct {
	Type     string           `json:"type"`
	Origin   string           `json:"origin"`
	Presence *presencePayload `json:"presence,omitempty"`
}

// Identity names the local participant.
type Identity struct {
	ID          string
	DisplayName string
}

// EventKind discriminates session lifecycle events.
type EventKind string

const (
	EventArrived  EventKind = "arrived"
	EventDeparted EventKind = "departed"
)

// Event is one arrival or departure, for UI layers (notifications, participant
// lists) that should not depend on registry internals.
type Event struct {
	Kind        EventKind
	Participant presence.Participant
}

// Config configures a Session. Zero durations take the package defaults.
type Config struct {
	// ProjectID scopes replica keys. Required.
	ProjectID string
	// Self identifies the local participant. A missing ID is generated.
	Self Identity
	// Transport is the session channel. Required; the session takes
	// ownership and closes it.
	Transport transport.Transport
	// Status configures activity classification thresholds.
	Status presence.StatusConfig
	// HeartbeatInterval paces local presence heartbeats.
	HeartbeatInterval time.Duration
	// DisconnectTimeout evicts participants that stop sending heartbeats or
	// operations, even without a departure notice.
	DisconnectTimeout time.Duration
	// EvictionInterval paces the eviction sweep.
	EvictionInterval time.Duration
	// DisconnectedGrace is how long a transport outage may last before
	// Disconnected reports true.
	DisconnectedGrace time.Duration
	// OrphanWindow bounds buffering of operations that arrive before their
	// sender's presence announcement.
	OrphanWindow time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Clock defaults to time.Now. Used in tests.
	Clock func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Self.ID == "" {
		c.Self.ID = uuid.NewString()
	}
	if c.Self.DisplayName == "" {
		c.Self.DisplayName = c.Self.ID
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = defaultDisconnectTimeout
	}
	if c.EvictionInterval <= 0 {
		c.EvictionInterval = defaultEvictionInterval
	}
	if c.DisconnectedGrace <= 0 {
		c.DisconnectedGrace = defaultDisconnectedGrace
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type openFile struct {
	buf editor.Buffer
	br  *bridge.Bridge
}

type eventSub struct {
	id int
	fn func(Event)
}

// Session is one client's collaboration state for one project. Create with
// New, release with Close.
type Session struct {
	cfg      Config
	registry *presence.Registry
	tr       transport.Transport
	logger   *slog.Logger
	cancel   context.CancelFunc

	mu             sync.Mutex
	files          map[string]*openFile
	renderer       *editor.Renderer
	viewUnsub      func()
	localFile      string
	localCursor    int
	hasCursor      bool
	localSelection presence.Range
	hasSelection   bool
	known          map[string]presence.Participant
	eventSubs      []eventSub
	nextEventSub   int
	disconnectedAt time.Time
	disconnected   bool
	closed         bool

	unsubs []func()
}

// New starts a collaboration session over the given transport and announces
// the local participant.
func New(cfg Config) (*Session, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("session: project id is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("session: transport is required")
	}
	cfg.applyDefaults()

	s := &Session{
		cfg:      cfg,
		registry: presence.NewRegistry(presence.WithLogger(cfg.Logger), presence.WithClock(cfg.Clock)),
		tr:       cfg.Transport,
		logger:   cfg.Logger.With("session", cfg.ProjectID),
		files:    make(map[string]*openFile),
		known:    make(map[string]presence.Participant),
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.unsubs = append(s.unsubs,
		s.registry.Subscribe(s.onRegistryEvent),
		s.tr.Subscribe(s.onMessage),
		s.tr.SubscribeState(s.onState),
	)

	// The local participant is part of the session's own presence table.
	s.registry.Upsert(cfg.Self.ID, presence.Update{DisplayName: &cfg.Self.DisplayName, Touch: true})
	s.publishPresence(false)

	s.registry.StartEviction(ctx, cfg.EvictionInterval, cfg.DisconnectTimeout)
	go s.heartbeatLoop(ctx)
	return s, nil
}

// Self returns the local participant identity.
func (s *Session) Self() Identity { return s.cfg.Self }

// Registry exposes the session's presence registry for read access.
func (s *Session) Registry() *presence.Registry { return s.registry }

// Summary returns the current presence summary for outer UI surfaces.
func (s *Session) Summary() presence.Summary {
	return s.registry.Summary(s.cfg.Status)
}

// Disconnected reports whether the transport has been down longer than the
// configured grace period, meaning a "disconnected" indicator should show.
func (s *Session) Disconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected && s.cfg.Clock().Sub(s.disconnectedAt) >= s.cfg.DisconnectedGrace
}

// SubscribeEvents registers a listener for arrivals and departures and
// returns its deregistration handle.
func (s *Session) SubscribeEvents(fn func(Event)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextEventSub
	s.nextEventSub++
	s.eventSubs = append(s.eventSubs, eventSub{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.eventSubs {
			if sub.id == id {
				s.eventSubs = append(s.eventSubs[:i], s.eventSubs[i+1:]...)
				return
			}
		}
	}
}

// OpenFile starts replicating buf as the project file at path. The replica is
// seeded deterministically from the buffer's current text, so peers opening
// the same file with the same content share atoms.
func (s *Session) OpenFile(path string, buf editor.Buffer) error {
	doc := crdt.NewDocFromText(s.cfg.Self.ID, buf.Text())
	br, err := bridge.Attach(bridge.Config{
		Key:          bridge.Key(s.cfg.ProjectID, path),
		Origin:       s.cfg.Self.ID,
		Buffer:       buf,
		Doc:          doc,
		Transport:    s.tr,
		Registry:     s.registry,
		OrphanWindow: s.cfg.OrphanWindow,
		Logger:       s.logger.With("file", path),
		Clock:        s.cfg.Clock,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		br.Detach()
		return errors.New("session: closed")
	}
	if old, ok := s.files[path]; ok {
		old.br.Detach()
	}
	s.files[path] = &openFile{buf: buf, br: br}
	s.mu.Unlock()
	return nil
}

// CloseFile stops replicating the file at path.
func (s *Session) CloseFile(path string) {
	s.mu.Lock()
	f, ok := s.files[path]
	delete(s.files, path)
	s.mu.Unlock()
	if ok {
		f.br.Detach()
	}
}

// AttachView declares path as the locally open file view and starts rendering
// remote cursors for it onto surface. Any previous view is torn down first;
// remote participants already in this file appear immediately.
func (s *Session) AttachView(path string, buf editor.Buffer, surface editor.Surface) {
	s.mu.Lock()
	if s.renderer != nil {
		s.renderer.Close()
		s.viewUnsub()
		s.renderer = nil
		s.viewUnsub = nil
	}
	s.localFile = path
	s.hasCursor = false
	s.hasSelection = false
	if surface != nil {
		r := editor.NewRenderer(buf, surface, editor.WithRendererLogger(s.logger))
		s.renderer = r
		s.viewUnsub = buf.Subscribe(s.onViewEdit)
		r.SetActiveFile(path, s.remoteParticipants())
	}
	s.mu.Unlock()

	s.registry.Upsert(s.cfg.Self.ID, presence.Update{ActiveFile: &path})
	s.publishPresence(false)
}

// CloseView tears down the local file view and all its decorations.
func (s *Session) CloseView() {
	s.mu.Lock()
	r := s.renderer
	unsub := s.viewUnsub
	s.renderer = nil
	s.viewUnsub = nil
	s.localFile = ""
	s.hasCursor = false
	s.hasSelection = false
	if r != nil {
		r.Close()
	}
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	cleared := ""
	s.registry.Upsert(s.cfg.Self.ID, presence.Update{ActiveFile: &cleared})
	s.publishPresence(false)
}

// MoveCursor publishes the local cursor offset and optional selection within
// the attached view.
func (s *Session) MoveCursor(offset int, selection *presence.Range) {
	s.mu.Lock()
	s.localCursor = offset
	s.hasCursor = true
	if selection != nil && !selection.Empty() {
		s.localSelection = *selection
		s.hasSelection = true
	} else {
		s.hasSelection = false
	}
	s.mu.Unlock()

	u := presence.Update{Cursor: &offset}
	if selection != nil {
		u.Selection = selection
	} else {
		u.Selection = &presence.Range{}
	}
	s.registry.Upsert(s.cfg.Self.ID, u)
	s.publishPresence(false)
}

// Close sends a departure notice, tears down every bridge and decoration, and
// closes the transport.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	files := s.files
	s.files = nil
	r := s.renderer
	unsub := s.viewUnsub
	s.renderer = nil
	s.viewUnsub = nil
	if r != nil {
		r.Close()
	}
	s.mu.Unlock()

	if msg, err := json.Marshal(message{Type: MsgLeave, Origin: s.cfg.Self.ID}); err == nil {
		if err := s.tr.Send(msg); err != nil {
			s.logger.Debug("departure notice not sent", "error", err)
		}
	}

	s.cancel()
	for _, unsubscribe := range s.unsubs {
		unsubscribe()
	}
	for _, f := range files {
		f.br.Detach()
	}
	if unsub != nil {
		unsub()
	}
	return s.tr.Close()
}

// remoteParticipants returns a registry snapshot without the local
// participant; the renderer only draws remote cursors.
func (s *Session) remoteParticipants() []presence.Participant {
	list := s.registry.List()
	out := list[:0]
	for _, p := range list {
		if p.ID != s.cfg.Self.ID {
			out = append(out, p)
		}
	}
	return out
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.registry.Upsert(s.cfg.Self.ID, presence.Update{Touch: true})
			s.publishPresence(true)
		}
	}
}

// publishPresence broadcasts the local participant's full declared state.
// Presence is ephemeral: a send that fails during an outage is not queued,
// because the next heartbeat supersedes it anyway.
func (s *Session) publishPresence(heartbeat bool) {
	s.mu.Lock()
	p := presencePayload{
		DisplayName: s.cfg.Self.DisplayName,
		File:        s.localFile,
		Heartbeat:   heartbeat,
	}
	if s.hasCursor {
		cursor := s.localCursor
		p.Cursor = &cursor
	}
	if s.hasSelection {
		sel := s.localSelection
		p.Selection = &sel
	}
	s.mu.Unlock()

	msg, err := json.Marshal(message{Type: MsgPresence, Origin: s.cfg.Self.ID, Presence: &p})
	if err != nil {
		s.logger.Error("encoding presence", "error", err)
		return
	}
	if err := s.tr.Send(msg); err != nil {
		s.logger.Debug("presence not sent", "error", err)
	}
}

func (s *Session) onMessage(raw []byte) {
	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Origin == "" || msg.Origin == s.cfg.Self.ID {
		return
	}
	switch msg.Type {
	case MsgPresence:
		if msg.Presence == nil {
			s.logger.Warn("presence message without payload", "origin", msg.Origin)
			return
		}
		_, known := s.registry.Get(msg.Origin)
		s.registry.Upsert(msg.Origin, updateFromPayload(*msg.Presence))
		if !known {
			// A newcomer has not seen our announcement; repeat it so both
			// sides converge on the full participant set.
			s.publishPresence(false)
		}
	case MsgLeave:
		s.registry.Remove(msg.Origin)
	case bridge.MsgOp:
		// An edit is live activity; refresh the sender's liveness, but do
		// not fabricate a record for a peer that never announced presence.
		if _, known := s.registry.Get(msg.Origin); known {
			s.registry.Upsert(msg.Origin, presence.Update{Touch: true})
		}
	}
}

// updateFromPayload maps a full-state presence payload onto a registry
// update, clearing record fields the payload omits.
func updateFromPayload(p presencePayload) presence.Update {
	u := presence.Update{
		DisplayName: &p.DisplayName,
		ActiveFile:  &p.File,
		Touch:       p.Heartbeat,
	}
	if p.Cursor != nil {
		u.Cursor = p.Cursor
	} else {
		cleared := -1
		u.Cursor = &cleared
	}
	if p.Selection != nil {
		u.Selection = p.Selection
	} else {
		u.Selection = &presence.Range{}
	}
	return u
}

func (s *Session) onState(connected bool) {
	s.mu.Lock()
	s.disconnected = !connected
	if !connected {
		s.disconnectedAt = s.cfg.Clock()
	}
	s.mu.Unlock()

	if connected {
		// Re-announce so peers that evicted us while we were gone see us
		// again immediately.
		s.publishPresence(false)
	}
}

func (s *Session) onRegistryEvent(ev presence.Event) {
	if ev.ID == s.cfg.Self.ID {
		return
	}
	switch ev.Kind {
	case presence.EventAdded, presence.EventUpdated:
		p, ok := s.registry.Get(ev.ID)
		if !ok {
			return
		}
		s.mu.Lock()
		s.known[ev.ID] = p
		if s.renderer != nil {
			s.renderer.Observe(p)
		}
		subs := s.eventSnapshot()
		s.mu.Unlock()

		if ev.Kind == presence.EventAdded {
			emit(subs, Event{Kind: EventArrived, Participant: p})
		}
	case presence.EventRemoved:
		s.mu.Lock()
		p := s.known[ev.ID]
		delete(s.known, ev.ID)
		p.ID = ev.ID
		if s.renderer != nil {
			s.renderer.Remove(ev.ID)
		}
		subs := s.eventSnapshot()
		s.mu.Unlock()

		emit(subs, Event{Kind: EventDeparted, Participant: p})
	}
}

// onViewEdit re-projects visible decorations after any mutation of the viewed
// buffer; visual positions computed before the edit are stale.
func (s *Session) onViewEdit(editor.Edit) {
	participants := s.remoteParticipants()
	s.mu.Lock()
	if s.renderer != nil {
		s.renderer.Refresh(participants)
	}
	s.mu.Unlock()
}

func (s *Session) eventSnapshot() []eventSub {
	return append([]eventSub(nil), s.eventSubs...)
}

func emit(subs []eventSub, ev Event) {
	for _, sub := range subs {
		sub.fn(ev)
	}
}
