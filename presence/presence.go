// Package presence tracks the participants of a collaboration session: who is
// connected, where their cursor is, which file they are looking at, and when
// they were last seen. The Registry is the single writer of participant
// records; every other component reads snapshot copies.
package presence

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

// Range is a selection over document offsets, with Start <= End.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Empty reports whether the range selects nothing.
func (r Range) Empty() bool { return r.Start >= r.End }

// Participant is one collaborator's declared state. Values returned by the
// Registry are copies; mutating them has no effect on registry state.
type Participant struct {
	ID           string
	DisplayName  string
	DisplayColor string
	Cursor       int
	HasCursor    bool
	Selection    Range
	HasSelection bool
	ActiveFile   string
	LastSeen     time.Time
}

// Update is a partial participant update. Nil fields are left unchanged.
// A negative Cursor clears the cursor; an empty-or-inverted Selection clears
// the selection; an empty ActiveFile clears the file.
type Update struct {
	DisplayName *string
	ActiveFile  *string
	Cursor      *int
	Selection   *Range

	// Touch marks the update as live activity (heartbeat, observed edit)
	// even when no field changes.
	Touch bool
}

// EventKind discriminates registry change notifications.
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventUpdated EventKind = "updated"
	EventRemoved EventKind = "removed"
)

// Event describes one registry change.
type Event struct {
	Kind EventKind
	ID   string
}

type subscriber struct {
	id int
	fn func(Event)
}

// Registry is the process-wide table of connected participants. Safe for
// concurrent use; all mutation happens through Upsert, Remove and EvictStale.
type Registry struct {
	mu           sync.Mutex
	now          func() time.Time
	logger       *slog.Logger
	participants map[string]*Participant
	subs         []subscriber
	nextSub      int
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock overrides the registry's time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		now:          time.Now,
		logger:       slog.Default(),
		participants: make(map[string]*Participant),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Upsert merges u into the participant's record, creating the record if
// absent. Cursor, selection and file changes (and Touch) count as live
// activity and refresh LastSeen; a pure display-name change does not.
func (r *Registry) Upsert(id string, u Update) {
	if id == "" {
		return
	}
	r.mu.Lock()
	p, exists := r.participants[id]
	if !exists {
		p = &Participant{
			ID:           id,
			DisplayName:  id,
			DisplayColor: ColorFor(id),
			LastSeen:     r.now(),
		}
		r.participants[id] = p
	}
	if u.DisplayName != nil {
		p.DisplayName = *u.DisplayName
	}
	active := u.Touch
	if u.ActiveFile != nil {
		p.ActiveFile = *u.ActiveFile
		active = true
	}
	if u.Cursor != nil {
		if *u.Cursor < 0 {
			p.HasCursor = false
			p.Cursor = 0
		} else {
			p.HasCursor = true
			p.Cursor = *u.Cursor
		}
		active = true
	}
	if u.Selection != nil {
		if u.Selection.Empty() {
			p.HasSelection = false
			p.Selection = Range{}
		} else {
			p.HasSelection = true
			p.Selection = *u.Selection
		}
		active = true
	}
	if active {
		p.LastSeen = r.now()
	}
	kind := EventUpdated
	if !exists {
		kind = EventAdded
	}
	subs := append([]subscriber(nil), r.subs...)
	r.mu.Unlock()

	notify(subs, Event{Kind: kind, ID: id})
}

// Remove deletes the participant's record. Removing an unknown ID is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	_, exists := r.participants[id]
	if exists {
		delete(r.participants, id)
	}
	subs := append([]subscriber(nil), r.subs...)
	r.mu.Unlock()

	if exists {
		notify(subs, Event{Kind: EventRemoved, ID: id})
	}
}

// Get returns a copy of the participant's record.
func (r *Registry) Get(id string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// List returns snapshot copies of all current participant records.
func (r *Registry) List() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, *p)
	}
	return out
}

// Len returns the number of participants.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

// Subscribe registers fn to be called once per upsert/remove, in operation
// order and without coalescing. The returned handle deregisters the listener.
func (r *Registry) Subscribe(fn func(Event)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs = append(r.subs, subscriber{id: id, fn: fn})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.subs {
			if s.id == id {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				return
			}
		}
	}
}

// EvictStale removes every participant whose LastSeen is older than timeout,
// and returns the evicted IDs. This bounds how long a stale cursor can linger
// after an ungraceful disconnect.
func (r *Registry) EvictStale(timeout time.Duration) []string {
	r.mu.Lock()
	cutoff := r.now().Add(-timeout)
	var evicted []string
	for id, p := range r.participants {
		if p.LastSeen.Before(cutoff) {
			evicted = append(evicted, id)
			delete(r.participants, id)
		}
	}
	subs := append([]subscriber(nil), r.subs...)
	r.mu.Unlock()

	for _, id := range evicted {
		r.logger.Warn("evicting stale participant", "participant", id, "timeout", timeout)
		notify(subs, Event{Kind: EventRemoved, ID: id})
	}
	return evicted
}

// StartEviction runs EvictStale on the given interval until ctx is done.
func (r *Registry) StartEviction(ctx context.Context, interval, timeout time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.EvictStale(timeout)
			}
		}
	}()
}

func notify(subs []subscriber, ev Event) {
	for _, s := range subs {
		s.fn(ev)
	}
}

// palette holds the display colors participants are mapped onto. The mapping
// is a pure function of the participant ID, so a record re-created mid-session
// keeps its color and re-renders never flicker.
var palette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8",
	"#f58231", "#911eb4", "#46f0f0", "#f032e6",
}

// ColorFor returns the deterministic display color for a participant ID.
func ColorFor(id string) string {
	h := fnv.New32a()
	h.Write([]byte(id))
	return palette[h.Sum32()%uint32(len(palette))]
}
