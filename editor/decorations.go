package editor

import (
	"log/slog"

	"collabedit/presence"
)

// Label annotates a rendered cursor with the owning participant's display
// name. Above is preferred so the label does not obscure the text at the
// cursor; it flips to below when the cursor sits on the first line, where
// above would fall outside the viewport.
type Label struct {
	Text  string
	Above bool
}

// Surface is the decoration API exposed by the editing widget (an external
// collaborator of the core). Implementations create, move and remove cursor
// markers and selection highlights at visual positions. The Renderer
// guarantees Move* is only called for decorations it previously Add*ed, and
// that every Add* is eventually paired with a Remove*.
type Surface interface {
	AddCursor(participantID string, at Visual, label Label, color string)
	MoveCursor(participantID string, at Visual, label Label)
	RemoveCursor(participantID string)

	AddSelection(participantID string, from, to Visual, color string)
	MoveSelection(participantID string, from, to Visual)
	RemoveSelection(participantID string)
}

type decorState struct {
	hasSelection bool
}

// Renderer maintains at most one cursor marker and one selection highlight
// per remote participant in the locally open file. Decorations are moved in
// place on position changes and removed synchronously when the participant
// leaves, switches file, or the view closes.
type Renderer struct {
	surface Surface
	proj    *Projector
	logger  *slog.Logger
	file    string
	visible map[string]*decorState
	closed  bool
}

// RendererOption configures a Renderer.
type RendererOption func(*Renderer)

// WithRendererLogger sets the renderer's logger.
func WithRendererLogger(l *slog.Logger) RendererOption {
	return func(r *Renderer) { r.logger = l }
}

// NewRenderer creates a renderer drawing onto surface, projecting positions
// against buf. No decorations exist until SetActiveFile is called.
func NewRenderer(buf Buffer, surface Surface, opts ...RendererOption) *Renderer {
	r := &Renderer{
		surface: surface,
		proj:    NewProjector(buf),
		logger:  slog.Default(),
		visible: make(map[string]*decorState),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ActiveFile returns the file path the renderer currently draws for.
func (r *Renderer) ActiveFile() string { return r.file }

// SetActiveFile switches the renderer to a new local file view. All existing
// decorations are removed first; participants from the snapshot whose active
// file matches the new path are then rendered. Passing the participants
// snapshot makes the old file's teardown and the new file's draw a single
// synchronous transition.
func (r *Renderer) SetActiveFile(path string, participants []presence.Participant) {
	r.removeAll()
	r.file = path
	for _, p := range participants {
		r.Observe(p)
	}
}

// Observe applies one participant's current state, creating, moving or
// removing decorations as needed.
func (r *Renderer) Observe(p presence.Participant) {
	if r.closed {
		return
	}
	st, wasVisible := r.visible[p.ID]
	visible := r.file != "" && p.ActiveFile == r.file && p.HasCursor
	if !visible {
		if wasVisible {
			r.remove(p.ID, st)
		}
		return
	}

	at := r.proj.OffsetToVisual(p.Cursor)
	label := Label{Text: p.DisplayName, Above: at.Line > 0}
	if !wasVisible {
		st = &decorState{}
		r.visible[p.ID] = st
		r.surface.AddCursor(p.ID, at, label, p.DisplayColor)
	} else {
		r.surface.MoveCursor(p.ID, at, label)
	}

	if p.HasSelection && !p.Selection.Empty() {
		from := r.proj.OffsetToVisual(p.Selection.Start)
		to := r.proj.OffsetToVisual(p.Selection.End)
		if st.hasSelection {
			r.surface.MoveSelection(p.ID, from, to)
		} else {
			st.hasSelection = true
			r.surface.AddSelection(p.ID, from, to, p.DisplayColor)
		}
	} else if st.hasSelection {
		st.hasSelection = false
		r.surface.RemoveSelection(p.ID)
	}
}

// Remove tears down all decorations for a participant, synchronously. Safe to
// call for participants that were never visible.
func (r *Renderer) Remove(participantID string) {
	if st, ok := r.visible[participantID]; ok {
		r.remove(participantID, st)
	}
}

// Refresh re-projects every visible decoration against the buffer's current
// text. Called after buffer mutations, since any visual position computed
// before an edit may be stale.
func (r *Renderer) Refresh(participants []presence.Participant) {
	for _, p := range participants {
		if _, ok := r.visible[p.ID]; ok {
			r.Observe(p)
		}
	}
}

// Close tears down every decoration and disables the renderer. Called when
// the local file view closes.
func (r *Renderer) Close() {
	r.removeAll()
	r.closed = true
}

func (r *Renderer) remove(id string, st *decorState) {
	if st.hasSelection {
		r.surface.RemoveSelection(id)
	}
	r.surface.RemoveCursor(id)
	delete(r.visible, id)
}

func (r *Renderer) removeAll() {
	for id, st := range r.visible {
		r.remove(id, st)
	}
}
