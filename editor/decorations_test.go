package editor

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabedit/presence"
)

// recordingSurface captures decoration calls and tracks which decorations
// currently exist, so tests can assert both the call pattern and the end
// state.
type recordingSurface struct {
	calls      []string
	cursors    map[string]Visual
	labels     map[string]Label
	selections map[string][2]Visual
}

func newRecordingSurface() *recordingSurface {
	return &recordingSurface{
		cursors:    make(map[string]Visual),
		labels:     make(map[string]Label),
		selections: make(map[string][2]Visual),
	}
}

func (s *recordingSurface) record(format string, args ...any) {
	s.calls = append(s.calls, fmt.Sprintf(format, args...))
}

func (s *recordingSurface) AddCursor(id string, at Visual, label Label, color string) {
	s.record("AddCursor(%s)", id)
	s.cursors[id] = at
	s.labels[id] = label
}

func (s *recordingSurface) MoveCursor(id string, at Visual, label Label) {
	s.record("MoveCursor(%s)", id)
	s.cursors[id] = at
	s.labels[id] = label
}

func (s *recordingSurface) RemoveCursor(id string) {
	s.record("RemoveCursor(%s)", id)
	delete(s.cursors, id)
	delete(s.labels, id)
}

func (s *recordingSurface) AddSelection(id string, from, to Visual, color string) {
	s.record("AddSelection(%s)", id)
	s.selections[id] = [2]Visual{from, to}
}

func (s *recordingSurface) MoveSelection(id string, from, to Visual) {
	s.record("MoveSelection(%s)", id)
	s.selections[id] = [2]Visual{from, to}
}

func (s *recordingSurface) RemoveSelection(id string) {
	s.record("RemoveSelection(%s)", id)
	delete(s.selections, id)
}

func participant(id, file string, cursor int) presence.Participant {
	return presence.Participant{
		ID:          id,
		DisplayName: id,
		ActiveFile:  file,
		Cursor:      cursor,
		HasCursor:   true,
	}
}

func newTestRenderer(text string) (*Renderer, *recordingSurface) {
	surface := newRecordingSurface()
	r := NewRenderer(NewTextBuffer(text), surface)
	r.SetActiveFile("/a.go", nil)
	return r, surface
}

func TestRendererAbsentToVisible(t *testing.T) {
	r, surface := newTestRenderer("line one\nline two")

	r.Observe(participant("A", "/a.go", 10))
	require.Equal(t, []string{"AddCursor(A)"}, surface.calls)
	assert.Equal(t, Visual{1, 1}, surface.cursors["A"])
	assert.Equal(t, "A", surface.labels["A"].Text)
}

func TestRendererOtherFileStaysAbsent(t *testing.T) {
	r, surface := newTestRenderer("text")

	r.Observe(participant("A", "/other.go", 0))
	assert.Empty(t, surface.calls)

	// No cursor offset means nothing to draw either.
	p := participant("A", "/a.go", 0)
	p.HasCursor = false
	r.Observe(p)
	assert.Empty(t, surface.calls)
}

func TestRendererUpdatesInPlace(t *testing.T) {
	r, surface := newTestRenderer("hello world")

	r.Observe(participant("A", "/a.go", 1))
	r.Observe(participant("A", "/a.go", 2))
	r.Observe(participant("A", "/a.go", 3))

	// One creation, then moves. Destroy-and-recreate on every keystroke
	// would flicker.
	require.Equal(t, []string{"AddCursor(A)", "MoveCursor(A)", "MoveCursor(A)"}, surface.calls)
	assert.Equal(t, Visual{0, 3}, surface.cursors["A"])
}

func TestRendererSelectionLifecycle(t *testing.T) {
	r, surface := newTestRenderer("hello world")

	p := participant("A", "/a.go", 4)
	p.HasSelection = true
	p.Selection = presence.Range{Start: 0, End: 4}
	r.Observe(p)
	require.Contains(t, surface.calls, "AddSelection(A)")

	p.Selection = presence.Range{Start: 2, End: 6}
	r.Observe(p)
	require.Contains(t, surface.calls, "MoveSelection(A)")
	assert.Equal(t, [2]Visual{{0, 2}, {0, 6}}, surface.selections["A"])

	// Collapsing the selection removes the highlight but keeps the cursor.
	p.HasSelection = false
	r.Observe(p)
	assert.NotContains(t, surface.selections, "A")
	assert.Contains(t, surface.cursors, "A")
}

func TestRendererFileSwitchRemovesDecorations(t *testing.T) {
	r, surface := newTestRenderer("text")

	p := participant("A", "/a.go", 2)
	p.HasSelection = true
	p.Selection = presence.Range{Start: 0, End: 2}
	r.Observe(p)
	require.Contains(t, surface.cursors, "A")

	// Participant switches away: every decoration goes, synchronously.
	p.ActiveFile = "/b.go"
	p.Selection = presence.Range{Start: 0, End: 2}
	r.Observe(p)
	assert.Empty(t, surface.cursors)
	assert.Empty(t, surface.selections)
}

func TestRendererParticipantRemoval(t *testing.T) {
	r, surface := newTestRenderer("text")

	r.Observe(participant("A", "/a.go", 1))
	r.Remove("A")
	assert.Empty(t, surface.cursors)

	// Removing an unknown participant is harmless.
	r.Remove("ghost")
	assert.Equal(t, []string{"AddCursor(A)", "RemoveCursor(A)"}, surface.calls)
}

func TestRendererLocalFileSwitch(t *testing.T) {
	r, surface := newTestRenderer("text")

	a := participant("A", "/a.go", 1)
	b := participant("B", "/b.go", 1)
	r.Observe(a)
	r.Observe(b)
	require.Contains(t, surface.cursors, "A")
	require.NotContains(t, surface.cursors, "B")

	// Switching the local view tears down A and draws B in one transition.
	r.SetActiveFile("/b.go", []presence.Participant{a, b})
	assert.NotContains(t, surface.cursors, "A")
	assert.Contains(t, surface.cursors, "B")
}

func TestRendererClose(t *testing.T) {
	r, surface := newTestRenderer("text")

	r.Observe(participant("A", "/a.go", 1))
	r.Close()
	assert.Empty(t, surface.cursors)

	// A closed renderer draws nothing.
	r.Observe(participant("B", "/a.go", 1))
	assert.Empty(t, surface.cursors)
}

func TestRendererLabelPlacement(t *testing.T) {
	r, surface := newTestRenderer("first\nsecond")

	r.Observe(participant("A", "/a.go", 8))
	assert.True(t, surface.labels["A"].Above, "labels render above the line by default")

	r.Observe(participant("A", "/a.go", 2))
	assert.False(t, surface.labels["A"].Above, "top line falls back to below")
}

func TestRendererRefreshReprojects(t *testing.T) {
	buf := NewTextBuffer("aaa\nbbb")
	surface := newRecordingSurface()
	r := NewRenderer(buf, surface)
	r.SetActiveFile("/a.go", nil)

	p := participant("A", "/a.go", 5)
	r.Observe(p)
	require.Equal(t, Visual{1, 1}, surface.cursors["A"])

	// A remote insertion above the cursor's line shifts its visual position;
	// the stale projection must not be reused.
	buf.Apply(Edit{Offset: 0, Insert: "zz\n"})
	p.Cursor = 8
	r.Refresh([]presence.Participant{p})
	assert.Equal(t, Visual{2, 1}, surface.cursors["A"])
}
