// Package editor holds the pieces of the core that face the editing surface:
// the editable buffer contract, offset/visual position projection, and the
// remote cursor renderer. The real editor widget is external; TextBuffer is
// the in-process implementation the core binds to in tests and headless use.
package editor

import "sync"

// Edit is one buffer mutation at a rune offset: Delete runes are removed at
// Offset, then Insert is inserted there. Either part may be empty.
type Edit struct {
	Offset int
	Delete int
	Insert string
}

// Buffer is the editable-buffer contract consumed by the bridge and the
// projector. Offsets are rune-based.
type Buffer interface {
	// Text returns the current buffer content.
	Text() string
	// Len returns the content length in runes.
	Len() int
	// Apply performs an edit, clamping it to the buffer bounds, notifies
	// subscribers, and returns the edit as actually applied.
	Apply(e Edit) Edit
	// Subscribe registers an edit listener and returns its deregistration
	// handle. Listeners see every applied edit, in order.
	Subscribe(fn func(Edit)) (unsubscribe func())
}

type bufSub struct {
	id int
	fn func(Edit)
}

// TextBuffer is an in-memory rune-addressed Buffer.
type TextBuffer struct {
	mu      sync.Mutex
	runes   []rune
	subs    []bufSub
	nextSub int
}

// NewTextBuffer creates a buffer with the given initial content.
func NewTextBuffer(text string) *TextBuffer {
	return &TextBuffer{runes: []rune(text)}
}

func (b *TextBuffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.runes)
}

func (b *TextBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.runes)
}

func (b *TextBuffer) Apply(e Edit) Edit {
	b.mu.Lock()
	if e.Offset < 0 {
		e.Offset = 0
	}
	if e.Offset > len(b.runes) {
		e.Offset = len(b.runes)
	}
	if e.Delete < 0 {
		e.Delete = 0
	}
	if e.Offset+e.Delete > len(b.runes) {
		e.Delete = len(b.runes) - e.Offset
	}
	rest := append([]rune{}, b.runes[e.Offset+e.Delete:]...)
	b.runes = append(b.runes[:e.Offset], append([]rune(e.Insert), rest...)...)
	subs := append([]bufSub(nil), b.subs...)
	b.mu.Unlock()

	for _, s := range subs {
		s.fn(e)
	}
	return e
}

func (b *TextBuffer) Subscribe(fn func(Edit)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs = append(b.subs, bufSub{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}
