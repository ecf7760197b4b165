package editor

import "strings"

// Visual is a position in the editor's visual coordinate system. Line and
// Column are 0-based and rune-counted.
type Visual struct {
	Line   int
	Column int
}

// Projector converts between linear rune offsets and visual line/column
// positions. It holds no state beyond the buffer reference and reads the
// buffer's current text on every call, so a projection computed after a
// concurrent edit is always consistent with that edit. Callers must never
// cache a Visual across buffer mutations; re-project instead.
type Projector struct {
	buf Buffer
}

// NewProjector creates a projector over buf.
func NewProjector(buf Buffer) *Projector {
	return &Projector{buf: buf}
}

// OffsetToVisual returns the line/column of a 0-based rune offset. Offsets
// outside the text clamp to the nearest valid position.
func (p *Projector) OffsetToVisual(offset int) Visual {
	runes := []rune(p.buf.Text())
	if offset < 0 {
		offset = 0
	}
	if offset > len(runes) {
		offset = len(runes)
	}
	var v Visual
	for _, r := range runes[:offset] {
		if r == '\n' {
			v.Line++
			v.Column = 0
		} else {
			v.Column++
		}
	}
	return v
}

// VisualToOffset returns the rune offset of a line/column position.
// Out-of-range lines and columns clamp to the nearest valid offset.
func (p *Projector) VisualToOffset(line, column int) int {
	lines := strings.Split(p.buf.Text(), "\n")
	if line < 0 {
		line = 0
	}
	if line >= len(lines) {
		line = len(lines) - 1
	}
	offset := 0
	for i := 0; i < line; i++ {
		offset += len([]rune(lines[i])) + 1
	}
	width := len([]rune(lines[line]))
	if column < 0 {
		column = 0
	}
	if column > width {
		column = width
	}
	return offset + column
}
