// Package crdt implements the conflict-free replicated text sequence that
// backs one collaborative file. Each character is an atom with a globally
// unique ID and a dense position identifier; replicas that apply the same set
// of operations converge to the same text, regardless of delivery order.
package crdt

import (
	"errors"
	"sort"
	"strings"
)

// ErrMalformedOp is returned for an operation that cannot be interpreted
// against any replica state (missing position, empty value, bad action).
var ErrMalformedOp = errors.New("crdt: malformed operation")

// digitBase bounds position digits. Fresh digits are allocated from the
// middle of the available gap, so identifiers stay short under typical
// append-heavy editing.
const digitBase = 1 << 16

// AtomID identifies a character globally, combining the creating peer's ID
// with that peer's logical clock.
type AtomID struct {
	PeerID string `json:"peerID"`
	Clock  int    `json:"clock"`
}

// Ident is one level of a position identifier. Site disambiguates digits
// allocated concurrently by different peers, so no two atoms ever share a
// full position.
type Ident struct {
	Digit int    `json:"digit"`
	Site  string `json:"site"`
}

func compareIdent(a, b Ident) int {
	if a.Digit != b.Digit {
		if a.Digit < b.Digit {
			return -1
		}
		return 1
	}
	return strings.Compare(a.Site, b.Site)
}

// ComparePositions orders two position identifiers lexicographically, with a
// shorter prefix sorting before any of its extensions.
func ComparePositions(a, b []Ident) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := compareIdent(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// Char is a single character in the replicated sequence.
type Char struct {
	ID       AtomID  `json:"id"`
	Value    string  `json:"value"`
	Position []Ident `json:"position"`
}

// compareChars gives the total order of the sequence: position first, then
// peer ID and clock as deterministic tie-breaks so every replica agrees on
// the relative order of concurrent insertions.
func compareChars(a, b Char) int {
	if c := ComparePositions(a.Position, b.Position); c != 0 {
		return c
	}
	if c := strings.Compare(a.ID.PeerID, b.ID.PeerID); c != 0 {
		return c
	}
	switch {
	case a.ID.Clock < b.ID.Clock:
		return -1
	case a.ID.Clock > b.ID.Clock:
		return 1
	}
	return 0
}

// OpAction discriminates operation kinds on the wire.
type OpAction string

const (
	OpInsert OpAction = "insert"
	OpDelete OpAction = "delete"
)

// Op is one replicated operation. Insert carries the full atom; delete only
// needs the atom ID.
type Op struct {
	Action OpAction `json:"action"`
	Char   Char     `json:"char"`
}

// Patch describes the index-space effect of an applied remote operation, so
// callers can replay it into a local buffer. Exactly one of Insert or Delete
// is set.
type Patch struct {
	Index  int
	Insert string
	Delete int
}

// Doc is the replica for one file. It is not safe for concurrent use; the
// owning bridge serializes access.
type Doc struct {
	peer    string
	clock   int
	chars   []Char
	seen    map[AtomID]bool
	removed map[AtomID]bool
}

// NewDoc creates an empty replica owned by the given peer.
func NewDoc(peer string) *Doc {
	return &Doc{
		peer:    peer,
		seen:    make(map[AtomID]bool),
		removed: make(map[AtomID]bool),
	}
}

// NewDocFromText creates a replica pre-seeded with text. Seed atoms are
// allocated deterministically under a reserved site, so every peer seeding
// from the same initial text holds identical atoms and can exchange edits
// against them.
func NewDocFromText(peer, text string) *Doc {
	d := NewDoc(peer)
	var left []Ident
	for i, r := range []rune(text) {
		pos := positionBetween(left, nil, "seed")
		c := Char{
			ID:       AtomID{PeerID: "seed", Clock: i + 1},
			Value:    string(r),
			Position: pos,
		}
		d.chars = append(d.chars, c)
		d.seen[c.ID] = true
		left = pos
	}
	return d
}

// Text returns the current document text.
func (d *Doc) Text() string {
	var b strings.Builder
	for _, c := range d.chars {
		b.WriteString(c.Value)
	}
	return b.String()
}

// Len returns the number of atoms (characters) in the document.
func (d *Doc) Len() int {
	return len(d.chars)
}

// InsertAt inserts text at the given character index of the local replica and
// returns the operations to broadcast, in order. The index is clamped to the
// current document bounds.
func (d *Doc) InsertAt(index int, text string) []Op {
	index = clamp(index, 0, len(d.chars))
	runes := []rune(text)
	ops := make([]Op, 0, len(runes))
	for _, r := range runes {
		var left, right []Ident
		if index > 0 {
			left = d.chars[index-1].Position
		}
		if index < len(d.chars) {
			right = d.chars[index].Position
		}
		d.clock++
		c := Char{
			ID:       AtomID{PeerID: d.peer, Clock: d.clock},
			Value:    string(r),
			Position: positionBetween(left, right, d.peer),
		}
		d.chars = append(d.chars, Char{})
		copy(d.chars[index+1:], d.chars[index:])
		d.chars[index] = c
		d.seen[c.ID] = true
		index++
		ops = append(ops, Op{Action: OpInsert, Char: c})
	}
	return ops
}

// DeleteRange deletes n characters starting at index from the local replica
// and returns the operations to broadcast. The range is clamped to the
// current document bounds.
func (d *Doc) DeleteRange(index, n int) []Op {
	index = clamp(index, 0, len(d.chars))
	end := clamp(index+n, index, len(d.chars))
	ops := make([]Op, 0, end-index)
	for _, c := range d.chars[index:end] {
		d.removed[c.ID] = true
		ops = append(ops, Op{Action: OpDelete, Char: Char{ID: c.ID}})
	}
	d.chars = append(d.chars[:index], d.chars[end:]...)
	return ops
}

// Apply applies a remote operation. It is idempotent: re-applying an
// operation this replica has already absorbed changes nothing and reports
// applied=false. Causality across peers is not assumed: a delete may arrive
// before the insert it targets, in which case the tombstone is recorded now
// and the insert is absorbed invisibly when it lands. On success it returns
// the index-space patch to replay into the local buffer.
func (d *Doc) Apply(op Op) (patch Patch, applied bool, err error) {
	switch op.Action {
	case OpInsert:
		if op.Char.Value == "" || len(op.Char.Position) == 0 {
			return Patch{}, false, ErrMalformedOp
		}
		if d.seen[op.Char.ID] {
			return Patch{}, false, nil
		}
		if d.removed[op.Char.ID] {
			// The atom's delete got here first; it must never surface.
			d.seen[op.Char.ID] = true
			return Patch{}, false, nil
		}
		idx := sort.Search(len(d.chars), func(i int) bool {
			return compareChars(d.chars[i], op.Char) > 0
		})
		d.chars = append(d.chars, Char{})
		copy(d.chars[idx+1:], d.chars[idx:])
		d.chars[idx] = op.Char
		d.seen[op.Char.ID] = true
		return Patch{Index: idx, Insert: op.Char.Value}, true, nil
	case OpDelete:
		if op.Char.ID.PeerID == "" {
			return Patch{}, false, ErrMalformedOp
		}
		if d.removed[op.Char.ID] {
			return Patch{}, false, nil
		}
		for i, c := range d.chars {
			if c.ID == op.Char.ID {
				d.chars = append(d.chars[:i], d.chars[i+1:]...)
				d.removed[op.Char.ID] = true
				return Patch{Index: i, Delete: 1}, true, nil
			}
		}
		// The insert has not arrived yet. Deletes follow their insert on the
		// deleting replica, but only per-sender order is guaranteed on the
		// wire; tombstone the atom so the straggling insert is a no-op.
		d.removed[op.Char.ID] = true
		return Patch{}, false, nil
	default:
		return Patch{}, false, ErrMalformedOp
	}
}

// positionBetween allocates a fresh position strictly between left and right,
// tagged with the allocating site. Nil bounds mean the start or end of the
// document. While the generated prefix still matches right's prefix, right's
// digits bound the allocation; once the prefix drops strictly below right,
// only left constrains deeper levels.
func positionBetween(left, right []Ident, site string) []Ident {
	var p []Ident
	rightBounds := true
	for i := 0; ; i++ {
		var lv Ident
		if i < len(left) {
			lv = left[i]
		}
		rv := Ident{Digit: digitBase}
		if rightBounds && i < len(right) {
			rv = right[i]
		}
		if gap := rv.Digit - lv.Digit; gap > 1 {
			// Step a small fixed amount into the gap rather than bisecting,
			// so sequential typing consumes digits linearly instead of
			// deepening the identifier every few characters.
			step := gap / 2
			if step > 8 {
				step = 8
			}
			return append(p, Ident{Digit: lv.Digit + step, Site: site})
		}
		p = append(p, lv)
		if compareIdent(lv, rv) < 0 {
			rightBounds = false
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
