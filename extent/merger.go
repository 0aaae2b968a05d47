package extent

import (
	"errors"
	"fmt"
)

// ErrDiscontiguous reports raw input that is out of order, overlapping or
// gapped. Callers feeding remote reports wrap it into their own protocol
// error.
var ErrDiscontiguous = errors.New("extent: discontiguous input")

// Merger accumulates raw extents, in order, into the minimal merged
// sequence: consecutive extents with an equal Zero flag collapse into one.
// Raw input may come from several bounded sub-queries; a run that continues
// across a sub-query boundary with the same flag still merges, because the
// boundary is a protocol artifact, not a real extent boundary.
//
// Merger validates contiguity as it goes: the first extent must start at
// the query offset and each following extent must start exactly where the
// previous one ended.
type Merger struct {
	next    int64 // expected start of the next raw extent
	pending Extent
	have    bool
	merged  []Extent
}

// NewMerger returns a Merger for a query starting at offset start.
func NewMerger(start int64) *Merger {
	return &Merger{next: start}
}

// Add feeds one raw extent.
func (m *Merger) Add(e Extent) error {
	if e.Length <= 0 {
		return fmt.Errorf("%w: extent %s has no length", ErrDiscontiguous, e)
	}
	if e.Start != m.next {
		return fmt.Errorf("%w: extent %s does not start at %d", ErrDiscontiguous, e, m.next)
	}
	m.next = e.End()

	if m.have && m.pending.Zero == e.Zero {
		m.pending.Length += e.Length
		return nil
	}
	if m.have {
		m.merged = append(m.merged, m.pending)
	}
	m.pending = e
	m.have = true
	return nil
}

// End is the offset one past the last byte accumulated so far.
func (m *Merger) End() int64 { return m.next }

// Extents finalizes and returns the merged sequence. The result is ordered
// by start, non-overlapping, contiguous, and no two adjacent extents share
// the same Zero flag. An empty input yields an empty sequence.
func (m *Merger) Extents() []Extent {
	if m.have {
		m.merged = append(m.merged, m.pending)
		m.have = false
	}
	return m.merged
}
