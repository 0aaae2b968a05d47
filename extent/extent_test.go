package extent

import (
	"errors"
	"reflect"
	"testing"
)

func TestExtentEnd(t *testing.T) {
	e := New(4096, 8192, true)
	if e.End() != 12288 {
		t.Fatalf("End: got %d, want 12288", e.End())
	}
	if s := e.String(); s != "zero[4096:12288)" {
		t.Fatalf("String: got %q", s)
	}
}

// TestMergeCollapsesEqualFlags verifies that consecutive raw extents with
// the same zero flag collapse into one, and alternating flags do not.
func TestMergeCollapsesEqualFlags(t *testing.T) {
	m := NewMerger(0)
	raw := []Extent{
		{0, 100, false},
		{100, 50, false},
		{150, 200, true},
		{350, 10, true},
		{360, 40, false},
	}
	for _, e := range raw {
		if err := m.Add(e); err != nil {
			t.Fatalf("Add(%v): %v", e, err)
		}
	}
	want := []Extent{
		{0, 150, false},
		{150, 210, true},
		{360, 40, false},
	}
	if got := m.Extents(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// TestMergeEmpty verifies that no input yields an empty sequence.
func TestMergeEmpty(t *testing.T) {
	m := NewMerger(0)
	if got := m.Extents(); len(got) != 0 {
		t.Fatalf("got %v, want empty", got)
	}
}

func TestMergeSingle(t *testing.T) {
	m := NewMerger(512)
	if err := m.Add(New(512, 1024, true)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	want := []Extent{{512, 1024, true}}
	if got := m.Extents(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestMergeRejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		start int64
		raw   []Extent
	}{
		{"gap", 0, []Extent{{0, 100, false}, {150, 100, false}}},
		{"overlap", 0, []Extent{{0, 100, false}, {50, 100, false}}},
		{"wrong start", 100, []Extent{{0, 100, false}}},
		{"zero length", 0, []Extent{{0, 0, false}}},
		{"negative length", 0, []Extent{{0, -5, false}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMerger(tt.start)
			var err error
			for _, e := range tt.raw {
				if err = m.Add(e); err != nil {
					break
				}
			}
			if !errors.Is(err, ErrDiscontiguous) {
				t.Fatalf("got %v, want ErrDiscontiguous", err)
			}
		})
	}
}

// TestMergeAcrossSubQueries verifies the central property: splitting one
// query into arbitrarily many smaller contiguous sub-queries and feeding
// their raw outputs to one merger yields the same sequence as the unsplit
// query. A run continuing across a sub-query boundary with the same flag
// must still merge.
func TestMergeAcrossSubQueries(t *testing.T) {
	runs := []Extent{
		{0, 64 << 10, false},
		{64 << 10, 5<<30 - 64<<10, true},
		{5 << 30, 64 << 10, false},
		{5<<30 + 64<<10, 1<<30 - 64<<10, true},
	}
	end := runs[len(runs)-1].End()

	// Reference: unsplit.
	ref := NewMerger(0)
	for _, r := range runs {
		if err := ref.Add(r); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	want := ref.Extents()

	// Split points, including several that land inside the 5GiB zero run.
	cuts := []int64{4 << 10, 64 << 10, 1 << 30, 2 << 30, 4 << 30, 5 << 30, 5<<30 + 4<<10}
	m := NewMerger(0)
	var cur int64
	for _, r := range runs {
		// Emit r in pieces, one per sub-query boundary inside it.
		for _, c := range cuts {
			if c > cur && c < r.End() {
				if err := m.Add(New(cur, c-cur, r.Zero)); err != nil {
					t.Fatalf("Add: %v", err)
				}
				cur = c
			}
		}
		if cur < r.End() {
			if err := m.Add(New(cur, r.End()-cur, r.Zero)); err != nil {
				t.Fatalf("Add: %v", err)
			}
			cur = r.End()
		}
	}
	if cur != end {
		t.Fatalf("split covered %d of %d", cur, end)
	}
	got := m.Extents()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("split merge differs:\ngot  %v\nwant %v", got, want)
	}
	checkInvariants(t, got, 0, end)
}

// checkInvariants asserts the published extent sequence contract: ordered,
// non-overlapping, contiguous, exact coverage and maximal merging.
func checkInvariants(t *testing.T, exts []Extent, start, end int64) {
	t.Helper()
	if len(exts) == 0 {
		t.Fatalf("empty sequence for [%d:%d)", start, end)
	}
	next := start
	for i, e := range exts {
		if e.Start != next {
			t.Fatalf("extent %d starts at %d, want %d", i, e.Start, next)
		}
		if e.Length <= 0 {
			t.Fatalf("extent %d has length %d", i, e.Length)
		}
		if i > 0 && exts[i-1].Zero == e.Zero {
			t.Fatalf("extents %d and %d share zero=%v", i-1, i, e.Zero)
		}
		next = e.End()
	}
	if next != end {
		t.Fatalf("sequence ends at %d, want %d", next, end)
	}
}
