// Package extent models contiguous runs of an image as data or zero
// (hole) ranges, and merges chunked backend reports into the minimal
// ordered sequence.
package extent

import "fmt"

// Extent is a contiguous run of an image.
type Extent struct {
	// The offset of the extent from the start of the image.
	Start int64 `json:"start"`

	// The length of the extent.
	Length int64 `json:"length"`

	// True if the extent is read as zeroes. The extent may be an
	// unallocated area or a zero cluster in a qcow2 image. For dirty
	// queries, true means unchanged since the checkpoint.
	Zero bool `json:"zero"`
}

// New creates a new Extent.
func New(start, length int64, zero bool) Extent {
	return Extent{Start: start, Length: length, Zero: zero}
}

// End is the offset one past the last byte of the extent.
func (e Extent) End() int64 { return e.Start + e.Length }

func (e Extent) String() string {
	kind := "data"
	if e.Zero {
		kind = "zero"
	}
	return fmt.Sprintf("%s[%d:%d)", kind, e.Start, e.End())
}
