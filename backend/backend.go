// Package backend defines the uniform storage contract every transport
// implementation satisfies. Implementations live in subpackages (file, nbd,
// httpimage) and are selected by URL scheme through the backends registry.
//
// A session is exclusively owned by the request that opened it for the
// duration of one operation; it is never shared across concurrent requests
// without external synchronization by the dispatcher.
package backend

import (
	"context"
	"fmt"
	"io"

	"github.com/unkn0wn-root/imageio"
	"github.com/unkn0wn-root/imageio/extent"
)

// Mode selects the capability flags of a session at open time.
type Mode string

const (
	ModeRead      Mode = "r"
	ModeWrite     Mode = "w"
	ModeReadWrite Mode = "r+"
)

// Flags resolves the mode string into capability flags. An unrecognized
// mode fails before any transport connection is attempted.
func (m Mode) Flags() (readable, writable bool, err error) {
	switch m {
	case ModeRead:
		return true, false, nil
	case ModeWrite:
		return false, true, nil
	case ModeReadWrite:
		return true, true, nil
	}
	return false, false, fmt.Errorf("%w: open mode %q", imageio.ErrInvalidArgument, string(m))
}

// ExtentsContext selects what an extents query reports.
type ExtentsContext string

const (
	// ContextZero is the default full data/zero classification.
	ContextZero ExtentsContext = "zero"

	// ContextDirty reports only regions changed since a checkpoint; it
	// requires a transport-side dirty bitmap.
	ContextDirty ExtentsContext = "dirty"
)

// Options configure a session at open time.
type Options struct {
	Mode Mode

	// Sparse hints that zeroing should punch holes when the transport can.
	Sparse bool

	// Dirty asks the transport to expose its changed-block bitmap so
	// dirty-context extents queries work on this session.
	Dirty bool

	Logger imageio.Logger
}

// Backend is one seekable, sparse-aware I/O session over a transport.
//
// Read and Write operate at the session cursor and advance it. Read never
// changes the dirty state; Write and Zero set it; Flush clears it. Seeking
// past the end is legal; a read there returns 0 bytes. Every operation on
// a closed session fails with imageio.ErrClosed; Close itself is
// idempotent.
type Backend interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer

	// Zero logically fills n bytes at the cursor with zeroes, punching a
	// hole when the session is sparse and writing explicit zero bytes
	// otherwise. Advances the cursor by the returned count.
	Zero(n int64) (int64, error)

	// Flush waits until all completed writes reach storage. Safe to call
	// on a clean session.
	Flush() error

	// Extents reports the merged extent sequence covering the range from
	// the cursor to the end of the resource. The sequence is ordered,
	// non-overlapping, contiguous, covers the range exactly, and no two
	// adjacent extents share the same Zero flag. Fails with
	// imageio.ErrUnsupported when ec is ContextDirty and the session has
	// no dirty bitmap.
	Extents(ctx context.Context, ec ExtentsContext) ([]extent.Extent, error)

	// Size is the resource size reported by the transport.
	Size() (int64, error)

	// Capability flags, fixed at open time except Dirty, which tracks
	// unflushed writes.
	Readable() bool
	Writable() bool
	Sparse() bool
	Dirty() bool
}
