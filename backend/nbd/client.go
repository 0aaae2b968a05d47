package nbd

import (
	"context"
	"net/url"
)

// Metadata context names. base:allocation is mandatory for every server;
// dirty bitmaps use server-specific names (e.g. qemu:dirty-bitmap:NAME)
// negotiated at connect time.
const BaseAllocation = "base:allocation"

// Block status flag bits, per the NBD protocol.
const (
	// base:allocation reply bits.
	StateHole uint32 = 1 << 0
	StateZero uint32 = 1 << 1

	// Dirty bitmap context reply bit.
	StateDirty uint32 = 1 << 0
)

// StatusExtent is one raw run from a block status reply: Length bytes,
// classified by context-specific Flags. Offsets are implicit; runs follow
// each other from the queried offset.
type StatusExtent struct {
	Length int64
	Flags  uint32
}

// Client is a connected NBD session. The wire protocol (negotiation,
// structured replies, command encoding) is the client library's business;
// this package only needs the transmission primitives.
//
// Blocking calls must fail once the session is closed, never return stale
// data. A single BlockStatus query is bounded by the protocol's 32-bit
// length field; the reply may describe less than the requested span, and
// its last extent may reach beyond it.
type Client interface {
	// Size is the negotiated export size. qemu rounds raw images up to
	// 512 bytes, so reads near the logical end of an unaligned image are
	// served zero-extended up to the alignment boundary by the server.
	Size() int64

	ReadAt(p []byte, off int64) error
	WriteAt(p []byte, off int64) error

	// Zero writes zeroes without transferring payload (NBD_CMD_WRITE_ZEROES).
	Zero(off, length int64) error

	Flush() error

	// BlockStatus reports meta over [off, off+length).
	BlockStatus(ctx context.Context, off, length int64, meta string) ([]StatusExtent, error)

	// DirtyBitmap is the dirty context name negotiated at connect time,
	// or "" when the server offered none. Fixed for the session lifetime.
	DirtyBitmap() string

	Close() error
}

// Connect dials and negotiates an NBD session for u, requesting a dirty
// bitmap context when dirty is set. The daemon bootstrap binds this to a
// concrete client library and registers the resulting opener with the
// backends registry.
type Connect func(ctx context.Context, u *url.URL, dirty bool) (Client, error)
