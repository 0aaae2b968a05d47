// Package nbd implements the storage backend over a network block device
// session. Reads, writes, zeroing and flushing map to the corresponding
// NBD commands; extents map to one or more block status queries merged
// into a single sequence, because the protocol bounds the span a single
// query can describe.
package nbd

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/unkn0wn-root/imageio"
	"github.com/unkn0wn-root/imageio/backend"
	"github.com/unkn0wn-root/imageio/extent"
)

const (
	// maxStatusLen bounds the span of one block status query. The length
	// field is 32 bits and qemu rejects spans close to the limit, so stay
	// 1 MiB under 4 GiB.
	maxStatusLen = 4<<30 - 1<<20

	// maxZeroLen bounds one write-zeroes command for the same reason.
	maxZeroLen = 1 << 30
)

type Backend struct {
	c   Client
	log imageio.Logger

	pos      int64
	readable bool
	writable bool
	dirty    bool
	closed   bool
}

var _ backend.Backend = (*Backend)(nil)

// Opener binds connect into the open signature the backends registry
// expects for the nbd and nbd+unix schemes.
func Opener(connect Connect) func(ctx context.Context, u *url.URL, opts backend.Options) (backend.Backend, error) {
	return func(ctx context.Context, u *url.URL, opts backend.Options) (backend.Backend, error) {
		return Open(ctx, u, opts, connect)
	}
}

// Open negotiates a session for u via connect. The mode is validated
// before dialing. NBD sessions are always sparse.
func Open(ctx context.Context, u *url.URL, opts backend.Options, connect Connect) (*Backend, error) {
	readable, writable, err := opts.Mode.Flags()
	if err != nil {
		return nil, err
	}
	if connect == nil {
		return nil, fmt.Errorf("%w: no NBD client library wired", imageio.ErrUnsupported)
	}
	c, err := connect(ctx, u, opts.Dirty)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", u, err)
	}

	log := opts.Logger
	if log == nil {
		log = imageio.NopLogger{}
	}
	log.Debug("nbd backend opened", imageio.Fields{
		"url": u.String(), "mode": string(opts.Mode), "size": c.Size(),
		"dirty_bitmap": c.DirtyBitmap(),
	})
	return &Backend{
		c:        c,
		log:      log,
		readable: readable,
		writable: writable,
	}, nil
}

// Read reads up to len(p) bytes at the cursor, clamped to the export size.
// The export size is the server's: for unaligned raw images qemu rounds it
// up to 512, so the final read comes back zero-extended to that boundary.
// At or past the end Read returns 0.
func (b *Backend) Read(p []byte) (int, error) {
	if b.closed {
		return 0, imageio.ErrClosed
	}
	if !b.readable {
		return 0, imageio.ErrNotReadable
	}
	size := b.c.Size()
	if b.pos >= size {
		return 0, nil
	}
	n := int64(len(p))
	if b.pos+n > size {
		n = size - b.pos
	}
	if err := b.c.ReadAt(p[:n], b.pos); err != nil {
		return 0, err
	}
	b.pos += n
	return int(n), nil
}

func (b *Backend) Write(p []byte) (int, error) {
	if b.closed {
		return 0, imageio.ErrClosed
	}
	if !b.writable {
		return 0, imageio.ErrNotWritable
	}
	if err := b.c.WriteAt(p, b.pos); err != nil {
		return 0, err
	}
	b.pos += int64(len(p))
	b.dirty = true
	return len(p), nil
}

func (b *Backend) Zero(n int64) (int64, error) {
	if b.closed {
		return 0, imageio.ErrClosed
	}
	if !b.writable {
		return 0, imageio.ErrNotWritable
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: zero length %d", imageio.ErrInvalidArgument, n)
	}
	var done int64
	for done < n {
		chunk := n - done
		if chunk > maxZeroLen {
			chunk = maxZeroLen
		}
		if err := b.c.Zero(b.pos, chunk); err != nil {
			return done, err
		}
		b.pos += chunk
		done += chunk
		b.dirty = true
	}
	return done, nil
}

func (b *Backend) Flush() error {
	if b.closed {
		return imageio.ErrClosed
	}
	if err := b.c.Flush(); err != nil {
		return err
	}
	b.dirty = false
	return nil
}

func (b *Backend) Seek(offset int64, whence int) (int64, error) {
	if b.closed {
		return 0, imageio.ErrClosed
	}
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = b.pos
	case io.SeekEnd:
		base = b.c.Size()
	default:
		return 0, fmt.Errorf("%w: seek whence %d", imageio.ErrInvalidArgument, whence)
	}
	pos := base + offset
	if pos < 0 {
		return 0, fmt.Errorf("%w: seek to %d", imageio.ErrInvalidArgument, pos)
	}
	b.pos = pos
	return pos, nil
}

// Extents reports the merged sequence covering the cursor to the export
// end. Spans wider than one block status query can describe are split into
// successive queries whose raw runs feed one merger, so sub-query
// boundaries never surface as extent boundaries. A failure mid-merge
// discards all partial results.
func (b *Backend) Extents(ctx context.Context, ec backend.ExtentsContext) ([]extent.Extent, error) {
	if b.closed {
		return nil, imageio.ErrClosed
	}
	if !b.readable {
		return nil, imageio.ErrNotReadable
	}

	var meta string
	switch ec {
	case backend.ContextZero:
		meta = BaseAllocation
	case backend.ContextDirty:
		// Absence of the context is a permanent property of the session:
		// it can only be negotiated at connect time.
		meta = b.c.DirtyBitmap()
		if meta == "" {
			return nil, fmt.Errorf("%w: session has no dirty bitmap context", imageio.ErrUnsupported)
		}
	default:
		return nil, fmt.Errorf("%w: extents context %q", imageio.ErrInvalidArgument, string(ec))
	}

	size := b.c.Size()
	if b.pos >= size {
		return nil, fmt.Errorf("%w: empty extents range at %d", imageio.ErrInvalidArgument, b.pos)
	}

	m := extent.NewMerger(b.pos)
	for cur := b.pos; cur < size; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		span := size - cur
		if span > maxStatusLen {
			span = maxStatusLen
		}
		raw, err := b.c.BlockStatus(ctx, cur, span, meta)
		if err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			return nil, &imageio.ProtocolError{Op: "block status", Reason: "empty reply"}
		}
		for _, se := range raw {
			if se.Length <= 0 {
				return nil, &imageio.ProtocolError{
					Op:     "block status",
					Reason: fmt.Sprintf("extent length %d at offset %d", se.Length, cur),
				}
			}
			length := se.Length
			// The last extent of a reply may reach past the queried span
			// and even past the export end; clip it.
			if cur+length > size {
				length = size - cur
			}
			if err := m.Add(extent.New(cur, length, b.statusZero(meta, se.Flags))); err != nil {
				return nil, &imageio.ProtocolError{Op: "block status", Reason: err.Error()}
			}
			cur += length
			if cur >= size {
				break
			}
		}
	}
	return m.Extents(), nil
}

// statusZero maps context flags to the extent Zero classification. For
// base:allocation a hole or zero run reads as zeroes; for a dirty context
// the clean runs are the ones a copy may skip.
func (b *Backend) statusZero(meta string, flags uint32) bool {
	if meta == BaseAllocation {
		return flags&(StateHole|StateZero) != 0
	}
	return flags&StateDirty == 0
}

func (b *Backend) Size() (int64, error) {
	if b.closed {
		return 0, imageio.ErrClosed
	}
	return b.c.Size(), nil
}

func (b *Backend) Readable() bool { return b.readable }
func (b *Backend) Writable() bool { return b.writable }

// Sparse is always true: write-zeroes never transfers payload.
func (b *Backend) Sparse() bool { return true }

func (b *Backend) Dirty() bool { return b.dirty }

// Close shuts the session down. In-flight operations fail once the
// underlying connection goes away. Closing twice is a no-op.
func (b *Backend) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.c.Close()
}
