// Package file implements the storage backend over local file I/O.
// Extents come from filesystem data/hole boundaries (SEEK_DATA/SEEK_HOLE)
// and zeroing punches holes with fallocate when the filesystem supports it.
package file

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/unkn0wn-root/imageio"
	"github.com/unkn0wn-root/imageio/backend"
	"github.com/unkn0wn-root/imageio/extent"
)

// zeroChunk is the write size used when zeroing without hole punching.
const zeroChunk = 128 << 10

var zeroes [zeroChunk]byte

type Backend struct {
	f   *os.File
	log imageio.Logger

	pos      int64
	readable bool
	writable bool
	sparse   bool
	dirty    bool
	closed   bool
}

var _ backend.Backend = (*Backend)(nil)

// Open opens the file at path. The mode is validated before the file is
// touched. Sparse starts as the open hint and degrades permanently on the
// first Zero call the filesystem cannot hole-punch.
func Open(path string, opts backend.Options) (*Backend, error) {
	readable, writable, err := opts.Mode.Flags()
	if err != nil {
		return nil, err
	}

	flag := os.O_RDONLY
	switch {
	case readable && writable:
		flag = os.O_RDWR
	case writable:
		flag = os.O_WRONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = imageio.NopLogger{}
	}
	log.Debug("file backend opened", imageio.Fields{
		"path": path, "mode": string(opts.Mode), "sparse": opts.Sparse,
	})
	return &Backend{
		f:        f,
		log:      log,
		readable: readable,
		writable: writable,
		sparse:   writable && opts.Sparse,
	}, nil
}

func (b *Backend) Read(p []byte) (int, error) {
	if b.closed {
		return 0, imageio.ErrClosed
	}
	if !b.readable {
		return 0, imageio.ErrNotReadable
	}
	n, err := b.f.ReadAt(p, b.pos)
	if err == io.EOF {
		// Short or empty read at end of file is a result, not a failure.
		err = nil
	}
	b.pos += int64(n)
	return n, err
}

func (b *Backend) Write(p []byte) (int, error) {
	if b.closed {
		return 0, imageio.ErrClosed
	}
	if !b.writable {
		return 0, imageio.ErrNotWritable
	}
	n, err := b.f.WriteAt(p, b.pos)
	b.pos += int64(n)
	if n > 0 {
		b.dirty = true
	}
	return n, err
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
	if n == 0 {
		return 0, nil
	}

	if b.sparse {
		switch err := b.punchHole(n); err {
		case nil:
			b.dirty = true
			b.pos += n
			return n, nil
		case unix.EOPNOTSUPP:
			// Filesystem cannot punch holes; this is permanent for the
			// session, fall back to explicit zero writes.
			b.log.Info("hole punching unsupported, zeroing manually", nil)
			b.sparse = false
		default:
			return 0, err
		}
	}
	return b.writeZeroes(n)
}

// punchHole deallocates [pos, pos+n), extending the file first when the
// range reaches past the current end so the tail reads back as zeroes.
func (b *Backend) punchHole(n int64) error {
	size, err := b.fileSize()
	if err != nil {
		return err
	}
	end := b.pos + n
	if end > size {
		if err := b.f.Truncate(end); err != nil {
			return err
		}
		size = end
	}
	if b.pos >= size {
		return nil
	}
	length := n
	if b.pos+length > size {
		length = size - b.pos
	}
	return unix.Fallocate(int(b.f.Fd()),
		unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, b.pos, length)
}

func (b *Backend) writeZeroes(n int64) (int64, error) {
	var done int64
	for done < n {
		chunk := n - done
		if chunk > zeroChunk {
			chunk = zeroChunk
		}
		wn, err := b.f.WriteAt(zeroes[:chunk], b.pos)
		b.pos += int64(wn)
		done += int64(wn)
		if wn > 0 {
			b.dirty = true
		}
		if err != nil {
			return done, err
		}
	}
	return done, nil
}

func (b *Backend) Flush() error {
	if b.closed {
		return imageio.ErrClosed
	}
	if err := b.f.Sync(); err != nil {
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
		size, err := b.fileSize()
		if err != nil {
			return 0, err
		}
		base = size
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

// Extents reports data/hole runs from the cursor to end of file. When the
// filesystem cannot report holes the whole range is one data extent.
func (b *Backend) Extents(_ context.Context, ec backend.ExtentsContext) ([]extent.Extent, error) {
	if b.closed {
		return nil, imageio.ErrClosed
	}
	if !b.readable {
		return nil, imageio.ErrNotReadable
	}
	switch ec {
	case backend.ContextZero:
	case backend.ContextDirty:
		return nil, fmt.Errorf("%w: file backend has no dirty bitmap", imageio.ErrUnsupported)
	default:
		return nil, fmt.Errorf("%w: extents context %q", imageio.ErrInvalidArgument, string(ec))
	}

	size, err := b.fileSize()
	if err != nil {
		return nil, err
	}
	if b.pos >= size {
		return nil, fmt.Errorf("%w: empty extents range at %d", imageio.ErrInvalidArgument, b.pos)
	}

	m := extent.NewMerger(b.pos)
	fd := int(b.f.Fd())
	cur := b.pos
	for cur < size {
		dataOff, err := unix.Seek(fd, cur, unix.SEEK_DATA)
		switch err {
		case nil:
		case unix.ENXIO:
			// Only a hole between cur and end of file.
			if aerr := m.Add(extent.New(cur, size-cur, true)); aerr != nil {
				return nil, aerr
			}
			cur = size
			continue
		case unix.EINVAL, unix.EOPNOTSUPP:
			// No hole reporting on this filesystem: one data extent.
			return []extent.Extent{extent.New(b.pos, size - b.pos, false)}, nil
		default:
			return nil, err
		}
		if dataOff > cur {
			holeEnd := dataOff
			if holeEnd > size {
				holeEnd = size
			}
			if aerr := m.Add(extent.New(cur, holeEnd-cur, true)); aerr != nil {
				return nil, aerr
			}
			cur = holeEnd
			if cur >= size {
				continue
			}
		}
		holeOff, err := unix.Seek(fd, dataOff, unix.SEEK_HOLE)
		if err != nil {
			return nil, err
		}
		dataEnd := holeOff
		if dataEnd > size {
			dataEnd = size
		}
		if aerr := m.Add(extent.New(cur, dataEnd-cur, false)); aerr != nil {
			return nil, aerr
		}
		cur = dataEnd
	}
	return m.Extents(), nil
}

func (b *Backend) Size() (int64, error) {
	if b.closed {
		return 0, imageio.ErrClosed
	}
	return b.fileSize()
}

func (b *Backend) fileSize() (int64, error) {
	fi, err := b.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (b *Backend) Readable() bool { return b.readable }
func (b *Backend) Writable() bool { return b.writable }
func (b *Backend) Sparse() bool   { return b.sparse }
func (b *Backend) Dirty() bool    { return b.dirty }

// Close releases the file. Closing twice is a no-op.
func (b *Backend) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.f.Close()
}
