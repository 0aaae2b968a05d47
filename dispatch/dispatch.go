// Package dispatch resolves authorized transfer operations: the HTTP
// front end hands it a ticket id, a range and a body, and it performs one
// backend operation under that ticket's authority. Each operation opens
// its own backend session, keeping sessions exclusively owned for the
// operation's duration.
package dispatch

import (
	"context"
	"fmt"
	"io"

	"github.com/unkn0wn-root/imageio"
	"github.com/unkn0wn-root/imageio/backend"
	"github.com/unkn0wn-root/imageio/backends"
	"github.com/unkn0wn-root/imageio/extent"
)

// Options tune a Dispatcher. All fields are optional.
type Options struct {
	Logger imageio.Logger
	Hooks  imageio.Hooks
}

type Dispatcher struct {
	store *imageio.Store
	reg   *backends.Registry
	log   imageio.Logger
	hooks imageio.Hooks
}

func New(store *imageio.Store, reg *backends.Registry, opts Options) (*Dispatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("dispatch: store is required")
	}
	if reg == nil {
		return nil, fmt.Errorf("dispatch: registry is required")
	}
	d := &Dispatcher{store: store, reg: reg}
	d.log = opts.Logger
	if d.log == nil {
		d.log = imageio.NopLogger{}
	}
	d.hooks = opts.Hooks
	if d.hooks == nil {
		d.hooks = imageio.NopHooks{}
	}
	return d, nil
}

// open authorizes op over [offset, offset+length) and opens a session for
// the ticket's URL with the matching mode.
func (d *Dispatcher) open(ctx context.Context, uuid string, op imageio.Op, offset, length int64) (*imageio.Ticket, backend.Backend, error) {
	t, err := d.store.Get(uuid)
	if err != nil {
		return nil, nil, err
	}
	if err := d.store.Authorize(t, op, offset, length); err != nil {
		return nil, nil, err
	}
	mode := backend.ModeRead
	if op == imageio.OpWrite {
		mode = backend.ModeWrite
	}
	b, err := d.reg.Open(ctx, t.URL(), backend.Options{
		Mode:   mode,
		Sparse: t.Sparse(),
		Dirty:  t.Dirty(),
		Logger: d.log,
	})
	if err != nil {
		return nil, nil, err
	}
	if _, err := b.Seek(offset, io.SeekStart); err != nil {
		b.Close()
		return nil, nil, err
	}
	return t, b, nil
}

// Get streams size bytes starting at offset from the ticket's resource
// into w and accounts them. Short source data ends the stream early with
// an error, never with fabricated success.
func (d *Dispatcher) Get(ctx context.Context, uuid string, w io.Writer, offset, size int64) (n int64, err error) {
	if size < 0 {
		return 0, fmt.Errorf("%w: read size %d", imageio.ErrInvalidArgument, size)
	}
	t, b, err := d.open(ctx, uuid, imageio.OpRead, offset, size)
	if err != nil {
		return 0, err
	}
	defer func() {
		t.AddTransferred(n)
		d.hooks.OpDone(uuid, "read", n, err)
		if cerr := b.Close(); err == nil {
			err = cerr
		}
	}()
	n, err = io.CopyN(w, eofReader{b}, size)
	if err == io.EOF {
		err = fmt.Errorf("%w: resource ends before %d+%d", imageio.ErrInvalidArgument, offset, size)
	}
	return n, err
}

// eofReader adapts the backend read contract (0 bytes at end of resource)
// to the io.Reader contract io.CopyN expects.
type eofReader struct{ b backend.Backend }

func (r eofReader) Read(p []byte) (int, error) {
	n, err := r.b.Read(p)
	if n == 0 && err == nil {
		return 0, io.EOF
	}
	return n, err
}

// Put streams size bytes from r into the ticket's resource at offset and
// accounts them.
func (d *Dispatcher) Put(ctx context.Context, uuid string, r io.Reader, offset, size int64) (n int64, err error) {
	if size < 0 {
		return 0, fmt.Errorf("%w: write size %d", imageio.ErrInvalidArgument, size)
	}
	t, b, err := d.open(ctx, uuid, imageio.OpWrite, offset, size)
	if err != nil {
		return 0, err
	}
	defer func() {
		t.AddTransferred(n)
		d.hooks.OpDone(uuid, "write", n, err)
		if cerr := b.Close(); err == nil {
			err = cerr
		}
	}()
	n, err = io.CopyN(b, r, size)
	return n, err
}

// Zero logically zeroes size bytes at offset. Zeroed ranges are not
// accounted as transferred: no payload crosses the wire.
func (d *Dispatcher) Zero(ctx context.Context, uuid string, offset, size int64) (err error) {
	if size <= 0 {
		return fmt.Errorf("%w: zero size %d", imageio.ErrInvalidArgument, size)
	}
	_, b, err := d.open(ctx, uuid, imageio.OpWrite, offset, size)
	if err != nil {
		return err
	}
	defer func() {
		d.hooks.OpDone(uuid, "zero", 0, err)
		if cerr := b.Close(); err == nil {
			err = cerr
		}
	}()
	n, err := b.Zero(size)
	if err == nil && n < size {
		err = fmt.Errorf("zeroed %d of %d bytes", n, size)
	}
	return err
}

// Flush forces completed writes to storage. Permitted whenever the ticket
// permits writing.
func (d *Dispatcher) Flush(ctx context.Context, uuid string) (err error) {
	_, b, err := d.open(ctx, uuid, imageio.OpWrite, 0, 0)
	if err != nil {
		return err
	}
	defer func() {
		d.hooks.OpDone(uuid, "flush", 0, err)
		if cerr := b.Close(); err == nil {
			err = cerr
		}
	}()
	return b.Flush()
}

// Extents reports the merged extent sequence for the whole resource.
// An extents query requires read authority.
func (d *Dispatcher) Extents(ctx context.Context, uuid string, ec backend.ExtentsContext) (ext []extent.Extent, err error) {
	_, b, err := d.open(ctx, uuid, imageio.OpRead, 0, 0)
	if err != nil {
		return nil, err
	}
	defer func() {
		d.hooks.OpDone(uuid, "extents", 0, err)
		if cerr := b.Close(); err == nil {
			err = cerr
		}
	}()
	return b.Extents(ctx, ec)
}
