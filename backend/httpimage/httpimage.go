// Package httpimage implements the storage backend against a remote image
// daemon speaking the byte-range HTTP protocol: ranged GET for reads, PUT
// with Content-Range for writes, PATCH for zero/flush, and a JSON extents
// report. The remote report is validated defensively; a malformed report
// fails with a protocol error instead of propagating silently incorrect
// extents.
package httpimage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/unkn0wn-root/imageio"
	"github.com/unkn0wn-root/imageio/backend"
	"github.com/unkn0wn-root/imageio/extent"
)

// zeroChunk is the PUT size used when the remote lacks the zero feature.
const zeroChunk = 128 << 10

type Backend struct {
	hc  *http.Client
	url string
	log imageio.Logger

	pos      int64
	size     int64
	readable bool
	writable bool
	dirty    bool
	closed   bool

	// Remote features discovered at open time via OPTIONS.
	canZero    bool
	canFlush   bool
	canExtents bool
}

var _ backend.Backend = (*Backend)(nil)

type optionsReply struct {
	Features []string `json:"features"`
}

// Open probes the remote image at u: OPTIONS for its feature set, then the
// resource size. hc may be nil for http.DefaultClient. The mode is
// validated before any request is sent.
func Open(ctx context.Context, u *url.URL, opts backend.Options, hc *http.Client) (*Backend, error) {
	readable, writable, err := opts.Mode.Flags()
	if err != nil {
		return nil, err
	}
	if hc == nil {
		hc = http.DefaultClient
	}

	log := opts.Logger
	if log == nil {
		log = imageio.NopLogger{}
	}
	b := &Backend{
		hc:       hc,
		url:      u.String(),
		log:      log,
		readable: readable,
		writable: writable,
	}
	if err := b.probeFeatures(ctx); err != nil {
		return nil, err
	}
	if err := b.probeSize(ctx); err != nil {
		return nil, err
	}
	log.Debug("http backend opened", imageio.Fields{
		"url": b.url, "mode": string(opts.Mode), "size": b.size,
		"zero": b.canZero, "flush": b.canFlush, "extents": b.canExtents,
	})
	return b, nil
}

func (b *Backend) probeFeatures(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, b.url, nil)
	if err != nil {
		return err
	}
	res, err := b.hc.Do(req)
	if err != nil {
		return err
	}
	defer drain(res)

	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusMethodNotAllowed, http.StatusNoContent:
		// Old daemon: raw ranged I/O only.
		return nil
	default:
		return unexpectedStatus("OPTIONS", res)
	}
	var rep optionsReply
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&rep); err != nil {
		return &imageio.ProtocolError{Op: "OPTIONS", Reason: fmt.Sprintf("decoding features: %v", err)}
	}
	for _, f := range rep.Features {
		switch f {
		case "zero":
			b.canZero = true
		case "flush":
			b.canFlush = true
		case "extents":
			b.canExtents = true
		}
	}
	return nil
}

func (b *Backend) probeSize(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, b.url, nil)
	if err != nil {
		return err
	}
	res, err := b.hc.Do(req)
	if err != nil {
		return err
	}
	drain(res)
	if res.StatusCode == http.StatusOK && res.ContentLength >= 0 {
		b.size = res.ContentLength
		return nil
	}

	// Servers without HEAD: ask for the first byte and read the complete
	// size off Content-Range.
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, b.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", "bytes=0-0")
	res, err = b.hc.Do(req)
	if err != nil {
		return err
	}
	defer drain(res)
	if res.StatusCode != http.StatusPartialContent {
		return unexpectedStatus("GET (size probe)", res)
	}
	cr := res.Header.Get("Content-Range")
	i := strings.LastIndexByte(cr, '/')
	if i < 0 {
		return &imageio.ProtocolError{Op: "GET (size probe)", Reason: fmt.Sprintf("content-range %q", cr)}
	}
	size, err := strconv.ParseInt(cr[i+1:], 10, 64)
	if err != nil || size < 0 {
		return &imageio.ProtocolError{Op: "GET (size probe)", Reason: fmt.Sprintf("content-range %q", cr)}
	}
	b.size = size
	return nil
}

func (b *Backend) Read(p []byte) (int, error) {
	if b.closed {
		return 0, imageio.ErrClosed
	}
	if !b.readable {
		return 0, imageio.ErrNotReadable
	}
	if b.pos >= b.size {
		return 0, nil
	}
	n := int64(len(p))
	if b.pos+n > b.size {
		n = b.size - b.pos
	}
	req, err := http.NewRequest(http.MethodGet, b.url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", b.pos, b.pos+n-1))
	res, err := b.hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer drain(res)
	if res.StatusCode != http.StatusPartialContent {
		if res.StatusCode == http.StatusOK {
			return 0, &imageio.ProtocolError{Op: "GET", Reason: "server ignored range request"}
		}
		return 0, unexpectedStatus("GET", res)
	}
	if _, err := io.ReadFull(res.Body, p[:n]); err != nil {
		return 0, fmt.Errorf("reading %d bytes at %d: %w", n, b.pos, err)
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
	req, err := http.NewRequest(http.MethodPut, b.url, bytes.NewReader(p))
	if err != nil {
		return 0, err
	}
	req.ContentLength = int64(len(p))
	req.Header.Set("Content-Range",
		fmt.Sprintf("bytes %d-%d/*", b.pos, b.pos+int64(len(p))-1))
	res, err := b.hc.Do(req)
	if err != nil {
		return 0, err
	}
	drain(res)
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		return 0, unexpectedStatus("PUT", res)
	}
	b.pos += int64(len(p))
	b.dirty = true
	return len(p), nil
}

type patchBody struct {
	Op     string `json:"op"`
	Offset int64  `json:"offset,omitempty"`
	Size   int64  `json:"size,omitempty"`
}

func (b *Backend) patch(body patchBody) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPatch, b.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := b.hc.Do(req)
	if err != nil {
		return err
	}
	drain(res)
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		return unexpectedStatus("PATCH "+body.Op, res)
	}
	return nil
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
	if !b.canZero {
		return b.writeZeroes(n)
	}
	if err := b.patch(patchBody{Op: "zero", Offset: b.pos, Size: n}); err != nil {
		return 0, err
	}
	b.pos += n
	b.dirty = true
	return n, nil
}

// writeZeroes uploads explicit zero bytes when the remote predates the
// zero feature. Correct but non-sparse.
func (b *Backend) writeZeroes(n int64) (int64, error) {
	buf := make([]byte, zeroChunk)
	var done int64
	for done < n {
		chunk := n - done
		if chunk > zeroChunk {
			chunk = zeroChunk
		}
		wn, err := b.Write(buf[:chunk])
		done += int64(wn)
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
	if b.canFlush {
		if err := b.patch(patchBody{Op: "flush"}); err != nil {
			return err
		}
	}
	// Without the flush feature the remote completes PUTs synchronously.
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
		base = b.size
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

type wireExtent struct {
	Start  int64 `json:"start"`
	Length int64 `json:"length"`
	Zero   bool  `json:"zero"`
	Dirty  *bool `json:"dirty,omitempty"`
}

// Extents fetches the remote report (already merged server-side) and
// revalidates its invariants before clipping it to the cursor.
func (b *Backend) Extents(ctx context.Context, ec backend.ExtentsContext) ([]extent.Extent, error) {
	if b.closed {
		return nil, imageio.ErrClosed
	}
	if !b.readable {
		return nil, imageio.ErrNotReadable
	}
	switch ec {
	case backend.ContextZero:
	case backend.ContextDirty:
		if !b.canExtents {
			return nil, fmt.Errorf("%w: remote has no extents support", imageio.ErrUnsupported)
		}
	default:
		return nil, fmt.Errorf("%w: extents context %q", imageio.ErrInvalidArgument, string(ec))
	}
	if b.pos >= b.size {
		return nil, fmt.Errorf("%w: empty extents range at %d", imageio.ErrInvalidArgument, b.pos)
	}
	if !b.canExtents {
		// Zero context degrades safely: report everything as data.
		return []extent.Extent{extent.New(b.pos, b.size - b.pos, false)}, nil
	}

	extURL := b.url + "/extents"
	if ec == backend.ContextDirty {
		extURL += "?context=dirty"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, extURL, nil)
	if err != nil {
		return nil, err
	}
	res, err := b.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer drain(res)
	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: remote has no %s extents", imageio.ErrUnsupported, ec)
	default:
		return nil, unexpectedStatus("GET extents", res)
	}

	var report []wireExtent
	if err := json.NewDecoder(res.Body).Decode(&report); err != nil {
		return nil, &imageio.ProtocolError{Op: "GET extents", Reason: fmt.Sprintf("decoding report: %v", err)}
	}
	return b.clipReport(ec, report)
}

// clipReport validates order, contiguity and coverage of the full-image
// report and reduces it to [pos, size).
func (b *Backend) clipReport(ec backend.ExtentsContext, report []wireExtent) ([]extent.Extent, error) {
	m := extent.NewMerger(b.pos)
	var expected int64
	for _, we := range report {
		if we.Length <= 0 || we.Start != expected {
			return nil, &imageio.ProtocolError{
				Op:     "GET extents",
				Reason: fmt.Sprintf("extent start=%d length=%d, expected start %d", we.Start, we.Length, expected),
			}
		}
		expected = we.Start + we.Length

		zero := we.Zero
		if ec == backend.ContextDirty {
			if we.Dirty == nil {
				return nil, &imageio.ProtocolError{Op: "GET extents", Reason: "dirty extent without dirty flag"}
			}
			zero = !*we.Dirty
		}

		start, end := we.Start, we.Start+we.Length
		if end <= b.pos {
			continue
		}
		if start < b.pos {
			start = b.pos
		}
		if end > b.size {
			end = b.size
		}
		if end <= start {
			continue
		}
		if err := m.Add(extent.New(start, end-start, zero)); err != nil {
			return nil, &imageio.ProtocolError{Op: "GET extents", Reason: err.Error()}
		}
	}
	if expected != b.size {
		return nil, &imageio.ProtocolError{
			Op:     "GET extents",
			Reason: fmt.Sprintf("report covers %d of %d bytes", expected, b.size),
		}
	}
	return m.Extents(), nil
}

func (b *Backend) Size() (int64, error) {
	if b.closed {
		return 0, imageio.ErrClosed
	}
	return b.size, nil
}

func (b *Backend) Readable() bool { return b.readable }
func (b *Backend) Writable() bool { return b.writable }

// Sparse is true when the remote supports the zero feature; otherwise
// zeroing uploads explicit zero bytes.
func (b *Backend) Sparse() bool { return b.canZero }

func (b *Backend) Dirty() bool { return b.dirty }

func (b *Backend) Close() error {
	b.closed = true
	return nil
}

func unexpectedStatus(op string, res *http.Response) error {
	return fmt.Errorf("imageio: %s: unexpected status %s", op, res.Status)
}

func drain(res *http.Response) {
	io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	res.Body.Close()
}
