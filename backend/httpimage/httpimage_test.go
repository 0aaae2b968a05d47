package httpimage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/unkn0wn-root/imageio"
	"github.com/unkn0wn-root/imageio/backend"
	"github.com/unkn0wn-root/imageio/extent"
)

// imageServer is an in-memory remote daemon for tests. Features and the
// extents report are configurable per test.
type imageServer struct {
	data     []byte
	features []string // nil means old daemon: OPTIONS answers 405
	noHead   bool
	extents  []wireExtent
	dirty    []wireExtent

	flushes int
	zeroes  int
}

func (s *imageServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/extents") {
			s.serveExtents(w, r)
			return
		}
		switch r.Method {
		case http.MethodOptions:
			if s.features == nil {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"features": s.features})
		case http.MethodHead:
			if s.noHead {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			w.Header().Set("Content-Length", strconv.Itoa(len(s.data)))
		case http.MethodGet:
			s.serveRange(w, r)
		case http.MethodPut:
			s.servePut(w, r)
		case http.MethodPatch:
			s.servePatch(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

func (s *imageServer) serveRange(w http.ResponseWriter, r *http.Request) {
	var start, end int64
	if _, err := fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if end >= int64(len(s.data)) {
		end = int64(len(s.data)) - 1
	}
	w.Header().Set("Content-Range",
		fmt.Sprintf("bytes %d-%d/%d", start, end, len(s.data)))
	w.WriteHeader(http.StatusPartialContent)
	w.Write(s.data[start : end+1])
}

func (s *imageServer) servePut(w http.ResponseWriter, r *http.Request) {
	var start, end int64
	if _, err := fmt.Sscanf(r.Header.Get("Content-Range"), "bytes %d-%d/*", &start, &end); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	body, _ := io.ReadAll(r.Body)
	copy(s.data[start:], body)
	w.WriteHeader(http.StatusNoContent)
}

func (s *imageServer) servePatch(w http.ResponseWriter, r *http.Request) {
	var body patchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	switch body.Op {
	case "zero":
		s.zeroes++
		for i := body.Offset; i < body.Offset+body.Size && i < int64(len(s.data)); i++ {
			s.data[i] = 0
		}
	case "flush":
		s.flushes++
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *imageServer) serveExtents(w http.ResponseWriter, r *http.Request) {
	report := s.extents
	if r.URL.Query().Get("context") == "dirty" {
		report = s.dirty
	}
	if report == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(report)
}

func newServer(t *testing.T, s *imageServer) *url.URL {
	t.Helper()
	ts := httptest.NewServer(s.handler())
	t.Cleanup(ts.Close)
	u, err := url.Parse(ts.URL + "/images/test")
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func open(t *testing.T, s *imageServer, mode backend.Mode) *Backend {
	t.Helper()
	b, err := Open(context.Background(), newServer(t, s), backend.Options{Mode: mode}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func fullFeatures() []string { return []string{"zero", "flush", "extents"} }

func TestOpenInvalidMode(t *testing.T) {
	// Rejected before any request: the URL does not even need to resolve.
	u, _ := url.Parse("https://daemon.invalid/images/x")
	_, err := Open(context.Background(), u, backend.Options{Mode: "invalid"}, nil)
	if !errors.Is(err, imageio.ErrInvalidArgument) {
		t.Fatalf("got %v, want ErrInvalidArgument", err)
	}
}

func TestOpenProbesFeatures(t *testing.T) {
	b := open(t, &imageServer{data: make([]byte, 512), features: fullFeatures()}, backend.ModeReadWrite)
	if !b.canZero || !b.canFlush || !b.canExtents {
		t.Fatalf("features not probed: zero=%v flush=%v extents=%v", b.canZero, b.canFlush, b.canExtents)
	}
	if size, _ := b.Size(); size != 512 {
		t.Fatalf("size=%d", size)
	}
	if !b.Sparse() {
		t.Fatal("zero feature implies sparse")
	}
}

func TestOpenOldDaemon(t *testing.T) {
	// No OPTIONS, no HEAD: size comes from a one-byte range probe.
	s := &imageServer{data: make([]byte, 4096), noHead: true}
	b := open(t, s, backend.ModeRead)
	if size, _ := b.Size(); size != 4096 {
		t.Fatalf("size=%d", size)
	}
	if b.canZero || b.canFlush || b.canExtents {
		t.Fatal("old daemon must advertise no features")
	}
	if b.Sparse() {
		t.Fatal("sparse without zero feature")
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	s := &imageServer{data: make([]byte, 1024), features: fullFeatures()}
	b := open(t, s, backend.ModeReadWrite)

	data := []byte("data")
	if n, err := b.Write(data); err != nil || n != len(data) {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if s.flushes != 1 {
		t.Fatalf("flushes=%d", s.flushes)
	}

	b.Seek(0, io.SeekStart)
	buf := make([]byte, 4)
	if n, err := b.Read(buf); err != nil || n != 4 {
		t.Fatalf("Read: n=%d err=%v", n, err)
	}
	if !bytes.Equal(buf, data) {
		t.Fatalf("got %q", buf)
	}
}

func TestReadShortBuffer(t *testing.T) {
	s := &imageServer{data: bytes.Repeat([]byte("x"), 4096), features: fullFeatures()}
	b := open(t, s, backend.ModeRead)

	buf := make([]byte, 8192)
	n, err := b.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 4096 {
		t.Fatalf("n=%d, want 4096", n)
	}
	if !bytes.Equal(buf[:4096], s.data) {
		t.Fatal("data mismatch")
	}
}

func TestReadAtEnd(t *testing.T) {
	b := open(t, &imageServer{data: make([]byte, 512), features: fullFeatures()}, backend.ModeRead)
	b.Seek(0, io.SeekEnd)
	n, err := b.Read(make([]byte, 64))
	if err != nil || n != 0 {
		t.Fatalf("Read: n=%d err=%v", n, err)
	}
}

func TestReadServerIgnoresRange(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusMethodNotAllowed)
		case http.MethodHead:
			w.Header().Set("Content-Length", "512")
		default:
			w.Write(make([]byte, 512)) // 200 with the whole image
		}
	}))
	defer ts.Close()
	u, _ := url.Parse(ts.URL)
	b, err := Open(context.Background(), u, backend.Options{Mode: backend.ModeRead}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()
	_, err = b.Read(make([]byte, 64))
	if !errors.Is(err, &imageio.ProtocolError{}) {
		t.Fatalf("got %v, want ProtocolError", err)
	}
}

func TestZero(t *testing.T) {
	s := &imageServer{data: bytes.Repeat([]byte("x"), 64), features: fullFeatures()}
	b := open(t, s, backend.ModeReadWrite)
	b.Seek(16, io.SeekStart)
	if n, err := b.Zero(32); err != nil || n != 32 {
		t.Fatalf("Zero: n=%d err=%v", n, err)
	}
	if s.zeroes != 1 {
		t.Fatalf("zeroes=%d", s.zeroes)
	}
	if !bytes.Equal(s.data[16:48], make([]byte, 32)) {
		t.Fatal("range not zeroed")
	}
	if !bytes.Equal(s.data[:16], bytes.Repeat([]byte("x"), 16)) {
		t.Fatal("prefix clobbered")
	}
}

// TestZeroFallback: without the zero feature the backend uploads explicit
// zero bytes instead.
func TestZeroFallback(t *testing.T) {
	s := &imageServer{data: bytes.Repeat([]byte("x"), 64), features: []string{"flush"}}
	b := open(t, s, backend.ModeReadWrite)
	if n, err := b.Zero(64); err != nil || n != 64 {
		t.Fatalf("Zero: n=%d err=%v", n, err)
	}
	if s.zeroes != 0 {
		t.Fatal("PATCH zero sent to a server without the feature")
	}
	if !bytes.Equal(s.data, make([]byte, 64)) {
		t.Fatal("data not zeroed")
	}
}

func TestCapabilities(t *testing.T) {
	s := &imageServer{data: make([]byte, 64), features: fullFeatures()}
	r := open(t, s, backend.ModeRead)
	if _, err := r.Write([]byte("x")); !errors.Is(err, imageio.ErrNotWritable) {
		t.Fatalf("Write: got %v, want ErrNotWritable", err)
	}
	w := open(t, s, backend.ModeWrite)
	if _, err := w.Read(make([]byte, 4)); !errors.Is(err, imageio.ErrNotReadable) {
		t.Fatalf("Read: got %v, want ErrNotReadable", err)
	}
}

func TestDirtyLifecycle(t *testing.T) {
	s := &imageServer{data: make([]byte, 64), features: fullFeatures()}
	b := open(t, s, backend.ModeReadWrite)
	if b.Dirty() {
		t.Fatal("dirty after open")
	}
	b.Write([]byte("01234"))
	if !b.Dirty() {
		t.Fatal("clean after write")
	}
	b.Flush()
	if b.Dirty() {
		t.Fatal("dirty after flush")
	}
	b.Zero(8)
	if !b.Dirty() {
		t.Fatal("clean after zero")
	}
}

func TestExtents(t *testing.T) {
	s := &imageServer{
		data:     make([]byte, 1024),
		features: fullFeatures(),
		extents: []wireExtent{
			{Start: 0, Length: 256, Zero: false},
			{Start: 256, Length: 256, Zero: false},
			{Start: 512, Length: 512, Zero: true},
		},
	}
	b := open(t, s, backend.ModeRead)
	exts, err := b.Extents(context.Background(), backend.ContextZero)
	if err != nil {
		t.Fatalf("Extents: %v", err)
	}
	// Adjacent data runs merge client-side.
	want := []extent.Extent{
		extent.New(0, 512, false),
		extent.New(512, 512, true),
	}
	if len(exts) != len(want) {
		t.Fatalf("got %v, want %v", exts, want)
	}
	for i := range want {
		if exts[i] != want[i] {
			t.Fatalf("extent %d: got %v, want %v", i, exts[i], want[i])
		}
	}
}

func TestExtentsFromCursor(t *testing.T) {
	s := &imageServer{
		data:     make([]byte, 1024),
		features: fullFeatures(),
		extents: []wireExtent{
			{Start: 0, Length: 512, Zero: false},
			{Start: 512, Length: 512, Zero: true},
		},
	}
	b := open(t, s, backend.ModeRead)
	b.Seek(256, io.SeekStart)
	exts, err := b.Extents(context.Background(), backend.ContextZero)
	if err != nil {
		t.Fatalf("Extents: %v", err)
	}
	want := []extent.Extent{
		extent.New(256, 256, false),
		extent.New(512, 512, true),
	}
	for i := range want {
		if exts[i] != want[i] {
			t.Fatalf("extent %d: got %v, want %v", i, exts[i], want[i])
		}
	}
}

func TestExtentsMalformedReport(t *testing.T) {
	tests := []struct {
		name   string
		report []wireExtent
	}{
		{"gap", []wireExtent{
			{Start: 0, Length: 256},
			{Start: 512, Length: 512},
		}},
		{"overlap", []wireExtent{
			{Start: 0, Length: 512},
			{Start: 256, Length: 768},
		}},
		{"bad first start", []wireExtent{
			{Start: 256, Length: 768},
		}},
		{"negative length", []wireExtent{
			{Start: 0, Length: -1},
		}},
		{"short coverage", []wireExtent{
			{Start: 0, Length: 512},
		}},
		{"excess coverage", []wireExtent{
			{Start: 0, Length: 2048},
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := &imageServer{data: make([]byte, 1024), features: fullFeatures(), extents: tc.report}
			b := open(t, s, backend.ModeRead)
			_, err := b.Extents(context.Background(), backend.ContextZero)
			if !errors.Is(err, &imageio.ProtocolError{}) {
				t.Fatalf("got %v, want ProtocolError", err)
			}
		})
	}
}

func TestExtentsDirty(t *testing.T) {
	boolp := func(v bool) *bool { return &v }
	s := &imageServer{
		data:     make([]byte, 1024),
		features: fullFeatures(),
		dirty: []wireExtent{
			{Start: 0, Length: 256, Dirty: boolp(true)},
			{Start: 256, Length: 768, Dirty: boolp(false)},
		},
	}
	b := open(t, s, backend.ModeRead)
	exts, err := b.Extents(context.Background(), backend.ContextDirty)
	if err != nil {
		t.Fatalf("Extents: %v", err)
	}
	want := []extent.Extent{
		extent.New(0, 256, false),
		extent.New(256, 768, true),
	}
	for i := range want {
		if exts[i] != want[i] {
			t.Fatalf("extent %d: got %v, want %v", i, exts[i], want[i])
		}
	}
}

func TestExtentsDirtyWithoutFlag(t *testing.T) {
	s := &imageServer{
		data:     make([]byte, 1024),
		features: fullFeatures(),
		dirty:    []wireExtent{{Start: 0, Length: 1024}},
	}
	b := open(t, s, backend.ModeRead)
	_, err := b.Extents(context.Background(), backend.ContextDirty)
	if !errors.Is(err, &imageio.ProtocolError{}) {
		t.Fatalf("got %v, want ProtocolError", err)
	}
}

// TestExtentsDegraded: a remote without extents support still answers the
// zero context with a single data extent; dirty queries fail.
func TestExtentsDegraded(t *testing.T) {
	s := &imageServer{data: make([]byte, 1024), features: []string{"zero"}}
	b := open(t, s, backend.ModeRead)

	exts, err := b.Extents(context.Background(), backend.ContextZero)
	if err != nil {
		t.Fatalf("Extents: %v", err)
	}
	if len(exts) != 1 || exts[0] != extent.New(0, 1024, false) {
		t.Fatalf("got %v", exts)
	}
	if _, err := b.Extents(context.Background(), backend.ContextDirty); !errors.Is(err, imageio.ErrUnsupported) {
		t.Fatalf("dirty: got %v, want ErrUnsupported", err)
	}
}

func TestExtentsEmptyRange(t *testing.T) {
	b := open(t, &imageServer{data: make([]byte, 64), features: fullFeatures()}, backend.ModeRead)
	b.Seek(0, io.SeekEnd)
	_, err := b.Extents(context.Background(), backend.ContextZero)
	if !errors.Is(err, imageio.ErrInvalidArgument) {
		t.Fatalf("got %v, want ErrInvalidArgument", err)
	}
}

func TestCloseSemantics(t *testing.T) {
	b := open(t, &imageServer{data: make([]byte, 64), features: fullFeatures()}, backend.ModeReadWrite)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := b.Read(make([]byte, 4)); !errors.Is(err, imageio.ErrClosed) {
		t.Fatalf("Read: got %v, want ErrClosed", err)
	}
	if _, err := b.Write([]byte("x")); !errors.Is(err, imageio.ErrClosed) {
		t.Fatalf("Write: got %v, want ErrClosed", err)
	}
	if err := b.Flush(); !errors.Is(err, imageio.ErrClosed) {
		t.Fatalf("Flush: got %v, want ErrClosed", err)
	}
}
