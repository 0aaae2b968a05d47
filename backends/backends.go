// Package backends resolves a ticket URL to a transport implementation.
// The registry is an explicit object constructed at service start and
// injected into the dispatcher; there is no ambient global registration.
package backends

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/unkn0wn-root/imageio"
	"github.com/unkn0wn-root/imageio/backend"
	"github.com/unkn0wn-root/imageio/backend/file"
	"github.com/unkn0wn-root/imageio/backend/httpimage"
)

// OpenFunc opens a backend session for u. Implementations must validate
// opts.Mode before touching the transport.
type OpenFunc func(ctx context.Context, u *url.URL, opts backend.Options) (backend.Backend, error)

// Options configure a Registry.
type Options struct {
	Logger imageio.Logger

	// HTTPClient is used by the built-in http/https opener; nil means
	// http.DefaultClient.
	HTTPClient *http.Client
}

// Registry maps URL schemes to openers. file, http and https are wired by
// default; nbd needs a client library, so the daemon bootstrap registers
// it explicitly:
//
//	reg.Register("nbd", nbd.Opener(connect))
//	reg.Register("nbd+unix", nbd.Opener(connect))
type Registry struct {
	mu   sync.RWMutex
	open map[string]OpenFunc
	log  imageio.Logger
}

func NewRegistry(opts Options) *Registry {
	log := opts.Logger
	if log == nil {
		log = imageio.NopLogger{}
	}
	r := &Registry{
		open: make(map[string]OpenFunc),
		log:  log,
	}
	r.Register("file", func(_ context.Context, u *url.URL, o backend.Options) (backend.Backend, error) {
		return file.Open(u.Path, o)
	})
	hc := opts.HTTPClient
	httpOpen := func(ctx context.Context, u *url.URL, o backend.Options) (backend.Backend, error) {
		return httpimage.Open(ctx, u, o, hc)
	}
	r.Register("http", httpOpen)
	r.Register("https", httpOpen)
	return r
}

// Register binds scheme to fn, replacing any previous opener.
func (r *Registry) Register(scheme string, fn OpenFunc) {
	r.mu.Lock()
	r.open[scheme] = fn
	r.mu.Unlock()
}

// Open opens a session for u. An unregistered scheme fails before any
// transport connection is attempted.
func (r *Registry) Open(ctx context.Context, u *url.URL, opts backend.Options) (backend.Backend, error) {
	r.mu.RLock()
	fn, ok := r.open[u.Scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no backend for scheme %q", imageio.ErrInvalidArgument, u.Scheme)
	}
	b, err := fn(ctx, u, opts)
	if err != nil {
		r.log.Warn("backend open failed", imageio.Fields{"url": u.String(), "err": err})
		return nil, err
	}
	return b, nil
}
