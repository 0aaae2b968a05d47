// usage:
//
// import (
//
//	"log/slog"
//
//	"github.com/unkn0wn-root/imageio"
//	asynchook "github.com/unkn0wn-root/imageio/hooks/async"
//	"github.com/unkn0wn-root/imageio/sloghooks"
//
// )
//
// raw := sloghooks.New(slog.Default(), sloghooks.Options{
//
//	OpDoneEvery: 100, // sample: ~every 100th completed operation
//
// })
//
// hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
// defer hooks.Close()
//
//	store := imageio.NewStore(imageio.StoreOptions{
//	    Hooks: hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"

	"github.com/unkn0wn-root/imageio"
)

type Hooks struct {
	inner imageio.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ imageio.Hooks = (*Hooks)(nil)

func New(inner imageio.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) TicketAdded(uuid string)   { h.try(func() { h.inner.TicketAdded(uuid) }) }
func (h *Hooks) TicketRemoved(uuid string) { h.try(func() { h.inner.TicketRemoved(uuid) }) }
func (h *Hooks) TicketExpired(uuid string) { h.try(func() { h.inner.TicketExpired(uuid) }) }
func (h *Hooks) AuthDenied(uuid, op string, offset, length int64) {
	h.try(func() { h.inner.AuthDenied(uuid, op, offset, length) })
}
func (h *Hooks) OpDone(uuid, op string, transferred int64, err error) {
	h.try(func() { h.inner.OpDone(uuid, op, transferred, err) })
}
