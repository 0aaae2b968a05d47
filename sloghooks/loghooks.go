package sloghooks

import (
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/imageio"
)

type Options struct {
	// Sampling to avoid floods on busy transfers; 0/1 = log all.
	OpDoneEvery     uint64
	AuthDeniedEvery uint64
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	opDoneCtr     atomic.Uint64
	authDeniedCtr atomic.Uint64
}

var _ imageio.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) TicketAdded(uuid string) {
	if h.l == nil {
		return
	}
	h.l.Info("imageio.ticket_added", "uuid", uuid)
}

func (h *Hooks) TicketRemoved(uuid string) {
	if h.l == nil {
		return
	}
	h.l.Info("imageio.ticket_removed", "uuid", uuid)
}

func (h *Hooks) TicketExpired(uuid string) {
	if h.l == nil {
		return
	}
	h.l.Warn("imageio.ticket_expired", "uuid", uuid)
}

func (h *Hooks) AuthDenied(uuid, op string, offset, length int64) {
	if h.l == nil || !sample(h.opts.AuthDeniedEvery, &h.authDeniedCtr) {
		return
	}
	h.l.Warn("imageio.auth_denied",
		"uuid", uuid,
		"op", op,
		"offset", offset,
		"length", length)
}

func (h *Hooks) OpDone(uuid, op string, transferred int64, err error) {
	if h.l == nil || !sample(h.opts.OpDoneEvery, &h.opDoneCtr) {
		return
	}
	if err != nil {
		h.l.Warn("imageio.op_failed",
			"uuid", uuid,
			"op", op,
			"transferred", transferred,
			"err", err)
		return
	}
	h.l.Debug("imageio.op_done",
		"uuid", uuid,
		"op", op,
		"transferred", transferred)
}
