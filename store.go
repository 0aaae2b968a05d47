package imageio

import (
	"fmt"
	"sync"
	"time"
)

// StoreOptions tune the ticket registry. All fields are optional.
type StoreOptions struct {
	Logger Logger
	Hooks  Hooks

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Store is the process-wide registry of active tickets. It is constructed
// at service start and injected into the dispatcher; tickets are never
// persisted. Expiry is checked lazily at lookup time, not by a background
// sweep: a ticket that expires mid-transfer does not abort the in-flight
// operation, but the next lookup against it fails.
//
// All methods are safe for concurrent use. Transfer accounting lives on
// the Ticket itself (atomic), so unrelated transfers never serialize.
type Store struct {
	mu      sync.RWMutex
	tickets map[string]*Ticket

	log   Logger
	hooks Hooks
	now   func() time.Time
}

func NewStore(opts StoreOptions) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		tickets: make(map[string]*Ticket),
		log:     coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:   coalesce[Hooks](opts.Hooks, NopHooks{}),
		now:     now,
	}
}

// Add registers t. Fails with ErrConflict if a ticket with the same uuid
// is already registered, whether or not that ticket has expired.
func (s *Store) Add(t *Ticket) error {
	s.mu.Lock()
	_, exists := s.tickets[t.uuid]
	if !exists {
		s.tickets[t.uuid] = t
	}
	s.mu.Unlock()

	if exists {
		return fmt.Errorf("%w: %s", ErrConflict, t.uuid)
	}
	s.log.Debug("ticket added", Fields{"uuid": t.uuid, "mode": t.Mode()})
	s.hooks.TicketAdded(t.uuid)
	return nil
}

// Get returns the live ticket for uuid. An expired ticket is removed as a
// side effect and reported as ErrExpired; a subsequent Get for the same
// uuid fails with ErrNotFound.
func (s *Store) Get(uuid string) (*Ticket, error) {
	s.mu.RLock()
	t, ok := s.tickets[uuid]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}
	if t.expired(s.now()) {
		s.mu.Lock()
		// Re-check under the write lock; another worker may have replaced
		// or already removed the entry.
		if cur, ok := s.tickets[uuid]; ok && cur == t {
			delete(s.tickets, uuid)
		}
		s.mu.Unlock()
		s.log.Info("ticket expired", Fields{"uuid": uuid})
		s.hooks.TicketExpired(uuid)
		return nil, fmt.Errorf("%w: %s", ErrExpired, uuid)
	}
	return t, nil
}

// Remove drops uuid from the registry. Removing an absent ticket is a no-op.
func (s *Store) Remove(uuid string) {
	s.mu.Lock()
	_, ok := s.tickets[uuid]
	delete(s.tickets, uuid)
	s.mu.Unlock()
	if ok {
		s.log.Debug("ticket removed", Fields{"uuid": uuid})
		s.hooks.TicketRemoved(uuid)
	}
}

// Authorize checks that t permits op over [offset, offset+length). When the
// ticket declares a size, the range must fall inside it; with an unknown
// size (0) the backend is trusted to bound the transfer.
func (s *Store) Authorize(t *Ticket, op Op, offset, length int64) error {
	if offset < 0 || length < 0 {
		return fmt.Errorf("%w: negative range %d+%d", ErrInvalidArgument, offset, length)
	}
	if !t.Allows(op) {
		s.hooks.AuthDenied(t.uuid, string(op), offset, length)
		return fmt.Errorf("%w: ticket %s does not allow %s", ErrForbidden, t.uuid, op)
	}
	if t.size > 0 && offset+length > t.size {
		s.hooks.AuthDenied(t.uuid, string(op), offset, length)
		return fmt.Errorf("%w: range %d+%d exceeds ticket size %d", ErrForbidden, offset, length, t.size)
	}
	return nil
}
