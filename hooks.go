package imageio

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The store and dispatcher call them on hot paths.
type Hooks interface {
	// A ticket was added to or removed from the registry.
	TicketAdded(uuid string)
	TicketRemoved(uuid string)

	// A lookup found an expired ticket and dropped it.
	TicketExpired(uuid string)

	// An operation was denied by the ticket's ops/range.
	// op ∈ {"read", "write"}.
	AuthDenied(uuid string, op string, offset, length int64)

	// One backend operation completed; transferred is the byte count
	// accounted to the ticket (0 for flush and extents).
	OpDone(uuid string, op string, transferred int64, err error)
}

// NopHooks is the default no-op implementation.
type NopHooks struct{}

func (NopHooks) TicketAdded(string)                      {}
func (NopHooks) TicketRemoved(string)                    {}
func (NopHooks) TicketExpired(string)                    {}
func (NopHooks) AuthDenied(string, string, int64, int64) {}
func (NopHooks) OpDone(string, string, int64, error)     {}
