package imageio

import (
	"errors"
	"fmt"
)

// Error kinds shared by the ticket registry and every backend. Callers
// branch with errors.Is; operation failures map 1:1 to the protocol-level
// responses of the request handler.
var (
	// ErrInvalidArgument rejects malformed input (unknown open mode,
	// zero-length extents query) before any I/O is attempted.
	ErrInvalidArgument = errors.New("imageio: invalid argument")

	// ErrNotReadable / ErrNotWritable signal a capability violation on a
	// session opened without the required mode.
	ErrNotReadable = errors.New("imageio: session not opened for reading")
	ErrNotWritable = errors.New("imageio: session not opened for writing")

	// ErrForbidden means the ticket does not authorize the operation or range.
	ErrForbidden = errors.New("imageio: operation forbidden by ticket")

	// ErrNotFound / ErrExpired are ticket lookup failures.
	ErrNotFound = errors.New("imageio: no such ticket")
	ErrExpired  = errors.New("imageio: ticket expired")

	// ErrConflict rejects adding a ticket whose uuid is already registered.
	ErrConflict = errors.New("imageio: ticket already exists")

	// ErrUnsupported means the transport lacks a required capability, e.g.
	// a dirty-extents query on a session without a dirty bitmap context.
	ErrUnsupported = errors.New("imageio: unsupported operation")

	// ErrClosed fails any operation attempted after session teardown.
	ErrClosed = errors.New("imageio: session is closed")
)

// ProtocolError reports structurally invalid data from a remote peer, such
// as a malformed extents report or an unexpected reply. It is never the
// result of local misuse.
type ProtocolError struct {
	Op     string // operation that received the bad reply
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("imageio: protocol error in %s: %s", e.Op, e.Reason)
}

// Is lets callers match any protocol error with errors.Is(err, &ProtocolError{}).
func (e *ProtocolError) Is(target error) bool {
	_, ok := target.(*ProtocolError)
	return ok
}
