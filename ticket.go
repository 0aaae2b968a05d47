package imageio

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/imageio/codec"
)

// Op is an operation a ticket may permit. Zero and flush are permitted
// whenever write is; an extents query requires read.
type Op string

const (
	OpRead  Op = "read"
	OpWrite Op = "write"
)

// maxSpecPayload caps control-plane ticket payloads; tickets are tiny and
// anything bigger is hostile or corrupt.
const maxSpecPayload = 1 << 20

// Spec is the wire shape of a ticket as submitted by the control plane.
// Timeout is relative (seconds from submission); it becomes an absolute
// expiry when the Ticket is built.
type Spec struct {
	UUID    string   `json:"uuid" cbor:"uuid" msgpack:"uuid"`
	URL     string   `json:"url" cbor:"url" msgpack:"url"`
	Ops     []string `json:"ops" cbor:"ops" msgpack:"ops"`
	Size    int64    `json:"size,omitempty" cbor:"size,omitempty" msgpack:"size,omitempty"`
	Timeout int64    `json:"timeout" cbor:"timeout" msgpack:"timeout"`
	Sparse  bool     `json:"sparse,omitempty" cbor:"sparse,omitempty" msgpack:"sparse,omitempty"`
	Dirty   bool     `json:"dirty,omitempty" cbor:"dirty,omitempty" msgpack:"dirty,omitempty"`
}

// SpecCodec returns the codec for a control-plane content type, wrapped
// with the payload size cap. Supported: application/json (default when ct
// is empty), application/cbor, application/msgpack.
func SpecCodec(contentType string) (codec.Codec[Spec], error) {
	var inner codec.Codec[Spec]
	switch normalizeContentType(contentType) {
	case "", "application/json":
		inner = codec.JSON[Spec]{}
	case "application/cbor":
		inner = codec.MustCBOR[Spec]()
	case "application/msgpack", "application/x-msgpack":
		inner = codec.Msgpack[Spec]{}
	default:
		return nil, fmt.Errorf("%w: unsupported content type %q", ErrInvalidArgument, contentType)
	}
	return codec.Limit[Spec]{Inner: inner, MaxDecode: maxSpecPayload}, nil
}

func normalizeContentType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// ParseSpec decodes and validates a ticket payload into a live Ticket.
func ParseSpec(c codec.Codec[Spec], payload []byte) (*Ticket, error) {
	spec, err := c.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding ticket: %v", ErrInvalidArgument, err)
	}
	return NewTicket(spec)
}

// Ticket is an immutable-after-validation authorization record for one
// resource URL. The permitted operations never change after creation; the
// transfer counter only increases; expiry may only be extended (Touch).
type Ticket struct {
	uuid   string
	url    *url.URL
	size   int64
	sparse bool
	dirty  bool
	read   bool
	write  bool

	mu      sync.Mutex
	expires time.Time

	transferred atomic.Int64
}

// NewTicket validates spec and builds a Ticket whose expiry is
// spec.Timeout seconds from now.
func NewTicket(spec Spec) (*Ticket, error) {
	if _, err := uuid.Parse(spec.UUID); err != nil {
		return nil, fmt.Errorf("%w: ticket uuid %q: %v", ErrInvalidArgument, spec.UUID, err)
	}
	u, err := url.Parse(spec.URL)
	if err != nil || u.Scheme == "" {
		return nil, fmt.Errorf("%w: ticket url %q", ErrInvalidArgument, spec.URL)
	}
	if spec.Timeout <= 0 {
		return nil, fmt.Errorf("%w: ticket timeout must be positive, got %d", ErrInvalidArgument, spec.Timeout)
	}
	if spec.Size < 0 {
		return nil, fmt.Errorf("%w: ticket size must not be negative, got %d", ErrInvalidArgument, spec.Size)
	}

	t := &Ticket{
		uuid:    spec.UUID,
		url:     u,
		size:    spec.Size,
		sparse:  spec.Sparse,
		dirty:   spec.Dirty,
		expires: time.Now().Add(time.Duration(spec.Timeout) * time.Second),
	}
	for _, op := range spec.Ops {
		switch Op(op) {
		case OpRead:
			t.read = true
		case OpWrite:
			t.write = true
		default:
			return nil, fmt.Errorf("%w: ticket op %q", ErrInvalidArgument, op)
		}
	}
	return t, nil
}

func (t *Ticket) UUID() string  { return t.uuid }
func (t *Ticket) URL() *url.URL { return t.url }

// Size is the declared resource size; 0 means unknown, trust the backend.
func (t *Ticket) Size() int64 { return t.size }

// Sparse and Dirty are the open hints handed to the backend factory.
func (t *Ticket) Sparse() bool { return t.sparse }
func (t *Ticket) Dirty() bool  { return t.dirty }

// Allows reports whether the ticket permits op.
func (t *Ticket) Allows(op Op) bool {
	switch op {
	case OpRead:
		return t.read
	case OpWrite:
		return t.write
	}
	return false
}

// Mode is the backend open mode implied by the permitted operations:
// "r+" for read+write, "r" for read only, "w" for write only, "" for none.
func (t *Ticket) Mode() string {
	switch {
	case t.read && t.write:
		return "r+"
	case t.read:
		return "r"
	case t.write:
		return "w"
	}
	return ""
}

// Expires returns the current absolute expiry instant.
func (t *Ticket) Expires() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expires
}

// Touch extends the ticket's lifetime to d from now. It never shortens an
// already later expiry.
func (t *Ticket) Touch(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: touch duration must be positive, got %v", ErrInvalidArgument, d)
	}
	deadline := time.Now().Add(d)
	t.mu.Lock()
	if deadline.After(t.expires) {
		t.expires = deadline
	}
	t.mu.Unlock()
	return nil
}

// Transferred returns the bytes read or written under this ticket so far.
func (t *Ticket) Transferred() int64 { return t.transferred.Load() }

// AddTransferred accounts n more transferred bytes. Safe for concurrent
// callers; accounting for one ticket never serializes other tickets.
func (t *Ticket) AddTransferred(n int64) {
	if n > 0 {
		t.transferred.Add(n)
	}
}

func (t *Ticket) expired(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !now.Before(t.expires)
}

// TicketInfo is a point-in-time snapshot for the control plane.
type TicketInfo struct {
	UUID        string    `json:"uuid"`
	Ops         []string  `json:"ops"`
	Size        int64     `json:"size"`
	Transferred int64     `json:"transferred"`
	Expires     time.Time `json:"expires"`
}

// Info snapshots the ticket. Transferred and Expires may advance between
// the two reads; each value is individually consistent.
func (t *Ticket) Info() TicketInfo {
	var ops []string
	if t.read {
		ops = append(ops, string(OpRead))
	}
	if t.write {
		ops = append(ops, string(OpWrite))
	}
	return TicketInfo{
		UUID:        t.uuid,
		Ops:         ops,
		Size:        t.size,
		Transferred: t.Transferred(),
		Expires:     t.Expires(),
	}
}
