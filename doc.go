// Package imageio implements the transport-agnostic core of an image
// transfer daemon: time-limited transfer tickets, the concurrent registry
// that authorizes every operation, and the shared logging/event types used
// by the storage backends (file, NBD, remote image service).
//
// Components:
//   - Ticket / Store: scoped authorization records and their registry.
//     Every incoming request is resolved to a ticket and checked against its
//     permitted operations and byte range before any I/O happens.
//   - backend.Backend: one seekable, sparse-aware I/O contract implemented
//     per transport under backend/file, backend/nbd and backend/httpimage.
//   - extent: the data/zero extent value and the merge accumulator that
//     stitches chunked backend reports into a minimal ordered sequence.
//   - backends: URL-scheme registry resolving a ticket URL to a transport.
//   - dispatch: the glue a request handler calls into - lookup, authorize,
//     open, one operation, transfer accounting.
//
// Typical wiring:
//
//	store := imageio.NewStore(imageio.StoreOptions{})
//	reg := backends.NewRegistry(backends.Options{})
//	d, _ := dispatch.New(store, reg, dispatch.Options{})
//	...
//	n, err := d.Put(ctx, ticketID, body, offset, size) // upload one chunk
package imageio
