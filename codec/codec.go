// Package codec (de)serializes control-plane payloads. The daemon accepts
// tickets as JSON (default), CBOR or msgpack; decoders are wrapped with
// Limit because payloads arrive from the network.
package codec

// Codec encodes/decodes values V to []byte for the wire.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
