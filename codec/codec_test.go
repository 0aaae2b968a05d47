package codec

import (
	"strings"
	"testing"
)

type payload struct {
	UUID string `json:"uuid" cbor:"uuid" msgpack:"uuid"`
	Size int64  `json:"size" cbor:"size" msgpack:"size"`
}

func TestCodecsRoundTrip(t *testing.T) {
	in := payload{UUID: "cf21d1a8-f93d-4b6a-9f2e-2a5ca3a32b5a", Size: 6 << 30}
	codecs := map[string]Codec[payload]{
		"json":    JSON[payload]{},
		"cbor":    MustCBOR[payload](),
		"msgpack": Msgpack[payload]{},
	}
	for name, c := range codecs {
		t.Run(name, func(t *testing.T) {
			b, err := c.Encode(in)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			out, err := c.Decode(b)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if out != in {
				t.Fatalf("round trip: got %+v, want %+v", out, in)
			}
		})
	}
}

func TestLimitRejectsOversized(t *testing.T) {
	c := Limit[payload]{Inner: JSON[payload]{}, MaxDecode: 8}
	b, err := c.Encode(payload{UUID: "x"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(b) <= 8 {
		t.Fatalf("test payload too small: %d", len(b))
	}
	if _, err := c.Decode(b); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("Decode: got %v, want size error", err)
	}
}

func TestLimitDisabled(t *testing.T) {
	c := Limit[payload]{Inner: JSON[payload]{}, MaxDecode: 0}
	b, _ := c.Encode(payload{UUID: "y", Size: 1})
	if _, err := c.Decode(b); err != nil {
		t.Fatalf("Decode with limit disabled: %v", err)
	}
}
