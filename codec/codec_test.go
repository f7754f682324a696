package codec

import (
	"strings"
	"testing"

	"github.com/unkn0wn-root/refcache/internal/testutil"
)

type record struct {
	Key  string `msgpack:"key" cbor:"key"`
	Data any    `msgpack:"data" cbor:"data"`
}

// payload has the shapes encoding/json produces for an opaque document.
func payload() any {
	return map[string]any{
		"name":     "Println",
		"arity":    float64(2),
		"members":  []any{map[string]any{"name": "w"}, "x"},
		"deprec":   nil,
		"exported": true,
	}
}

func TestOpaquePayloadsSurviveEveryCodec(t *testing.T) {
	cb, err := NewCBOR[record](true)
	if err != nil {
		t.Fatalf("NewCBOR: %v", err)
	}
	codecs := map[string]Codec[record]{
		"msgpack": Msgpack[record]{},
		"cbor":    cb,
		"json":    JSON[record]{},
	}
	in := record{Key: "go:fmt:Println", Data: payload()}
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
			testutil.AssertEqual(t, out, in)
		})
	}
}

func TestDeterministicCBORIsStable(t *testing.T) {
	c, err := NewCBOR[any](true)
	if err != nil {
		t.Fatalf("NewCBOR: %v", err)
	}
	a, err := c.Encode(payload())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		b, _ := c.Encode(payload())
		if string(a) != string(b) {
			t.Fatalf("encoding %d differs", i)
		}
	}
}

func TestLimitCodecRejectsOversizedInput(t *testing.T) {
	inner := Msgpack[string]{}
	b, _ := inner.Encode(strings.Repeat("x", 100))

	_, err := LimitCodec[string]{Inner: inner, MaxDecode: 50}.Decode(b)
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("err=%v want too large", err)
	}
	got, err := LimitCodec[string]{Inner: inner, MaxDecode: 0}.Decode(b)
	if err != nil || len(got) != 100 {
		t.Fatalf("unlimited decode=%d,%v", len(got), err)
	}
}
