package codec

import "encoding/json"

// JSON is the codec used for size accounting: the byte length of a payload is
// the length of its JSON form, independent of the record codec in use.
type JSON[V any] struct{}

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }
func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}
