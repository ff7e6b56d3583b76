// Package codec is the single wire codec shared by the master, the
// worker, and the client engine (spec.md §6: "implementations must use
// a single codec across all endpoints so master and client speak it
// identically"). It is built on encoding/gob the way net/rpc uses gob
// between two Go processes: self-describing enough to round-trip the
// data model's dynamically-typed values without a schema on the wire.
package codec

import (
	"bytes"
	"encoding/gob"
)

func init() {
	// Concrete types that flow through map[string]any / []any values
	// (packed arguments, return values, factor lists, ...) must be
	// registered so gob can decode them back out of an interface.
	gob.Register(int(0))
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register(string(""))
	gob.Register(bool(false))
	gob.Register([]any{})
	gob.Register([]int{})
	gob.Register([]string{})
	gob.Register(map[string]any{})
}

// Encode serializes v into the wire format.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode deserializes data into v, which must be a pointer.
func Decode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
