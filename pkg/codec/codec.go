// Package codec is the single place every component turns a types.* entity
// into the bytes the Store persists and back, mirroring the generic
// keyspace helpers in the encoredev-encore runtime's storage/cache package.
package codec

import "encoding/json"

// Encode marshals v for storage.
func Encode[T any](v T) ([]byte, error) {
	return json.Marshal(v)
}

// Decode unmarshals raw into a fresh T.
func Decode[T any](raw []byte) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}
