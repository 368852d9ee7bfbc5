package memory

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Serialize renders a value to its canonical byte form. encoding/json
// sorts map keys, so equal values always serialize identically.
func Serialize(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("serialize value: %w", err)
	}
	return data, nil
}

// Checksum hashes the canonical serialization of value. The entry
// invariant is Metadata.Checksum == Checksum(Value) whenever the entry
// is valid.
func Checksum(value any) (string, error) {
	data, err := Serialize(value)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(xxhash.Sum64(data), 16), nil
}

// ValueSize returns the serialized size of value in bytes, 0 when the
// value cannot be serialized.
func ValueSize(value any) int {
	data, err := Serialize(value)
	if err != nil {
		return 0
	}
	return len(data)
}
