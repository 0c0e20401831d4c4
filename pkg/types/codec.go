// Copyright 2025 Certen Protocol
//
// Canonical serialization port. The engine requires determinism and
// round-trip identity from its serializer; the default implementation is
// encoding/json, which is deterministic for struct types (fixed field
// order, canonical number and hex-hash encoding).

package types

import (
	"encoding/json"
	"fmt"
)

// Serializer produces deterministic byte representations of records and
// metadata. Identical logical values must produce byte-identical output.
type Serializer interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// JSONSerializer is the default Serializer.
type JSONSerializer struct{}

// Marshal implements Serializer.
func (JSONSerializer) Marshal(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	return b, nil
}

// Unmarshal implements Serializer.
func (JSONSerializer) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %T: %w", v, err)
	}
	return nil
}
