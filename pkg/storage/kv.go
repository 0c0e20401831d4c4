// Copyright 2025 Certen Protocol
//
// Key-value port consumed by the record store. The backend must provide
// atomic multi-operation batches; no mutating access happens outside them
// except the single-key metadata puts used by finalization and by the first
// open of a fresh store.

package storage

// KV is the key-value backend port.
type KV interface {
	// Get returns the value for key, or nil if the key is absent.
	Get(key []byte) ([]byte, error)

	// Has reports whether key exists without loading its value.
	Has(key []byte) (bool, error)

	// Set durably writes a single key.
	Set(key, value []byte) error

	// Delete removes a single key. Missing keys are not an error.
	Delete(key []byte) error

	// Iterate walks keys in [start, end) in ascending lexicographic order,
	// calling fn for each pair. Returning stop=true ends the walk early.
	Iterate(start, end []byte, fn func(key, value []byte) (stop bool, err error)) error

	// NewBatch starts an atomic multi-operation batch. All operations in a
	// written batch are applied or none are.
	NewBatch() Batch
}

// Batch is an atomic set of key-value operations.
type Batch interface {
	Set(key, value []byte) error
	Delete(key []byte) error

	// Write durably applies the whole batch as a single unit.
	Write() error

	// Close releases the batch. Safe to call after Write.
	Close() error
}
