// Copyright 2025 Certen Protocol
//
// Error taxonomy for the block storage engine.
// Expected conditions are sentinel errors matched with errors.Is; failures
// carrying diagnostics are typed errors matched with errors.As. Transient
// environmental errors are distinguished from permanent precondition
// violations so callers can decide whether to retry.

package storage

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Sentinel errors for expected conditions. Surfaced to the caller, not
// logged at error level.
var (
	// ErrBlockNotFound is returned when no record exists for a block hash.
	ErrBlockNotFound = errors.New("block not found")

	// ErrHeightNotFound is returned when no record exists at a height.
	ErrHeightNotFound = errors.New("height not found")

	// ErrTransactionNotFound is returned when a transaction hash has no
	// location entry.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrBlockExists is returned when a record for the block hash is
	// already stored, or a second differing genesis is written.
	ErrBlockExists = errors.New("block already exists")

	// ErrTransactionExists is returned when a batch would map an already
	// indexed transaction hash to a different block.
	ErrTransactionExists = errors.New("transaction already indexed for a different block")

	// ErrInvalidFinalization is returned when finalization would not
	// strictly increase the finalized height.
	ErrInvalidFinalization = errors.New("finalization height must strictly increase")

	// ErrUnsupportedStorageVersion is returned when opening a store whose
	// metadata carries a version newer than this engine supports.
	ErrUnsupportedStorageVersion = errors.New("unsupported storage version")
)

// ParentNotFoundError reports a parent-continuity violation.
type ParentNotFoundError struct {
	ParentHash common.Hash
	Height     uint64
}

func (e *ParentNotFoundError) Error() string {
	return fmt.Sprintf("parent %s not found for height %d", e.ParentHash.Hex(), e.Height)
}

// BlockTooLargeError reports a record whose serialized size exceeds the
// configured maximum.
type BlockTooLargeError struct {
	BlockHash common.Hash
	Size      int
	Max       int
}

func (e *BlockTooLargeError) Error() string {
	return fmt.Sprintf("block %s serialized size %d exceeds maximum %d", e.BlockHash.Hex(), e.Size, e.Max)
}

// DiskFullError reports insufficient disk headroom for a write.
type DiskFullError struct {
	FreePercent float64
	MinPercent  float64
}

func (e *DiskFullError) Error() string {
	return fmt.Sprintf("disk free space %.2f%% below required %.2f%%", e.FreePercent, e.MinPercent)
}

// DataCorruptionError reports a checksum mismatch on read. Always critical,
// always requires manual intervention.
type DataCorruptionError struct {
	BlockHash common.Hash
	Expected  uint32
	Actual    uint32
}

func (e *DataCorruptionError) Error() string {
	return fmt.Sprintf("data corruption in block %s: expected checksum %08x, got %08x",
		e.BlockHash.Hex(), e.Expected, e.Actual)
}

// DatabaseError wraps a failure surfaced by the KV backend.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database error during %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// IOFailureError wraps a filesystem-level failure (e.g. the disk probe).
type IOFailureError struct {
	Op  string
	Err error
}

func (e *IOFailureError) Error() string {
	return fmt.Sprintf("io failure during %s: %v", e.Op, e.Err)
}

func (e *IOFailureError) Unwrap() error { return e.Err }

// IsTransient reports whether an error from a write is worth retrying:
// backend and environment failures are, precondition violations are not.
// The assembler uses this to decide between retaining and purging a
// pending assembly after a failed batch write.
func IsTransient(err error) bool {
	var dbErr *DatabaseError
	var ioErr *IOFailureError
	var diskErr *DiskFullError
	return errors.As(err, &dbErr) || errors.As(err, &ioErr) || errors.As(err, &diskErr)
}
