// Copyright 2025 Certen Protocol
//
// Published event payloads: storage completions, finalizations, assembly
// timeouts, and critical conditions requiring operator attention.

package protocol

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Well-known bus topics the engine publishes to.
const (
	TopicStored    = "block-storage.stored"
	TopicFinalized = "block-storage.finalized"
	TopicTimeout   = "block-storage.assembly-timeout"
	TopicCritical  = "block-storage.critical"
)

// StoredEvent is published after every successful record write, once the
// backend has confirmed the atomic batch.
type StoredEvent struct {
	Height     uint64      `json:"height"`
	BlockHash  common.Hash `json:"block_hash"`
	MerkleRoot common.Hash `json:"merkle_root"`
	StateRoot  common.Hash `json:"state_root"`
	StoredAt   uint64      `json:"stored_at"`
}

// FinalizedEvent is published after every successful finalization.
type FinalizedEvent struct {
	Height                  uint64      `json:"height"`
	BlockHash               common.Hash `json:"block_hash"`
	PreviousFinalizedHeight uint64      `json:"previous_finalized_height"`
}

// TimeoutEvent is published for every purged incomplete assembly,
// recording which slots were filled and how long the entry was pending.
type TimeoutEvent struct {
	BlockHash       common.Hash   `json:"block_hash"`
	BlockHeight     *uint64       `json:"block_height,omitempty"` // known only once the validated block arrived
	HadBlock        bool          `json:"had_block"`
	HadMerkle       bool          `json:"had_merkle"`
	HadState        bool          `json:"had_state"`
	PendingDuration time.Duration `json:"pending_duration"`
	PurgedAt        uint64        `json:"purged_at"`
}

// CriticalKind classifies unrecoverable conditions.
type CriticalKind string

const (
	CriticalDiskFull        CriticalKind = "DiskFull"
	CriticalDataCorruption  CriticalKind = "DataCorruption"
	CriticalDatabaseFailure CriticalKind = "DatabaseFailure"
	CriticalIOFailure       CriticalKind = "IOFailure"
)

// CriticalEvent is published for unrecoverable conditions. DataCorruption
// and DatabaseFailure always require manual intervention.
type CriticalEvent struct {
	Kind                       CriticalKind `json:"kind"`
	Message                    string       `json:"message"`
	AffectedBlock              *common.Hash `json:"affected_block,omitempty"`
	AffectedHeight             *uint64      `json:"affected_height,omitempty"`
	Timestamp                  uint64       `json:"timestamp"`
	RequiresManualIntervention bool         `json:"requires_manual_intervention"`
}
