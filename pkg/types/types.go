// Copyright 2025 Certen Protocol
//
// Core data model for the block storage engine: the durable record, its
// metadata singleton, and the per-transaction location index entry.
//
// All 32-byte hashes use go-ethereum's common.Hash so hex encoding and
// comparisons are uniform across the engine.

package types

import (
	"github.com/ethereum/go-ethereum/common"
)

// StorageVersion is the current persistent format version. It is stamped
// into fresh metadata and checked on open to gate future migrations.
const StorageVersion uint32 = 1

// SubsystemID identifies a peer subsystem on the message bus.
type SubsystemID string

// Known subsystem identities. The envelope sender_id is the sole source of
// identity; payloads never carry identity fields.
const (
	SubsystemBlockStorage    SubsystemID = "block-storage"
	SubsystemConsensus       SubsystemID = "consensus"
	SubsystemTxIndexing      SubsystemID = "transaction-indexing"
	SubsystemStateManagement SubsystemID = "state-management"
	SubsystemFinality        SubsystemID = "finality"
)

// Block is the validated block payload delivered by the consensus subsystem.
// The engine stores it verbatim; content validation happened upstream.
type Block struct {
	Hash       common.Hash `json:"hash"`
	ParentHash common.Hash `json:"parent_hash"`
	Height     uint64      `json:"height"`
	Timestamp  uint64      `json:"timestamp"` // unix seconds, assigned upstream
	Proposer   string      `json:"proposer"`

	// Transactions holds the canonical bytes of each transaction in block
	// order. Transaction hashes are derived from these bytes by the hasher
	// port; the engine never parses transaction contents.
	Transactions [][]byte `json:"transactions"`
}

// StoredRecord is the durable unit: the validated block plus the two
// assembled roots, the local storage timestamp, and a checksum over the
// canonical serialization of everything before it. Created once per block
// hash, never mutated, never deleted.
type StoredRecord struct {
	Block      Block       `json:"block"`
	MerkleRoot common.Hash `json:"merkle_root"`
	StateRoot  common.Hash `json:"state_root"`
	StoredAt   uint64      `json:"stored_at"` // unix seconds, local clock at write time
	Checksum   uint32      `json:"checksum"`
}

// RecordBody is the checksum material of a StoredRecord: every field except
// the checksum itself. Serialized canonically, identical logical records
// produce byte-identical bodies regardless of event arrival order.
type RecordBody struct {
	Block      Block       `json:"block"`
	MerkleRoot common.Hash `json:"merkle_root"`
	StateRoot  common.Hash `json:"state_root"`
	StoredAt   uint64      `json:"stored_at"`
}

// Body projects the checksum material out of a record.
func (r *StoredRecord) Body() RecordBody {
	return RecordBody{
		Block:      r.Block,
		MerkleRoot: r.MerkleRoot,
		StateRoot:  r.StateRoot,
		StoredAt:   r.StoredAt,
	}
}

// StorageMetadata is the store singleton. Updated in the same atomic batch
// as every record write and finalization.
type StorageMetadata struct {
	// GenesisHash is set exactly once by the first height-0 write and is
	// immutable thereafter.
	GenesisHash common.Hash `json:"genesis_hash"`
	HasGenesis  bool        `json:"has_genesis"`

	LatestHeight uint64 `json:"latest_height"`

	// FinalizedHeight only strictly increases, and only to heights whose
	// records exist. HasFinalized distinguishes "nothing finalized yet"
	// from "height 0 finalized".
	FinalizedHeight uint64 `json:"finalized_height"`
	HasFinalized    bool   `json:"has_finalized"`

	TotalBlocks    uint64 `json:"total_blocks"`
	StorageVersion uint32 `json:"storage_version"`
}

// TransactionLocation maps a transaction hash to the record that contains
// it. The cached merkle root lets upstream Merkle-proof builders verify
// without a second record fetch. Never updated once written.
type TransactionLocation struct {
	BlockHash        common.Hash `json:"block_hash"`
	BlockHeight      uint64      `json:"block_height"`
	TransactionIndex uint32      `json:"transaction_index"`
	MerkleRoot       common.Hash `json:"merkle_root"`
}
