// Copyright 2025 Certen Protocol
//
// Inbound payload catalog for the block storage engine.
// Each payload kind names a single operation; the engine dispatches by
// kind and enforces the per-kind sender whitelist before touching any
// state. Payloads carry no identity fields: the envelope sender_id is the
// sole source of sender identity.

package protocol

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/certen/block-storage-engine/pkg/types"
)

// PayloadKind discriminates the inbound payload sum type.
type PayloadKind string

const (
	KindValidatedBlock PayloadKind = "validated_block"
	KindMerkleRoot     PayloadKind = "merkle_root_computed"
	KindStateRoot      PayloadKind = "state_root_computed"
	KindMarkFinalized  PayloadKind = "mark_finalized"
	KindReadBlock      PayloadKind = "read_block"
	KindReadRange      PayloadKind = "read_range"
	KindTxLocation     PayloadKind = "get_transaction_location"
	KindTxHashes       PayloadKind = "get_transaction_hashes"

	// Response and event kinds (outbound).
	KindReadBlockResponse  PayloadKind = "read_block_response"
	KindReadRangeResponse  PayloadKind = "read_range_response"
	KindTxLocationResponse PayloadKind = "transaction_location_response"
	KindTxHashesResponse   PayloadKind = "transaction_hashes_response"
	KindFinalizedResponse  PayloadKind = "mark_finalized_response"
	KindStoredEvent        PayloadKind = "block_stored"
	KindFinalizedEvent     PayloadKind = "block_finalized"
	KindTimeoutEvent       PayloadKind = "assembly_timeout"
	KindCriticalEvent      PayloadKind = "critical"
)

// ValidatedBlockEvent delivers a consensus-validated block.
type ValidatedBlockEvent struct {
	Block types.Block `json:"block"`
}

// MerkleRootEvent delivers the transactions-merkle root for a block.
type MerkleRootEvent struct {
	BlockHash  common.Hash `json:"block_hash"`
	MerkleRoot common.Hash `json:"merkle_root"`
}

// StateRootEvent delivers the post-execution state root for a block.
type StateRootEvent struct {
	BlockHash common.Hash `json:"block_hash"`
	StateRoot common.Hash `json:"state_root"`
}

// MarkFinalizedRequest asks the engine to mark a height final.
type MarkFinalizedRequest struct {
	Height uint64 `json:"height"`
}

// ReadBlockRequest reads a record by hash or by height. Exactly one
// selector is set.
type ReadBlockRequest struct {
	BlockHash *common.Hash `json:"block_hash,omitempty"`
	Height    *uint64      `json:"height,omitempty"`
}

// ReadRangeRequest reads an ascending run of records for sync. Limit is
// capped server-side regardless of the requested value.
type ReadRangeRequest struct {
	StartHeight uint64 `json:"start_height"`
	Limit       int    `json:"limit"`
}

// TxLocationRequest resolves a transaction hash to its block location.
type TxLocationRequest struct {
	TxHash common.Hash `json:"tx_hash"`
}

// TxHashesRequest lists a block's transaction hashes for proof building.
type TxHashesRequest struct {
	BlockHash common.Hash `json:"block_hash"`
}

// ====== Responses ======

// ErrorInfo is the typed error half of a response payload.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ReadBlockResponse answers ReadBlockRequest.
type ReadBlockResponse struct {
	Record *types.StoredRecord `json:"record,omitempty"`
	Error  *ErrorInfo          `json:"error,omitempty"`
}

// ReadRangeResponse answers ReadRangeRequest.
type ReadRangeResponse struct {
	Records []*types.StoredRecord `json:"records,omitempty"`
	Error   *ErrorInfo            `json:"error,omitempty"`
}

// TxLocationResponse answers TxLocationRequest.
type TxLocationResponse struct {
	Location *types.TransactionLocation `json:"location,omitempty"`
	Error    *ErrorInfo                 `json:"error,omitempty"`
}

// TxHashesResponse answers TxHashesRequest.
type TxHashesResponse struct {
	TxHashes   []common.Hash `json:"tx_hashes,omitempty"`
	MerkleRoot common.Hash   `json:"merkle_root"`
	Error      *ErrorInfo    `json:"error,omitempty"`
}

// MarkFinalizedResponse answers MarkFinalizedRequest.
type MarkFinalizedResponse struct {
	Height uint64     `json:"height"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

// ====== Sender authorization ======

// readAuthorized is the set of subsystems allowed to issue read requests.
var readAuthorized = map[types.SubsystemID]bool{
	types.SubsystemConsensus:       true,
	types.SubsystemTxIndexing:      true,
	types.SubsystemStateManagement: true,
	types.SubsystemFinality:        true,
}

// senderWhitelist binds each mutating or indexed payload kind to its single
// designated producer.
var senderWhitelist = map[PayloadKind]types.SubsystemID{
	KindValidatedBlock: types.SubsystemConsensus,
	KindMerkleRoot:     types.SubsystemTxIndexing,
	KindStateRoot:      types.SubsystemStateManagement,
	KindMarkFinalized:  types.SubsystemFinality,
	KindTxLocation:     types.SubsystemTxIndexing,
	KindTxHashes:       types.SubsystemTxIndexing,
}

// UnauthorizedSenderError reports a whitelist violation. Logged at warn,
// never answered, never triggers a ban.
type UnauthorizedSenderError struct {
	Kind   PayloadKind
	Sender types.SubsystemID
}

func (e *UnauthorizedSenderError) Error() string {
	return fmt.Sprintf("sender %q not authorized for %q", e.Sender, e.Kind)
}

// Authorize enforces the per-kind sender whitelist.
func Authorize(kind PayloadKind, sender types.SubsystemID) error {
	if want, ok := senderWhitelist[kind]; ok {
		if sender != want {
			return &UnauthorizedSenderError{Kind: kind, Sender: sender}
		}
		return nil
	}
	switch kind {
	case KindReadBlock, KindReadRange:
		if !readAuthorized[sender] {
			return &UnauthorizedSenderError{Kind: kind, Sender: sender}
		}
		return nil
	}
	return &UnauthorizedSenderError{Kind: kind, Sender: sender}
}
