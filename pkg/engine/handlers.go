// Copyright 2025 Certen Protocol
//
// Inbound dispatch: envelope verification, sender authorization, and one
// handler per payload kind. Envelope failures yield no response at all;
// business errors become typed response payloads under the request's
// correlation ID.

package engine

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/certen/block-storage-engine/pkg/assembler"
	"github.com/certen/block-storage-engine/pkg/envelope"
	"github.com/certen/block-storage-engine/pkg/protocol"
	"github.com/certen/block-storage-engine/pkg/storage"
	"github.com/certen/block-storage-engine/pkg/types"
)

func (e *Engine) handle(env *envelope.Envelope) {
	if err := e.verifier.Verify(env); err != nil {
		// Unauthenticated input: drop, warn, never respond.
		e.logger.Warn("dropping invalid envelope",
			"sender", env.Sender, "kind", env.Kind, "error", err)
		return
	}

	if err := protocol.Authorize(env.Kind, env.Sender); err != nil {
		if e.metrics != nil {
			e.metrics.UnauthorizedRejections.Inc()
		}
		e.logger.Warn("dropping unauthorized message",
			"sender", env.Sender, "kind", env.Kind,
			"correlation_id", env.CorrelationID.String())
		return
	}

	switch env.Kind {
	case protocol.KindValidatedBlock:
		e.handleValidatedBlock(env)
	case protocol.KindMerkleRoot:
		e.handleMerkleRoot(env)
	case protocol.KindStateRoot:
		e.handleStateRoot(env)
	case protocol.KindMarkFinalized:
		e.handleMarkFinalized(env)
	case protocol.KindReadBlock:
		e.handleReadBlock(env)
	case protocol.KindReadRange:
		e.handleReadRange(env)
	case protocol.KindTxLocation:
		e.handleTxLocation(env)
	case protocol.KindTxHashes:
		e.handleTxHashes(env)
	default:
		e.logger.Warn("unknown payload kind", "kind", env.Kind, "sender", env.Sender)
	}
}

// ====== Assembly events ======

func (e *Engine) handleValidatedBlock(env *envelope.Envelope) {
	var ev protocol.ValidatedBlockEvent
	if err := env.DecodePayload(&ev); err != nil {
		e.logger.Warn("malformed validated-block payload", "error", err)
		return
	}
	result, err := e.asm.AddBlock(env.CorrelationID, &ev.Block)
	e.finishAssemblyEvent(result, err, ev.Block.Hash, &ev.Block.Height)
}

func (e *Engine) handleMerkleRoot(env *envelope.Envelope) {
	var ev protocol.MerkleRootEvent
	if err := env.DecodePayload(&ev); err != nil {
		e.logger.Warn("malformed merkle-root payload", "error", err)
		return
	}
	result, err := e.asm.AddMerkleRoot(env.CorrelationID, ev.BlockHash, ev.MerkleRoot)
	e.finishAssemblyEvent(result, err, ev.BlockHash, nil)
}

func (e *Engine) handleStateRoot(env *envelope.Envelope) {
	var ev protocol.StateRootEvent
	if err := env.DecodePayload(&ev); err != nil {
		e.logger.Warn("malformed state-root payload", "error", err)
		return
	}
	result, err := e.asm.AddStateRoot(env.CorrelationID, ev.BlockHash, ev.StateRoot)
	e.finishAssemblyEvent(result, err, ev.BlockHash, nil)
}

// finishAssemblyEvent emits the events an assembly step produced: Stored
// on completion, a timeout event for a capacity eviction, and a critical
// event for environmental failures.
func (e *Engine) finishAssemblyEvent(result *assembler.AddResult, err error, blockHash common.Hash, height *uint64) {
	if err != nil {
		var violation *assembler.ProtocolViolationError
		if errors.As(err, &violation) {
			e.logger.Warn("assembly protocol violation", "error", violation)
			return
		}
		e.logger.Warn("assembly step failed", "hash", blockHash.Hex(), "error", err)
		e.emitCriticalForError(err, &blockHash, height)
		return
	}

	if result.Evicted != nil {
		e.emitTimeout(*result.Evicted)
	}
	if result.Completed != nil {
		rec := result.Completed.Record
		e.emitter.EmitStored(&protocol.StoredEvent{
			Height:     rec.Block.Height,
			BlockHash:  rec.Block.Hash,
			MerkleRoot: rec.MerkleRoot,
			StateRoot:  rec.StateRoot,
			StoredAt:   rec.StoredAt,
		})
	}
}

func (e *Engine) emitTimeout(info assembler.PendingInfo) {
	e.emitter.EmitTimeout(&protocol.TimeoutEvent{
		BlockHash:       info.BlockHash,
		BlockHeight:     info.BlockHeight,
		HadBlock:        info.HadBlock,
		HadMerkle:       info.HadMerkle,
		HadState:        info.HadState,
		PendingDuration: info.PendingDuration,
		PurgedAt:        uint64(e.clock.Now().Unix()),
	})
}

// ====== Finalization ======

func (e *Engine) handleMarkFinalized(env *envelope.Envelope) {
	var req protocol.MarkFinalizedRequest
	if err := env.DecodePayload(&req); err != nil {
		e.logger.Warn("malformed mark-finalized payload", "error", err)
		return
	}

	previous, _, err := e.store.MarkFinalized(req.Height)
	if err != nil {
		e.logger.Warn("finalization rejected", "height", req.Height, "error", err)
		e.emitCriticalForError(err, nil, &req.Height)
		e.respond(env, protocol.KindFinalizedResponse, &protocol.MarkFinalizedResponse{
			Height: req.Height,
			Error:  errorInfo(err),
		})
		return
	}

	blockHash, err := e.store.BlockHashAtHeight(req.Height)
	if err != nil {
		e.logger.Error("failed to resolve finalized block hash", "height", req.Height, "error", err)
	}
	e.emitter.EmitFinalized(&protocol.FinalizedEvent{
		Height:                  req.Height,
		BlockHash:               blockHash,
		PreviousFinalizedHeight: previous,
	})
	e.respond(env, protocol.KindFinalizedResponse, &protocol.MarkFinalizedResponse{Height: req.Height})
}

// ====== Reads ======

func (e *Engine) handleReadBlock(env *envelope.Envelope) {
	var req protocol.ReadBlockRequest
	if err := env.DecodePayload(&req); err != nil {
		e.logger.Warn("malformed read-block payload", "error", err)
		return
	}

	var (
		record *types.StoredRecord
		err    error
	)
	switch {
	case req.BlockHash != nil:
		record, err = e.store.ReadBlock(*req.BlockHash)
	case req.Height != nil:
		record, err = e.store.ReadBlockByHeight(*req.Height)
	default:
		e.logger.Warn("read-block request without selector", "sender", env.Sender)
		return
	}

	resp := &protocol.ReadBlockResponse{Record: record}
	if err != nil {
		e.emitCriticalForError(err, req.BlockHash, req.Height)
		resp.Error = errorInfo(err)
		resp.Record = nil
	}
	e.respond(env, protocol.KindReadBlockResponse, resp)
}

func (e *Engine) handleReadRange(env *envelope.Envelope) {
	var req protocol.ReadRangeRequest
	if err := env.DecodePayload(&req); err != nil {
		e.logger.Warn("malformed read-range payload", "error", err)
		return
	}

	records, err := e.store.ReadBlockRange(req.StartHeight, req.Limit)
	resp := &protocol.ReadRangeResponse{Records: records}
	if err != nil {
		e.emitCriticalForError(err, nil, &req.StartHeight)
		resp.Error = errorInfo(err)
		resp.Records = nil
	}
	e.respond(env, protocol.KindReadRangeResponse, resp)
}

func (e *Engine) handleTxLocation(env *envelope.Envelope) {
	var req protocol.TxLocationRequest
	if err := env.DecodePayload(&req); err != nil {
		e.logger.Warn("malformed transaction-location payload", "error", err)
		return
	}

	loc, err := e.store.TransactionLocation(req.TxHash)
	resp := &protocol.TxLocationResponse{Location: loc}
	if err != nil {
		resp.Error = errorInfo(err)
		resp.Location = nil
	}
	e.respond(env, protocol.KindTxLocationResponse, resp)
}

func (e *Engine) handleTxHashes(env *envelope.Envelope) {
	var req protocol.TxHashesRequest
	if err := env.DecodePayload(&req); err != nil {
		e.logger.Warn("malformed transaction-hashes payload", "error", err)
		return
	}

	hashes, merkleRoot, err := e.store.TransactionHashesForBlock(req.BlockHash)
	resp := &protocol.TxHashesResponse{TxHashes: hashes, MerkleRoot: merkleRoot}
	if err != nil {
		e.emitCriticalForError(err, &req.BlockHash, nil)
		resp.Error = errorInfo(err)
		resp.TxHashes = nil
	}
	e.respond(env, protocol.KindTxHashesResponse, resp)
}

// respond publishes a signed response to the request's reply topic,
// reusing its correlation ID. Requests without a reply topic get none.
func (e *Engine) respond(req *envelope.Envelope, kind protocol.PayloadKind, payload interface{}) {
	if req.ReplyTo == nil {
		e.logger.Debug("request without reply topic", "kind", req.Kind, "sender", req.Sender)
		return
	}
	resp, err := e.signer.NewEnvelope(req.Sender, kind, payload, req.CorrelationID, nil)
	if err != nil {
		e.logger.Error("failed to build response envelope", "kind", kind, "error", err)
		return
	}
	if err := e.pub.Publish(req.ReplyTo.String(), resp); err != nil {
		e.logger.Warn("response publish failed", "topic", req.ReplyTo.String(), "error", err)
	}
}

// ====== Error mapping ======

// emitCriticalForError publishes a critical event for unrecoverable
// conditions; everything else is a no-op.
func (e *Engine) emitCriticalForError(err error, blockHash *common.Hash, height *uint64) {
	var (
		corruption *storage.DataCorruptionError
		diskFull   *storage.DiskFullError
		dbErr      *storage.DatabaseError
		ioErr      *storage.IOFailureError
	)

	ev := &protocol.CriticalEvent{
		Message:        err.Error(),
		AffectedBlock:  blockHash,
		AffectedHeight: height,
		Timestamp:      uint64(e.clock.Now().Unix()),
	}

	switch {
	case errors.As(err, &corruption):
		ev.Kind = protocol.CriticalDataCorruption
		ev.RequiresManualIntervention = true
		affected := corruption.BlockHash
		ev.AffectedBlock = &affected
	case errors.As(err, &diskFull):
		ev.Kind = protocol.CriticalDiskFull
	case errors.As(err, &dbErr):
		ev.Kind = protocol.CriticalDatabaseFailure
		ev.RequiresManualIntervention = true
	case errors.As(err, &ioErr):
		ev.Kind = protocol.CriticalIOFailure
	default:
		return
	}

	e.emitter.EmitCritical(ev)
}

// errorInfo converts a storage error into its typed response form.
func errorInfo(err error) *protocol.ErrorInfo {
	code := "internal"

	var (
		parentErr  *storage.ParentNotFoundError
		tooLarge   *storage.BlockTooLargeError
		diskFull   *storage.DiskFullError
		corruption *storage.DataCorruptionError
		dbErr      *storage.DatabaseError
		ioErr      *storage.IOFailureError
	)
	switch {
	case errors.Is(err, storage.ErrBlockNotFound):
		code = "block_not_found"
	case errors.Is(err, storage.ErrHeightNotFound):
		code = "height_not_found"
	case errors.Is(err, storage.ErrTransactionNotFound):
		code = "transaction_not_found"
	case errors.Is(err, storage.ErrBlockExists):
		code = "block_exists"
	case errors.Is(err, storage.ErrTransactionExists):
		code = "transaction_exists"
	case errors.Is(err, storage.ErrInvalidFinalization):
		code = "invalid_finalization"
	case errors.As(err, &parentErr):
		code = "parent_not_found"
	case errors.As(err, &tooLarge):
		code = "block_too_large"
	case errors.As(err, &diskFull):
		code = "disk_full"
	case errors.As(err, &corruption):
		code = "data_corruption"
	case errors.As(err, &dbErr):
		code = "database_error"
	case errors.As(err, &ioErr):
		code = "io_failure"
	}

	return &protocol.ErrorInfo{Code: code, Message: err.Error()}
}
