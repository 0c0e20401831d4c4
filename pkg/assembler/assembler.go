// Copyright 2025 Certen Protocol
//
// Stateful Assembler - Correlates the three per-block event streams
//
// The assembler:
// - Buffers partial assemblies keyed by block hash
// - Merges validated-block, merkle-root, and state-root events in any order
// - Triggers the atomic durable write exactly when all three are present
// - Purges entries by timeout and evicts the oldest at capacity
// - Rejects conflicting slot values as protocol violations
//
// CONCURRENCY: the assembler is owned by the engine's ingress loop. The
// internal mutex exists so the metrics/stats snapshot can be taken from
// other goroutines; all mutations come from the single loop.

package assembler

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/certen/block-storage-engine/pkg/logging"
	"github.com/certen/block-storage-engine/pkg/metrics"
	"github.com/certen/block-storage-engine/pkg/storage"
	"github.com/certen/block-storage-engine/pkg/types"
)

// Writer is the narrow store surface the assembler invokes. The store
// never calls back into the assembler.
type Writer interface {
	WriteBlock(block *types.Block, merkleRoot, stateRoot common.Hash) (*types.StoredRecord, error)
	BlockExists(hash common.Hash) (bool, error)
}

// ProtocolViolationError reports an event whose slot is already filled
// with a different value. The existing slot stays intact.
type ProtocolViolationError struct {
	BlockHash    common.Hash
	Slot         string
	ExistingCorr uuid.UUID
	IncomingCorr uuid.UUID
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation: conflicting %s for block %s (existing correlation %s, incoming %s)",
		e.Slot, e.BlockHash.Hex(), e.ExistingCorr, e.IncomingCorr)
}

// pendingAssembly is a partial assembly. Created lazily by whichever of
// the three events arrives first; destroyed on completion or purge.
type pendingAssembly struct {
	blockHash common.Hash
	startedAt time.Time

	block     *types.Block
	blockCorr uuid.UUID

	merkleRoot *common.Hash
	merkleCorr uuid.UUID

	stateRoot *common.Hash
	stateCorr uuid.UUID
}

func (p *pendingAssembly) complete() bool {
	return p.block != nil && p.merkleRoot != nil && p.stateRoot != nil
}

// PendingInfo is a read-only snapshot of a pending assembly, used for
// timeout events and engine stats.
type PendingInfo struct {
	BlockHash       common.Hash
	BlockHeight     *uint64 // known only once the validated block arrived
	HadBlock        bool
	HadMerkle       bool
	HadState        bool
	StartedAt       time.Time
	PendingDuration time.Duration
}

// Completion reports a finished assembly whose record is durable.
type Completion struct {
	Record      *types.StoredRecord
	FirstSlotAt time.Time
}

// AddResult is returned by every Add call. Completed is set when this
// event finished the assembly and the write succeeded; Evicted is set when
// inserting a new entry purged the oldest one at capacity; AlreadyStored
// is set when the event targeted a block that is already durable.
type AddResult struct {
	Completed     *Completion
	Evicted       *PendingInfo
	AlreadyStored bool
}

// Config holds assembler configuration.
type Config struct {
	Timeout    time.Duration // purge age for incomplete assemblies
	MaxPending int           // buffer capacity
	Clock      clockwork.Clock
	Logger     *logging.Logger
	Metrics    *metrics.Metrics
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		Timeout:    30 * time.Second,
		MaxPending: 1000,
	}
}

// Assembler manages the bounded pending-assembly buffer.
type Assembler struct {
	mu      sync.Mutex
	pending map[common.Hash]*pendingAssembly

	writer     Writer
	timeout    time.Duration
	maxPending int
	clock      clockwork.Clock
	logger     *logging.Logger
	metrics    *metrics.Metrics
}

// New creates an assembler writing completed records through writer.
func New(writer Writer, cfg *Config) (*Assembler, error) {
	if writer == nil {
		return nil, fmt.Errorf("writer cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	a := &Assembler{
		pending:    make(map[common.Hash]*pendingAssembly),
		writer:     writer,
		timeout:    cfg.Timeout,
		maxPending: cfg.MaxPending,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
	if a.timeout <= 0 {
		a.timeout = 30 * time.Second
	}
	if a.maxPending <= 0 {
		a.maxPending = 1000
	}
	if a.clock == nil {
		a.clock = clockwork.NewRealClock()
	}
	if a.logger == nil {
		a.logger = logging.NewNopLogger()
	}
	return a, nil
}

// AddBlock merges a validated-block event.
func (a *Assembler) AddBlock(corrID uuid.UUID, block *types.Block) (*AddResult, error) {
	if block == nil {
		return nil, fmt.Errorf("block cannot be nil")
	}
	return a.apply(block.Hash, func(p *pendingAssembly) error {
		if p.block != nil {
			if p.block.Hash == block.Hash && p.block.Height == block.Height && p.block.ParentHash == block.ParentHash {
				a.logger.Debug("duplicate validated-block event", "hash", block.Hash.Hex(), "correlation_id", corrID)
				return nil
			}
			return &ProtocolViolationError{BlockHash: block.Hash, Slot: "validated block", ExistingCorr: p.blockCorr, IncomingCorr: corrID}
		}
		p.block = block
		p.blockCorr = corrID
		return nil
	})
}

// AddMerkleRoot merges a merkle-root-computed event.
func (a *Assembler) AddMerkleRoot(corrID uuid.UUID, blockHash, root common.Hash) (*AddResult, error) {
	return a.apply(blockHash, func(p *pendingAssembly) error {
		if p.merkleRoot != nil {
			if *p.merkleRoot == root {
				a.logger.Debug("duplicate merkle-root event", "hash", blockHash.Hex(), "correlation_id", corrID)
				return nil
			}
			return &ProtocolViolationError{BlockHash: blockHash, Slot: "merkle root", ExistingCorr: p.merkleCorr, IncomingCorr: corrID}
		}
		r := root
		p.merkleRoot = &r
		p.merkleCorr = corrID
		return nil
	})
}

// AddStateRoot merges a state-root-computed event.
func (a *Assembler) AddStateRoot(corrID uuid.UUID, blockHash, root common.Hash) (*AddResult, error) {
	return a.apply(blockHash, func(p *pendingAssembly) error {
		if p.stateRoot != nil {
			if *p.stateRoot == root {
				a.logger.Debug("duplicate state-root event", "hash", blockHash.Hex(), "correlation_id", corrID)
				return nil
			}
			return &ProtocolViolationError{BlockHash: blockHash, Slot: "state root", ExistingCorr: p.stateCorr, IncomingCorr: corrID}
		}
		r := root
		p.stateRoot = &r
		p.stateCorr = corrID
		return nil
	})
}

// apply merges one event into the entry for blockHash, creating the entry
// if needed and completing the assembly when the third slot lands.
func (a *Assembler) apply(blockHash common.Hash, fill func(*pendingAssembly) error) (*AddResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := &AddResult{}

	entry, ok := a.pending[blockHash]
	if !ok {
		stored, err := a.writer.BlockExists(blockHash)
		if err != nil {
			return nil, err
		}
		if stored {
			// The record is already durable; a late event is not an error.
			a.logger.Debug("event for completed assembly, ignoring", "hash", blockHash.Hex())
			result.AlreadyStored = true
			return result, nil
		}

		result.Evicted = a.makeRoomLocked()
		entry = &pendingAssembly{
			blockHash: blockHash,
			startedAt: a.clock.Now(),
		}
		a.pending[blockHash] = entry
	}

	if err := fill(entry); err != nil {
		return nil, err
	}

	if entry.complete() {
		completion, err := a.completeLocked(entry)
		if err != nil {
			a.updateGaugeLocked()
			return nil, err
		}
		result.Completed = completion
	}

	a.updateGaugeLocked()
	return result, nil
}

// completeLocked runs the final critical section: the atomic batch write.
// Transient failures leave the entry in place so a retry can recover;
// permanent precondition failures purge it.
func (a *Assembler) completeLocked(entry *pendingAssembly) (*Completion, error) {
	record, err := a.writer.WriteBlock(entry.block, *entry.merkleRoot, *entry.stateRoot)
	if err != nil {
		if storage.IsTransient(err) {
			a.logger.Warn("assembly write failed, retaining for retry",
				"hash", entry.blockHash.Hex(), "error", err)
			return nil, err
		}
		delete(a.pending, entry.blockHash)
		a.logger.Warn("assembly write failed, purging",
			"hash", entry.blockHash.Hex(), "error", err)
		return nil, err
	}

	delete(a.pending, entry.blockHash)
	if a.metrics != nil {
		a.metrics.AssemblyCompletions.Inc()
		a.metrics.AssemblyLatency.Observe(a.clock.Since(entry.startedAt).Seconds())
	}
	a.logger.Info("assembly completed",
		"height", record.Block.Height,
		"hash", entry.blockHash.Hex(),
		"pending_for", a.clock.Since(entry.startedAt))

	return &Completion{Record: record, FirstSlotAt: entry.startedAt}, nil
}

// makeRoomLocked purges the oldest pending entry when the buffer is at
// capacity. Deterministic starvation defence: oldest started_at loses.
func (a *Assembler) makeRoomLocked() *PendingInfo {
	if len(a.pending) < a.maxPending {
		return nil
	}

	var oldest *pendingAssembly
	for _, p := range a.pending {
		if oldest == nil || p.startedAt.Before(oldest.startedAt) {
			oldest = p
		}
	}
	if oldest == nil {
		return nil
	}

	delete(a.pending, oldest.blockHash)
	if a.metrics != nil {
		a.metrics.AssemblyEvictions.Inc()
	}
	info := a.snapshotLocked(oldest)
	a.logger.Warn("pending buffer full, evicting oldest assembly",
		"hash", oldest.blockHash.Hex(), "pending_for", info.PendingDuration)
	return &info
}

// Sweep purges every entry older than the timeout and returns their
// snapshots so the engine can emit one timeout event each.
func (a *Assembler) Sweep() []PendingInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	var purged []PendingInfo
	for hash, p := range a.pending {
		if now.Sub(p.startedAt) > a.timeout {
			purged = append(purged, a.snapshotLocked(p))
			delete(a.pending, hash)
			if a.metrics != nil {
				a.metrics.AssemblyTimeouts.Inc()
			}
		}
	}
	a.updateGaugeLocked()
	return purged
}

// Flush purges every pending entry regardless of age. Called on shutdown;
// incomplete assemblies are reported, not persisted.
func (a *Assembler) Flush() []PendingInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	purged := make([]PendingInfo, 0, len(a.pending))
	for hash, p := range a.pending {
		purged = append(purged, a.snapshotLocked(p))
		delete(a.pending, hash)
		if a.metrics != nil {
			a.metrics.AssemblyTimeouts.Inc()
		}
	}
	a.updateGaugeLocked()
	return purged
}

// Len returns the pending buffer size.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *Assembler) snapshotLocked(p *pendingAssembly) PendingInfo {
	info := PendingInfo{
		BlockHash:       p.blockHash,
		HadBlock:        p.block != nil,
		HadMerkle:       p.merkleRoot != nil,
		HadState:        p.stateRoot != nil,
		StartedAt:       p.startedAt,
		PendingDuration: a.clock.Since(p.startedAt),
	}
	if p.block != nil {
		h := p.block.Height
		info.BlockHeight = &h
	}
	return info
}

func (a *Assembler) updateGaugeLocked() {
	if a.metrics != nil {
		a.metrics.PendingAssemblies.Set(float64(len(a.pending)))
	}
}
