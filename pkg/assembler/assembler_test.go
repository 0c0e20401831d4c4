// Copyright 2025 Certen Protocol
//
// Assembler tests: event-order independence, timeout purges, capacity
// eviction, conflict rejection, and retry retention.

package assembler_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/certen/block-storage-engine/pkg/assembler"
	"github.com/certen/block-storage-engine/pkg/kvdb"
	"github.com/certen/block-storage-engine/pkg/storage"
	"github.com/certen/block-storage-engine/pkg/types"

	dbm "github.com/cometbft/cometbft-db"
)

var (
	hashG  = common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	hash1  = common.HexToHash("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	merkle = common.HexToHash("0xcccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc")
	state  = common.HexToHash("0xdddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd")
)

type fakeDisk struct{}

func (fakeDisk) Usage(string) (*storage.DiskUsage, error) {
	return &storage.DiskUsage{FreePercent: 50}, nil
}

func newStore(t *testing.T, clock clockwork.Clock) *storage.Store {
	t.Helper()
	store, err := storage.OpenStore(kvdb.NewAdapter(dbm.NewMemDB()), &storage.StoreConfig{
		DataDir:             t.TempDir(),
		MinDiskSpacePercent: 5.0,
		VerifyChecksums:     true,
		MaxBlockSize:        10 * 1024 * 1024,
		Disk:                fakeDisk{},
		Clock:               clock,
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	return store
}

func newAssembler(t *testing.T, writer assembler.Writer, clock clockwork.Clock, maxPending int) *assembler.Assembler {
	t.Helper()
	asm, err := assembler.New(writer, &assembler.Config{
		Timeout:    30 * time.Second,
		MaxPending: maxPending,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("failed to create assembler: %v", err)
	}
	return asm
}

func block(hash, parent common.Hash, height uint64) *types.Block {
	return &types.Block{
		Hash:         hash,
		ParentHash:   parent,
		Height:       height,
		Timestamp:    1700000000 + height,
		Proposer:     "validator-1",
		Transactions: [][]byte{[]byte(fmt.Sprintf("tx-%d", height))},
	}
}

func mustComplete(t *testing.T, result *assembler.AddResult, err error) *types.StoredRecord {
	t.Helper()
	if err != nil {
		t.Fatalf("assembly step failed: %v", err)
	}
	if result.Completed == nil {
		t.Fatal("expected completed assembly")
	}
	return result.Completed.Record
}

func seedGenesis(t *testing.T, asm *assembler.Assembler) {
	t.Helper()
	if _, err := asm.AddBlock(uuid.New(), block(hashG, common.Hash{}, 0)); err != nil {
		t.Fatalf("genesis block event failed: %v", err)
	}
	if _, err := asm.AddMerkleRoot(uuid.New(), hashG, merkle); err != nil {
		t.Fatalf("genesis merkle event failed: %v", err)
	}
	result, err := asm.AddStateRoot(uuid.New(), hashG, state)
	mustComplete(t, result, err)
}

func TestAssembly_AllOrderings(t *testing.T) {
	type step func(asm *assembler.Assembler) (*assembler.AddResult, error)
	b := func(asm *assembler.Assembler) (*assembler.AddResult, error) {
		return asm.AddBlock(uuid.New(), block(hash1, hashG, 1))
	}
	m := func(asm *assembler.Assembler) (*assembler.AddResult, error) {
		return asm.AddMerkleRoot(uuid.New(), hash1, merkle)
	}
	s := func(asm *assembler.Assembler) (*assembler.AddResult, error) {
		return asm.AddStateRoot(uuid.New(), hash1, state)
	}

	orderings := [][]step{
		{b, m, s}, {b, s, m}, {m, b, s}, {m, s, b}, {s, b, m}, {s, m, b},
	}

	var reference *types.StoredRecord
	for i, order := range orderings {
		clock := clockwork.NewFakeClock()
		asm := newAssembler(t, newStore(t, clock), clock, 1000)
		seedGenesis(t, asm)

		var (
			result *assembler.AddResult
			err    error
		)
		for j, apply := range order {
			result, err = apply(asm)
			if err != nil {
				t.Fatalf("ordering %d step %d failed: %v", i, j, err)
			}
			if j < len(order)-1 && result.Completed != nil {
				t.Fatalf("ordering %d completed before all slots filled", i)
			}
		}
		record := mustComplete(t, result, err)

		if record.Block.Hash != hash1 || record.MerkleRoot != merkle || record.StateRoot != state {
			t.Fatalf("ordering %d produced wrong record", i)
		}
		if reference == nil {
			reference = record
		} else if record.Checksum != reference.Checksum || record.StoredAt != reference.StoredAt {
			t.Errorf("ordering %d produced non-identical record: checksum %08x vs %08x",
				i, record.Checksum, reference.Checksum)
		}
		if asm.Len() != 0 {
			t.Errorf("ordering %d left %d pending entries", i, asm.Len())
		}
	}
}

func TestAssembly_TimeoutSweep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	asm := newAssembler(t, newStore(t, clock), clock, 1000)

	if _, err := asm.AddBlock(uuid.New(), block(hash1, hashG, 1)); err != nil {
		t.Fatalf("block event failed: %v", err)
	}

	// Not yet expired.
	clock.Advance(30 * time.Second)
	if purged := asm.Sweep(); len(purged) != 0 {
		t.Fatalf("sweep purged %d entries before timeout", len(purged))
	}

	clock.Advance(1 * time.Second)
	purged := asm.Sweep()
	if len(purged) != 1 {
		t.Fatalf("sweep purged %d entries, want 1", len(purged))
	}
	info := purged[0]
	if info.BlockHash != hash1 {
		t.Errorf("purged hash mismatch: %s", info.BlockHash.Hex())
	}
	if !info.HadBlock || info.HadMerkle || info.HadState {
		t.Errorf("slot flags mismatch: %+v", info)
	}
	if info.BlockHeight == nil || *info.BlockHeight != 1 {
		t.Error("purged entry missing block height")
	}
	if info.PendingDuration != 31*time.Second {
		t.Errorf("pending duration mismatch: %s", info.PendingDuration)
	}

	// Exactly once: a second sweep finds nothing.
	if purged := asm.Sweep(); len(purged) != 0 {
		t.Errorf("second sweep purged %d entries", len(purged))
	}
	if asm.Len() != 0 {
		t.Errorf("pending buffer not empty after sweep: %d", asm.Len())
	}
}

func TestAssembly_CapacityEviction(t *testing.T) {
	clock := clockwork.NewFakeClock()
	asm := newAssembler(t, newStore(t, clock), clock, 2)

	first := common.HexToHash("0x01")
	second := common.HexToHash("0x02")
	third := common.HexToHash("0x03")

	if _, err := asm.AddMerkleRoot(uuid.New(), first, merkle); err != nil {
		t.Fatalf("first event failed: %v", err)
	}
	clock.Advance(time.Second)
	if _, err := asm.AddMerkleRoot(uuid.New(), second, merkle); err != nil {
		t.Fatalf("second event failed: %v", err)
	}
	clock.Advance(time.Second)

	result, err := asm.AddMerkleRoot(uuid.New(), third, merkle)
	if err != nil {
		t.Fatalf("third event failed: %v", err)
	}
	if result.Evicted == nil {
		t.Fatal("expected eviction at capacity")
	}
	if result.Evicted.BlockHash != first {
		t.Errorf("evicted entry is not the oldest: %s", result.Evicted.BlockHash.Hex())
	}
	if asm.Len() != 2 {
		t.Errorf("pending buffer size %d, want 2", asm.Len())
	}
}

func TestAssembly_ConflictingSlot(t *testing.T) {
	clock := clockwork.NewFakeClock()
	asm := newAssembler(t, newStore(t, clock), clock, 1000)

	firstCorr := uuid.New()
	if _, err := asm.AddMerkleRoot(firstCorr, hash1, merkle); err != nil {
		t.Fatalf("first merkle event failed: %v", err)
	}

	other := common.HexToHash("0xeeee")
	secondCorr := uuid.New()
	_, err := asm.AddMerkleRoot(secondCorr, hash1, other)

	var violation *assembler.ProtocolViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected ProtocolViolationError, got %v", err)
	}
	if violation.ExistingCorr != firstCorr || violation.IncomingCorr != secondCorr {
		t.Error("violation does not carry both correlation IDs")
	}

	// Existing slot intact: the matching duplicate is accepted silently.
	if _, err := asm.AddMerkleRoot(uuid.New(), hash1, merkle); err != nil {
		t.Fatalf("matching duplicate rejected: %v", err)
	}
	if asm.Len() != 1 {
		t.Errorf("pending buffer size %d, want 1", asm.Len())
	}
}

func TestAssembly_EventAfterCompletion(t *testing.T) {
	clock := clockwork.NewFakeClock()
	asm := newAssembler(t, newStore(t, clock), clock, 1000)
	seedGenesis(t, asm)

	// A duplicate merkle event after the record is durable is ignored.
	result, err := asm.AddMerkleRoot(uuid.New(), hashG, merkle)
	if err != nil {
		t.Fatalf("late event errored: %v", err)
	}
	if !result.AlreadyStored {
		t.Error("late event not flagged as already stored")
	}
	if asm.Len() != 0 {
		t.Errorf("late event created a pending entry: %d", asm.Len())
	}
}

func TestAssembly_PermanentFailurePurges(t *testing.T) {
	clock := clockwork.NewFakeClock()
	asm := newAssembler(t, newStore(t, clock), clock, 1000)

	// No genesis stored: the complete assembly fails ParentNotFound.
	if _, err := asm.AddBlock(uuid.New(), block(hash1, hashG, 1)); err != nil {
		t.Fatalf("block event failed: %v", err)
	}
	if _, err := asm.AddMerkleRoot(uuid.New(), hash1, merkle); err != nil {
		t.Fatalf("merkle event failed: %v", err)
	}
	_, err := asm.AddStateRoot(uuid.New(), hash1, state)

	var parentErr *storage.ParentNotFoundError
	if !errors.As(err, &parentErr) {
		t.Fatalf("expected ParentNotFoundError, got %v", err)
	}
	if asm.Len() != 0 {
		t.Error("permanent failure did not purge the pending entry")
	}
}

// flakyWriter fails a configured number of writes with a transient error.
type flakyWriter struct {
	mu       sync.Mutex
	inner    assembler.Writer
	failures int
}

func (w *flakyWriter) WriteBlock(b *types.Block, m, s common.Hash) (*types.StoredRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return nil, &storage.DatabaseError{Op: "batch write", Err: errors.New("backend unavailable")}
	}
	return w.inner.WriteBlock(b, m, s)
}

func (w *flakyWriter) BlockExists(h common.Hash) (bool, error) {
	return w.inner.BlockExists(h)
}

func TestAssembly_TransientFailureRetains(t *testing.T) {
	clock := clockwork.NewFakeClock()
	writer := &flakyWriter{inner: newStore(t, clock), failures: 1}
	asm := newAssembler(t, writer, clock, 1000)

	if _, err := asm.AddBlock(uuid.New(), block(hashG, common.Hash{}, 0)); err != nil {
		t.Fatalf("block event failed: %v", err)
	}
	if _, err := asm.AddMerkleRoot(uuid.New(), hashG, merkle); err != nil {
		t.Fatalf("merkle event failed: %v", err)
	}

	_, err := asm.AddStateRoot(uuid.New(), hashG, state)
	var dbErr *storage.DatabaseError
	if !errors.As(err, &dbErr) {
		t.Fatalf("expected DatabaseError, got %v", err)
	}
	if asm.Len() != 1 {
		t.Fatal("transient failure purged the pending entry")
	}

	// A retried duplicate of the last event completes the assembly.
	result, err := asm.AddStateRoot(uuid.New(), hashG, state)
	record := mustComplete(t, result, err)
	if record.Block.Hash != hashG {
		t.Errorf("completed record hash mismatch: %s", record.Block.Hash.Hex())
	}
	if asm.Len() != 0 {
		t.Error("completion left a pending entry")
	}
}

func TestAssembly_BufferBounded(t *testing.T) {
	clock := clockwork.NewFakeClock()
	asm := newAssembler(t, newStore(t, clock), clock, 10)

	for i := 0; i < 50; i++ {
		hash := common.BytesToHash([]byte{byte(i), 0x99})
		if _, err := asm.AddMerkleRoot(uuid.New(), hash, merkle); err != nil {
			t.Fatalf("event %d failed: %v", i, err)
		}
		if asm.Len() > 10 {
			t.Fatalf("pending buffer exceeded capacity: %d", asm.Len())
		}
		clock.Advance(time.Millisecond)
	}
	if asm.Len() != 10 {
		t.Errorf("pending buffer size %d, want 10", asm.Len())
	}
}
