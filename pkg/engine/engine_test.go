// Copyright 2025 Certen Protocol
//
// End-to-end engine tests over the loopback bus and a MemDB-backed store:
// full assemblies in and out of order, unauthorized senders, finalization,
// and the read request/response round trip.

package engine_test

import (
	"context"
	"testing"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/certen/block-storage-engine/pkg/assembler"
	"github.com/certen/block-storage-engine/pkg/bus"
	"github.com/certen/block-storage-engine/pkg/engine"
	"github.com/certen/block-storage-engine/pkg/envelope"
	"github.com/certen/block-storage-engine/pkg/kvdb"
	"github.com/certen/block-storage-engine/pkg/protocol"
	"github.com/certen/block-storage-engine/pkg/storage"
	"github.com/certen/block-storage-engine/pkg/types"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

var (
	hash0  = common.HexToHash("0x1010101010101010101010101010101010101010101010101010101010101010")
	hash1  = common.HexToHash("0x2020202020202020202020202020202020202020202020202020202020202020")
	merkle = common.HexToHash("0x3030303030303030303030303030303030303030303030303030303030303030")
	state  = common.HexToHash("0x4040404040404040404040404040404040404040404040404040404040404040")
)

type fakeDisk struct{}

func (fakeDisk) Usage(string) (*storage.DiskUsage, error) {
	return &storage.DiskUsage{FreePercent: 50}, nil
}

type harness struct {
	engine  *engine.Engine
	store   *storage.Store
	lb      *bus.Loopback
	dlq     *bus.MemoryDLQ
	stored  <-chan *envelope.Envelope
	timeout <-chan *envelope.Envelope
	final   <-chan *envelope.Envelope
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := storage.OpenStore(kvdb.NewAdapter(dbm.NewMemDB()), &storage.StoreConfig{
		DataDir:             t.TempDir(),
		MinDiskSpacePercent: 5.0,
		VerifyChecksums:     true,
		MaxBlockSize:        10 * 1024 * 1024,
		Disk:                fakeDisk{},
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	asm, err := assembler.New(store, &assembler.Config{
		Timeout:    30 * time.Second,
		MaxPending: 1000,
	})
	if err != nil {
		t.Fatalf("failed to create assembler: %v", err)
	}

	signer, err := envelope.NewSigner(types.SubsystemBlockStorage, testKey, clockwork.NewRealClock())
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	verifier, err := envelope.NewVerifier(&envelope.VerifierConfig{
		Identity:    string(types.SubsystemBlockStorage),
		Key:         testKey,
		SkewSeconds: 60,
	})
	if err != nil {
		t.Fatalf("failed to create verifier: %v", err)
	}

	lb := bus.NewLoopback()
	dlq := bus.NewMemoryDLQ(64)
	emitter, err := bus.NewEmitter(lb, signer, dlq, &bus.EmitterConfig{
		MaxRetries:    1,
		RetryInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create emitter: %v", err)
	}

	eng, err := engine.New(verifier, signer, store, asm, emitter, lb, &engine.Config{
		SweepInterval: time.Hour, // sweeps driven explicitly where needed
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	h := &harness{
		engine:  eng,
		store:   store,
		lb:      lb,
		dlq:     dlq,
		stored:  lb.Subscribe(protocol.TopicStored),
		timeout: lb.Subscribe(protocol.TopicTimeout),
		final:   lb.Subscribe(protocol.TopicFinalized),
	}
	if err := eng.Start(); err != nil {
		t.Fatalf("failed to start engine: %v", err)
	}
	t.Cleanup(eng.Stop)
	return h
}

// send wraps payload in a signed envelope from sender and submits it.
func (h *harness) send(t *testing.T, sender types.SubsystemID, kind protocol.PayloadKind, payload interface{}) {
	t.Helper()
	signer, err := envelope.NewSigner(sender, testKey, clockwork.NewRealClock())
	if err != nil {
		t.Fatalf("failed to create sender signer: %v", err)
	}
	env, err := signer.NewEnvelope(types.SubsystemBlockStorage, kind, payload, uuid.UUID{}, nil)
	if err != nil {
		t.Fatalf("failed to build envelope: %v", err)
	}
	if err := h.engine.Submit(env); err != nil {
		t.Fatalf("failed to submit envelope: %v", err)
	}
}

func (h *harness) sendAssembly(t *testing.T, block *types.Block) {
	t.Helper()
	h.send(t, types.SubsystemConsensus, protocol.KindValidatedBlock, &protocol.ValidatedBlockEvent{Block: *block})
	h.send(t, types.SubsystemTxIndexing, protocol.KindMerkleRoot, &protocol.MerkleRootEvent{BlockHash: block.Hash, MerkleRoot: merkle})
	h.send(t, types.SubsystemStateManagement, protocol.KindStateRoot, &protocol.StateRootEvent{BlockHash: block.Hash, StateRoot: state})
}

func waitStored(t *testing.T, ch <-chan *envelope.Envelope) *protocol.StoredEvent {
	t.Helper()
	select {
	case env := <-ch:
		var ev protocol.StoredEvent
		if err := env.DecodePayload(&ev); err != nil {
			t.Fatalf("failed to decode stored event: %v", err)
		}
		return &ev
	case <-time.After(2 * time.Second):
		t.Fatal("no stored event")
		return nil
	}
}

func testBlock(hash, parent common.Hash, height uint64) *types.Block {
	return &types.Block{
		Hash:         hash,
		ParentHash:   parent,
		Height:       height,
		Timestamp:    1700000000 + height,
		Proposer:     "validator-1",
		Transactions: [][]byte{[]byte("tx-1"), []byte("tx-2")},
	}
}

func TestEngine_HappyAssembly(t *testing.T) {
	h := newHarness(t)

	h.sendAssembly(t, testBlock(hash0, common.Hash{}, 0))
	waitStored(t, h.stored)

	h.sendAssembly(t, testBlock(hash1, hash0, 1))
	ev := waitStored(t, h.stored)

	if ev.Height != 1 || ev.BlockHash != hash1 || ev.MerkleRoot != merkle || ev.StateRoot != state {
		t.Errorf("stored event mismatch: %+v", ev)
	}

	record, err := h.store.ReadBlock(hash1)
	if err != nil {
		t.Fatalf("failed to read stored block: %v", err)
	}
	byHeight, err := h.store.ReadBlockByHeight(1)
	if err != nil {
		t.Fatalf("failed to read by height: %v", err)
	}
	if record.Checksum != byHeight.Checksum {
		t.Error("hash and height reads disagree")
	}

	meta, err := h.store.Metadata()
	if err != nil {
		t.Fatalf("failed to load metadata: %v", err)
	}
	if meta.LatestHeight != 1 {
		t.Errorf("latest height mismatch: %d", meta.LatestHeight)
	}
}

func TestEngine_OutOfOrderAssembly(t *testing.T) {
	h := newHarness(t)
	block := testBlock(hash0, common.Hash{}, 0)

	// state -> merkle -> validated
	h.send(t, types.SubsystemStateManagement, protocol.KindStateRoot, &protocol.StateRootEvent{BlockHash: block.Hash, StateRoot: state})
	h.send(t, types.SubsystemTxIndexing, protocol.KindMerkleRoot, &protocol.MerkleRootEvent{BlockHash: block.Hash, MerkleRoot: merkle})
	h.send(t, types.SubsystemConsensus, protocol.KindValidatedBlock, &protocol.ValidatedBlockEvent{Block: *block})

	ev := waitStored(t, h.stored)
	if ev.Height != 0 || ev.BlockHash != hash0 {
		t.Errorf("stored event mismatch: %+v", ev)
	}
}

func TestEngine_UnauthorizedSenderIgnored(t *testing.T) {
	h := newHarness(t)
	block := testBlock(hash0, common.Hash{}, 0)

	h.send(t, types.SubsystemConsensus, protocol.KindValidatedBlock, &protocol.ValidatedBlockEvent{Block: *block})
	h.send(t, types.SubsystemStateManagement, protocol.KindStateRoot, &protocol.StateRootEvent{BlockHash: block.Hash, StateRoot: state})

	// Merkle root from the wrong subsystem: no buffer mutation, no event.
	h.send(t, types.SubsystemConsensus, protocol.KindMerkleRoot, &protocol.MerkleRootEvent{BlockHash: block.Hash, MerkleRoot: merkle})

	select {
	case <-h.stored:
		t.Fatal("unauthorized merkle event completed an assembly")
	case <-time.After(200 * time.Millisecond):
	}

	// The correctly-signed event from the designated producer still
	// completes the assembly.
	h.send(t, types.SubsystemTxIndexing, protocol.KindMerkleRoot, &protocol.MerkleRootEvent{BlockHash: block.Hash, MerkleRoot: merkle})
	ev := waitStored(t, h.stored)
	if ev.BlockHash != hash0 {
		t.Errorf("stored event hash mismatch: %s", ev.BlockHash.Hex())
	}
}

func TestEngine_ParentMissingEmitsNoStored(t *testing.T) {
	h := newHarness(t)

	missing := common.HexToHash("0xffff")
	h.sendAssembly(t, testBlock(hash1, missing, 7))

	select {
	case <-h.stored:
		t.Fatal("stored event for block with missing parent")
	case <-time.After(300 * time.Millisecond):
	}
	if ok, _ := h.store.BlockExists(hash1); ok {
		t.Error("record exists despite missing parent")
	}

	stats, err := h.engine.Stats()
	if err != nil {
		t.Fatalf("failed to read stats: %v", err)
	}
	if stats.PendingAssemblies != 0 {
		t.Errorf("pending entry survived permanent failure: %d", stats.PendingAssemblies)
	}
}

func TestEngine_Finalization(t *testing.T) {
	h := newHarness(t)

	h.sendAssembly(t, testBlock(hash0, common.Hash{}, 0))
	waitStored(t, h.stored)
	h.sendAssembly(t, testBlock(hash1, hash0, 1))
	waitStored(t, h.stored)

	h.send(t, types.SubsystemFinality, protocol.KindMarkFinalized, &protocol.MarkFinalizedRequest{Height: 1})

	select {
	case env := <-h.final:
		var ev protocol.FinalizedEvent
		if err := env.DecodePayload(&ev); err != nil {
			t.Fatalf("failed to decode finalized event: %v", err)
		}
		if ev.Height != 1 || ev.BlockHash != hash1 {
			t.Errorf("finalized event mismatch: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no finalized event")
	}

	final, has, err := h.store.FinalizedHeight()
	if err != nil || !has || final != 1 {
		t.Errorf("finalized height mismatch: %d %v %v", final, has, err)
	}
}

func TestEngine_ReadRequestRoundTrip(t *testing.T) {
	h := newHarness(t)

	h.sendAssembly(t, testBlock(hash0, common.Hash{}, 0))
	waitStored(t, h.stored)

	requesterSigner, err := envelope.NewSigner(types.SubsystemTxIndexing, testKey, clockwork.NewRealClock())
	if err != nil {
		t.Fatalf("failed to create requester signer: %v", err)
	}
	requester, err := bus.NewRequester(h.lb, requesterSigner, &bus.RequesterConfig{
		ReplyTo: envelope.Topic{Subsystem: types.SubsystemTxIndexing, Channel: "replies"},
		Timeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to create requester: %v", err)
	}

	// Route reply-topic traffic and inbound requests.
	replies := h.lb.Subscribe("transaction-indexing/replies")
	go func() {
		for env := range replies {
			requester.HandleResponse(env)
		}
	}()
	requests := h.lb.Subscribe("block-storage/requests")
	go func() {
		for env := range requests {
			_ = h.engine.Submit(env)
		}
	}()

	height := uint64(0)
	resp, err := requester.Request(context.Background(), "block-storage/requests",
		types.SubsystemBlockStorage, protocol.KindReadBlock,
		&protocol.ReadBlockRequest{Height: &height})
	if err != nil {
		t.Fatalf("read request failed: %v", err)
	}

	var payload protocol.ReadBlockResponse
	if err := resp.DecodePayload(&payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.Error != nil {
		t.Fatalf("read returned error: %+v", payload.Error)
	}
	if payload.Record == nil || payload.Record.Block.Hash != hash0 {
		t.Errorf("response record mismatch: %+v", payload.Record)
	}

	// Not-found surfaces as a typed error payload, not silence.
	absent := common.HexToHash("0x9999")
	resp, err = requester.Request(context.Background(), "block-storage/requests",
		types.SubsystemBlockStorage, protocol.KindReadBlock,
		&protocol.ReadBlockRequest{BlockHash: &absent})
	if err != nil {
		t.Fatalf("second read request failed: %v", err)
	}
	if err := resp.DecodePayload(&payload); err != nil {
		t.Fatalf("failed to decode second response: %v", err)
	}
	if payload.Error == nil || payload.Error.Code != "block_not_found" {
		t.Errorf("expected block_not_found error, got %+v", payload.Error)
	}
}

func TestEngine_ShutdownFlushesPending(t *testing.T) {
	h := newHarness(t)

	// One slot only: the assembly can never complete.
	h.send(t, types.SubsystemConsensus, protocol.KindValidatedBlock,
		&protocol.ValidatedBlockEvent{Block: *testBlock(hash0, common.Hash{}, 0)})

	// Give the loop a moment to absorb the event, then stop.
	time.Sleep(100 * time.Millisecond)
	h.engine.Stop()

	select {
	case env := <-h.timeout:
		var ev protocol.TimeoutEvent
		if err := env.DecodePayload(&ev); err != nil {
			t.Fatalf("failed to decode timeout event: %v", err)
		}
		if ev.BlockHash != hash0 || !ev.HadBlock || ev.HadMerkle || ev.HadState {
			t.Errorf("timeout event mismatch: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no timeout event on shutdown")
	}
}
