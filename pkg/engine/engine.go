// Copyright 2025 Certen Protocol
//
// Engine ingress loop.
// A single goroutine owns the assembler, metadata mutations, and batch
// writes: it consumes inbound envelopes, runs the periodic timeout sweep,
// and on shutdown drains the in-flight work and flushes pending
// assemblies with timeout events. Reads triggered by request handlers hit
// immutable data and do not require loop ownership.

package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/certen/block-storage-engine/pkg/assembler"
	"github.com/certen/block-storage-engine/pkg/bus"
	"github.com/certen/block-storage-engine/pkg/envelope"
	"github.com/certen/block-storage-engine/pkg/logging"
	"github.com/certen/block-storage-engine/pkg/metrics"
	"github.com/certen/block-storage-engine/pkg/storage"
	"github.com/certen/block-storage-engine/pkg/types"
)

// Engine wires envelope verification, the assembler, the store, and event
// emission behind a single-owner event loop.
type Engine struct {
	identity types.SubsystemID

	verifier *envelope.Verifier
	signer   *envelope.Signer
	store    *storage.Store
	asm      *assembler.Assembler
	emitter  *bus.Emitter
	pub      bus.Publisher

	clock   clockwork.Clock
	logger  *logging.Logger
	metrics *metrics.Metrics

	sweepInterval time.Duration
	inbound       chan *envelope.Envelope

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Config holds engine configuration.
type Config struct {
	Identity      types.SubsystemID
	SweepInterval time.Duration
	InboundBuffer int
	Clock         clockwork.Clock
	Logger        *logging.Logger
	Metrics       *metrics.Metrics
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		Identity:      types.SubsystemBlockStorage,
		SweepInterval: 10 * time.Second,
		InboundBuffer: 256,
	}
}

// New creates an engine. Start must be called before envelopes are
// submitted.
func New(
	verifier *envelope.Verifier,
	signer *envelope.Signer,
	store *storage.Store,
	asm *assembler.Assembler,
	emitter *bus.Emitter,
	pub bus.Publisher,
	cfg *Config,
) (*Engine, error) {
	if verifier == nil || signer == nil || store == nil || asm == nil || emitter == nil || pub == nil {
		return nil, fmt.Errorf("engine dependencies cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	e := &Engine{
		identity:      cfg.Identity,
		verifier:      verifier,
		signer:        signer,
		store:         store,
		asm:           asm,
		emitter:       emitter,
		pub:           pub,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		sweepInterval: cfg.SweepInterval,
		inbound:       make(chan *envelope.Envelope, cfg.InboundBuffer),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	if e.identity == "" {
		e.identity = types.SubsystemBlockStorage
	}
	if e.sweepInterval <= 0 {
		e.sweepInterval = 10 * time.Second
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.logger == nil {
		e.logger = logging.NewNopLogger()
	}
	return e, nil
}

// Submit hands an inbound envelope to the loop. Blocks when the bounded
// inbound channel is full; there is no unbounded queue at any boundary.
func (e *Engine) Submit(env *envelope.Envelope) error {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return fmt.Errorf("engine is not running")
	}
	select {
	case e.inbound <- env:
		return nil
	case <-e.stopCh:
		return fmt.Errorf("engine is shutting down")
	}
}

// Start launches the ingress loop.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("engine is already running")
	}
	e.running = true
	go e.run()
	e.logger.Info("engine started", "identity", e.identity, "sweep_interval", e.sweepInterval)
	return nil
}

// Stop signals the loop and waits for it to drain.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	close(e.stopCh)
	<-e.doneCh
}

func (e *Engine) run() {
	defer close(e.doneCh)

	ticker := e.clock.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case env := <-e.inbound:
			e.handle(env)
		case <-ticker.Chan():
			e.sweep()
		case <-e.stopCh:
			e.drain()
			e.shutdown()
			return
		}
	}
}

// drain consumes envelopes already queued at shutdown so an in-flight
// write is not abandoned mid-assembly.
func (e *Engine) drain() {
	for {
		select {
		case env := <-e.inbound:
			e.handle(env)
		default:
			return
		}
	}
}

// sweep purges expired assemblies and reports each exactly once.
func (e *Engine) sweep() {
	for _, info := range e.asm.Sweep() {
		e.emitTimeout(info)
	}
}

// shutdown flushes incomplete assemblies; they are reported, not persisted.
func (e *Engine) shutdown() {
	purged := e.asm.Flush()
	for _, info := range purged {
		e.emitTimeout(info)
	}
	e.logger.Info("engine stopped", "flushed_assemblies", len(purged))
}

// Stats is a read-only snapshot for operators and health surfaces.
type Stats struct {
	PendingAssemblies int    `json:"pending_assemblies"`
	LatestHeight      uint64 `json:"latest_height"`
	FinalizedHeight   uint64 `json:"finalized_height"`
	HasFinalized      bool   `json:"has_finalized"`
	TotalBlocks       uint64 `json:"total_blocks"`
}

// Stats returns the current engine snapshot.
func (e *Engine) Stats() (*Stats, error) {
	meta, err := e.store.Metadata()
	if err != nil {
		return nil, err
	}
	return &Stats{
		PendingAssemblies: e.asm.Len(),
		LatestHeight:      meta.LatestHeight,
		FinalizedHeight:   meta.FinalizedHeight,
		HasFinalized:      meta.HasFinalized,
		TotalBlocks:       meta.TotalBlocks,
	}, nil
}
