// Copyright 2025 Certen Protocol
//
// Event emission for the block storage engine.
// Publication is best-effort: ordinary event-publish failures are logged
// and dropped; critical events are retried with exponential backoff and
// dead-lettered when publication keeps failing.

package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/certen/block-storage-engine/pkg/envelope"
	"github.com/certen/block-storage-engine/pkg/logging"
	"github.com/certen/block-storage-engine/pkg/metrics"
	"github.com/certen/block-storage-engine/pkg/protocol"
	"github.com/certen/block-storage-engine/pkg/types"
)

// Publisher is the outbound port to the message bus. Delivery is
// best-effort; the caller decides what a failure means.
type Publisher interface {
	Publish(topic string, env *envelope.Envelope) error
}

// DeadLetter wraps an event whose publication failed terminally.
type DeadLetter struct {
	Topic     string             `json:"topic"`
	Reason    string             `json:"reason"`
	Attempts  int                `json:"attempts"`
	LastError string             `json:"last_error"`
	Envelope  *envelope.Envelope `json:"envelope"`
	At        uint64             `json:"at"` // unix seconds
}

// DeadLetterQueue is the secondary sink for failed critical publications.
type DeadLetterQueue interface {
	Enqueue(dl *DeadLetter)
}

// MemoryDLQ is a bounded in-memory DeadLetterQueue with an operator drain
// surface. When full, the oldest entry is discarded first.
type MemoryDLQ struct {
	mu      sync.Mutex
	entries []*DeadLetter
	max     int
}

// NewMemoryDLQ creates a MemoryDLQ holding at most max entries.
func NewMemoryDLQ(max int) *MemoryDLQ {
	if max <= 0 {
		max = 1024
	}
	return &MemoryDLQ{max: max}
}

// Enqueue implements DeadLetterQueue.
func (q *MemoryDLQ) Enqueue(dl *DeadLetter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.max {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, dl)
}

// Drain returns and clears all dead letters.
func (q *MemoryDLQ) Drain() []*DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.entries
	q.entries = nil
	return out
}

// Len returns the number of queued dead letters.
func (q *MemoryDLQ) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Emitter publishes the engine's event catalog as signed envelopes.
type Emitter struct {
	pub        Publisher
	signer     *envelope.Signer
	dlq        DeadLetterQueue
	clock         clockwork.Clock
	logger        *logging.Logger
	metrics       *metrics.Metrics
	maxRetries    uint64
	retryInterval time.Duration
}

// EmitterConfig holds emitter configuration.
type EmitterConfig struct {
	MaxRetries    uint64        // retry budget for critical publications
	RetryInterval time.Duration // initial backoff interval
	Clock         clockwork.Clock
	Logger        *logging.Logger
	Metrics       *metrics.Metrics
}

// NewEmitter creates an emitter over the given publisher and DLQ.
func NewEmitter(pub Publisher, signer *envelope.Signer, dlq DeadLetterQueue, cfg *EmitterConfig) (*Emitter, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if signer == nil {
		return nil, fmt.Errorf("signer cannot be nil")
	}
	if cfg == nil {
		cfg = &EmitterConfig{}
	}
	e := &Emitter{
		pub:           pub,
		signer:        signer,
		dlq:           dlq,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		maxRetries:    cfg.MaxRetries,
		retryInterval: cfg.RetryInterval,
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.logger == nil {
		e.logger = logging.NewNopLogger()
	}
	if e.maxRetries == 0 {
		e.maxRetries = 3
	}
	return e, nil
}

// EmitStored publishes a StoredEvent.
func (e *Emitter) EmitStored(ev *protocol.StoredEvent) {
	e.publish(protocol.TopicStored, protocol.KindStoredEvent, ev, false)
}

// EmitFinalized publishes a FinalizedEvent.
func (e *Emitter) EmitFinalized(ev *protocol.FinalizedEvent) {
	e.publish(protocol.TopicFinalized, protocol.KindFinalizedEvent, ev, false)
}

// EmitTimeout publishes a TimeoutEvent for a purged assembly.
func (e *Emitter) EmitTimeout(ev *protocol.TimeoutEvent) {
	e.publish(protocol.TopicTimeout, protocol.KindTimeoutEvent, ev, false)
}

// EmitCritical publishes a CriticalEvent, retrying with backoff and
// dead-lettering on terminal failure.
func (e *Emitter) EmitCritical(ev *protocol.CriticalEvent) {
	if ev.Timestamp == 0 {
		ev.Timestamp = uint64(e.clock.Now().Unix())
	}
	e.publish(protocol.TopicCritical, protocol.KindCriticalEvent, ev, true)
}

func (e *Emitter) publish(topic string, kind protocol.PayloadKind, payload interface{}, critical bool) {
	// Events are broadcast: the topic stands in for a single recipient.
	env, err := e.signer.NewEnvelope(types.SubsystemID(topic), kind, payload, uuid.UUID{}, nil)
	if err != nil {
		e.logger.Error("failed to build event envelope", "topic", topic, "kind", kind, "error", err)
		return
	}

	if !critical {
		if err := e.pub.Publish(topic, env); err != nil {
			e.logger.Warn("event publish failed, dropping", "topic", topic, "kind", kind, "error", err)
		}
		return
	}

	attempts := 0
	op := func() error {
		attempts++
		return e.pub.Publish(topic, env)
	}
	bo := backoff.NewExponentialBackOff()
	if e.retryInterval > 0 {
		bo.InitialInterval = e.retryInterval
	}
	err = backoff.Retry(op, backoff.WithMaxRetries(bo, e.maxRetries))
	if err == nil {
		return
	}

	e.logger.Error("critical event publish failed, dead-lettering",
		"topic", topic, "attempts", attempts, "error", err)
	if e.metrics != nil {
		e.metrics.DeadLetters.Inc()
	}
	if e.dlq != nil {
		e.dlq.Enqueue(&DeadLetter{
			Topic:     topic,
			Reason:    "publish failed",
			Attempts:  attempts,
			LastError: err.Error(),
			Envelope:  env,
			At:        uint64(e.clock.Now().Unix()),
		})
	}
}
