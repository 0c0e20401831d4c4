// Copyright 2025 Certen Protocol
//
// Request/response fabric.
// The requester half registers a correlation ID with a deadline, publishes
// the signed request, and waits on a one-shot completion slot. Responses
// arriving after the deadline, or without a matching pending entry, are
// discarded at debug level.

package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/certen/block-storage-engine/pkg/envelope"
	"github.com/certen/block-storage-engine/pkg/logging"
	"github.com/certen/block-storage-engine/pkg/protocol"
	"github.com/certen/block-storage-engine/pkg/types"
)

// ErrRequestTimeout is returned when no response arrives by the deadline.
var ErrRequestTimeout = fmt.Errorf("request timed out")

type pendingRequest struct {
	ch       chan *envelope.Envelope // buffered 1; one-shot
	deadline time.Time
}

// Requester issues correlated requests over the bus.
type Requester struct {
	mu      sync.Mutex
	pending map[uuid.UUID]*pendingRequest

	pub     Publisher
	signer  *envelope.Signer
	replyTo envelope.Topic
	timeout time.Duration
	clock   clockwork.Clock
	logger  *logging.Logger
}

// RequesterConfig holds requester configuration.
type RequesterConfig struct {
	ReplyTo envelope.Topic // this requester's reply topic
	Timeout time.Duration
	Clock   clockwork.Clock
	Logger  *logging.Logger
}

// NewRequester creates a requester publishing through pub.
func NewRequester(pub Publisher, signer *envelope.Signer, cfg *RequesterConfig) (*Requester, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if signer == nil {
		return nil, fmt.Errorf("signer cannot be nil")
	}
	if cfg == nil || cfg.ReplyTo.Channel == "" {
		return nil, fmt.Errorf("reply topic is required")
	}
	r := &Requester{
		pending: make(map[uuid.UUID]*pendingRequest),
		pub:     pub,
		signer:  signer,
		replyTo: cfg.ReplyTo,
		timeout: cfg.Timeout,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
	}
	if r.timeout <= 0 {
		r.timeout = 30 * time.Second
	}
	if r.clock == nil {
		r.clock = clockwork.NewRealClock()
	}
	if r.logger == nil {
		r.logger = logging.NewNopLogger()
	}
	return r, nil
}

// Request publishes a signed request to topic and waits for the correlated
// response. Cancellation is not propagated upstream; an abandoned request
// leaves an orphan response candidate that is discarded on arrival.
func (r *Requester) Request(
	ctx context.Context,
	topic string,
	recipient types.SubsystemID,
	kind protocol.PayloadKind,
	payload interface{},
) (*envelope.Envelope, error) {
	env, err := r.signer.NewEnvelope(recipient, kind, payload, uuid.UUID{}, &r.replyTo)
	if err != nil {
		return nil, err
	}

	p := &pendingRequest{
		ch:       make(chan *envelope.Envelope, 1),
		deadline: r.clock.Now().Add(r.timeout),
	}
	r.mu.Lock()
	r.pending[env.CorrelationID] = p
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, env.CorrelationID)
		r.mu.Unlock()
	}()

	if err := r.pub.Publish(topic, env); err != nil {
		return nil, fmt.Errorf("failed to publish request: %w", err)
	}

	select {
	case resp := <-p.ch:
		return resp, nil
	case <-r.clock.After(r.timeout):
		return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, kind, r.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleResponse routes an inbound response envelope to its pending
// request. Orphans (no pending entry, or entry past its deadline) are
// discarded at debug level.
func (r *Requester) HandleResponse(env *envelope.Envelope) {
	r.mu.Lock()
	p, ok := r.pending[env.CorrelationID]
	if ok && r.clock.Now().After(p.deadline) {
		delete(r.pending, env.CorrelationID)
		ok = false
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("discarding orphan response", "correlation_id", env.CorrelationID.String())
		return
	}
	select {
	case p.ch <- env:
	default:
		r.logger.Debug("duplicate response for correlation id", "correlation_id", env.CorrelationID.String())
	}
}
