// Copyright 2025 Certen Protocol
//
// Outbound envelope construction and signing.

package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/certen/block-storage-engine/pkg/protocol"
	"github.com/certen/block-storage-engine/pkg/types"
)

// Signer builds signed envelopes on behalf of one subsystem identity.
type Signer struct {
	key      []byte
	identity types.SubsystemID
	clock    clockwork.Clock
}

// NewSigner creates a signer for the given identity and shared key.
func NewSigner(identity types.SubsystemID, key []byte, clock clockwork.Clock) (*Signer, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("signing key cannot be empty")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Signer{key: key, identity: identity, clock: clock}, nil
}

// Identity returns the subsystem identity this signer signs as.
func (s *Signer) Identity() types.SubsystemID {
	return s.identity
}

// NewEnvelope wraps payload in a signed envelope with a fresh nonce.
// A zero correlation ID allocates a new one; passing an existing ID binds
// a response to its request.
func (s *Signer) NewEnvelope(
	recipient types.SubsystemID,
	kind protocol.PayloadKind,
	payload interface{},
	correlationID uuid.UUID,
	replyTo *Topic,
) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	if correlationID == (uuid.UUID{}) {
		correlationID = uuid.New()
	}

	env := &Envelope{
		Version:       ProtocolVersion,
		Sender:        s.identity,
		Recipient:     recipient,
		CorrelationID: correlationID,
		ReplyTo:       replyTo,
		Timestamp:     uint64(s.clock.Now().Unix()),
		Nonce:         uuid.New(),
		Kind:          kind,
		Payload:       raw,
	}
	env.Signature = env.computeSignature(s.key)
	return env, nil
}
