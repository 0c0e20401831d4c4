// Copyright 2025 Certen Protocol
//
// Inbound envelope verification: version, addressing, timestamp skew,
// nonce replay, and signature. The nonce cache is time-bounded at twice
// the skew window so a replay arriving just inside the window still hits
// a cached entry.

package envelope

import (
	"crypto/hmac"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"
)

// Verifier authenticates inbound envelopes for one subsystem identity.
type Verifier struct {
	key      []byte
	identity string
	skew     int64 // accepted timestamp skew, seconds
	clock    clockwork.Clock

	// nonces is the replay-prevention cache. Size-bounded and TTL-bounded;
	// expired entries are evicted by the cache itself.
	nonces *expirable.LRU[uuid.UUID, struct{}]
}

// VerifierConfig holds verifier configuration.
type VerifierConfig struct {
	Identity       string
	Key            []byte
	SkewSeconds    int64
	NonceCacheSize int
	Clock          clockwork.Clock
}

// NewVerifier creates a verifier with a bounded nonce cache.
func NewVerifier(cfg *VerifierConfig) (*Verifier, error) {
	if cfg == nil {
		return nil, fmt.Errorf("verifier config cannot be nil")
	}
	if len(cfg.Key) == 0 {
		return nil, fmt.Errorf("verification key cannot be empty")
	}
	if cfg.Identity == "" {
		return nil, fmt.Errorf("verifier identity cannot be empty")
	}
	skew := cfg.SkewSeconds
	if skew <= 0 {
		skew = 60
	}
	size := cfg.NonceCacheSize
	if size <= 0 {
		size = 65536
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	ttl := time.Duration(2*skew) * time.Second
	return &Verifier{
		key:      cfg.Key,
		identity: cfg.Identity,
		skew:     skew,
		clock:    clock,
		nonces:   expirable.NewLRU[uuid.UUID, struct{}](size, nil, ttl),
	}, nil
}

// Verify checks an inbound envelope. Any error means the message must be
// dropped without a response. The nonce is consumed only when every other
// check passes, so a spoofed message cannot burn a legitimate nonce.
func (v *Verifier) Verify(env *Envelope) error {
	if env == nil {
		return fmt.Errorf("envelope cannot be nil")
	}
	if env.Version != ProtocolVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
	}
	if string(env.Recipient) != v.identity {
		return fmt.Errorf("%w: addressed to %q", ErrWrongRecipient, env.Recipient)
	}

	now := v.clock.Now().Unix()
	delta := now - int64(env.Timestamp)
	if delta < -v.skew || delta > v.skew {
		return fmt.Errorf("%w: envelope time %d, local time %d", ErrStaleTimestamp, env.Timestamp, now)
	}

	if len(env.Signature) != SignatureSize ||
		!hmac.Equal(env.Signature, env.computeSignature(v.key)) {
		return ErrBadSignature
	}

	if v.nonces.Contains(env.Nonce) {
		return fmt.Errorf("%w: %s", ErrNonceReplayed, env.Nonce)
	}
	v.nonces.Add(env.Nonce, struct{}{})

	return nil
}
