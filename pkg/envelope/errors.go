// Copyright 2025 Certen Protocol
//
// Envelope verification errors. All of them mean the message is dropped
// with a structured warning and never reaches business logic; no response
// is produced for an unauthenticated request.

package envelope

import "errors"

var (
	// ErrUnsupportedVersion is returned for any version other than
	// ProtocolVersion.
	ErrUnsupportedVersion = errors.New("unsupported envelope version")

	// ErrWrongRecipient is returned when recipient_id is not this
	// subsystem's identity.
	ErrWrongRecipient = errors.New("envelope not addressed to this subsystem")

	// ErrStaleTimestamp is returned when the timestamp falls outside the
	// accepted skew window.
	ErrStaleTimestamp = errors.New("envelope timestamp outside skew window")

	// ErrNonceReplayed is returned when the nonce is already present in
	// the replay-prevention cache.
	ErrNonceReplayed = errors.New("envelope nonce already seen")

	// ErrBadSignature is returned when the HMAC does not verify under the
	// shared key.
	ErrBadSignature = errors.New("envelope signature invalid")
)
