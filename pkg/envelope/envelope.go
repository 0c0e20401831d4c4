// Copyright 2025 Certen Protocol
//
// Signed message envelope for the subsystem bus.
// Every inbound and outbound message is wrapped in an Envelope carrying
// version, identities, correlation ID, replay nonce, and an HMAC-SHA-256
// signature over the canonical framing of all preceding fields plus the
// payload. The envelope sender_id is the sole source of sender identity.

package envelope

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/certen/block-storage-engine/pkg/protocol"
	"github.com/certen/block-storage-engine/pkg/types"
)

// ProtocolVersion is the only envelope version this engine accepts.
const ProtocolVersion uint16 = 1

// SignatureSize is the HMAC-SHA-256 output width.
const SignatureSize = 32

// Topic addresses a subsystem channel for reply routing.
type Topic struct {
	Subsystem types.SubsystemID `json:"subsystem"`
	Channel   string            `json:"channel"`
}

// String renders the topic as subsystem/channel for publishing.
func (t Topic) String() string {
	return string(t.Subsystem) + "/" + t.Channel
}

// Envelope is the signed wire wrapper around a typed payload.
type Envelope struct {
	Version       uint16               `json:"version"`
	Sender        types.SubsystemID    `json:"sender_id"`
	Recipient     types.SubsystemID    `json:"recipient_id"`
	CorrelationID uuid.UUID            `json:"correlation_id"`
	ReplyTo       *Topic               `json:"reply_to,omitempty"`
	Timestamp     uint64               `json:"timestamp"` // unix seconds
	Nonce         uuid.UUID            `json:"nonce"`
	Signature     []byte               `json:"signature"`
	Kind          protocol.PayloadKind `json:"kind"`
	Payload       json.RawMessage      `json:"payload"`
}

// DecodePayload unmarshals the payload into v.
func (e *Envelope) DecodePayload(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// signingBytes frames every field except the signature deterministically.
// Variable-length fields are length-prefixed so no two distinct envelopes
// share a framing.
func (e *Envelope) signingBytes() []byte {
	var buf bytes.Buffer

	var v [2]byte
	binary.BigEndian.PutUint16(v[:], e.Version)
	buf.Write(v[:])

	writeString := func(s string) {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(s)))
		buf.Write(l[:])
		buf.WriteString(s)
	}
	writeString(string(e.Sender))
	writeString(string(e.Recipient))

	buf.Write(e.CorrelationID[:])

	if e.ReplyTo != nil {
		buf.WriteByte(0x01)
		writeString(string(e.ReplyTo.Subsystem))
		writeString(e.ReplyTo.Channel)
	} else {
		buf.WriteByte(0x00)
	}

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], e.Timestamp)
	buf.Write(ts[:])

	buf.Write(e.Nonce[:])

	writeString(string(e.Kind))
	buf.Write(e.Payload)

	return buf.Bytes()
}

// computeSignature returns the HMAC-SHA-256 over the signing bytes.
func (e *Envelope) computeSignature(key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(e.signingBytes())
	return mac.Sum(nil)
}
