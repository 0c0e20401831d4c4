// Copyright 2025 Certen Protocol
//
// Transaction hasher port. Location-index keys are derived from canonical
// transaction bytes; the engine never inspects transaction contents.

package storage

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Hasher derives a transaction hash from canonical transaction bytes.
type Hasher interface {
	HashTransaction(tx []byte) common.Hash
}

// KeccakHasher is the default Hasher.
type KeccakHasher struct{}

// HashTransaction implements Hasher.
func (KeccakHasher) HashTransaction(tx []byte) common.Hash {
	return crypto.Keccak256Hash(tx)
}
