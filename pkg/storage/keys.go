// Copyright 2025 Certen Protocol
//
// Persistent key layout for the record store.
// Every key is a short ASCII prefix, a colon, and a canonical binary
// suffix. Heights are big-endian so lexicographic iteration order equals
// numeric order, which the range scan depends on.

package storage

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

var (
	keyPrefixRecord     = []byte("b:") // + 32-byte block hash -> StoredRecord bytes
	keyPrefixHeight     = []byte("h:") // + 8-byte BE height   -> 32-byte block hash
	keyPrefixMerkleRoot = []byte("r:") // + 8-byte BE height   -> 32-byte merkle root
	keyPrefixStateRoot  = []byte("s:") // + 8-byte BE height   -> 32-byte state root
	keyPrefixTxLocation = []byte("t:") // + 32-byte tx hash    -> TransactionLocation bytes

	keyMetadata = []byte("m:metadata") // -> StorageMetadata bytes
)

// recordKey generates the key for a stored record.
func recordKey(hash common.Hash) []byte {
	return append(append([]byte{}, keyPrefixRecord...), hash.Bytes()...)
}

// heightKey generates the height-index key for a block height.
func heightKey(height uint64) []byte {
	return heightSuffixKey(keyPrefixHeight, height)
}

// merkleRootKey generates the merkle-root-index key for a block height.
func merkleRootKey(height uint64) []byte {
	return heightSuffixKey(keyPrefixMerkleRoot, height)
}

// stateRootKey generates the state-root-index key for a block height.
func stateRootKey(height uint64) []byte {
	return heightSuffixKey(keyPrefixStateRoot, height)
}

// txLocationKey generates the location-index key for a transaction hash.
func txLocationKey(txHash common.Hash) []byte {
	return append(append([]byte{}, keyPrefixTxLocation...), txHash.Bytes()...)
}

func heightSuffixKey(prefix []byte, height uint64) []byte {
	key := make([]byte, 0, len(prefix)+8)
	key = append(key, prefix...)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], height)
	return append(key, b[:]...)
}

// heightKeyEnd is the exclusive upper bound for iterating the h: index.
// "h;" is the next byte after ':' so it sorts after every height key.
func heightKeyEnd() []byte {
	return []byte("h;")
}
