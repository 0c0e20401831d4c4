// Copyright 2025 Certen Protocol
//
// Key layout tests

package storage

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestRecordKey(t *testing.T) {
	hash := common.HexToHash("0x0102030000000000000000000000000000000000000000000000000000000000")
	key := recordKey(hash)

	if !bytes.HasPrefix(key, []byte("b:")) {
		t.Errorf("record key missing prefix: %q", key)
	}
	if len(key) != 2+32 {
		t.Errorf("record key length mismatch: got %d, want 34", len(key))
	}
	if !bytes.Equal(key[2:], hash.Bytes()) {
		t.Errorf("record key suffix mismatch: got %x", key[2:])
	}
}

func TestHeightKey_BigEndianOrder(t *testing.T) {
	// Big-endian heights must sort lexicographically in numeric order.
	heights := []uint64{0, 1, 255, 256, 1 << 32, 1<<63 + 5}
	for i := 1; i < len(heights); i++ {
		lo := heightKey(heights[i-1])
		hi := heightKey(heights[i])
		if bytes.Compare(lo, hi) >= 0 {
			t.Errorf("height key order violated: key(%d) >= key(%d)", heights[i-1], heights[i])
		}
	}
}

func TestHeightKeyEnd_BoundsAllHeights(t *testing.T) {
	end := heightKeyEnd()
	max := heightKey(^uint64(0))
	if bytes.Compare(max, end) >= 0 {
		t.Errorf("height key end %q does not bound max height key %q", end, max)
	}
}

func TestKeyPrefixesDistinct(t *testing.T) {
	hash := common.HexToHash("0xaa")
	keys := [][]byte{
		recordKey(hash),
		heightKey(7),
		merkleRootKey(7),
		stateRootKey(7),
		txLocationKey(hash),
		keyMetadata,
	}
	for i := range keys {
		for j := i + 1; j < len(keys); j++ {
			if bytes.Equal(keys[i], keys[j]) {
				t.Errorf("key collision between entry %d and %d: %q", i, j, keys[i])
			}
		}
	}
}

func TestChecksumDeterminism(t *testing.T) {
	data := []byte("canonical record body")
	var c CRC32C
	if c.Sum(data) != c.Sum(data) {
		t.Error("checksum not deterministic")
	}
	if c.Sum(data) == c.Sum(append(data, 'x')) {
		t.Error("checksum ignores trailing byte")
	}
}
