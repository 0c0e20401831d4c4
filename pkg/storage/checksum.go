// Copyright 2025 Certen Protocol
//
// Checksum port for record integrity. The default is CRC32C (Castagnoli),
// computed over the canonical serialization of the record body and verified
// on every read.

package storage

import "hash/crc32"

// Checksummer computes the integrity checksum over canonical record bytes.
type Checksummer interface {
	Sum(data []byte) uint32
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32C is the default Checksummer.
type CRC32C struct{}

// Sum implements Checksummer.
func (CRC32C) Sum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}
