// Package checksum turns serialized values into stable 64-bit identifiers.
//
// Checkpoint addresses and idempotency task ids are derived from these
// identifiers, so every Generator must be deterministic across processes
// and restarts. Callers hash serializer output, never in-memory values.
package checksum

import (
	"hash/crc32"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Generator hashes a byte slice to a stable identifier.
type Generator interface {
	Generate(data []byte) int64
}

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func(data []byte) int64

// Generate calls f(data).
func (f GeneratorFunc) Generate(data []byte) int64 { return f(data) }

// XXHash is the default Generator: 64-bit xxHash.
type XXHash struct{}

// Generate returns the xxHash64 digest of data as a signed integer.
func (XXHash) Generate(data []byte) int64 {
	return int64(xxhash.Sum64(data))
}

// CRC32 hashes with the IEEE CRC-32 polynomial. Its 32-bit range makes
// collisions far more likely than XXHash; use it only when checkpoints were
// written by a client that used CRC-32 addressing.
type CRC32 struct{}

// Generate returns the CRC-32 of data, zero-extended to 64 bits.
func (CRC32) Generate(data []byte) int64 {
	return int64(crc32.ChecksumIEEE(data))
}

// Default returns the Generator used when none is configured.
func Default() Generator {
	return XXHash{}
}

// String formats a checksum for use in string keys.
func String(sum int64) string {
	return strconv.FormatUint(uint64(sum), 16)
}
