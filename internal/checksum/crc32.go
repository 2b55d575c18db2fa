// Package checksum computes the CRC32 variant used to protect shared-memory
// payloads: polynomial 0xEDB88320 (reflected), init 0xFFFFFFFF, final XOR
// 0xFFFFFFFF — the same parameters as the "IEEE" table used throughout the
// standard library's hash/crc32 package.
package checksum

import "hash/crc32"

// table is the IEEE polynomial table (0xEDB88320 reflected), computed once.
var table = crc32.MakeTable(crc32.IEEE)

// CRC32 returns the checksum of b using polynomial 0xEDB88320, init
// 0xFFFFFFFF, final XOR 0xFFFFFFFF.
func CRC32(b []byte) uint32 {
	return crc32.Checksum(b, table)
}

// Verify reports whether want matches the checksum of b. A want of 0 is
// treated by callers as "not present" and should not be routed through
// Verify — see shm.ChecksumAlgorithm.
func Verify(b []byte, want uint32) bool {
	return CRC32(b) == want
}
