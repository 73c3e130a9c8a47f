// Package streams provides codecs for the fixed PDB streams: the root
// stream and its named-stream table, the name index, DBI, TPI/IPI headers,
// source metadata streams and the global/public symbol indices.
package streams

import (
	"encoding/binary"
)

// HashV1 is the case-folding string hash used by the named-stream table,
// the name index and the global/public symbol indices.
//
// The name is consumed as little-endian 32-bit words XORed together, the
// tail as one 16-bit and one 8-bit value. The result is ORed with the
// lower-case mask and mixed by two shift-XOR rounds.
func HashV1(name string) uint32 {
	b := []byte(name)
	var h uint32

	n := len(b) / 4
	for i := 0; i < n; i++ {
		h ^= binary.LittleEndian.Uint32(b[4*i:])
	}
	tail := b[4*n:]
	if len(tail) >= 2 {
		h ^= uint32(binary.LittleEndian.Uint16(tail))
		tail = tail[2:]
	}
	if len(tail) == 1 {
		h ^= uint32(tail[0])
	}

	const toLowerMask = 0x20202020
	h |= toLowerMask
	h ^= h >> 11
	return h ^ (h >> 16)
}
