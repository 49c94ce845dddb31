package util

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash/crc32"
	"strings"
)

// crc32Table is precomputed for better performance
var crc32Table = crc32.MakeTable(crc32.IEEE)

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// SealRecord appends a 4-byte little endian checksum to a stored record
// Format: [data][checksum (4 bytes)]
func SealRecord(data []byte) []byte {
	result := make([]byte, len(data)+4)
	copy(result, data)
	binary.LittleEndian.PutUint32(result[len(data):], ComputeChecksum(data))
	return result
}

// OpenRecord validates a sealed record and returns its payload
func OpenRecord(sealed []byte) ([]byte, bool) {
	if len(sealed) < 4 {
		return nil, false
	}
	n := len(sealed) - 4
	data := sealed[:n]
	return data, binary.LittleEndian.Uint32(sealed[n:]) == ComputeChecksum(data)
}

// ChainHash derives the next repository hash from the previous one and the
// addresses changed since it. Hashes form a chain, so equal change sets at
// different points in history still yield distinct hashes.
func ChainHash(previous string, changed []string) string {
	h := sha256.New()
	h.Write([]byte(previous))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(changed, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}

// GenesisHash is the first repository hash of an agent
func GenesisHash(agentID string) string {
	return ChainHash("", []string{AgentRoot(agentID)})
}
