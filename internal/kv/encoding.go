package kv

import "encoding/binary"

// PutUint64BE appends a big-endian uint64 to dst (8 bytes).
func PutUint64BE(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}

// GetUint64BE reads a big-endian uint64 from b.
func GetUint64BE(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// EncodeNs encodes a nanosecond timestamp as a standalone 8-byte value.
// Negative inputs clamp to zero so they still sort first.
func EncodeNs(ns int64) []byte {
	if ns < 0 {
		ns = 0
	}
	return PutUint64BE(make([]byte, 0, 8), uint64(ns))
}

// DecodeNs is the inverse of EncodeNs. Short values decode as zero.
func DecodeNs(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(GetUint64BE(b))
}
