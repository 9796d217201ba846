package store

import (
	"encoding/hex"
	"sync/atomic"
	"time"
)

var (
	idSeq uint64
)

// newSortableID generates a lexicographically sortable 26-char ID suffix.
// Layout (hex): 16 chars timestamp ns + 10 chars sequence.
func newSortableID() string {
	ns := uint64(time.Now().UnixNano())
	seq := atomic.AddUint64(&idSeq, 1)
	var raw [13]byte
	for i := 0; i < 8; i++ {
		raw[i] = byte(ns >> (56 - 8*i))
	}
	// Keep lower 40 bits for a fixed 10-hex-char suffix.
	for i := 0; i < 5; i++ {
		raw[8+i] = byte(seq >> (32 - 8*i))
	}
	dst := make([]byte, 26)
	hex.Encode(dst, raw[:])
	return string(dst)
}

// NewBulkActionID generates a new bulk action ID with the "ba_" prefix.
func NewBulkActionID() string {
	return "ba_" + newSortableID()
}

// NewJobID generates a new queue job ID with the "job_" prefix.
func NewJobID() string {
	return "job_" + newSortableID()
}

// NewEntityID generates a 24-hex-char record ID, the same shape callers
// use to address records in bulk updates.
func NewEntityID() string {
	return newSortableID()[2:]
}
