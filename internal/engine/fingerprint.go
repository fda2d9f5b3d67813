package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
)

// Fingerprint computes the stable identity hash for a theme: SHA-256 over
// the seed vector (the first member's embedding, as float32 little-endian
// bytes) plus the theme's creation ordinal.
//
// Computed exactly once when the theme is created and never recomputed, so
// identity survives centroid drift and process restarts. Two themes created
// from identical seed vectors in different positions still get distinct
// fingerprints via the ordinal.
func Fingerprint(seed []float32, ordinal int64) string {
	h := sha256.New()
	buf := make([]byte, 4)
	for _, v := range seed {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
		h.Write(buf)
	}
	h.Write([]byte{0}) // separator
	ordBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(ordBuf, uint64(ordinal))
	h.Write(ordBuf)
	return fmt.Sprintf("%x", h.Sum(nil))
}
