// Package rng supplies the random-number source the core spec lists as
// an external collaborator: session IDs and initial sequence numbers.
package rng

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand"
)

// Source draws a uniform integer in [0, n).
type Source interface {
	Intn(n int) int
}

// New returns the production Source: a math/rand.Rand seeded from
// crypto/rand at construction time. This mirrors the two-stage
// "crypto-seed, math/rand-draw" idiom used to mint IDs in the reference
// corpus (crypto/rand for the unpredictable seed, a cheap PRNG for the
// draws themselves) without paying crypto/rand's cost on every call.
func New() Source {
	return mrand.New(mrand.NewSource(cryptoSeed()))
}

func cryptoSeed() int64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failure on a modern OS is not something callers can
		// usefully recover from; fall back to a fixed seed rather than
		// crashing session-id generation.
		return 0x5eed
	}
	return int64(binary.BigEndian.Uint64(b[:]))
}

// IntnRange draws a uniform integer in [lo, hi], inclusive on both ends,
// matching Python's random.randint used by the reference implementation
// for session IDs ([1, 10000]) and initial sequence numbers ([1, 100]).
func IntnRange(src Source, lo, hi int) int {
	return lo + src.Intn(hi-lo+1)
}
