package relay

import (
	"math/rand/v2"
)

const DefaultMaxBackoffExponent = 7

// BackoffTimer computes reconnection waits. After attempt n the wait is
// uniformly random in [1, 2^min(n, maxExponent)] units.
type BackoffTimer struct {
	attempt     int
	maxExponent int
	// randN returns a uniform value in [0, n).
	randN func(n int64) int64
}

// NewBackoffTimer uses math/rand/v2 when randN is nil.
func NewBackoffTimer(maxExponent int, randN func(n int64) int64) *BackoffTimer {
	if maxExponent <= 0 {
		maxExponent = DefaultMaxBackoffExponent
	}
	if randN == nil {
		randN = rand.Int64N
	}
	return &BackoffTimer{maxExponent: maxExponent, randN: randN}
}

// Next advances the attempt counter and returns the wait in units.
func (b *BackoffTimer) Next() int {
	b.attempt = min(b.attempt+1, b.maxExponent)
	window := int64(1) << b.attempt
	return int(1 + b.randN(window))
}

func (b *BackoffTimer) Attempt() int {
	return b.attempt
}

func (b *BackoffTimer) Reset() {
	b.attempt = 0
}
