// Package entropy provides the randomness sources that drive demand and
// telemetry draws. Every stochastic branch in the simulation takes a Source,
// so tests can replay fixed sequences.
package entropy

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand/v2"
	"sync"

	"golang.org/x/exp/constraints"
)

// Source yields uniform floats in [0, 1).
type Source interface {
	Float() float64
}

// Uniform draws from [lo, hi) using src.
func Uniform(src Source, lo, hi float64) float64 {
	return lo + src.Float()*(hi-lo)
}

// Clamp bounds v to [lo, hi].
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Seeded is a deterministic PCG source, safe for concurrent use.
type Seeded struct {
	mu  sync.Mutex
	rng *mrand.Rand
}

// NewSeeded creates a Seeded source from seed.
func NewSeeded(seed uint64) *Seeded {
	return &Seeded{rng: mrand.New(mrand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Float returns the next value.
func (s *Seeded) Float() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// Crypto draws from crypto/rand.
type Crypto struct{}

// Float takes the top 53 bits of a crypto/rand word. A failed read yields the
// midpoint rather than a biased zero.
func (Crypto) Float() float64 {
	var word [8]byte
	if _, err := rand.Read(word[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(word[:])>>11) * 0x1p-53
}

// Sequence replays fixed values in order, wrapping around at the end.
// An empty sequence always returns 0.
type Sequence struct {
	mu     sync.Mutex
	values []float64
	pos    int
}

// NewSequence creates a Sequence over values.
func NewSequence(values ...float64) *Sequence {
	return &Sequence{values: values}
}

// Float returns the next value of the sequence.
func (s *Sequence) Float() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) == 0 {
		return 0
	}
	v := s.values[s.pos%len(s.values)]
	s.pos++
	return v
}

// Select picks the configured source: random.org when a key is set (falling
// back to the seeded or crypto source), a seeded PCG when seed is non-zero,
// crypto/rand otherwise.
func Select(randomOrgKey string, seed uint64) Source {
	var local Source = Crypto{}
	if seed != 0 {
		local = NewSeeded(seed)
	}
	if c := NewClient(randomOrgKey); c != nil {
		c.Fallback = local
		return c
	}
	return local
}
