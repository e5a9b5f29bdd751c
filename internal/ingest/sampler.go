package ingest

import (
	"math/rand/v2"
	"sync"

	"example.com/nfcstats/internal/domain"
)

// DefaultSampleRate is the fraction of non-critical events persisted.
const DefaultSampleRate = 0.10

// Sampler decides whether an event is persisted.
type Sampler interface {
	Keep(ev *domain.Event) bool
}

// RateSampler keeps every critical event and an independent uniform
// fraction of the rest.
type RateSampler struct {
	rate float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRateSampler returns a sampler keeping rate of non-critical events. A
// nil src draws from the runtime's global source.
func NewRateSampler(rate float64, src rand.Source) *RateSampler {
	s := &RateSampler{rate: rate}
	if src != nil {
		s.rng = rand.New(src)
	}
	return s
}

func (s *RateSampler) Keep(ev *domain.Event) bool {
	if ev.IsCritical() {
		return true
	}
	switch {
	case s.rate <= 0:
		return false
	case s.rate >= 1:
		return true
	}
	return s.draw() < s.rate
}

func (s *RateSampler) draw() float64 {
	if s.rng == nil {
		return rand.Float64()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}
