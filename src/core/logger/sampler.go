package logger

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/cnaize/geofw/src/core/metrics"
	"github.com/cnaize/geofw/src/types"
)

type sampleKey struct {
	addr    netip.Addr
	verdict types.Verdict
}

// Sampler lets one verdict event per address and verdict through per window.
type Sampler struct {
	cache *otter.Cache[sampleKey, struct{}]
}

func NewSampler(window time.Duration, size int) (*Sampler, error) {
	if window <= 0 {
		return &Sampler{}, nil
	}

	cache, err := otter.New(
		&otter.Options[sampleKey, struct{}]{
			MaximumSize:      size,
			ExpiryCalculator: otter.ExpiryWriting[sampleKey, struct{}](window),
			StatsRecorder:    metrics.Get().SamplerCacheStats,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("new cache: %w", err)
	}

	return &Sampler{
		cache: cache,
	}, nil
}

func (s *Sampler) Allow(d types.Decision) bool {
	if s == nil || s.cache == nil {
		return true
	}

	key := sampleKey{addr: d.Addr, verdict: d.Verdict}
	// the lookup feeds the hit and miss counters
	if _, ok := s.cache.GetIfPresent(key); ok {
		return false
	}
	_, inserted := s.cache.SetIfAbsent(key, struct{}{})

	return inserted
}
