package health

import (
	"context"
	"sync"
	"time"

	"github.com/marketroute/marketroute/internal/provider"
)

// StaticSource is a HealthSource backed by a plain table. Useful for
// wiring before a prober is configured and as a controllable source in
// tests; pairs never set report Unknown.
type StaticSource struct {
	mu      sync.RWMutex
	health  map[provider.Key]provider.HealthCheckResult
	samples map[provider.Key]provider.PerformanceSample
}

func NewStaticSource() *StaticSource {
	return &StaticSource{
		health:  make(map[provider.Key]provider.HealthCheckResult),
		samples: make(map[provider.Key]provider.PerformanceSample),
	}
}

// SetStatus sets the reported status for a pair.
func (s *StaticSource) SetStatus(p provider.Provider, seg provider.Segment, status provider.HealthStatus) {
	s.SetHealth(p, seg, provider.HealthCheckResult{Status: status, CheckedAt: time.Now()})
}

// SetHealth sets the full health result for a pair.
func (s *StaticSource) SetHealth(p provider.Provider, seg provider.Segment, result provider.HealthCheckResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health[provider.Key{Provider: p, Segment: seg}] = result
}

// SetPerformanceSample sets the reported sample for a pair.
func (s *StaticSource) SetPerformanceSample(p provider.Provider, seg provider.Segment, sample provider.PerformanceSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[provider.Key{Provider: p, Segment: seg}] = sample
}

func (s *StaticSource) GetHealth(_ context.Context, p provider.Provider, seg provider.Segment) provider.HealthCheckResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.health[provider.Key{Provider: p, Segment: seg}]; ok {
		return r
	}
	return provider.HealthCheckResult{Status: provider.StatusUnknown, CheckedAt: time.Now()}
}

func (s *StaticSource) GetPerformanceSample(_ context.Context, p provider.Provider, seg provider.Segment) (provider.PerformanceSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sample, ok := s.samples[provider.Key{Provider: p, Segment: seg}]
	return sample, ok
}
