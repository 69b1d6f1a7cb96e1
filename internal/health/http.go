package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/marketroute/marketroute/internal/provider"
)

const (
	healthyLatency = 500 * time.Millisecond
	probeTimeout   = 3 * time.Second
)

// HTTPSource probes provider REST ping endpoints and classifies the
// results into health statuses. Each upstream is guarded by a circuit
// breaker and a rate limiter so a dead or slow endpoint cannot stall
// the monitoring tick path; when the prober cannot answer it reports
// Unknown.
type HTTPSource struct {
	client *http.Client
	logger zerolog.Logger

	mu       sync.RWMutex
	targets  map[provider.Key]string
	limiters map[provider.Provider]*rate.Limiter
	guards   map[provider.Provider]*gobreaker.CircuitBreaker
	stats    map[provider.Key]*probeStats
	last     map[provider.Key]provider.HealthCheckResult
}

// probeStats accumulates a rolling performance view per pair.
type probeStats struct {
	total     int64
	errors    int64
	latencyMs float64 // EMA
}

func (s *probeStats) observe(latency time.Duration, failed bool) {
	s.total++
	if failed {
		s.errors++
	}
	ms := float64(latency.Microseconds()) / 1000.0
	if s.latencyMs == 0 {
		s.latencyMs = ms
	} else {
		s.latencyMs = 0.8*s.latencyMs + 0.2*ms
	}
}

func (s *probeStats) sample() provider.PerformanceSample {
	successRate := 1.0
	if s.total > 0 {
		successRate = float64(s.total-s.errors) / float64(s.total)
	}
	return provider.PerformanceSample{
		ResponseTimeMs: s.latencyMs,
		SuccessRate:    successRate,
		ErrorCount:     s.errors,
		TotalRequests:  s.total,
		DataFreshness:  1.0,
		UptimePct:      successRate * 100,
	}
}

// NewHTTPSource creates a prober. A nil http.Client gets a default with
// the probe timeout applied.
func NewHTTPSource(client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: probeTimeout}
	}
	return &HTTPSource{
		client:   client,
		logger:   log.With().Str("component", "health").Logger(),
		targets:  make(map[provider.Key]string),
		limiters: make(map[provider.Provider]*rate.Limiter),
		guards:   make(map[provider.Provider]*gobreaker.CircuitBreaker),
		stats:    make(map[provider.Key]*probeStats),
		last:     make(map[provider.Key]provider.HealthCheckResult),
	}
}

// AddTarget registers the ping endpoint probed for a (provider, segment)
// pair. Probes per provider are limited to one per second with a small
// burst, shared across its segments.
func (s *HTTPSource) AddTarget(p provider.Provider, seg provider.Segment, endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.targets[provider.Key{Provider: p, Segment: seg}] = endpoint
	if _, ok := s.limiters[p]; !ok {
		s.limiters[p] = rate.NewLimiter(rate.Limit(1), 3)
	}
	if _, ok := s.guards[p]; !ok {
		st := gobreaker.Settings{Name: string(p)}
		st.Interval = 60 * time.Second
		st.Timeout = 60 * time.Second
		st.ReadyToTrip = func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		}
		s.guards[p] = gobreaker.NewCircuitBreaker(st)
	}
}

// GetHealth probes the pair's endpoint and classifies the result.
// Unregistered pairs, rate-limited probes without a prior result, and
// an open probe guard all report Unknown.
func (s *HTTPSource) GetHealth(ctx context.Context, p provider.Provider, seg provider.Segment) provider.HealthCheckResult {
	key := provider.Key{Provider: p, Segment: seg}

	s.mu.RLock()
	endpoint, ok := s.targets[key]
	limiter := s.limiters[p]
	guard := s.guards[p]
	last, hasLast := s.last[key]
	s.mu.RUnlock()

	if !ok {
		return provider.HealthCheckResult{Status: provider.StatusUnknown, CheckedAt: time.Now()}
	}

	if !limiter.Allow() {
		if hasLast {
			return last
		}
		return provider.HealthCheckResult{Status: provider.StatusUnknown, CheckedAt: time.Now()}
	}

	start := time.Now()
	_, err := guard.Execute(func() (any, error) {
		return nil, s.probe(ctx, endpoint)
	})
	latency := time.Since(start)

	result := classify(err, latency)
	result.ResponseTime = latency
	result.CheckedAt = time.Now()

	s.record(key, result)
	return result
}

func (s *HTTPSource) probe(ctx context.Context, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return &softError{status: resp.StatusCode}
	}
	return nil
}

// softError marks responses that indicate degradation, not outage.
type softError struct {
	status int
}

func (e *softError) Error() string {
	return fmt.Sprintf("upstream status %d", e.status)
}

func classify(err error, latency time.Duration) provider.HealthCheckResult {
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// The prober itself cannot answer right now.
			return provider.HealthCheckResult{Status: provider.StatusUnknown, ErrorMessage: err.Error()}
		}
		var soft *softError
		if errors.As(err, &soft) {
			return provider.HealthCheckResult{Status: provider.StatusDegraded, ErrorMessage: err.Error()}
		}
		return provider.HealthCheckResult{Status: provider.StatusCritical, ErrorMessage: err.Error()}
	}

	if latency < healthyLatency {
		return provider.HealthCheckResult{Status: provider.StatusHealthy}
	}
	// Responding but slow: still serving, not a failover trigger.
	return provider.HealthCheckResult{Status: provider.StatusDegraded}
}

func (s *HTTPSource) record(key provider.Key, result provider.HealthCheckResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if result.Status != provider.StatusUnknown {
		st, ok := s.stats[key]
		if !ok {
			st = &probeStats{}
			s.stats[key] = st
		}
		st.observe(result.ResponseTime, result.Status == provider.StatusCritical)
		s.last[key] = result
	}
}

// GetPerformanceSample returns the rolling probe statistics for a pair.
// False until the first conclusive probe.
func (s *HTTPSource) GetPerformanceSample(_ context.Context, p provider.Provider, seg provider.Segment) (provider.PerformanceSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stats[provider.Key{Provider: p, Segment: seg}]
	if !ok {
		return provider.PerformanceSample{}, false
	}
	return st.sample(), true
}
