package priority

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/marketroute/marketroute/internal/provider"
)

// Mode selects the algorithm GetOptimalProvider applies.
type Mode string

const (
	ModePriorityOnly       Mode = "priority_only"
	ModeWeightedRoundRobin Mode = "weighted_round_robin"
	ModePerformanceBased   Mode = "performance_based"
	ModeLearningBased      Mode = "learning_based"
)

// ParseMode validates a mode string from configuration.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModePriorityOnly, ModeWeightedRoundRobin, ModePerformanceBased, ModeLearningBased:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown load balancing mode %q", s)
	}
}

// Entry is the ranking record for one (segment, provider) pair.
// Rank 1 is most preferred.
type Entry struct {
	Provider         provider.Provider `json:"provider"`
	Segment          provider.Segment  `json:"segment"`
	Rank             int               `json:"rank"`
	Weight           float64           `json:"weight"`
	Enabled          bool              `json:"enabled"`
	PerformanceScore float64           `json:"performance_score"`
	DataQualityScore float64           `json:"data_quality_score"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Setting carries the caller-configurable part of an entry.
type Setting struct {
	Rank   int     `json:"rank" yaml:"rank"`
	Weight float64 `json:"weight" yaml:"weight"`
}

func (s Setting) validate(p provider.Provider) error {
	if s.Rank < 1 || s.Weight < 0 || s.Weight > 1 {
		return provider.InvalidConfigError(p, s.Rank, s.Weight)
	}
	return nil
}

type symbolKey struct {
	Segment provider.Segment
	Symbol  string
}

const defaultLearningCapacity = 1000

// Manager holds ranking, weight, performance, and quality state per
// market segment (optionally per symbol) and answers which provider
// should serve a segment right now.
type Manager struct {
	mu            sync.RWMutex
	mode          Mode
	entries       map[provider.Segment]map[provider.Provider]*Entry
	symbolEntries map[symbolKey]map[provider.Provider]*Entry
	learning      map[provider.Key]*learningRing
	learningCap   int
	rng           *rand.Rand
	logger        zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithRand injects the random source used by weighted round robin.
func WithRand(rng *rand.Rand) Option {
	return func(m *Manager) { m.rng = rng }
}

// WithLogger overrides the package logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithLearningCapacity overrides the per-pair learning buffer size.
func WithLearningCapacity(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.learningCap = n
		}
	}
}

// NewManager creates a priority manager in priority-only mode.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		mode:          ModePriorityOnly,
		entries:       make(map[provider.Segment]map[provider.Provider]*Entry),
		symbolEntries: make(map[symbolKey]map[provider.Provider]*Entry),
		learning:      make(map[provider.Key]*learningRing),
		learningCap:   defaultLearningCapacity,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:        log.With().Str("component", "priority").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetSegmentPriority overwrites the segment-level table for the given
// providers. Existing providers not listed are left untouched.
func (m *Manager) SetSegmentPriority(seg provider.Segment, settings map[provider.Provider]Setting) error {
	for p, s := range settings {
		if err := s.validate(p); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	table := m.segmentTable(seg)
	now := time.Now()
	for p, s := range settings {
		e := table[p]
		if e == nil {
			e = &Entry{Provider: p, Segment: seg, Enabled: true}
			table[p] = e
		}
		e.Rank = s.Rank
		e.Weight = s.Weight
		e.UpdatedAt = now
	}
	return nil
}

// SetSymbolPriority creates or overwrites the symbol-level override
// table for each listed symbol. Symbol entries take precedence over the
// segment-level table when resolving that symbol.
func (m *Manager) SetSymbolPriority(seg provider.Segment, symbols []string, settings map[provider.Provider]Setting) error {
	for p, s := range settings {
		if err := s.validate(p); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, sym := range symbols {
		key := symbolKey{Segment: seg, Symbol: sym}
		table := make(map[provider.Provider]*Entry, len(settings))
		for p, s := range settings {
			table[p] = &Entry{
				Provider:  p,
				Segment:   seg,
				Rank:      s.Rank,
				Weight:    s.Weight,
				Enabled:   true,
				UpdatedAt: now,
			}
		}
		m.symbolEntries[key] = table
	}
	return nil
}

// SetProviderPriority sets rank and weight for one (provider, segment) pair.
func (m *Manager) SetProviderPriority(p provider.Provider, seg provider.Segment, rank int, weight float64) error {
	return m.SetSegmentPriority(seg, map[provider.Provider]Setting{p: {Rank: rank, Weight: weight}})
}

// SetMode switches the process-wide selection mode.
func (m *Manager) SetMode(mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
}

// CurrentMode returns the active selection mode.
func (m *Manager) CurrentMode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// MarkUnavailable disables every entry for the provider across all
// segments and symbol tables.
func (m *Manager) MarkUnavailable(p provider.Provider) {
	m.setEnabled(p, false)
}

// MarkAvailable re-enables every entry for the provider.
func (m *Manager) MarkAvailable(p provider.Provider) {
	m.setEnabled(p, true)
}

func (m *Manager) setEnabled(p provider.Provider, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, table := range m.entries {
		if e, ok := table[p]; ok {
			e.Enabled = enabled
			e.UpdatedAt = now
		}
	}
	for _, table := range m.symbolEntries {
		if e, ok := table[p]; ok {
			e.Enabled = enabled
			e.UpdatedAt = now
		}
	}
}

// UpdatePerformance folds a telemetry sample into the pair's
// performance score. Samples for unconfigured pairs create the entry
// with rank after the current worst, so early metrics are not lost.
func (m *Manager) UpdatePerformance(p provider.Provider, seg provider.Segment, sample provider.PerformanceSample) {
	score := performanceScore(sample)

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.ensureEntry(p, seg)
	e.PerformanceScore = score
	e.UpdatedAt = time.Now()
}

// UpdateDataQuality folds a quality sample into the pair's quality score.
func (m *Manager) UpdateDataQuality(p provider.Provider, seg provider.Segment, sample provider.DataQualitySample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.ensureEntry(p, seg)
	e.DataQualityScore = sample.Overall()
	e.UpdatedAt = time.Now()
}

// RecordLearning appends one routing outcome to the pair's bounded
// learning buffer.
func (m *Manager) RecordLearning(seg provider.Segment, p provider.Provider, success bool, latencyMs float64, errorCount int) {
	key := provider.Key{Provider: p, Segment: seg}

	m.mu.Lock()
	ring, ok := m.learning[key]
	if !ok {
		ring = newLearningRing(m.learningCap)
		m.learning[key] = ring
	}
	m.mu.Unlock()

	ring.add(LearningRecord{
		Timestamp:  time.Now(),
		Success:    success,
		LatencyMs:  latencyMs,
		ErrorCount: errorCount,
	})
}

// RecalculatePriorities re-sorts the segment's enabled entries by
// (rank asc, performance desc, quality desc) and reassigns ranks 1..N.
// This is an explicit re-ranking; ingestion never triggers it.
func (m *Manager) RecalculatePriorities(seg provider.Segment) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, ok := m.entries[seg]
	if !ok {
		return
	}

	var enabled []*Entry
	for _, e := range table {
		if e.Enabled {
			enabled = append(enabled, e)
		}
	}
	sort.Slice(enabled, func(i, j int) bool {
		a, b := enabled[i], enabled[j]
		if a.Rank != b.Rank {
			return a.Rank < b.Rank
		}
		if a.PerformanceScore != b.PerformanceScore {
			return a.PerformanceScore > b.PerformanceScore
		}
		if a.DataQualityScore != b.DataQualityScore {
			return a.DataQualityScore > b.DataQualityScore
		}
		return a.Provider < b.Provider
	})

	now := time.Now()
	for i, e := range enabled {
		e.Rank = i + 1
		e.UpdatedAt = now
	}

	m.logger.Debug().Str("segment", string(seg)).Int("providers", len(enabled)).Msg("priorities recalculated")
}

// Snapshot returns copies of the segment's entries sorted by rank.
func (m *Manager) Snapshot(seg provider.Segment) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	table, ok := m.entries[seg]
	if !ok {
		return nil
	}
	out := make([]Entry, 0, len(table))
	for _, e := range table {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].Provider < out[j].Provider
	})
	return out
}

// segmentTable returns the mutable table for a segment, creating it if
// needed. Callers must hold the write lock.
func (m *Manager) segmentTable(seg provider.Segment) map[provider.Provider]*Entry {
	table, ok := m.entries[seg]
	if !ok {
		table = make(map[provider.Provider]*Entry)
		m.entries[seg] = table
	}
	return table
}

// ensureEntry returns the entry for a pair, creating it with defaults
// (rank after the current worst, weight 0.5) when metrics arrive before
// explicit configuration. Callers must hold the write lock.
func (m *Manager) ensureEntry(p provider.Provider, seg provider.Segment) *Entry {
	table := m.segmentTable(seg)
	if e, ok := table[p]; ok {
		return e
	}

	maxRank := 0
	for _, e := range table {
		if e.Rank > maxRank {
			maxRank = e.Rank
		}
	}
	e := &Entry{
		Provider: p,
		Segment:  seg,
		Rank:     maxRank + 1,
		Weight:   0.5,
		Enabled:  true,
	}
	table[p] = e
	m.logger.Debug().Str("provider", string(p)).Str("segment", string(seg)).Int("rank", e.Rank).
		Msg("entry created from ingestion before configuration")
	return e
}

// performanceScore maps a telemetry sample to a 0..1 score.
// Response time buckets: <100ms full credit, <500ms, <1000ms, else floor.
func performanceScore(s provider.PerformanceSample) float64 {
	var responseScore float64
	switch {
	case s.ResponseTimeMs < 100:
		responseScore = 1.0
	case s.ResponseTimeMs < 500:
		responseScore = 0.8
	case s.ResponseTimeMs < 1000:
		responseScore = 0.6
	default:
		responseScore = 0.4
	}
	return 0.3*responseScore + 0.3*s.SuccessRate + 0.2*s.DataFreshness + 0.2*(s.UptimePct/100)
}
