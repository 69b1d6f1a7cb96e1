package priority

import (
	"sort"

	"github.com/marketroute/marketroute/internal/provider"
)

// GetOptimalProvider answers which provider should serve the segment
// right now, optionally for one symbol. Symbol-level overrides take
// precedence when present; symbol may be empty. Returns false when no
// enabled candidate exists.
func (m *Manager) GetOptimalProvider(seg provider.Segment, symbol string) (provider.Provider, bool) {
	m.mu.RLock()

	var table map[provider.Provider]*Entry
	if symbol != "" {
		if t, ok := m.symbolEntries[symbolKey{Segment: seg, Symbol: symbol}]; ok {
			table = t
		}
	}
	if table == nil {
		table = m.entries[seg]
	}

	candidates := make([]Entry, 0, len(table))
	for _, e := range table {
		if e.Enabled {
			candidates = append(candidates, *e)
		}
	}
	mode := m.mode
	m.mu.RUnlock()

	if len(candidates) == 0 {
		return "", false
	}

	// Deterministic candidate order so ties and weighted draws are
	// reproducible under a fixed seed.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Provider < candidates[j].Provider
	})

	switch mode {
	case ModeWeightedRoundRobin:
		return m.selectWeighted(candidates), true
	case ModePerformanceBased:
		return selectPerformance(candidates), true
	case ModeLearningBased:
		return m.selectLearning(seg, candidates), true
	default:
		return selectByRank(candidates), true
	}
}

// selectByRank picks the smallest rank; ties break by provider name.
func selectByRank(candidates []Entry) provider.Provider {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Rank < best.Rank {
			best = c
		}
	}
	return best.Provider
}

// selectWeighted draws one candidate with probability proportional to
// weight. All-zero weights fall back to a uniform choice.
func (m *Manager) selectWeighted(candidates []Entry) provider.Provider {
	total := 0.0
	for _, c := range candidates {
		total += c.Weight
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if total <= 0 {
		return candidates[m.rng.Intn(len(candidates))].Provider
	}

	draw := m.rng.Float64() * total
	acc := 0.0
	for _, c := range candidates {
		acc += c.Weight
		if draw <= acc {
			return c.Provider
		}
	}
	return candidates[len(candidates)-1].Provider
}

// selectPerformance scores candidates on performance, quality, and rank;
// ties break by provider name (candidates are name-sorted already).
func selectPerformance(candidates []Entry) provider.Provider {
	best := candidates[0]
	bestScore := performanceBasedScore(best)
	for _, c := range candidates[1:] {
		if s := performanceBasedScore(c); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best.Provider
}

func performanceBasedScore(e Entry) float64 {
	return 0.4*e.PerformanceScore + 0.3*e.DataQualityScore + 0.3*(1.0/float64(e.Rank))
}

// selectLearning weighs the retained routing history. Candidates with
// no history score half their performance score; ties break by smallest
// rank.
func (m *Manager) selectLearning(seg provider.Segment, candidates []Entry) provider.Provider {
	type scored struct {
		entry Entry
		score float64
	}

	scoredCandidates := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		key := provider.Key{Provider: c.Provider, Segment: seg}

		m.mu.RLock()
		ring := m.learning[key]
		m.mu.RUnlock()

		score := c.PerformanceScore * 0.5
		if ring != nil {
			if sum := ring.summarize(); sum.count > 0 {
				latencyPenalty := sum.avgLatencyMs / 1000
				if latencyPenalty > 0.2 {
					latencyPenalty = 0.2
				}
				score = c.PerformanceScore + 0.3*sum.successRate - latencyPenalty - 0.1*sum.errorRate
			}
		}
		scoredCandidates = append(scoredCandidates, scored{entry: c, score: score})
	}

	best := scoredCandidates[0]
	for _, sc := range scoredCandidates[1:] {
		if sc.score > best.score || (sc.score == best.score && sc.entry.Rank < best.entry.Rank) {
			best = sc
		}
	}
	return best.entry.Provider
}
