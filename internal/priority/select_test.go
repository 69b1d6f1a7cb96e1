package priority

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketroute/marketroute/internal/provider"
)

func TestGetOptimalProvider_PriorityOnly(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.SetSegmentPriority(provider.SegmentSpot, map[provider.Provider]Setting{
		"binance": {Rank: 2, Weight: 0.5},
		"okx":     {Rank: 1, Weight: 0.5},
		"kraken":  {Rank: 3, Weight: 0.5},
	}))

	for i := 0; i < 10; i++ {
		p, ok := m.GetOptimalProvider(provider.SegmentSpot, "")
		require.True(t, ok)
		assert.Equal(t, provider.Provider("okx"), p, "lowest rank always wins in priority-only mode")
	}
}

func TestGetOptimalProvider_NoCandidates(t *testing.T) {
	m := NewManager()

	_, ok := m.GetOptimalProvider(provider.SegmentSpot, "")
	assert.False(t, ok, "unconfigured segment has no candidates")

	require.NoError(t, m.SetSegmentPriority(provider.SegmentSpot, map[provider.Provider]Setting{
		"binance": {Rank: 1, Weight: 0.5},
	}))
	m.MarkUnavailable("binance")

	_, ok = m.GetOptimalProvider(provider.SegmentSpot, "")
	assert.False(t, ok, "all candidates disabled")
}

func TestGetOptimalProvider_SymbolOverridePrecedence(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.SetSegmentPriority(provider.SegmentSpot, map[provider.Provider]Setting{
		"binance": {Rank: 1, Weight: 0.5},
		"okx":     {Rank: 2, Weight: 0.5},
	}))
	require.NoError(t, m.SetSymbolPriority(provider.SegmentSpot, []string{"BTCUSDT"}, map[provider.Provider]Setting{
		"binance": {Rank: 2, Weight: 0.5},
		"okx":     {Rank: 1, Weight: 0.5},
	}))

	p, ok := m.GetOptimalProvider(provider.SegmentSpot, "BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, provider.Provider("okx"), p, "symbol table takes precedence")

	p, ok = m.GetOptimalProvider(provider.SegmentSpot, "ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, provider.Provider("binance"), p, "symbols without override use the segment table")

	p, ok = m.GetOptimalProvider(provider.SegmentSpot, "")
	require.True(t, ok)
	assert.Equal(t, provider.Provider("binance"), p)
}

func TestGetOptimalProvider_WeightedRoundRobinConvergence(t *testing.T) {
	m := NewManager(WithRand(rand.New(rand.NewSource(42))))
	require.NoError(t, m.SetSegmentPriority(provider.SegmentSpot, map[provider.Provider]Setting{
		"binance": {Rank: 1, Weight: 0.8},
		"okx":     {Rank: 2, Weight: 0.2},
	}))
	m.SetMode(ModeWeightedRoundRobin)

	const draws = 10000
	counts := map[provider.Provider]int{}
	for i := 0; i < draws; i++ {
		p, ok := m.GetOptimalProvider(provider.SegmentSpot, "")
		require.True(t, ok)
		counts[p]++
	}

	assert.InDelta(t, 0.8, float64(counts["binance"])/draws, 0.02)
	assert.InDelta(t, 0.2, float64(counts["okx"])/draws, 0.02)
}

func TestGetOptimalProvider_WeightedAllZeroFallsBackToUniform(t *testing.T) {
	m := NewManager(WithRand(rand.New(rand.NewSource(7))))
	require.NoError(t, m.SetSegmentPriority(provider.SegmentSpot, map[provider.Provider]Setting{
		"binance": {Rank: 1, Weight: 0},
		"okx":     {Rank: 2, Weight: 0},
	}))
	m.SetMode(ModeWeightedRoundRobin)

	counts := map[provider.Provider]int{}
	for i := 0; i < 2000; i++ {
		p, ok := m.GetOptimalProvider(provider.SegmentSpot, "")
		require.True(t, ok)
		counts[p]++
	}

	assert.Greater(t, counts["binance"], 0)
	assert.Greater(t, counts["okx"], 0)
}

func TestGetOptimalProvider_PerformanceBased(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.SetSegmentPriority(provider.SegmentSpot, map[provider.Provider]Setting{
		"binance": {Rank: 1, Weight: 0.5},
		"okx":     {Rank: 2, Weight: 0.5},
	}))
	m.SetMode(ModePerformanceBased)

	// Rank 1 wins while scores are equal: 0.3*(1/1) beats 0.3*(1/2).
	p, ok := m.GetOptimalProvider(provider.SegmentSpot, "")
	require.True(t, ok)
	assert.Equal(t, provider.Provider("binance"), p)

	// A strong enough performance and quality edge flips the choice.
	m.UpdatePerformance("okx", provider.SegmentSpot, provider.PerformanceSample{
		ResponseTimeMs: 50, SuccessRate: 1, DataFreshness: 1, UptimePct: 100,
	})
	m.UpdateDataQuality("okx", provider.SegmentSpot, provider.DataQualitySample{
		Completeness: 1, Accuracy: 1, Timeliness: 1, Consistency: 1,
	})

	p, ok = m.GetOptimalProvider(provider.SegmentSpot, "")
	require.True(t, ok)
	assert.Equal(t, provider.Provider("okx"), p)
}

func TestGetOptimalProvider_LearningBased(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.SetSegmentPriority(provider.SegmentSpot, map[provider.Provider]Setting{
		"binance": {Rank: 1, Weight: 0.5},
		"okx":     {Rank: 2, Weight: 0.5},
	}))
	m.UpdatePerformance("binance", provider.SegmentSpot, provider.PerformanceSample{
		ResponseTimeMs: 50, SuccessRate: 1, DataFreshness: 1, UptimePct: 100,
	})
	m.UpdatePerformance("okx", provider.SegmentSpot, provider.PerformanceSample{
		ResponseTimeMs: 50, SuccessRate: 1, DataFreshness: 1, UptimePct: 100,
	})
	m.SetMode(ModeLearningBased)

	// No history: both score perf*0.5, tie breaks by smallest rank.
	p, ok := m.GetOptimalProvider(provider.SegmentSpot, "")
	require.True(t, ok)
	assert.Equal(t, provider.Provider("binance"), p)

	// A clean fast history lifts okx above binance's no-history score.
	for i := 0; i < 20; i++ {
		m.RecordLearning(provider.SegmentSpot, "okx", true, 10, 0)
	}

	p, ok = m.GetOptimalProvider(provider.SegmentSpot, "")
	require.True(t, ok)
	assert.Equal(t, provider.Provider("okx"), p)

	// A history of failures drags okx below binance's clean record.
	for i := 0; i < 20; i++ {
		m.RecordLearning(provider.SegmentSpot, "binance", true, 10, 0)
	}
	for i := 0; i < 200; i++ {
		m.RecordLearning(provider.SegmentSpot, "okx", false, 900, 1)
	}

	p, ok = m.GetOptimalProvider(provider.SegmentSpot, "")
	require.True(t, ok)
	assert.Equal(t, provider.Provider("binance"), p)
}

func TestLearningRing_BoundedAndSummarized(t *testing.T) {
	ring := newLearningRing(4)
	assert.Equal(t, 0, ring.len())

	for i := 0; i < 6; i++ {
		ring.add(LearningRecord{Success: i%2 == 0, LatencyMs: 100, ErrorCount: 1})
	}
	assert.Equal(t, 4, ring.len(), "ring retains at most its capacity")

	sum := ring.summarize()
	assert.Equal(t, 4, sum.count)
	assert.InDelta(t, 0.5, sum.successRate, 1e-9)
	assert.InDelta(t, 100, sum.avgLatencyMs, 1e-9)
	assert.InDelta(t, 1, sum.errorRate, 1e-9)
}
