package priority

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketroute/marketroute/internal/provider"
)

func spotSettings() map[provider.Provider]Setting {
	return map[provider.Provider]Setting{
		"binance": {Rank: 1, Weight: 0.6},
		"okx":     {Rank: 2, Weight: 0.4},
	}
}

func TestSetSegmentPriority_RejectsInvalidInputWithoutMutating(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.SetSegmentPriority(provider.SegmentSpot, spotSettings()))

	cases := map[string]map[provider.Provider]Setting{
		"rank zero":       {"binance": {Rank: 0, Weight: 0.5}},
		"negative rank":   {"binance": {Rank: -1, Weight: 0.5}},
		"negative weight": {"binance": {Rank: 1, Weight: -0.1}},
		"weight above 1":  {"binance": {Rank: 1, Weight: 1.1}},
		"one bad of two": {
			"binance": {Rank: 1, Weight: 0.5},
			"okx":     {Rank: 0, Weight: 0.5},
		},
	}
	for name, settings := range cases {
		t.Run(name, func(t *testing.T) {
			err := m.SetSegmentPriority(provider.SegmentSpot, settings)
			require.Error(t, err)
			assert.ErrorIs(t, err, provider.ErrInvalidConfig)
		})
	}

	// The table is untouched by any of the rejected calls.
	snap := m.Snapshot(provider.SegmentSpot)
	require.Len(t, snap, 2)
	assert.Equal(t, provider.Provider("binance"), snap[0].Provider)
	assert.Equal(t, 1, snap[0].Rank)
	assert.Equal(t, 0.6, snap[0].Weight)
}

func TestSetSegmentPriority_LeavesUnlistedProvidersAlone(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.SetSegmentPriority(provider.SegmentSpot, spotSettings()))

	require.NoError(t, m.SetSegmentPriority(provider.SegmentSpot, map[provider.Provider]Setting{
		"okx": {Rank: 1, Weight: 0.9},
	}))

	snap := m.Snapshot(provider.SegmentSpot)
	require.Len(t, snap, 2)
	byName := map[provider.Provider]Entry{}
	for _, e := range snap {
		byName[e.Provider] = e
	}
	assert.Equal(t, 1, byName["binance"].Rank, "unlisted provider keeps its rank")
	assert.Equal(t, 1, byName["okx"].Rank)
	assert.Equal(t, 0.9, byName["okx"].Weight)
}

func TestSetProviderPriority(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.SetProviderPriority("kraken", provider.SegmentSpot, 3, 0.2))

	snap := m.Snapshot(provider.SegmentSpot)
	require.Len(t, snap, 1)
	assert.Equal(t, provider.Provider("kraken"), snap[0].Provider)
	assert.Equal(t, 3, snap[0].Rank)
	assert.True(t, snap[0].Enabled)

	err := m.SetProviderPriority("kraken", provider.SegmentSpot, 0, 0.2)
	assert.ErrorIs(t, err, provider.ErrInvalidConfig)
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"priority_only", "weighted_round_robin", "performance_based", "learning_based"} {
		mode, err := ParseMode(s)
		require.NoError(t, err)
		assert.Equal(t, Mode(s), mode)
	}

	_, err := ParseMode("round_robin")
	assert.Error(t, err)
}

func TestMarkUnavailable_DisablesAcrossSegmentsAndSymbols(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.SetSegmentPriority(provider.SegmentSpot, spotSettings()))
	require.NoError(t, m.SetSegmentPriority(provider.SegmentFutures, spotSettings()))
	require.NoError(t, m.SetSymbolPriority(provider.SegmentSpot, []string{"BTCUSDT"}, spotSettings()))

	m.MarkUnavailable("binance")

	p, ok := m.GetOptimalProvider(provider.SegmentSpot, "")
	require.True(t, ok)
	assert.Equal(t, provider.Provider("okx"), p)

	p, ok = m.GetOptimalProvider(provider.SegmentFutures, "")
	require.True(t, ok)
	assert.Equal(t, provider.Provider("okx"), p)

	p, ok = m.GetOptimalProvider(provider.SegmentSpot, "BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, provider.Provider("okx"), p, "symbol override table is disabled too")

	m.MarkAvailable("binance")
	p, ok = m.GetOptimalProvider(provider.SegmentSpot, "")
	require.True(t, ok)
	assert.Equal(t, provider.Provider("binance"), p)
}

func TestUpdatePerformance_Score(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.SetSegmentPriority(provider.SegmentSpot, spotSettings()))

	m.UpdatePerformance("binance", provider.SegmentSpot, provider.PerformanceSample{
		ResponseTimeMs: 50, // bucket 1.0
		SuccessRate:    1.0,
		DataFreshness:  1.0,
		UptimePct:      100,
	})
	snap := m.Snapshot(provider.SegmentSpot)
	assert.InDelta(t, 1.0, snap[0].PerformanceScore, 1e-9)

	m.UpdatePerformance("binance", provider.SegmentSpot, provider.PerformanceSample{
		ResponseTimeMs: 1500, // bucket 0.4
		SuccessRate:    0.5,
		DataFreshness:  0.0,
		UptimePct:      50,
	})
	snap = m.Snapshot(provider.SegmentSpot)
	// 0.3*0.4 + 0.3*0.5 + 0.2*0 + 0.2*0.5
	assert.InDelta(t, 0.37, snap[0].PerformanceScore, 1e-9)
}

func TestUpdatePerformance_IngestionBeforeConfigurationCreatesEntry(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.SetSegmentPriority(provider.SegmentSpot, spotSettings()))

	m.UpdatePerformance("kraken", provider.SegmentSpot, provider.PerformanceSample{
		ResponseTimeMs: 80, SuccessRate: 1, DataFreshness: 1, UptimePct: 100,
	})

	snap := m.Snapshot(provider.SegmentSpot)
	require.Len(t, snap, 3)
	last := snap[len(snap)-1]
	assert.Equal(t, provider.Provider("kraken"), last.Provider)
	assert.Equal(t, 3, last.Rank, "new entry ranks after the current worst")
	assert.Equal(t, 0.5, last.Weight)
	assert.True(t, last.Enabled)
}

func TestUpdateDataQuality(t *testing.T) {
	m := NewManager()
	m.UpdateDataQuality("binance", provider.SegmentSpot, provider.DataQualitySample{
		Completeness: 1.0,
		Accuracy:     0.5,
		Timeliness:   1.0,
		Consistency:  0.0,
	})

	snap := m.Snapshot(provider.SegmentSpot)
	require.Len(t, snap, 1)
	// 0.3*1 + 0.4*0.5 + 0.2*1 + 0.1*0
	assert.InDelta(t, 0.7, snap[0].DataQualityScore, 1e-9)
}

func TestRecalculatePriorities(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.SetSegmentPriority(provider.SegmentSpot, map[provider.Provider]Setting{
		"binance": {Rank: 2, Weight: 0.5},
		"okx":     {Rank: 2, Weight: 0.5},
		"kraken":  {Rank: 5, Weight: 0.5},
	}))
	// Tie on rank 2 breaks by performance score.
	m.UpdatePerformance("okx", provider.SegmentSpot, provider.PerformanceSample{
		ResponseTimeMs: 50, SuccessRate: 1, DataFreshness: 1, UptimePct: 100,
	})

	m.RecalculatePriorities(provider.SegmentSpot)

	snap := m.Snapshot(provider.SegmentSpot)
	require.Len(t, snap, 3)
	assert.Equal(t, provider.Provider("okx"), snap[0].Provider)
	assert.Equal(t, 1, snap[0].Rank)
	assert.Equal(t, provider.Provider("binance"), snap[1].Provider)
	assert.Equal(t, 2, snap[1].Rank)
	assert.Equal(t, provider.Provider("kraken"), snap[2].Provider)
	assert.Equal(t, 3, snap[2].Rank, "gap in configured ranks is compacted")
}

func TestRecalculatePriorities_SkipsDisabled(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.SetSegmentPriority(provider.SegmentSpot, spotSettings()))
	m.MarkUnavailable("binance")

	m.RecalculatePriorities(provider.SegmentSpot)

	snap := m.Snapshot(provider.SegmentSpot)
	byName := map[provider.Provider]Entry{}
	for _, e := range snap {
		byName[e.Provider] = e
	}
	assert.Equal(t, 1, byName["binance"].Rank, "disabled entries keep their rank")
	assert.Equal(t, 1, byName["okx"].Rank, "only enabled entries are re-ranked")
}

func TestSnapshot_ReturnsCopies(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.SetSegmentPriority(provider.SegmentSpot, spotSettings()))

	snap := m.Snapshot(provider.SegmentSpot)
	snap[0].Rank = 99

	again := m.Snapshot(provider.SegmentSpot)
	assert.Equal(t, 1, again[0].Rank, "mutating a snapshot does not touch manager state")

	assert.Nil(t, m.Snapshot(provider.SegmentFutures))
}

func TestExportImportRoundTrip(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.SetSegmentPriority(provider.SegmentSpot, spotSettings()))
	m.UpdatePerformance("binance", provider.SegmentSpot, provider.PerformanceSample{
		ResponseTimeMs: 50, SuccessRate: 1, DataFreshness: 1, UptimePct: 100,
	})
	m.MarkUnavailable("okx")

	blob := m.ExportConfig()

	other := NewManager()
	require.NoError(t, other.ImportConfig(blob))

	snap := other.Snapshot(provider.SegmentSpot)
	require.Len(t, snap, 2)
	byName := map[provider.Provider]Entry{}
	for _, e := range snap {
		byName[e.Provider] = e
	}
	assert.Equal(t, 1, byName["binance"].Rank)
	assert.InDelta(t, 1.0, byName["binance"].PerformanceScore, 1e-9)
	assert.False(t, byName["okx"].Enabled)
}

func TestImportConfig_ValidatesBeforeMutating(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.SetSegmentPriority(provider.SegmentSpot, spotSettings()))

	err := m.ImportConfig(Export{
		"spot": {
			"binance": {Rank: 7, Weight: 0.5, Enabled: true},
			"okx":     {Rank: 0, Weight: 0.5, Enabled: true},
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrInvalidConfig)

	snap := m.Snapshot(provider.SegmentSpot)
	assert.Equal(t, 1, snap[0].Rank, "nothing applied from a rejected import")
}
