package priority

import (
	"time"

	"github.com/marketroute/marketroute/internal/provider"
)

// ExportedEntry is the externally visible shape of one priority entry.
type ExportedEntry struct {
	Rank             int     `json:"rank"`
	Weight           float64 `json:"weight"`
	Enabled          bool    `json:"enabled"`
	PerformanceScore float64 `json:"performance_score"`
	DataQualityScore float64 `json:"data_quality_score"`
}

// Export is the priority configuration as a plain nested map keyed by
// segment then provider. Persistence of the value is the caller's
// concern.
type Export map[string]map[string]ExportedEntry

// ExportConfig snapshots the segment-level tables.
func (m *Manager) ExportConfig() Export {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(Export, len(m.entries))
	for seg, table := range m.entries {
		row := make(map[string]ExportedEntry, len(table))
		for p, e := range table {
			row[string(p)] = ExportedEntry{
				Rank:             e.Rank,
				Weight:           e.Weight,
				Enabled:          e.Enabled,
				PerformanceScore: e.PerformanceScore,
				DataQualityScore: e.DataQualityScore,
			}
		}
		out[string(seg)] = row
	}
	return out
}

// ImportConfig overwrites matching (segment, provider) keys and leaves
// everything else untouched. The whole import is validated before any
// state is mutated.
func (m *Manager) ImportConfig(blob Export) error {
	for _, row := range blob {
		for p, ee := range row {
			if ee.Rank < 1 || ee.Weight < 0 || ee.Weight > 1 {
				return provider.InvalidConfigError(provider.Provider(p), ee.Rank, ee.Weight)
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for seg, row := range blob {
		table := m.segmentTable(provider.Segment(seg))
		for p, ee := range row {
			e := table[provider.Provider(p)]
			if e == nil {
				e = &Entry{Provider: provider.Provider(p), Segment: provider.Segment(seg)}
				table[provider.Provider(p)] = e
			}
			e.Rank = ee.Rank
			e.Weight = ee.Weight
			e.Enabled = ee.Enabled
			e.PerformanceScore = ee.PerformanceScore
			e.DataQualityScore = ee.DataQualityScore
			e.UpdatedAt = now
		}
	}
	return nil
}
