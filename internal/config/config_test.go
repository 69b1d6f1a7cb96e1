package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "marketroute.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validYAML = `
mode: weighted_round_robin
tick_interval_seconds: 10
degraded_failover_after: 2

circuit_breaker:
  failure_threshold: 4
  open_timeout_seconds: 30
  success_threshold: 2

redis:
  addr: localhost:6379
  db: 1

metrics_addr: ":9091"

segments:
  spot:
    providers:
      binance:
        rank: 1
        weight: 0.7
        health_endpoint: https://api.binance.com/api/v3/ping
        base_url: https://api.binance.com/api/v3
      okx:
        rank: 2
        weight: 0.3
`

func TestLoad_Valid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "weighted_round_robin", cfg.Mode)
	assert.Equal(t, 10*time.Second, cfg.TickInterval())
	assert.Equal(t, 30*time.Second, cfg.OpenTimeout())
	assert.Equal(t, 2, cfg.DegradedFailoverAfter)
	assert.Equal(t, 4, cfg.Breaker.FailureThreshold)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "marketroute:priorities", cfg.SnapshotKey(), "key falls back to default")

	spot := cfg.Segments["spot"]
	require.Len(t, spot.Providers, 2)
	assert.Equal(t, 1, spot.Providers["binance"].Rank)
	assert.Equal(t, 0.3, spot.Providers["okx"].Weight)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "segments: [not a map"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"unknown mode": `
mode: fastest_first
segments:
  spot:
    providers:
      binance: {rank: 1, weight: 0.5}
`,
		"no segments": `
mode: priority_only
`,
		"segment without providers": `
segments:
  spot:
    providers: {}
`,
		"rank below one": `
segments:
  spot:
    providers:
      binance: {rank: 0, weight: 0.5}
`,
		"weight above one": `
segments:
  spot:
    providers:
      binance: {rank: 1, weight: 1.5}
`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
segments:
  spot:
    providers:
      binance: {rank: 1, weight: 0.5}
`))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.TickInterval())
	assert.Equal(t, 60*time.Second, cfg.OpenTimeout())
	assert.Equal(t, 0, cfg.DegradedFailoverAfter)
	assert.Equal(t, "marketroute:priorities", cfg.SnapshotKey())
}
