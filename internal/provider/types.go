package provider

import (
	"context"
	"time"
)

// Provider identifies one upstream exchange data source (e.g. "binance").
type Provider string

// Segment is a market category that partitions all routing state. A
// provider can be ranked differently per segment.
type Segment string

const (
	SegmentSpot    Segment = "spot"
	SegmentFutures Segment = "futures"
)

// Key addresses per-(provider, segment) state such as circuit breakers
// and learning buffers.
type Key struct {
	Provider Provider
	Segment  Segment
}

func (k Key) String() string {
	return string(k.Provider) + "/" + string(k.Segment)
}

// HealthStatus classifies a provider's last known health.
type HealthStatus int

const (
	StatusUnknown HealthStatus = iota
	StatusHealthy
	StatusDegraded
	StatusCritical
)

func (s HealthStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Serving reports whether the status allows normal serving. Degraded
// providers keep serving; only Critical (or Unknown) does not qualify
// as a failover target.
func (s HealthStatus) Serving() bool {
	return s == StatusHealthy || s == StatusDegraded
}

// HealthCheckResult is a single health sample for a (provider, segment)
// pair, produced by a HealthSource.
type HealthCheckResult struct {
	Status       HealthStatus  `json:"status"`
	ResponseTime time.Duration `json:"response_time"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CheckedAt    time.Time     `json:"checked_at"`
}

// PerformanceSample is a telemetry snapshot for a (provider, segment)
// pair. Consumed, never owned: it is folded into the priority entry's
// performance score on arrival.
type PerformanceSample struct {
	ResponseTimeMs float64 `json:"response_time_ms"`
	SuccessRate    float64 `json:"success_rate"`  // 0..1
	ErrorCount     int64   `json:"error_count"`
	TotalRequests  int64   `json:"total_requests"`
	DataFreshness  float64 `json:"data_freshness"` // 0..1
	UptimePct      float64 `json:"uptime_pct"`     // 0..100
	Trend          string  `json:"trend,omitempty"`
}

// DataQualitySample scores one batch of market data on four axes, each 0..1.
type DataQualitySample struct {
	Completeness float64 `json:"completeness"`
	Accuracy     float64 `json:"accuracy"`
	Timeliness   float64 `json:"timeliness"`
	Consistency  float64 `json:"consistency"`
}

// Overall collapses the sample into a single 0..1 score. Accuracy is
// weighted heaviest.
func (s DataQualitySample) Overall() float64 {
	return 0.3*s.Completeness + 0.4*s.Accuracy + 0.2*s.Timeliness + 0.1*s.Consistency
}

// HealthSource supplies health and performance telemetry per
// (provider, segment). Implementations must be safe to call at the
// monitoring tick rate; when a source cannot answer it returns a result
// with StatusUnknown rather than blocking or erroring.
type HealthSource interface {
	GetHealth(ctx context.Context, p Provider, seg Segment) HealthCheckResult
	GetPerformanceSample(ctx context.Context, p Provider, seg Segment) (PerformanceSample, bool)
}

// ProtocolClient performs the actual exchange API call. The routing core
// never inspects the payload, only success/failure and latency.
type ProtocolClient interface {
	Invoke(ctx context.Context, p Provider, seg Segment, symbol, op string) (any, error)
}

// ClientFunc adapts a plain function to the ProtocolClient interface.
type ClientFunc func(ctx context.Context, p Provider, seg Segment, symbol, op string) (any, error)

func (f ClientFunc) Invoke(ctx context.Context, p Provider, seg Segment, symbol, op string) (any, error) {
	return f(ctx, p, seg, symbol, op)
}
