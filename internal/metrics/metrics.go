package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all Prometheus metrics for the routing core. A nil
// Registry is valid and records nothing, so instrumentation stays
// optional in tests.
type Registry struct {
	FailoversTotal *prometheus.CounterVec
	RoutesTotal    *prometheus.CounterVec
	RouteLatency   *prometheus.HistogramVec
	BreakerState   *prometheus.GaugeVec
	ActiveProvider *prometheus.GaugeVec
	MonitorTicks   *prometheus.CounterVec
}

// NewRegistry creates all marketroute metrics.
func NewRegistry() *Registry {
	return &Registry{
		FailoversTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketroute_failovers_total",
				Help: "Total number of failover attempts by segment and outcome",
			},
			[]string{"segment", "outcome"},
		),

		RoutesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketroute_routes_total",
				Help: "Total number of routed requests by segment and outcome",
			},
			[]string{"segment", "outcome"},
		),

		RouteLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketroute_route_latency_ms",
				Help:    "Latency of routed provider calls in milliseconds",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
			},
			[]string{"segment"},
		),

		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketroute_breaker_state",
				Help: "Circuit breaker state per provider/segment (0=closed, 1=half-open, 2=open)",
			},
			[]string{"provider", "segment"},
		),

		ActiveProvider: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketroute_active_provider",
				Help: "Currently active provider per segment (1=active)",
			},
			[]string{"segment", "provider"},
		),

		MonitorTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketroute_monitor_ticks_total",
				Help: "Monitoring loop ticks by segment and result",
			},
			[]string{"segment", "result"},
		),
	}
}

// MustRegister registers every metric with the given registerer.
func (r *Registry) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		r.FailoversTotal,
		r.RoutesTotal,
		r.RouteLatency,
		r.BreakerState,
		r.ActiveProvider,
		r.MonitorTicks,
	)
}

func (r *Registry) RecordFailover(segment string, success bool) {
	if r == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failed"
	}
	r.FailoversTotal.WithLabelValues(segment, outcome).Inc()
}

func (r *Registry) RecordRoute(segment string, latencyMs float64, err error) {
	if r == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	r.RoutesTotal.WithLabelValues(segment, outcome).Inc()
	r.RouteLatency.WithLabelValues(segment).Observe(latencyMs)
}

func (r *Registry) SetBreakerState(providerName, segment string, state int) {
	if r == nil {
		return
	}
	r.BreakerState.WithLabelValues(providerName, segment).Set(float64(state))
}

func (r *Registry) SetActiveProvider(segment, providerName string) {
	if r == nil {
		return
	}
	// Reset previous holders so only one series per segment reads 1.
	r.ActiveProvider.DeletePartialMatch(prometheus.Labels{"segment": segment})
	if providerName != "" {
		r.ActiveProvider.WithLabelValues(segment, providerName).Set(1)
	}
}

func (r *Registry) RecordTick(segment, result string) {
	if r == nil {
		return
	}
	r.MonitorTicks.WithLabelValues(segment, result).Inc()
}
