package failover

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/marketroute/marketroute/internal/breaker"
	"github.com/marketroute/marketroute/internal/metrics"
	"github.com/marketroute/marketroute/internal/priority"
	"github.com/marketroute/marketroute/internal/provider"
)

// Policy tunes the monitoring loops.
type Policy struct {
	// TickInterval is the monitoring cadence per segment.
	TickInterval time.Duration
	// DegradedFailoverAfter triggers a precautionary failover after this
	// many consecutive Degraded samples for the active provider.
	// 0 disables it: only Critical/unavailable triggers failover.
	DegradedFailoverAfter int
	// EventHistoryLimit bounds the retained failover events.
	EventHistoryLimit int
	// ObserverBuffer is the per-handler event channel capacity.
	ObserverBuffer int
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		TickInterval:      5 * time.Second,
		EventHistoryLimit: 1000,
		ObserverBuffer:    16,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.TickInterval <= 0 {
		p.TickInterval = d.TickInterval
	}
	if p.EventHistoryLimit <= 0 {
		p.EventHistoryLimit = d.EventHistoryLimit
	}
	if p.ObserverBuffer <= 0 {
		p.ObserverBuffer = d.ObserverBuffer
	}
	return p
}

type activeTable map[provider.Segment]provider.Provider

// Statistics summarizes failover activity and current routing state.
type Statistics struct {
	TotalEvents          int64                                   `json:"total_events"`
	SuccessfulFailovers  int64                                   `json:"successful_failovers"`
	FailedFailovers      int64                                   `json:"failed_failovers"`
	SuccessRate          float64                                 `json:"success_rate"`
	AvgFailoverLatencyMs float64                                 `json:"avg_failover_latency_ms"`
	PerSegmentCounts     map[provider.Segment]int64              `json:"per_segment_counts"`
	ActiveProviders      map[provider.Segment]provider.Provider  `json:"active_providers"`
	BreakerStates        map[string]breaker.Stats                `json:"breaker_states"`
}

// Manager keeps the active-provider table pointing at the best
// currently-executable provider per segment and is the single call path
// application code uses to reach the active provider.
//
// One monitoring goroutine runs per segment; only that goroutine writes
// the segment's table slot, so transitions within a segment are totally
// ordered. Route reads the table through an atomic pointer and never
// takes the manager lock.
type Manager struct {
	priorities *priority.Manager
	breakers   *breaker.Manager
	health     provider.HealthSource
	client     provider.ProtocolClient
	policy     Policy
	logger     zerolog.Logger
	metrics    *metrics.Registry

	active atomic.Pointer[activeTable]

	mu        sync.Mutex
	events    []Event
	observers []*observer
	degraded  map[provider.Key]int
	monitors  map[provider.Segment]context.CancelFunc
	stopped   bool

	totalEvents     int64
	successful      int64
	failed          int64
	failoverLatency time.Duration
	perSegment      map[provider.Segment]int64

	baseCtx context.Context
	wg      sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the package logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics attaches a prometheus registry.
func WithMetrics(reg *metrics.Registry) Option {
	return func(m *Manager) { m.metrics = reg }
}

// NewManager wires the failover manager with its collaborators. The
// health source and protocol client are injected so tests can
// substitute fakes.
func NewManager(priorities *priority.Manager, breakers *breaker.Manager, health provider.HealthSource, client provider.ProtocolClient, policy Policy, opts ...Option) *Manager {
	m := &Manager{
		priorities: priorities,
		breakers:   breakers,
		health:     health,
		client:     client,
		policy:     policy.withDefaults(),
		logger:     log.With().Str("component", "failover").Logger(),
		degraded:   make(map[provider.Key]int),
		monitors:   make(map[provider.Segment]context.CancelFunc),
		perSegment: make(map[provider.Segment]int64),
	}
	empty := make(activeTable)
	m.active.Store(&empty)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches one monitoring goroutine per segment.
func (m *Manager) Start(ctx context.Context, segments ...provider.Segment) error {
	m.mu.Lock()
	if m.baseCtx != nil {
		m.mu.Unlock()
		return fmt.Errorf("failover manager already started")
	}
	m.baseCtx = ctx
	m.mu.Unlock()

	for _, seg := range segments {
		if err := m.AddSegment(seg); err != nil {
			return err
		}
	}
	return nil
}

// AddSegment starts monitoring a segment. Each segment's loop is
// independently cancellable via RemoveSegment.
func (m *Manager) AddSegment(seg provider.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.baseCtx == nil {
		return fmt.Errorf("failover manager not started")
	}
	if _, ok := m.monitors[seg]; ok {
		return fmt.Errorf("segment %s already monitored", seg)
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	m.monitors[seg] = cancel
	m.wg.Add(1)
	go m.runMonitor(ctx, seg)
	return nil
}

// RemoveSegment cancels a segment's monitoring loop and clears its
// active-provider slot. Other segments are unaffected.
func (m *Manager) RemoveSegment(seg provider.Segment) {
	m.mu.Lock()
	cancel, ok := m.monitors[seg]
	if ok {
		delete(m.monitors, seg)
	}
	m.mu.Unlock()

	if ok {
		cancel()
		m.setActive(seg, "")
	}
}

// Stop cancels all monitoring loops and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	for seg, cancel := range m.monitors {
		cancel()
		delete(m.monitors, seg)
	}
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.stopped = true
		for _, o := range m.observers {
			close(o.ch)
		}
		m.observers = nil
	}
}

// ActiveProvider returns the current provider for a segment.
func (m *Manager) ActiveProvider(seg provider.Segment) (provider.Provider, bool) {
	table := m.active.Load()
	p, ok := (*table)[seg]
	return p, ok && p != ""
}

// Route forwards an operation to the segment's active provider and
// reports the outcome into the learning store and circuit breaker.
// Provider errors propagate unchanged; Route never retries or switches
// providers synchronously; the next monitoring tick owns that decision.
func (m *Manager) Route(ctx context.Context, seg provider.Segment, symbol, op string) (any, error) {
	active, ok := m.ActiveProvider(seg)
	if !ok {
		return nil, fmt.Errorf("%w: segment %s", provider.ErrNoProviderAvailable, seg)
	}

	start := time.Now()
	result, err := m.client.Invoke(ctx, active, seg, symbol, op)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	m.metrics.RecordRoute(string(seg), latencyMs, err)

	if err != nil {
		m.priorities.RecordLearning(seg, active, false, latencyMs, 1)
		m.breakers.RecordFailure(provider.Key{Provider: active, Segment: seg})
		return nil, err
	}

	m.priorities.RecordLearning(seg, active, true, latencyMs, 0)
	return result, nil
}

// RegisterFailoverHandler registers an observer for failover events.
// Delivery is fire-and-forget: slow observers drop events and handler
// failures never reach the routing core.
func (m *Manager) RegisterFailoverHandler(fn Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.observers = append(m.observers, startObserver(fn, m.policy.ObserverBuffer, m.logger))
}

// SetMode delegates to the priority manager.
func (m *Manager) SetMode(mode priority.Mode) {
	m.priorities.SetMode(mode)
}

// SetCircuitBreakerThresholds overrides breaker thresholds for one
// segment. Applies to breakers created after the call.
func (m *Manager) SetCircuitBreakerThresholds(seg provider.Segment, failureThreshold int, openTimeout time.Duration) {
	m.breakers.SetSegmentConfig(seg, breaker.Config{
		FailureThreshold: failureThreshold,
		OpenTimeout:      openTimeout,
	})
}

// Events returns a copy of the retained failover history, oldest first.
func (m *Manager) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// GetStatistics summarizes failover activity and routing state.
func (m *Manager) GetStatistics() Statistics {
	m.mu.Lock()
	stats := Statistics{
		TotalEvents:         m.totalEvents,
		SuccessfulFailovers: m.successful,
		FailedFailovers:     m.failed,
		PerSegmentCounts:    make(map[provider.Segment]int64, len(m.perSegment)),
	}
	for seg, n := range m.perSegment {
		stats.PerSegmentCounts[seg] = n
	}
	if m.totalEvents > 0 {
		stats.SuccessRate = float64(m.successful) / float64(m.totalEvents)
	}
	if m.successful > 0 {
		stats.AvgFailoverLatencyMs = float64(m.failoverLatency.Microseconds()) / 1000.0 / float64(m.successful)
	}
	m.mu.Unlock()

	stats.ActiveProviders = make(map[provider.Segment]provider.Provider)
	for seg, p := range *m.active.Load() {
		if p != "" {
			stats.ActiveProviders[seg] = p
		}
	}
	stats.BreakerStates = m.breakers.Snapshots()
	return stats
}

// runMonitor is the per-segment self-healing loop. Errors are recovered
// locally; the loop only exits on cancellation.
func (m *Manager) runMonitor(ctx context.Context, seg provider.Segment) {
	defer m.wg.Done()

	logger := m.logger.With().Str("segment", string(seg)).Logger()
	logger.Info().Dur("tick", m.policy.TickInterval).Msg("segment monitor started")

	ticker := time.NewTicker(m.policy.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("segment monitor stopped")
			return
		case <-ticker.C:
			m.tick(ctx, seg, logger)
		}
	}
}

func (m *Manager) tick(ctx context.Context, seg provider.Segment, logger zerolog.Logger) {
	active, ok := m.ActiveProvider(seg)
	if !ok {
		m.initialize(ctx, seg, logger)
		return
	}

	h := m.health.GetHealth(ctx, active, seg)
	key := provider.Key{Provider: active, Segment: seg}

	switch {
	case h.Status.Serving():
		m.breakers.RecordSuccess(key)
		m.metrics.SetBreakerState(string(active), string(seg), int(m.breakers.StateOf(key)))
		if sample, ok := m.health.GetPerformanceSample(ctx, active, seg); ok {
			m.priorities.UpdatePerformance(active, seg, sample)
		}

		if h.Status == provider.StatusDegraded {
			if streak := m.bumpDegraded(key); m.policy.DegradedFailoverAfter > 0 && streak >= m.policy.DegradedFailoverAfter {
				m.resetDegraded(key)
				m.failover(ctx, seg, active, fmt.Sprintf("degraded for %d consecutive checks", streak), logger)
				m.metrics.RecordTick(string(seg), "degraded_failover")
				return
			}
		} else {
			m.resetDegraded(key)
		}

		m.failback(ctx, seg, active, logger)
		m.metrics.RecordTick(string(seg), "ok")

	case h.Status == provider.StatusCritical:
		m.resetDegraded(key)
		reason := "provider critical"
		if h.ErrorMessage != "" {
			reason = "provider critical: " + h.ErrorMessage
		}
		m.failover(ctx, seg, active, reason, logger)
		m.metrics.RecordTick(string(seg), "failover")

	default:
		// Unknown health: no information means no failover and no
		// fail-back this tick.
		m.metrics.RecordTick(string(seg), "unknown")
	}
}

// initialize picks the first active provider for a segment: the optimal
// candidate whose last known health is not Critical.
func (m *Manager) initialize(ctx context.Context, seg provider.Segment, logger zerolog.Logger) {
	if p, ok := m.priorities.GetOptimalProvider(seg, ""); ok {
		if m.health.GetHealth(ctx, p, seg).Status != provider.StatusCritical {
			m.setActive(seg, p)
			logger.Info().Str("provider", string(p)).Msg("segment initialized")
			return
		}
	}

	// Optimal choice is Critical (or nothing is configured): fall back
	// to the best-performing non-Critical candidate.
	for _, e := range m.candidatesByPerformance(seg, "") {
		if m.health.GetHealth(ctx, e.Provider, seg).Status != provider.StatusCritical {
			m.setActive(seg, e.Provider)
			logger.Info().Str("provider", string(e.Provider)).Msg("segment initialized on backup")
			return
		}
	}
	logger.Warn().Msg("no provider available to initialize segment")
}

// failover moves the segment to the best eligible backup: enabled, not
// the failed provider, health not Critical, and circuit breaker
// admitting traffic; ranked by performance score. When no candidate
// qualifies the table is left unchanged and a failed event is recorded;
// the segment keeps targeting the failed provider until a later tick
// finds a replacement.
func (m *Manager) failover(ctx context.Context, seg provider.Segment, from provider.Provider, reason string, logger zerolog.Logger) {
	start := time.Now()

	var to provider.Provider
	for _, e := range m.candidatesByPerformance(seg, from) {
		if m.health.GetHealth(ctx, e.Provider, seg).Status == provider.StatusCritical {
			continue
		}
		if !m.breakers.CanExecute(provider.Key{Provider: e.Provider, Segment: seg}) {
			continue
		}
		to = e.Provider
		break
	}

	if to == "" {
		ev := m.appendEvent(newEvent(seg, from, "", reason, start, false))
		m.metrics.RecordFailover(string(seg), false)
		logger.Warn().Str("from", string(from)).Str("reason", reason).Str("event_id", ev.ID).
			Msg("failover exhausted: no eligible backup")
		return
	}

	m.setActive(seg, to)
	ev := m.appendEvent(newEvent(seg, from, to, reason, start, true))
	m.metrics.RecordFailover(string(seg), true)
	logger.Info().Str("from", string(from)).Str("to", string(to)).Str("reason", reason).
		Str("event_id", ev.ID).Msg("failover complete")
	m.notify(ev)
}

// failback switches back to a better-ranked provider once it has
// recovered: scanned in rank order, the first candidate that is serving
// and whose breaker is fully Closed wins. HalfOpen is not good enough
// to fail back onto.
func (m *Manager) failback(ctx context.Context, seg provider.Segment, active provider.Provider, logger zerolog.Logger) {
	entries := m.priorities.Snapshot(seg)

	activeRank := 0
	for _, e := range entries {
		if e.Provider == active {
			activeRank = e.Rank
			break
		}
	}
	if activeRank <= 1 {
		return
	}

	start := time.Now()
	for _, e := range entries {
		if e.Rank >= activeRank {
			break
		}
		if !e.Enabled || e.Provider == active {
			continue
		}
		if !m.health.GetHealth(ctx, e.Provider, seg).Status.Serving() {
			continue
		}
		if m.breakers.StateOf(provider.Key{Provider: e.Provider, Segment: seg}) != breaker.StateClosed {
			continue
		}

		m.setActive(seg, e.Provider)
		ev := m.appendEvent(newEvent(seg, active, e.Provider, "higher-priority recovery", start, true))
		m.metrics.RecordFailover(string(seg), true)
		logger.Info().Str("from", string(active)).Str("to", string(e.Provider)).
			Str("event_id", ev.ID).Msg("failed back to higher-priority provider")
		m.notify(ev)
		return
	}
}

// candidatesByPerformance lists enabled entries for a segment excluding
// one provider, best performance score first.
func (m *Manager) candidatesByPerformance(seg provider.Segment, exclude provider.Provider) []priority.Entry {
	entries := m.priorities.Snapshot(seg)
	out := entries[:0]
	for _, e := range entries {
		if e.Enabled && e.Provider != exclude {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PerformanceScore != out[j].PerformanceScore {
			return out[i].PerformanceScore > out[j].PerformanceScore
		}
		return out[i].Rank < out[j].Rank
	})
	return out
}

// setActive swaps one segment's slot via copy-on-write so Route reads
// stay wait-free. Empty provider clears the slot.
func (m *Manager) setActive(seg provider.Segment, p provider.Provider) {
	m.mu.Lock()
	old := m.active.Load()
	next := make(activeTable, len(*old)+1)
	for s, v := range *old {
		next[s] = v
	}
	if p == "" {
		delete(next, seg)
	} else {
		next[seg] = p
	}
	m.active.Store(&next)
	m.mu.Unlock()

	m.metrics.SetActiveProvider(string(seg), string(p))
}

func (m *Manager) appendEvent(ev Event) Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, ev)
	if len(m.events) > m.policy.EventHistoryLimit {
		m.events = m.events[len(m.events)-m.policy.EventHistoryLimit:]
	}

	m.totalEvents++
	m.perSegment[ev.Segment]++
	if ev.Success {
		m.successful++
		m.failoverLatency += ev.Duration
	} else {
		m.failed++
	}
	return ev
}

func (m *Manager) notify(ev Event) {
	m.mu.Lock()
	observers := make([]*observer, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, o := range observers {
		o.offer(ev, m.logger)
	}
}

func (m *Manager) bumpDegraded(key provider.Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.degraded[key]++
	return m.degraded[key]
}

func (m *Manager) resetDegraded(key provider.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.degraded, key)
}
