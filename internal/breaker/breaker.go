package breaker

import (
	"sync"
	"time"

	"github.com/marketroute/marketroute/internal/provider"
)

// State represents the current state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config parameterizes one circuit breaker.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens the
	// circuit from Closed.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// OpenTimeout is how long the circuit stays Open before the next
	// CanExecute transitions it to HalfOpen.
	OpenTimeout time.Duration `json:"open_timeout" yaml:"open_timeout"`
	// SuccessThreshold is the number of trial successes in HalfOpen
	// required to close the circuit again.
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold"`
}

// DefaultConfig returns sensible defaults for provider circuits.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
		SuccessThreshold: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	return c
}

// CircuitBreaker is a pure failure/recovery state machine for one
// (provider, segment) pair. No I/O: callers ask CanExecute before
// sending traffic and report outcomes back via RecordSuccess and
// RecordFailure.
type CircuitBreaker struct {
	mu            sync.Mutex
	config        Config
	state         State
	failureCount  int
	successCount  int
	lastFailureAt time.Time
}

// NewCircuitBreaker creates a breaker in the Closed state.
func NewCircuitBreaker(config Config) *CircuitBreaker {
	return &CircuitBreaker{
		config: config.withDefaults(),
		state:  StateClosed,
	}
}

// CanExecute reports whether traffic may be sent. In Open state it also
// performs the timed transition to HalfOpen once OpenTimeout has elapsed
// since the last failure.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.lastFailureAt) >= cb.config.OpenTimeout {
			cb.state = StateHalfOpen
			cb.successCount = 0
			return true
		}
		return false
	case StateHalfOpen:
		// Trial traffic allowed
		return true
	default:
		return false
	}
}

// RecordSuccess reports a successful call. Enough consecutive successes
// in HalfOpen close the circuit; in Closed each success decays the
// failure count by one so isolated failures do not accumulate forever.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failureCount = 0
			cb.successCount = 0
		}
	case StateClosed:
		if cb.failureCount > 0 {
			cb.failureCount--
		}
	}
}

// RecordFailure reports a failed call. In Closed the circuit opens once
// the failure threshold is reached; in HalfOpen any failure means the
// trial failed and the circuit reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureAt = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.successCount = 0
	}
}

// Reset forces the breaker back to Closed and zeroes all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.lastFailureAt = time.Time{}
}

// State returns the current state without side effects.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a point-in-time snapshot of one breaker.
type Stats struct {
	State         string    `json:"state"`
	FailureCount  int       `json:"failure_count"`
	SuccessCount  int       `json:"success_count"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
}

// Snapshot returns the breaker's counters and state.
func (cb *CircuitBreaker) Snapshot() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		State:         cb.state.String(),
		FailureCount:  cb.failureCount,
		SuccessCount:  cb.successCount,
		LastFailureAt: cb.lastFailureAt,
	}
}

// Manager owns the circuit breakers for all (provider, segment) pairs.
// Breakers are created lazily the first time a failure is recorded for a
// pair; a pair with no breaker behaves as Closed.
type Manager struct {
	mu        sync.RWMutex
	defaults  Config
	overrides map[provider.Segment]Config
	breakers  map[provider.Key]*CircuitBreaker
}

// NewManager creates a breaker manager with the given default config.
func NewManager(defaults Config) *Manager {
	return &Manager{
		defaults:  defaults.withDefaults(),
		overrides: make(map[provider.Segment]Config),
		breakers:  make(map[provider.Key]*CircuitBreaker),
	}
}

// SetSegmentConfig overrides breaker thresholds for one segment.
// Existing breakers keep their configuration; only breakers created
// afterwards pick up the override.
func (m *Manager) SetSegmentConfig(seg provider.Segment, config Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[seg] = config.withDefaults()
}

func (m *Manager) configFor(seg provider.Segment) Config {
	if c, ok := m.overrides[seg]; ok {
		return c
	}
	return m.defaults
}

// get returns the breaker for a key, creating it if needed.
func (m *Manager) get(key provider.Key) *CircuitBreaker {
	m.mu.RLock()
	if cb, ok := m.breakers[key]; ok {
		m.mu.RUnlock()
		return cb
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, ok := m.breakers[key]; ok {
		return cb
	}
	cb := NewCircuitBreaker(m.configFor(key.Segment))
	m.breakers[key] = cb
	return cb
}

// CanExecute reports whether the pair may receive traffic. Pairs that
// never failed have no breaker and are always executable.
func (m *Manager) CanExecute(key provider.Key) bool {
	m.mu.RLock()
	cb, ok := m.breakers[key]
	m.mu.RUnlock()
	if !ok {
		return true
	}
	return cb.CanExecute()
}

// RecordSuccess feeds a success into the pair's breaker, if one exists.
func (m *Manager) RecordSuccess(key provider.Key) {
	m.mu.RLock()
	cb, ok := m.breakers[key]
	m.mu.RUnlock()
	if ok {
		cb.RecordSuccess()
	}
}

// RecordFailure feeds a failure into the pair's breaker, creating it on
// first failure.
func (m *Manager) RecordFailure(key provider.Key) {
	m.get(key).RecordFailure()
}

// StateOf returns the pair's current state; Closed when no breaker exists.
func (m *Manager) StateOf(key provider.Key) State {
	m.mu.RLock()
	cb, ok := m.breakers[key]
	m.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return cb.State()
}

// Reset forces the pair's breaker back to Closed, if one exists.
func (m *Manager) Reset(key provider.Key) {
	m.mu.RLock()
	cb, ok := m.breakers[key]
	m.mu.RUnlock()
	if ok {
		cb.Reset()
	}
}

// Snapshots returns stats for every breaker, keyed by "provider/segment".
func (m *Manager) Snapshots() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Stats, len(m.breakers))
	for key, cb := range m.breakers {
		out[key.String()] = cb.Snapshot()
	}
	return out
}
