// Package breaker implements the Circuit Breaker (C8): one state machine
// per (service, instance_id) gating outbound calls. It adapts
// infrastructure/resilience's State enum and ErrCircuitOpen sentinel so
// callers observing breaker state share vocabulary with the rest of the
// codebase; the state-transition logic itself is the spec's windowed
// CLOSED/OPEN/HALF_OPEN machine, which needs per-episode cooldown
// escalation and a combined consecutive-failure/error-rate trip
// condition that a single gobreaker instance does not expose (see
// DESIGN.md).
package breaker

import (
	"sync"
	"time"

	"github.com/hashmesh/meshcore/infrastructure/metrics"
	"github.com/hashmesh/meshcore/infrastructure/resilience"
	meshclock "github.com/hashmesh/meshcore/internal/mesh/clock"
)

// Config mirrors the defaults enumerated in spec §4.7.
type Config struct {
	FailureThreshold   int
	SuccessThreshold   int
	OpenTimeout        time.Duration
	WindowSize         int
	ErrorRateThreshold float64
	MinThroughput      int
	CooldownFactor     float64
	MaxOpenTimeout     time.Duration
	HalfOpenMaxCalls   int
}

// DefaultConfig returns the spec's default thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   5,
		SuccessThreshold:   2,
		OpenTimeout:        60 * time.Second,
		WindowSize:         10,
		ErrorRateThreshold: 0.5,
		MinThroughput:      5,
		CooldownFactor:     2,
		MaxOpenTimeout:     time.Hour,
		HalfOpenMaxCalls:   1,
	}
}

// key identifies one breaker instance.
type key struct {
	service    string
	instanceID string
}

// OnTrip is invoked on every state transition; used by C6 to evict the
// instance from its resolution caches when a circuit opens.
type OnTrip func(service, instanceID string, from, to resilience.State)

// Manager owns one breaker per (service, instance_id), per-breaker
// locked with no cross-breaker locks (§5).
type Manager struct {
	cfg     Config
	clock   meshclock.Clock
	metrics *metrics.Metrics
	onTrip  OnTrip

	mu       sync.Mutex
	breakers map[key]*circuit
}

// NewManager constructs a breaker Manager.
func NewManager(cfg Config, clk meshclock.Clock, m *metrics.Metrics, onTrip OnTrip) *Manager {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultConfig()
	}
	if clk == nil {
		clk = meshclock.System
	}
	return &Manager{
		cfg:      cfg,
		clock:    clk,
		metrics:  m,
		onTrip:   onTrip,
		breakers: make(map[key]*circuit),
	}
}

func (mgr *Manager) entry(service, instanceID string) *circuit {
	k := key{service, instanceID}
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	c, ok := mgr.breakers[k]
	if !ok {
		c = newCircuit(mgr.cfg, mgr.clock, func(from, to resilience.State) {
			if mgr.metrics != nil {
				mgr.metrics.SetMeshCircuitState(service, instanceID, stateGauge(to))
			}
			if mgr.onTrip != nil {
				mgr.onTrip(service, instanceID, from, to)
			}
		})
		mgr.breakers[k] = c
	}
	return c
}

func stateGauge(s resilience.State) float64 {
	switch s {
	case resilience.StateClosed:
		return 0
	case resilience.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// Allow reports whether a call to (service, instanceID) may proceed,
// transitioning OPEN->HALF_OPEN after open_timeout has elapsed (P6).
func (mgr *Manager) Allow(service, instanceID string) bool {
	return mgr.entry(service, instanceID).allow()
}

// State returns the current breaker state for (service, instanceID),
// defaulting to CLOSED for instances never reported on.
func (mgr *Manager) State(service, instanceID string) resilience.State {
	return mgr.entry(service, instanceID).state()
}

// ReportSuccess records a successful call outcome.
func (mgr *Manager) ReportSuccess(service, instanceID string) {
	mgr.entry(service, instanceID).reportOutcome(true, false)
}

// ReportFailure records a failed call outcome.
func (mgr *Manager) ReportFailure(service, instanceID string) {
	mgr.entry(service, instanceID).reportOutcome(false, false)
}

// ReportTimeout records a timed-out call outcome; counted as a failure
// for trip purposes but tracked distinctly for health scoring parity
// with C2.
func (mgr *Manager) ReportTimeout(service, instanceID string) {
	mgr.entry(service, instanceID).reportOutcome(false, true)
}

// Remove drops breaker state for an instance, called when the registry
// publishes DEREGISTERED (cyclic-reference cleanup per spec §9).
func (mgr *Manager) Remove(service, instanceID string) {
	mgr.mu.Lock()
	delete(mgr.breakers, key{service, instanceID})
	mgr.mu.Unlock()
}
