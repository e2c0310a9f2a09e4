package breaker

import (
	"sync"
	"time"

	"github.com/hashmesh/meshcore/infrastructure/resilience"
	meshclock "github.com/hashmesh/meshcore/internal/mesh/clock"
)

// outcome tags one rolling-window sample.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeTimeout
)

// circuit is the per-(service,instance) state machine from spec §4.7.
type circuit struct {
	cfg    Config
	clock  meshclock.Clock
	notify func(from, to resilience.State)

	mu sync.Mutex

	state resilience.State
	window []outcome // bounded ring of the last WindowSize outcomes

	consecutiveFailures int
	halfOpenSuccesses   int
	halfOpenInFlight    int

	openedAt       time.Time
	currentTimeout time.Duration // escalates by CooldownFactor on each OPEN episode
}

func newCircuit(cfg Config, clk meshclock.Clock, notify func(from, to resilience.State)) *circuit {
	return &circuit{
		cfg:            cfg,
		clock:          clk,
		notify:         notify,
		state:          resilience.StateClosed,
		currentTimeout: cfg.OpenTimeout,
	}
}

func (c *circuit) state() resilience.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeExpireOpen()
	return c.state
}

// maybeExpireOpen transitions OPEN -> HALF_OPEN once open_timeout has
// elapsed, exactly once per episode (P6). Caller must hold c.mu.
func (c *circuit) maybeExpireOpen() {
	if c.state != resilience.StateOpen {
		return
	}
	if c.clock.Since(c.openedAt) >= c.currentTimeout {
		c.transition(resilience.StateHalfOpen)
		c.halfOpenSuccesses = 0
		c.halfOpenInFlight = 0
	}
}

// transition mutates state and fires the notify callback; caller must
// hold c.mu. The callback runs synchronously but is expected to be cheap
// (metrics set + optional cache-eviction hook), matching "all state
// transitions are atomic [and] publish a metric" in §4.7.
func (c *circuit) transition(to resilience.State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if to == resilience.StateOpen {
		c.openedAt = c.clock.Now()
	}
	if c.notify != nil {
		c.notify(from, to)
	}
}

// allow reports whether a call may proceed, admitting at most
// HalfOpenMaxCalls concurrent probes while HALF_OPEN.
func (c *circuit) allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeExpireOpen()

	switch c.state {
	case resilience.StateClosed:
		return true
	case resilience.StateOpen:
		return false
	case resilience.StateHalfOpen:
		max := c.cfg.HalfOpenMaxCalls
		if max <= 0 {
			max = 1
		}
		if c.halfOpenInFlight >= max {
			return false
		}
		c.halfOpenInFlight++
		return true
	default:
		return false
	}
}

// reportOutcome records a call result and drives the state machine.
func (c *circuit) reportOutcome(success, timedOut bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	o := outcomeSuccess
	if !success {
		o = outcomeFailure
		if timedOut {
			o = outcomeTimeout
		}
	}
	c.pushWindow(o)

	switch c.state {
	case resilience.StateClosed:
		c.handleClosedOutcome(success)
	case resilience.StateHalfOpen:
		c.handleHalfOpenOutcome(success)
	case resilience.StateOpen:
		// Outcomes in OPEN only happen for calls admitted just before a
		// timeout-driven expiry race; treat as no-ops on state, window
		// already recorded above.
	}
}

func (c *circuit) handleClosedOutcome(success bool) {
	if success {
		c.consecutiveFailures = 0
		return
	}
	c.consecutiveFailures++

	tripByConsecutive := c.consecutiveFailures >= c.cfg.FailureThreshold
	tripByErrorRate := false
	if len(c.window) >= c.cfg.MinThroughput {
		failures := 0
		for _, o := range c.window {
			if o != outcomeSuccess {
				failures++
			}
		}
		rate := float64(failures) / float64(len(c.window))
		tripByErrorRate = rate > c.cfg.ErrorRateThreshold
	}

	if tripByConsecutive || tripByErrorRate {
		c.escalateAndOpen()
	}
}

func (c *circuit) handleHalfOpenOutcome(success bool) {
	c.halfOpenInFlight--
	if c.halfOpenInFlight < 0 {
		c.halfOpenInFlight = 0
	}
	if !success {
		c.escalateAndOpen()
		return
	}
	c.halfOpenSuccesses++
	threshold := c.cfg.SuccessThreshold
	if threshold <= 0 {
		threshold = 1
	}
	if c.halfOpenSuccesses >= threshold {
		c.transition(resilience.StateClosed)
		c.consecutiveFailures = 0
		c.currentTimeout = c.cfg.OpenTimeout // reset cooldown on recovery
		c.window = nil
	}
}

// escalateAndOpen opens the circuit and multiplies the open_timeout for
// the next episode by CooldownFactor, capped at MaxOpenTimeout.
func (c *circuit) escalateAndOpen() {
	wasOpenBefore := c.state == resilience.StateHalfOpen
	c.transition(resilience.StateOpen)
	if wasOpenBefore {
		factor := c.cfg.CooldownFactor
		if factor <= 1 {
			factor = 2
		}
		next := time.Duration(float64(c.currentTimeout) * factor)
		if next > c.cfg.MaxOpenTimeout {
			next = c.cfg.MaxOpenTimeout
		}
		c.currentTimeout = next
	}
	c.consecutiveFailures = 0
}

func (c *circuit) pushWindow(o outcome) {
	size := c.cfg.WindowSize
	if size <= 0 {
		size = 10
	}
	c.window = append(c.window, o)
	if len(c.window) > size {
		c.window = c.window[len(c.window)-size:]
	}
}
