package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashmesh/meshcore/infrastructure/resilience"
	meshclock "github.com/hashmesh/meshcore/internal/mesh/clock"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	cfg.OpenTimeout = 60 * time.Second
	return cfg
}

// TestCircuitTrips mirrors end-to-end scenario 3 from spec §8: three
// consecutive failures open the circuit; after open_timeout it allows
// one half-open probe at a time; with the default success threshold of 2,
// two probe successes close it.
func TestCircuitTrips(t *testing.T) {
	fake := meshclock.NewFake(time.Unix(0, 0))
	var transitions []resilience.State
	mgr := NewManager(testConfig(), fake, nil, func(service, id string, from, to resilience.State) {
		transitions = append(transitions, to)
	})

	assert.True(t, mgr.Allow("auth", "a1"))
	mgr.ReportFailure("auth", "a1")
	mgr.ReportFailure("auth", "a1")
	mgr.ReportFailure("auth", "a1")

	assert.Equal(t, resilience.StateOpen, mgr.State("auth", "a1"))
	assert.False(t, mgr.Allow("auth", "a1"))

	fake.Advance(61 * time.Second)
	assert.Equal(t, resilience.StateHalfOpen, mgr.State("auth", "a1"))
	assert.True(t, mgr.Allow("auth", "a1"))
	// a second concurrent probe is rejected (HalfOpenMaxCalls default 1)
	assert.False(t, mgr.Allow("auth", "a1"))

	mgr.ReportSuccess("auth", "a1")
	// SuccessThreshold default 2: one success is not enough yet.
	assert.Equal(t, resilience.StateHalfOpen, mgr.State("auth", "a1"))
	assert.True(t, mgr.Allow("auth", "a1"))
	mgr.ReportSuccess("auth", "a1")
	assert.Equal(t, resilience.StateClosed, mgr.State("auth", "a1"))

	require.Contains(t, transitions, resilience.StateOpen)
	require.Contains(t, transitions, resilience.StateHalfOpen)
	require.Contains(t, transitions, resilience.StateClosed)
}

func TestCircuitEscalatesCooldownOnRepeatedTrips(t *testing.T) {
	fake := meshclock.NewFake(time.Unix(0, 0))
	cfg := testConfig()
	cfg.OpenTimeout = 10 * time.Second
	cfg.CooldownFactor = 2
	mgr := NewManager(cfg, fake, nil, nil)

	trip := func() {
		mgr.ReportFailure("auth", "a1")
		mgr.ReportFailure("auth", "a1")
		mgr.ReportFailure("auth", "a1")
	}
	trip()
	assert.Equal(t, resilience.StateOpen, mgr.State("auth", "a1"))

	fake.Advance(11 * time.Second)
	assert.Equal(t, resilience.StateHalfOpen, mgr.State("auth", "a1"))
	mgr.Allow("auth", "a1")
	mgr.ReportFailure("auth", "a1") // fail the probe -> re-open with escalated cooldown

	assert.Equal(t, resilience.StateOpen, mgr.State("auth", "a1"))
	fake.Advance(11 * time.Second)
	// Cooldown doubled to ~20s, so 11s after the second open is not enough.
	assert.Equal(t, resilience.StateOpen, mgr.State("auth", "a1"))
	fake.Advance(15 * time.Second)
	assert.Equal(t, resilience.StateHalfOpen, mgr.State("auth", "a1"))
}

func TestCircuitErrorRateThreshold(t *testing.T) {
	fake := meshclock.NewFake(time.Unix(0, 0))
	cfg := DefaultConfig()
	cfg.FailureThreshold = 100 // disable consecutive-failure path
	cfg.MinThroughput = 5
	cfg.ErrorRateThreshold = 0.5
	mgr := NewManager(cfg, fake, nil, nil)

	// Interleave failures and successes so consecutive-failure trip never
	// fires, but the windowed error rate exceeds 50%.
	outcomes := []bool{true, false, true, false, false}
	for _, ok := range outcomes {
		if ok {
			mgr.ReportSuccess("auth", "a1")
		} else {
			mgr.ReportFailure("auth", "a1")
		}
	}
	assert.Equal(t, resilience.StateOpen, mgr.State("auth", "a1"))
}

func TestRemoveClearsState(t *testing.T) {
	mgr := NewManager(DefaultConfig(), meshclock.NewFake(time.Unix(0, 0)), nil, nil)
	mgr.ReportFailure("auth", "a1")
	mgr.Remove("auth", "a1")
	assert.Equal(t, resilience.StateClosed, mgr.State("auth", "a1"))
}
