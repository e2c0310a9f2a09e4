package lb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	meshclock "github.com/hashmesh/meshcore/internal/mesh/clock"
	"github.com/hashmesh/meshcore/internal/mesh/types"
)

func instance(id string, weight int, health float64, conns int64) *types.ServiceInstance {
	return &types.ServiceInstance{
		InstanceID:        id,
		ServiceName:       "auth",
		Weight:            weight,
		HealthScore:       health,
		ActiveConnections: conns,
		Status:            types.StatusRunning,
	}
}

func TestSelect_EmptyAndSingleCandidate(t *testing.T) {
	sel := NewSelector(nil, nil)

	inst, err := sel.Select("auth", nil, Strategy{Kind: RoundRobin}, types.ClientContext{})
	require.NoError(t, err)
	assert.Nil(t, inst)

	only := instance("a1", 1, 1, 0)
	inst, err = sel.Select("auth", []*types.ServiceInstance{only}, Strategy{Kind: RoundRobin}, types.ClientContext{})
	require.NoError(t, err)
	assert.Same(t, only, inst)
}

func TestRoundRobinFairness(t *testing.T) {
	sel := NewSelector(nil, nil)
	candidates := []*types.ServiceInstance{
		instance("a1", 1, 1, 0),
		instance("a2", 1, 1, 0),
		instance("a3", 1, 1, 0),
	}

	var order []string
	for i := 0; i < 6; i++ {
		inst, err := sel.Select("auth", candidates, Strategy{Kind: RoundRobin}, types.ClientContext{})
		require.NoError(t, err)
		order = append(order, inst.InstanceID)
	}
	assert.Equal(t, []string{"a1", "a2", "a3", "a1", "a2", "a3"}, order)
}

// TestWeightedRoundRobinExactDistribution verifies P3: for N*sum(weights)
// picks, each candidate is chosen exactly N*weight times.
func TestWeightedRoundRobinExactDistribution(t *testing.T) {
	sel := NewSelector(nil, nil)
	candidates := []*types.ServiceInstance{
		instance("a1", 3, 1, 0),
		instance("a2", 1, 1, 0),
	}

	counts := map[string]int{}
	const n = 1000
	totalWeight := 4
	for i := 0; i < n*totalWeight; i++ {
		inst, err := sel.Select("auth", candidates, Strategy{Kind: WeightedRR}, types.ClientContext{})
		require.NoError(t, err)
		counts[inst.InstanceID]++
	}

	assert.Equal(t, n*3, counts["a1"])
	assert.Equal(t, n*1, counts["a2"])
}

func TestLeastConnections_TieBreakByLowestID(t *testing.T) {
	candidates := []*types.ServiceInstance{
		instance("b2", 1, 1, 2),
		instance("b1", 1, 1, 2),
		instance("b3", 1, 1, 5),
	}
	got := selectLeastConnections(candidates)
	assert.Equal(t, "b1", got.InstanceID)
}

func TestConsistentHash_StableForSameKey(t *testing.T) {
	sel := NewSelector(nil, nil)
	candidates := []*types.ServiceInstance{
		instance("a1", 1, 1, 0),
		instance("a2", 1, 1, 0),
		instance("a3", 1, 1, 0),
	}
	ctx := types.ClientContext{Key: "user-42"}

	first, err := sel.Select("auth", candidates, Strategy{Kind: ConsistentHash}, ctx)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		next, err := sel.Select("auth", candidates, Strategy{Kind: ConsistentHash}, ctx)
		require.NoError(t, err)
		assert.Equal(t, first.InstanceID, next.InstanceID)
	}
}

func TestConsistentHash_RequiresKey(t *testing.T) {
	sel := NewSelector(nil, nil)
	candidates := []*types.ServiceInstance{
		instance("a1", 1, 1, 0),
		instance("a2", 1, 1, 0),
	}
	_, err := sel.Select("auth", candidates, Strategy{Kind: ConsistentHash}, types.ClientContext{})
	assert.Error(t, err)
}

// TestConsistentHash_BoundedKeyMovement approximates P4: removing one of M
// instances should move roughly K/M keys, never all of them.
func TestConsistentHash_BoundedKeyMovement(t *testing.T) {
	sel := NewSelector(nil, nil)
	full := []*types.ServiceInstance{
		instance("a1", 1, 1, 0),
		instance("a2", 1, 1, 0),
		instance("a3", 1, 1, 0),
		instance("a4", 1, 1, 0),
	}
	reduced := full[:3]

	const numKeys = 2000
	moved := 0
	for i := 0; i < numKeys; i++ {
		key := randKey(i)
		before, _ := sel.Select("auth", full, Strategy{Kind: ConsistentHash}, types.ClientContext{Key: key})
		after, _ := sel.Select("auth", reduced, Strategy{Kind: ConsistentHash}, types.ClientContext{Key: key})
		if before.InstanceID != after.InstanceID {
			moved++
		}
	}

	// Expect roughly 1/4 of keys to move (removing 1 of 4), with slack for
	// hash distribution noise; must never approach "every key moved".
	assert.Less(t, moved, numKeys*2/3)
}

func randKey(i int) string {
	return time.Duration(i).String() + "-key"
}

func TestAdaptive_PicksLeastConnUnderHighVariance(t *testing.T) {
	candidates := []*types.ServiceInstance{
		instance("a1", 1, 1, 0),
		instance("a2", 1, 1, 1000),
	}
	assert.Equal(t, LeastConn, pickAdaptiveKind(candidates))
}

func TestAdaptive_PicksPowerOfTwoUnderHighAverage(t *testing.T) {
	candidates := []*types.ServiceInstance{
		instance("a1", 1, 1, 150),
		instance("a2", 1, 1, 140),
	}
	assert.Equal(t, PowerOfTwo, pickAdaptiveKind(candidates))
}

func TestAdaptive_DefaultsToWeightedRR(t *testing.T) {
	candidates := []*types.ServiceInstance{
		instance("a1", 1, 1, 10),
		instance("a2", 1, 1, 11),
	}
	assert.Equal(t, WeightedRR, pickAdaptiveKind(candidates))
}

// TestAdaptive_ReevaluatesOnlyAfterIntervalElapses drives selectAdaptive
// (not just pickAdaptiveKind) through a fake clock: the chosen kind must
// stay fixed within one ReevalInterval even as load shifts, then pick up
// the new load shape once the interval elapses.
func TestAdaptive_ReevaluatesOnlyAfterIntervalElapses(t *testing.T) {
	clk := meshclock.NewFake(time.Now())
	sel := NewSelector(nil, clk)

	low := []*types.ServiceInstance{
		instance("a1", 1, 1, 0),
		instance("a2", 1, 1, 0),
	}
	sel.selectAdaptive("auth", low, types.ClientContext{})
	assert.Equal(t, WeightedRR, sel.adaptive["auth"].current)

	high := []*types.ServiceInstance{
		instance("a1", 1, 1, 0),
		instance("a2", 1, 1, 1000),
	}
	clk.Advance(ReevalInterval - time.Second)
	sel.selectAdaptive("auth", high, types.ClientContext{})
	assert.Equal(t, WeightedRR, sel.adaptive["auth"].current, "must not reevaluate before the interval elapses")

	clk.Advance(2 * time.Second)
	sel.selectAdaptive("auth", high, types.ClientContext{})
	assert.Equal(t, LeastConn, sel.adaptive["auth"].current, "must reevaluate once the interval elapses")
}
