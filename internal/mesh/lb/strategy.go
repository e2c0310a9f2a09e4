// Package lb implements the Load-Balancer Strategies (C7): the
// tagged-variant Strategy sum type from spec §9 Design Note 2, plus the
// adaptive switching wrapper.
package lb

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	meshclock "github.com/hashmesh/meshcore/internal/mesh/clock"
	"github.com/hashmesh/meshcore/internal/mesh/types"
)

// Kind tags which concrete algorithm a Strategy value selects.
type Kind string

const (
	RoundRobin     Kind = "ROUND_ROBIN"
	WeightedRR     Kind = "WEIGHTED_ROUND_ROBIN"
	LeastConn      Kind = "LEAST_CONNECTIONS"
	PowerOfTwo     Kind = "POWER_OF_TWO"
	WeightedRandom Kind = "WEIGHTED_RANDOM"
	ConsistentHash Kind = "CONSISTENT_HASH"
	ResourceAware  Kind = "RESOURCE_AWARE"
	Adaptive       Kind = "ADAPTIVE"
)

// Strategy is the tagged variant dispatched by Select; KeyFunc is only
// consulted for ConsistentHash.
type Strategy struct {
	Kind    Kind
	KeyFunc func(types.ClientContext) string
}

// ResourceSampler reports per-instance CPU/memory utilization for
// RESOURCE_AWARE (SPEC_FULL 4.6b). LocalResourceSampler samples the local
// node via gopsutil; HeartbeatResourceSampler returns values passed to its
// Report method.
type ResourceSampler interface {
	Sample(instanceID string) (cpu, mem float64, ok bool)
}

// Selector dispatches to the concrete algorithm named by a Strategy.
// Candidates are already health-filtered by the resolution engine (C6);
// Select never re-applies health/circuit filtering.
type Selector struct {
	mu sync.Mutex

	clock meshclock.Clock

	roundRobin map[string]uint64        // service -> counter
	smoothWRR  map[string]*smoothWRRState
	rings      map[string]*ring         // service -> consistent-hash ring
	sampler    ResourceSampler

	adaptive map[string]*adaptiveState
}

// NewSelector constructs a Selector. sampler may be nil, in which case
// RESOURCE_AWARE treats missing metrics as 0.5 for every instance. clk
// drives ADAPTIVE's reeval-interval timer; nil defaults to the system
// clock, matching every other timed subsystem (registry sweeper,
// breaker windows, peer-sync ticker).
func NewSelector(sampler ResourceSampler, clk meshclock.Clock) *Selector {
	if clk == nil {
		clk = meshclock.System
	}
	return &Selector{
		clock:      clk,
		roundRobin: make(map[string]uint64),
		smoothWRR:  make(map[string]*smoothWRRState),
		rings:      make(map[string]*ring),
		adaptive:   make(map[string]*adaptiveState),
		sampler:    sampler,
	}
}

// Select picks zero-or-one instance from candidates for service using the
// given Strategy and client context. Candidates must be non-nil only if
// non-empty; an empty slice returns (nil, nil) per the boundary
// behavior "zero instances: every strategy returns null without error".
func (s *Selector) Select(service string, candidates []*types.ServiceInstance, strat Strategy, ctx types.ClientContext) (*types.ServiceInstance, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	switch strat.Kind {
	case RoundRobin:
		return s.selectRoundRobin(service, candidates), nil
	case WeightedRR:
		return s.selectSmoothWRR(service, candidates), nil
	case LeastConn:
		return selectLeastConnections(candidates), nil
	case PowerOfTwo:
		return selectPowerOfTwo(candidates), nil
	case WeightedRandom:
		return selectWeightedRandom(candidates), nil
	case ConsistentHash:
		return s.selectConsistentHash(service, candidates, strat, ctx)
	case ResourceAware:
		return s.selectResourceAware(candidates), nil
	case Adaptive:
		return s.selectAdaptive(service, candidates, ctx), nil
	default:
		return selectWeightedRandom(candidates), nil
	}
}

// selectRoundRobin implements a per-service atomic counter modulo len(candidates).
func (s *Selector) selectRoundRobin(service string, candidates []*types.ServiceInstance) *types.ServiceInstance {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].InstanceID < candidates[j].InstanceID })
	s.mu.Lock()
	n := s.roundRobin[service]
	s.roundRobin[service] = n + 1
	s.mu.Unlock()
	return candidates[n%uint64(len(candidates))]
}

func selectLeastConnections(candidates []*types.ServiceInstance) *types.ServiceInstance {
	const eps = 1e-9
	best := candidates[0]
	bestScore := loadScore(best, eps)
	for _, c := range candidates[1:] {
		score := loadScore(c, eps)
		if score < bestScore || (score == bestScore && c.InstanceID < best.InstanceID) {
			best, bestScore = c, score
		}
	}
	return best
}

func loadScore(i *types.ServiceInstance, eps float64) float64 {
	health := i.HealthScore
	if health < eps {
		health = eps
	}
	return float64(i.ActiveConnections) / health
}

func selectPowerOfTwo(candidates []*types.ServiceInstance) *types.ServiceInstance {
	i, j := rand.Intn(len(candidates)), rand.Intn(len(candidates))
	for j == i && len(candidates) > 1 {
		j = rand.Intn(len(candidates))
	}
	a, b := candidates[i], candidates[j]
	if powerScore(a) <= powerScore(b) {
		return a
	}
	return b
}

func powerScore(i *types.ServiceInstance) float64 {
	health := i.HealthScore
	if health < 1e-9 {
		health = 1e-9
	}
	return float64(i.ActiveConnections) * (1 / health)
}

func selectWeightedRandom(candidates []*types.ServiceInstance) *types.ServiceInstance {
	var total float64
	weights := make([]float64, len(candidates))
	for idx, c := range candidates {
		w := float64(c.Weight) * math.Max(c.HealthScore, 0)
		weights[idx] = w
		total += w
	}
	if total <= 0 {
		return candidates[rand.Intn(len(candidates))]
	}
	pick := rand.Float64() * total
	var cum float64
	for idx, w := range weights {
		cum += w
		if pick <= cum {
			return candidates[idx]
		}
	}
	return candidates[len(candidates)-1]
}

func (s *Selector) selectResourceAware(candidates []*types.ServiceInstance) *types.ServiceInstance {
	best := candidates[0]
	bestScore := s.resourceScore(best)
	for _, c := range candidates[1:] {
		score := s.resourceScore(c)
		if score < bestScore {
			best, bestScore = c, score
		}
	}
	return best
}

func (s *Selector) resourceScore(i *types.ServiceInstance) float64 {
	cpu, mem := 0.5, 0.5
	if s.sampler != nil {
		if c, m, ok := s.sampler.Sample(i.InstanceID); ok {
			cpu, mem = c, m
		}
	}
	conns := float64(i.ActiveConnections) / 100.0
	health := i.HealthScore
	if health < 1e-9 {
		health = 1e-9
	}
	return (0.4*cpu + 0.3*mem + 0.3*conns) / health
}
