package lb

import (
	"sort"

	"github.com/hashmesh/meshcore/internal/mesh/types"
)

// smoothWRRState implements Nginx-style smooth weighted round-robin: each
// pick adds effective_weight to every candidate's current_weight, then
// selects the candidate with the greatest current_weight and subtracts
// total_effective from it. This guarantees exact proportional
// distribution over N*sum(weight) picks without bursts (P3).
type smoothWRRState struct {
	current map[string]int // instance_id -> current_weight
}

func newSmoothWRRState() *smoothWRRState {
	return &smoothWRRState{current: make(map[string]int)}
}

func (s *Selector) selectSmoothWRR(service string, candidates []*types.ServiceInstance) *types.ServiceInstance {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].InstanceID < candidates[j].InstanceID })

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.smoothWRR[service]
	if !ok {
		st = newSmoothWRRState()
		s.smoothWRR[service] = st
	}

	// Instances that left membership since the last pick are dropped so
	// their stale current_weight never resurfaces (membership change
	// resets counters lazily, per §4.6 ADAPTIVE note applied uniformly).
	live := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		live[c.InstanceID] = true
	}
	for id := range st.current {
		if !live[id] {
			delete(st.current, id)
		}
	}

	total := 0
	for _, c := range candidates {
		w := c.Weight
		if w < 1 {
			w = 1
		}
		total += w
		st.current[c.InstanceID] += w
	}

	var best *types.ServiceInstance
	bestWeight := -1 << 31
	for _, c := range candidates {
		cw := st.current[c.InstanceID]
		if cw > bestWeight {
			best, bestWeight = c, cw
		}
	}
	st.current[best.InstanceID] -= total
	return best
}
