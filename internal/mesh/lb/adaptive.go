package lb

import (
	"time"

	"github.com/hashmesh/meshcore/internal/mesh/types"
)

// ReevalInterval is the default ADAPTIVE re-evaluation period (§4.6).
const ReevalInterval = 30 * time.Second

// LoadVarianceThreshold and AvgConnThreshold are the ADAPTIVE switching
// thresholds from §4.6.
const (
	LoadVarianceThreshold = 0.30
	AvgConnThreshold      = 100
)

type adaptiveState struct {
	current     Kind
	lastEval    time.Time
}

// selectAdaptive re-evaluates which concrete strategy to delegate to every
// ReevalInterval, then dispatches without losing in-flight counters
// (switching strategies never resets WEIGHTED_RR/consistent-hash state;
// it is simply not touched until selected again).
func (s *Selector) selectAdaptive(service string, candidates []*types.ServiceInstance, ctx types.ClientContext) *types.ServiceInstance {
	now := s.clock.Now()

	s.mu.Lock()
	st, ok := s.adaptive[service]
	if !ok {
		st = &adaptiveState{current: WeightedRR, lastEval: now}
		s.adaptive[service] = st
	}
	if now.Sub(st.lastEval) >= ReevalInterval {
		st.current = pickAdaptiveKind(candidates)
		st.lastEval = now
	}
	chosen := st.current
	s.mu.Unlock()

	inst, _ := s.Select(service, candidates, Strategy{Kind: chosen}, ctx)
	return inst
}

func pickAdaptiveKind(candidates []*types.ServiceInstance) Kind {
	if len(candidates) == 0 {
		return WeightedRR
	}
	minConn, maxConn := candidates[0].ActiveConnections, candidates[0].ActiveConnections
	var total int64
	for _, c := range candidates {
		if c.ActiveConnections < minConn {
			minConn = c.ActiveConnections
		}
		if c.ActiveConnections > maxConn {
			maxConn = c.ActiveConnections
		}
		total += c.ActiveConnections
	}
	avg := float64(total) / float64(len(candidates))

	if maxConn > 0 {
		variance := float64(maxConn-minConn) / float64(maxConn)
		if variance > LoadVarianceThreshold {
			return LeastConn
		}
	}
	if avg > AvgConnThreshold {
		return PowerOfTwo
	}
	return WeightedRR
}
