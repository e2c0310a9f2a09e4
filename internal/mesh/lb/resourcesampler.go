package lb

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// LocalResourceSampler implements ResourceSampler for the instance running
// in this same process/sidecar, sampling the local node's CPU and memory
// utilization via gopsutil (SPEC_FULL 4.6b). For other instances see
// HeartbeatResourceSampler.
type LocalResourceSampler struct {
	selfInstanceID string
	cacheFor       time.Duration

	mu       sync.Mutex
	cachedAt time.Time
	cpuPct   float64
	memPct   float64
}

// NewLocalResourceSampler constructs a sampler that reports cpu/mem
// utilization for selfInstanceID and treats every other instance id as
// unobservable.
func NewLocalResourceSampler(selfInstanceID string) *LocalResourceSampler {
	return &LocalResourceSampler{selfInstanceID: selfInstanceID, cacheFor: time.Second}
}

func (s *LocalResourceSampler) Sample(instanceID string) (cpuPct, memPct float64, ok bool) {
	if instanceID != s.selfInstanceID {
		return 0, 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Since(s.cachedAt) < s.cacheFor {
		return s.cpuPct, s.memPct, true
	}

	percents, err := cpu.Percent(0, false)
	if err == nil && len(percents) > 0 {
		s.cpuPct = percents[0] / 100.0
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.memPct = vm.UsedPercent / 100.0
	}
	s.cachedAt = time.Now()
	return s.cpuPct, s.memPct, true
}

// HeartbeatResourceSampler holds cpu/mem utilization samples passed to
// Report, keyed by instance id. It does not read heartbeat metadata itself,
// and no registry or heartbeat path in this module calls Report; an
// instance with no reported sample is unobservable (ok == false).
type HeartbeatResourceSampler struct {
	mu      sync.Mutex
	samples map[string][2]float64 // instance_id -> {cpu, mem}
}

func NewHeartbeatResourceSampler() *HeartbeatResourceSampler {
	return &HeartbeatResourceSampler{samples: make(map[string][2]float64)}
}

// Report records a self-reported sample for instanceID, replacing any
// earlier one.
func (s *HeartbeatResourceSampler) Report(instanceID string, cpuPct, memPct float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[instanceID] = [2]float64{cpuPct, memPct}
}

func (s *HeartbeatResourceSampler) Sample(instanceID string) (cpuPct, memPct float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, found := s.samples[instanceID]
	if !found {
		return 0, 0, false
	}
	return v[0], v[1], true
}
