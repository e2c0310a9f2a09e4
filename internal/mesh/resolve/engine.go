// Package resolve implements the Resolution Engine (C6): it merges the
// local registry view with DNS-assisted resolution, filters by health
// and circuit state, applies region affinity, dispatches to a C7
// strategy, and caches the result.
package resolve

import (
	"context"
	"math/rand"
	"time"

	"github.com/hashmesh/meshcore/infrastructure/cache"
	errs "github.com/hashmesh/meshcore/infrastructure/errors"
	"github.com/hashmesh/meshcore/infrastructure/logging"
	"github.com/hashmesh/meshcore/infrastructure/metrics"
	"github.com/hashmesh/meshcore/infrastructure/resilience"
	"github.com/hashmesh/meshcore/internal/mesh/breaker"
	meshclock "github.com/hashmesh/meshcore/internal/mesh/clock"
	"github.com/hashmesh/meshcore/internal/mesh/lb"
	"github.com/hashmesh/meshcore/internal/mesh/types"
)

// RegistryView is the subset of the registry the engine needs (kept as an
// interface so tests can substitute a fake registry).
type RegistryView interface {
	List(service string, filter types.Filter) []*types.ServiceInstance
}

// DNSView is the subset of the DNS resolver the engine falls back to.
type DNSView interface {
	Resolve(ctx context.Context, service string, filter types.Filter) ([]*types.ServiceInstance, error)
}

// Config controls resolution timing, per §4.5 defaults.
type Config struct {
	MinHealth float64
	CacheTTL  time.Duration
}

func DefaultConfig() Config {
	return Config{MinHealth: 0.5, CacheTTL: 2 * time.Second}
}

// Engine is the C6 resolution engine.
type Engine struct {
	cfg      Config
	registry RegistryView
	dns      DNSView
	selector *lb.Selector
	breakers *breaker.Manager
	resultCache *cache.Cache
	metrics  *metrics.Metrics
	logger   *logging.Logger
	clock    meshclock.Clock
}

// New constructs a resolution Engine.
func New(cfg Config, registry RegistryView, dns DNSView, selector *lb.Selector, breakers *breaker.Manager, m *metrics.Metrics, log *logging.Logger, clk meshclock.Clock) *Engine {
	if cfg.CacheTTL <= 0 {
		cfg = DefaultConfig()
	}
	if clk == nil {
		clk = meshclock.System
	}
	return &Engine{
		cfg:         cfg,
		registry:    registry,
		dns:         dns,
		selector:    selector,
		breakers:    breakers,
		resultCache: cache.NewCache(cache.CacheConfig{DefaultTTL: cfg.CacheTTL, MaxSize: 10_000, CleanupInterval: cfg.CacheTTL * 10}),
		metrics:     m,
		logger:      log,
		clock:       clk,
	}
}

func cacheKey(service string, filter types.Filter) string {
	return service + "|" + filter.Hash()
}

// InvalidateService drops every cached resolution for a service; called
// by the registry's status-change subscriber (§4.5 step 5).
func (e *Engine) InvalidateService(service string) {
	e.resultCache.InvalidatePattern(service + "|")
}

// Strategy wraps the C7 load-balancer strategy with the resolution-level
// NEAREST modifier from §4.5 step 3 (a resolution concern distinct from
// the C7 tie-break algorithm applied after region partitioning).
type Strategy struct {
	LB      lb.Strategy
	Nearest bool
}

// Resolve implements the five steps of §4.5, returning zero-or-one
// instance for (service, filter, strategy, clientContext).
func (e *Engine) Resolve(ctx context.Context, service string, filter types.Filter, strat Strategy, clientCtx types.ClientContext) (*types.ServiceInstance, error) {
	start := e.clock.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.RecordMeshRequest(service, string(strat.LB.Kind), e.clock.Now().Sub(start))
		}
	}()

	key := cacheKey(service, filter)
	var candidates []*types.ServiceInstance
	if v, ok := e.resultCache.Get(key); ok {
		candidates = v.([]*types.ServiceInstance)
	} else {
		merged, err := e.gatherCandidates(ctx, service, filter)
		if err != nil {
			return nil, err
		}
		candidates = merged
		e.resultCache.Set(key, candidates, e.cfg.CacheTTL)
	}

	eligible := e.filterEligible(service, candidates)
	if strat.Nearest && clientCtx.Region != "" {
		eligible = partitionByRegion(eligible, clientCtx.Region)
	}

	if len(eligible) == 0 {
		e.recordLBError(service, "no_candidates")
		return nil, errs.New("MESH_8004", "no candidates available", 404).WithDetails("service", service)
	}

	inst, strategyErr := e.selector.Select(service, eligible, strat.LB, clientCtx)
	if strategyErr != nil {
		e.recordLBError(service, "strategy_error")
		inst = eligible[rand.Intn(len(eligible))]
	}
	if inst == nil {
		e.recordLBError(service, "no_candidates")
		return nil, errs.New("MESH_8004", "no candidates available", 404).WithDetails("service", service)
	}
	return inst, nil
}

// gatherCandidates merges the registry view with the DNS fallback,
// preferring the registry on id conflicts (§4.5 step 1).
func (e *Engine) gatherCandidates(ctx context.Context, service string, filter types.Filter) ([]*types.ServiceInstance, error) {
	var registryInstances []*types.ServiceInstance
	if e.registry != nil {
		registryInstances = e.registry.List(service, filter)
	}

	merged := make(map[string]*types.ServiceInstance, len(registryInstances))
	for _, inst := range registryInstances {
		merged[inst.InstanceID] = inst
	}

	if e.dns != nil {
		dnsInstances, err := e.dns.Resolve(ctx, service, filter)
		if err == nil {
			for _, inst := range dnsInstances {
				if _, exists := merged[inst.InstanceID]; !exists {
					merged[inst.InstanceID] = inst
				}
			}
		}
	}

	out := make([]*types.ServiceInstance, 0, len(merged))
	for _, inst := range merged {
		out = append(out, inst)
	}
	return out, nil
}

// filterEligible drops instances that are not RUNNING, below min_health,
// or behind an OPEN circuit (§4.5 step 2).
func (e *Engine) filterEligible(service string, candidates []*types.ServiceInstance) []*types.ServiceInstance {
	out := make([]*types.ServiceInstance, 0, len(candidates))
	for _, inst := range candidates {
		if inst.Status != types.StatusRunning {
			continue
		}
		if inst.HealthScore < e.cfg.MinHealth {
			continue
		}
		if e.breakers != nil && e.breakers.State(service, inst.InstanceID) == resilience.StateOpen {
			continue
		}
		out = append(out, inst)
	}
	return out
}

// partitionByRegion prefers same-region candidates, falling back to the
// full set if none match (§4.5 step 3).
func partitionByRegion(candidates []*types.ServiceInstance, region string) []*types.ServiceInstance {
	var same []*types.ServiceInstance
	for _, c := range candidates {
		if c.Region == region {
			same = append(same, c)
		}
	}
	if len(same) > 0 {
		return same
	}
	return candidates
}

func (e *Engine) recordLBError(service, reason string) {
	if e.metrics != nil {
		e.metrics.RecordMeshLBError(service, reason)
	}
}
