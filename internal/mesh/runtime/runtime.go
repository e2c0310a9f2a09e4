// Package runtime wires C1-C9 into a single explicit lifecycle object
// (Design Note: "global singletons -> explicit lifecycle"). Nothing here
// is a package-level singleton; every collaborator is constructed once,
// threaded through, and shut down in reverse dependency order.
package runtime

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/hashmesh/meshcore/infrastructure/logging"
	"github.com/hashmesh/meshcore/infrastructure/metrics"
	"github.com/hashmesh/meshcore/infrastructure/resilience"
	"github.com/hashmesh/meshcore/internal/mesh/breaker"
	meshclock "github.com/hashmesh/meshcore/internal/mesh/clock"
	"github.com/hashmesh/meshcore/internal/mesh/dnsresolve"
	"github.com/hashmesh/meshcore/internal/mesh/healthcheck"
	"github.com/hashmesh/meshcore/internal/mesh/lb"
	"github.com/hashmesh/meshcore/internal/mesh/metadata"
	"github.com/hashmesh/meshcore/internal/mesh/peersync"
	"github.com/hashmesh/meshcore/internal/mesh/registry"
	"github.com/hashmesh/meshcore/internal/mesh/resolve"
	"github.com/hashmesh/meshcore/internal/mesh/types"
	"github.com/hashmesh/meshcore/pkg/config"
)

// Runtime is the single mesh-core object created at startup (Design
// Note). cmd/meshd and internal/mesh/api both hold a *Runtime rather than
// reaching into package-level globals.
type Runtime struct {
	cfg *config.MeshConfig

	Clock    meshclock.Clock
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
	Index    *metadata.Index
	Registry *registry.Registry
	Health   *healthcheck.Engine
	DNS      *dnsresolve.Resolver
	Breakers *breaker.Manager
	Selector *lb.Selector
	Resolver *resolve.Engine
	Peers    *peersync.Syncer

	redis *goredis.Client
}

// New constructs every collaborator but starts nothing; call Start to
// bring the runtime up.
func New(cfg *config.MeshConfig, logger *logging.Logger, m *metrics.Metrics) (*Runtime, error) {
	clk := meshclock.System

	var redisClient *goredis.Client
	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse MESH_REDIS_URL: %w", err)
		}
		redisClient = goredis.NewClient(opts)
	}

	idx := metadata.NewIndex()

	regCfg := registry.Config{
		TTL:              time.Duration(cfg.Registry.TTLSeconds) * time.Second,
		CleanupInterval:  time.Duration(cfg.Registry.CleanupIntervalSeconds) * time.Second,
		ExpiryGrace:      time.Duration(cfg.Registry.ExpiryGraceSeconds) * time.Second,
		DeregisterGrace:  time.Duration(cfg.Registry.DeregisterGraceSeconds) * time.Second,
		SubscriberBuffer: cfg.Registry.SubscriberBuffer,
	}
	reg := registry.New(regCfg, clk, idx, m, logger)

	breakerCfg := breaker.DefaultConfig()
	breakerCfg.FailureThreshold = cfg.Breaker.FailureThreshold
	breakerCfg.ErrorRateThreshold = cfg.Breaker.ErrorRateThreshold
	breakerCfg.WindowSize = cfg.Breaker.WindowSize
	breakerCfg.OpenTimeout = time.Duration(cfg.Breaker.BaseCooldownSeconds) * time.Second
	breakerCfg.MaxOpenTimeout = time.Duration(cfg.Breaker.MaxCooldownSeconds) * time.Second
	breakerCfg.HalfOpenMaxCalls = cfg.Breaker.HalfOpenProbes

	rt := &Runtime{
		cfg:      cfg,
		Clock:    clk,
		Logger:   logger,
		Metrics:  m,
		Index:    idx,
		Registry: reg,
		redis:    redisClient,
	}

	// OnTrip purges the resolution cache for the tripped instance's
	// service, per Design Note "Circuits and cache entries are keyed by
	// id and are purged on DEREGISTERED events" (extended here to cover
	// the OPEN transition itself, matching §4.7's cache-eviction hook).
	rt.Breakers = breaker.NewManager(breakerCfg, clk, m, rt.onCircuitTrip)

	rt.Health = healthcheck.NewEngine(
		healthcheck.Config{Concurrency: int64(cfg.Health.Concurrency), Window: 20},
		clk, rt.onHealthTransition, m, logger, redisClient, nil,
	)

	dnsCfg := dnsresolve.DefaultConfig()
	dnsCfg.DNSServers = cfg.DNS.Servers
	if cfg.DNS.LocalTTLSeconds > 0 {
		dnsCfg.LocalTTL = time.Duration(cfg.DNS.LocalTTLSeconds) * time.Second
	}
	if cfg.DNS.DistTTLSeconds > 0 {
		dnsCfg.DistTTL = time.Duration(cfg.DNS.DistTTLSeconds) * time.Second
	}
	if cfg.DNS.Retries > 0 {
		dnsCfg.Retries = cfg.DNS.Retries
	}
	rt.DNS = dnsresolve.New(dnsCfg, nil, redisClient, m, logger)

	rt.Selector = lb.NewSelector(lb.NewHeartbeatResourceSampler(), clk)

	resolveCfg := resolve.DefaultConfig()
	if cfg.Resolve.MinHealth > 0 {
		resolveCfg.MinHealth = cfg.Resolve.MinHealth
	}
	if cfg.Resolve.CacheTTLSeconds > 0 {
		resolveCfg.CacheTTL = time.Duration(cfg.Resolve.CacheTTLSeconds) * time.Second
	}
	rt.Resolver = resolve.New(resolveCfg, reg, rt.DNS, rt.Selector, rt.Breakers, m, logger, clk)

	peers := make([]peersync.Peer, 0, len(cfg.PeerSync.Peers))
	for _, p := range cfg.PeerSync.Peers {
		peers = append(peers, peersync.Peer{Name: p, BaseURL: p, SharedSecret: cfg.API.StateSigningKey})
	}
	peerCfg := peersync.DefaultConfig()
	if cfg.PeerSync.SyncIntervalSeconds > 0 {
		peerCfg.SyncInterval = time.Duration(cfg.PeerSync.SyncIntervalSeconds) * time.Second
	}
	if cfg.PeerSync.MaxRetries > 0 {
		peerCfg.MaxRetries = cfg.PeerSync.MaxRetries
	}
	if cfg.PeerSync.FailureLimit > 0 {
		peerCfg.FailureLimit = cfg.PeerSync.FailureLimit
	}
	if cfg.PeerSync.QuarantineSeconds > 0 {
		peerCfg.QuarantinePeriod = time.Duration(cfg.PeerSync.QuarantineSeconds) * time.Second
	}
	if cfg.PeerSync.CompressionThreshold > 0 {
		peerCfg.CompressionThreshold = cfg.PeerSync.CompressionThreshold
	}
	if cfg.PeerSync.Concurrency > 0 {
		peerCfg.FanoutConcurrency = cfg.PeerSync.Concurrency
	}
	rt.Peers = peersync.New(peerCfg, peers, reg, nil, clk, m, logger)

	reg.Subscribe(registry.EventFilter{}, rt.onRegistryEvent)

	return rt, nil
}

// Config returns the MeshConfig this runtime was built from.
func (rt *Runtime) Config() *config.MeshConfig { return rt.cfg }

// onHealthTransition is the health engine's StatusCallback: it writes the
// derived status + score back into the registry as one atomic operation
// (§4.1). Withdrawing DEREGISTERED instances from probing happens in
// onRegistryEvent.
func (rt *Runtime) onHealthTransition(instanceID string, healthy bool, score float64) {
	_ = rt.Registry.UpdateHealth(instanceID, score, healthy)
}

// onCircuitTrip evicts cached resolutions for the tripped service so the
// next Resolve call re-gathers candidates and naturally excludes the now
// OPEN instance (§4.7's cache-eviction hook, §9's cyclic-reference note).
func (rt *Runtime) onCircuitTrip(service, instanceID string, from, to resilience.State) {
	rt.Resolver.InvalidateService(service)
}

// onRegistryEvent reacts to lifecycle events: DEREGISTERED purges breaker
// and health-probe state for the instance (§9 cyclic-reference cleanup);
// any status event invalidates cached resolutions for the service (§4.5
// step 5).
func (rt *Runtime) onRegistryEvent(e types.Event) {
	switch e.Type {
	case types.EventDeregistered:
		rt.Breakers.Remove(e.Service, e.InstanceID)
		rt.Health.Withdraw(e.InstanceID)
		rt.Resolver.InvalidateService(e.Service)
	case types.EventStatusChange, types.EventRunning, types.EventMetadata, types.EventRegistered:
		rt.Resolver.InvalidateService(e.Service)
	}
}

// Start brings the runtime up in dependency order: registry -> health
// engine -> resolver (no background loop of its own) -> peer sync,
// the reverse of the shutdown order mandated by Design Note "explicit
// runtime lifecycle" (peer sync -> resolver -> health engine -> registry).
func (rt *Runtime) Start(ctx context.Context) {
	rt.Registry.Start(ctx)
	rt.Health.Start(ctx)
	rt.Peers.Start(ctx)
}

// Stop shuts the runtime down in the mandated reverse order: peer sync,
// resolver, health engine, registry. The resolver exposes no Stop method,
// so it has no step here; the cleanup goroutine of its result cache is
// not stopped.
func (rt *Runtime) Stop() {
	rt.Peers.Stop()
	rt.Health.Stop()
	rt.Registry.Stop()
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
}
