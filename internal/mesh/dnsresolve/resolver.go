// Package dnsresolve implements the DNS Resolver (C5): SRV-record lookup
// with a two-tier cache (local in-process, optional distributed Redis)
// and retry/backoff across a configured set of DNS servers.
package dnsresolve

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"

	"github.com/hashmesh/meshcore/infrastructure/cache"
	errs "github.com/hashmesh/meshcore/infrastructure/errors"
	"github.com/hashmesh/meshcore/infrastructure/logging"
	"github.com/hashmesh/meshcore/infrastructure/metrics"
	"github.com/hashmesh/meshcore/internal/mesh/types"
)

// IPFamily controls preference between IPv4 and IPv6 A/AAAA resolution.
type IPFamily int

const (
	PreferIPv4 IPFamily = iota
	PreferIPv6
)

// Config controls resolver timing and behavior, matching §4.4 defaults.
type Config struct {
	LocalTTL   time.Duration
	DistTTL    time.Duration
	DNSServers []string
	Retries    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	IPPreference IPFamily
}

func DefaultConfig() Config {
	return Config{
		LocalTTL:     5 * time.Second,
		DistTTL:      60 * time.Second,
		Retries:      3,
		BaseBackoff:  100 * time.Millisecond,
		MaxBackoff:   2 * time.Second,
		IPPreference: PreferIPv4,
	}
}

// SRVLookup abstracts the SRV+A/AAAA query against one DNS server so
// tests can substitute a fake without touching the network.
type SRVLookup interface {
	LookupSRV(ctx context.Context, server, service string) ([]*net.SRV, error)
	LookupHost(ctx context.Context, server, host string) ([]net.IP, error)
}

// SystemLookup issues real DNS queries via net.Resolver.
type SystemLookup struct{}

func (SystemLookup) LookupSRV(ctx context.Context, server, service string) ([]*net.SRV, error) {
	resolver := resolverFor(server)
	_, srvs, err := resolver.LookupSRV(ctx, "", "", service)
	return srvs, err
}

func (SystemLookup) LookupHost(ctx context.Context, server, host string) ([]net.IP, error) {
	resolver := resolverFor(server)
	return resolver.LookupIP(ctx, "ip", host)
}

func resolverFor(server string) *net.Resolver {
	if server == "" {
		return net.DefaultResolver
	}
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			d := net.Dialer{}
			return d.DialContext(ctx, network, server)
		},
	}
}

// Resolver is the C5 DNS resolver.
type Resolver struct {
	cfg     Config
	lookup  SRVLookup
	local   *cache.Cache
	redis   *redis.Client
	metrics *metrics.Metrics
	logger  *logging.Logger
}

// New constructs a Resolver. redisClient may be nil, in which case the
// distributed cache tier is skipped (§4.4a).
func New(cfg Config, lookup SRVLookup, redisClient *redis.Client, m *metrics.Metrics, log *logging.Logger) *Resolver {
	if cfg.Retries <= 0 {
		cfg = DefaultConfig()
	}
	if lookup == nil {
		lookup = SystemLookup{}
	}
	return &Resolver{
		cfg:     cfg,
		lookup:  lookup,
		local:   cache.NewCache(cache.CacheConfig{DefaultTTL: cfg.LocalTTL, MaxSize: 10_000, CleanupInterval: cfg.LocalTTL * 4}),
		redis:   redisClient,
		metrics: m,
		logger:  log,
	}
}

type cachedResolution struct {
	Instances []*types.ServiceInstance `json:"instances"`
}

func cacheKey(service string, filter types.Filter) string {
	return service + "|" + filter.Hash()
}

// Resolve returns instances for service matching filter, trying the
// local cache, then the distributed cache, then a live SRV query, in
// that order (§4.4).
func (r *Resolver) Resolve(ctx context.Context, service string, filter types.Filter) ([]*types.ServiceInstance, error) {
	key := cacheKey(service, filter)

	if v, ok := r.local.Get(key); ok {
		r.recordCacheHit("local")
		return v.([]*types.ServiceInstance), nil
	}

	if r.redis != nil {
		if instances, ok := r.getDistributed(ctx, key); ok {
			r.recordCacheHit("distributed")
			r.local.Set(key, instances, r.cfg.LocalTTL)
			return instances, nil
		}
	}
	r.recordCacheMiss()

	instances, warn, err := r.liveQuery(ctx, service)
	if err != nil {
		return nil, err
	}

	filtered := make([]*types.ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		if filter.Matches(inst) {
			filtered = append(filtered, inst)
		}
	}

	r.local.Set(key, filtered, r.cfg.LocalTTL)
	if r.redis != nil {
		r.setDistributed(ctx, key, filtered)
	}
	if warn != nil && r.logger != nil {
		r.logger.Warn(ctx, "dns_resolve_partial_success", map[string]interface{}{"service": service, "warning": warn.Error()})
	}
	return filtered, nil
}

func (r *Resolver) getDistributed(ctx context.Context, key string) ([]*types.ServiceInstance, bool) {
	raw, err := r.redis.Get(ctx, "mesh:dnscache:"+key).Bytes()
	if err != nil {
		return nil, false
	}
	var cached cachedResolution
	if json.Unmarshal(raw, &cached) != nil {
		return nil, false
	}
	return cached.Instances, true
}

func (r *Resolver) setDistributed(ctx context.Context, key string, instances []*types.ServiceInstance) {
	b, err := json.Marshal(cachedResolution{Instances: instances})
	if err != nil {
		return
	}
	r.redis.Set(ctx, "mesh:dnscache:"+key, b, r.cfg.DistTTL)
}

func (r *Resolver) recordCacheHit(tier string) {
	if r.metrics != nil {
		r.metrics.SetMeshCacheHitRatio(tier, 1)
	}
}

func (r *Resolver) recordCacheMiss() {
	if r.metrics != nil {
		r.metrics.SetMeshCacheHitRatio("local", 0)
	}
}

// liveQuery issues an SRV lookup against the configured DNS servers with
// retry/backoff and server cycling (§4.4). A partial success (some SRV
// targets resolve, others fail) is returned with a non-nil warning.
func (r *Resolver) liveQuery(ctx context.Context, service string) ([]*types.ServiceInstance, error, error) {
	servers := r.cfg.DNSServers
	if len(servers) == 0 {
		servers = []string{""}
	}

	var srvs []*net.SRV
	var lastErr error
	attempt := 0

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.BaseBackoff
	bo.MaxInterval = r.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	for attempt < r.cfg.Retries {
		server := servers[attempt%len(servers)]
		results, err := r.lookup.LookupSRV(ctx, server, service)
		if err == nil && len(results) > 0 {
			srvs = results
			lastErr = nil
			break
		}
		lastErr = err
		attempt++
		if attempt >= r.cfg.Retries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, nil, errs.Timeout("dns_resolve")
		case <-time.After(bo.NextBackOff()):
		}
	}

	if len(srvs) == 0 {
		if r.metrics != nil {
			r.metrics.RecordMeshLBError(service, "no_resolution")
		}
		return nil, nil, errs.New("MESH_8003", "no DNS resolution after retries", 404).WithDetails("err", fmt.Sprint(lastErr))
	}

	var instances []*types.ServiceInstance
	var resolveErr error
	for _, srv := range srvs {
		host := srv.Target
		ips, err := r.lookup.LookupHost(ctx, servers[0], host)
		if err != nil || len(ips) == 0 {
			resolveErr = fmt.Errorf("failed to resolve %s: %w", host, err)
			continue
		}
		ip := pickIP(ips, r.cfg.IPPreference)
		instances = append(instances, &types.ServiceInstance{
			InstanceID:  fmt.Sprintf("%s:%d", ip.String(), srv.Port),
			ServiceName: service,
			Address:     ip.String(),
			Port:        int(srv.Port),
			Weight:      max1(int(srv.Weight)),
			Status:      types.StatusRunning,
			HealthScore: 0.5,
		})
	}

	if len(instances) == 0 {
		return nil, nil, errs.New("MESH_8003", "no DNS resolution after retries", 404)
	}
	return instances, resolveErr, nil
}

func max1(w int) int {
	if w < 1 {
		return 1
	}
	return w
}

func pickIP(ips []net.IP, pref IPFamily) net.IP {
	var v4, v6 net.IP
	for _, ip := range ips {
		if ip.To4() != nil && v4 == nil {
			v4 = ip
		} else if ip.To4() == nil && v6 == nil {
			v6 = ip
		}
	}
	if pref == PreferIPv4 {
		if v4 != nil {
			return v4
		}
		return v6
	}
	if v6 != nil {
		return v6
	}
	return v4
}
