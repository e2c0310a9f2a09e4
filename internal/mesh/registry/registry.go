// Package registry implements the Service Registry (C3): the
// authoritative in-process table of service instances, their lifecycle,
// event notification and persistence hooks.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	meshclock "github.com/hashmesh/meshcore/internal/mesh/clock"
	"github.com/hashmesh/meshcore/internal/mesh/metadata"
	"github.com/hashmesh/meshcore/internal/mesh/types"

	errs "github.com/hashmesh/meshcore/infrastructure/errors"
	"github.com/hashmesh/meshcore/infrastructure/logging"
	"github.com/hashmesh/meshcore/infrastructure/metrics"
)

// Config controls registry timing, matching the defaults in spec §4.2.
type Config struct {
	TTL              time.Duration // heartbeat staleness before forced UNHEALTHY
	CleanupInterval  time.Duration // sweeper period
	ExpiryGrace      time.Duration // UNHEALTHY -> removed
	DeregisterGrace  time.Duration // STOPPING -> STOPPED -> removed
	SubscriberBuffer int           // per-subscriber queue bound
}

// DefaultConfig returns the spec's default timings.
func DefaultConfig() Config {
	return Config{
		TTL:              90 * time.Second,
		CleanupInterval:  30 * time.Second,
		ExpiryGrace:      300 * time.Second,
		DeregisterGrace:  5 * time.Second,
		SubscriberBuffer: 1000,
	}
}

// bucket serializes mutations for all instances of one service, per the
// "one lock per service bucket" policy in §5.
type bucket struct {
	mu        sync.RWMutex
	instances map[string]*types.ServiceInstance // instance_id -> instance
}

// Registry is the C3 service registry.
type Registry struct {
	cfg     Config
	clock   meshclock.Clock
	index   *metadata.Index
	metrics *metrics.Metrics
	logger  *logging.Logger

	bucketsMu sync.RWMutex
	buckets   map[string]*bucket // service_name -> bucket

	idOwner sync.Map // instance_id -> service_name, enforces invariant I1

	subsMu sync.Mutex
	subs   map[string]*subscription

	eventsDropped uint64

	pendingRemoval sync.Map // instance_id -> *time.Timer (deregister/expiry grace)

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Registry. metrics and logger may be nil for tests.
func New(cfg Config, clk meshclock.Clock, idx *metadata.Index, m *metrics.Metrics, log *logging.Logger) *Registry {
	if cfg.TTL <= 0 {
		cfg = DefaultConfig()
	}
	if clk == nil {
		clk = meshclock.System
	}
	if idx == nil {
		idx = metadata.NewIndex()
	}
	return &Registry{
		cfg:     cfg,
		clock:   clk,
		index:   idx,
		metrics: m,
		logger:  log,
		buckets: make(map[string]*bucket),
		subs:    make(map[string]*subscription),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the background cleanup sweeper. Scoped acquisition: Stop
// guarantees the sweeper goroutine has exited before returning.
func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.sweepLoop(ctx)
}

// Stop cancels background work and waits for it to finish, respecting the
// system shutdown deadline enforced by the caller's context.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Registry) sweepLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := r.clock.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C():
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	now := r.clock.Now()
	r.bucketsMu.RLock()
	buckets := make([]*bucket, 0, len(r.buckets))
	for _, b := range r.buckets {
		buckets = append(buckets, b)
	}
	r.bucketsMu.RUnlock()

	for _, b := range buckets {
		b.mu.Lock()
		for id, inst := range b.instances {
			if inst.Status == types.StatusStopped || inst.Status == types.StatusUnhealthy {
				if now.Sub(inst.LastHeartbeatAt) > r.cfg.TTL+r.cfg.ExpiryGrace {
					delete(b.instances, id)
					r.index.Remove(inst)
					r.idOwner.Delete(id)
					r.publish(types.Event{Type: types.EventDeregistered, InstanceID: id, Service: inst.ServiceName, Timestamp: now})
				}
				continue
			}
			if now.Sub(inst.LastHeartbeatAt) > r.cfg.TTL {
				inst.Status = types.StatusUnhealthy
				r.publish(types.Event{Type: types.EventStatusChange, InstanceID: id, Service: inst.ServiceName, Timestamp: now,
					Payload: map[string]any{"status": string(types.StatusUnhealthy), "reason": "ttl_expired"}})
			}
		}
		b.mu.Unlock()
	}
}

func (r *Registry) bucketFor(service string) *bucket {
	r.bucketsMu.RLock()
	b, ok := r.buckets[service]
	r.bucketsMu.RUnlock()
	if ok {
		return b
	}
	r.bucketsMu.Lock()
	defer r.bucketsMu.Unlock()
	if b, ok = r.buckets[service]; ok {
		return b
	}
	b = &bucket{instances: make(map[string]*types.ServiceInstance)}
	r.buckets[service] = b
	return b
}

// Register inserts a new instance, enforcing I1 (an instance_id belongs to
// at most one service/address). A re-registration under a different
// service or address is a DuplicateInstance, per Design Note on address
// change (Open Question resolved: address change == DuplicateInstance).
func (r *Registry) Register(inst *types.ServiceInstance) error {
	if inst.InstanceID == "" {
		inst.InstanceID = uuid.NewString()
	}
	if err := inst.Validate(); err != nil {
		return errs.InvalidInput("instance", err.Error())
	}
	if owner, loaded := r.idOwner.LoadOrStore(inst.InstanceID, inst.ServiceName); loaded {
		existing := owner.(string)
		if existing != inst.ServiceName {
			return errs.AlreadyExists("instance", inst.InstanceID)
		}
		b := r.bucketFor(inst.ServiceName)
		b.mu.RLock()
		prev, ok := b.instances[inst.InstanceID]
		b.mu.RUnlock()
		if ok && (prev.Address != inst.Address || prev.Port != inst.Port) {
			return errs.AlreadyExists("instance", inst.InstanceID)
		}
	}

	now := r.clock.Now()
	clone := inst.Clone()
	clone.Status = types.StatusStarting
	clone.HealthScore = 0.5
	clone.RegisteredAt = now
	clone.LastHeartbeatAt = now

	b := r.bucketFor(clone.ServiceName)
	b.mu.Lock()
	if _, exists := b.instances[clone.InstanceID]; exists {
		b.mu.Unlock()
		return errs.AlreadyExists("instance", clone.InstanceID)
	}
	b.instances[clone.InstanceID] = clone
	b.mu.Unlock()

	r.index.Add(clone)
	r.recordMetric("register")
	r.publish(types.Event{Type: types.EventRegistered, InstanceID: clone.InstanceID, Service: clone.ServiceName, Timestamp: now})
	return nil
}

// Heartbeat updates last_heartbeat_at and transitions STARTING -> RUNNING
// on the first heartbeat.
func (r *Registry) Heartbeat(instanceID string) error {
	inst, b, err := r.find(instanceID)
	if err != nil {
		return err
	}
	b.mu.Lock()
	now := r.clock.Now()
	inst.LastHeartbeatAt = now
	transitioned := false
	if inst.Status == types.StatusStarting {
		inst.Status = types.StatusRunning
		transitioned = true
	}
	b.mu.Unlock()
	if transitioned {
		r.publish(types.Event{Type: types.EventRunning, InstanceID: instanceID, Service: inst.ServiceName, Timestamp: now})
	}
	return nil
}

// UpdateStatus enforces the lifecycle graph (I3); same-state updates are
// idempotent no-ops and publish no event.
func (r *Registry) UpdateStatus(instanceID string, newStatus types.ServiceStatus) error {
	inst, b, err := r.find(instanceID)
	if err != nil {
		return err
	}
	b.mu.Lock()
	if !types.CanTransition(inst.Status, newStatus) {
		b.mu.Unlock()
		return errs.New("MESH_8001", "invalid status transition", 400).
			WithDetails("from", string(inst.Status)).WithDetails("to", string(newStatus))
	}
	prev := inst.Status
	inst.Status = newStatus
	if newStatus != types.StatusStopped && newStatus == types.StatusStopping {
		// schedule forced removal after grace, matching deregister semantics
	}
	b.mu.Unlock()

	if newStatus == types.StatusStopping {
		r.scheduleRemoval(instanceID, inst.ServiceName, r.cfg.DeregisterGrace, types.StatusStopped)
	}

	if prev != newStatus {
		r.publish(types.Event{Type: types.EventStatusChange, InstanceID: instanceID, Service: inst.ServiceName, Timestamp: r.clock.Now(),
			Payload: map[string]any{"from": string(prev), "to": string(newStatus)}})
	}
	return nil
}

// UpdateMetadata merges patch into the instance's metadata map and keeps
// the metadata index in sync.
func (r *Registry) UpdateMetadata(instanceID string, patch map[string]string) error {
	inst, b, err := r.find(instanceID)
	if err != nil {
		return err
	}
	b.mu.Lock()
	if inst.Metadata == nil {
		inst.Metadata = make(map[string]string, len(patch))
	}
	for k, v := range patch {
		inst.Metadata[k] = v
	}
	snapshot := inst.Clone()
	b.mu.Unlock()

	r.index.Update(snapshot)
	r.publish(types.Event{Type: types.EventMetadata, InstanceID: instanceID, Service: inst.ServiceName, Timestamp: r.clock.Now()})
	return nil
}

// Deregister transitions STOPPING -> STOPPED and removes the instance
// after DeregisterGrace so in-flight requests can complete.
func (r *Registry) Deregister(instanceID, reason string) error {
	inst, b, err := r.find(instanceID)
	if err != nil {
		return err
	}
	b.mu.Lock()
	inst.Status = types.StatusStopping
	b.mu.Unlock()

	r.scheduleRemoval(instanceID, inst.ServiceName, r.cfg.DeregisterGrace, types.StatusStopped)
	r.publish(types.Event{Type: types.EventStatusChange, InstanceID: instanceID, Service: inst.ServiceName, Timestamp: r.clock.Now(),
		Payload: map[string]any{"to": string(types.StatusStopping), "reason": reason}})
	return nil
}

func (r *Registry) scheduleRemoval(instanceID, service string, grace time.Duration, finalStatus types.ServiceStatus) {
	if existing, ok := r.pendingRemoval.Load(instanceID); ok {
		existing.(*time.Timer).Stop()
	}
	t := time.AfterFunc(grace, func() {
		b := r.bucketFor(service)
		b.mu.Lock()
		inst, ok := b.instances[instanceID]
		if ok {
			inst.Status = finalStatus
			delete(b.instances, instanceID)
		}
		b.mu.Unlock()
		if ok {
			r.index.Remove(inst)
			r.idOwner.Delete(instanceID)
			r.pendingRemoval.Delete(instanceID)
			r.publish(types.Event{Type: types.EventDeregistered, InstanceID: instanceID, Service: service, Timestamp: r.clock.Now()})
		}
	})
	r.pendingRemoval.Store(instanceID, t)
}

// UpdateHealth is invoked by the health check engine (C2) to atomically
// write a derived status + score as one operation (§4.1).
func (r *Registry) UpdateHealth(instanceID string, score float64, healthy bool) error {
	inst, b, err := r.find(instanceID)
	if err != nil {
		return err
	}
	b.mu.Lock()
	inst.HealthScore = score
	prev := inst.Status
	next := prev
	if healthy && (prev == types.StatusUnhealthy || prev == types.StatusStarting) {
		next = types.StatusRunning
	} else if !healthy && prev != types.StatusStopping && prev != types.StatusStopped {
		next = types.StatusUnhealthy
	}
	changed := next != prev && types.CanTransition(prev, next)
	if changed {
		inst.Status = next
	}
	b.mu.Unlock()
	if changed {
		r.publish(types.Event{Type: types.EventStatusChange, InstanceID: instanceID, Service: inst.ServiceName, Timestamp: r.clock.Now(),
			Payload: map[string]any{"from": string(prev), "to": string(next), "health_score": score}})
	}
	return nil
}

func (r *Registry) find(instanceID string) (*types.ServiceInstance, *bucket, error) {
	owner, ok := r.idOwner.Load(instanceID)
	if !ok {
		return nil, nil, errs.NotFound("instance", instanceID)
	}
	b := r.bucketFor(owner.(string))
	b.mu.RLock()
	inst, ok := b.instances[instanceID]
	b.mu.RUnlock()
	if !ok {
		return nil, nil, errs.NotFound("instance", instanceID)
	}
	return inst, b, nil
}

// Get returns a defensive copy of one instance by id.
func (r *Registry) Get(instanceID string) (*types.ServiceInstance, error) {
	inst, b, err := r.find(instanceID)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return inst.Clone(), nil
}

// List returns the live instances of a service matching filter (P1).
// Tag/region dimensions are narrowed through the metadata index (C4)
// before the remaining predicates (version range, min_health) are
// applied by a direct scan of the surviving candidates (§4.3).
func (r *Registry) List(service string, filter types.Filter) []*types.ServiceInstance {
	r.bucketsMu.RLock()
	b, ok := r.buckets[service]
	r.bucketsMu.RUnlock()
	if !ok {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	candidateIDs := r.index.Query(filter)
	if candidateIDs != nil && len(candidateIDs) == 0 {
		return nil
	}

	out := make([]*types.ServiceInstance, 0, len(b.instances))
	if candidateIDs != nil {
		for id := range candidateIDs {
			inst, ok := b.instances[id]
			if ok && filter.Matches(inst) {
				out = append(out, inst.Clone())
			}
		}
		return out
	}
	for _, inst := range b.instances {
		if filter.Matches(inst) {
			out = append(out, inst.Clone())
		}
	}
	return out
}

// AllServices returns the set of service names currently known.
func (r *Registry) AllServices() []string {
	r.bucketsMu.RLock()
	defer r.bucketsMu.RUnlock()
	out := make([]string, 0, len(r.buckets))
	for name := range r.buckets {
		out = append(out, name)
	}
	return out
}

func (r *Registry) recordMetric(op string) {
	if r.metrics != nil {
		r.metrics.RecordError("registry", op, "registry")
	}
}
