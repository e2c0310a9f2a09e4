// Package types holds the data model shared by every mesh component:
// service instances, their lifecycle status, registry events and
// resolution filters. Nothing in this package talks to the network or
// holds locks; it is pure data plus small pure helpers.
package types

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ServiceStatus is the lifecycle state of a ServiceInstance.
type ServiceStatus string

const (
	StatusUnknown   ServiceStatus = "UNKNOWN"
	StatusStarting  ServiceStatus = "STARTING"
	StatusRunning   ServiceStatus = "RUNNING"
	StatusStopping  ServiceStatus = "STOPPING"
	StatusStopped   ServiceStatus = "STOPPED"
	StatusUnhealthy ServiceStatus = "UNHEALTHY"
)

// transitions enumerates the allowed lifecycle graph from §3 of the spec:
// STARTING -> RUNNING -> {STOPPING -> STOPPED}; any state may go UNHEALTHY,
// and UNHEALTHY may recover back to RUNNING (health engine driven).
var transitions = map[ServiceStatus]map[ServiceStatus]bool{
	StatusUnknown:   {StatusStarting: true, StatusRunning: true, StatusUnhealthy: true, StatusStopped: true},
	StatusStarting:  {StatusRunning: true, StatusUnhealthy: true, StatusStopping: true, StatusStopped: true},
	StatusRunning:   {StatusStopping: true, StatusUnhealthy: true, StatusStopped: true},
	StatusStopping:  {StatusStopped: true, StatusUnhealthy: true},
	StatusStopped:   {},
	StatusUnhealthy: {StatusRunning: true, StatusStopping: true, StatusStopped: true},
}

// CanTransition reports whether from -> to is allowed by the lifecycle
// graph. Same-state transitions are always allowed (idempotent).
func CanTransition(from, to ServiceStatus) bool {
	if from == to {
		return true
	}
	next, ok := transitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// ServiceInstance is one addressable endpoint of a service, per §3.
type ServiceInstance struct {
	InstanceID        string            `json:"instance_id"`
	ServiceName       string            `json:"service_name"`
	Address           string            `json:"address"`
	Port              int               `json:"port"`
	Weight            int               `json:"weight"`
	Metadata          map[string]string `json:"metadata"`
	Status            ServiceStatus     `json:"status"`
	HealthScore       float64           `json:"health_score"`
	Region            string            `json:"region"`
	Version           string            `json:"version"`
	Tags              []string          `json:"tags"`
	RegisteredAt      time.Time         `json:"registered_at"`
	LastHeartbeatAt   time.Time         `json:"last_heartbeat_at"`
	ActiveConnections int64             `json:"active_connections"`
}

// Clone returns a deep copy so callers can never mutate registry-owned
// state through a returned pointer.
func (i *ServiceInstance) Clone() *ServiceInstance {
	if i == nil {
		return nil
	}
	c := *i
	if i.Metadata != nil {
		c.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			c.Metadata[k] = v
		}
	}
	if i.Tags != nil {
		c.Tags = append([]string(nil), i.Tags...)
	}
	return &c
}

// TagSet returns the instance's tags as a lookup set.
func (i *ServiceInstance) TagSet() map[string]struct{} {
	set := make(map[string]struct{}, len(i.Tags))
	for _, t := range i.Tags {
		set[t] = struct{}{}
	}
	return set
}

// Validate enforces §4.3's per-instance bounds and basic field sanity.
func (i *ServiceInstance) Validate() error {
	if i.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if i.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if i.Address == "" {
		return fmt.Errorf("address is required")
	}
	if i.Port <= 0 || i.Port > 65535 {
		return fmt.Errorf("port %d out of range", i.Port)
	}
	if i.Weight < 1 {
		return fmt.Errorf("weight must be >= 1, got %d", i.Weight)
	}
	if len(i.Tags) > 32 {
		return fmt.Errorf("at most 32 tags allowed, got %d", len(i.Tags))
	}
	for _, t := range i.Tags {
		if len(t) > 128 {
			return fmt.Errorf("tag %q exceeds 128 characters", t)
		}
	}
	return nil
}

// EventType enumerates registry lifecycle notifications.
type EventType string

const (
	EventRegistered   EventType = "REGISTERED"
	EventRunning      EventType = "RUNNING"
	EventStatusChange EventType = "STATUS_CHANGE"
	EventMetadata     EventType = "METADATA_UPDATED"
	EventDeregistered EventType = "DEREGISTERED"
	EventSyncApplied  EventType = "SYNC_APPLIED"
)

// Event is delivered to registry subscribers.
type Event struct {
	Type      EventType      `json:"event_type"`
	InstanceID string        `json:"instance_id"`
	Service   string         `json:"service"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Filter narrows a list operation or resolution to a subset of instances.
// A zero-value Filter matches everything.
type Filter struct {
	Tags        []string // required, subset semantics
	VersionMin  string
	VersionMax  string
	Region      string
	MinHealth   float64
}

// Hash returns a stable digest of the filter, used as the second half of
// a ResolutionCacheEntry key.
func (f Filter) Hash() string {
	tags := append([]string(nil), f.Tags...)
	sort.Strings(tags)
	parts := []string{
		strings.Join(tags, ","),
		f.VersionMin, f.VersionMax, f.Region,
		fmt.Sprintf("%.4f", f.MinHealth),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return fmt.Sprintf("%x", sum[:8])
}

// Matches reports whether instance i satisfies the filter.
func (f Filter) Matches(i *ServiceInstance) bool {
	if f.MinHealth > 0 && i.HealthScore < f.MinHealth {
		return false
	}
	if f.Region != "" && i.Region != f.Region {
		return false
	}
	if f.VersionMin != "" && i.Version < f.VersionMin {
		return false
	}
	if f.VersionMax != "" && i.Version > f.VersionMax {
		return false
	}
	if len(f.Tags) > 0 {
		set := i.TagSet()
		for _, t := range f.Tags {
			if _, ok := set[t]; !ok {
				return false
			}
		}
	}
	return true
}

// ClientContext carries per-call information used by resolution strategies
// (region affinity, consistent-hash keys).
type ClientContext struct {
	Region string
	Key    string // used by CONSISTENT_HASH
}

// SnapshotHeader prefixes a persisted/peer-exchanged registry snapshot.
type SnapshotHeader struct {
	SchemaVersion int       `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
	StateHash     string    `json:"state_hash"`
}

// Snapshot is the canonical, byte-exact wire representation of a
// RegistryState used for persistence and peer sync (§6).
type Snapshot struct {
	Header    SnapshotHeader     `json:"header"`
	Instances []*ServiceInstance `json:"instances"`
}

// CanonicalBytes serializes instances sorted by instance_id, as required
// for byte-exact peer hash equality (§6).
func CanonicalBytes(instances []*ServiceInstance) ([]byte, error) {
	sorted := append([]*ServiceInstance(nil), instances...)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].InstanceID < sorted[b].InstanceID })
	return json.Marshal(sorted)
}

// StateHash computes the PeerStateHash (§3): SHA-256 over the canonical
// serialization of the registry.
func StateHash(instances []*ServiceInstance) (string, error) {
	b, err := CanonicalBytes(instances)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum), nil
}
