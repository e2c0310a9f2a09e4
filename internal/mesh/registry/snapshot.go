package registry

import (
	"encoding/json"
	"sort"

	errs "github.com/hashmesh/meshcore/infrastructure/errors"
	"github.com/hashmesh/meshcore/internal/mesh/types"
)

// schemaVersion is bumped whenever the snapshot wire format changes in a
// way that breaks byte-exactness with older peers.
const schemaVersion = 1

// snapshotBlob is the wire format written by Snapshot and read by
// Restore; it matches §6's "Persisted state layout".
type snapshotBlob struct {
	Header    types.SnapshotHeader `json:"header"`
	Instances []snapshotInstance   `json:"instances"`
}

// snapshotInstance carries every ServiceInstance field verbatim so the
// blob round-trips without loss (restore(snapshot(S)) == S).
type snapshotInstance = types.ServiceInstance

func (r *Registry) allInstances() []*types.ServiceInstance {
	r.bucketsMu.RLock()
	buckets := make([]*bucket, 0, len(r.buckets))
	for _, b := range r.buckets {
		buckets = append(buckets, b)
	}
	r.bucketsMu.RUnlock()

	var out []*types.ServiceInstance
	for _, b := range buckets {
		b.mu.RLock()
		for _, inst := range b.instances {
			out = append(out, inst.Clone())
		}
		b.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// Snapshot produces a byte-exact, canonically-ordered state blob suitable
// for persistence or peer exchange.
func (r *Registry) Snapshot() ([]byte, error) {
	instances := r.allInstances()
	hash, err := types.StateHash(instances)
	if err != nil {
		return nil, errs.Internal("failed to hash registry state", err)
	}
	blob := snapshotBlob{
		Header: types.SnapshotHeader{
			SchemaVersion: schemaVersion,
			CreatedAt:     r.clock.Now(),
			StateHash:     hash,
		},
		Instances: instances,
	}
	b, err := json.Marshal(blob)
	if err != nil {
		return nil, errs.Internal("failed to marshal registry snapshot", err)
	}
	return b, nil
}

// StateHash returns the current PeerStateHash without serializing the
// full instance list, used by peer sync's hash-first comparison (§4.8).
func (r *Registry) StateHash() (string, error) {
	return types.StateHash(r.allInstances())
}

// Restore atomically replaces the current registry state from a
// previously produced snapshot blob. On any decode error the registry is
// left untouched (StateCorruption is fatal at the caller, per §7).
func (r *Registry) Restore(blob []byte) error {
	var parsed snapshotBlob
	if err := json.Unmarshal(blob, &parsed); err != nil {
		return errs.New("MESH_8002", "state corruption: invalid snapshot", 500).WithDetails("err", err.Error())
	}

	recomputed, err := types.StateHash(parsed.Instances)
	if err != nil {
		return errs.New("MESH_8002", "state corruption: cannot hash snapshot", 500)
	}
	if recomputed != parsed.Header.StateHash {
		return errs.New("MESH_8002", "state corruption: hash mismatch", 500).
			WithDetails("expected", parsed.Header.StateHash).WithDetails("actual", recomputed)
	}

	newBuckets := make(map[string]*bucket)
	for _, inst := range parsed.Instances {
		b, ok := newBuckets[inst.ServiceName]
		if !ok {
			b = &bucket{instances: make(map[string]*types.ServiceInstance)}
			newBuckets[inst.ServiceName] = b
		}
		b.instances[inst.InstanceID] = inst.Clone()
	}

	r.bucketsMu.Lock()
	r.buckets = newBuckets
	r.bucketsMu.Unlock()

	r.idOwner.Range(func(key, _ any) bool {
		r.idOwner.Delete(key)
		return true
	})
	newIndex := r.index
	newIndex.Clear()
	for _, inst := range parsed.Instances {
		r.idOwner.Store(inst.InstanceID, inst.ServiceName)
		newIndex.Add(inst)
	}

	return nil
}
