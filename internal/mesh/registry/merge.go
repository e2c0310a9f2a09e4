package registry

import "github.com/hashmesh/meshcore/internal/mesh/types"

// remoteWins implements the heartbeat-first conflict precedence for peer
// sync: (last_heartbeat_at desc, version desc, instance_id asc), ties
// keep local. The instance_id level of that order never actually
// discriminates here since local and remote always share the instance_id
// MergeInstance looked them up by; it only matters across the full peer
// set this precedence is otherwise specified for. version is compared as
// a plain string, the same comparison Filter.Matches already uses for
// version_min/version_max, so a service that adopts dotted semver
// ordering needs zero-padded segments for both to agree.
func remoteWins(local, remote *types.ServiceInstance) bool {
	if !remote.LastHeartbeatAt.Equal(local.LastHeartbeatAt) {
		return remote.LastHeartbeatAt.After(local.LastHeartbeatAt)
	}
	if remote.Version != local.Version {
		return remote.Version > local.Version
	}
	return false
}

// MergeInstance applies one peer-supplied instance record during peer sync
// (§4.8). It never bypasses the lifecycle graph: a remote record that
// loses the conflict check is discarded, and the local copy is left
// untouched (P7 - hash-equal states produce zero mutations because the
// syncer skips the transfer entirely in that case).
func (r *Registry) MergeInstance(remote *types.ServiceInstance) (inserted, updated, conflictKeptLocal bool) {
	if remote == nil || remote.InstanceID == "" || remote.ServiceName == "" {
		return false, false, true
	}

	b := r.bucketFor(remote.ServiceName)
	b.mu.Lock()
	local, exists := b.instances[remote.InstanceID]
	if !exists {
		b.instances[remote.InstanceID] = remote.Clone()
		b.mu.Unlock()
		r.idOwner.Store(remote.InstanceID, remote.ServiceName)
		r.index.Add(remote)
		r.publish(types.Event{Type: types.EventSyncApplied, InstanceID: remote.InstanceID, Service: remote.ServiceName, Timestamp: r.clock.Now()})
		return true, false, false
	}

	if !remoteWins(local, remote) {
		b.mu.Unlock()
		return false, false, true
	}

	*local = *remote.Clone()
	b.mu.Unlock()
	r.index.Update(local)
	r.publish(types.Event{Type: types.EventSyncApplied, InstanceID: remote.InstanceID, Service: remote.ServiceName, Timestamp: r.clock.Now()})
	return false, true, false
}
