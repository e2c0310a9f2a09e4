package lb

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/hashmesh/meshcore/internal/mesh/types"
)

// DefaultVirtualNodes is V from §4.6: the number of ring positions each
// instance occupies.
const DefaultVirtualNodes = 160

// ring is a consistent-hash ring, rebuilt only on membership change; reads
// use a snapshot pointer swap so lookups are wait-free (§5).
type ring struct {
	sortedHashes []uint64
	owners       map[uint64]string // hash -> instance_id
	membersHash  string            // fingerprint of the member set that built this ring
	virtualNodes int
}

func hashKey(s string) uint64 {
	return xxhash.Sum64String(s)
}

func membershipFingerprint(candidates []*types.ServiceInstance) string {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.InstanceID
	}
	sort.Strings(ids)
	out := ""
	for _, id := range ids {
		out += id + ","
	}
	return out
}

func buildRing(candidates []*types.ServiceInstance, virtualNodes int) *ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	r := &ring{
		owners:       make(map[uint64]string, len(candidates)*virtualNodes),
		membersHash:  membershipFingerprint(candidates),
		virtualNodes: virtualNodes,
	}
	for _, c := range candidates {
		for v := 0; v < virtualNodes; v++ {
			h := hashKey(fmt.Sprintf("%s#%d", c.InstanceID, v))
			if prev, taken := r.owners[h]; !taken || c.InstanceID < prev {
				r.owners[h] = c.InstanceID
			}
			r.sortedHashes = append(r.sortedHashes, h)
		}
	}
	sort.Slice(r.sortedHashes, func(i, j int) bool { return r.sortedHashes[i] < r.sortedHashes[j] })
	return r
}

// lookup finds the smallest ring position >= hash(key), wrapping if
// needed; ties (identical hash) resolve by lexicographically-smallest
// instance_id, per the boundary behavior in §8.
func (r *ring) lookup(key string) string {
	if len(r.sortedHashes) == 0 {
		return ""
	}
	h := hashKey(key)
	idx := sort.Search(len(r.sortedHashes), func(i int) bool { return r.sortedHashes[i] >= h })
	if idx == len(r.sortedHashes) {
		idx = 0
	}
	candidateHash := r.sortedHashes[idx]
	owner := r.owners[candidateHash]
	// Resolve collisions at the same hash position deterministically.
	for i := idx; i < len(r.sortedHashes) && r.sortedHashes[i] == candidateHash; i++ {
		if id := r.owners[r.sortedHashes[i]]; id < owner {
			owner = id
		}
	}
	return owner
}

func (s *Selector) selectConsistentHash(service string, candidates []*types.ServiceInstance, strat Strategy, ctx types.ClientContext) (*types.ServiceInstance, error) {
	key := ctx.Key
	if strat.KeyFunc != nil {
		key = strat.KeyFunc(ctx)
	}
	if key == "" {
		return nil, fmt.Errorf("CONSISTENT_HASH requires a non-empty key in client context")
	}

	fp := membershipFingerprint(candidates)

	s.mu.Lock()
	r, ok := s.rings[service]
	if !ok || r.membersHash != fp {
		r = buildRing(candidates, DefaultVirtualNodes)
		s.rings[service] = r
	}
	s.mu.Unlock()

	ownerID := r.lookup(key)
	for _, c := range candidates {
		if c.InstanceID == ownerID {
			return c, nil
		}
	}
	return nil, nil
}
