// Package metadata implements the Metadata Index (C4): inverted maps over
// tag/version/environment/region that let the resolver and registry
// narrow candidate sets without scanning every instance.
package metadata

import (
	"sort"
	"sync"

	"github.com/hashmesh/meshcore/internal/mesh/types"
)

// Index maintains inverted maps keyed by dimension value -> instance ids.
// Updated synchronously with every register/update/deregister (§4.3).
type Index struct {
	mu sync.RWMutex

	tag     map[string]map[string]struct{}
	version map[string]map[string]struct{}
	env     map[string]map[string]struct{}
	region  map[string]map[string]struct{}

	// owner tracks which dimension values each instance currently
	// participates in, so Remove/Update can clean up precisely.
	owner map[string]ownedKeys
}

type ownedKeys struct {
	tags    []string
	version string
	env     string
	region  string
}

// NewIndex constructs an empty metadata index.
func NewIndex() *Index {
	return &Index{
		tag:     make(map[string]map[string]struct{}),
		version: make(map[string]map[string]struct{}),
		env:     make(map[string]map[string]struct{}),
		region:  make(map[string]map[string]struct{}),
		owner:   make(map[string]ownedKeys),
	}
}

func addTo(m map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[id] = struct{}{}
}

func removeFrom(m map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m, key)
	}
}

// Add indexes a newly registered instance.
func (idx *Index) Add(inst *types.ServiceInstance) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.unlockedRemove(inst.InstanceID)

	for _, t := range inst.Tags {
		addTo(idx.tag, t, inst.InstanceID)
	}
	addTo(idx.version, inst.Version, inst.InstanceID)
	addTo(idx.env, inst.Metadata["environment"], inst.InstanceID)
	addTo(idx.region, inst.Region, inst.InstanceID)

	idx.owner[inst.InstanceID] = ownedKeys{
		tags:    append([]string(nil), inst.Tags...),
		version: inst.Version,
		env:     inst.Metadata["environment"],
		region:  inst.Region,
	}
}

// Update re-indexes an instance whose metadata/tags/version/region may
// have changed.
func (idx *Index) Update(inst *types.ServiceInstance) {
	idx.Add(inst)
}

// Remove drops an instance from every inverted map it participates in.
func (idx *Index) Remove(inst *types.ServiceInstance) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.unlockedRemove(inst.InstanceID)
}

func (idx *Index) unlockedRemove(id string) {
	prev, ok := idx.owner[id]
	if !ok {
		return
	}
	for _, t := range prev.tags {
		removeFrom(idx.tag, t, id)
	}
	removeFrom(idx.version, prev.version, id)
	removeFrom(idx.env, prev.env, id)
	removeFrom(idx.region, prev.region, id)
	delete(idx.owner, id)
}

// Clear empties the index, used by Registry.Restore.
func (idx *Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.tag = make(map[string]map[string]struct{})
	idx.version = make(map[string]map[string]struct{})
	idx.env = make(map[string]map[string]struct{})
	idx.region = make(map[string]map[string]struct{})
	idx.owner = make(map[string]ownedKeys)
}

// Query intersects the relevant dimension sets for a filter, ordered by
// expected smallest set first (tags are usually most selective).
func (idx *Index) Query(filter types.Filter) map[string]struct{} {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var sets []map[string]struct{}
	for _, t := range filter.Tags {
		if set, ok := idx.tag[t]; ok {
			sets = append(sets, set)
		} else {
			return map[string]struct{}{} // a required tag has no instances
		}
	}
	if filter.Region != "" {
		if set, ok := idx.region[filter.Region]; ok {
			sets = append(sets, set)
		} else {
			return map[string]struct{}{}
		}
	}
	if len(sets) == 0 {
		return nil // nil means "no index-narrowable dimension"; caller must scan
	}

	sort.SliceStable(sets, func(i, j int) bool { return len(sets[i]) < len(sets[j]) })
	result := make(map[string]struct{}, len(sets[0]))
	for id := range sets[0] {
		result[id] = struct{}{}
	}
	for _, s := range sets[1:] {
		for id := range result {
			if _, ok := s[id]; !ok {
				delete(result, id)
			}
		}
	}
	return result
}
