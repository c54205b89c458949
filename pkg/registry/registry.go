// Package registry owns the process-wide map from node and group identities
// to their heartbeat caches.
package registry

import (
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"

	hb "github.com/amirimatin/go-heartbeat/pkg/heartbeat"
)

// Options configures a Registry.
type Options struct {
	// Local is the node id of the config node running this
	// registry. Its own cache is exempt from status transitions.
	Local hb.ConfigNodeID
	// Clock is shared by every cache; nil means the real clock.
	Clock clockwork.Clock
}

// Registry maps identities to caches. Get-or-create is atomic per map: two
// callers racing on a new key always receive the same cache.
type Registry struct {
	local hb.ConfigNodeID
	clock clockwork.Clock

	mu          sync.RWMutex
	configNodes map[hb.ConfigNodeID]*hb.NodeHeartbeatCache[hb.ConfigNodeID]
	dataNodes   map[hb.DataNodeID]*hb.NodeHeartbeatCache[hb.DataNodeID]
	groups      map[hb.GroupID]*hb.GroupCache
}

var _ hb.GroupCacheProvider = (*Registry)(nil)

func New(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Registry{
		local:       opts.Local,
		clock:       opts.Clock,
		configNodes: make(map[hb.ConfigNodeID]*hb.NodeHeartbeatCache[hb.ConfigNodeID]),
		dataNodes:   make(map[hb.DataNodeID]*hb.NodeHeartbeatCache[hb.DataNodeID]),
		groups:      make(map[hb.GroupID]*hb.GroupCache),
	}
}

func (r *Registry) Local() hb.ConfigNodeID { return r.local }
func (r *Registry) Clock() clockwork.Clock { return r.clock }

// getOrCreate looks up k under the read lock and falls back to a
// double-checked insert under the write lock.
func getOrCreate[K comparable, V any](mu *sync.RWMutex, m map[K]V, k K, mk func() V) V {
	mu.RLock()
	v, ok := m[k]
	mu.RUnlock()
	if ok {
		return v
	}
	mu.Lock()
	defer mu.Unlock()
	if v, ok := m[k]; ok {
		return v
	}
	v = mk()
	m[k] = v
	return v
}

func (r *Registry) GetOrCreateConfigNodeCache(id hb.ConfigNodeID) *hb.NodeHeartbeatCache[hb.ConfigNodeID] {
	return getOrCreate(&r.mu, r.configNodes, id, func() *hb.NodeHeartbeatCache[hb.ConfigNodeID] {
		return hb.NewConfigNodeCache(id, r.local, r.clock)
	})
}

func (r *Registry) GetOrCreateDataNodeCache(id hb.DataNodeID) *hb.NodeHeartbeatCache[hb.DataNodeID] {
	return getOrCreate(&r.mu, r.dataNodes, id, func() *hb.NodeHeartbeatCache[hb.DataNodeID] {
		return hb.NewDataNodeCache(id, r.clock)
	})
}

func (r *Registry) GetOrCreateGroupCache(id hb.GroupID) *hb.GroupCache {
	return getOrCreate(&r.mu, r.groups, id, func() *hb.GroupCache {
		return hb.NewGroupCache(id)
	})
}

// ConfigNodeCache returns the cache of id without creating it.
func (r *Registry) ConfigNodeCache(id hb.ConfigNodeID) (*hb.NodeHeartbeatCache[hb.ConfigNodeID], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.configNodes[id]
	return c, ok
}

// DataNodeCache returns the cache of id without creating it.
func (r *Registry) DataNodeCache(id hb.DataNodeID) (*hb.NodeHeartbeatCache[hb.DataNodeID], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.dataNodes[id]
	return c, ok
}

// GroupCache returns the cache of id without creating it.
func (r *Registry) GroupCache(id hb.GroupID) (*hb.GroupCache, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	return g, ok
}

// ConfigNodeCaches returns a snapshot of the config node caches ordered by id.
func (r *Registry) ConfigNodeCaches() []*hb.NodeHeartbeatCache[hb.ConfigNodeID] {
	r.mu.RLock()
	out := make([]*hb.NodeHeartbeatCache[hb.ConfigNodeID], 0, len(r.configNodes))
	for _, c := range r.configNodes {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// DataNodeCaches returns a snapshot of the data node caches ordered by id.
func (r *Registry) DataNodeCaches() []*hb.NodeHeartbeatCache[hb.DataNodeID] {
	r.mu.RLock()
	out := make([]*hb.NodeHeartbeatCache[hb.DataNodeID], 0, len(r.dataNodes))
	for _, c := range r.dataNodes {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// AllNodeCaches returns every node cache, config nodes first.
func (r *Registry) AllNodeCaches() []hb.NodeCache {
	cs, ds := r.ConfigNodeCaches(), r.DataNodeCaches()
	out := make([]hb.NodeCache, 0, len(cs)+len(ds))
	for _, c := range cs {
		out = append(out, c)
	}
	for _, c := range ds {
		out = append(out, c)
	}
	return out
}

// AllGroupCaches returns a snapshot of the group caches ordered by id.
func (r *Registry) AllGroupCaches() []*hb.GroupCache {
	r.mu.RLock()
	out := make([]*hb.GroupCache, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID().Less(out[j].GroupID()) })
	return out
}

func (r *Registry) RemoveConfigNode(id hb.ConfigNodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.configNodes[id]
	delete(r.configNodes, id)
	return ok
}

func (r *Registry) RemoveDataNode(id hb.DataNodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.dataNodes[id]
	delete(r.dataNodes, id)
	return ok
}

func (r *Registry) RemoveGroup(id hb.GroupID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.groups[id]
	delete(r.groups, id)
	return ok
}
