package heartbeat

import "sync"

// GroupCache mirrors the leadership claims reported for one consensus group.
// It keeps a window per reporting data node and derives the current leader as
// the freshest claim; it is an observer, not a consensus authority.
type GroupCache struct {
	id GroupID

	mu        sync.RWMutex
	windows   map[DataNodeID]*window[RegionSample]
	leader    DataNodeID
	hasLeader bool
}

func NewGroupCache(id GroupID) *GroupCache {
	return &GroupCache{id: id, windows: make(map[DataNodeID]*window[RegionSample])}
}

func (g *GroupCache) GroupID() GroupID { return g.id }

// CacheHeartbeatSample appends s to the window of its reporter, creating the
// window on first sight. Stale or duplicate samples are dropped.
func (g *GroupCache) CacheHeartbeatSample(s RegionSample) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.windows[s.Reporter()]
	if !ok {
		w = &window[RegionSample]{}
		g.windows[s.Reporter()] = w
	}
	w.push(s)
}

// UpdateLoadStatistic recomputes the current leader and reports whether it
// differs from the previous result.
func (g *GroupCache) UpdateLoadStatistic() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	leader, ok := g.resolveLeader()
	changed := ok != g.hasLeader || leader != g.leader
	g.leader, g.hasLeader = leader, ok
	return changed
}

// resolveLeader picks, among the newest sample of every reporter, the leader
// claim with the greatest send timestamp. Equal timestamps go to the lowest
// reporter id.
func (g *GroupCache) resolveLeader() (DataNodeID, bool) {
	var (
		best     DataNodeID
		bestSend int64
		found    bool
	)
	for reporter, w := range g.windows {
		s, ok := w.last()
		if !ok || !s.IsLeader() {
			continue
		}
		send := s.SendTimestamp()
		if !found || send > bestSend || (send == bestSend && reporter < best) {
			best, bestSend, found = reporter, send, true
		}
	}
	return best, found
}

// CurrentLeader returns the leader computed by the last UpdateLoadStatistic.
func (g *GroupCache) CurrentLeader() (DataNodeID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.leader, g.hasLeader
}

// Reporters lists the data nodes that have reported for this group.
func (g *GroupCache) Reporters() []DataNodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]DataNodeID, 0, len(g.windows))
	for id := range g.windows {
		out = append(out, id)
	}
	return out
}

// Samples returns a copy of the window of reporter, oldest first.
func (g *GroupCache) Samples(reporter DataNodeID) []RegionSample {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if w, ok := g.windows[reporter]; ok {
		return w.snapshot()
	}
	return nil
}

// RemoveReporter drops the window of a departed data node. The leader it may
// have claimed is cleared by the next UpdateLoadStatistic.
func (g *GroupCache) RemoveReporter(id DataNodeID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.windows[id]
	delete(g.windows, id)
	return ok
}
