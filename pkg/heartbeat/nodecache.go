package heartbeat

import (
	"sync"

	"github.com/jonboulle/clockwork"
)

// NodeCache is the capability set shared by the control-plane and storage
// node caches.
type NodeCache interface {
	// CacheHeartbeatSample appends s when it is newer than the last accepted
	// sample and silently drops it otherwise.
	CacheHeartbeatSample(s NodeSample)
	// UpdateLoadStatistic recomputes the status and reports whether it changed.
	UpdateLoadStatistic() bool
	LoadScore() int64
	NodeStatus() NodeStatus
}

// NodeHeartbeatCache holds the sample window and derived status of one node.
// K is the identity type of the node variant.
type NodeHeartbeatCache[K comparable] struct {
	id    K
	local bool
	clock clockwork.Clock

	mu     sync.RWMutex
	window window[NodeSample]
	status NodeStatus
}

var (
	_ NodeCache = (*NodeHeartbeatCache[ConfigNodeID])(nil)
	_ NodeCache = (*NodeHeartbeatCache[DataNodeID])(nil)
)

// NewConfigNodeCache returns the cache of config node id. The cache of the
// local config node never changes status.
func NewConfigNodeCache(id, local ConfigNodeID, clock clockwork.Clock) *NodeHeartbeatCache[ConfigNodeID] {
	return newNodeCache(id, local != "" && id == local, clock)
}

// NewDataNodeCache returns the cache of data node id. Data nodes are never the
// local process.
func NewDataNodeCache(id DataNodeID, clock clockwork.Clock) *NodeHeartbeatCache[DataNodeID] {
	return newNodeCache(id, false, clock)
}

func newNodeCache[K comparable](id K, local bool, clock clockwork.Clock) *NodeHeartbeatCache[K] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &NodeHeartbeatCache[K]{id: id, local: local, clock: clock, status: Running}
}

func (c *NodeHeartbeatCache[K]) ID() K { return c.id }

// Local reports whether the cache represents the local node.
func (c *NodeHeartbeatCache[K]) Local() bool { return c.local }

func (c *NodeHeartbeatCache[K]) CacheHeartbeatSample(s NodeSample) {
	c.mu.Lock()
	c.window.push(s)
	c.mu.Unlock()
}

func (c *NodeHeartbeatCache[K]) UpdateLoadStatistic() bool {
	if c.local {
		return false
	}
	now := c.clock.Now().UnixMilli()

	c.mu.Lock()
	defer c.mu.Unlock()
	var lastSend int64
	if s, ok := c.window.last(); ok {
		lastSend = s.SendTimestamp()
	}
	prev := c.status
	if now-lastSend > StalenessThreshold {
		c.status = Unknown
	} else {
		c.status = Running
	}
	return c.status != prev
}

func (c *NodeHeartbeatCache[K]) LoadScore() int64 { return c.NodeStatus().LoadScore() }

func (c *NodeHeartbeatCache[K]) NodeStatus() NodeStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Samples returns a copy of the window, oldest first.
func (c *NodeHeartbeatCache[K]) Samples() []NodeSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.window.snapshot()
}

// LastSendTimestamp returns the send time of the newest accepted sample.
func (c *NodeHeartbeatCache[K]) LastSendTimestamp() (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.window.last()
	return s.SendTimestamp(), ok
}
