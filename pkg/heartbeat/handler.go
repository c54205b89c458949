package heartbeat

import "github.com/jonboulle/clockwork"

// Response is a decoded heartbeat probe response. JudgedLeaders is nil when
// the responding node takes part in no consensus group.
type Response struct {
	SendTimestamp int64
	JudgedLeaders map[GroupID]bool
}

// GroupCacheProvider returns the cache of a group, creating it on first use.
// Concurrent calls for the same new group must return the same instance.
type GroupCacheProvider interface {
	GetOrCreateGroupCache(id GroupID) *GroupCache
}

// ResponseHandler is the callback of one heartbeat probe. It routes the node
// sample to the probed node's cache and every leadership judgment to the
// matching group cache.
type ResponseHandler struct {
	reporter DataNodeID
	node     NodeCache
	groups   GroupCacheProvider
	clock    clockwork.Clock
}

// NewDataNodeHandler binds a probe of data node id. Leadership judgments in
// the response are recorded with id as reporter.
func NewDataNodeHandler(id DataNodeID, node NodeCache, groups GroupCacheProvider, clock clockwork.Clock) *ResponseHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ResponseHandler{reporter: id, node: node, groups: groups, clock: clock}
}

// NewConfigNodeHandler binds a probe of a config node; such responses carry
// only a send timestamp.
func NewConfigNodeHandler(node NodeCache, clock clockwork.Clock) *ResponseHandler {
	return NewDataNodeHandler(0, node, nil, clock)
}

// OnComplete records a successful response.
func (h *ResponseHandler) OnComplete(resp Response) {
	received := h.clock.Now().UnixMilli()
	h.node.CacheHeartbeatSample(NewNodeSample(resp.SendTimestamp, received))
	if h.groups == nil || resp.JudgedLeaders == nil {
		return
	}
	for gid, isLeader := range resp.JudgedLeaders {
		h.groups.GetOrCreateGroupCache(gid).
			CacheHeartbeatSample(NewRegionSample(resp.SendTimestamp, received, h.reporter, isLeader))
	}
}

// OnError is intentionally empty. A failed probe leaves every cache untouched;
// the staleness check in UpdateLoadStatistic is the only path from missed
// heartbeats to an Unknown status.
func (h *ResponseHandler) OnError(error) {}
