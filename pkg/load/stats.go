package load

import (
	"time"

	hb "github.com/amirimatin/go-heartbeat/pkg/heartbeat"
)

const (
	DefaultRefreshInterval = time.Second
	DefaultProbeInterval   = time.Second
	DefaultProbeTimeout    = 3 * time.Second
	DefaultConcurrency     = 16
)

// NodeStatistic is the externally visible state of one node cache.
type NodeStatistic struct {
	ID            string        `json:"id"`
	Status        hb.NodeStatus `json:"status"`
	LoadScore     int64         `json:"loadScore"`
	LastHeartbeat int64         `json:"lastHeartbeat,omitempty"`
	Local         bool          `json:"local,omitempty"`
}

// GroupStatistic is the externally visible state of one group cache.
type GroupStatistic struct {
	Group     hb.GroupID     `json:"group"`
	Leader    *hb.DataNodeID `json:"leader,omitempty"`
	Reporters int            `json:"reporters"`
}

// Statistics is a point-in-time view of every cache, as derived by the last
// refresh pass.
type Statistics struct {
	ConfigNodes []NodeStatistic  `json:"configNodes"`
	DataNodes   []NodeStatistic  `json:"dataNodes"`
	Groups      []GroupStatistic `json:"groups"`
}

// Snapshot reads the current statistics without refreshing them.
func (m *Manager) Snapshot() Statistics {
	var st Statistics
	for _, c := range m.reg.ConfigNodeCaches() {
		last, _ := c.LastSendTimestamp()
		st.ConfigNodes = append(st.ConfigNodes, NodeStatistic{
			ID:            string(c.ID()),
			Status:        c.NodeStatus(),
			LoadScore:     c.LoadScore(),
			LastHeartbeat: last,
			Local:         c.Local(),
		})
	}
	for _, c := range m.reg.DataNodeCaches() {
		last, _ := c.LastSendTimestamp()
		st.DataNodes = append(st.DataNodes, NodeStatistic{
			ID:            c.ID().String(),
			Status:        c.NodeStatus(),
			LoadScore:     c.LoadScore(),
			LastHeartbeat: last,
		})
	}
	for _, g := range m.reg.AllGroupCaches() {
		gs := GroupStatistic{Group: g.GroupID(), Reporters: len(g.Reporters())}
		if leader, ok := g.CurrentLeader(); ok {
			gs.Leader = &leader
		}
		st.Groups = append(st.Groups, gs)
	}
	return st
}
