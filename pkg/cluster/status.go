package cluster

import (
	hb "github.com/amirimatin/go-heartbeat/pkg/heartbeat"
	"github.com/amirimatin/go-heartbeat/pkg/load"
	"github.com/amirimatin/go-heartbeat/pkg/membership"
	"github.com/amirimatin/go-heartbeat/pkg/state"
)

// ClusterStatus is the JSON snapshot served on /status.
type ClusterStatus struct {
	NodeID  string                  `json:"nodeId"`
	Role    load.Role               `json:"role"`
	Healthy bool                    `json:"healthy"`
	Members []membership.MemberInfo `json:"members,omitempty"`
	// Load is set on config nodes.
	Load *load.Statistics `json:"load,omitempty"`
	// Group is set on data nodes that replicate a consensus group.
	Group    *GroupStatus `json:"group,omitempty"`
	Warnings []string     `json:"warnings,omitempty"`
}

// GroupStatus is the local view of this node's consensus group.
type GroupStatus struct {
	ID        hb.GroupID      `json:"id"`
	Term      uint64          `json:"term"`
	IsLeader  bool            `json:"isLeader"`
	LeaderID  string          `json:"leaderId,omitempty"`
	LeaderRPC string          `json:"leaderRpc,omitempty"`
	Replicas  []state.Replica `json:"replicas,omitempty"`
}
