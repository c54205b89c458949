package membership

import (
	"context"
	"strconv"
	"time"

	hb "github.com/amirimatin/go-heartbeat/pkg/heartbeat"
)

// Gossiped metadata keys. Every node advertises its role and the address of
// its RPC server; data nodes also advertise their numeric id.
const (
	MetaRole       = "role"
	MetaRPCAddr    = "rpc"
	MetaDataNodeID = "dataNodeId"
	MetaGroup      = "group"
	MetaRaftAddr   = "raft"
)

// MemberInfo describes a cluster member as observed by the membership layer.
type MemberInfo struct {
	ID   string
	Addr string
	Meta map[string]string
}

func (m MemberInfo) Role() string    { return m.Meta[MetaRole] }
func (m MemberInfo) RPCAddr() string { return m.Meta[MetaRPCAddr] }

// DataNodeID parses the advertised data node id. ok is false when the member
// does not advertise one or it is malformed.
func (m MemberInfo) DataNodeID() (id hb.DataNodeID, ok bool) {
	v, present := m.Meta[MetaDataNodeID]
	if !present {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil || n < 0 {
		return 0, false
	}
	return hb.DataNodeID(n), true
}

type EventType string

const (
	EventJoin   EventType = "join"
	EventLeave  EventType = "leave"
	EventUpdate EventType = "update"
)

// Event is the translated membership change notification.
type Event struct {
	Type   EventType
	Member MemberInfo
	At     time.Time
}

// Membership is the abstraction over the gossip and failure detection layer.
// It discovers the nodes that the config node probes.
type Membership interface {
	Start(ctx context.Context) error
	Join(seeds []string) error
	Local() MemberInfo
	Members() []MemberInfo
	Events() <-chan Event
	Leave() error
	Stop() error
}

// HealthReporter is implemented by layers that expose a local health score,
// where higher means more degraded and -1 means not started.
type HealthReporter interface {
	HealthScore() int
}
