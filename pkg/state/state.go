package state

import hb "github.com/amirimatin/go-heartbeat/pkg/heartbeat"

// Replica is one member of a consensus group as recorded in the replicated
// topology.
type Replica struct {
	ID         string        `json:"id"`
	DataNodeID hb.DataNodeID `json:"dataNodeId"`
	RaftAddr   string        `json:"raftAddr"`
	RPCAddr    string        `json:"rpcAddr,omitempty"`
}

// TopologyState is the state machine replicated by a group's consensus log.
type TopologyState interface {
	ApplyAddReplica(r Replica) error
	ApplyRemoveReplica(id string) error
	Replicas() []Replica
	Snapshot() ([]byte, error)
	Restore(buf []byte) error
}
