package transport

import (
	"context"
	"errors"

	hb "github.com/amirimatin/go-heartbeat/pkg/heartbeat"
)

// ErrHeartbeatUnsupported is returned by servers started without a heartbeat
// function.
var ErrHeartbeatUnsupported = errors.New("transport: heartbeat not supported")

// HeartbeatRequest is sent by a config node on every probe round.
type HeartbeatRequest struct {
	// Timestamp is the prober's clock in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
	// NeedJudgeLeader asks the target to report its leadership judgments.
	NeedJudgeLeader bool `json:"needJudgeLeader,omitempty"`
}

// HeartbeatResponse carries the responder's send time and, for nodes that
// take part in consensus groups, one leadership judgment per group.
type HeartbeatResponse struct {
	HeartbeatTimestamp int64               `json:"heartbeatTimestamp"`
	JudgedLeaders      map[hb.GroupID]bool `json:"judgedLeaders,omitempty"`
}

// Decode converts the wire response into the form consumed by heartbeat
// response handlers.
func (r HeartbeatResponse) Decode() hb.Response {
	return hb.Response{SendTimestamp: r.HeartbeatTimestamp, JudgedLeaders: r.JudgedLeaders}
}

// HeartbeatFunc answers a heartbeat probe.
type HeartbeatFunc func(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error)

// StatusFunc returns a JSON-encoded status payload for management /status.
// Using []byte avoids import cycles on cluster types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// JoinRequest asks the leader of a consensus group to add a replica, given by
// its raft address, as a voter.
type JoinRequest struct {
	ID         string        `json:"id"`
	DataNodeID hb.DataNodeID `json:"dataNodeId"`
	RaftAddr   string        `json:"raftAddr"`
	RPCAddr    string        `json:"rpcAddr,omitempty"`
}

// JoinResponse indicates acceptance. A rejected join may carry the RPC
// address of the current leader.
type JoinResponse struct {
	Accepted bool   `json:"accepted"`
	Leader   string `json:"leader,omitempty"`
	Error    string `json:"error,omitempty"`
}

// JoinFunc handles join requests (group leader only).
type JoinFunc func(ctx context.Context, req JoinRequest) (JoinResponse, error)

// LeaveRequest requests removal of a replica from the consensus group.
type LeaveRequest struct {
	ID string `json:"id"`
}

// LeaveResponse indicates whether the removal was accepted.
type LeaveResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// LeaveFunc handles leave requests (group leader only).
type LeaveFunc func(ctx context.Context, req LeaveRequest) (LeaveResponse, error)

// Handlers bundles the functions served by an RPCServer. Nil entries are
// answered with a "not supported" error.
type Handlers struct {
	Status    StatusFunc
	Heartbeat HeartbeatFunc
	Join      JoinFunc
	Leave     LeaveFunc
}

// RPCServer exposes the heartbeat and management endpoints of a node.
type RPCServer interface {
	Start(ctx context.Context, h Handlers) error
	Addr() string
	Stop(ctx context.Context) error
}

// HeartbeatClient sends heartbeat probes.
type HeartbeatClient interface {
	Heartbeat(ctx context.Context, addr string, req HeartbeatRequest) (HeartbeatResponse, error)
}

// RPCClient performs intra-cluster calls to other nodes using the chosen
// protocol (HTTP/JSON or gRPC JSON codec).
type RPCClient interface {
	HeartbeatClient
	GetStatus(ctx context.Context, addr string) ([]byte, error)
	PostJoin(ctx context.Context, addr string, req JoinRequest) (JoinResponse, error)
	PostLeave(ctx context.Context, addr string, req LeaveRequest) (LeaveResponse, error)
}
