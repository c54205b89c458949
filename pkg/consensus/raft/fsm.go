package raftcons

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"

	c "github.com/amirimatin/go-heartbeat/pkg/consensus"
	base "github.com/amirimatin/go-heartbeat/pkg/state"
)

// topologyFSM bridges raft Apply/Snapshot to a TopologyState.
type topologyFSM struct {
	ts base.TopologyState
}

func newTopologyFSM(ts base.TopologyState) *topologyFSM { return &topologyFSM{ts: ts} }

func (f *topologyFSM) Apply(l *raft.Log) interface{} {
	var cmd c.Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return err
	}
	switch cmd.Op {
	case c.OpAddReplica:
		var r base.Replica
		if err := json.Unmarshal(cmd.Payload, &r); err != nil {
			return err
		}
		return f.ts.ApplyAddReplica(r)
	case c.OpRemoveReplica:
		var req struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(cmd.Payload, &req); err != nil {
			return err
		}
		return f.ts.ApplyRemoveReplica(req.ID)
	default:
		return fmt.Errorf("raftcons: unknown op %q", cmd.Op)
	}
}

func (f *topologyFSM) Snapshot() (raft.FSMSnapshot, error) {
	blob, err := f.ts.Snapshot()
	if err != nil {
		return nil, err
	}
	return &snapshot{blob: blob}, nil
}

func (f *topologyFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	return f.ts.Restore(data)
}

type snapshot struct{ blob []byte }

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.blob); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *snapshot) Release() {}

var _ raft.FSM = (*topologyFSM)(nil)
