package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Commands understood by the replicated topology state machine.
const (
	OpAddReplica    = "AddReplica"
	OpRemoveReplica = "RemoveReplica"
)

var (
	ErrNotStarted = errors.New("consensus: not started")
	ErrNotLeader  = errors.New("consensus: not leader")
)

// Command represents a log command. Op selects the state transition and
// Payload carries its JSON-encoded argument.
type Command struct {
	Op      string `json:"op"`
	Payload []byte `json:"payload,omitempty"`
}

// NewCommand encodes v as the payload of an Op command.
func NewCommand(op string, v any) (Command, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Command{}, err
	}
	return Command{Op: op, Payload: b}, nil
}

// Consensus is the minimal abstraction over the leader-based engine that
// replicates one group. Leadership as seen here is what a data node reports
// in its heartbeat responses.
type Consensus interface {
	Start(ctx context.Context) error
	Apply(cmd Command, timeout time.Duration) error
	IsLeader() bool
	Leader() (id string, addr string, ok bool)
	Term() uint64
	Stop() error
}
