package raftcons

import (
	"log"
	"time"

	"github.com/amirimatin/go-heartbeat/pkg/state"
)

// Options configure the Raft engine of one consensus group.
type Options struct {
	NodeID string
	Logger *log.Logger

	// Bootstrap forms a single-replica group on Start when true.
	Bootstrap bool

	// Zero means raft defaults.
	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration
	CommitTimeout    time.Duration
	ApplyTimeout     time.Duration

	// BindAddr selects a TCP transport (e.g. "127.0.0.1:0"); empty means an
	// in-memory transport.
	BindAddr string

	// DataDir selects a bolt log/stable store and file snapshots when set.
	DataDir           string
	SnapshotsRetained int

	// State is the replicated topology; nil uses a fresh in-memory one.
	State state.TopologyState
}
