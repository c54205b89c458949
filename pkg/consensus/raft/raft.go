package raftcons

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	c "github.com/amirimatin/go-heartbeat/pkg/consensus"
	"github.com/amirimatin/go-heartbeat/pkg/internal/logutil"
	"github.com/amirimatin/go-heartbeat/pkg/state"
	"github.com/amirimatin/go-heartbeat/pkg/state/topology"
)

// Node implements consensus.Consensus for one group using HashiCorp Raft.
type Node struct {
	opts Options
	log  *log.Logger
	ts   state.TopologyState

	mu       sync.RWMutex
	r        *raft.Raft
	observer *raft.Observer
	obsCh    chan raft.Observation
	bolt     *raftboltdb.BoltStore
	addr     raft.ServerAddress
	trans    raft.Transport
	lb       raft.LoopbackTransport
	stopped  bool

	lch chan c.LeaderInfo
}

func New(opts Options) (*Node, error) {
	if opts.NodeID == "" {
		return nil, fmt.Errorf("raftcons: empty NodeID")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.State == nil {
		opts.State = topology.New()
	}
	return &Node{opts: opts, log: opts.Logger, ts: opts.State, lch: make(chan c.LeaderInfo, 16)}, nil
}

func (n *Node) config() *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(n.opts.NodeID)
	if n.opts.HeartbeatTimeout > 0 {
		cfg.HeartbeatTimeout = n.opts.HeartbeatTimeout
		// Lease must not exceed the heartbeat timeout.
		if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout {
			cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2
			if cfg.LeaderLeaseTimeout == 0 {
				cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout
			}
		}
	}
	if n.opts.ElectionTimeout > 0 {
		cfg.ElectionTimeout = n.opts.ElectionTimeout
	}
	if n.opts.CommitTimeout > 0 {
		cfg.CommitTimeout = n.opts.CommitTimeout
	}
	return cfg
}

func (n *Node) stores() (raft.LogStore, raft.StableStore, raft.SnapshotStore, error) {
	if n.opts.DataDir == "" {
		return raft.NewInmemStore(), raft.NewInmemStore(), raft.NewInmemSnapshotStore(), nil
	}
	if n.opts.SnapshotsRetained == 0 {
		n.opts.SnapshotsRetained = 2
	}
	if err := os.MkdirAll(n.opts.DataDir, 0o755); err != nil {
		return nil, nil, nil, err
	}
	bstore, err := raftboltdb.NewBoltStore(filepath.Join(n.opts.DataDir, "raft.db"))
	if err != nil {
		return nil, nil, nil, err
	}
	snaps, err := raft.NewFileSnapshotStore(n.opts.DataDir, n.opts.SnapshotsRetained, os.Stderr)
	if err != nil {
		_ = bstore.Close()
		return nil, nil, nil, err
	}
	n.bolt = bstore
	return bstore, bstore, snaps, nil
}

func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.r != nil {
		return nil
	}
	if n.stopped {
		return fmt.Errorf("raftcons: node %s already stopped", n.opts.NodeID)
	}

	cfg := n.config()
	logs, stable, snaps, err := n.stores()
	if err != nil {
		return err
	}

	var (
		addr  raft.ServerAddress
		trans raft.Transport
	)
	if n.opts.BindAddr != "" {
		nt, err := raft.NewTCPTransport(n.opts.BindAddr, nil, 3, time.Second, os.Stderr)
		if err != nil {
			return err
		}
		trans, addr = nt, nt.LocalAddr()
	} else {
		addr, trans = raft.NewInmemTransport(raft.ServerAddress(n.opts.NodeID))
	}

	r, err := raft.NewRaft(cfg, newTopologyFSM(n.ts), logs, stable, snaps, trans)
	if err != nil {
		return err
	}
	n.r, n.addr, n.trans = r, addr, trans
	if lb, ok := trans.(raft.LoopbackTransport); ok {
		n.lb = lb
	}

	n.obsCh = make(chan raft.Observation, 32)
	n.observer = raft.NewObserver(n.obsCh, false, func(o *raft.Observation) bool {
		_, ok := o.Data.(raft.LeaderObservation)
		return ok
	})
	r.RegisterObserver(n.observer)
	go n.forwardLeadership(n.obsCh)

	if n.opts.Bootstrap {
		boot := raft.Configuration{Servers: []raft.Server{{ID: cfg.LocalID, Address: addr}}}
		if err := r.BootstrapCluster(boot).Error(); err != nil && err != raft.ErrCantBootstrap {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		_ = n.Stop()
	}()
	return nil
}

func (n *Node) forwardLeadership(obs <-chan raft.Observation) {
	defer close(n.lch)
	for o := range obs {
		lo := o.Data.(raft.LeaderObservation)
		if lo.LeaderID == "" {
			continue
		}
		li := c.LeaderInfo{ID: string(lo.LeaderID), Addr: string(lo.LeaderAddr), Term: n.Term()}
		logutil.Infof(n.log, "raft: node %s sees leader %s (term %d)", n.opts.NodeID, li.ID, li.Term)
		select {
		case n.lch <- li:
		default:
			// Drop when the reader lags; only the latest leadership matters.
		}
	}
}

func (n *Node) raft() *raft.Raft {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.r
}

func (n *Node) Apply(cmd c.Command, timeout time.Duration) error {
	r := n.raft()
	if r == nil {
		return c.ErrNotStarted
	}
	if r.State() != raft.Leader {
		return c.ErrNotLeader
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = n.opts.ApplyTimeout
	}
	af := r.Apply(data, timeout)
	if err := af.Error(); err != nil {
		return err
	}
	if e, ok := af.Response().(error); ok && e != nil {
		return e
	}
	return nil
}

func (n *Node) IsLeader() bool {
	r := n.raft()
	return r != nil && r.State() == raft.Leader
}

func (n *Node) Leader() (id string, addr string, ok bool) {
	r := n.raft()
	if r == nil {
		return "", "", false
	}
	a, sid := r.LeaderWithID()
	if sid == "" {
		return "", "", false
	}
	return string(sid), string(a), true
}

func (n *Node) Term() uint64 {
	r := n.raft()
	if r == nil {
		return 0
	}
	if v := r.Stats()["current_term"]; v != "" {
		if u, err := strconv.ParseUint(v, 10, 64); err == nil {
			return u
		}
	}
	return 0
}

// Addr returns the raft transport address once started.
func (n *Node) Addr() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return string(n.addr)
}

func (n *Node) Stop() error {
	n.mu.Lock()
	r := n.r
	if r == nil {
		n.mu.Unlock()
		return nil
	}
	n.r = nil
	n.stopped = true
	n.mu.Unlock()

	r.DeregisterObserver(n.observer)
	err := r.Shutdown().Error()
	close(n.obsCh)
	if nt, ok := n.trans.(*raft.NetworkTransport); ok {
		_ = nt.Close()
	}
	if n.bolt != nil {
		_ = n.bolt.Close()
	}
	return err
}

func (n *Node) LeaderCh() <-chan c.LeaderInfo { return n.lch }

// Replicas returns the replica set applied on this node.
func (n *Node) Replicas() []state.Replica { return n.ts.Replicas() }

// AddVoter adds a voting server to the group if not already present.
func (n *Node) AddVoter(id, addr string, timeout time.Duration) error {
	r := n.raft()
	if r == nil {
		return c.ErrNotStarted
	}
	cfg := r.GetConfiguration()
	if err := cfg.Error(); err == nil {
		for _, srv := range cfg.Configuration().Servers {
			if string(srv.ID) != id {
				continue
			}
			if string(srv.Address) == addr {
				return nil
			}
			// Same id on a new address: replace the stale entry.
			if err := r.RemoveServer(srv.ID, 0, timeout).Error(); err != nil {
				return err
			}
			break
		}
	}
	return r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout).Error()
}

// RemoveServer removes a server from the group if present.
func (n *Node) RemoveServer(id string, timeout time.Duration) error {
	r := n.raft()
	if r == nil {
		return c.ErrNotStarted
	}
	return r.RemoveServer(raft.ServerID(id), 0, timeout).Error()
}

var (
	_ c.Consensus      = (*Node)(nil)
	_ c.LeaderNotifier = (*Node)(nil)
	_ c.Reconfigurer   = (*Node)(nil)
)
