package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/amirimatin/go-heartbeat/pkg/agent"
	"github.com/amirimatin/go-heartbeat/pkg/consensus"
	hb "github.com/amirimatin/go-heartbeat/pkg/heartbeat"
	"github.com/amirimatin/go-heartbeat/pkg/internal/logutil"
	"github.com/amirimatin/go-heartbeat/pkg/load"
	"github.com/amirimatin/go-heartbeat/pkg/membership"
	obsmetrics "github.com/amirimatin/go-heartbeat/pkg/observability/metrics"
	"github.com/amirimatin/go-heartbeat/pkg/observability/tracing"
	"github.com/amirimatin/go-heartbeat/pkg/state"
	"github.com/amirimatin/go-heartbeat/pkg/transport"
)

const reconfigureTimeout = 3 * time.Second

// Cluster is the runtime of one node. Every node gossips, serves heartbeat
// probes and the management endpoints. Config nodes additionally probe all
// members and refresh the heartbeat caches; data nodes may replicate one
// consensus group and report its leadership in their heartbeats.
type Cluster struct {
	opts  Options
	agent *agent.Agent

	// Set for config nodes only.
	manager *load.Manager
	prober  *load.Prober

	mu     sync.Mutex
	cancel context.CancelFunc
	run    struct {
		started bool
		closed  bool
	}
	eb eventBus
}

// New assembles a node from validated options. It performs no network
// activity; call Start to launch it.
func New(opts Options) (*Cluster, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts.setDefaults()
	c := &Cluster{opts: opts, agent: agent.New(opts.Clock)}
	if opts.Consensus != nil {
		c.agent.AddJudge(agent.ConsensusJudge{Group: opts.Group, Consensus: opts.Consensus})
	}
	if opts.Role == load.RoleConfig {
		c.manager = load.NewManager(load.Options{Registry: opts.Registry, Logger: opts.Logger, Clock: opts.Clock})
		p, err := load.NewProber(load.ProberOptions{
			Registry:    opts.Registry,
			Client:      opts.RPCClient,
			Logger:      opts.Logger,
			Timeout:     opts.ProbeTimeout,
			Concurrency: opts.ProbeConcurrency,
			Clock:       opts.Clock,
		})
		if err != nil {
			return nil, err
		}
		c.prober = p
	}
	return c, nil
}

// Manager returns the load manager of a config node, nil otherwise.
func (c *Cluster) Manager() *load.Manager { return c.manager }

// Start launches membership, consensus and the RPC server, then the probe
// and refresh loops of a config node.
func (c *Cluster) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run.started {
		return nil
	}
	if c.run.closed {
		return errors.New("cluster: already stopped")
	}
	obsmetrics.Register()
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	// undo unwinds what already started, newest first, when a later step fails.
	var undo []func()
	fail := func(err error) error {
		cancel()
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return err
	}

	if err := c.opts.Membership.Start(ctx); err != nil {
		return fail(err)
	}
	undo = append(undo, func() {
		_ = c.opts.Membership.Leave()
		_ = c.opts.Membership.Stop()
	})
	if seeds := c.opts.Discovery.Seeds(); len(seeds) > 0 {
		logutil.Infof(c.opts.Logger, "joining membership seeds: %v", seeds)
		if err := c.opts.Membership.Join(seeds); err != nil {
			logutil.Warnf(c.opts.Logger, "membership join failed: %v", err)
		}
	}

	if cons := c.opts.Consensus; cons != nil {
		if err := cons.Start(ctx); err != nil {
			return fail(err)
		}
		undo = append(undo, func() { _ = cons.Stop() })
		if ln, ok := cons.(consensus.LeaderNotifier); ok {
			go c.leadershipLoop(ctx, ln.LeaderCh())
		}
	}

	if c.opts.RPCServer != nil {
		h := transport.Handlers{
			Status:    c.statusJSON,
			Heartbeat: c.agent.Heartbeat,
			Join:      c.handleJoin,
			Leave:     c.handleLeave,
		}
		if err := c.opts.RPCServer.Start(ctx, h); err != nil {
			logutil.Errorf(c.opts.Logger, "rpc server start failed: %v", err)
			return fail(err)
		}
		logutil.Infof(c.opts.Logger, "%s node %s serving heartbeats at %s", c.opts.Role, c.opts.NodeID, c.opts.RPCServer.Addr())
	}

	go c.membershipEventsLoop(ctx)
	if c.opts.Role == load.RoleConfig {
		// The local config node is never probed; create its cache so it shows
		// up in statistics.
		c.opts.Registry.GetOrCreateConfigNodeCache(hb.ConfigNodeID(c.opts.NodeID))
		go c.prober.Run(ctx, c.opts.ProbeInterval, c.Targets)
		go c.manager.Run(ctx, c.opts.RefreshInterval, c.onChanges)
	}
	c.run.started = true
	return nil
}

func (c *Cluster) onChanges(changes load.Changes) {
	c.eb.publishChanges(c.opts.Clock.Now(), changes)
	if c.opts.OnChange != nil {
		c.opts.OnChange(changes)
	}
}

// Targets lists the gossip members that advertise an RPC address, as probe
// targets. Members with an unknown role or a malformed data node id are
// skipped.
func (c *Cluster) Targets() []load.Target {
	members := c.opts.Membership.Members()
	out := make([]load.Target, 0, len(members))
	for _, m := range members {
		addr := m.RPCAddr()
		if addr == "" {
			continue
		}
		switch load.Role(m.Role()) {
		case load.RoleConfig:
			out = append(out, load.Target{Role: load.RoleConfig, ConfigNode: hb.ConfigNodeID(m.ID), Addr: addr})
		case load.RoleData:
			id, ok := m.DataNodeID()
			if !ok {
				continue
			}
			out = append(out, load.Target{Role: load.RoleData, DataNode: id, Addr: addr})
		}
	}
	obsmetrics.ClusterMembers.Set(float64(len(members)))
	return out
}

func (c *Cluster) membershipEventsLoop(ctx context.Context) {
	evch := c.opts.Membership.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-evch:
			if !ok {
				return
			}
			m := e.Member
			switch e.Type {
			case membership.EventJoin:
				c.eb.publish(Event{Type: EventMemberJoin, At: e.At, Member: &m})
			case membership.EventLeave:
				c.forget(m)
				c.eb.publish(Event{Type: EventMemberLeave, At: e.At, Member: &m})
			}
		}
	}
}

// forget drops a departed member from the heartbeat caches and, on the group
// leader, from the consensus group.
func (c *Cluster) forget(m membership.MemberInfo) {
	if mgr := c.manager; mgr != nil {
		switch load.Role(m.Role()) {
		case load.RoleConfig:
			if mgr.ForgetConfigNode(hb.ConfigNodeID(m.ID)) {
				logutil.Infof(c.opts.Logger, "removed heartbeat cache of config node %s", m.ID)
			}
		case load.RoleData:
			if id, ok := m.DataNodeID(); ok && mgr.ForgetDataNode(id) {
				logutil.Infof(c.opts.Logger, "removed heartbeat cache of data node %s", id)
			}
		}
	}
	if c.opts.Consensus != nil && c.opts.Consensus.IsLeader() && c.hasReplica(m.ID) {
		c.removeReplica(m.ID)
	}
}

func (c *Cluster) leadershipLoop(ctx context.Context, ch <-chan consensus.LeaderInfo) {
	for {
		select {
		case <-ctx.Done():
			return
		case li, ok := <-ch:
			if !ok {
				return
			}
			self := li.ID == c.opts.NodeID
			if self {
				obsmetrics.IsGroupLeader.Set(1)
				c.registerSelf()
			} else {
				obsmetrics.IsGroupLeader.Set(0)
			}
			logutil.Infof(c.opts.Logger, "group %s leader is %s (term %d)", c.opts.Group, li.ID, li.Term)
		}
	}
}

func (c *Cluster) raftAddr() string {
	if a, ok := c.opts.Consensus.(interface{ Addr() string }); ok {
		return a.Addr()
	}
	return ""
}

func (c *Cluster) rpcAddr() string {
	if c.opts.RPCServer == nil {
		return ""
	}
	return c.opts.RPCServer.Addr()
}

// registerSelf records the leader itself in the replicated topology.
func (c *Cluster) registerSelf() {
	if c.hasReplica(c.opts.NodeID) {
		return
	}
	r := state.Replica{ID: c.opts.NodeID, DataNodeID: c.opts.DataNodeID, RaftAddr: c.raftAddr(), RPCAddr: c.rpcAddr()}
	if err := c.applyReplica(r); err != nil {
		logutil.Warnf(c.opts.Logger, "register self in group %s: %v", c.opts.Group, err)
	}
}

func (c *Cluster) replicas() []state.Replica {
	if rs, ok := c.opts.Consensus.(interface{ Replicas() []state.Replica }); ok {
		return rs.Replicas()
	}
	return nil
}

func (c *Cluster) hasReplica(id string) bool {
	for _, r := range c.replicas() {
		if r.ID == id {
			return true
		}
	}
	return false
}

func (c *Cluster) applyReplica(r state.Replica) error {
	cmd, err := consensus.NewCommand(consensus.OpAddReplica, r)
	if err != nil {
		return err
	}
	return c.opts.Consensus.Apply(cmd, reconfigureTimeout)
}

func (c *Cluster) removeReplica(id string) {
	if rc, ok := c.opts.Consensus.(consensus.Reconfigurer); ok {
		if err := rc.RemoveServer(id, reconfigureTimeout); err != nil {
			logutil.Warnf(c.opts.Logger, "remove voter %s: %v", id, err)
			return
		}
	}
	cmd, err := consensus.NewCommand(consensus.OpRemoveReplica, struct {
		ID string `json:"id"`
	}{ID: id})
	if err == nil {
		err = c.opts.Consensus.Apply(cmd, reconfigureTimeout)
	}
	if err != nil {
		logutil.Warnf(c.opts.Logger, "remove replica %s: %v", id, err)
		return
	}
	logutil.Infof(c.opts.Logger, "removed replica %s from group %s", id, c.opts.Group)
}

// lookupRPCAddr maps a member id to its advertised RPC address.
func (c *Cluster) lookupRPCAddr(id string) string {
	for _, m := range c.opts.Membership.Members() {
		if m.ID == id {
			return m.RPCAddr()
		}
	}
	return ""
}

func (c *Cluster) leaderRPC() string {
	id, _, ok := c.opts.Consensus.Leader()
	if !ok {
		return ""
	}
	if id == c.opts.NodeID {
		return c.rpcAddr()
	}
	return c.lookupRPCAddr(id)
}

// Join asks the leader of this node's consensus group to add it as a voter.
// seed is the RPC address of any replica; a "not leader" answer carrying a
// leader hint is followed once per hop.
func (c *Cluster) Join(ctx context.Context, seed string) error {
	if c.opts.Consensus == nil {
		return ErrNoConsensus
	}
	if c.opts.RPCClient == nil {
		return errors.New("cluster: no RPC client configured")
	}
	req := transport.JoinRequest{ID: c.opts.NodeID, DataNodeID: c.opts.DataNodeID, RaftAddr: c.raftAddr(), RPCAddr: c.rpcAddr()}
	target := seed
	for hop := 0; hop < 3 && target != ""; hop++ {
		resp, err := c.opts.RPCClient.PostJoin(ctx, target, req)
		if resp.Accepted {
			return nil
		}
		if resp.Leader == "" || resp.Leader == target {
			if err != nil {
				return err
			}
			if resp.Error != "" {
				return errors.New(resp.Error)
			}
			return errors.New("cluster: join rejected")
		}
		target = resp.Leader
	}
	return ErrNotLeader
}

func (c *Cluster) handleJoin(ctx context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
	_, end := tracing.StartSpan(ctx, "cluster.handleJoin", attribute.String("replica", req.ID))
	defer end()
	if c.opts.Consensus == nil {
		return transport.JoinResponse{Error: ErrNoConsensus.Error()}, nil
	}
	if !c.opts.Consensus.IsLeader() {
		obsmetrics.JoinRequests.WithLabelValues("redirected").Inc()
		return transport.JoinResponse{Leader: c.leaderRPC(), Error: ErrNotLeader.Error()}, nil
	}
	if rc, ok := c.opts.Consensus.(consensus.Reconfigurer); ok {
		if err := rc.AddVoter(req.ID, req.RaftAddr, reconfigureTimeout); err != nil {
			obsmetrics.JoinRequests.WithLabelValues("failed").Inc()
			logutil.Errorf(c.opts.Logger, "add voter failed: id=%s addr=%s err=%v", req.ID, req.RaftAddr, err)
			return transport.JoinResponse{Error: err.Error()}, nil
		}
	}
	r := state.Replica{ID: req.ID, DataNodeID: req.DataNodeID, RaftAddr: req.RaftAddr, RPCAddr: req.RPCAddr}
	if err := c.applyReplica(r); err != nil {
		obsmetrics.JoinRequests.WithLabelValues("failed").Inc()
		return transport.JoinResponse{Error: err.Error()}, nil
	}
	obsmetrics.JoinRequests.WithLabelValues("accepted").Inc()
	logutil.Infof(c.opts.Logger, "join accepted: group=%s id=%s addr=%s", c.opts.Group, req.ID, req.RaftAddr)
	return transport.JoinResponse{Accepted: true}, nil
}

func (c *Cluster) handleLeave(ctx context.Context, req transport.LeaveRequest) (transport.LeaveResponse, error) {
	_, end := tracing.StartSpan(ctx, "cluster.handleLeave", attribute.String("replica", req.ID))
	defer end()
	if c.opts.Consensus == nil {
		return transport.LeaveResponse{Error: ErrNoConsensus.Error()}, nil
	}
	if !c.opts.Consensus.IsLeader() {
		return transport.LeaveResponse{Error: ErrNotLeader.Error()}, nil
	}
	c.removeReplica(req.ID)
	return transport.LeaveResponse{Accepted: true}, nil
}

// Status returns the local view of this node.
func (c *Cluster) Status(ctx context.Context) (*ClusterStatus, error) {
	c.mu.Lock()
	started := c.run.started && !c.run.closed
	c.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}
	s := &ClusterStatus{NodeID: c.opts.NodeID, Role: c.opts.Role, Healthy: true, Members: c.opts.Membership.Members()}
	if c.manager != nil {
		st := c.manager.Snapshot()
		s.Load = &st
	}
	if cons := c.opts.Consensus; cons != nil {
		g := &GroupStatus{ID: c.opts.Group, Term: cons.Term(), IsLeader: cons.IsLeader(), Replicas: c.replicas()}
		if id, _, ok := cons.Leader(); ok {
			g.LeaderID = id
			g.LeaderRPC = c.leaderRPC()
		} else {
			s.Healthy = false
			s.Warnings = append(s.Warnings, "no known leader for group "+c.opts.Group.String())
		}
		s.Group = g
	}
	if hr, ok := c.opts.Membership.(membership.HealthReporter); ok {
		if score := hr.HealthScore(); score > 0 {
			s.Warnings = append(s.Warnings, "membership health degraded")
		}
	}
	return s, nil
}

func (c *Cluster) statusJSON(ctx context.Context) ([]byte, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(st)
}

// Stop leaves the gossip pool and shuts every component down.
func (c *Cluster) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run.closed {
		return nil
	}
	c.run.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	if c.opts.Consensus != nil {
		_ = c.opts.Consensus.Stop()
	}
	_ = c.opts.Membership.Leave()
	_ = c.opts.Membership.Stop()
	if c.opts.RPCServer != nil {
		_ = c.opts.RPCServer.Stop(ctx)
	}
	if cl, ok := c.opts.RPCClient.(interface{ Close() }); ok {
		cl.Close()
	}
	return nil
}
