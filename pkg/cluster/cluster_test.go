package cluster

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/amirimatin/go-heartbeat/pkg/agent"
	"github.com/amirimatin/go-heartbeat/pkg/consensus"
	"github.com/amirimatin/go-heartbeat/pkg/discovery/static"
	hb "github.com/amirimatin/go-heartbeat/pkg/heartbeat"
	"github.com/amirimatin/go-heartbeat/pkg/load"
	"github.com/amirimatin/go-heartbeat/pkg/membership"
	"github.com/amirimatin/go-heartbeat/pkg/state"
	"github.com/amirimatin/go-heartbeat/pkg/state/topology"
	"github.com/amirimatin/go-heartbeat/pkg/transport"
)

type fakeMembership struct {
	mu      sync.Mutex
	members []membership.MemberInfo
	evts    chan membership.Event
	joined  []string
	left    bool
	stopped bool
}

func newFakeMembership(members ...membership.MemberInfo) *fakeMembership {
	return &fakeMembership{members: members, evts: make(chan membership.Event, 8)}
}

func (f *fakeMembership) Start(context.Context) error { return nil }
func (f *fakeMembership) Join(seeds []string) error {
	f.mu.Lock()
	f.joined = append(f.joined, seeds...)
	f.mu.Unlock()
	return nil
}
func (f *fakeMembership) Local() membership.MemberInfo { return membership.MemberInfo{} }
func (f *fakeMembership) Members() []membership.MemberInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]membership.MemberInfo(nil), f.members...)
}
func (f *fakeMembership) Events() <-chan membership.Event { return f.evts }
func (f *fakeMembership) Leave() error {
	f.mu.Lock()
	f.left = true
	f.mu.Unlock()
	return nil
}
func (f *fakeMembership) Stop() error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return nil
}

func (f *fakeMembership) drop(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.members {
		if m.ID == id {
			f.members = append(f.members[:i], f.members[i+1:]...)
			return
		}
	}
}

// fakeRPC routes heartbeats to in-process agents and joins to a scripted
// table of responses.
type fakeRPC struct {
	agents map[string]*agent.Agent
	joins  map[string]transport.JoinResponse
	joined []string
}

func (f *fakeRPC) Heartbeat(ctx context.Context, addr string, req transport.HeartbeatRequest) (transport.HeartbeatResponse, error) {
	a, ok := f.agents[addr]
	if !ok {
		return transport.HeartbeatResponse{}, errors.New("connection refused")
	}
	return a.Heartbeat(ctx, req)
}

func (f *fakeRPC) GetStatus(context.Context, string) ([]byte, error) {
	return nil, errors.New("unused")
}

func (f *fakeRPC) PostJoin(_ context.Context, addr string, _ transport.JoinRequest) (transport.JoinResponse, error) {
	f.joined = append(f.joined, addr)
	resp, ok := f.joins[addr]
	if !ok {
		return transport.JoinResponse{}, errors.New("connection refused")
	}
	return resp, nil
}

func (f *fakeRPC) PostLeave(context.Context, string, transport.LeaveRequest) (transport.LeaveResponse, error) {
	return transport.LeaveResponse{}, nil
}

type fakeConsensus struct {
	mu       sync.Mutex
	startErr error
	stopped  bool
	leader   bool
	voters   map[string]string
	ts       *topology.State
	applied  []consensus.Command
}

func newFakeConsensus(leader bool) *fakeConsensus {
	return &fakeConsensus{leader: leader, voters: map[string]string{}, ts: topology.New()}
}

func (f *fakeConsensus) Start(context.Context) error { return f.startErr }
func (f *fakeConsensus) Apply(cmd consensus.Command, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, cmd)
	return nil
}
func (f *fakeConsensus) IsLeader() bool { return f.leader }
func (f *fakeConsensus) Leader() (string, string, bool) {
	if f.leader {
		return "d1", "raft-d1", true
	}
	return "d9", "raft-d9", true
}
func (f *fakeConsensus) Term() uint64 { return 4 }
func (f *fakeConsensus) Stop() error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return nil
}
func (f *fakeConsensus) AddVoter(id, addr string, _ time.Duration) error {
	f.mu.Lock()
	f.voters[id] = addr
	f.mu.Unlock()
	return nil
}
func (f *fakeConsensus) RemoveServer(id string, _ time.Duration) error {
	f.mu.Lock()
	delete(f.voters, id)
	f.mu.Unlock()
	return nil
}
func (f *fakeConsensus) Replicas() []state.Replica { return f.ts.Replicas() }

// failingServer refuses to start, as when its port is taken.
type failingServer struct{ stopped bool }

func (f *failingServer) Start(context.Context, transport.Handlers) error {
	return errors.New("listen tcp :9000: address already in use")
}
func (f *failingServer) Addr() string { return "" }
func (f *failingServer) Stop(context.Context) error {
	f.stopped = true
	return nil
}

func quietLogger() *log.Logger { return log.New(&bytes.Buffer{}, "", 0) }

func member(id, role, rpc, dataNodeID string) membership.MemberInfo {
	meta := map[string]string{membership.MetaRole: role, membership.MetaRPCAddr: rpc}
	if dataNodeID != "" {
		meta[membership.MetaDataNodeID] = dataNodeID
	}
	return membership.MemberInfo{ID: id, Meta: meta}
}

func TestOptions_Validate(t *testing.T) {
	base := Options{NodeID: "c1", Discovery: static.New(), Membership: newFakeMembership()}

	o := base
	if err := o.Validate(); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("err = %v, want ErrUnknownRole", err)
	}
	o.Role = load.RoleConfig
	if err := o.Validate(); err == nil {
		t.Fatalf("config node without RPC client must be rejected")
	}
	o.RPCClient = &fakeRPC{}
	if err := o.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	o = base
	o.Role = load.RoleData
	o.DataNodeID = -1
	if err := o.Validate(); err == nil {
		t.Fatalf("negative data node id must be rejected")
	}
}

func TestTargets_FromMemberMeta(t *testing.T) {
	mem := newFakeMembership(
		member("c1", "config", "10.0.0.1:9000", ""),
		member("c2", "config", "10.0.0.2:9000", ""),
		member("d1", "data", "10.0.1.1:9000", "1"),
		member("d2", "data", "10.0.1.2:9000", "oops"),
		member("x", "gateway", "10.0.2.1:9000", ""),
		member("d3", "data", "", "3"),
	)
	c, err := New(Options{NodeID: "c1", Role: load.RoleConfig, Discovery: static.New(), Membership: mem, RPCClient: &fakeRPC{}, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got := c.Targets()
	if len(got) != 3 {
		t.Fatalf("targets = %+v, want c1, c2, d1", got)
	}
	if got[2].Role != load.RoleData || got[2].DataNode != 1 || got[2].Addr != "10.0.1.1:9000" {
		t.Fatalf("data target = %+v", got[2])
	}
}

func TestConfigNode_ProbeRefreshAndEvents(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_000_000))
	g := hb.GroupID{Type: hb.DataRegion, ID: 1}
	rpc := &fakeRPC{agents: map[string]*agent.Agent{
		"d1:9000": agent.New(clock, agent.StaticJudge{g: true}),
		"d2:9000": agent.New(clock, agent.StaticJudge{g: false}),
		"c2:9000": agent.New(clock),
	}}
	mem := newFakeMembership(
		member("c1", "config", "c1:9000", ""),
		member("c2", "config", "c2:9000", ""),
		member("d1", "data", "d1:9000", "1"),
		member("d2", "data", "d2:9000", "2"),
	)
	c, err := New(Options{
		NodeID: "c1", Role: load.RoleConfig, Discovery: static.New("seed:7946"), Membership: mem,
		RPCClient: rpc, Logger: quietLogger(), Clock: clock,
		// Loops stay idle; the test drives passes itself.
		ProbeInterval: time.Hour, RefreshInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop(context.Background())
	if len(mem.joined) != 1 || mem.joined[0] != "seed:7946" {
		t.Fatalf("seeds joined = %v", mem.joined)
	}

	events := c.Subscribe(ctx)

	if err := c.prober.ProbeOnce(ctx, c.Targets()); err != nil {
		t.Fatalf("probe: %v", err)
	}
	ch := c.manager.Refresh(ctx)
	if len(ch.Leaders) != 1 || ch.Leaders[0].Leader != 1 {
		t.Fatalf("leader changes = %+v, want data node 1", ch.Leaders)
	}
	c.onChanges(ch)
	select {
	case ev := <-events:
		if ev.Type != EventGroupLeaderChanged || ev.Leader.Group != g {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no leader event")
	}

	// d2 stops answering; past the staleness threshold it turns Unknown.
	delete(rpc.agents, "d2:9000")
	clock.Advance(21 * time.Second)
	ch = c.manager.Refresh(ctx)
	var flipped []string
	for _, n := range ch.Nodes {
		flipped = append(flipped, n.NodeName())
	}
	// Every remote cache went stale; the local config node never does.
	if len(flipped) != 3 {
		t.Fatalf("status changes = %v, want c2, 1, 2", flipped)
	}

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Load == nil || len(st.Load.ConfigNodes) != 2 || !st.Load.ConfigNodes[0].Local {
		t.Fatalf("load stats = %+v", st.Load)
	}
	if st.Load.ConfigNodes[0].Status != hb.Running {
		t.Fatalf("local config node status = %s, want Running", st.Load.ConfigNodes[0].Status)
	}
}

func TestConfigNode_LeaveRemovesCache(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_000_000))
	rpc := &fakeRPC{agents: map[string]*agent.Agent{"d1:9000": agent.New(clock)}}
	d1 := member("d1", "data", "d1:9000", "1")
	mem := newFakeMembership(d1)
	c, err := New(Options{NodeID: "c1", Role: load.RoleConfig, Discovery: static.New(), Membership: mem,
		RPCClient: rpc, Logger: quietLogger(), Clock: clock, ProbeInterval: time.Hour, RefreshInterval: time.Hour})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop(context.Background())

	_ = c.prober.ProbeOnce(ctx, c.Targets())
	reg := c.Manager().Registry()
	if _, ok := reg.DataNodeCache(1); !ok {
		t.Fatalf("data node cache not created by probe")
	}

	mem.evts <- membership.Event{Type: membership.EventLeave, Member: d1, At: clock.Now()}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := reg.DataNodeCache(1); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cache of departed data node was not removed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDataNode_HandleJoin(t *testing.T) {
	g := hb.GroupID{Type: hb.DataRegion, ID: 2}
	mem := newFakeMembership(member("d9", "data", "d9:9000", "9"))

	follower, _ := New(Options{NodeID: "d2", Role: load.RoleData, DataNodeID: 2, Group: g,
		Discovery: static.New(), Membership: mem, Consensus: newFakeConsensus(false), Logger: quietLogger()})
	resp, err := follower.handleJoin(context.Background(), transport.JoinRequest{ID: "d3", RaftAddr: "raft-d3"})
	if err != nil || resp.Accepted {
		t.Fatalf("follower accepted join: %+v, %v", resp, err)
	}
	if resp.Leader != "d9:9000" {
		t.Fatalf("leader hint = %q, want d9:9000", resp.Leader)
	}

	cons := newFakeConsensus(true)
	leader, _ := New(Options{NodeID: "d1", Role: load.RoleData, DataNodeID: 1, Group: g,
		Discovery: static.New(), Membership: mem, Consensus: cons, Logger: quietLogger()})
	resp, err = leader.handleJoin(context.Background(), transport.JoinRequest{ID: "d3", DataNodeID: 3, RaftAddr: "raft-d3"})
	if err != nil || !resp.Accepted {
		t.Fatalf("leader rejected join: %+v, %v", resp, err)
	}
	if cons.voters["d3"] != "raft-d3" {
		t.Fatalf("voters = %v", cons.voters)
	}
	if len(cons.applied) != 1 || cons.applied[0].Op != consensus.OpAddReplica {
		t.Fatalf("applied = %+v", cons.applied)
	}

	hbResp, err := leader.agent.Heartbeat(context.Background(), transport.HeartbeatRequest{Timestamp: 1, NeedJudgeLeader: true})
	if err != nil || !hbResp.JudgedLeaders[g] {
		t.Fatalf("leader does not judge itself leader of %s", g)
	}
}

func TestDataNode_JoinFollowsLeaderHint(t *testing.T) {
	rpc := &fakeRPC{joins: map[string]transport.JoinResponse{
		"seed:9000":   {Leader: "leader:9000", Error: "not leader"},
		"leader:9000": {Accepted: true},
	}}
	c, _ := New(Options{NodeID: "d2", Role: load.RoleData, DataNodeID: 2, Group: hb.GroupID{Type: hb.DataRegion, ID: 1},
		Discovery: static.New(), Membership: newFakeMembership(), Consensus: newFakeConsensus(false),
		RPCClient: rpc, Logger: quietLogger()})
	if err := c.Join(context.Background(), "seed:9000"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if len(rpc.joined) != 2 || rpc.joined[1] != "leader:9000" {
		t.Fatalf("join hops = %v", rpc.joined)
	}

	noCons, _ := New(Options{NodeID: "d3", Role: load.RoleData, Discovery: static.New(), Membership: newFakeMembership(), RPCClient: rpc})
	if err := noCons.Join(context.Background(), "seed:9000"); !errors.Is(err, ErrNoConsensus) {
		t.Fatalf("err = %v, want ErrNoConsensus", err)
	}
}

func TestStatus_NotStarted(t *testing.T) {
	c, _ := New(Options{NodeID: "d1", Role: load.RoleData, Discovery: static.New(), Membership: newFakeMembership()})
	if _, err := c.Status(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("err = %v, want ErrNotStarted", err)
	}
}

func TestConfigNode_LeaveDropsLeaderClaim(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_000_000))
	g := hb.GroupID{Type: hb.DataRegion, ID: 11}
	rpc := &fakeRPC{agents: map[string]*agent.Agent{
		"d1:9000": agent.New(clock, agent.StaticJudge{g: true}),
		"d2:9000": agent.New(clock, agent.StaticJudge{g: false}),
	}}
	d1 := member("d1", "data", "d1:9000", "1")
	mem := newFakeMembership(d1, member("d2", "data", "d2:9000", "2"))
	c, err := New(Options{NodeID: "c1", Role: load.RoleConfig, Discovery: static.New(), Membership: mem,
		RPCClient: rpc, Logger: quietLogger(), Clock: clock, ProbeInterval: time.Hour, RefreshInterval: time.Hour})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop(context.Background())

	_ = c.prober.ProbeOnce(ctx, c.Targets())
	c.manager.Refresh(ctx)
	gc, ok := c.Manager().Registry().GroupCache(g)
	if !ok {
		t.Fatalf("group cache not created")
	}
	if leader, ok := gc.CurrentLeader(); !ok || leader != 1 {
		t.Fatalf("leader = %d/%v, want data node 1", leader, ok)
	}

	mem.drop("d1")
	mem.evts <- membership.Event{Type: membership.EventLeave, Member: d1, At: clock.Now()}
	deadline := time.Now().Add(2 * time.Second)
	for len(gc.Reporters()) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("reporters after leave = %v, want [2]", gc.Reporters())
		}
		time.Sleep(10 * time.Millisecond)
	}

	clock.Advance(time.Second)
	_ = c.prober.ProbeOnce(ctx, c.Targets())
	ch := c.manager.Refresh(ctx)
	if len(ch.Leaders) != 1 || ch.Leaders[0].HasLeader {
		t.Fatalf("leader changes = %+v, want the departed leader cleared", ch.Leaders)
	}
	if leader, ok := gc.CurrentLeader(); ok {
		t.Fatalf("departed data node %d still leads %s", leader, g)
	}
}

func TestStart_UnwindsWhenRPCServerFails(t *testing.T) {
	mem := newFakeMembership()
	cons := newFakeConsensus(false)
	srv := &failingServer{}
	c, err := New(Options{NodeID: "d1", Role: load.RoleData, DataNodeID: 1, Group: hb.GroupID{Type: hb.DataRegion, ID: 1},
		Discovery: static.New(), Membership: mem, Consensus: cons, RPCServer: srv, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Fatalf("start succeeded with a server that cannot listen")
	}
	if !cons.stopped {
		t.Fatalf("consensus left running after failed start")
	}
	if !mem.left || !mem.stopped {
		t.Fatalf("membership left running after failed start: left=%v stopped=%v", mem.left, mem.stopped)
	}
}

func TestStart_UnwindsWhenConsensusFails(t *testing.T) {
	mem := newFakeMembership()
	cons := newFakeConsensus(false)
	cons.startErr = errors.New("raft: no bootstrap configuration")
	c, err := New(Options{NodeID: "d1", Role: load.RoleData, DataNodeID: 1, Group: hb.GroupID{Type: hb.DataRegion, ID: 1},
		Discovery: static.New(), Membership: mem, Consensus: cons, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Fatalf("start succeeded with a failing consensus")
	}
	if !mem.stopped {
		t.Fatalf("membership left running after failed start")
	}
	if cons.stopped {
		t.Fatalf("consensus that never started was stopped")
	}
}
