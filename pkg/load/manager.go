// Package load runs the orchestrator side of heartbeat tracking: probing
// nodes, refreshing the derived statistics of every cache and exposing the
// result to schedulers.
package load

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	hb "github.com/amirimatin/go-heartbeat/pkg/heartbeat"
	"github.com/amirimatin/go-heartbeat/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-heartbeat/pkg/observability/metrics"
	"github.com/amirimatin/go-heartbeat/pkg/observability/tracing"
	"github.com/amirimatin/go-heartbeat/pkg/registry"
)

// Role distinguishes control-plane nodes from storage nodes.
type Role string

const (
	RoleConfig Role = "config"
	RoleData   Role = "data"
)

// NodeStatusChange reports a node whose status flipped during a refresh.
// Exactly one of ConfigNode or DataNode is meaningful, selected by Role.
type NodeStatusChange struct {
	Role       Role
	ConfigNode hb.ConfigNodeID
	DataNode   hb.DataNodeID
	Status     hb.NodeStatus
}

// NodeName renders the identity of the changed node.
func (c NodeStatusChange) NodeName() string {
	if c.Role == RoleConfig {
		return string(c.ConfigNode)
	}
	return c.DataNode.String()
}

// LeaderChange reports a group whose leader changed during a refresh.
type LeaderChange struct {
	Group     hb.GroupID
	Leader    hb.DataNodeID
	HasLeader bool
}

// Changes aggregates the results of one refresh pass.
type Changes struct {
	Nodes   []NodeStatusChange
	Leaders []LeaderChange
}

// Empty reports whether no cache changed.
func (c Changes) Empty() bool { return len(c.Nodes) == 0 && len(c.Leaders) == 0 }

// Options configures a Manager.
type Options struct {
	Registry *registry.Registry
	Logger   *log.Logger
	// Clock drives Run; nil means the registry's clock.
	Clock clockwork.Clock
}

// Manager refreshes every cache of a registry and reports what changed.
type Manager struct {
	reg    *registry.Registry
	logger *log.Logger
	clock  clockwork.Clock
}

func NewManager(opts Options) *Manager {
	if opts.Registry == nil {
		opts.Registry = registry.New(registry.Options{})
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Clock == nil {
		opts.Clock = opts.Registry.Clock()
	}
	return &Manager{reg: opts.Registry, logger: opts.Logger, clock: opts.Clock}
}

func (m *Manager) Registry() *registry.Registry { return m.reg }

// ForgetConfigNode drops the cache of a departed config node and its status
// series.
func (m *Manager) ForgetConfigNode(id hb.ConfigNodeID) bool {
	obsmetrics.NodeStatus.DeleteLabelValues(string(RoleConfig), string(id))
	return m.reg.RemoveConfigNode(id)
}

// ForgetDataNode drops the cache of a departed data node, its status series
// and its window in every group cache, so a stale leader claim cannot
// outlive it.
func (m *Manager) ForgetDataNode(id hb.DataNodeID) bool {
	obsmetrics.NodeStatus.DeleteLabelValues(string(RoleData), id.String())
	for _, g := range m.reg.AllGroupCaches() {
		g.RemoveReporter(id)
	}
	return m.reg.RemoveDataNode(id)
}

// ForgetGroup drops a group cache and its leader series.
func (m *Manager) ForgetGroup(id hb.GroupID) bool {
	obsmetrics.GroupLeader.DeleteLabelValues(id.String())
	return m.reg.RemoveGroup(id)
}

// Refresh calls UpdateLoadStatistic on every node and group cache. Caches are
// refreshed independently; no ordering between them is implied.
func (m *Manager) Refresh(ctx context.Context) Changes {
	ctx, end := tracing.StartSpan(ctx, "load.refresh")
	defer end()

	var ch Changes
	for _, c := range m.reg.ConfigNodeCaches() {
		changed := c.UpdateLoadStatistic()
		st := c.NodeStatus()
		obsmetrics.NodeStatus.WithLabelValues(string(RoleConfig), string(c.ID())).Set(float64(st))
		if changed {
			ch.Nodes = append(ch.Nodes, NodeStatusChange{Role: RoleConfig, ConfigNode: c.ID(), Status: st})
		}
	}
	for _, c := range m.reg.DataNodeCaches() {
		changed := c.UpdateLoadStatistic()
		st := c.NodeStatus()
		obsmetrics.NodeStatus.WithLabelValues(string(RoleData), c.ID().String()).Set(float64(st))
		if changed {
			ch.Nodes = append(ch.Nodes, NodeStatusChange{Role: RoleData, DataNode: c.ID(), Status: st})
		}
	}
	for _, g := range m.reg.AllGroupCaches() {
		changed := g.UpdateLoadStatistic()
		leader, ok := g.CurrentLeader()
		gauge := float64(-1)
		if ok {
			gauge = float64(leader)
		}
		obsmetrics.GroupLeader.WithLabelValues(g.GroupID().String()).Set(gauge)
		if changed {
			ch.Leaders = append(ch.Leaders, LeaderChange{Group: g.GroupID(), Leader: leader, HasLeader: ok})
		}
	}

	obsmetrics.RefreshTotal.Inc()
	for _, n := range ch.Nodes {
		obsmetrics.StatusChanges.WithLabelValues(string(n.Role), n.Status.String()).Inc()
		logutil.Infof(m.logger, "%s node %s is now %s", n.Role, n.NodeName(), n.Status)
	}
	for _, l := range ch.Leaders {
		obsmetrics.LeaderChanges.Inc()
		if l.HasLeader {
			logutil.Infof(m.logger, "leader of %s is now data node %d", l.Group, l.Leader)
		} else {
			logutil.Warnf(m.logger, "no leader claimed for %s", l.Group)
		}
	}
	tracing.Annotate(ctx,
		attribute.Int("node_changes", len(ch.Nodes)),
		attribute.Int("leader_changes", len(ch.Leaders)))
	return ch
}

// Run refreshes every interval until ctx is done. onChange, when non-nil, is
// called after each pass that changed something.
func (m *Manager) Run(ctx context.Context, interval time.Duration, onChange func(Changes)) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if ch := m.Refresh(ctx); !ch.Empty() && onChange != nil {
				onChange(ch)
			}
		}
	}
}

// RankedDataNodes returns data node ids ordered by ascending load score, ties
// broken by id, so Unknown nodes sort last.
func (m *Manager) RankedDataNodes() []hb.DataNodeID {
	caches := m.reg.DataNodeCaches()
	type scored struct {
		id    hb.DataNodeID
		score int64
	}
	ss := make([]scored, 0, len(caches))
	for _, c := range caches {
		ss = append(ss, scored{id: c.ID(), score: c.LoadScore()})
	}
	// caches are already ordered by id; a stable sort keeps that for ties.
	sort.SliceStable(ss, func(i, j int) bool { return ss[i].score < ss[j].score })
	out := make([]hb.DataNodeID, len(ss))
	for i, s := range ss {
		out[i] = s.id
	}
	return out
}
