// Package agent answers heartbeat probes on behalf of the local node.
package agent

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/amirimatin/go-heartbeat/pkg/consensus"
	hb "github.com/amirimatin/go-heartbeat/pkg/heartbeat"
	obsmetrics "github.com/amirimatin/go-heartbeat/pkg/observability/metrics"
	"github.com/amirimatin/go-heartbeat/pkg/observability/tracing"
	"github.com/amirimatin/go-heartbeat/pkg/transport"
)

// LeaderJudge reports, for every consensus group it knows about, whether the
// local node currently believes itself to be that group's leader.
type LeaderJudge interface {
	JudgeLeaders() map[hb.GroupID]bool
}

// ConsensusJudge judges a single group from a consensus engine.
type ConsensusJudge struct {
	Group     hb.GroupID
	Consensus consensus.Consensus
}

func (j ConsensusJudge) JudgeLeaders() map[hb.GroupID]bool {
	return map[hb.GroupID]bool{j.Group: j.Consensus != nil && j.Consensus.IsLeader()}
}

// StaticJudge reports fixed judgments; useful for nodes whose groups are
// managed outside this process.
type StaticJudge map[hb.GroupID]bool

func (s StaticJudge) JudgeLeaders() map[hb.GroupID]bool {
	out := make(map[hb.GroupID]bool, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Agent builds heartbeat responses.
type Agent struct {
	clock clockwork.Clock

	mu     sync.RWMutex
	judges []LeaderJudge
}

func New(clock clockwork.Clock, judges ...LeaderJudge) *Agent {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Agent{clock: clock, judges: judges}
}

// AddJudge registers another source of leadership judgments.
func (a *Agent) AddJudge(j LeaderJudge) {
	a.mu.Lock()
	a.judges = append(a.judges, j)
	a.mu.Unlock()
}

// Heartbeat implements transport.HeartbeatFunc. Judgments are only collected
// when the prober asks for them and at least one judge is registered.
func (a *Agent) Heartbeat(ctx context.Context, req transport.HeartbeatRequest) (transport.HeartbeatResponse, error) {
	_, end := tracing.StartSpan(ctx, "agent.heartbeat")
	defer end()
	obsmetrics.HeartbeatsServed.Inc()

	resp := transport.HeartbeatResponse{HeartbeatTimestamp: a.clock.Now().UnixMilli()}
	if !req.NeedJudgeLeader {
		return resp, nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, j := range a.judges {
		for gid, leader := range j.JudgeLeaders() {
			if resp.JudgedLeaders == nil {
				resp.JudgedLeaders = make(map[hb.GroupID]bool)
			}
			resp.JudgedLeaders[gid] = leader
		}
	}
	return resp, nil
}
