package load

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hb "github.com/amirimatin/go-heartbeat/pkg/heartbeat"
	obsmetrics "github.com/amirimatin/go-heartbeat/pkg/observability/metrics"
	"github.com/amirimatin/go-heartbeat/pkg/registry"
	"github.com/amirimatin/go-heartbeat/pkg/transport"
)

type fakeClient struct {
	mu    sync.Mutex
	resp  map[string]transport.HeartbeatResponse
	reqs  map[string]transport.HeartbeatRequest
	calls int
}

func (f *fakeClient) Heartbeat(_ context.Context, addr string, req transport.HeartbeatRequest) (transport.HeartbeatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.reqs == nil {
		f.reqs = make(map[string]transport.HeartbeatRequest)
	}
	f.reqs[addr] = req
	r, ok := f.resp[addr]
	if !ok {
		return transport.HeartbeatResponse{}, errors.New("connection refused")
	}
	return r, nil
}

func newTestProber(t *testing.T, client transport.HeartbeatClient) (*Prober, *registry.Registry) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(2_000_000))
	reg := registry.New(registry.Options{Local: "cn-0", Clock: clock})
	p, err := NewProber(ProberOptions{Registry: reg, Client: client, Logger: log.New(&bytes.Buffer{}, "", 0)})
	require.NoError(t, err)
	return p, reg
}

func TestProberValidate(t *testing.T) {
	t.Parallel()
	_, err := NewProber(ProberOptions{})
	assert.Error(t, err)
	_, err = NewProber(ProberOptions{Registry: registry.New(registry.Options{})})
	assert.Error(t, err)
}

func TestProberRoutesResponses(t *testing.T) {
	t.Parallel()
	gid := hb.GroupID{Type: hb.DataRegion, ID: 7}
	client := &fakeClient{resp: map[string]transport.HeartbeatResponse{
		"dn-1:6667":  {HeartbeatTimestamp: 1_999_990, JudgedLeaders: map[hb.GroupID]bool{gid: true}},
		"cn-1:10710": {HeartbeatTimestamp: 1_999_995},
	}}
	p, reg := newTestProber(t, client)

	err := p.ProbeOnce(context.Background(), []Target{
		{Role: RoleData, DataNode: 1, Addr: "dn-1:6667"},
		{Role: RoleData, DataNode: 2, Addr: "dn-2:6667"},
		{Role: RoleConfig, ConfigNode: "cn-1", Addr: "cn-1:10710"},
		{Role: RoleConfig, ConfigNode: "cn-0", Addr: "cn-0:10710"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, client.calls, "local config node is not probed")

	dn1, ok := reg.DataNodeCache(1)
	require.True(t, ok)
	require.Len(t, dn1.Samples(), 1)
	assert.Equal(t, int64(2_000_000), dn1.Samples()[0].ReceiveTimestamp())

	dn2, ok := reg.DataNodeCache(2)
	require.True(t, ok, "failed probe still registers the target")
	assert.Empty(t, dn2.Samples())

	cn1, ok := reg.ConfigNodeCache("cn-1")
	require.True(t, ok)
	assert.Len(t, cn1.Samples(), 1)
	_, ok = reg.ConfigNodeCache("cn-0")
	assert.True(t, ok)

	g, ok := reg.GroupCache(gid)
	require.True(t, ok)
	assert.Equal(t, []hb.DataNodeID{1}, g.Reporters())

	assert.True(t, client.reqs["dn-1:6667"].NeedJudgeLeader)
	assert.False(t, client.reqs["cn-1:10710"].NeedJudgeLeader)
	assert.Equal(t, int64(2_000_000), client.reqs["dn-1:6667"].Timestamp)
}

func TestProberCanceled(t *testing.T) {
	t.Parallel()
	p, _ := newTestProber(t, &fakeClient{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.ProbeOnce(ctx, nil), context.Canceled)
}

func TestProberSkipsTargetsWithoutAddress(t *testing.T) {
	t.Parallel()
	client := &fakeClient{}
	p, reg := newTestProber(t, client)

	require.NoError(t, p.ProbeOnce(context.Background(), []Target{
		{Role: RoleConfig, ConfigNode: "cn-2"},
		{Role: RoleData, DataNode: 4},
	}))
	assert.Zero(t, client.calls, "a node id must never be dialed as an address")
	_, ok := reg.DataNodeCache(4)
	assert.False(t, ok)
}

// slowClient answers after advancing the fake clock by lag.
type slowClient struct {
	clock clockwork.FakeClock
	lag   time.Duration
}

func (c slowClient) Heartbeat(context.Context, string, transport.HeartbeatRequest) (transport.HeartbeatResponse, error) {
	c.clock.Advance(c.lag)
	return transport.HeartbeatResponse{HeartbeatTimestamp: c.clock.Now().UnixMilli()}, nil
}

func roundTripSecondsSum(t *testing.T, role Role) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, obsmetrics.ProbeDuration.WithLabelValues(string(role)).(prometheus.Metric).Write(&m))
	return m.GetHistogram().GetSampleSum()
}

func TestProberTimesWithInjectedClock(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(3_000_000))
	reg := registry.New(registry.Options{Local: "cn-0", Clock: clock})
	p, err := NewProber(ProberOptions{Registry: reg, Client: slowClient{clock: clock, lag: 250 * time.Millisecond},
		Logger: log.New(&bytes.Buffer{}, "", 0)})
	require.NoError(t, err)

	before := roundTripSecondsSum(t, RoleConfig)
	require.NoError(t, p.ProbeOnce(context.Background(), []Target{{Role: RoleConfig, ConfigNode: "cn-3", Addr: "cn-3:10710"}}))
	assert.InDelta(t, 0.25, roundTripSecondsSum(t, RoleConfig)-before, 1e-9)
}
