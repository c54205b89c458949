package load

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	hb "github.com/amirimatin/go-heartbeat/pkg/heartbeat"
	"github.com/amirimatin/go-heartbeat/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-heartbeat/pkg/observability/metrics"
	"github.com/amirimatin/go-heartbeat/pkg/observability/tracing"
	"github.com/amirimatin/go-heartbeat/pkg/registry"
	"github.com/amirimatin/go-heartbeat/pkg/transport"
)

// Target is one node to probe. ConfigNode or DataNode identifies it according
// to Role; Addr is its heartbeat RPC address.
type Target struct {
	Role       Role
	ConfigNode hb.ConfigNodeID
	DataNode   hb.DataNodeID
	Addr       string
}

func (t Target) name() string {
	if t.Role == RoleConfig {
		return string(t.ConfigNode)
	}
	return t.DataNode.String()
}

// ProberOptions configures a Prober.
type ProberOptions struct {
	Registry *registry.Registry
	Client   transport.HeartbeatClient
	Logger   *log.Logger
	// Timeout bounds a single probe.
	Timeout time.Duration
	// Concurrency bounds the number of in-flight probes of one round.
	Concurrency int
	// Clock stamps requests and drives Run; nil means the registry's clock.
	Clock clockwork.Clock
}

func (o ProberOptions) Validate() error {
	if o.Registry == nil {
		return errors.New("load: nil Registry")
	}
	if o.Client == nil {
		return errors.New("load: nil heartbeat Client")
	}
	return nil
}

// Prober broadcasts heartbeat probes and binds each response to the caches of
// its target through a heartbeat.ResponseHandler.
type Prober struct {
	opts ProberOptions
}

func NewProber(opts ProberOptions) (*Prober, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultProbeTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Clock == nil {
		opts.Clock = opts.Registry.Clock()
	}
	return &Prober{opts: opts}, nil
}

// ProbeOnce probes every target and waits for all of them. Probe failures are
// not returned; only ctx cancellation is.
func (p *Prober) ProbeOnce(ctx context.Context, targets []Target) error {
	ctx, end := tracing.StartSpan(ctx, "load.probe_round", attribute.Int("targets", len(targets)))
	defer end()
	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			p.probe(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (p *Prober) probe(ctx context.Context, t Target) {
	reg := p.opts.Registry
	var (
		h   *hb.ResponseHandler
		req = transport.HeartbeatRequest{Timestamp: p.opts.Clock.Now().UnixMilli()}
	)
	switch t.Role {
	case RoleConfig:
		cache := reg.GetOrCreateConfigNodeCache(t.ConfigNode)
		if cache.Local() || !p.addressable(t) {
			return
		}
		h = hb.NewConfigNodeHandler(cache, p.opts.Clock)
	case RoleData:
		if !p.addressable(t) {
			return
		}
		h = hb.NewDataNodeHandler(t.DataNode, reg.GetOrCreateDataNodeCache(t.DataNode), reg, p.opts.Clock)
		req.NeedJudgeLeader = true
	default:
		logutil.Warnf(p.opts.Logger, "probe skipped: unknown role %q for %s", t.Role, t.Addr)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	started := p.opts.Clock.Now()
	resp, err := p.opts.Client.Heartbeat(cctx, t.Addr, req)
	if err != nil {
		obsmetrics.ProbesTotal.WithLabelValues(string(t.Role), "error").Inc()
		h.OnError(err)
		return
	}
	obsmetrics.ProbesTotal.WithLabelValues(string(t.Role), "ok").Inc()
	obsmetrics.ProbeDuration.WithLabelValues(string(t.Role)).Observe(p.opts.Clock.Since(started).Seconds())
	h.OnComplete(resp.Decode())
}

// addressable reports whether t advertises an RPC address. Node ids are not
// addresses, so a target without one is skipped rather than dialed.
func (p *Prober) addressable(t Target) bool {
	if t.Addr != "" {
		return true
	}
	logutil.Warnf(p.opts.Logger, "probe skipped: %s node %s has no RPC address", t.Role, t.name())
	return false
}

// Run probes the targets returned by targets every interval until ctx is done.
func (p *Prober) Run(ctx context.Context, interval time.Duration, targets func() []Target) {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	ticker := p.opts.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			_ = p.ProbeOnce(ctx, targets())
		}
	}
}
