package memberlist

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"github.com/amirimatin/go-heartbeat/pkg/internal/logutil"
	base "github.com/amirimatin/go-heartbeat/pkg/membership"
)

// Options configures the memberlist-based membership implementation.
type Options struct {
	NodeID string

	// Bind is host:port, e.g. ":7946". Port 0 picks a free port.
	Bind string
	// Advertise overrides the address peers use to reach this node.
	Advertise string

	Meta   map[string]string
	Logger *log.Logger

	// Zero means memberlist defaults.
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	SuspicionMult int
}

// impl implements base.Membership using HashiCorp memberlist.
type impl struct {
	opts Options

	mu sync.RWMutex
	ml *memberlist.Memberlist

	evMu   sync.RWMutex
	evts   chan base.Event
	closed bool
}

// New constructs a memberlist-backed membership.
func New(opts Options) (base.Membership, error) {
	if opts.NodeID == "" {
		return nil, fmt.Errorf("memberlist: empty NodeID")
	}
	if opts.Bind == "" {
		return nil, fmt.Errorf("memberlist: empty Bind address")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &impl{opts: opts, evts: make(chan base.Event, 64)}, nil
}

func splitHostPort(addr string) (string, int, error) {
	host, ps, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("memberlist: invalid address %q: %w", addr, err)
	}
	p, err := strconv.Atoi(ps)
	if err != nil || p < 0 || p > 65535 {
		return "", 0, fmt.Errorf("memberlist: invalid port %q", ps)
	}
	return host, p, nil
}

func (m *impl) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ml != nil {
		return nil
	}

	cfg := memberlist.DefaultLANConfig()
	cfg.Name = m.opts.NodeID
	cfg.LogOutput = m.opts.Logger.Writer()
	host, port, err := splitHostPort(m.opts.Bind)
	if err != nil {
		return err
	}
	cfg.BindAddr, cfg.BindPort = host, port
	if m.opts.Advertise != "" {
		ahost, aport, err := splitHostPort(m.opts.Advertise)
		if err != nil {
			return err
		}
		cfg.AdvertiseAddr, cfg.AdvertisePort = ahost, aport
	}
	if m.opts.ProbeInterval > 0 {
		cfg.ProbeInterval = m.opts.ProbeInterval
	}
	if m.opts.ProbeTimeout > 0 {
		cfg.ProbeTimeout = m.opts.ProbeTimeout
	}
	if m.opts.SuspicionMult > 0 {
		cfg.SuspicionMult = m.opts.SuspicionMult
	}

	metaBytes, err := json.Marshal(m.opts.Meta)
	if err != nil {
		return err
	}
	if len(metaBytes) > memberlist.MetaMaxSize {
		return fmt.Errorf("memberlist: node meta exceeds %d bytes", memberlist.MetaMaxSize)
	}
	cfg.Events = &eventDelegate{emit: m.emit}
	cfg.Delegate = &nodeDelegate{meta: metaBytes}

	ml, err := memberlist.Create(cfg)
	if err != nil {
		return err
	}
	m.ml = ml

	go func() {
		<-ctx.Done()
		_ = m.Stop()
	}()
	return nil
}

func (m *impl) list() *memberlist.Memberlist {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ml
}

func (m *impl) Join(seeds []string) error {
	ml := m.list()
	if ml == nil {
		return fmt.Errorf("memberlist: not started")
	}
	if len(seeds) == 0 {
		return nil
	}
	_, err := ml.Join(seeds)
	return err
}

func memberInfo(n *memberlist.Node) base.MemberInfo {
	meta := map[string]string{}
	if len(n.Meta) > 0 {
		_ = json.Unmarshal(n.Meta, &meta)
	}
	return base.MemberInfo{ID: n.Name, Addr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))), Meta: meta}
}

func (m *impl) Local() base.MemberInfo {
	ml := m.list()
	if ml == nil {
		return base.MemberInfo{}
	}
	return memberInfo(ml.LocalNode())
}

func (m *impl) Members() []base.MemberInfo {
	ml := m.list()
	if ml == nil {
		return nil
	}
	nodes := ml.Members()
	out := make([]base.MemberInfo, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, memberInfo(n))
	}
	return out
}

func (m *impl) Events() <-chan base.Event { return m.evts }

// Leave broadcasts an intent to leave and waits up to a second for it to
// propagate.
func (m *impl) Leave() error {
	ml := m.list()
	if ml == nil {
		return nil
	}
	return ml.Leave(time.Second)
}

func (m *impl) Stop() error {
	m.mu.Lock()
	ml := m.ml
	m.ml = nil
	m.mu.Unlock()
	if ml != nil {
		_ = ml.Shutdown()
	}

	m.evMu.Lock()
	defer m.evMu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.evts)
	}
	return nil
}

// HealthScore exposes memberlist's awareness score.
func (m *impl) HealthScore() int {
	ml := m.list()
	if ml == nil {
		return -1
	}
	return ml.GetHealthScore()
}

func (m *impl) emit(e base.Event) {
	m.evMu.RLock()
	defer m.evMu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.evts <- e:
	default:
		logutil.Warnf(m.opts.Logger, "memberlist: dropping %s event for %s: channel full", e.Type, e.Member.ID)
	}
}

// eventDelegate adapts memberlist callbacks to base.Event. Memberlist does not
// distinguish a graceful leave from a failure.
type eventDelegate struct {
	emit func(e base.Event)
}

func (d *eventDelegate) notify(t base.EventType, n *memberlist.Node) {
	if n == nil {
		return
	}
	d.emit(base.Event{Type: t, Member: memberInfo(n), At: time.Now()})
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node)   { d.notify(base.EventJoin, n) }
func (d *eventDelegate) NotifyLeave(n *memberlist.Node)  { d.notify(base.EventLeave, n) }
func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) { d.notify(base.EventUpdate, n) }

// nodeDelegate propagates the static node metadata in alive messages.
type nodeDelegate struct{ meta []byte }

func (d *nodeDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) <= limit {
		return d.meta
	}
	return nil
}

func (d *nodeDelegate) NotifyMsg([]byte)                       {}
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte        { return nil }
func (d *nodeDelegate) LocalState(join bool) []byte            { return nil }
func (d *nodeDelegate) MergeRemoteState(buf []byte, join bool) {}

var _ base.HealthReporter = (*impl)(nil)
