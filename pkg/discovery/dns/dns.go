// Package dns discovers gossip seeds from SRV or A/AAAA records.
package dns

import (
	"context"
	"log"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/amirimatin/go-heartbeat/pkg/discovery"
	"github.com/amirimatin/go-heartbeat/pkg/internal/logutil"
)

// Options configures DNS-based discovery.
type Options struct {
	// Names are SRV records ("_hb._tcp.example.com"), hostnames, or literal
	// host:port seeds.
	Names []string
	// Port is used for A/AAAA answers, which carry none. Zero means 7946.
	Port int
	// Refresh bounds how long answers are cached. Zero means 5s.
	Refresh time.Duration
	// LookupTimeout bounds one resolution pass. Zero means 2s.
	LookupTimeout time.Duration

	Resolver *net.Resolver
	Logger   *log.Logger
	Clock    clockwork.Clock
}

type impl struct {
	opts Options

	mu    sync.Mutex
	last  time.Time
	cache []string
}

func New(opts Options) discovery.Discovery {
	if opts.Refresh <= 0 {
		opts.Refresh = 5 * time.Second
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 2 * time.Second
	}
	if opts.Port == 0 {
		opts.Port = 7946
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &impl{opts: opts}
}

// Seeds returns the cached answer while it is fresh and resolves again
// otherwise.
func (d *impl) Seeds() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.opts.Clock.Now()
	if len(d.cache) > 0 && now.Sub(d.last) < d.opts.Refresh {
		return append([]string(nil), d.cache...)
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.LookupTimeout)
	defer cancel()
	d.cache = d.resolveAll(ctx)
	d.last = now
	return append([]string(nil), d.cache...)
}

func (d *impl) resolveAll(ctx context.Context) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(hps ...string) {
		for _, hp := range hps {
			if _, ok := seen[hp]; !ok {
				seen[hp] = struct{}{}
				out = append(out, hp)
			}
		}
	}
	for _, name := range d.opts.Names {
		name = strings.TrimSpace(name)
		switch {
		case name == "":
		case isSRV(name):
			add(d.lookupSRV(ctx, name)...)
		case strings.Contains(name, ":"):
			add(name)
		default:
			add(d.lookupHost(ctx, name)...)
		}
	}
	sort.Strings(out)
	return out
}

func isSRV(name string) bool {
	return strings.HasPrefix(name, "_") && strings.Contains(name, "._")
}

func (d *impl) lookupSRV(ctx context.Context, fqdn string) []string {
	svc, proto, domain := parseSRVName(fqdn)
	if svc == "" {
		return nil
	}
	_, addrs, err := d.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
	if err != nil {
		logutil.Warnf(d.opts.Logger, "dns discovery: srv %s: %v", fqdn, err)
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, net.JoinHostPort(strings.TrimSuffix(a.Target, "."), strconv.Itoa(int(a.Port))))
	}
	return out
}

func (d *impl) lookupHost(ctx context.Context, host string) []string {
	ips, err := d.opts.Resolver.LookupHost(ctx, host)
	if err != nil {
		logutil.Warnf(d.opts.Logger, "dns discovery: host %s: %v", host, err)
		return nil
	}
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, net.JoinHostPort(ip, strconv.Itoa(d.opts.Port)))
	}
	return out
}

// parseSRVName splits "_service._proto.name".
func parseSRVName(fqdn string) (service, proto, name string) {
	parts := strings.SplitN(fqdn, ".", 3)
	if len(parts) < 3 || parts[2] == "" {
		return "", "", ""
	}
	return strings.TrimPrefix(parts[0], "_"), strings.TrimPrefix(parts[1], "_"), parts[2]
}
