// Package etcd keeps a lease-bound registry of gossip addresses in etcd and
// serves it as a seed source.
package etcd

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/amirimatin/go-heartbeat/pkg/discovery"
	"github.com/amirimatin/go-heartbeat/pkg/internal/logutil"
)

const DefaultPrefix = "/heartbeat/nodes/"

// Options configures etcd discovery.
type Options struct {
	Endpoints []string
	// Prefix namespaces the node keys. Zero means DefaultPrefix.
	Prefix string
	// DialTimeout defaults to 5s, RequestTimeout to 2s.
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	Logger         *log.Logger

	// Client, when set, is used instead of dialing Endpoints and is not
	// closed by Close.
	Client *clientv3.Client
}

// Discovery lists registered nodes as seeds and registers the local one.
type Discovery struct {
	opts Options
	cli  *clientv3.Client
	own  bool

	mu    sync.Mutex
	lease clientv3.LeaseID
}

var _ discovery.Discovery = (*Discovery)(nil)

func New(opts Options) (*Discovery, error) {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if !strings.HasSuffix(opts.Prefix, "/") {
		opts.Prefix += "/"
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Client != nil {
		return &Discovery{opts: opts, cli: opts.Client}, nil
	}
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("etcd discovery: no endpoints")
	}
	cli, err := clientv3.New(clientv3.Config{Endpoints: opts.Endpoints, DialTimeout: opts.DialTimeout})
	if err != nil {
		return nil, err
	}
	return &Discovery{opts: opts, cli: cli, own: true}, nil
}

func (d *Discovery) key(id string) string { return d.opts.Prefix + id }

// Seeds returns the addresses currently registered under the prefix. Errors
// are logged and yield no seeds.
func (d *Discovery) Seeds() []string {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.RequestTimeout)
	defer cancel()
	resp, err := d.cli.Get(ctx, d.opts.Prefix, clientv3.WithPrefix())
	if err != nil {
		logutil.Warnf(d.opts.Logger, "etcd discovery: list %s: %v", d.opts.Prefix, err)
		return nil
	}
	return seedsFromKVs(d.opts.Prefix, resp.Kvs)
}

// seedsFromKVs extracts the sorted, de-duplicated addresses of node keys
// directly below prefix.
func seedsFromKVs(prefix string, kvs []*mvccpb.KeyValue) []string {
	set := make(map[string]struct{}, len(kvs))
	for _, kv := range kvs {
		id := strings.TrimPrefix(string(kv.Key), prefix)
		addr := strings.TrimSpace(string(kv.Value))
		if id == "" || strings.Contains(id, "/") || addr == "" {
			continue
		}
		set[addr] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Register stores id -> addr under a lease of ttl seconds and keeps it alive
// until ctx is done. The key disappears at most ttl after the process dies.
func (d *Discovery) Register(ctx context.Context, id, addr string, ttl int64) error {
	if ttl <= 0 {
		ttl = 10
	}
	rctx, cancel := context.WithTimeout(ctx, d.opts.RequestTimeout)
	defer cancel()
	lease, err := d.cli.Grant(rctx, ttl)
	if err != nil {
		return err
	}
	if _, err := d.cli.Put(rctx, d.key(id), addr, clientv3.WithLease(lease.ID)); err != nil {
		return err
	}
	ka, err := d.cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.lease = lease.ID
	d.mu.Unlock()
	go func() {
		for range ka {
		}
		if ctx.Err() == nil {
			logutil.Warnf(d.opts.Logger, "etcd discovery: keepalive of %s ended", d.key(id))
		}
	}()
	logutil.Infof(d.opts.Logger, "etcd discovery: registered %s -> %s (ttl %ds)", d.key(id), addr, ttl)
	return nil
}

// Close revokes the registration lease and closes a client dialed by New.
func (d *Discovery) Close() error {
	d.mu.Lock()
	lease := d.lease
	d.lease = 0
	d.mu.Unlock()
	if lease != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.RequestTimeout)
		_, _ = d.cli.Revoke(ctx, lease)
		cancel()
	}
	if d.own {
		return d.cli.Close()
	}
	return nil
}
