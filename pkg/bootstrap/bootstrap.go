package bootstrap

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/amirimatin/go-heartbeat/pkg/cluster"
	consraft "github.com/amirimatin/go-heartbeat/pkg/consensus/raft"
	"github.com/amirimatin/go-heartbeat/pkg/discovery"
	dDNS "github.com/amirimatin/go-heartbeat/pkg/discovery/dns"
	dEtcd "github.com/amirimatin/go-heartbeat/pkg/discovery/etcd"
	dFile "github.com/amirimatin/go-heartbeat/pkg/discovery/file"
	dStatic "github.com/amirimatin/go-heartbeat/pkg/discovery/static"
	hb "github.com/amirimatin/go-heartbeat/pkg/heartbeat"
	"github.com/amirimatin/go-heartbeat/pkg/internal/logutil"
	"github.com/amirimatin/go-heartbeat/pkg/load"
	"github.com/amirimatin/go-heartbeat/pkg/membership"
	ml "github.com/amirimatin/go-heartbeat/pkg/membership/memberlist"
	"github.com/amirimatin/go-heartbeat/pkg/security/tlsconfig"
	"github.com/amirimatin/go-heartbeat/pkg/transport"
	rpcgrpc "github.com/amirimatin/go-heartbeat/pkg/transport/grpc"
	"github.com/amirimatin/go-heartbeat/pkg/transport/httpjson"
)

// Config holds the high-level inputs of a node. The CLI fills it from flags;
// embedding services fill it directly and call Build or Run.
type Config struct {
	NodeID string
	// Role is "config" or "data".
	Role string

	// Data node identity and the consensus group it replicates. An empty
	// Group disables consensus.
	DataNodeID int
	Group      string
	RaftAddr   string
	DataDir    string
	Bootstrap  bool
	// JoinGroup is the RPC address of a group replica to join after start.
	JoinGroup string

	MemBind  string
	MemAdv   string
	SeedsCSV string
	// SeedsDNS lists comma-separated SRV or host names resolved for seeds.
	SeedsDNS string
	// SeedsFile is a seed file (or glob); SeedsEnv names an environment
	// variable that overrides it.
	SeedsFile string
	SeedsEnv  string
	// EtcdEndpoints (comma-separated) enables etcd discovery: the node
	// registers its gossip address under EtcdPrefix and reads seeds from it.
	EtcdEndpoints string
	EtcdPrefix    string

	// RPCAddr serves heartbeats and management. RPCAdvertise is gossiped to
	// peers; empty derives it from RPCAddr.
	RPCAddr      string
	RPCAdvertise string
	RPCProto     string // "http" (default) or "grpc"
	// TLS secures the RPC server and the probe/management client.
	TLS tlsconfig.Options

	ProbeInterval   time.Duration
	RefreshInterval time.Duration
	ProbeTimeout    time.Duration

	Logger   *log.Logger
	OnChange func(load.Changes)
}

// advertise returns addr with an unspecified host replaced by loopback.
func advertise(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("bootstrap: invalid address %q: %w", addr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port), nil
}

func newRPC(cfg Config) (transport.RPCServer, transport.RPCClient, error) {
	srvTLS, err := cfg.TLS.Server()
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap: server tls: %w", err)
	}
	cliTLS, err := cfg.TLS.Client()
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap: client tls: %w", err)
	}
	switch cfg.RPCProto {
	case "grpc":
		return rpcgrpc.NewServer(cfg.RPCAddr).UseTLS(srvTLS), rpcgrpc.NewClient(cfg.ProbeTimeout).UseTLS(cliTLS), nil
	case "", "http":
		return httpjson.NewServer(cfg.RPCAddr, cfg.Logger).UseTLS(srvTLS), httpjson.NewClient(cfg.ProbeTimeout).UseTLS(cliTLS), nil
	default:
		return nil, nil, fmt.Errorf("bootstrap: unknown rpc protocol %q", cfg.RPCProto)
	}
}

// seeds merges every configured seed source.
func seeds(cfg Config, extra ...discovery.Discovery) discovery.Discovery {
	ds := append([]discovery.Discovery{dStatic.New(dStatic.Parse(cfg.SeedsCSV)...)}, extra...)
	if cfg.SeedsDNS != "" {
		ds = append(ds, dDNS.New(dDNS.Options{Names: dStatic.Parse(cfg.SeedsDNS), Logger: cfg.Logger}))
	}
	if cfg.SeedsFile != "" || cfg.SeedsEnv != "" {
		ds = append(ds, dFile.New(dFile.Options{Path: cfg.SeedsFile, Env: cfg.SeedsEnv}))
	}
	return discovery.Union(ds...)
}

// Build assembles a cluster.Cluster from cfg without starting it.
func Build(cfg Config) (*cluster.Cluster, error) {
	cl, _, err := build(cfg)
	return cl, err
}

func newEtcd(cfg Config) (*dEtcd.Discovery, error) {
	if cfg.EtcdEndpoints == "" {
		return nil, nil
	}
	return dEtcd.New(dEtcd.Options{Endpoints: dStatic.Parse(cfg.EtcdEndpoints), Prefix: cfg.EtcdPrefix, Logger: cfg.Logger})
}

func build(cfg Config) (*cluster.Cluster, *dEtcd.Discovery, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	role := load.Role(cfg.Role)
	if role != load.RoleConfig && role != load.RoleData {
		return nil, nil, fmt.Errorf("%w: %q", cluster.ErrUnknownRole, cfg.Role)
	}

	rpcAdv := cfg.RPCAdvertise
	if rpcAdv == "" {
		a, err := advertise(cfg.RPCAddr)
		if err != nil {
			return nil, nil, err
		}
		rpcAdv = a
	}
	ed, err := newEtcd(cfg)
	if err != nil {
		return nil, nil, err
	}
	srv, cli, err := newRPC(cfg)
	if err != nil {
		return nil, nil, err
	}
	disc := seeds(cfg)
	if ed != nil {
		disc = seeds(cfg, ed)
	}

	meta := map[string]string{
		membership.MetaRole:    string(role),
		membership.MetaRPCAddr: rpcAdv,
	}

	opts := cluster.Options{
		NodeID:          cfg.NodeID,
		Role:            role,
		Discovery:       disc,
		RPCServer:       srv,
		RPCClient:       cli,
		Logger:          cfg.Logger,
		ProbeInterval:   cfg.ProbeInterval,
		RefreshInterval: cfg.RefreshInterval,
		ProbeTimeout:    cfg.ProbeTimeout,
		OnChange:        cfg.OnChange,
	}

	if role == load.RoleData {
		opts.DataNodeID = hb.DataNodeID(cfg.DataNodeID)
		meta[membership.MetaDataNodeID] = strconv.Itoa(cfg.DataNodeID)
		if cfg.Group != "" {
			g, err := hb.ParseGroupID(cfg.Group)
			if err != nil {
				return nil, nil, err
			}
			cons, err := consraft.New(consraft.Options{NodeID: cfg.NodeID, BindAddr: cfg.RaftAddr, DataDir: cfg.DataDir, Bootstrap: cfg.Bootstrap, Logger: cfg.Logger})
			if err != nil {
				return nil, nil, err
			}
			opts.Group = g
			opts.Consensus = cons
			meta[membership.MetaGroup] = g.String()
			meta[membership.MetaRaftAddr] = cfg.RaftAddr
		}
	}

	mem, err := ml.New(ml.Options{NodeID: cfg.NodeID, Bind: cfg.MemBind, Advertise: cfg.MemAdv, Logger: cfg.Logger, Meta: meta})
	if err != nil {
		return nil, nil, err
	}
	opts.Membership = mem
	cl, err := cluster.New(opts)
	return cl, ed, err
}

// Run builds and starts a node, registers it in etcd when configured and,
// when JoinGroup is set, joins its consensus group. The caller stops the
// returned node; the etcd registration ends with ctx.
func Run(ctx context.Context, cfg Config) (*cluster.Cluster, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	cl, ed, err := build(cfg)
	if err != nil {
		return nil, err
	}
	if err := cl.Start(ctx); err != nil {
		return nil, err
	}
	if ed != nil {
		go func() {
			<-ctx.Done()
			_ = ed.Close()
		}()
		memAdv := cfg.MemAdv
		if memAdv == "" {
			memAdv, _ = advertise(cfg.MemBind)
		}
		if err := ed.Register(ctx, cfg.NodeID, memAdv, 10); err != nil {
			logutil.Warnf(cfg.Logger, "etcd registration failed: %v", err)
		}
	}
	if cfg.JoinGroup != "" {
		if err := cl.Join(ctx, cfg.JoinGroup); err != nil {
			_ = cl.Stop(context.Background())
			return nil, fmt.Errorf("bootstrap: join group %s: %w", cfg.Group, err)
		}
	}
	return cl, nil
}
