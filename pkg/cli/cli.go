package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amirimatin/go-heartbeat/pkg/bootstrap"
	"github.com/amirimatin/go-heartbeat/pkg/internal/logutil"
	"github.com/amirimatin/go-heartbeat/pkg/load"
	"github.com/amirimatin/go-heartbeat/pkg/observability/tracing"
	"github.com/amirimatin/go-heartbeat/pkg/security/tlsconfig"
	"github.com/amirimatin/go-heartbeat/pkg/transport"
	rpcgrpc "github.com/amirimatin/go-heartbeat/pkg/transport/grpc"
	"github.com/amirimatin/go-heartbeat/pkg/transport/httpjson"
)

// AddAll attaches run/status/probe/join/leave to root.
func AddAll(root *cobra.Command) {
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewStatusCmd())
	root.AddCommand(NewProbeCmd())
	root.AddCommand(NewJoinCmd())
	root.AddCommand(NewLeaveCmd())
}

func newClient(proto string, timeout time.Duration, tlsOpts tlsconfig.Options) (transport.RPCClient, error) {
	cfg, err := tlsOpts.Client()
	if err != nil {
		return nil, err
	}
	switch proto {
	case "grpc":
		return rpcgrpc.NewClient(timeout).UseTLS(cfg), nil
	case "", "http":
		return httpjson.NewClient(timeout).UseTLS(cfg), nil
	default:
		return nil, fmt.Errorf("unknown rpc protocol %q", proto)
	}
}

func registerTLS(cmd *cobra.Command, o *tlsconfig.Options) {
	f := cmd.Flags()
	f.BoolVar(&o.Enable, "tls", false, "use TLS for RPC")
	f.StringVar(&o.CAFile, "tls-ca", "", "CA bundle; on servers it also requires client certificates")
	f.StringVar(&o.CertFile, "tls-cert", "", "certificate file")
	f.StringVar(&o.KeyFile, "tls-key", "", "private key file")
	f.StringVar(&o.ServerName, "tls-server-name", "", "expected server name (client side)")
	f.BoolVar(&o.InsecureSkipVerify, "tls-skip-verify", false, "skip server certificate verification (dev only)")
}

// clientFlags are shared by the commands that talk to a running node.
type clientFlags struct {
	addr    string
	proto   string
	timeout time.Duration
	tls     tlsconfig.Options
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "127.0.0.1:17946", "RPC address of a node (host:port)")
	cmd.Flags().StringVar(&f.proto, "rpc-proto", "http", "RPC protocol: http|grpc")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 3*time.Second, "request timeout")
	registerTLS(cmd, &f.tls)
}

func (f *clientFlags) dial() (transport.RPCClient, context.Context, context.CancelFunc, error) {
	client, err := newClient(f.proto, f.timeout, f.tls)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	return client, ctx, cancel, nil
}

// NewRunCmd returns the "run" command that starts a node.
func NewRunCmd() *cobra.Command {
	var (
		cfg         bootstrap.Config
		traceEnable bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a config or data node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.NodeID == "" {
				return fmt.Errorf("missing --id")
			}
			ctx, cancel := signalContext()
			defer cancel()

			if traceEnable {
				shutdown, err := tracing.Setup(true)
				if err != nil {
					log.Printf("tracing setup error: %v", err)
				} else {
					defer func() { _ = shutdown(context.Background()) }()
				}
			}

			cfg.Logger = log.Default()
			cfg.OnChange = func(ch load.Changes) {
				logutil.Infof(cfg.Logger, "refresh: %d status change(s), %d leader change(s)", len(ch.Nodes), len(ch.Leaders))
			}
			node, err := bootstrap.Run(ctx, cfg)
			if err != nil {
				return err
			}
			defer node.Stop(context.Background())

			fmt.Printf("%s node %s running. Press Ctrl+C to exit.\n", cfg.Role, cfg.NodeID)
			<-ctx.Done()
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.NodeID, "id", "", "node id (required)")
	f.StringVar(&cfg.Role, "role", "config", "node role: config|data")
	f.IntVar(&cfg.DataNodeID, "data-node-id", 0, "numeric data node id (role=data)")
	f.StringVar(&cfg.Group, "group", "", "consensus group replicated by a data node, e.g. DataRegion-1")
	f.StringVar(&cfg.RaftAddr, "raft-addr", ":9520", "raft bind addr (tcp)")
	f.StringVar(&cfg.DataDir, "data", "", "raft data dir; empty keeps raft state in memory")
	f.BoolVar(&cfg.Bootstrap, "bootstrap", false, "bootstrap the group with this node as its only voter")
	f.StringVar(&cfg.JoinGroup, "join-group", "", "RPC address of a group replica to join after start")
	f.StringVar(&cfg.MemBind, "mem-bind", ":7946", "membership bind addr (host:port)")
	f.StringVar(&cfg.MemAdv, "mem-adv", "", "membership advertise addr (host:port, optional)")
	f.StringVar(&cfg.SeedsCSV, "join", "", "comma-separated membership seeds (host:port)")
	f.StringVar(&cfg.SeedsDNS, "seeds-dns", "", "comma-separated SRV or host names resolved to membership seeds")
	f.StringVar(&cfg.SeedsFile, "seeds-file", "", "file (or glob) listing membership seeds")
	f.StringVar(&cfg.SeedsEnv, "seeds-env", "", "environment variable holding comma-separated seeds; overrides --seeds-file")
	f.StringVar(&cfg.EtcdEndpoints, "etcd", "", "comma-separated etcd endpoints for seed registration and lookup")
	f.StringVar(&cfg.EtcdPrefix, "etcd-prefix", "", "etcd key prefix for node registrations (default /heartbeat/nodes/)")
	f.StringVar(&cfg.RPCAddr, "rpc-addr", ":17946", "heartbeat and management RPC address")
	f.StringVar(&cfg.RPCAdvertise, "rpc-adv", "", "RPC address gossiped to peers (optional)")
	f.StringVar(&cfg.RPCProto, "rpc-proto", "http", "RPC protocol: http|grpc")
	f.DurationVar(&cfg.ProbeInterval, "probe-interval", load.DefaultProbeInterval, "heartbeat probe interval (role=config)")
	f.DurationVar(&cfg.RefreshInterval, "refresh-interval", load.DefaultRefreshInterval, "load statistic refresh interval (role=config)")
	f.DurationVar(&cfg.ProbeTimeout, "probe-timeout", load.DefaultProbeTimeout, "timeout of one heartbeat probe")
	f.BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
	registerTLS(cmd, &cfg.TLS)
	return cmd
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch a node's status, including load statistics on config nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx, cancel, err := cf.dial()
			if err != nil {
				return err
			}
			defer cancel()
			data, err := client.GetStatus(ctx, cf.addr)
			if err != nil {
				return fmt.Errorf("status error: %w", err)
			}
			_, _ = os.Stdout.Write(data)
			if len(data) == 0 || data[len(data)-1] != '\n' {
				_, _ = os.Stdout.Write([]byte("\n"))
			}
			return nil
		},
	}
	cf.register(cmd)
	return cmd
}

// NewProbeCmd returns the "probe" command that sends one heartbeat.
func NewProbeCmd() *cobra.Command {
	var (
		cf          clientFlags
		judgeLeader bool
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Send one heartbeat probe and print the response",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx, cancel, err := cf.dial()
			if err != nil {
				return err
			}
			defer cancel()
			req := transport.HeartbeatRequest{Timestamp: time.Now().UnixMilli(), NeedJudgeLeader: judgeLeader}
			resp, err := client.Heartbeat(ctx, cf.addr, req)
			if err != nil {
				return fmt.Errorf("probe error: %w", err)
			}
			return json.NewEncoder(os.Stdout).Encode(resp)
		},
	}
	cf.register(cmd)
	cmd.Flags().BoolVar(&judgeLeader, "judge-leader", true, "ask the node for its leadership judgments")
	return cmd
}

// NewJoinCmd returns the "join" command.
func NewJoinCmd() *cobra.Command {
	var (
		cf  clientFlags
		req transport.JoinRequest
	)
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Ask a group leader to add a replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.ID == "" || req.RaftAddr == "" {
				return fmt.Errorf("missing required flags: --id and --raft-addr")
			}
			client, ctx, cancel, err := cf.dial()
			if err != nil {
				return err
			}
			defer cancel()
			resp, err := client.PostJoin(ctx, cf.addr, req)
			if err != nil {
				return fmt.Errorf("join error: %w", err)
			}
			return json.NewEncoder(os.Stdout).Encode(resp)
		},
	}
	cf.register(cmd)
	cmd.Flags().StringVar(&req.ID, "id", "", "replica id to add (required)")
	cmd.Flags().StringVar(&req.RaftAddr, "raft-addr", "", "replica raft address (required)")
	cmd.Flags().StringVar(&req.RPCAddr, "replica-rpc", "", "replica RPC address (optional)")
	cmd.Flags().Int32Var((*int32)(&req.DataNodeID), "data-node-id", 0, "replica data node id")
	return cmd
}

// NewLeaveCmd returns the "leave" command.
func NewLeaveCmd() *cobra.Command {
	var (
		cf clientFlags
		id string
	)
	cmd := &cobra.Command{
		Use:   "leave",
		Short: "Ask a group leader to remove a replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("missing required flag: --id")
			}
			client, ctx, cancel, err := cf.dial()
			if err != nil {
				return err
			}
			defer cancel()
			resp, err := client.PostLeave(ctx, cf.addr, transport.LeaveRequest{ID: id})
			if err != nil {
				return fmt.Errorf("leave error: %w", err)
			}
			return json.NewEncoder(os.Stdout).Encode(resp)
		},
	}
	cf.register(cmd)
	cmd.Flags().StringVar(&id, "id", "", "replica id to remove (required)")
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
