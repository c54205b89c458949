package grpc

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/amirimatin/go-heartbeat/pkg/observability/tracing"
	"github.com/amirimatin/go-heartbeat/pkg/transport"
)

const (
	serviceName     = "heartbeat.v1.Node"
	methodHeartbeat = "/" + serviceName + "/Heartbeat"
	methodStatus    = "/" + serviceName + "/GetStatus"
	methodJoin      = "/" + serviceName + "/Join"
	methodLeave     = "/" + serviceName + "/Leave"
)

// Server implements transport.RPCServer over gRPC using a JSON codec.
type Server struct {
	bind   string
	tlsCfg *tls.Config

	mu  sync.Mutex
	lis net.Listener
	srv *grpc.Server
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS serves with cfg. A nil cfg keeps an insecure listener.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

type empty struct{}
type statusBlob struct {
	Data []byte `json:"data"`
}

// nodeServer is the handler type of the hand-written service descriptor.
type nodeServer interface {
	Heartbeat(ctx context.Context, in *transport.HeartbeatRequest) (*transport.HeartbeatResponse, error)
	GetStatus(ctx context.Context, in *empty) (*statusBlob, error)
	Join(ctx context.Context, in *transport.JoinRequest) (*transport.JoinResponse, error)
	Leave(ctx context.Context, in *transport.LeaveRequest) (*transport.LeaveResponse, error)
}

type nodeImpl struct{ h transport.Handlers }

func (n *nodeImpl) Heartbeat(ctx context.Context, in *transport.HeartbeatRequest) (*transport.HeartbeatResponse, error) {
	if n.h.Heartbeat == nil {
		return nil, status.Error(codes.Unimplemented, transport.ErrHeartbeatUnsupported.Error())
	}
	out, err := n.h.Heartbeat(ctx, *in)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (n *nodeImpl) GetStatus(ctx context.Context, _ *empty) (*statusBlob, error) {
	if n.h.Status == nil {
		return nil, status.Error(codes.Unimplemented, "status not supported")
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.status")
	defer end()
	b, err := n.h.Status(ctx)
	if err != nil {
		return nil, err
	}
	return &statusBlob{Data: b}, nil
}

func (n *nodeImpl) Join(ctx context.Context, in *transport.JoinRequest) (*transport.JoinResponse, error) {
	if n.h.Join == nil {
		return &transport.JoinResponse{Error: "join not supported"}, nil
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.join")
	defer end()
	out, err := n.h.Join(ctx, *in)
	if err != nil {
		return &transport.JoinResponse{Error: err.Error()}, nil
	}
	return &out, nil
}

func (n *nodeImpl) Leave(ctx context.Context, in *transport.LeaveRequest) (*transport.LeaveResponse, error) {
	if n.h.Leave == nil {
		return &transport.LeaveResponse{Error: "leave not supported"}, nil
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.leave")
	defer end()
	out, err := n.h.Leave(ctx, *in)
	if err != nil {
		return &transport.LeaveResponse{Error: err.Error()}, nil
	}
	return &out, nil
}

// unaryHandler adapts a typed method of nodeServer to grpc.MethodDesc.
func unaryHandler[In any](method string, call func(nodeServer, context.Context, *In) (any, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(In)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(nodeServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(nodeServer), ctx, req.(*In))
		})
	}
}

var nodeServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*nodeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Heartbeat", Handler: unaryHandler(methodHeartbeat, func(s nodeServer, ctx context.Context, in *transport.HeartbeatRequest) (any, error) {
			return s.Heartbeat(ctx, in)
		})},
		{MethodName: "GetStatus", Handler: unaryHandler(methodStatus, func(s nodeServer, ctx context.Context, in *empty) (any, error) {
			return s.GetStatus(ctx, in)
		})},
		{MethodName: "Join", Handler: unaryHandler(methodJoin, func(s nodeServer, ctx context.Context, in *transport.JoinRequest) (any, error) {
			return s.Join(ctx, in)
		})},
		{MethodName: "Leave", Handler: unaryHandler(methodLeave, func(s nodeServer, ctx context.Context, in *transport.LeaveRequest) (any, error) {
			return s.Leave(ctx, in)
		})},
	},
}

// Start listens on the bind address and serves until ctx is done or Stop is
// called.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
	lis, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
	}
	if s.tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg)))
	}
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, health.NewServer())
	srv.RegisterService(&nodeServiceDesc, &nodeImpl{h: h})

	s.mu.Lock()
	s.lis, s.srv = lis, srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(sctx)
	}()
	go func() { _ = srv.Serve(lis) }()
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.bind
}

// Stop drains in-flight calls, forcing a stop when ctx expires first.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv, s.lis = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	done := make(chan struct{})
	go func() { srv.GracefulStop(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		srv.Stop()
	}
	return nil
}

var _ transport.RPCServer = (*Server)(nil)
