package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/amirimatin/go-heartbeat/pkg/transport"
)

// Client calls the node service of other nodes over cached connections.
type Client struct {
	timeout time.Duration
	tlsCfg  *tls.Config
	once    sync.Once
	cm      *ConnManager
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{timeout: timeout}
}

// UseTLS dials with cfg instead of insecure credentials. Call it before the
// first request.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dial(ctx context.Context, target string) (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	if c.tlsCfg != nil {
		creds = credentials.NewTLS(c.tlsCfg)
	}
	return grpc.DialContext(ctx, target,
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype(codecName)),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
		grpc.WithTransportCredentials(creds),
		grpc.WithBlock(),
	)
}

func (c *Client) conns() *ConnManager {
	c.once.Do(func() { c.cm = NewConnManager(30*time.Second, c.dial, nil) })
	return c.cm
}

func (c *Client) invoke(ctx context.Context, addr, method string, in, out any) error {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cc, rel, err := c.conns().Get(cctx, addr)
	if err != nil {
		return err
	}
	defer rel()
	return cc.Invoke(cctx, method, in, out)
}

func (c *Client) Heartbeat(ctx context.Context, addr string, req transport.HeartbeatRequest) (transport.HeartbeatResponse, error) {
	var resp transport.HeartbeatResponse
	err := c.invoke(ctx, addr, methodHeartbeat, &req, &resp)
	return resp, err
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	out := new(statusBlob)
	if err := c.invoke(ctx, addr, methodStatus, &empty{}, out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
	var resp transport.JoinResponse
	err := c.invoke(ctx, addr, methodJoin, &req, &resp)
	return resp, err
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
	var resp transport.LeaveResponse
	if err := c.invoke(ctx, addr, methodLeave, &req, &resp); err != nil {
		return resp, err
	}
	if resp.Error != "" && !resp.Accepted {
		return resp, errors.New(resp.Error)
	}
	return resp, nil
}

// Close releases every cached connection.
func (c *Client) Close() {
	if c.cm != nil {
		c.cm.Close()
	}
}

var _ transport.RPCClient = (*Client)(nil)
