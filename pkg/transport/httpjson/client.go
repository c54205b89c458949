package httpjson

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/amirimatin/go-heartbeat/pkg/transport"
)

// Client is a thin HTTP client for the node API. Management calls retry with
// backoff; heartbeats do not, since a missed probe is itself the signal.
type Client struct {
	httpc  *http.Client
	tr     *http.Transport
	scheme string
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	tr := &http.Transport{}
	return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, tr: tr, scheme: "http"}
}

// UseTLS switches the client to HTTPS with cfg. A nil cfg keeps plain HTTP.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
	if cfg != nil {
		c.tr.TLSClientConfig = cfg
		c.scheme = "https"
	}
	return c
}

func (c *Client) url(addr, path string) string { return fmt.Sprintf("%s://%s%s", c.scheme, addr, path) }

func (c *Client) Heartbeat(ctx context.Context, addr string, req transport.HeartbeatRequest) (transport.HeartbeatResponse, error) {
	var out transport.HeartbeatResponse
	status, b, err := c.post(ctx, c.url(addr, "/heartbeat"), req)
	if err != nil {
		return out, err
	}
	if status != http.StatusOK {
		return out, fmt.Errorf("heartbeat status %d: %s", status, bytes.TrimSpace(b))
	}
	err = json.Unmarshal(b, &out)
	return out, err
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	var out []byte
	err := retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(addr, "/status"), nil)
		if err != nil {
			return err
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
		}
		out = b
		return nil
	})
	return out, err
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
	var out transport.JoinResponse
	err := retry(ctx, func() error {
		out = transport.JoinResponse{}
		return c.management(ctx, c.url(addr, "/join"), req, &out, func() string { return out.Error })
	})
	return out, err
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
	var out transport.LeaveResponse
	err := retry(ctx, func() error {
		out = transport.LeaveResponse{}
		return c.management(ctx, c.url(addr, "/leave"), req, &out, func() string { return out.Error })
	})
	return out, err
}

func (c *Client) management(ctx context.Context, u string, in, out any, errField func() string) error {
	status, b, err := c.post(ctx, u, in)
	if err != nil {
		return err
	}
	_ = json.Unmarshal(b, out)
	if status != http.StatusOK {
		if msg := errField(); msg != "" {
			return errors.New(msg)
		}
		return fmt.Errorf("status %d: %s", status, bytes.TrimSpace(b))
	}
	return nil
}

func (c *Client) post(ctx context.Context, u string, in any) (int, []byte, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	return resp.StatusCode, b, err
}

// retry runs fn up to three times with exponential backoff unless ctx ends.
func retry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
		}
	}
	return lastErr
}

var _ transport.RPCClient = (*Client)(nil)
