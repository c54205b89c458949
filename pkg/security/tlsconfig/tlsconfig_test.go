package tlsconfig_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/amirimatin/go-heartbeat/pkg/security/tlsconfig"
	"github.com/amirimatin/go-heartbeat/pkg/transport"
	"github.com/amirimatin/go-heartbeat/pkg/transport/httpjson"
)

// writeSelfSigned writes a self-signed CA-capable certificate for 127.0.0.1
// and returns the cert and key paths.
func writeSelfSigned(t *testing.T, dir, cn string) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	certPath, keyPath := filepath.Join(dir, cn+".crt"), filepath.Join(dir, cn+".key")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certPath, keyPath
}

func TestDisabled(t *testing.T) {
	var o tlsconfig.Options
	if cfg, err := o.Server(); cfg != nil || err != nil {
		t.Fatalf("Server() = %v, %v; want nil, nil", cfg, err)
	}
	if cfg, err := o.Client(); cfg != nil || err != nil {
		t.Fatalf("Client() = %v, %v; want nil, nil", cfg, err)
	}
}

func TestServer_RequiresKeyPair(t *testing.T) {
	_, err := tlsconfig.Options{Enable: true}.Server()
	if !errors.Is(err, tlsconfig.ErrNoKeyPair) {
		t.Fatalf("err = %v, want ErrNoKeyPair", err)
	}
	_, err = tlsconfig.Options{Enable: true, CertFile: "/nope.crt", KeyFile: "/nope.key"}.Server()
	if err == nil {
		t.Fatalf("expected error for missing files")
	}
}

func TestServer_ReloadsAfterTTL(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSigned(t, dir, "node")
	clock := clockwork.NewFakeClock()
	cfg, err := tlsconfig.Options{Enable: true, CertFile: certPath, KeyFile: keyPath, CAFile: certPath, ReloadTTL: time.Minute, Clock: clock}.Server()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Fatalf("CA file must require client certificates")
	}
	first, err := cfg.GetCertificate(nil)
	if err != nil {
		t.Fatal(err)
	}

	// Rotate on disk: the cached pair is served until the TTL passes.
	c2, k2 := writeSelfSigned(t, t.TempDir(), "node")
	for src, dst := range map[string]string{c2: certPath, k2: keyPath} {
		b, err := os.ReadFile(src)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(dst, b, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	again, _ := cfg.GetCertificate(nil)
	if again != first {
		t.Fatalf("expected cached certificate before TTL")
	}
	clock.Advance(time.Minute)
	rotated, _ := cfg.GetCertificate(nil)
	if rotated == first {
		t.Fatalf("expected reloaded certificate after TTL")
	}
}

func TestHTTPJSON_MutualTLS(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSigned(t, dir, "node")
	opts := tlsconfig.Options{Enable: true, CAFile: certPath, CertFile: certPath, KeyFile: keyPath}
	srvTLS, err := opts.Server()
	if err != nil {
		t.Fatal(err)
	}
	cliTLS, err := opts.Client()
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httpjson.NewServer("127.0.0.1:0", nil).UseTLS(srvTLS)
	err = srv.Start(ctx, transport.Handlers{
		Heartbeat: func(context.Context, transport.HeartbeatRequest) (transport.HeartbeatResponse, error) {
			return transport.HeartbeatResponse{HeartbeatTimestamp: 42}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Stop(context.Background())

	resp, err := httpjson.NewClient(2*time.Second).UseTLS(cliTLS).Heartbeat(ctx, srv.Addr(), transport.HeartbeatRequest{})
	if err != nil {
		t.Fatalf("mTLS heartbeat: %v", err)
	}
	if resp.HeartbeatTimestamp != 42 {
		t.Fatalf("timestamp = %d, want 42", resp.HeartbeatTimestamp)
	}

	if _, err := httpjson.NewClient(time.Second).Heartbeat(ctx, srv.Addr(), transport.HeartbeatRequest{}); err == nil {
		t.Fatalf("plain HTTP against a TLS listener must fail")
	}
}
