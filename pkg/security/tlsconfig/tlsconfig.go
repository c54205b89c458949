// Package tlsconfig builds mutual-TLS configurations for the heartbeat and
// management RPC endpoints.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultReloadTTL is how long a loaded key pair is reused before the files
// are read again.
const DefaultReloadTTL = 10 * time.Second

var ErrNoKeyPair = errors.New("tlsconfig: cert and key files are required")

// Options defines mTLS inputs. A zero Options disables TLS.
type Options struct {
	Enable             bool
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
	ServerName         string

	// ReloadTTL bounds how long a key pair is cached; certificates rotated on
	// disk are picked up on the next handshake after it expires.
	ReloadTTL time.Duration
	Clock     clockwork.Clock
}

// Server returns the server side config, or nil when TLS is disabled. With a
// CA file, clients must present a certificate signed by it.
func (o Options) Server() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	if o.CertFile == "" || o.KeyFile == "" {
		return nil, ErrNoKeyPair
	}
	kp := o.keyPair()
	if _, err := kp.get(); err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return kp.get() },
	}
	if o.CAFile != "" {
		pool, err := loadPool(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// Client returns the client side config, or nil when TLS is disabled. The
// client certificate is optional.
func (o Options) Client() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         o.ServerName,
		InsecureSkipVerify: o.InsecureSkipVerify, //nolint:gosec
	}
	if o.CAFile != "" {
		pool, err := loadPool(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if o.CertFile != "" && o.KeyFile != "" {
		kp := o.keyPair()
		if _, err := kp.get(); err != nil {
			return nil, err
		}
		cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return kp.get() }
	}
	return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("tlsconfig: no certificates in %s", path)
	}
	return pool, nil
}

func (o Options) keyPair() *keyPair {
	if o.ReloadTTL <= 0 {
		o.ReloadTTL = DefaultReloadTTL
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return &keyPair{cert: o.CertFile, key: o.KeyFile, ttl: o.ReloadTTL, clock: o.Clock}
}

// keyPair caches a certificate read from disk for ttl.
type keyPair struct {
	cert, key string
	ttl       time.Duration
	clock     clockwork.Clock

	mu     sync.Mutex
	cached *tls.Certificate
	loaded time.Time
}

func (k *keyPair) get() (*tls.Certificate, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := k.clock.Now()
	if k.cached != nil && now.Sub(k.loaded) < k.ttl {
		return k.cached, nil
	}
	c, err := tls.LoadX509KeyPair(k.cert, k.key)
	if err != nil {
		if k.cached != nil {
			// Keep serving the previous pair while a rotation is half written.
			return k.cached, nil
		}
		return nil, err
	}
	k.cached, k.loaded = &c, now
	return k.cached, nil
}
