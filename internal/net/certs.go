package net

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/cobrabft/cobra/common/log"
)

// CertManager is used to manage trusted certificates. It is most commonly used
// for testing with self signed certificates. By default, it returns the bundled
// set of certificates coming with the OS.
type CertManager struct {
	pool *x509.CertPool
	l    log.Logger
}

// NewCertManager returns a cert manager filled with the trusted certificates of
// the running system
func NewCertManager(l log.Logger) *CertManager {
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	return &CertManager{pool: pool, l: l}
}

// Pool returns the pool of trusted certificates
func (p *CertManager) Pool() *x509.CertPool {
	return p.pool
}

// Add tries to add the certificate at the given path to the pool and returns an
// error otherwise
func (p *CertManager) Add(certPath string) error {
	b, err := os.ReadFile(certPath)
	if err != nil {
		return err
	}
	if !p.pool.AppendCertsFromPEM(b) {
		return fmt.Errorf("peer cert: failed to append certificate %s", certPath)
	}
	p.l.Debugw("cert_manager", "add", "server cert path", certPath)
	return nil
}

// ServerConfig returns a TLS configuration presenting the key pair at
// certPath/keyPath and, when the manager is not nil, requiring client
// certificates signed by its pool.
func ServerConfig(certPath, keyPath string, clients *CertManager) (*tls.Config, error) {
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	conf := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{pair},
	}
	if clients != nil {
		conf.ClientCAs = clients.Pool()
		conf.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return conf, nil
}

// ClientConfig returns a TLS configuration trusting the manager's pool.
func ClientConfig(servers *CertManager) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    servers.Pool(),
	}
}
