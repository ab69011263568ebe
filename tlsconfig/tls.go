package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// ErrNoCertificates is returned when a CA file holds no usable PEM certificates.
var ErrNoCertificates = errors.New("tlsconfig: no certificates found in CA file")

// Options tunes the client TLS configuration used for STARTTLS.
type Options struct {
	CAFile             string // extra roots, e.g. for a private relay
	InsecureSkipVerify bool
}

// Builder produces per-server client configs from shared Options. The CA pool
// is read once.
type Builder struct {
	roots    *x509.CertPool
	insecure bool
}

// NewBuilder loads opts.CAFile, if any.
func NewBuilder(opts Options) (*Builder, error) {
	b := &Builder{insecure: opts.InsecureSkipVerify}
	if opts.CAFile == "" {
		return b, nil
	}
	pemData, err := os.ReadFile(opts.CAFile)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: read CA file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, ErrNoCertificates
	}
	b.roots = pool
	return b, nil
}

// ClientConfig returns a TLS config for connecting to serverName.
func (b *Builder) ClientConfig(serverName string) *tls.Config {
	conf := &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}
	if b == nil {
		return conf
	}
	conf.RootCAs = b.roots
	conf.InsecureSkipVerify = b.insecure
	return conf
}
