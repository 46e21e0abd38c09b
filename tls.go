package gnats

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/pkcs12"
)

// TLSSettings is the closed set of TLS configurations:
// NoTLS, FilesTLS, ContextTLS and PKCS12TLS.
type TLSSettings interface {
	// clientConfig returns nil when TLS is not wanted.
	clientConfig() (*tls.Config, error)
}

// NoTLS disables TLS unless the server URL scheme asks for it.
type NoTLS struct{}

// FilesTLS builds a TLS configuration from PEM files.
// CertFile and KeyFile are optional and enable mutual TLS.
type FilesTLS struct {
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	MinVersion         string
	InsecureSkipVerify bool
}

// ContextTLS uses a caller-provided TLS configuration as is.
type ContextTLS struct {
	Config *tls.Config
}

// PKCS12TLS loads a client certificate and key from a PKCS#12 bundle.
type PKCS12TLS struct {
	File               string
	Password           string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

var errInvalidPEM = errors.New("no certificates found in PEM data")

func (NoTLS) clientConfig() (*tls.Config, error) {
	return nil, nil
}

func (c ContextTLS) clientConfig() (*tls.Config, error) {
	if c.Config == nil {
		return &tls.Config{MinVersion: tls.VersionTLS12}, nil
	}
	return c.Config.Clone(), nil
}

func (c FilesTLS) clientConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         parseTLSVersion(c.MinVersion),
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec // opt-in through configuration
	}

	if c.CAFile != "" {
		pool, err := loadCAFile(c.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if c.CertFile != "" || c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func (c PKCS12TLS) clientConfig() (*tls.Config, error) {
	data, err := os.ReadFile(c.File)
	if err != nil {
		return nil, fmt.Errorf("read pkcs12 bundle: %w", err)
	}

	key, leaf, err := pkcs12.Decode(data, c.Password)
	if err != nil {
		return nil, fmt.Errorf("decode pkcs12 bundle: %w", err)
	}

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec // opt-in through configuration
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{leaf.Raw},
			PrivateKey:  key,
			Leaf:        leaf,
		}},
	}

	if c.CAFile != "" {
		pool, err := loadCAFile(c.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

// loadCAFile appends the CA certificates to the system pool.
func loadCAFile(path string) (*x509.CertPool, error) {
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA file %s: %w", path, err)
	}

	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("parse CA file %s: %w", path, errInvalidPEM)
	}
	return pool, nil
}

// parseTLSVersion returns tls.VersionTLS12 if empty or unknown.
func parseTLSVersion(version string) uint16 {
	switch version {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}

// tlsConfigFor returns a per-connection copy with ServerName defaulted to host.
func tlsConfigFor(base *tls.Config, host string) *tls.Config {
	var cfg *tls.Config
	if base == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		cfg = base.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}
