package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// DefaultPort is the default broker port.
const DefaultPort = 7443

// TLS configuration errors.
var (
	ErrNoCertificates = errors.New("no certificates found")
	ErrNoServerCert   = errors.New("server certificate is required")
)

// TLSConfig holds the client-side TLS settings for a broker connection.
type TLSConfig struct {
	// RootCAs is the pool of trusted CA certificates. Nil uses the system pool.
	RootCAs *x509.CertPool

	// ServerName overrides the name used for verification and SNI.
	// Empty uses the dialed host.
	ServerName string

	// Certificate is an optional client certificate.
	Certificate *tls.Certificate

	// InsecureSkipVerify disables certificate verification.
	// Only for testing - never use in production!
	InsecureSkipVerify bool
}

// NewClientTLSConfig creates a TLS configuration for dialing a broker.
// host is used as ServerName when cfg does not set one.
func NewClientTLSConfig(cfg *TLSConfig, host string) *tls.Config {
	if cfg == nil {
		cfg = &TLSConfig{}
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,

		// CA pool for verifying the broker certificate
		RootCAs: cfg.RootCAs,

		// Server name for verification
		ServerName: cfg.ServerName,

		// Curve preferences for key exchange
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},

		// For testing only
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = host
	}
	if cfg.Certificate != nil {
		tlsConfig.Certificates = []tls.Certificate{*cfg.Certificate}
	}

	return tlsConfig
}

// NewServerTLSConfig creates a TLS configuration for a broker endpoint.
// It is used by the in-process test broker.
func NewServerTLSConfig(cert tls.Certificate) (*tls.Config, error) {
	if len(cert.Certificate) == 0 {
		return nil, ErrNoServerCert
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
	}, nil
}

// LoadCertPool reads PEM-encoded CA certificates from path.
func LoadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("%w in %s", ErrNoCertificates, path)
	}
	return pool, nil
}
