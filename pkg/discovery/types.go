package discovery

import (
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/newtricks/courage-go/pkg/client"
	"github.com/newtricks/courage-go/pkg/transport"
)

const (
	// ServiceType is the DNS-SD service type of a broker.
	ServiceType = "_courage._tcp"

	// Domain is the mDNS domain.
	Domain = "local"

	// DefaultPort is the default broker port.
	DefaultPort = transport.DefaultPort

	// BrowseTimeout is the default browse duration.
	BrowseTimeout = 10 * time.Second

	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63
)

// TXT record keys.
const (
	TXTKeyProvider = "pid"
	TXTKeyTLS      = "tls"
	TXTKeyVersion  = "ver"
)

// Discovery errors.
var (
	ErrNotFound            = errors.New("broker not found")
	ErrMissingRequired     = errors.New("missing required TXT record")
	ErrInvalidProvider     = errors.New("invalid provider id")
	ErrInstanceNameTooLong = errors.New("instance name too long")
)

// BrokerInfo is what a broker advertises.
type BrokerInfo struct {
	// InstanceName is the DNS-SD instance name.
	InstanceName string

	// Port is the broker port (default: 7443).
	Port uint16

	// ProviderID is the provider served by the broker.
	ProviderID uuid.UUID

	// TLS is true when the broker requires TLS.
	TLS bool

	// Version is the broker protocol version (optional).
	Version string
}

// BrokerService is a discovered broker.
type BrokerService struct {
	// InstanceName is the DNS-SD instance name.
	InstanceName string

	// Host is the advertised host name.
	Host string

	// Port is the broker port.
	Port uint16

	// Addresses are the resolved IP addresses, aggregated across interfaces.
	Addresses []string

	// ProviderID is the provider served by the broker.
	ProviderID uuid.UUID

	// TLS is true when the broker requires TLS.
	TLS bool

	// Version is the broker protocol version, if advertised.
	Version string
}

// Address returns host:port using the first resolved address, falling back
// to the host name.
func (s *BrokerService) Address() string {
	host := s.Host
	if len(s.Addresses) > 0 {
		host = s.Addresses[0]
	}
	return net.JoinHostPort(host, strconv.Itoa(int(s.Port)))
}

// ClientConfig returns a client configuration for the broker. With TLS the
// advertised host name is used for certificate verification.
func (s *BrokerService) ClientConfig() client.Config {
	cfg := client.DefaultConfig()
	cfg.Host = s.Host
	if len(s.Addresses) > 0 {
		cfg.Host = s.Addresses[0]
	}
	if s.Port != 0 {
		cfg.Port = s.Port
	}
	cfg.ProviderID = s.ProviderID
	if s.TLS {
		cfg.TLS = &transport.TLSConfig{ServerName: trimDot(s.Host)}
	}
	return cfg
}

// DSN returns a data source name for the broker.
func (s *BrokerService) DSN() string {
	return s.ClientConfig().DSN()
}

func trimDot(host string) string {
	if n := len(host); n > 0 && host[n-1] == '.' {
		return host[:n-1]
	}
	return host
}
