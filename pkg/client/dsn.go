package client

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/newtricks/courage-go/pkg/transport"
	"github.com/newtricks/courage-go/pkg/wire"
)

// DSN schemes.
const (
	SchemePlain = "courage"
	SchemeTLS   = "courages"
)

// ParseDSN parses a data source name of the form
//
//	courage://host:port?provider=<uuid>&device=<uuid>&options=replay,replay-only
//
// The courages scheme, or tls=true, enables TLS. The port defaults to 7443.
// Unset fields keep their DefaultConfig values.
func ParseDSN(dsn string) (Config, error) {
	cfg := DefaultConfig()

	u, err := url.Parse(dsn)
	if err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	switch strings.ToLower(u.Scheme) {
	case SchemePlain:
	case SchemeTLS:
		cfg.TLS = &transport.TLSConfig{}
	default:
		return cfg, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidConfig, u.Scheme)
	}

	cfg.Host = u.Hostname()
	if cfg.Host == "" {
		return cfg, fmt.Errorf("%w: missing host", ErrInvalidConfig)
	}
	if p := u.Port(); p != "" {
		port, err := strconv.ParseUint(p, 10, 16)
		if err != nil || port == 0 {
			return cfg, fmt.Errorf("%w: invalid port %q", ErrInvalidConfig, p)
		}
		cfg.Port = uint16(port)
	}

	q := u.Query()
	if v := q.Get("provider"); v != "" {
		if cfg.ProviderID, err = uuid.Parse(v); err != nil {
			return cfg, fmt.Errorf("%w: provider: %v", ErrInvalidConfig, err)
		}
	}
	if v := q.Get("device"); v != "" {
		if cfg.DeviceID, err = uuid.Parse(v); err != nil {
			return cfg, fmt.Errorf("%w: device: %v", ErrInvalidConfig, err)
		}
	}
	if v := q.Get("options"); v != "" {
		if cfg.Options, err = wire.ParseOptions(v); err != nil {
			return cfg, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if v := q.Get("tls"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("%w: tls: %v", ErrInvalidConfig, err)
		}
		switch {
		case enabled && cfg.TLS == nil:
			cfg.TLS = &transport.TLSConfig{}
		case !enabled:
			cfg.TLS = nil
		}
	}
	if v := q.Get("servername"); v != "" && cfg.TLS != nil {
		cfg.TLS.ServerName = v
	}

	return cfg, nil
}

// DSN formats the connection fields of c as a data source name.
// It is the inverse of ParseDSN.
func (c Config) DSN() string {
	scheme := SchemePlain
	if c.TLS != nil {
		scheme = SchemeTLS
	}
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}

	q := url.Values{}
	if c.ProviderID != uuid.Nil {
		q.Set("provider", c.ProviderID.String())
	}
	if c.DeviceID != uuid.Nil {
		q.Set("device", c.DeviceID.String())
	}
	if c.Options.Replay() {
		q.Set("options", c.Options.String())
	}
	if c.TLS != nil && c.TLS.ServerName != "" {
		q.Set("servername", c.TLS.ServerName)
	}

	u := url.URL{
		Scheme:   scheme,
		Host:     fmt.Sprintf("%s:%d", c.Host, port),
		RawQuery: q.Encode(),
	}
	if strings.Contains(c.Host, ":") {
		u.Host = fmt.Sprintf("[%s]:%d", c.Host, port)
	}
	return u.String()
}

// NewFromDSN creates a client from a data source name. Options are applied
// after parsing.
func NewFromDSN(dsn string, opts ...Option) (*Client, error) {
	cfg, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return New(cfg)
}
