package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/newtricks/courage-go/pkg/log"
)

// ErrConnectionClosed is returned when sending on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// Dialer defaults.
const (
	// DefaultConnectTimeout bounds dialing and the TLS handshake.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultKeepAlive is the TCP keep-alive period.
	DefaultKeepAlive = 30 * time.Second
)

// DialerConfig configures a NetDialer.
type DialerConfig struct {
	// TLS enables TLS with the given settings. Nil dials plain TCP.
	TLS *TLSConfig

	// MaxMessageSize is the maximum message size (default: 64KB).
	MaxMessageSize uint32

	// ConnectTimeout is the connection timeout (default: 30s).
	ConnectTimeout time.Duration

	// KeepAlive is the TCP keep-alive period (default: 30s).
	// Negative disables keep-alive probes.
	KeepAlive time.Duration

	// Logger receives frame events (optional).
	Logger log.Logger
}

// NetDialer dials brokers over TCP, optionally wrapped in TLS.
type NetDialer struct {
	config DialerConfig
}

// NewDialer creates a dialer, applying defaults for unset fields.
func NewDialer(config DialerConfig) *NetDialer {
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	if config.KeepAlive == 0 {
		config.KeepAlive = DefaultKeepAlive
	}
	return &NetDialer{config: config}
}

// Dial establishes a connection to address (host:port).
func (d *NetDialer) Dial(ctx context.Context, address string) (Conn, error) {
	// Apply timeout from config if context doesn't have one
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.ConnectTimeout)
		defer cancel()
	}

	dialer := &net.Dialer{KeepAlive: d.config.KeepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	var tlsState *tls.ConnectionState
	if d.config.TLS != nil {
		host, _, splitErr := net.SplitHostPort(address)
		if splitErr != nil {
			host = address
		}
		tlsConn := tls.Client(conn, NewClientTLSConfig(d.config.TLS, host))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake failed: %w", err)
		}
		state := tlsConn.ConnectionState()
		tlsState = &state
		conn = tlsConn
	}

	return newClientConn(conn, tlsState, d.config), nil
}

// ClientConn is a framed connection to a broker.
type ClientConn struct {
	conn     net.Conn
	framer   *Framer
	tlsState *tls.ConnectionState
	connID   string
	closeCh  chan struct{}

	closeOnce sync.Once
	readMu    sync.Mutex
}

func newClientConn(conn net.Conn, tlsState *tls.ConnectionState, config DialerConfig) *ClientConn {
	connID := uuid.New().String()
	framer := NewFramerWithMaxSize(conn, config.MaxMessageSize)
	if config.Logger != nil {
		framer.SetLogger(config.Logger, connID, conn.RemoteAddr().String())
	}
	return &ClientConn{
		conn:     conn,
		framer:   framer,
		tlsState: tlsState,
		connID:   connID,
		closeCh:  make(chan struct{}),
	}
}

// ID returns the unique connection identifier used in protocol logs.
func (c *ClientConn) ID() string {
	return c.connID
}

// TLSState returns the TLS connection state, or nil for plain TCP.
func (c *ClientConn) TLSState() *tls.ConnectionState {
	return c.tlsState
}

// LocalAddr returns the local network address.
func (c *ClientConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *ClientConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Send writes one message frame. Safe for concurrent use.
func (c *ClientConn) Send(data []byte) error {
	select {
	case <-c.closeCh:
		return ErrConnectionClosed
	default:
	}
	return c.framer.WriteFrame(data)
}

// Receive blocks until a message frame arrives or the connection fails.
// A positive timeout sets a read deadline for this call.
func (c *ClientConn) Receive(timeout time.Duration) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	select {
	case <-c.closeCh:
		return nil, ErrConnectionClosed
	default:
	}

	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}

	data, err := c.framer.ReadFrame()
	if err != nil {
		select {
		case <-c.closeCh:
			return nil, ErrConnectionClosed
		default:
		}
	}
	return data, err
}

// Close closes the connection. Pending Receive calls return
// ErrConnectionClosed.
func (c *ClientConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		err = c.conn.Close()
	})
	return err
}
