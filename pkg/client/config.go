package client

import (
	"errors"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/newtricks/courage-go/pkg/log"
	"github.com/newtricks/courage-go/pkg/metrics"
	"github.com/newtricks/courage-go/pkg/transport"
	"github.com/newtricks/courage-go/pkg/wire"
)

// Client errors.
var (
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrChannelRejected = errors.New("channel rejected by broker")
)

// Defaults.
const (
	// DefaultPort is the broker port.
	DefaultPort = transport.DefaultPort

	// DefaultAuthTimeout bounds the wait for the broker's authentication reply.
	DefaultAuthTimeout = 10 * time.Second
)

// State is the connection state of a Client.
type State uint8

const (
	// StateDisconnected - no transport.
	StateDisconnected State = iota

	// StateConnecting - dialing or authenticating.
	StateConnecting

	// StateConnected - authenticated, read loop running.
	StateConnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Handler receives the payload of one event. Handlers for one channel run
// sequentially in broker order.
type Handler func(payload []byte)

// Config configures a Client.
type Config struct {
	// Host is the broker host name or address.
	Host string

	// Port is the broker port (default: 7443).
	Port uint16

	// TLS enables TLS with the given settings. Nil connects over plain TCP.
	TLS *transport.TLSConfig

	// ProviderID identifies the provider the device belongs to.
	ProviderID uuid.UUID

	// DeviceID is the initial device id. It can be changed with SetDeviceID
	// while disconnected.
	DeviceID uuid.UUID

	// Options are the subscribe options used by Subscribe.
	Options wire.SubscribeOptions

	// Protocol holds the wire constants (default: wire.DefaultProtocol()).
	Protocol wire.Protocol

	// AuthTimeout bounds the wait for AuthAccepted (default: 10s).
	AuthTimeout time.Duration

	// MaxMessageSize is the maximum frame size (default: 64KB).
	MaxMessageSize uint32

	// Dialer opens the transport. If nil, a transport.NetDialer is built
	// from TLS and MaxMessageSize.
	Dialer transport.Dialer

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger

	// ProtocolLogger receives structured protocol events (optional).
	ProtocolLogger log.Logger

	// Metrics records client metrics (optional).
	Metrics *metrics.Recorder

	// TracerProvider creates the client tracer.
	// If nil, the global provider is used.
	TracerProvider trace.TracerProvider

	// OnConnectionLost is called on its own goroutine when the transport
	// fails while connected. It is not called for Disconnect.
	OnConnectionLost func(err error)
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Port:        DefaultPort,
		Protocol:    wire.DefaultProtocol(),
		AuthTimeout: DefaultAuthTimeout,
	}
}

// Address returns host:port.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Protocol.Prefix == 0 {
		c.Protocol = wire.DefaultProtocol()
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
}

// Option modifies a Config.
type Option func(*Config)

// WithLogger sets the debug logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithProtocolLogger sets the protocol event logger.
func WithProtocolLogger(logger log.Logger) Option {
	return func(c *Config) {
		c.ProtocolLogger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithDialer replaces the transport dialer.
func WithDialer(d transport.Dialer) Option {
	return func(c *Config) {
		c.Dialer = d
	}
}

// WithTLSConfig sets the TLS settings.
func WithTLSConfig(cfg *transport.TLSConfig) Option {
	return func(c *Config) {
		c.TLS = cfg
	}
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Config) {
		c.TracerProvider = tp
	}
}

// WithProtocol sets the wire constants.
func WithProtocol(p wire.Protocol) Option {
	return func(c *Config) {
		c.Protocol = p
	}
}

// WithAuthTimeout sets the authentication timeout.
func WithAuthTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.AuthTimeout = d
	}
}

// WithConnectionLostHandler sets the transport-loss callback.
func WithConnectionLostHandler(fn func(err error)) Option {
	return func(c *Config) {
		c.OnConnectionLost = fn
	}
}
