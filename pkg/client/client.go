package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/newtricks/courage-go/pkg/codes"
	"github.com/newtricks/courage-go/pkg/identity"
	"github.com/newtricks/courage-go/pkg/log"
	"github.com/newtricks/courage-go/pkg/metrics"
	"github.com/newtricks/courage-go/pkg/subscription"
	"github.com/newtricks/courage-go/pkg/transport"
	"github.com/newtricks/courage-go/pkg/wire"
)

// TracerName is the instrumentation name of the client tracer.
const TracerName = "github.com/newtricks/courage-go/pkg/client"

// channelEntry is a channel known to the client, replayed by
// ReplayAndDisconnect.
type channelEntry struct {
	handler Handler
}

// Client is a connection to one broker and the subscriptions made on it.
// It is safe for concurrent use.
type Client struct {
	config   Config
	protocol wire.Protocol
	dialer   transport.Dialer
	identity *identity.Store
	sessions *subscription.Manager

	logger         *slog.Logger
	protocolLogger log.Logger
	metrics        *metrics.Recorder
	tracer         trace.Tracer

	// opMu serializes Connect, Disconnect and ReplayAndDisconnect.
	opMu sync.Mutex

	mu       sync.Mutex
	state    State
	conn     transport.Conn
	readDone chan struct{}
	channels map[uuid.UUID]channelEntry

	// replays holds the cancel funcs of running ReplayAndDisconnect calls.
	replays    map[uint64]context.CancelFunc
	nextReplay uint64
}

// New creates a disconnected client.
func New(config Config) (*Client, error) {
	config.applyDefaults()
	if config.Host == "" {
		return nil, fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if err := config.Protocol.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	dialer := config.Dialer
	if dialer == nil {
		dialer = transport.NewDialer(transport.DialerConfig{
			TLS:            config.TLS,
			MaxMessageSize: config.MaxMessageSize,
			Logger:         config.ProtocolLogger,
		})
	}

	tp := config.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	store := identity.NewStore()
	if config.DeviceID != uuid.Nil {
		// A fresh store is never locked.
		_ = store.SetDeviceID(config.DeviceID)
	}

	return &Client{
		config:         config,
		protocol:       config.Protocol,
		dialer:         dialer,
		identity:       store,
		sessions:       subscription.NewManager(),
		logger:         config.Logger,
		protocolLogger: config.ProtocolLogger,
		metrics:        config.Metrics,
		tracer:         tp.Tracer(TracerName),
		channels:       make(map[uuid.UUID]channelEntry),
		replays:        make(map[uint64]context.CancelFunc),
	}, nil
}

// Config returns the client configuration.
func (c *Client) Config() Config {
	return c.config
}

// SetCredentials sets the device key pair.
// Returns IdentityLocked while connected.
func (c *Client) SetCredentials(publicKey, privateKey string) error {
	return c.identity.SetCredentials(publicKey, privateKey)
}

// SetDeviceID sets the device id.
// Returns IdentityLocked while connected.
func (c *Client) SetDeviceID(id uuid.UUID) error {
	return c.identity.SetDeviceID(id)
}

// State returns the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Sessions returns the number of registered subscription sessions. A
// replay-only session counts until its backlog has been delivered.
func (c *Client) Sessions() int {
	return c.sessions.Count()
}

// Session returns the active session for a channel.
func (c *Client) Session(channelID uuid.UUID) (*subscription.Session, error) {
	return c.sessions.Get(channelID)
}

// Connect dials the broker and authenticates. It returns nil immediately if
// the client is already connected. Credentials are validated before any
// network I/O.
func (c *Client) Connect(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) (err error) {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "courage.connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("courage.broker", c.config.Address()),
			attribute.Bool("courage.tls", c.config.TLS != nil),
		),
	)
	defer func() { endSpan(span, err) }()

	// Lock before the snapshot so the credentials sent are the ones
	// in effect for the whole connection.
	c.identity.Lock()
	id := c.identity.Snapshot()
	if err := id.Validate(); err != nil {
		c.identity.Unlock()
		return err
	}

	c.setState(StateConnecting, "connect")
	conn, err := c.dial(ctx, id)
	if err != nil {
		c.identity.Unlock()
		c.setState(StateDisconnected, err.Error())
		if errors.Is(err, codes.ErrAuthenticationFailed) {
			c.metrics.ConnectAttempt(metrics.ResultRejected)
		} else {
			c.metrics.ConnectAttempt(metrics.ResultFailed)
		}
		c.logError("connect", err)
		return err
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.readDone = done
	c.mu.Unlock()
	c.setState(StateConnected, "authenticated")

	c.metrics.ConnectAttempt(metrics.ResultOK)
	c.metrics.SetConnected(true)
	c.debugLog("connected", "broker", c.config.Address(), "deviceID", id.DeviceID)

	go c.readLoop(conn, done)
	return nil
}

// dial opens the transport and runs the authentication exchange.
func (c *Client) dial(ctx context.Context, id identity.Identity) (transport.Conn, error) {
	conn, err := c.dialer.Dial(ctx, c.config.Address())
	if err != nil {
		return nil, codes.New(codes.TransportFailed, "connect", err)
	}

	// Unblock Receive if ctx ends during the exchange.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	err = c.send(conn, wire.Message{
		Kind: wire.KindAuthenticate,
		Credentials: &wire.Credentials{
			ProviderID: c.config.ProviderID,
			DeviceID:   id.DeviceID,
			PublicKey:  id.PublicKey,
			PrivateKey: id.PrivateKey,
		},
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	data, err := conn.Receive(c.config.AuthTimeout)
	if err != nil {
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, codes.New(codes.TransportFailed, "authenticate", err)
	}
	c.metrics.Frame(metrics.DirectionIn)

	msg, err := c.protocol.Decode(data)
	if err != nil {
		conn.Close()
		return nil, codes.New(codes.ProtocolViolation, "authenticate", err)
	}
	c.logMessage(conn, log.DirectionIn, msg, data[0])

	switch msg.Kind {
	case wire.KindAuthAccepted:
		if !stop() {
			return nil, codes.New(codes.TransportFailed, "authenticate", ctx.Err())
		}
		return conn, nil
	case wire.KindAuthRejected:
		conn.Close()
		return nil, codes.Errorf(codes.AuthenticationFailed, "authenticate", "broker: %s", msg.Reason)
	default:
		conn.Close()
		return nil, codes.Errorf(codes.ProtocolViolation, "authenticate", "unexpected %s", msg.Kind)
	}
}

// Disconnect closes the connection and every session. No handler is started
// after Disconnect returns. It is safe to call in any state. A running
// ReplayAndDisconnect is abandoned with ReplayFailed.
func (c *Client) Disconnect() error {
	c.abortReplays()
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.disconnect("requested")
}

func (c *Client) abortReplays() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cancel := range c.replays {
		cancel()
	}
}

func (c *Client) disconnect(reason string) error {
	c.mu.Lock()
	conn, done := c.conn, c.readDone
	c.conn, c.readDone = nil, nil
	c.mu.Unlock()

	// Cancel sessions first so in-flight events are never handed out.
	closed := c.sessions.CloseAll()
	c.metrics.SetActiveSessions(0)

	if conn == nil {
		return nil
	}

	if err := c.send(conn, wire.Message{Kind: wire.KindGoodbye}); err != nil {
		c.debugLog("disconnect: goodbye not sent", "error", err)
	}
	if err := conn.Close(); err != nil {
		c.debugLog("disconnect: close failed", "error", err)
	}
	<-done

	c.identity.Unlock()
	c.setState(StateDisconnected, reason)
	c.metrics.SetConnected(false)
	c.debugLog("disconnected", "reason", reason, "sessions", len(closed))
	return nil
}

// connectionLost tears down after a transport failure on conn. It does
// nothing if conn is no longer the active connection.
func (c *Client) connectionLost(conn transport.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn, c.readDone = nil, nil
	c.mu.Unlock()

	conn.Close()
	err := codes.New(codes.TransportFailed, "receive", cause)
	failed := c.sessions.FailAll(err)
	c.metrics.SetActiveSessions(0)
	c.metrics.SetConnected(false)

	c.identity.Unlock()
	c.setState(StateDisconnected, cause.Error())
	c.logError("read loop", err)
	c.debugLog("connection lost", "error", cause, "sessions", len(failed))

	if fn := c.config.OnConnectionLost; fn != nil {
		go fn(err)
	}
}

// send encodes msg and writes it to conn.
func (c *Client) send(conn transport.Conn, msg wire.Message) error {
	data, err := c.protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := conn.Send(data); err != nil {
		return codes.New(codes.TransportFailed, "send "+msg.Kind.String(), err)
	}
	c.metrics.Frame(metrics.DirectionOut)
	c.logMessage(conn, log.DirectionOut, msg, data[0])
	return nil
}

func (c *Client) setState(to State, reason string) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()

	if from == to {
		return
	}
	c.debugLog("state change", "from", from, "to", to, "reason", reason)
	c.logState(log.StateEntityConnection, from.String(), to.String(), reason, uuid.Nil)
}
