// Package brokertest provides an in-process broker for client tests.
//
// The broker speaks the wire protocol over a transport.Server on loopback.
// It accepts every identity unless Config.Authenticate says otherwise,
// acknowledges every subscription, replays the configured backlog for
// replay subscriptions and forwards Publish calls to live subscribers.
package brokertest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/newtricks/courage-go/pkg/log"
	"github.com/newtricks/courage-go/pkg/transport"
	"github.com/newtricks/courage-go/pkg/wire"
)

// ErrTimeout is returned by the Wait helpers.
var ErrTimeout = errors.New("brokertest: timeout")

// Config configures a Broker.
type Config struct {
	// Protocol is the wire protocol (default: wire.DefaultProtocol()).
	Protocol wire.Protocol

	// TLS serves TLS when set.
	TLS *tls.Config

	// Address is the listen address (default: "127.0.0.1:0").
	Address string

	// Authenticate decides whether credentials are accepted. A non-nil
	// error rejects them with the error text as reason. Nil accepts all.
	Authenticate func(c wire.Credentials) error

	// Logger receives the server's frame events (optional).
	Logger log.Logger
}

// Broker is a stub broker.
type Broker struct {
	config Config
	server *transport.Server

	mu          sync.Mutex
	conns       map[*transport.ServerConn]*peer
	backlog     map[uuid.UUID][][]byte
	held        map[uuid.UUID]bool
	auths       []wire.Credentials
	subscribes  []wire.Message
	goodbyes    int
	frames      int
	connections int
	changed     chan struct{}
}

type peer struct {
	authed bool
	live   map[uuid.UUID]bool
	// replay-only subscriptions waiting for ReplayComplete
	pending map[uuid.UUID]bool
}

// Start starts a broker on 127.0.0.1 and stops it when the test ends.
func Start(t testing.TB, config Config) *Broker {
	t.Helper()
	b, err := New(config)
	if err != nil {
		t.Fatalf("brokertest: %v", err)
	}
	t.Cleanup(func() { b.Stop() })
	return b
}

// New starts a broker on config.Address.
func New(config Config) (*Broker, error) {
	if config.Protocol.Prefix == 0 {
		config.Protocol = wire.DefaultProtocol()
	}
	if config.Address == "" {
		config.Address = "127.0.0.1:0"
	}
	b := &Broker{
		config:  config,
		conns:   make(map[*transport.ServerConn]*peer),
		backlog: make(map[uuid.UUID][][]byte),
		held:    make(map[uuid.UUID]bool),
		changed: make(chan struct{}),
	}
	server, err := transport.Listen(context.Background(), transport.ServerConfig{
		TLS:     config.TLS,
		Address: config.Address,
		Logger:  config.Logger,
	}, (*serverHandler)(b))
	if err != nil {
		return nil, err
	}
	b.server = server
	return b, nil
}

// Stop closes the listener and every connection.
func (b *Broker) Stop() error {
	return b.server.Close()
}

// Addr returns host:port of the listener.
func (b *Broker) Addr() string {
	return b.server.Addr().String()
}

// Host returns the listener host.
func (b *Broker) Host() string {
	host, _, _ := net.SplitHostPort(b.Addr())
	return host
}

// Port returns the listener port.
func (b *Broker) Port() uint16 {
	_, port, _ := net.SplitHostPort(b.Addr())
	p, _ := strconv.ParseUint(port, 10, 16)
	return uint16(p)
}

// SetBacklog sets the events replayed to replay subscriptions of a channel.
func (b *Broker) SetBacklog(channelID uuid.UUID, payloads ...[]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.backlog[channelID] = payloads
}

// HoldReplay makes the broker withhold ReplayComplete for a channel until
// ReleaseReplay is called.
func (b *Broker) HoldReplay(channelID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.held[channelID] = true
}

// ReleaseReplay sends the withheld ReplayComplete for a channel.
func (b *Broker) ReleaseReplay(channelID uuid.UUID) error {
	b.mu.Lock()
	delete(b.held, channelID)
	var targets []*transport.ServerConn
	for conn, p := range b.conns {
		if p.pending[channelID] {
			delete(p.pending, channelID)
			targets = append(targets, conn)
		}
	}
	b.mu.Unlock()

	for _, conn := range targets {
		if err := b.send(conn, wire.Message{Kind: wire.KindReplayComplete, ChannelID: channelID}); err != nil {
			return err
		}
	}
	return nil
}

// Publish sends a live event to every live subscriber of a channel.
func (b *Broker) Publish(channelID uuid.UUID, payload []byte) error {
	return b.broadcast(channelID, wire.Message{Kind: wire.KindEvent, ChannelID: channelID, Payload: payload})
}

// RejectChannel sends a ChannelError to every subscriber of a channel.
func (b *Broker) RejectChannel(channelID uuid.UUID, reason string) error {
	return b.broadcast(channelID, wire.Message{Kind: wire.KindChannelError, ChannelID: channelID, Reason: reason})
}

// SendFrame sends an arbitrary message to every connection.
func (b *Broker) SendFrame(data []byte) error {
	for _, conn := range b.server.Conns() {
		if err := conn.Send(data); err != nil {
			return err
		}
	}
	return nil
}

// DropConnections closes every connection from the broker side.
func (b *Broker) DropConnections() {
	for _, conn := range b.server.Conns() {
		conn.Close()
	}
}

// Authentications returns the credentials received so far.
func (b *Broker) Authentications() []wire.Credentials {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]wire.Credentials(nil), b.auths...)
}

// Subscriptions returns the Subscribe messages received so far.
func (b *Broker) Subscriptions() []wire.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]wire.Message(nil), b.subscribes...)
}

// Goodbyes returns the number of Goodbye messages received.
func (b *Broker) Goodbyes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.goodbyes
}

// Frames returns the number of frames received.
func (b *Broker) Frames() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frames
}

// Connections returns the number of connections accepted so far.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connections
}

// WaitLiveSubscribers waits until n connections are live-subscribed to a
// channel.
func (b *Broker) WaitLiveSubscribers(channelID uuid.UUID, n int, timeout time.Duration) error {
	return b.wait(timeout, func() bool {
		count := 0
		for _, p := range b.conns {
			if p.live[channelID] {
				count++
			}
		}
		return count >= n
	})
}

// WaitSubscriptions waits until n Subscribe messages have been received.
func (b *Broker) WaitSubscriptions(n int, timeout time.Duration) error {
	return b.wait(timeout, func() bool { return len(b.subscribes) >= n })
}

// WaitReplayPending waits until a held replay of a channel has been
// acknowledged and its backlog sent.
func (b *Broker) WaitReplayPending(channelID uuid.UUID, timeout time.Duration) error {
	return b.wait(timeout, func() bool {
		for _, p := range b.conns {
			if p.pending[channelID] {
				return true
			}
		}
		return false
	})
}

// WaitDisconnected waits until no connection is open.
func (b *Broker) WaitDisconnected(timeout time.Duration) error {
	return b.wait(timeout, func() bool { return len(b.conns) == 0 })
}

func (b *Broker) wait(timeout time.Duration, cond func() bool) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		b.mu.Lock()
		ok := cond()
		changed := b.changed
		b.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-changed:
		case <-deadline.C:
			return ErrTimeout
		}
	}
}

// notify wakes waiters. Callers hold b.mu.
func (b *Broker) notify() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// serverHandler routes server callbacks to the broker without adding them
// to its exported method set.
type serverHandler Broker

func (h *serverHandler) Connected(c *transport.ServerConn) { (*Broker)(h).onConnect(c) }

func (h *serverHandler) Received(c *transport.ServerConn, frame []byte) {
	(*Broker)(h).onMessage(c, frame)
}

func (h *serverHandler) Disconnected(c *transport.ServerConn, _ error) {
	(*Broker)(h).onDisconnect(c)
}

func (b *Broker) onConnect(conn *transport.ServerConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[conn] = &peer{
		live:    make(map[uuid.UUID]bool),
		pending: make(map[uuid.UUID]bool),
	}
	b.connections++
	b.notify()
}

func (b *Broker) onDisconnect(conn *transport.ServerConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, conn)
	b.notify()
}

func (b *Broker) onMessage(conn *transport.ServerConn, data []byte) {
	b.mu.Lock()
	b.frames++
	b.notify()
	b.mu.Unlock()

	msg, err := b.config.Protocol.Decode(data)
	if err != nil {
		conn.Close()
		return
	}

	switch msg.Kind {
	case wire.KindAuthenticate:
		b.handleAuth(conn, *msg.Credentials)
	case wire.KindSubscribe:
		b.handleSubscribe(conn, msg)
	case wire.KindGoodbye:
		b.mu.Lock()
		b.goodbyes++
		b.notify()
		b.mu.Unlock()
		conn.Close()
	default:
		conn.Close()
	}
}

func (b *Broker) handleAuth(conn *transport.ServerConn, creds wire.Credentials) {
	b.mu.Lock()
	b.auths = append(b.auths, creds)
	b.notify()
	b.mu.Unlock()

	if b.config.Authenticate != nil {
		if err := b.config.Authenticate(creds); err != nil {
			b.send(conn, wire.Message{Kind: wire.KindAuthRejected, Reason: err.Error()})
			conn.Close()
			return
		}
	}

	b.mu.Lock()
	if p := b.conns[conn]; p != nil {
		p.authed = true
	}
	b.mu.Unlock()
	b.send(conn, wire.Message{Kind: wire.KindAuthAccepted})
}

func (b *Broker) handleSubscribe(conn *transport.ServerConn, msg wire.Message) {
	b.mu.Lock()
	b.subscribes = append(b.subscribes, msg)
	p := b.conns[conn]
	if p == nil || !p.authed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	var backlog [][]byte
	if msg.Options.Replay() {
		backlog = b.backlog[msg.ChannelID]
	}
	held := b.held[msg.ChannelID]
	b.notify()
	b.mu.Unlock()

	ch := msg.ChannelID
	if err := b.send(conn, wire.Message{Kind: wire.KindSubscribeAck, ChannelID: ch}); err != nil {
		return
	}
	for _, payload := range backlog {
		if err := b.send(conn, wire.Message{Kind: wire.KindEvent, ChannelID: ch, Payload: payload}); err != nil {
			return
		}
	}
	if !msg.Options.Replay() {
		b.markLive(conn, ch)
		return
	}
	if held {
		b.mu.Lock()
		if p := b.conns[conn]; p != nil {
			p.pending[ch] = true
			b.notify()
		}
		b.mu.Unlock()
		return
	}
	if err := b.send(conn, wire.Message{Kind: wire.KindReplayComplete, ChannelID: ch}); err != nil {
		return
	}
	if !msg.Options.ReplayOnly() {
		b.markLive(conn, ch)
	}
}

func (b *Broker) markLive(conn *transport.ServerConn, channelID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p := b.conns[conn]; p != nil {
		p.live[channelID] = true
		b.notify()
	}
}

func (b *Broker) broadcast(channelID uuid.UUID, msg wire.Message) error {
	b.mu.Lock()
	var targets []*transport.ServerConn
	for conn, p := range b.conns {
		if p.live[channelID] || p.pending[channelID] {
			targets = append(targets, conn)
		}
	}
	b.mu.Unlock()

	var errs []error
	for _, conn := range targets {
		if err := b.send(conn, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Broker) send(conn *transport.ServerConn, msg wire.Message) error {
	data, err := b.config.Protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("brokertest: encode %s: %w", msg.Kind, err)
	}
	return conn.Send(data)
}
