package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/newtricks/courage-go/pkg/log"
)

// Handler receives the traffic of server connections. Calls for one
// connection come from that connection's goroutine in order: Connected,
// any number of Received, then Disconnected.
type Handler interface {
	Connected(c *ServerConn)
	Received(c *ServerConn, frame []byte)
	// Disconnected reports why the connection ended. err is nil when the
	// peer closed cleanly or the connection was closed on this side.
	Disconnected(c *ServerConn, err error)
}

// ServerConfig configures a framed listener.
type ServerConfig struct {
	// Address defaults to all interfaces on DefaultPort.
	Address string

	// TLS is nil for plain TCP.
	TLS *tls.Config

	MaxMessageSize uint32
	Logger         log.Logger
}

// Server accepts framed connections. Clients never run one; it backs the
// in-process broker used by tests and the stub-broker command.
type Server struct {
	cfg     ServerConfig
	handler Handler
	ln      net.Listener
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	conns  map[*ServerConn]struct{}
	closed bool
}

// Listen binds cfg.Address and serves connections to h until Close or
// until ctx ends.
func Listen(ctx context.Context, cfg ServerConfig, h Handler) (*Server, error) {
	if cfg.Address == "" {
		cfg.Address = fmt.Sprintf(":%d", DefaultPort)
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}

	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		handler: h,
		ln:      ln,
		conns:   make(map[*ServerConn]struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.accept()
	go func() {
		defer s.wg.Done()
		<-s.ctx.Done()
		s.shutdown()
	}()
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Conns returns a snapshot of the open connections.
func (s *Server) Conns() []*ServerConn {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*ServerConn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Close stops accepting, closes every connection and waits for the
// handler calls to finish. It is idempotent.
func (s *Server) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Server) shutdown() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*ServerConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.ln.Close()
	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) accept() {
	defer s.wg.Done()

	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logError("", "", err, "accept")
			continue
		}
		s.wg.Add(1)
		go s.serve(nc)
	}
}

func (s *Server) serve(nc net.Conn) {
	defer s.wg.Done()

	id := uuid.New().String()
	remote := nc.RemoteAddr().String()

	if s.cfg.TLS != nil {
		tc := tls.Server(nc, s.cfg.TLS)
		if err := tc.HandshakeContext(s.ctx); err != nil {
			nc.Close()
			s.logError(id, remote, err, "tls handshake")
			return
		}
		nc = tc
	}

	c := &ServerConn{
		id:     id,
		nc:     nc,
		framer: NewFramerWithMaxSize(nc, s.cfg.MaxMessageSize),
		done:   make(chan struct{}),
	}
	c.framer.SetLogger(s.cfg.Logger, id, remote)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		nc.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.logState(id, remote, "", "CONNECTED")
	s.handler.Connected(c)

	var cause error
	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.isClosed() {
				cause = err
			}
			break
		}
		s.handler.Received(c, frame)
	}
	c.Close()

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()

	s.logState(id, remote, "CONNECTED", "DISCONNECTED")
	s.handler.Disconnected(c, cause)
}

func (s *Server) logState(id, remote, from, to string) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: id,
		Layer:        log.LayerTransport,
		Category:     log.CategoryState,
		RemoteAddr:   remote,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: from,
			NewState: to,
		},
	})
}

func (s *Server) logError(id, remote string, err error, op string) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: id,
		Layer:        log.LayerTransport,
		Category:     log.CategoryError,
		RemoteAddr:   remote,
		Error: &log.ErrorEventData{
			Layer:   log.LayerTransport,
			Message: err.Error(),
			Context: op,
		},
	})
}

// ServerConn is one accepted connection.
type ServerConn struct {
	id     string
	nc     net.Conn
	framer *Framer

	once sync.Once
	done chan struct{}
}

// ID returns the connection id used in protocol captures.
func (c *ServerConn) ID() string { return c.id }

// RemoteAddr returns the peer address.
func (c *ServerConn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Send writes one frame.
func (c *ServerConn) Send(frame []byte) error {
	if c.isClosed() {
		return ErrConnectionClosed
	}
	return c.framer.WriteFrame(frame)
}

// WriteUnframed writes data as is, bypassing framing, so tests can produce
// malformed streams. It must not race with Send.
func (c *ServerConn) WriteUnframed(data []byte) error {
	_, err := c.nc.Write(data)
	return err
}

// Close closes the connection. It is idempotent.
func (c *ServerConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.nc.Close()
	})
	return err
}

// Done is closed once the connection is closed.
func (c *ServerConn) Done() <-chan struct{} { return c.done }

func (c *ServerConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
