package transport

import (
	"context"
	"net"
	"time"
)

// Conn is a message-oriented connection to a broker.
// Implemented by ClientConn.
type Conn interface {
	// ID returns a unique identifier for protocol logs.
	ID() string

	// LocalAddr returns the local network address.
	LocalAddr() net.Addr

	// RemoteAddr returns the remote network address.
	RemoteAddr() net.Addr

	// Send sends one message.
	Send(data []byte) error

	// Receive receives one message. A zero timeout blocks indefinitely.
	Receive(timeout time.Duration) ([]byte, error)

	// Close closes the connection.
	Close() error
}

// Dialer opens connections to a broker.
// Implemented by NetDialer.
type Dialer interface {
	// Dial connects to address (host:port).
	Dial(ctx context.Context, address string) (Conn, error)
}

// FrameReadWriter provides length-prefixed frame I/O.
// Implemented by Framer.
type FrameReadWriter interface {
	// ReadFrame reads a length-prefixed frame.
	ReadFrame() ([]byte, error)

	// WriteFrame writes a length-prefixed frame.
	WriteFrame(data []byte) error
}

// Compile-time interface satisfaction checks.
var (
	_ Conn            = (*ClientConn)(nil)
	_ Dialer          = (*NetDialer)(nil)
	_ FrameReadWriter = (*Framer)(nil)
)
