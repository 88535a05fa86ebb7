// Package mocks provides testify mocks for the transport interfaces.
package mocks

import (
	"context"
	"net"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/newtricks/courage-go/pkg/transport"
)

// Dialer is a mock transport.Dialer.
type Dialer struct {
	mock.Mock
}

// NewDialer creates a mock dialer whose expectations are asserted on cleanup.
func NewDialer(t interface {
	mock.TestingT
	Cleanup(func())
}) *Dialer {
	m := &Dialer{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// Dial implements transport.Dialer.
func (m *Dialer) Dial(ctx context.Context, address string) (transport.Conn, error) {
	args := m.Called(ctx, address)
	conn, _ := args.Get(0).(transport.Conn)
	return conn, args.Error(1)
}

// Conn is a mock transport.Conn.
type Conn struct {
	mock.Mock
}

// NewConn creates a mock connection whose expectations are asserted on cleanup.
func NewConn(t interface {
	mock.TestingT
	Cleanup(func())
}) *Conn {
	m := &Conn{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// ID implements transport.Conn.
func (m *Conn) ID() string {
	return m.Called().String(0)
}

// LocalAddr implements transport.Conn.
func (m *Conn) LocalAddr() net.Addr {
	addr, _ := m.Called().Get(0).(net.Addr)
	return addr
}

// RemoteAddr implements transport.Conn.
func (m *Conn) RemoteAddr() net.Addr {
	addr, _ := m.Called().Get(0).(net.Addr)
	return addr
}

// Send implements transport.Conn.
func (m *Conn) Send(data []byte) error {
	return m.Called(data).Error(0)
}

// Receive implements transport.Conn.
func (m *Conn) Receive(timeout time.Duration) ([]byte, error) {
	args := m.Called(timeout)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

// Close implements transport.Conn.
func (m *Conn) Close() error {
	return m.Called().Error(0)
}

var (
	_ transport.Dialer = (*Dialer)(nil)
	_ transport.Conn   = (*Conn)(nil)
)
