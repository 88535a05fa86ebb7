package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/newtricks/courage-go/pkg/codes"
	"github.com/newtricks/courage-go/pkg/transport"
	"github.com/newtricks/courage-go/pkg/transport/mocks"
	"github.com/newtricks/courage-go/pkg/wire"
)

func newMockClient(t *testing.T, dialer *mocks.Dialer) *Client {
	t.Helper()
	c, err := New(Config{
		Host:       "broker.example",
		ProviderID: testProvider,
		DeviceID:   testDevice,
		Dialer:     dialer,
	})
	require.NoError(t, err)
	require.NoError(t, c.SetCredentials("pub", "priv"))
	return c
}

func TestConnectWireExchange(t *testing.T) {
	proto := wire.DefaultProtocol()
	dialer := mocks.NewDialer(t)
	conn := mocks.NewConn(t)
	c := newMockClient(t, dialer)

	auth, err := proto.EncodeAuthenticate(wire.Credentials{
		ProviderID: testProvider,
		DeviceID:   testDevice,
		PublicKey:  "pub",
		PrivateKey: "priv",
	})
	require.NoError(t, err)
	accepted, err := proto.Encode(wire.Message{Kind: wire.KindAuthAccepted})
	require.NoError(t, err)
	subscribe, err := proto.EncodeSubscribe(testChannel, wire.OptionReplay)
	require.NoError(t, err)
	goodbye, err := proto.EncodeGoodbye()
	require.NoError(t, err)

	closed := make(chan struct{})
	dialer.On("Dial", mock.Anything, "broker.example:7443").Return(conn, nil).Once()
	conn.On("Send", auth).Return(nil).Once()
	conn.On("Receive", DefaultAuthTimeout).Return(accepted, nil).Once()
	conn.On("Receive", time.Duration(0)).Run(func(mock.Arguments) { <-closed }).Return(nil, transport.ErrConnectionClosed)
	conn.On("Send", subscribe).Return(nil).Once()
	conn.On("Send", goodbye).Return(nil).Once()
	conn.On("Close").Run(func(mock.Arguments) {
		select {
		case <-closed:
		default:
			close(closed)
		}
	}).Return(nil)

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	_, err = c.SubscribeWithOptions(ctx, testChannel, wire.OptionReplay, nil)
	require.NoError(t, err)
	require.NoError(t, c.Disconnect())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectMissingCredentialsDoesNotDial(t *testing.T) {
	dialer := mocks.NewDialer(t)
	c, err := New(Config{Host: "broker.example", Dialer: dialer})
	require.NoError(t, err)

	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, codes.ErrMissingCredentials)
	dialer.AssertNotCalled(t, "Dial", mock.Anything, mock.Anything)
}

func TestConnectDialError(t *testing.T) {
	dialer := mocks.NewDialer(t)
	c := newMockClient(t, dialer)
	dialer.On("Dial", mock.Anything, "broker.example:7443").Return(nil, errors.New("no route")).Once()

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, codes.ErrTransportFailed)
	assert.Contains(t, err.Error(), "no route")
}

func TestConnectUnexpectedReply(t *testing.T) {
	proto := wire.DefaultProtocol()
	dialer := mocks.NewDialer(t)
	conn := mocks.NewConn(t)
	c := newMockClient(t, dialer)

	ack, err := proto.Encode(wire.Message{Kind: wire.KindSubscribeAck, ChannelID: testChannel})
	require.NoError(t, err)

	dialer.On("Dial", mock.Anything, mock.Anything).Return(conn, nil).Once()
	conn.On("Send", mock.Anything).Return(nil).Once()
	conn.On("Receive", mock.Anything).Return(ack, nil).Once()
	conn.On("Close").Return(nil)

	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, codes.ErrProtocolViolation)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectAuthTimeout(t *testing.T) {
	dialer := mocks.NewDialer(t)
	conn := mocks.NewConn(t)
	c := newMockClient(t, dialer)

	dialer.On("Dial", mock.Anything, mock.Anything).Return(conn, nil).Once()
	conn.On("Send", mock.Anything).Return(nil).Once()
	conn.On("Receive", DefaultAuthTimeout).Return(nil, errors.New("i/o timeout")).Once()
	conn.On("Close").Return(nil)

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, codes.ErrTransportFailed)
}
