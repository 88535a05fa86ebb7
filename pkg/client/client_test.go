package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newtricks/courage-go/internal/brokertest"
	"github.com/newtricks/courage-go/pkg/codes"
	"github.com/newtricks/courage-go/pkg/log"
	"github.com/newtricks/courage-go/pkg/metrics"
	"github.com/newtricks/courage-go/pkg/subscription"
	"github.com/newtricks/courage-go/pkg/transport"
	"github.com/newtricks/courage-go/pkg/wire"
)

const testTimeout = 5 * time.Second

var (
	testChannel  = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	testProvider = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	testDevice   = uuid.MustParse("33333333-3333-3333-3333-333333333333")
)

// recorder collects handler payloads.
type recorder struct {
	mu       sync.Mutex
	payloads [][]byte
	changed  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{changed: make(chan struct{}, 64)}
}

func (r *recorder) handle(payload []byte) {
	r.mu.Lock()
	r.payloads = append(r.payloads, append([]byte(nil), payload...))
	r.mu.Unlock()
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.payloads))
	for _, p := range r.payloads {
		out = append(out, string(p))
	}
	return out
}

func (r *recorder) raw() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.payloads...)
}

func (r *recorder) waitFor(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		if got := r.get(); len(got) >= n {
			return got
		}
		select {
		case <-r.changed:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %v", n, r.get())
		}
	}
}

// captureLogger records protocol events.
type captureLogger struct {
	mu     sync.Mutex
	events []log.Event
}

func (l *captureLogger) Log(ev log.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *captureLogger) Events() []log.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]log.Event(nil), l.events...)
}

func newTestClient(t *testing.T, b *brokertest.Broker, opts ...Option) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Host = b.Host()
	cfg.Port = b.Port()
	cfg.ProviderID = testProvider
	cfg.DeviceID = testDevice
	cfg.AuthTimeout = testTimeout
	for _, opt := range opts {
		opt(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.SetCredentials("pub-key", "priv-key"))
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func TestSubscribeDeliversEventsInOrder(t *testing.T) {
	b := brokertest.Start(t, brokertest.Config{})
	c := newTestClient(t, b)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, StateConnected, c.State())

	rec := newRecorder()
	sess, err := c.Subscribe(ctx, testChannel, rec.handle)
	require.NoError(t, err)
	require.NoError(t, b.WaitLiveSubscribers(testChannel, 1, testTimeout))
	require.Eventually(t, func() bool { return sess.State() == subscription.StateLive }, testTimeout, 5*time.Millisecond)

	payloads := [][]byte{{0xA1}, {0xB2}, {0xC3}}
	for _, p := range payloads {
		require.NoError(t, b.Publish(testChannel, p))
	}

	rec.waitFor(t, 3)
	assert.Equal(t, payloads, rec.raw())

	auths := b.Authentications()
	require.Len(t, auths, 1)
	assert.Equal(t, testProvider, auths[0].ProviderID)
	assert.Equal(t, testDevice, auths[0].DeviceID)
	assert.Equal(t, "pub-key", auths[0].PublicKey)
	assert.Equal(t, "priv-key", auths[0].PrivateKey)

	subs := b.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, testChannel, subs[0].ChannelID)
	assert.Equal(t, wire.OptionDefault, subs[0].Options)
}

func TestSubscribeWithNilHandler(t *testing.T) {
	b := brokertest.Start(t, brokertest.Config{})
	c := newTestClient(t, b)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	sess, err := c.Subscribe(ctx, testChannel, nil)
	require.NoError(t, err)
	require.NoError(t, b.WaitLiveSubscribers(testChannel, 1, testTimeout))
	require.NoError(t, b.Publish(testChannel, []byte("A1")))

	select {
	case ev := <-sess.Events():
		assert.Equal(t, []byte("A1"), ev.Payload)
		assert.False(t, ev.Replayed)
		assert.Equal(t, uint64(1), ev.Seq)
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeMissingCredentials(t *testing.T) {
	tests := []struct {
		name     string
		pub      string
		priv     string
		device   uuid.UUID
		expected error
	}{
		{"no keys", "", "", testDevice, codes.ErrMissingCredentials},
		{"no private key", "pub", "", testDevice, codes.ErrMissingCredentials},
		{"no public key", "", "priv", testDevice, codes.ErrMissingCredentials},
		{"no device", "pub", "priv", uuid.Nil, codes.ErrMissingDeviceID},
		{"nothing", "", "", uuid.Nil, codes.ErrMissingCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := brokertest.Start(t, brokertest.Config{})
			cfg := DefaultConfig()
			cfg.Host = b.Host()
			cfg.Port = b.Port()
			c, err := New(cfg)
			require.NoError(t, err)
			require.NoError(t, c.SetCredentials(tt.pub, tt.priv))
			require.NoError(t, c.SetDeviceID(tt.device))

			_, err = c.Subscribe(context.Background(), testChannel, func([]byte) {})
			assert.ErrorIs(t, err, tt.expected)

			err = c.Connect(context.Background())
			assert.ErrorIs(t, err, tt.expected)
			assert.Equal(t, StateDisconnected, c.State())

			assert.Zero(t, b.Connections())
			assert.Zero(t, b.Frames())
		})
	}
}

func TestSessionSubscribeValidatesIdentity(t *testing.T) {
	c, err := New(Config{Host: "broker.invalid"})
	require.NoError(t, err)

	// Identity is checked before the connection state.
	_, _, err = c.subscribe(context.Background(), testChannel, wire.OptionReplayOnly, func([]byte) {})
	assert.ErrorIs(t, err, codes.ErrMissingCredentials)

	require.NoError(t, c.SetCredentials("pub", "priv"))
	_, _, err = c.subscribe(context.Background(), testChannel, wire.OptionReplayOnly, func([]byte) {})
	assert.ErrorIs(t, err, codes.ErrMissingDeviceID)

	require.NoError(t, c.SetDeviceID(testDevice))
	_, _, err = c.subscribe(context.Background(), testChannel, wire.OptionReplayOnly, func([]byte) {})
	assert.ErrorIs(t, err, codes.ErrNotConnected)
	assert.Zero(t, c.Sessions())
}

func TestSubscribeNotConnected(t *testing.T) {
	b := brokertest.Start(t, brokertest.Config{})
	c := newTestClient(t, b)

	_, err := c.Subscribe(context.Background(), testChannel, nil)
	assert.ErrorIs(t, err, codes.ErrNotConnected)
	assert.Zero(t, c.Sessions())
	assert.Empty(t, c.Channels())
}

func TestSubscribeReplacesSession(t *testing.T) {
	b := brokertest.Start(t, brokertest.Config{})
	c := newTestClient(t, b)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	first, err := c.Subscribe(ctx, testChannel, nil)
	require.NoError(t, err)
	second, err := c.Subscribe(ctx, testChannel, nil)
	require.NoError(t, err)

	select {
	case <-first.Done():
	case <-time.After(testTimeout):
		t.Fatal("first session not closed")
	}
	assert.True(t, first.Canceled())
	assert.Equal(t, 1, c.Sessions())

	got, err := c.Session(testChannel)
	require.NoError(t, err)
	assert.Same(t, second, got)
}

func TestConnectIdempotent(t *testing.T) {
	b := brokertest.Start(t, brokertest.Config{})
	c := newTestClient(t, b)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, 1, b.Connections())
	assert.Len(t, b.Authentications(), 1)
}

func TestConnectAuthRejected(t *testing.T) {
	b := brokertest.Start(t, brokertest.Config{
		Authenticate: func(c wire.Credentials) error {
			return errors.New("unknown device")
		},
	})
	c := newTestClient(t, b)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, codes.ErrAuthenticationFailed)
	assert.Contains(t, err.Error(), "unknown device")
	assert.Equal(t, StateDisconnected, c.State())

	// The identity store is unlocked again after a failed attempt.
	assert.NoError(t, c.SetCredentials("other", "keys"))
}

func TestConnectRefused(t *testing.T) {
	b := brokertest.Start(t, brokertest.Config{})
	c := newTestClient(t, b)
	require.NoError(t, b.Stop())

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, codes.ErrTransportFailed)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestIdentityLockedWhileConnected(t *testing.T) {
	b := brokertest.Start(t, brokertest.Config{})
	c := newTestClient(t, b)
	require.NoError(t, c.Connect(context.Background()))

	assert.ErrorIs(t, c.SetCredentials("new", "keys"), codes.ErrIdentityLocked)
	assert.ErrorIs(t, c.SetDeviceID(uuid.New()), codes.ErrIdentityLocked)

	require.NoError(t, c.Disconnect())
	assert.NoError(t, c.SetCredentials("new", "keys"))
	assert.NoError(t, c.SetDeviceID(uuid.New()))
}

func TestDisconnect(t *testing.T) {
	b := brokertest.Start(t, brokertest.Config{})
	c := newTestClient(t, b)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	sess, err := c.Subscribe(ctx, testChannel, nil)
	require.NoError(t, err)

	require.NoError(t, c.Disconnect())
	assert.Equal(t, StateDisconnected, c.State())
	assert.Zero(t, c.Sessions())
	assert.Equal(t, subscription.StateClosed, sess.State())

	// Channels stay registered for replay.
	assert.Equal(t, []uuid.UUID{testChannel}, c.Channels())

	require.NoError(t, b.WaitDisconnected(testTimeout))
	assert.Equal(t, 1, b.Goodbyes())

	// Idempotent.
	assert.NoError(t, c.Disconnect())
}

func TestDisconnectNeverConnected(t *testing.T) {
	c, err := New(Config{Host: "broker.invalid"})
	require.NoError(t, err)
	assert.NoError(t, c.Disconnect())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestNoCallbackAfterDisconnect(t *testing.T) {
	b := brokertest.Start(t, brokertest.Config{})
	c := newTestClient(t, b)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	var calls atomic.Int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	_, err := c.Subscribe(ctx, testChannel, func([]byte) {
		calls.Add(1)
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	})
	require.NoError(t, err)
	require.NoError(t, b.WaitLiveSubscribers(testChannel, 1, testTimeout))

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(testChannel, []byte{byte(i)}))
	}
	select {
	case <-started:
	case <-time.After(testTimeout):
		t.Fatal("handler not started")
	}

	require.NoError(t, c.Disconnect())
	close(release)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestConnectionLost(t *testing.T) {
	b := brokertest.Start(t, brokertest.Config{})
	lost := make(chan error, 1)
	c := newTestClient(t, b, WithConnectionLostHandler(func(err error) { lost <- err }))
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	sess, err := c.SubscribeWithOptions(ctx, testChannel, wire.OptionReplay, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sess.State() == subscription.StateLive }, testTimeout, 5*time.Millisecond)

	b.DropConnections()

	select {
	case err := <-lost:
		assert.ErrorIs(t, err, codes.ErrTransportFailed)
	case <-time.After(testTimeout):
		t.Fatal("OnConnectionLost not called")
	}
	assert.Equal(t, StateDisconnected, c.State())
	assert.Zero(t, c.Sessions())

	<-sess.Done()
	assert.ErrorIs(t, sess.Err(), codes.ErrTransportFailed)
	// Replay had completed before the loss.
	assert.Equal(t, subscription.ReplayNoEvents, sess.Result())

	// Credentials can be changed again.
	assert.NoError(t, c.SetCredentials("a", "b"))
}

func TestChannelRejected(t *testing.T) {
	b := brokertest.Start(t, brokertest.Config{})
	c := newTestClient(t, b)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	sess, err := c.Subscribe(ctx, testChannel, nil)
	require.NoError(t, err)
	require.NoError(t, b.WaitLiveSubscribers(testChannel, 1, testTimeout))
	require.NoError(t, b.RejectChannel(testChannel, "no access"))

	select {
	case <-sess.Done():
	case <-time.After(testTimeout):
		t.Fatal("session not closed")
	}
	assert.ErrorIs(t, sess.Err(), ErrChannelRejected)
	assert.Equal(t, StateConnected, c.State())
}

func TestMalformedMessageDropped(t *testing.T) {
	b := brokertest.Start(t, brokertest.Config{})
	reg := prometheus.NewRegistry()
	c := newTestClient(t, b, WithMetrics(metrics.New(metrics.WithRegistry(reg))))
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	rec := newRecorder()
	_, err := c.Subscribe(ctx, testChannel, rec.handle)
	require.NoError(t, err)
	require.NoError(t, b.WaitLiveSubscribers(testChannel, 1, testTimeout))

	require.NoError(t, b.SendFrame([]byte{0x7f, 0x00}))
	require.NoError(t, b.Publish(testChannel, []byte("ok")))

	assert.Equal(t, []string{"ok"}, rec.waitFor(t, 1))
	assert.Equal(t, StateConnected, c.State())
}

func TestEventForUnknownChannelDropped(t *testing.T) {
	b := brokertest.Start(t, brokertest.Config{})
	c := newTestClient(t, b)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	other := uuid.New()
	data, err := wire.DefaultProtocol().Encode(wire.Message{Kind: wire.KindEvent, ChannelID: other, Payload: []byte("x")})
	require.NoError(t, err)

	rec := newRecorder()
	_, err = c.Subscribe(ctx, testChannel, rec.handle)
	require.NoError(t, err)
	require.NoError(t, b.WaitLiveSubscribers(testChannel, 1, testTimeout))

	require.NoError(t, b.SendFrame(data))
	require.NoError(t, b.Publish(testChannel, []byte("mine")))
	assert.Equal(t, []string{"mine"}, rec.waitFor(t, 1))
}

func TestConnectTLS(t *testing.T) {
	serverConf, pool := brokertest.SelfSignedTLS(t)
	b := brokertest.Start(t, brokertest.Config{TLS: serverConf})
	c := newTestClient(t, b, WithTLSConfig(&transport.TLSConfig{RootCAs: pool}))
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))

	rec := newRecorder()
	_, err := c.Subscribe(ctx, testChannel, rec.handle)
	require.NoError(t, err)
	require.NoError(t, b.WaitLiveSubscribers(testChannel, 1, testTimeout))
	require.NoError(t, b.Publish(testChannel, []byte("secure")))
	assert.Equal(t, []string{"secure"}, rec.waitFor(t, 1))
}

func TestConnectTLSUntrusted(t *testing.T) {
	serverConf, _ := brokertest.SelfSignedTLS(t)
	b := brokertest.Start(t, brokertest.Config{TLS: serverConf})
	c := newTestClient(t, b, WithTLSConfig(&transport.TLSConfig{}))

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, codes.ErrTransportFailed)
}

func TestCustomProtocol(t *testing.T) {
	proto := wire.Protocol{Prefix: wire.Prefix32, Opcodes: wire.DefaultOpcodes()}
	proto.Opcodes.Event = 0x44
	b := brokertest.Start(t, brokertest.Config{Protocol: proto})
	c := newTestClient(t, b, WithProtocol(proto))
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	rec := newRecorder()
	_, err := c.Subscribe(ctx, testChannel, rec.handle)
	require.NoError(t, err)
	require.NoError(t, b.WaitLiveSubscribers(testChannel, 1, testTimeout))
	require.NoError(t, b.Publish(testChannel, []byte("wide")))
	assert.Equal(t, []string{"wide"}, rec.waitFor(t, 1))
}

func TestProtocolLogging(t *testing.T) {
	b := brokertest.Start(t, brokertest.Config{})
	logger := &captureLogger{}
	c := newTestClient(t, b, WithProtocolLogger(logger))
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	_, err := c.Subscribe(ctx, testChannel, nil)
	require.NoError(t, err)
	require.NoError(t, c.Disconnect())

	var kinds []string
	var connStates []string
	for _, ev := range logger.Events() {
		if ev.Layer != log.LayerTransport {
			assert.Equal(t, testDevice.String(), ev.DeviceID)
			assert.Equal(t, testProvider.String(), ev.ProviderID)
		}
		if ev.Message != nil {
			kinds = append(kinds, ev.Direction.String()+" "+ev.Message.Kind)
		}
		if ev.StateChange != nil && ev.StateChange.Entity == log.StateEntityConnection {
			connStates = append(connStates, ev.StateChange.NewState)
		}
	}
	assert.Contains(t, kinds, "OUT AUTHENTICATE")
	assert.Contains(t, kinds, "IN AUTH_ACCEPTED")
	assert.Contains(t, kinds, "OUT SUBSCRIBE")
	assert.Contains(t, kinds, "OUT GOODBYE")
	assert.Equal(t, []string{"CONNECTING", "CONNECTED", "DISCONNECTED"}, connStates)
}

func TestMetrics(t *testing.T) {
	b := brokertest.Start(t, brokertest.Config{})
	reg := prometheus.NewRegistry()
	c := newTestClient(t, b, WithMetrics(metrics.New(metrics.WithRegistry(reg))))
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	rec := newRecorder()
	_, err := c.Subscribe(ctx, testChannel, rec.handle)
	require.NoError(t, err)
	require.NoError(t, b.WaitLiveSubscribers(testChannel, 1, testTimeout))
	require.NoError(t, b.Publish(testChannel, []byte("A1")))
	rec.waitFor(t, 1)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := make(map[string]float64)
	for _, f := range families {
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[f.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[f.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, values["courage_client_connect_attempts_total"])
	assert.Equal(t, 1.0, values["courage_client_connected"])
	assert.Equal(t, 1.0, values["courage_client_active_sessions"])
	assert.Equal(t, 1.0, values["courage_client_events_delivered_total"])
	assert.GreaterOrEqual(t, values["courage_client_frames_total"], 4.0)
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	bad := wire.DefaultProtocol()
	bad.Opcodes.Event = bad.Opcodes.Subscribe
	_, err = New(Config{Host: "h", Protocol: bad})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	c, err := New(Config{Host: "h"})
	require.NoError(t, err)
	assert.Equal(t, uint16(DefaultPort), c.Config().Port)
	assert.Equal(t, DefaultAuthTimeout, c.Config().AuthTimeout)
	assert.Equal(t, wire.DefaultProtocol(), c.Config().Protocol)
	assert.Equal(t, StateDisconnected, c.State())
}
