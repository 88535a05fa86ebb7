package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newtricks/courage-go/internal/brokertest"
	"github.com/newtricks/courage-go/pkg/codes"
	"github.com/newtricks/courage-go/pkg/discovery"
	"github.com/newtricks/courage-go/pkg/log"
	"github.com/newtricks/courage-go/pkg/persistence"
	"github.com/newtricks/courage-go/pkg/reconnect"
	"github.com/newtricks/courage-go/pkg/subscription"
	"github.com/newtricks/courage-go/pkg/wire"
)

const testTimeout = 5 * time.Second

var (
	alerts   = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	metering = uuid.MustParse("44444444-4444-4444-4444-444444444444")
	provider = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	device   = uuid.MustParse("33333333-3333-3333-3333-333333333333")
)

// syncBuffer is a bytes.Buffer safe for use from handler goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// newTestApp writes a configuration for broker b and returns a set-up app.
func newTestApp(t *testing.T, b *brokertest.Broker, withKeys bool) *app {
	t.Helper()
	dir := t.TempDir()

	creds := ""
	if withKeys {
		creds = `
credentials:
  public_key: pub-key
  private_key: priv-key`
	}
	yaml := fmt.Sprintf(`
broker:
  host: %s
  port: %d
provider_id: %s
device_id: %s
%s
channels:
  - id: %s
    name: alerts
  - id: %s
    name: metering
state_file: state.json
`, b.Host(), b.Port(), provider, device, creds, alerts, metering)

	path := filepath.Join(dir, "courage.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0600))

	a := &app{configPath: path}
	require.NoError(t, a.setup(io.Discard))
	t.Cleanup(a.close)
	return a
}

func loadState(t *testing.T, a *app) *persistence.ClientState {
	t.Helper()
	state, err := a.store.Load()
	require.NoError(t, err)
	require.NotNil(t, state)
	return state
}

func TestReplayRecordsOutcomePerChannel(t *testing.T) {
	b := brokertest.Start(t, brokertest.Config{})
	b.SetBacklog(alerts, []byte("door open"), []byte("door closed"))
	a := newTestApp(t, b, true)

	var out syncBuffer
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	result, err := runReplay(ctx, a, nil, false, &out)
	require.NoError(t, err)
	assert.Equal(t, subscription.ReplayNewEvents, result)

	output := out.String()
	assert.Contains(t, output, "[alerts] door open")
	assert.Contains(t, output, "[alerts] door closed")
	assert.Contains(t, output, "replay: NEW_EVENTS")
	assert.Less(t, strings.Index(output, "door open"), strings.Index(output, "door closed"))

	state := loadState(t, a)
	require.NotNil(t, state.Channel(alerts))
	assert.Equal(t, "NEW_EVENTS", state.Channel(alerts).LastResult)
	assert.Equal(t, 2, state.Channel(alerts).Events)
	assert.Equal(t, "alerts", state.Channel(alerts).Name)
	require.NotNil(t, state.Channel(metering))
	assert.Equal(t, "NO_EVENTS", state.Channel(metering).LastResult)

	require.NoError(t, b.WaitDisconnected(testTimeout))
}

func TestReplaySelectedChannelByName(t *testing.T) {
	b := brokertest.Start(t, brokertest.Config{})
	b.SetBacklog(metering, []byte("42 kWh"))
	a := newTestApp(t, b, true)

	var out syncBuffer
	result, err := runReplay(context.Background(), a, []string{"alerts"}, false, &out)
	require.NoError(t, err)
	assert.Equal(t, subscription.ReplayNoEvents, result)
	assert.NotContains(t, out.String(), "42 kWh")

	subs := b.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, alerts, subs[0].ChannelID)
}

func TestReplayWithoutCredentialsFails(t *testing.T) {
	b := brokertest.Start(t, brokertest.Config{})
	a := newTestApp(t, b, false)

	var out syncBuffer
	result, err := runReplay(context.Background(), a, nil, false, &out)
	require.NoError(t, err)
	assert.Equal(t, subscription.ReplayFailed, result)
	assert.Contains(t, out.String(), "replay: FAILED")
	assert.Equal(t, 0, b.Connections())

	state := loadState(t, a)
	assert.Equal(t, "FAILED", state.Channel(alerts).LastResult)
}

func TestSubscribePrintsEventsUntilCanceled(t *testing.T) {
	b := brokertest.Start(t, brokertest.Config{})
	a := newTestApp(t, b, true)

	var out syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runSubscribe(ctx, a, []string{"alerts"}, subscribeOptions{asHex: true}, &out) }()

	require.NoError(t, b.WaitLiveSubscribers(alerts, 1, testTimeout))
	require.NoError(t, b.Publish(alerts, []byte{0xca, 0xfe}))
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "[alerts] cafe")
	}, testTimeout, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("subscribe did not return")
	}
	require.NoError(t, b.WaitDisconnected(testTimeout))
	assert.Equal(t, 1, b.Goodbyes())
}

func TestSubscribeReturnsOnConnectionLoss(t *testing.T) {
	b := brokertest.Start(t, brokertest.Config{})
	a := newTestApp(t, b, true)

	done := make(chan error, 1)
	go func() { done <- runSubscribe(context.Background(), a, nil, subscribeOptions{}, io.Discard) }()

	require.NoError(t, b.WaitLiveSubscribers(metering, 1, testTimeout))
	b.DropConnections()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection lost")
	case <-time.After(testTimeout):
		t.Fatal("subscribe did not return")
	}
}

func TestSubscribeReconnects(t *testing.T) {
	b := brokertest.Start(t, brokertest.Config{})
	a := newTestApp(t, b, true)

	var out syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := subscribeOptions{
		reconnect: true,
		backoff:   reconnect.BackoffConfig{Initial: 10 * time.Millisecond, Max: 20 * time.Millisecond},
	}
	done := make(chan error, 1)
	go func() { done <- runSubscribe(ctx, a, []string{"alerts"}, opts, &out) }()

	require.NoError(t, b.WaitLiveSubscribers(alerts, 1, testTimeout))
	b.DropConnections()

	require.Eventually(t, func() bool { return b.Connections() == 2 }, testTimeout, 10*time.Millisecond)
	// The dropped peer may still be listed until its disconnect is processed.
	require.Eventually(t, func() bool {
		_ = b.Publish(alerts, []byte("after reconnect"))
		return strings.Contains(out.String(), "[alerts] after reconnect")
	}, testTimeout, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("subscribe did not return")
	}
}

func TestSubscribeReconnectStopsOnRejectedIdentity(t *testing.T) {
	b := brokertest.Start(t, brokertest.Config{
		Authenticate: func(c wire.Credentials) error { return errors.New("unknown device") },
	})
	a := newTestApp(t, b, true)

	opts := subscribeOptions{
		reconnect: true,
		backoff:   reconnect.BackoffConfig{Initial: time.Millisecond},
	}
	err := runSubscribe(context.Background(), a, nil, opts, io.Discard)
	code, ok := codes.CodeOf(err)
	require.True(t, ok, "err = %v", err)
	assert.Equal(t, codes.AuthenticationFailed, code)
	assert.Equal(t, 1, b.Connections())
}

func TestShellSession(t *testing.T) {
	b := brokertest.Start(t, brokertest.Config{})
	b.SetBacklog(alerts, []byte("missed"))
	a := newTestApp(t, b, true)

	var out syncBuffer
	s, err := newShell(a, &out)
	require.NoError(t, err)
	ctx := context.Background()

	assert.False(t, s.exec(ctx, "connect"))
	assert.Contains(t, out.String(), "ok (CONNECTED)")

	s.exec(ctx, "status")
	assert.Contains(t, out.String(), "state:    CONNECTED")

	s.exec(ctx, "register")
	assert.Contains(t, out.String(), "registered 2 channels")

	s.exec(ctx, "replay")
	assert.Contains(t, out.String(), "[alerts] missed")
	assert.Contains(t, out.String(), "replay: NEW_EVENTS")

	s.exec(ctx, "unregister metering")
	s.exec(ctx, "channels")
	assert.Contains(t, out.String(), alerts.String())

	s.exec(ctx, "frobnicate")
	assert.Contains(t, out.String(), "Unknown command: frobnicate")

	assert.True(t, s.exec(ctx, "quit"))
}

func TestShellSubscribeLive(t *testing.T) {
	b := brokertest.Start(t, brokertest.Config{})
	a := newTestApp(t, b, true)

	var out syncBuffer
	s, err := newShell(a, &out)
	require.NoError(t, err)
	ctx := context.Background()
	defer s.c.Disconnect()

	s.exec(ctx, "subscribe alerts")
	assert.Contains(t, out.String(), "error:", "subscribe requires a connection")

	s.exec(ctx, "connect")
	s.exec(ctx, "subscribe alerts replay")
	assert.Contains(t, out.String(), "subscribed alerts (replay)")

	require.NoError(t, b.WaitLiveSubscribers(alerts, 1, testTimeout))
	require.NoError(t, b.Publish(alerts, []byte("live")))
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "[alerts] live")
	}, testTimeout, 10*time.Millisecond)
}

func TestResolveChannel(t *testing.T) {
	configured := []channel{{ID: alerts, Name: "alerts"}}

	ch, err := resolveChannel(configured, "alerts")
	require.NoError(t, err)
	assert.Equal(t, alerts, ch.ID)

	ch, err = resolveChannel(configured, alerts.String())
	require.NoError(t, err)
	assert.Equal(t, "alerts", ch.Name)

	ch, err = resolveChannel(configured, metering.String())
	require.NoError(t, err)
	assert.Equal(t, metering.String(), ch.Label())

	_, err = resolveChannel(configured, "nope")
	assert.Error(t, err)
}

func TestParseBacklog(t *testing.T) {
	got, err := parseBacklog([]string{
		alerts.String() + "=a",
		alerts.String() + "=b=c",
		metering.String() + "=",
	})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b=c")}, got[alerts])
	assert.Equal(t, [][]byte{[]byte("")}, got[metering])

	_, err = parseBacklog([]string{"no-separator"})
	assert.Error(t, err)
	_, err = parseBacklog([]string{"not-a-uuid=x"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"", "debug", "INFO", "warn", "error"} {
		_, err := parseLevel(s)
		assert.NoError(t, err, s)
	}
	_, err := parseLevel("loud")
	assert.Error(t, err)
}

func TestPrintBrokers(t *testing.T) {
	results := make(chan *discovery.BrokerService, 2)
	results <- &discovery.BrokerService{
		InstanceName: "broker-1",
		Host:         "broker.local.",
		Port:         7443,
		Addresses:    []string{"192.168.1.10"},
		ProviderID:   provider,
	}
	results <- &discovery.BrokerService{
		InstanceName: "other",
		Host:         "other.local.",
		Port:         7443,
		ProviderID:   uuid.New(),
	}
	close(results)

	var out bytes.Buffer
	n := printBrokers(&out, results, provider, true)
	assert.Equal(t, 1, n)
	assert.Equal(t, "courage://192.168.1.10:7443?provider="+provider.String()+"\n", out.String())
}

func TestLogCommandReadsProtocolCapture(t *testing.T) {
	b := brokertest.Start(t, brokertest.Config{})
	b.SetBacklog(alerts, []byte("x"))
	a := newTestApp(t, b, true)
	a.protocolLog = filepath.Join(t.TempDir(), "courage.clog")

	_, err := runReplay(context.Background(), a, []string{"alerts"}, false, io.Discard)
	require.NoError(t, err)
	a.close()

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"log", "view", "--layer", "wire", "--direction", "in", a.protocolLog})
	require.NoError(t, root.Execute())

	output := out.String()
	assert.Contains(t, output, "AUTH_ACCEPTED")
	assert.Contains(t, output, "EVENT")
	assert.Contains(t, output, "REPLAY_COMPLETE")

	wireLayer := log.LayerWire
	r, err := log.OpenReader(a.protocolLog, log.Filter{Layer: &wireLayer})
	require.NoError(t, err)
	defer r.Close()
	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, device.String(), ev.DeviceID)
}
