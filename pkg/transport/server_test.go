package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu       sync.Mutex
	frames   []string
	conns    chan *ServerConn
	gone     chan error
	received chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		conns:    make(chan *ServerConn, 4),
		gone:     make(chan error, 4),
		received: make(chan struct{}, 100),
	}
}

func (h *recordingHandler) Connected(c *ServerConn) { h.conns <- c }

func (h *recordingHandler) Received(_ *ServerConn, frame []byte) {
	h.mu.Lock()
	h.frames = append(h.frames, string(frame))
	h.mu.Unlock()
	h.received <- struct{}{}
}

func (h *recordingHandler) Disconnected(_ *ServerConn, err error) { h.gone <- err }

func listen(t *testing.T, cfg ServerConfig, h Handler) *Server {
	t.Helper()
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:0"
	}
	srv, err := Listen(context.Background(), cfg, h)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestServerDeliversFramesInOrder(t *testing.T) {
	h := newRecordingHandler()
	srv := listen(t, ServerConfig{}, h)

	conn, err := NewDialer(DialerConfig{}).Dial(context.Background(), srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 50; i++ {
		require.NoError(t, conn.Send([]byte(fmt.Sprintf("m%02d", i))))
	}
	for i := 0; i < 50; i++ {
		select {
		case <-h.received:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d frames", i)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, m := range h.frames {
		assert.Equal(t, fmt.Sprintf("m%02d", i), m)
	}
}

func TestServerConnectionLifecycle(t *testing.T) {
	h := newRecordingHandler()
	srv := listen(t, ServerConfig{}, h)

	conn, err := NewDialer(DialerConfig{}).Dial(context.Background(), srv.Addr().String())
	require.NoError(t, err)

	sc := <-h.conns
	assert.NotEmpty(t, sc.ID())
	assert.Len(t, srv.Conns(), 1)

	require.NoError(t, conn.Close())
	select {
	case err := <-h.gone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect")
	}
	assert.Empty(t, srv.Conns())
	<-sc.Done()
	assert.ErrorIs(t, sc.Send([]byte("x")), ErrConnectionClosed)
}

func TestServerUnframedWriteReachesClient(t *testing.T) {
	h := newRecordingHandler()
	srv := listen(t, ServerConfig{MaxMessageSize: 16}, h)

	conn, err := NewDialer(DialerConfig{MaxMessageSize: 16}).Dial(context.Background(), srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	sc := <-h.conns
	var prefix [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], 1000)
	require.NoError(t, sc.WriteUnframed(prefix[:]))

	_, err = conn.Receive(time.Second)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestServerCloseDropsConnections(t *testing.T) {
	h := newRecordingHandler()
	srv, err := Listen(context.Background(), ServerConfig{Address: "127.0.0.1:0"}, h)
	require.NoError(t, err)

	conn, err := NewDialer(DialerConfig{}).Dial(context.Background(), srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	sc := <-h.conns

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())
	<-sc.Done()

	_, err = conn.Receive(time.Second)
	assert.Error(t, err)
}

func TestServerStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv, err := Listen(ctx, ServerConfig{Address: "127.0.0.1:0"}, newRecordingHandler())
	require.NoError(t, err)
	addr := srv.Addr().String()

	cancel()
	require.NoError(t, srv.Close())
	_, err = NewDialer(DialerConfig{}).Dial(context.Background(), addr)
	assert.Error(t, err)
}
