package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/newtricks/courage-go/pkg/log"
)

func frame(length uint32, payload []byte) []byte {
	b := make([]byte, LengthPrefixSize, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(b, length)
	return append(b, payload...)
}

func TestFrameRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{0x42},
		[]byte("AUTH_ACCEPTED"),
		{0x00, 0xFF, 0x7F, 0x80},
		bytes.Repeat([]byte("e"), DefaultMaxMessageSize),
	}

	var buf bytes.Buffer
	w := NewFrameWriter(&buf)
	for _, p := range payloads {
		if err := w.WriteFrame(p); err != nil {
			t.Fatalf("WriteFrame(%d bytes): %v", len(p), err)
		}
	}

	r := NewFrameReader(&buf)
	for i, want := range payloads {
		got, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d: got %d bytes, want %d", i, len(got), len(want))
		}
	}
	if _, err := r.ReadFrame(); err != io.EOF {
		t.Errorf("after last frame: %v, want io.EOF", err)
	}
}

func TestWriteFrameRejects(t *testing.T) {
	w := NewFrameWriterWithMaxSize(io.Discard, 8)
	if err := w.WriteFrame(nil); !errors.Is(err, ErrMessageEmpty) {
		t.Errorf("empty: %v", err)
	}
	if err := w.WriteFrame(make([]byte, 9)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("oversize: %v", err)
	}
}

func TestReadFrameErrors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  error
	}{
		{"zero length", frame(0, nil), ErrMessageEmpty},
		{"oversize", frame(9, nil), ErrMessageTooLarge},
		{"short prefix", []byte{0x00, 0x00}, ErrFrameTruncated},
		{"short payload", frame(5, []byte("ab")), ErrFrameTruncated},
		{"no payload", frame(5, nil), ErrFrameTruncated},
		{"clean end", nil, io.EOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFrameReaderWithMaxSize(bytes.NewReader(tt.input), 8).ReadFrame()
			if !errors.Is(err, tt.want) {
				t.Errorf("ReadFrame() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFramerOverPipe(t *testing.T) {
	type duplex struct {
		io.Reader
		io.Writer
	}
	toBroker, fromClient := io.Pipe()
	toClient, fromBroker := io.Pipe()
	client := NewFramer(duplex{toClient, fromClient})
	broker := NewFramer(duplex{toBroker, fromBroker})

	go func() {
		req, err := broker.ReadFrame()
		if err == nil {
			err = broker.WriteFrame(append([]byte("ack:"), req...))
		}
		if err != nil {
			fromBroker.CloseWithError(err)
		}
	}()

	if err := client.WriteFrame([]byte("subscribe")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := client.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(got) != "ack:subscribe" {
		t.Errorf("reply = %q", got)
	}
}

func TestConcurrentWritersKeepFramesWhole(t *testing.T) {
	var buf bytes.Buffer
	w := NewFrameWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(b byte) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = w.WriteFrame(bytes.Repeat([]byte{b}, 100))
			}
		}(byte('a' + i))
	}
	wg.Wait()

	r := NewFrameReader(&buf)
	for n := 0; n < 400; n++ {
		p, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("frame %d: %v", n, err)
		}
		if !bytes.Equal(p, bytes.Repeat(p[:1], 100)) {
			t.Fatalf("frame %d interleaved", n)
		}
	}
}

type frameCapture struct {
	mu     sync.Mutex
	events []log.Event
}

func (c *frameCapture) Log(ev log.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *frameCapture) Events() []log.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]log.Event(nil), c.events...)
}

func TestFramerCapturesFrames(t *testing.T) {
	var buf bytes.Buffer
	capture := &frameCapture{}
	f := NewFramer(&buf)
	f.SetLogger(capture, "conn-1", "10.0.0.2:7500")

	big := bytes.Repeat([]byte{0xAB}, MaxLogFrameDataSize+10)
	if err := f.WriteFrame([]byte("hi")); err != nil {
		t.Fatal(err)
	}
	if err := f.WriteFrame(big); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ReadFrame(); err != nil {
		t.Fatal(err)
	}

	events := capture.Events()
	if len(events) != 3 {
		t.Fatalf("captured %d events, want 3", len(events))
	}
	out, bigOut, in := events[0], events[1], events[2]

	if out.Direction != log.DirectionOut || in.Direction != log.DirectionIn {
		t.Errorf("directions = %v, %v", out.Direction, in.Direction)
	}
	for _, ev := range events {
		if ev.Layer != log.LayerTransport || ev.ConnectionID != "conn-1" || ev.RemoteAddr != "10.0.0.2:7500" {
			t.Errorf("event header = %+v", ev)
		}
	}
	if out.Frame.Size != FrameSize(2) || string(out.Frame.Data) != "hi" || out.Frame.Truncated {
		t.Errorf("small frame = %+v", out.Frame)
	}
	if !bigOut.Frame.Truncated || len(bigOut.Frame.Data) != MaxLogFrameDataSize || bigOut.Frame.Size != FrameSize(len(big)) {
		t.Errorf("large frame: size %d, data %d, truncated %v", bigOut.Frame.Size, len(bigOut.Frame.Data), bigOut.Frame.Truncated)
	}
}

func TestFramerWithoutLogger(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf)
	f.SetLogger(nil, "", "")
	if err := f.WriteFrame([]byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ReadFrame(); err != nil {
		t.Fatal(err)
	}
}
