package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/newtricks/courage-go/pkg/log"
)

const (
	// LengthPrefixSize is the width of the big-endian frame length.
	LengthPrefixSize = 4

	// DefaultMaxMessageSize bounds a frame payload (64 KiB).
	DefaultMaxMessageSize = 64 << 10

	// MaxLogFrameDataSize bounds the frame bytes copied into a capture.
	MaxLogFrameDataSize = 4 << 10
)

var (
	ErrMessageTooLarge = errors.New("message too large")
	ErrMessageEmpty    = errors.New("message is empty")
	ErrFrameTruncated  = errors.New("frame truncated")
)

// FrameSize returns the on-wire size of a frame carrying payloadSize bytes.
func FrameSize(payloadSize int) int {
	return LengthPrefixSize + payloadSize
}

// tap copies frames into a protocol capture.
type tap struct {
	logger log.Logger
	connID string
	remote string
}

// SetLogger attaches a capture. A nil logger detaches it.
func (t *tap) SetLogger(logger log.Logger, connID, remoteAddr string) {
	*t = tap{logger: logger, connID: connID, remote: remoteAddr}
}

func (t *tap) frame(dir log.Direction, payload []byte) {
	if t.logger == nil {
		return
	}
	ev := &log.FrameEvent{Size: FrameSize(len(payload)), Data: payload}
	if len(payload) > MaxLogFrameDataSize {
		ev.Data, ev.Truncated = payload[:MaxLogFrameDataSize], true
	}
	t.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: t.connID,
		Direction:    dir,
		Layer:        log.LayerTransport,
		Category:     log.CategoryMessage,
		RemoteAddr:   t.remote,
		Frame:        ev,
	})
}

func checkSize(n int, limit uint32) error {
	switch {
	case n == 0:
		return ErrMessageEmpty
	case uint64(n) > uint64(limit):
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, n, limit)
	}
	return nil
}

// FrameWriter writes length-prefixed frames. WriteFrame is safe for
// concurrent use; each frame goes out in a single Write.
type FrameWriter struct {
	tap
	mu  sync.Mutex
	w   io.Writer
	max uint32
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return NewFrameWriterWithMaxSize(w, DefaultMaxMessageSize)
}

func NewFrameWriterWithMaxSize(w io.Writer, maxSize uint32) *FrameWriter {
	return &FrameWriter{w: w, max: maxSize}
}

// WriteFrame sends payload as one frame.
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	if err := checkSize(len(payload), fw.max); err != nil {
		return err
	}

	buf := make([]byte, FrameSize(len(payload)))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	fw.frame(log.DirectionOut, payload)
	return nil
}

// FrameReader reads length-prefixed frames. It is not safe for concurrent
// use.
type FrameReader struct {
	tap
	r      io.Reader
	max    uint32
	prefix [LengthPrefixSize]byte
}

func NewFrameReader(r io.Reader) *FrameReader {
	return NewFrameReaderWithMaxSize(r, DefaultMaxMessageSize)
}

func NewFrameReaderWithMaxSize(r io.Reader, maxSize uint32) *FrameReader {
	return &FrameReader{r: r, max: maxSize}
}

// ReadFrame returns the next frame payload. It returns io.EOF only when the
// stream ends cleanly between frames; a stream that ends inside a frame
// yields ErrFrameTruncated.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if err := fr.fill(fr.prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(fr.prefix[:])
	if err := checkSize(int(n), fr.max); err != nil {
		return nil, err
	}

	payload := make([]byte, n)
	if err := fr.fill(payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrFrameTruncated
		}
		return nil, err
	}
	fr.frame(log.DirectionIn, payload)
	return payload, nil
}

func (fr *FrameReader) fill(b []byte) error {
	_, err := io.ReadFull(fr.r, b)
	switch err {
	case nil, io.EOF:
		return err
	case io.ErrUnexpectedEOF:
		return ErrFrameTruncated
	}
	return fmt.Errorf("failed to read frame: %w", err)
}

// Framer reads and writes frames on one stream.
type Framer struct {
	*FrameReader
	*FrameWriter
}

func NewFramer(rw io.ReadWriter) *Framer {
	return NewFramerWithMaxSize(rw, DefaultMaxMessageSize)
}

func NewFramerWithMaxSize(rw io.ReadWriter, maxSize uint32) *Framer {
	return &Framer{
		FrameReader: NewFrameReaderWithMaxSize(rw, maxSize),
		FrameWriter: NewFrameWriterWithMaxSize(rw, maxSize),
	}
}

// SetLogger attaches the capture to both directions.
func (f *Framer) SetLogger(logger log.Logger, connID, remoteAddr string) {
	f.FrameReader.SetLogger(logger, connID, remoteAddr)
	f.FrameWriter.SetLogger(logger, connID, remoteAddr)
}
