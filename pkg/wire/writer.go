package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/newtricks/courage-go/pkg/codes"
)

// PrefixWidth is the byte width of the length prefix written before strings
// and blobs.
type PrefixWidth uint8

const (
	// Prefix8 is a one-byte length prefix (max 255).
	Prefix8 PrefixWidth = 1

	// Prefix16 is a two-byte length prefix (max 65535).
	Prefix16 PrefixWidth = 2

	// Prefix32 is a four-byte length prefix (max 4294967295).
	Prefix32 PrefixWidth = 4
)

// DefaultPrefixWidth is the length prefix width used by the reference broker.
// A blob may then hold 65535 bytes, but an Event also carries an opcode and
// a channel id, so with 64 KiB transport frames the largest event payload is
// 65517 bytes. See Protocol.MaxEventPayload.
const DefaultPrefixWidth = Prefix16

// Writer errors.
var (
	// ErrTooLong indicates a string or blob exceeds the prefix capacity.
	ErrTooLong = errors.New("value too long for length prefix")

	// ErrInvalidUTF8 indicates a string is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("string is not valid UTF-8")

	// ErrInvalidPrefixWidth indicates an unsupported prefix width.
	ErrInvalidPrefixWidth = errors.New("invalid length prefix width")
)

// Valid reports whether w is a supported width.
func (w PrefixWidth) Valid() bool {
	switch w {
	case Prefix8, Prefix16, Prefix32:
		return true
	default:
		return false
	}
}

// Max returns the largest length the prefix can express.
func (w PrefixWidth) Max() uint64 {
	switch w {
	case Prefix8:
		return 0xFF
	case Prefix16:
		return 0xFFFF
	case Prefix32:
		return 0xFFFFFFFF
	default:
		return 0
	}
}

// String returns the width in bits, e.g. "uint16".
func (w PrefixWidth) String() string {
	if !w.Valid() {
		return "invalid"
	}
	return fmt.Sprintf("uint%d", int(w)*8)
}

// put appends n encoded with the given width. The caller has checked n <= w.Max().
func (w PrefixWidth) put(buf *bytes.Buffer, n int) {
	var b [4]byte
	switch w {
	case Prefix8:
		buf.WriteByte(byte(n))
	case Prefix16:
		binary.BigEndian.PutUint16(b[:2], uint16(n))
		buf.Write(b[:2])
	case Prefix32:
		binary.BigEndian.PutUint32(b[:4], uint32(n))
		buf.Write(b[:4])
	}
}

// Writer appends protocol primitives to a growable buffer.
//
// A Writer is not safe for concurrent use. The buffer only grows; failed
// writes leave it unchanged.
type Writer struct {
	buf   *bytes.Buffer
	width PrefixWidth
	err   error
}

// NewWriter returns a Writer appending to buf with the default prefix width.
func NewWriter(buf *bytes.Buffer) *Writer {
	return &Writer{buf: buf, width: DefaultPrefixWidth}
}

// NewWriterWidth returns a Writer appending to buf using the given prefix
// width. An invalid width falls back to DefaultPrefixWidth.
func NewWriterWidth(buf *bytes.Buffer, width PrefixWidth) *Writer {
	if !width.Valid() {
		width = DefaultPrefixWidth
	}
	return &Writer{buf: buf, width: width}
}

// Len returns the number of bytes in the underlying buffer.
func (w *Writer) Len() int {
	return w.buf.Len()
}

// Err returns the first WriteString/WriteBlob failure, wrapped in the
// courage error domain, or nil.
func (w *Writer) Err() error {
	return w.err
}

// WriteUint8 appends one byte.
func (w *Writer) WriteUint8(u uint8) {
	w.buf.WriteByte(u)
}

// WriteUUID appends the 16-byte binary form of u.
func (w *Writer) WriteUUID(u uuid.UUID) {
	w.buf.Write(u[:])
}

// WriteString appends a length-prefixed UTF-8 string. It returns false,
// leaving the buffer unchanged, if s is not valid UTF-8 or is longer than
// the prefix can express.
func (w *Writer) WriteString(s string) bool {
	if !utf8.ValidString(s) {
		w.fail("write string", ErrInvalidUTF8)
		return false
	}
	if uint64(len(s)) > w.width.Max() {
		w.fail("write string", fmt.Errorf("%w: %d > %d", ErrTooLong, len(s), w.width.Max()))
		return false
	}
	w.width.put(w.buf, len(s))
	w.buf.WriteString(s)
	return true
}

// WriteBlob appends length-prefixed raw bytes. It returns false, leaving the
// buffer unchanged, if b is longer than the prefix can express.
func (w *Writer) WriteBlob(b []byte) bool {
	if uint64(len(b)) > w.width.Max() {
		w.fail("write blob", fmt.Errorf("%w: %d > %d", ErrTooLong, len(b), w.width.Max()))
		return false
	}
	w.width.put(w.buf, len(b))
	w.buf.Write(b)
	return true
}

func (w *Writer) fail(op string, err error) {
	if w.err == nil {
		w.err = codes.New(codes.EncodingFailed, op, err)
	}
}
