package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Reader errors.
var (
	// ErrShortBuffer indicates the message ended before a value was complete.
	ErrShortBuffer = errors.New("short buffer")

	// ErrTrailingBytes indicates unread bytes after the last expected value.
	ErrTrailingBytes = errors.New("trailing bytes")
)

// Reader consumes protocol primitives from a byte slice.
type Reader struct {
	data  []byte
	off   int
	width PrefixWidth
}

// NewReader returns a Reader over data using the given prefix width.
func NewReader(data []byte, width PrefixWidth) *Reader {
	if !width.Valid() {
		width = DefaultPrefixWidth
	}
	return &Reader{data: data, width: width}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.off
}

// ReadUint8 reads one byte.
func (r *Reader) ReadUint8() (uint8, error) {
	if r.Remaining() < 1 {
		return 0, ErrShortBuffer
	}
	b := r.data[r.off]
	r.off++
	return b, nil
}

// ReadUUID reads a 16-byte UUID.
func (r *Reader) ReadUUID() (uuid.UUID, error) {
	var u uuid.UUID
	if r.Remaining() < len(u) {
		return uuid.Nil, ErrShortBuffer
	}
	copy(u[:], r.data[r.off:])
	r.off += len(u)
	return u, nil
}

// ReadBlob reads a length-prefixed byte sequence. The result is a copy.
func (r *Reader) ReadBlob() ([]byte, error) {
	n, err := r.readLength()
	if err != nil {
		return nil, err
	}
	if uint64(r.Remaining()) < n {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrShortBuffer, n, r.Remaining())
	}
	out := make([]byte, n)
	copy(out, r.data[r.off:])
	r.off += int(n)
	return out, nil
}

// ReadString reads a length-prefixed UTF-8 string.
func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBlob()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", ErrInvalidUTF8
	}
	return string(b), nil
}

// Done returns ErrTrailingBytes if unread bytes remain.
func (r *Reader) Done() error {
	if n := r.Remaining(); n != 0 {
		return fmt.Errorf("%w: %d", ErrTrailingBytes, n)
	}
	return nil
}

func (r *Reader) readLength() (uint64, error) {
	w := int(r.width)
	if r.Remaining() < w {
		return 0, ErrShortBuffer
	}
	p := r.data[r.off : r.off+w]
	r.off += w
	switch r.width {
	case Prefix8:
		return uint64(p[0]), nil
	case Prefix16:
		return uint64(binary.BigEndian.Uint16(p)), nil
	default:
		return uint64(binary.BigEndian.Uint32(p)), nil
	}
}
