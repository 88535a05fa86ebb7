package log

import (
	"errors"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// Reader streams capture records that match a Filter.
type Reader struct {
	dec    *cbor.Decoder
	filter Filter
	closer io.Closer
}

// NewReader reads records from r.
func NewReader(r io.Reader, filter Filter) *Reader {
	rd := &Reader{dec: newDecoder(r), filter: filter}
	if c, ok := r.(io.Closer); ok {
		rd.closer = c
	}
	return rd
}

// OpenReader reads the capture file at path.
func OpenReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return NewReader(f, filter), nil
}

// Next returns the next matching event, or io.EOF at the end of input.
func (r *Reader) Next() (Event, error) {
	for {
		var event Event
		if err := r.dec.Decode(&event); err != nil {
			return Event{}, err
		}
		if r.filter.Match(event) {
			return event, nil
		}
	}
}

// Each calls fn for every remaining matching event. It stops at the first
// error from fn and returns it; reaching the end of input returns nil.
func (r *Reader) Each(fn func(Event) error) error {
	for {
		event, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(event); err != nil {
			return err
		}
	}
}

// Close closes the underlying source if it is closable.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
