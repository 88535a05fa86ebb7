package log

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

var (
	captureEnc = mustEncMode(cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	})
	captureDec = mustDecMode(cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	})
)

func mustEncMode(opts cbor.EncOptions) cbor.EncMode {
	m, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("log: capture encoder: %v", err))
	}
	return m
}

func mustDecMode(opts cbor.DecOptions) cbor.DecMode {
	m, err := opts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("log: capture decoder: %v", err))
	}
	return m
}

// Marshal encodes one capture record. Records are self-delimiting, so a
// capture file is simply their concatenation.
func Marshal(event Event) ([]byte, error) {
	return captureEnc.Marshal(event)
}

// Unmarshal decodes a single capture record.
func Unmarshal(data []byte) (Event, error) {
	var event Event
	if err := captureDec.Unmarshal(data, &event); err != nil {
		return Event{}, err
	}
	return event, nil
}

func newDecoder(r io.Reader) *cbor.Decoder {
	return captureDec.NewDecoder(r)
}
