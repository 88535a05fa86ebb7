package wire

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Opcode is the first byte of every message.
type Opcode uint8

// Opcodes maps message kinds to broker opcode values.
type Opcodes struct {
	// Outbound (client to broker).
	Authenticate Opcode
	Subscribe    Opcode
	Goodbye      Opcode

	// Inbound (broker to client).
	AuthAccepted   Opcode
	AuthRejected   Opcode
	SubscribeAck   Opcode
	Event          Opcode
	ReplayComplete Opcode
	ChannelError   Opcode
}

// Protocol holds the broker-protocol constants: the length prefix width used
// for strings and blobs and the opcode table.
type Protocol struct {
	Prefix  PrefixWidth
	Opcodes Opcodes
}

// DefaultOpcodes returns the opcode values of the reference broker.
func DefaultOpcodes() Opcodes {
	return Opcodes{
		Authenticate:   0x01,
		Subscribe:      0x02,
		Goodbye:        0x03,
		AuthAccepted:   0x81,
		AuthRejected:   0x82,
		SubscribeAck:   0x83,
		Event:          0x84,
		ReplayComplete: 0x85,
		ChannelError:   0x86,
	}
}

// DefaultProtocol returns the reference broker protocol constants.
func DefaultProtocol() Protocol {
	return Protocol{
		Prefix:  DefaultPrefixWidth,
		Opcodes: DefaultOpcodes(),
	}
}

// MaxEventPayload returns the largest Event payload whose encoding fits in
// frameSize bytes: the frame space left after the opcode, channel id and
// blob prefix, capped by what the prefix can express.
func (p Protocol) MaxEventPayload(frameSize int) int {
	n := frameSize - 1 - len(uuid.UUID{}) - int(p.Prefix)
	switch {
	case n < 0:
		return 0
	case uint64(n) > p.Prefix.Max():
		return int(p.Prefix.Max())
	}
	return n
}

// ErrDuplicateOpcode indicates two message kinds share an opcode.
var ErrDuplicateOpcode = errors.New("duplicate opcode")

// Validate checks that the prefix width is supported and opcodes are distinct.
func (p Protocol) Validate() error {
	if !p.Prefix.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPrefixWidth, p.Prefix)
	}
	seen := make(map[Opcode]Kind, numKinds)
	for k := Kind(0); k < numKinds; k++ {
		op := p.Opcodes.of(k)
		if prev, dup := seen[op]; dup {
			return fmt.Errorf("%w: 0x%02x used by %s and %s", ErrDuplicateOpcode, uint8(op), prev, k)
		}
		seen[op] = k
	}
	return nil
}

// of returns the opcode for a message kind.
func (o Opcodes) of(k Kind) Opcode {
	switch k {
	case KindAuthenticate:
		return o.Authenticate
	case KindSubscribe:
		return o.Subscribe
	case KindGoodbye:
		return o.Goodbye
	case KindAuthAccepted:
		return o.AuthAccepted
	case KindAuthRejected:
		return o.AuthRejected
	case KindSubscribeAck:
		return o.SubscribeAck
	case KindEvent:
		return o.Event
	case KindReplayComplete:
		return o.ReplayComplete
	case KindChannelError:
		return o.ChannelError
	default:
		return 0
	}
}

// kind returns the message kind for an opcode.
func (o Opcodes) kind(op Opcode) (Kind, bool) {
	for k := Kind(0); k < numKinds; k++ {
		if o.of(k) == op {
			return k, true
		}
	}
	return 0, false
}
