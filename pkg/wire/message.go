package wire

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/newtricks/courage-go/pkg/codes"
)

// Kind identifies a message independently of its opcode value.
type Kind uint8

const (
	KindAuthenticate Kind = iota
	KindSubscribe
	KindGoodbye
	KindAuthAccepted
	KindAuthRejected
	KindSubscribeAck
	KindEvent
	KindReplayComplete
	KindChannelError

	numKinds
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindAuthenticate:
		return "AUTHENTICATE"
	case KindSubscribe:
		return "SUBSCRIBE"
	case KindGoodbye:
		return "GOODBYE"
	case KindAuthAccepted:
		return "AUTH_ACCEPTED"
	case KindAuthRejected:
		return "AUTH_REJECTED"
	case KindSubscribeAck:
		return "SUBSCRIBE_ACK"
	case KindEvent:
		return "EVENT"
	case KindReplayComplete:
		return "REPLAY_COMPLETE"
	case KindChannelError:
		return "CHANNEL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// HasChannel reports whether messages of this kind carry a channel id.
func (k Kind) HasChannel() bool {
	switch k {
	case KindSubscribe, KindSubscribeAck, KindEvent, KindReplayComplete, KindChannelError:
		return true
	default:
		return false
	}
}

// Inbound reports whether the broker sends messages of this kind.
func (k Kind) Inbound() bool {
	return k >= KindAuthAccepted && k < numKinds
}

// Credentials is the body of an Authenticate message.
type Credentials struct {
	ProviderID uuid.UUID
	DeviceID   uuid.UUID
	PublicKey  string
	PrivateKey string
}

// Message is a decoded protocol message. Only the fields relevant to Kind
// are meaningful.
type Message struct {
	Kind Kind

	// ChannelID is set for Subscribe, SubscribeAck, Event, ReplayComplete
	// and ChannelError.
	ChannelID uuid.UUID

	// Options is set for Subscribe.
	Options SubscribeOptions

	// Payload is the opaque event body for Event.
	Payload []byte

	// Reason is set for AuthRejected and ChannelError.
	Reason string

	// Credentials is set for Authenticate.
	Credentials *Credentials
}

// Decode errors.
var (
	// ErrEmptyMessage indicates a zero-length message.
	ErrEmptyMessage = errors.New("empty message")

	// ErrUnknownOpcode indicates an opcode not present in the opcode table.
	ErrUnknownOpcode = errors.New("unknown opcode")
)

// Encode serializes msg.
func (p Protocol) Encode(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	w := NewWriterWidth(&buf, p.Prefix)
	w.WriteUint8(uint8(p.Opcodes.of(msg.Kind)))

	switch msg.Kind {
	case KindAuthenticate:
		if msg.Credentials == nil {
			return nil, codes.Errorf(codes.EncodingFailed, "encode", "%s without credentials", msg.Kind)
		}
		c := msg.Credentials
		w.WriteUUID(c.ProviderID)
		w.WriteUUID(c.DeviceID)
		w.WriteString(c.PublicKey)
		w.WriteString(c.PrivateKey)
	case KindSubscribe:
		w.WriteUUID(msg.ChannelID)
		w.WriteUint8(msg.Options.Bitmask())
	case KindGoodbye, KindAuthAccepted:
	case KindAuthRejected:
		w.WriteString(msg.Reason)
	case KindSubscribeAck, KindReplayComplete:
		w.WriteUUID(msg.ChannelID)
	case KindEvent:
		w.WriteUUID(msg.ChannelID)
		w.WriteBlob(msg.Payload)
	case KindChannelError:
		w.WriteUUID(msg.ChannelID)
		w.WriteString(msg.Reason)
	default:
		return nil, codes.Errorf(codes.EncodingFailed, "encode", "unknown message kind %d", msg.Kind)
	}

	if err := w.Err(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeAuthenticate builds an Authenticate message.
func (p Protocol) EncodeAuthenticate(c Credentials) ([]byte, error) {
	return p.Encode(Message{Kind: KindAuthenticate, Credentials: &c})
}

// EncodeSubscribe builds a Subscribe message.
func (p Protocol) EncodeSubscribe(channelID uuid.UUID, opts SubscribeOptions) ([]byte, error) {
	return p.Encode(Message{Kind: KindSubscribe, ChannelID: channelID, Options: opts})
}

// EncodeGoodbye builds a Goodbye message.
func (p Protocol) EncodeGoodbye() ([]byte, error) {
	return p.Encode(Message{Kind: KindGoodbye})
}

// Decode parses a message of any kind.
func (p Protocol) Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, ErrEmptyMessage
	}
	kind, ok := p.Opcodes.kind(Opcode(data[0]))
	if !ok {
		return Message{}, fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, data[0])
	}

	r := NewReader(data[1:], p.Prefix)
	msg := Message{Kind: kind}
	var err error

	switch kind {
	case KindAuthenticate:
		c := &Credentials{}
		if c.ProviderID, err = r.ReadUUID(); err != nil {
			break
		}
		if c.DeviceID, err = r.ReadUUID(); err != nil {
			break
		}
		if c.PublicKey, err = r.ReadString(); err != nil {
			break
		}
		c.PrivateKey, err = r.ReadString()
		msg.Credentials = c
	case KindSubscribe:
		if msg.ChannelID, err = r.ReadUUID(); err != nil {
			break
		}
		var bits uint8
		bits, err = r.ReadUint8()
		msg.Options = SubscribeOptions(bits) & optionMask
	case KindGoodbye, KindAuthAccepted:
	case KindAuthRejected:
		msg.Reason, err = r.ReadString()
	case KindSubscribeAck, KindReplayComplete:
		msg.ChannelID, err = r.ReadUUID()
	case KindEvent:
		if msg.ChannelID, err = r.ReadUUID(); err != nil {
			break
		}
		msg.Payload, err = r.ReadBlob()
	case KindChannelError:
		if msg.ChannelID, err = r.ReadUUID(); err != nil {
			break
		}
		msg.Reason, err = r.ReadString()
	}

	if err == nil {
		err = r.Done()
	}
	if err != nil {
		return Message{}, fmt.Errorf("decode %s: %w", kind, err)
	}
	return msg, nil
}
