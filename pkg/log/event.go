package log

import (
	"time"

	"github.com/newtricks/courage-go/pkg/wire"
)

// Event is one capture record. Exactly one of Frame, Message, StateChange
// and Error is set. Fields use integer CBOR keys.
type Event struct {
	Timestamp    time.Time `cbor:"1,keyasint"`
	ConnectionID string    `cbor:"2,keyasint"`
	Direction    Direction `cbor:"3,keyasint"`
	Layer        Layer     `cbor:"4,keyasint"`
	Category     Category  `cbor:"5,keyasint"`

	// Identity of the link, filled in once known.
	RemoteAddr string `cbor:"6,keyasint,omitempty"`
	DeviceID   string `cbor:"7,keyasint,omitempty"`
	ProviderID string `cbor:"8,keyasint,omitempty"`

	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
}

// Channel returns the channel id a message or session event refers to, or
// "" for events that are not channel scoped.
func (e Event) Channel() string {
	switch {
	case e.Message != nil:
		return e.Message.ChannelID
	case e.StateChange != nil:
		return e.StateChange.ChannelID
	}
	return ""
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates a message from the broker.
	DirectionIn Direction = 0
	// DirectionOut indicates a message to the broker.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which protocol layer captured the event.
type Layer uint8

const (
	// LayerTransport is the framing layer (raw bytes).
	LayerTransport Layer = 0
	// LayerWire is the message encoding layer (decoded messages).
	LayerWire Layer = 1
	// LayerClient is the connection controller and its sessions.
	LayerClient Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerWire:
		return "WIRE"
	case LayerClient:
		return "CLIENT"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates a protocol message.
	CategoryMessage Category = 0
	// CategoryState indicates a state change.
	CategoryState Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent is a raw transport frame. Data may be cut short for large
// frames, in which case Truncated is set; Size always counts the whole frame
// including its length prefix.
type FrameEvent struct {
	Size      int    `cbor:"1,keyasint"`
	Data      []byte `cbor:"2,keyasint,omitempty"`
	Truncated bool   `cbor:"3,keyasint,omitempty"`
}

// MessageEvent summarizes a decoded wire message. Key material from
// AUTHENTICATE is never recorded and event payloads are reduced to their
// size.
type MessageEvent struct {
	Kind        string `cbor:"1,keyasint"`
	Opcode      uint8  `cbor:"2,keyasint"`
	ChannelID   string `cbor:"3,keyasint,omitempty"`
	Options     string `cbor:"4,keyasint,omitempty"`
	PayloadSize int    `cbor:"5,keyasint,omitempty"`
	Reason      string `cbor:"6,keyasint,omitempty"`
}

// NewMessageEvent summarizes a decoded message for the protocol log.
func NewMessageEvent(msg wire.Message, opcode uint8) *MessageEvent {
	ev := &MessageEvent{
		Kind:   msg.Kind.String(),
		Opcode: opcode,
		Reason: msg.Reason,
	}
	if msg.Kind.HasChannel() {
		ev.ChannelID = msg.ChannelID.String()
	}
	switch msg.Kind {
	case wire.KindSubscribe:
		ev.Options = msg.Options.String()
	case wire.KindEvent:
		ev.PayloadSize = len(msg.Payload)
	}
	return ev
}

// StateChangeEvent records a connection, session or replay transition.
// ChannelID is set for session transitions.
type StateChangeEvent struct {
	Entity    StateEntity `cbor:"1,keyasint"`
	OldState  string      `cbor:"2,keyasint,omitempty"`
	NewState  string      `cbor:"3,keyasint"`
	Reason    string      `cbor:"4,keyasint,omitempty"`
	ChannelID string      `cbor:"5,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityConnection indicates a connection state change.
	StateEntityConnection StateEntity = 0
	// StateEntitySession indicates a subscription session state change.
	StateEntitySession StateEntity = 1
	// StateEntityReplay indicates a replay-and-disconnect run.
	StateEntityReplay StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntitySession:
		return "SESSION"
	case StateEntityReplay:
		return "REPLAY"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData records a failure. Code carries the courage error code
// name when there is one; Context names the failing operation.
type ErrorEventData struct {
	Layer   Layer  `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`
	Code    string `cbor:"3,keyasint,omitempty"`
	Context string `cbor:"4,keyasint,omitempty"`
}
