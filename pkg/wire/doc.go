// Package wire implements the courage binary wire format.
//
// Messages are built incrementally with a Writer that appends typed
// primitives to a caller-supplied buffer:
//
//	uint8   one byte
//	UUID    16 bytes, RFC 4122 network byte order
//	string  length prefix + UTF-8 bytes
//	blob    length prefix + raw bytes
//
// The length prefix is an unsigned big-endian integer whose width is part of
// the Protocol configuration (2 bytes by default). Every Writer call is
// atomic: a failed WriteString or WriteBlob leaves the buffer untouched.
//
// # Messages
//
// Each message starts with a one-byte opcode:
//
//	Authenticate   [op][UUID provider][UUID device][str public][str private]
//	Subscribe      [op][UUID channel][uint8 options]
//	Goodbye        [op]
//	AuthAccepted   [op]
//	AuthRejected   [op][str reason]
//	SubscribeAck   [op][UUID channel]
//	Event          [op][UUID channel][blob payload]
//	ReplayComplete [op][UUID channel]
//	ChannelError   [op][UUID channel][str reason]
//
// Opcode values are broker constants and live in Protocol.Opcodes;
// DefaultProtocol returns the values used by the reference broker.
// Framing of whole messages on the stream is handled by package transport.
package wire
