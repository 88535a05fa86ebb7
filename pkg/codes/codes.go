// Package codes defines the courage error domain.
//
// Every error raised by the client for a protocol-level reason carries a
// Code. Callers branch on codes with errors.Is against the exported
// sentinels:
//
//	if errors.Is(err, codes.ErrMissingCredentials) {
//		// ask the user for a key pair and retry
//	}
//
// Precondition errors (MissingCredentials, MissingDeviceID) are raised before
// any network I/O. Encoding errors abort only the message being built.
// Transport errors are fatal to the current connection.
package codes

import (
	"errors"
	"fmt"
)

// Domain is the name of the error domain.
const Domain = "courage"

// Code identifies an error condition within the courage domain.
type Code uint8

const (
	// MissingCredentials indicates the public or private key is unset.
	MissingCredentials Code = iota

	// MissingDeviceID indicates the device identifier is unset.
	MissingDeviceID

	// EncodingFailed indicates a value could not be serialized.
	EncodingFailed

	// NotConnected indicates the operation requires an established connection.
	NotConnected

	// TransportFailed indicates a dial, handshake, read or write failure.
	TransportFailed

	// AuthenticationFailed indicates the broker rejected the identity.
	AuthenticationFailed

	// ProtocolViolation indicates the broker sent an unexpected message.
	ProtocolViolation

	// IdentityLocked indicates credentials were changed while connected.
	IdentityLocked
)

// String returns the code name.
func (c Code) String() string {
	switch c {
	case MissingCredentials:
		return "MISSING_CREDENTIALS"
	case MissingDeviceID:
		return "MISSING_DEVICE_ID"
	case EncodingFailed:
		return "ENCODING_FAILED"
	case NotConnected:
		return "NOT_CONNECTED"
	case TransportFailed:
		return "TRANSPORT_FAILED"
	case AuthenticationFailed:
		return "AUTHENTICATION_FAILED"
	case ProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case IdentityLocked:
		return "IDENTITY_LOCKED"
	default:
		return "UNKNOWN"
	}
}

// Error is an error in the courage domain.
type Error struct {
	// Code classifies the failure.
	Code Code

	// Op is the operation that failed (e.g. "connect", "subscribe").
	Op string

	// Err is the underlying cause, if any.
	Err error
}

// New returns an error with the given code, operation and cause.
func New(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := Domain + ": " + e.Code.String()
	if e.Op != "" {
		msg = Domain + ": " + e.Op + ": " + e.Code.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a courage error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrMissingCredentials   = &Error{Code: MissingCredentials}
	ErrMissingDeviceID      = &Error{Code: MissingDeviceID}
	ErrEncodingFailed       = &Error{Code: EncodingFailed}
	ErrNotConnected         = &Error{Code: NotConnected}
	ErrTransportFailed      = &Error{Code: TransportFailed}
	ErrAuthenticationFailed = &Error{Code: AuthenticationFailed}
	ErrProtocolViolation    = &Error{Code: ProtocolViolation}
	ErrIdentityLocked       = &Error{Code: IdentityLocked}
)

// CodeOf returns the code carried by err and whether one was found.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}

// Errorf returns an error with the given code whose cause is formatted
// from format and args.
func Errorf(code Code, op string, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}
