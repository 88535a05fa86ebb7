package codes

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeString(t *testing.T) {
	tests := []struct {
		code Code
		want string
	}{
		{MissingCredentials, "MISSING_CREDENTIALS"},
		{MissingDeviceID, "MISSING_DEVICE_ID"},
		{EncodingFailed, "ENCODING_FAILED"},
		{NotConnected, "NOT_CONNECTED"},
		{TransportFailed, "TRANSPORT_FAILED"},
		{AuthenticationFailed, "AUTHENTICATION_FAILED"},
		{ProtocolViolation, "PROTOCOL_VIOLATION"},
		{IdentityLocked, "IDENTITY_LOCKED"},
		{Code(200), "UNKNOWN"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.code.String())
	}
}

func TestErrorIsMatchesByCode(t *testing.T) {
	err := New(MissingCredentials, "subscribe", nil)

	assert.True(t, errors.Is(err, ErrMissingCredentials))
	assert.False(t, errors.Is(err, ErrMissingDeviceID))

	wrapped := fmt.Errorf("outer: %w", err)
	assert.True(t, errors.Is(wrapped, ErrMissingCredentials))
}

func TestErrorUnwrap(t *testing.T) {
	err := New(TransportFailed, "connect", io.ErrUnexpectedEOF)

	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.True(t, errors.Is(err, ErrTransportFailed))
	assert.Equal(t, "courage: connect: TRANSPORT_FAILED: unexpected EOF", err.Error())
}

func TestCodeOf(t *testing.T) {
	code, ok := CodeOf(fmt.Errorf("wrap: %w", Errorf(AuthenticationFailed, "connect", "rejected: %s", "bad key")))
	assert.True(t, ok)
	assert.Equal(t, AuthenticationFailed, code)

	_, ok = CodeOf(io.EOF)
	assert.False(t, ok)
}
