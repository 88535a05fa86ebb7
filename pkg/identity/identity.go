// Package identity holds the credentials a device presents to the broker.
package identity

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/newtricks/courage-go/pkg/codes"
)

// Identity is a point-in-time copy of the stored credentials.
type Identity struct {
	PublicKey  string
	PrivateKey string
	DeviceID   uuid.UUID
}

// Validate reports the first missing field: MissingCredentials when either
// key is empty, then MissingDeviceID when the device id is unset.
func (id Identity) Validate() error {
	if id.PublicKey == "" || id.PrivateKey == "" {
		return codes.New(codes.MissingCredentials, "validate", errors.New("public and private key required"))
	}
	if id.DeviceID == uuid.Nil {
		return codes.New(codes.MissingDeviceID, "validate", errors.New("device id required"))
	}
	return nil
}

// Store holds a key pair and a device id.
// It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	id     Identity
	locked bool
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// SetCredentials replaces both keys at once.
// Returns IdentityLocked while the store is locked.
func (s *Store) SetCredentials(publicKey, privateKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return codes.New(codes.IdentityLocked, "set credentials", nil)
	}
	s.id.PublicKey = publicKey
	s.id.PrivateKey = privateKey
	return nil
}

// SetDeviceID replaces the device id.
// Returns IdentityLocked while the store is locked.
func (s *Store) SetDeviceID(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return codes.New(codes.IdentityLocked, "set device id", nil)
	}
	s.id.DeviceID = id
	return nil
}

// Validate checks that credentials and device id are present.
func (s *Store) Validate() error {
	return s.Snapshot().Validate()
}

// Snapshot returns a copy of the current identity.
func (s *Store) Snapshot() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Lock freezes the identity. The client locks the store for the lifetime of
// a connection.
func (s *Store) Lock() {
	s.mu.Lock()
	s.locked = true
	s.mu.Unlock()
}

// Unlock allows the identity to be changed again.
func (s *Store) Unlock() {
	s.mu.Lock()
	s.locked = false
	s.mu.Unlock()
}

// Locked reports whether the store is locked.
func (s *Store) Locked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locked
}
