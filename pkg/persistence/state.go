package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StateVersion is the current version of the state file format.
const StateVersion = 1

// ClientState contains the runtime state of a courage client.
type ClientState struct {
	// Version is the state file format version.
	Version int `json:"version"`

	// SavedAt is when the state was last saved.
	SavedAt time.Time `json:"saved_at"`

	// DeviceID is the device identifier presented to the broker.
	DeviceID uuid.UUID `json:"device_id"`

	// Channels contains the replay history of each known channel.
	Channels []ChannelState `json:"channels,omitempty"`
}

// ChannelState records the last replay of one channel.
type ChannelState struct {
	// ChannelID identifies the channel.
	ChannelID uuid.UUID `json:"channel_id"`

	// Name is an optional label from the configuration file.
	Name string `json:"name,omitempty"`

	// LastReplayAt is when the last replay finished.
	LastReplayAt time.Time `json:"last_replay_at,omitempty"`

	// LastResult is the last replay result (NO_EVENTS, NEW_EVENTS, FAILED).
	LastResult string `json:"last_result,omitempty"`

	// Events is the number of events received during the last replay.
	Events int `json:"events,omitempty"`
}

// Channel returns the state for a channel, or nil.
func (s *ClientState) Channel(id uuid.UUID) *ChannelState {
	for i := range s.Channels {
		if s.Channels[i].ChannelID == id {
			return &s.Channels[i]
		}
	}
	return nil
}

// RecordReplay stores the outcome of a replay, adding the channel if needed.
func (s *ClientState) RecordReplay(id uuid.UUID, result string, events int, at time.Time) {
	ch := s.Channel(id)
	if ch == nil {
		s.Channels = append(s.Channels, ChannelState{ChannelID: id})
		ch = &s.Channels[len(s.Channels)-1]
	}
	ch.LastReplayAt = at
	ch.LastResult = result
	ch.Events = events
}

// ClientStateStore manages persistence of client state to a JSON file.
type ClientStateStore struct {
	mu   sync.Mutex
	path string
}

// NewClientStateStore creates a new client state store.
func NewClientStateStore(path string) *ClientStateStore {
	return &ClientStateStore{path: path}
}

// Path returns the state file path.
func (s *ClientStateStore) Path() string {
	return s.path
}

// Save persists the client state to disk.
func (s *ClientStateStore) Save(state *ClientState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Ensure parent directory exists
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	state.Version = StateVersion
	state.SavedAt = time.Now()
	sort.Slice(state.Channels, func(i, j int) bool {
		return state.Channels[i].ChannelID.String() < state.Channels[j].ChannelID.String()
	})

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(s.path, data, 0600)
}

// Load reads the client state from disk.
// Returns nil, nil if the file doesn't exist (empty state).
func (s *ClientStateStore) Load() (*ClientState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	state := &ClientState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, err
	}

	return state, nil
}

// LoadOrInit loads the state, creating and saving a new one with a random
// device id if the file doesn't exist or has no device id.
func (s *ClientStateStore) LoadOrInit() (*ClientState, error) {
	state, err := s.Load()
	if err != nil {
		return nil, err
	}
	if state != nil && state.DeviceID != uuid.Nil {
		return state, nil
	}
	if state == nil {
		state = &ClientState{}
	}
	state.DeviceID = uuid.New()
	if err := s.Save(state); err != nil {
		return nil, err
	}
	return state, nil
}

// Clear removes the state file.
func (s *ClientStateStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
