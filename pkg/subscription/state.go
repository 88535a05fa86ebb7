package subscription

import "errors"

// ErrInvalidTransition is returned when an operation is not permitted in the
// session's current state.
var ErrInvalidTransition = errors.New("invalid session state transition")

// State is the lifecycle state of a Session.
type State uint8

const (
	// StateIdle is a session that has not yet been requested from the broker.
	StateIdle State = iota

	// StateSubscribing is waiting for the broker to acknowledge.
	StateSubscribing

	// StateReplaying is receiving backlog events.
	StateReplaying

	// StateLive is receiving live events.
	StateLive

	// StateClosed is terminal.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSubscribing:
		return "SUBSCRIBING"
	case StateReplaying:
		return "REPLAYING"
	case StateLive:
		return "LIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ReplayResult is the outcome of a replay.
type ReplayResult uint8

const (
	// ReplayNone means no replay was requested or it has not finished.
	ReplayNone ReplayResult = iota

	// ReplayNoEvents means the backlog was empty.
	ReplayNoEvents

	// ReplayNewEvents means at least one backlog event was delivered.
	ReplayNewEvents

	// ReplayFailed means the replay did not complete.
	ReplayFailed
)

// String returns the result name.
func (r ReplayResult) String() string {
	switch r {
	case ReplayNone:
		return "NONE"
	case ReplayNoEvents:
		return "NO_EVENTS"
	case ReplayNewEvents:
		return "NEW_EVENTS"
	case ReplayFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Aggregate combines replay outcomes. Failed wins over NewEvents, which wins
// over NoEvents. ReplayNone entries are ignored; an empty input yields
// ReplayNoEvents.
func Aggregate(results ...ReplayResult) ReplayResult {
	agg := ReplayNoEvents
	for _, r := range results {
		switch r {
		case ReplayFailed:
			return ReplayFailed
		case ReplayNewEvents:
			agg = ReplayNewEvents
		}
	}
	return agg
}
