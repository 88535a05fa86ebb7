package subscription

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/newtricks/courage-go/pkg/wire"
)

// Event is one payload received on a channel.
type Event struct {
	// ChannelID identifies the channel the event was published on.
	ChannelID uuid.UUID

	// Payload is the opaque event body.
	Payload []byte

	// Replayed is true for backlog events delivered during replay.
	Replayed bool

	// Seq is the 1-based position of the event within the session.
	Seq uint64
}

// StateObserver is notified after every state change.
type StateObserver func(s *Session, from, to State)

// Option configures a Session.
type Option func(*Session)

// WithStateObserver registers fn to be called after each state change.
// fn runs on the goroutine that caused the transition and must not block.
func WithStateObserver(fn StateObserver) Option {
	return func(s *Session) {
		s.observer = fn
	}
}

// Session is the client-side state of one channel subscription.
// It is safe for concurrent use.
type Session struct {
	channelID uuid.UUID
	options   wire.SubscribeOptions
	observer  StateObserver

	mu       sync.Mutex
	state    State
	backlog  int
	seq      uint64
	result   ReplayResult
	err      error
	queue    []Event
	canceled bool

	notify     chan struct{}
	events     chan Event
	done       chan struct{}
	canceledCh chan struct{}
	drained    chan struct{}
}

// New creates an Idle session for channelID and starts its delivery
// goroutine. The goroutine exits once the session is closed and drained, or
// canceled.
func New(channelID uuid.UUID, options wire.SubscribeOptions, opts ...Option) *Session {
	s := &Session{
		channelID:  channelID,
		options:    options,
		notify:     make(chan struct{}, 1),
		events:     make(chan Event),
		done:       make(chan struct{}),
		canceledCh: make(chan struct{}),
		drained:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.pump()
	return s
}

// ChannelID returns the subscribed channel.
func (s *Session) ChannelID() uuid.UUID {
	return s.channelID
}

// Options returns the subscribe options.
func (s *Session) Options() wire.SubscribeOptions {
	return s.options
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Result returns the replay outcome, or ReplayNone if none is known yet.
func (s *Session) Result() ReplayResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Err returns the error the session failed with, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Backlog returns the number of replayed events received so far.
func (s *Session) Backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backlog
}

// Events returns the ordered event sequence. The channel is closed after the
// last event of a completed replay-only session, or when the session is
// canceled.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Done is closed when the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Drained is closed when the delivery goroutine has exited.
func (s *Session) Drained() <-chan struct{} {
	return s.drained
}

// Canceled reports whether the session was torn down by Fail or Close.
// Events taken from Events after Canceled returns true must be ignored.
func (s *Session) Canceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

// Wait blocks until the session is closed or ctx is done and returns the
// replay outcome.
func (s *Session) Wait(ctx context.Context) (ReplayResult, error) {
	select {
	case <-s.done:
		return s.Result(), s.Err()
	case <-ctx.Done():
		return ReplayNone, ctx.Err()
	}
}

// MarkSubscribing moves Idle to Subscribing.
func (s *Session) MarkSubscribing() error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrInvalidTransition
	}
	s.state = StateSubscribing
	s.mu.Unlock()

	s.observe(StateIdle, StateSubscribing)
	return nil
}

// Acknowledge handles the broker's acceptance of the subscription. The
// session moves to Replaying if replay was requested, otherwise to Live.
func (s *Session) Acknowledge() error {
	to := StateLive
	if s.options.Replay() {
		to = StateReplaying
	}

	s.mu.Lock()
	if s.state != StateSubscribing {
		s.mu.Unlock()
		return ErrInvalidTransition
	}
	s.state = to
	s.mu.Unlock()

	s.observe(StateSubscribing, to)
	return nil
}

// Deliver queues an event. It returns false, dropping the payload, unless
// the session is Replaying or Live.
func (s *Session) Deliver(payload []byte) bool {
	s.mu.Lock()
	var replayed bool
	switch s.state {
	case StateReplaying:
		replayed = true
		s.backlog++
	case StateLive:
	default:
		s.mu.Unlock()
		return false
	}
	s.seq++
	s.queue = append(s.queue, Event{
		ChannelID: s.channelID,
		Payload:   payload,
		Replayed:  replayed,
		Seq:       s.seq,
	})
	s.mu.Unlock()

	s.signal()
	return true
}

// CompleteReplay handles the end of the backlog. A replay-only session
// closes with ReplayNewEvents or ReplayNoEvents; queued events are still
// delivered. Otherwise the session goes Live.
func (s *Session) CompleteReplay() error {
	s.mu.Lock()
	if s.state != StateReplaying {
		s.mu.Unlock()
		return ErrInvalidTransition
	}
	s.result = ReplayNoEvents
	if s.backlog > 0 {
		s.result = ReplayNewEvents
	}
	to := StateLive
	if s.options.ReplayOnly() {
		to = StateClosed
		close(s.done)
	}
	s.state = to
	s.mu.Unlock()

	s.signal()
	s.observe(StateReplaying, to)
	return nil
}

// Fail closes the session with err. A replay that has not completed is
// recorded as ReplayFailed. Undelivered events are discarded.
func (s *Session) Fail(err error) {
	s.terminate(err)
}

// Close tears the session down without an error. A replay that has not
// completed is recorded as ReplayFailed. Undelivered events are discarded.
// Close is idempotent and may be called on a session that already closed
// after replay, in which case it only stops delivery.
func (s *Session) Close() {
	s.terminate(nil)
}

func (s *Session) terminate(err error) {
	s.mu.Lock()
	from := s.state
	if from != StateClosed {
		if s.options.Replay() && s.result == ReplayNone {
			s.result = ReplayFailed
		}
		s.err = err
		s.state = StateClosed
		close(s.done)
	}
	if !s.canceled {
		s.canceled = true
		s.queue = nil
		close(s.canceledCh)
	}
	s.mu.Unlock()

	if from != StateClosed {
		s.observe(from, StateClosed)
	}
}

func (s *Session) observe(from, to State) {
	if s.observer != nil {
		s.observer(s, from, to)
	}
}

func (s *Session) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// next pops the queue head. exit is true once nothing more will be delivered.
func (s *Session) next() (ev Event, ok bool, exit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canceled {
		return Event{}, false, true
	}
	if len(s.queue) == 0 {
		return Event{}, false, s.state == StateClosed
	}
	ev = s.queue[0]
	s.queue[0] = Event{}
	s.queue = s.queue[1:]
	return ev, true, false
}

func (s *Session) pump() {
	defer close(s.drained)
	defer close(s.events)

	for {
		ev, ok, exit := s.next()
		if exit {
			return
		}
		if !ok {
			select {
			case <-s.notify:
			case <-s.canceledCh:
				return
			}
			continue
		}

		// Check cancellation first so a ready consumer cannot win the race
		// against a Close that already returned.
		select {
		case <-s.canceledCh:
			return
		default:
		}
		select {
		case s.events <- ev:
		case <-s.canceledCh:
			return
		}
	}
}
