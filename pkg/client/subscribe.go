package client

import (
	"context"

	"github.com/google/uuid"

	"github.com/newtricks/courage-go/pkg/codes"
	"github.com/newtricks/courage-go/pkg/log"
	"github.com/newtricks/courage-go/pkg/subscription"
	"github.com/newtricks/courage-go/pkg/wire"
)

// Subscribe subscribes to a channel with the configured options.
// See SubscribeWithOptions.
func (c *Client) Subscribe(ctx context.Context, channelID uuid.UUID, handler Handler) (*subscription.Session, error) {
	return c.SubscribeWithOptions(ctx, channelID, c.config.Options, handler)
}

// SubscribeWithOptions subscribes to a channel. Credentials are validated
// before anything else and a failure sends nothing. The client must be
// connected.
//
// handler, if not nil, is called for each event in broker order on a
// goroutine owned by the session. With a nil handler the caller consumes
// the returned session's Events. A second subscription to the same channel
// closes the first.
//
// On success the channel is remembered for ReplayAndDisconnect.
func (c *Client) SubscribeWithOptions(ctx context.Context, channelID uuid.UUID, opts wire.SubscribeOptions, handler Handler) (*subscription.Session, error) {
	sess, _, err := c.subscribe(ctx, channelID, opts, handler)
	if err != nil {
		return nil, err
	}
	c.RegisterChannel(channelID, handler)
	return sess, nil
}

// RegisterChannel remembers a channel for ReplayAndDisconnect without
// subscribing to it. Registering a channel again replaces its handler.
func (c *Client) RegisterChannel(channelID uuid.UUID, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[channelID] = channelEntry{handler: handler}
}

// UnregisterChannel forgets a channel. Active sessions are not affected.
func (c *Client) UnregisterChannel(channelID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, channelID)
}

// Channels returns the registered channel ids.
func (c *Client) Channels() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uuid.UUID, 0, len(c.channels))
	for id := range c.channels {
		out = append(out, id)
	}
	return out
}

// subscribe validates the identity, registers a session and sends the
// Subscribe message. The returned channel is closed when the handler
// goroutine exits, or is nil when handler is nil.
func (c *Client) subscribe(ctx context.Context, channelID uuid.UUID, opts wire.SubscribeOptions, handler Handler) (*subscription.Session, <-chan struct{}, error) {
	if err := c.identity.Validate(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	conn := c.conn
	if c.state != StateConnected || conn == nil {
		c.mu.Unlock()
		return nil, nil, codes.New(codes.NotConnected, "subscribe", nil)
	}
	sess := subscription.New(channelID, opts, subscription.WithStateObserver(c.observeSession))
	if prev := c.sessions.Add(sess); prev != nil {
		prev.Close()
	}
	c.mu.Unlock()
	c.metrics.SetActiveSessions(c.sessions.Count())

	var finished <-chan struct{}
	if handler != nil {
		finished = dispatch(sess, handler)
	}
	go c.release(sess, finished)

	// Idle to Subscribing cannot fail on a new session.
	_ = sess.MarkSubscribing()

	if err := c.send(conn, wire.Message{Kind: wire.KindSubscribe, ChannelID: channelID, Options: opts}); err != nil {
		c.sessions.Remove(sess)
		c.metrics.SetActiveSessions(c.sessions.Count())
		sess.Fail(err)
		return nil, nil, err
	}
	c.debugLog("subscribed", "channelID", channelID, "options", opts)
	return sess, finished, nil
}

// dispatch runs handler for each event of sess until its event sequence
// ends or the session is canceled.
func dispatch(sess *subscription.Session, handler Handler) <-chan struct{} {
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for ev := range sess.Events() {
			if sess.Canceled() {
				return
			}
			handler(ev.Payload)
		}
	}()
	return finished
}

// release unregisters sess once nothing more will be handed to its
// consumer. A replay-only session stays registered while its backlog is
// delivered, so Disconnect can still cancel it.
func (c *Client) release(sess *subscription.Session, finished <-chan struct{}) {
	if finished == nil {
		finished = sess.Drained()
	}
	<-finished
	if c.sessions.Remove(sess) {
		c.metrics.SetActiveSessions(c.sessions.Count())
	}
}

func (c *Client) observeSession(s *subscription.Session, from, to subscription.State) {
	reason := ""
	if err := s.Err(); err != nil {
		reason = err.Error()
	} else if r := s.Result(); r != subscription.ReplayNone {
		reason = r.String()
	}
	c.debugLog("session state change", "channelID", s.ChannelID(), "from", from, "to", to)
	c.logState(log.StateEntitySession, from.String(), to.String(), reason, s.ChannelID())
}
