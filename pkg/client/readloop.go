package client

import (
	"errors"

	"github.com/newtricks/courage-go/pkg/codes"
	"github.com/newtricks/courage-go/pkg/log"
	"github.com/newtricks/courage-go/pkg/metrics"
	"github.com/newtricks/courage-go/pkg/subscription"
	"github.com/newtricks/courage-go/pkg/transport"
	"github.com/newtricks/courage-go/pkg/wire"
)

// readLoop routes inbound messages until conn fails or is closed locally.
// It never runs caller code.
func (c *Client) readLoop(conn transport.Conn, done chan struct{}) {
	defer close(done)

	for {
		data, err := conn.Receive(0)
		if err != nil {
			if errors.Is(err, transport.ErrConnectionClosed) {
				return
			}
			c.connectionLost(conn, err)
			return
		}
		c.metrics.Frame(metrics.DirectionIn)

		msg, err := c.protocol.Decode(data)
		if err != nil {
			c.debugLog("readLoop: dropping malformed message", "error", err, "size", len(data))
			c.logError("decode", codes.New(codes.ProtocolViolation, "decode", err))
			c.metrics.EventDropped(metrics.DropMalformed)
			continue
		}
		c.logMessage(conn, log.DirectionIn, msg, data[0])
		c.route(msg)
	}
}

// route dispatches one decoded message to its session.
func (c *Client) route(msg wire.Message) {
	if !msg.Kind.HasChannel() || !msg.Kind.Inbound() {
		c.debugLog("readLoop: ignoring unexpected message", "kind", msg.Kind)
		return
	}

	sess, err := c.sessions.Get(msg.ChannelID)
	if err != nil {
		c.debugLog("readLoop: no session for channel", "kind", msg.Kind, "channelID", msg.ChannelID)
		if msg.Kind == wire.KindEvent {
			c.metrics.EventDropped(metrics.DropUnknownChannel)
		}
		return
	}

	switch msg.Kind {
	case wire.KindSubscribeAck:
		if err := sess.Acknowledge(); err != nil {
			c.debugLog("readLoop: unexpected ack", "channelID", msg.ChannelID, "state", sess.State())
		}

	case wire.KindEvent:
		replayed := sess.State() == subscription.StateReplaying
		if !sess.Deliver(msg.Payload) {
			c.debugLog("readLoop: dropping event for inactive session",
				"channelID", msg.ChannelID, "state", sess.State())
			c.metrics.EventDropped(metrics.DropInactive)
			return
		}
		c.metrics.EventDelivered(replayed)

	case wire.KindReplayComplete:
		if err := sess.CompleteReplay(); err != nil {
			c.debugLog("readLoop: unexpected replay complete", "channelID", msg.ChannelID, "state", sess.State())
		}

	case wire.KindChannelError:
		c.sessions.Remove(sess)
		c.metrics.SetActiveSessions(c.sessions.Count())
		sess.Fail(codes.Errorf(codes.ProtocolViolation, "subscribe", "%w: %s", ErrChannelRejected, msg.Reason))
	}
}
