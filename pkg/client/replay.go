package client

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/newtricks/courage-go/pkg/log"
	"github.com/newtricks/courage-go/pkg/subscription"
	"github.com/newtricks/courage-go/pkg/wire"
)

// ReplayAndDisconnect delivers the missed events of every registered channel
// and then disconnects. It connects first if necessary, subscribes each
// channel in replay-only mode, waits until every backlog has been handed to
// its handler, disconnects, and finally calls completion exactly once with
// the aggregate outcome: ReplayFailed if any channel failed, else
// ReplayNewEvents if any channel had events, else ReplayNoEvents.
//
// A connection failure yields ReplayFailed. If ctx ends or Disconnect is
// called first the run is abandoned with ReplayFailed. The result is also
// returned. Handlers must not call Connect while a replay runs.
func (c *Client) ReplayAndDisconnect(ctx context.Context, completion func(subscription.ReplayResult)) subscription.ReplayResult {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "courage.replay",
		trace.WithAttributes(attribute.String("courage.broker", c.config.Address())),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	token := c.nextReplay
	c.nextReplay++
	c.replays[token] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.replays, token)
		c.mu.Unlock()
	}()

	c.opMu.Lock()
	c.logState(log.StateEntityReplay, "", "STARTED", "", uuid.Nil)
	result := c.replay(ctx)
	if err := c.disconnect("replay complete"); err != nil {
		c.debugLog("replay: disconnect failed", "error", err)
	}
	c.opMu.Unlock()

	c.metrics.ReplayCompleted(result.String(), time.Since(start))
	c.logState(log.StateEntityReplay, "STARTED", result.String(), "", uuid.Nil)
	c.debugLog("replay complete", "result", result, "duration", time.Since(start))
	span.SetAttributes(attribute.String("courage.replay.result", result.String()))
	span.End()

	if completion != nil {
		completion(result)
	}
	return result
}

type replayRun struct {
	session  *subscription.Session
	finished <-chan struct{}
}

func (c *Client) replay(ctx context.Context) subscription.ReplayResult {
	if err := c.connect(ctx); err != nil {
		c.debugLog("replay: connect failed", "error", err)
		return subscription.ReplayFailed
	}

	c.mu.Lock()
	channels := make(map[uuid.UUID]channelEntry, len(c.channels))
	for id, entry := range c.channels {
		channels[id] = entry
	}
	c.mu.Unlock()

	if len(channels) == 0 {
		return subscription.ReplayNoEvents
	}

	runs := make([]replayRun, 0, len(channels))
	results := make([]subscription.ReplayResult, 0, len(channels))
	for id, entry := range channels {
		handler := entry.handler
		if handler == nil {
			handler = func([]byte) {}
		}
		sess, finished, err := c.subscribe(ctx, id, wire.OptionReplayOnly, handler)
		if err != nil {
			c.debugLog("replay: subscribe failed", "channelID", id, "error", err)
			results = append(results, subscription.ReplayFailed)
			continue
		}
		runs = append(runs, replayRun{session: sess, finished: finished})
	}

	for _, run := range runs {
		select {
		case <-run.session.Done():
		case <-ctx.Done():
			return subscription.ReplayFailed
		}
		// Backlog events may still be queued for the handler.
		select {
		case <-run.finished:
		case <-ctx.Done():
			return subscription.ReplayFailed
		}
		results = append(results, run.session.Result())
	}

	return subscription.Aggregate(results...)
}
