package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/newtricks/courage-go/pkg/persistence"
	"github.com/newtricks/courage-go/pkg/subscription"
)

// errReplayFailed makes the command exit non-zero after a failed replay.
var errReplayFailed = errors.New("replay failed")

func newReplayCommand(a *app) *cobra.Command {
	var (
		timeout time.Duration
		asHex   bool
	)

	cmd := &cobra.Command{
		Use:     "replay [channel...]",
		Aliases: []string{"catch-up"},
		Short:   "Deliver missed events, then disconnect",
		Long: `Connect, replay the backlog of the given channels (default: all configured
channels) and disconnect. The outcome is NEW_EVENTS, NO_EVENTS or FAILED and
is recorded per channel in the state file when one is configured.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd.ErrOrStderr()); err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			result, err := runReplay(ctx, a, args, asHex, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if result == subscription.ReplayFailed {
				return errReplayFailed
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Give up after this long (0 waits forever)")
	cmd.Flags().BoolVar(&asHex, "hex", false, "Print payloads as hex")
	return cmd
}

// runReplay replays the channels, prints their events and the outcome, and
// records the outcome in the state file.
func runReplay(ctx context.Context, a *app, args []string, asHex bool, w io.Writer) (subscription.ReplayResult, error) {
	channels, err := a.channels(args)
	if err != nil {
		return subscription.ReplayFailed, err
	}

	c, err := a.newClient()
	if err != nil {
		return subscription.ReplayFailed, err
	}

	var mu sync.Mutex
	counts := make(map[uuid.UUID]int, len(channels))
	for _, ch := range channels {
		c.RegisterChannel(ch.ID, func(payload []byte) {
			mu.Lock()
			defer mu.Unlock()
			counts[ch.ID]++
			printEvent(w, ch, payload, asHex)
		})
	}

	result := c.ReplayAndDisconnect(ctx, func(r subscription.ReplayResult) {
		fmt.Fprintf(w, "replay: %s\n", r)
	})

	mu.Lock()
	defer mu.Unlock()
	if err := a.recordReplay(channels, counts, result); err != nil {
		a.logger.Warn("failed to save state", "error", err)
	}
	return result, nil
}

// recordReplay stores the outcome per channel. A failed run marks every
// channel failed; otherwise each channel's result follows its own count.
func (a *app) recordReplay(channels []channel, counts map[uuid.UUID]int, result subscription.ReplayResult) error {
	if a.store == nil {
		return nil
	}
	state, err := a.store.LoadOrInit()
	if err != nil {
		return err
	}

	now := time.Now()
	for _, ch := range channels {
		r := subscription.ReplayNoEvents
		switch {
		case result == subscription.ReplayFailed:
			r = subscription.ReplayFailed
		case counts[ch.ID] > 0:
			r = subscription.ReplayNewEvents
		}
		state.RecordReplay(ch.ID, r.String(), counts[ch.ID], now)
		if ch.Name != "" {
			state.Channel(ch.ID).Name = ch.Name
		}
	}
	return a.store.Save(state)
}

// lastReplays returns the recorded replay history, or nil without a state
// file.
func (a *app) lastReplays() ([]persistence.ChannelState, error) {
	if a.store == nil {
		return nil, nil
	}
	state, err := a.store.Load()
	if err != nil || state == nil {
		return nil, err
	}
	return state.Channels, nil
}
