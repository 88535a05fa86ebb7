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

	"github.com/spf13/cobra"

	"github.com/newtricks/courage-go/pkg/client"
	"github.com/newtricks/courage-go/pkg/codes"
	"github.com/newtricks/courage-go/pkg/reconnect"
	"github.com/newtricks/courage-go/pkg/wire"
)

type subscribeOptions struct {
	options   *wire.SubscribeOptions
	asHex     bool
	reconnect bool
	backoff   reconnect.BackoffConfig
}

func newSubscribeCommand(a *app) *cobra.Command {
	var (
		opts    subscribeOptions
		options string
	)

	cmd := &cobra.Command{
		Use:   "subscribe [channel...]",
		Short: "Stream events until interrupted",
		Long: `Connect to the broker and print the events of the given channels, by id
or configured name, until interrupted. Without arguments every configured
channel is subscribed. With --reconnect a lost connection is re-established
with exponential backoff and the channels are subscribed again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd.ErrOrStderr()); err != nil {
				return err
			}
			defer a.close()

			if options != "" {
				o, err := wire.ParseOptions(options)
				if err != nil {
					return err
				}
				opts.options = &o
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSubscribe(ctx, a, args, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&options, "options", "", "Subscribe options, e.g. replay (default: from configuration)")
	cmd.Flags().BoolVar(&opts.asHex, "hex", false, "Print payloads as hex")
	cmd.Flags().BoolVar(&opts.reconnect, "reconnect", false, "Reconnect with backoff when the connection is lost")
	cmd.Flags().DurationVar(&opts.backoff.Max, "max-backoff", reconnect.MaxBackoff, "Longest wait between reconnect attempts")
	return cmd
}

// runSubscribe subscribes to the channels and prints events until ctx ends.
// A lost connection ends the run with an error unless opts.reconnect is set.
func runSubscribe(ctx context.Context, a *app, args []string, opts subscribeOptions, w io.Writer) error {
	channels, err := a.channels(args)
	if err != nil {
		return err
	}

	lost := make(chan error, 1)
	c, err := a.newClient(client.WithConnectionLostHandler(func(err error) {
		select {
		case lost <- err:
		default:
		}
	}))
	if err != nil {
		return err
	}
	defer c.Disconnect()

	var mu sync.Mutex
	session := func(ctx context.Context) error {
		// Drop a loss reported by the previous session.
		select {
		case <-lost:
		default:
		}

		if err := c.Connect(ctx); err != nil {
			return err
		}
		for _, ch := range channels {
			handler := func(payload []byte) {
				mu.Lock()
				defer mu.Unlock()
				printEvent(w, ch, payload, opts.asHex)
			}

			var subErr error
			if opts.options != nil {
				_, subErr = c.SubscribeWithOptions(ctx, ch.ID, *opts.options, handler)
			} else {
				_, subErr = c.Subscribe(ctx, ch.ID, handler)
			}
			if subErr != nil {
				c.Disconnect()
				return fmt.Errorf("subscribe %s: %w", ch.Label(), subErr)
			}
			a.logger.Info("subscribed", "channel", ch.Label())
		}

		select {
		case <-ctx.Done():
			return nil
		case err := <-lost:
			return fmt.Errorf("connection lost: %w", err)
		}
	}

	if !opts.reconnect {
		return session(ctx)
	}
	return reconnect.Run(ctx, reconnect.Config{
		Backoff:   opts.backoff,
		Permanent: permanentError,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			a.logger.Warn("reconnecting", "attempt", attempt, "delay", delay.Round(time.Millisecond), "error", err)
		},
	}, session)
}

// permanentError reports failures that retrying cannot fix.
func permanentError(err error) bool {
	if errors.Is(err, client.ErrChannelRejected) {
		return true
	}
	code, ok := codes.CodeOf(err)
	if !ok {
		return false
	}
	switch code {
	case codes.MissingCredentials, codes.MissingDeviceID, codes.AuthenticationFailed, codes.IdentityLocked:
		return true
	}
	return false
}
