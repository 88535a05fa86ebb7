package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/newtricks/courage-go/internal/brokertest"
	"github.com/newtricks/courage-go/pkg/discovery"
	"github.com/newtricks/courage-go/pkg/log"
)

type stubBrokerOptions struct {
	listen       string
	provider     string
	advertise    string
	backlog      []string
	publish      []string
	publishEvery time.Duration
}

func newStubBrokerCommand(a *app) *cobra.Command {
	opts := stubBrokerOptions{listen: fmt.Sprintf("127.0.0.1:%d", discovery.DefaultPort)}

	cmd := &cobra.Command{
		Use:   "stub-broker",
		Short: "Run a local broker for development",
		Long: `Run an in-process broker that accepts every identity. Replay
subscriptions receive the --backlog events of their channel; --publish-every
sends a timestamp to every --publish channel at that interval. With
--advertise the broker is announced via mDNS under that instance name.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd.ErrOrStderr()); err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runStubBroker(ctx, a, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.listen, "listen", opts.listen, "Listen address")
	cmd.Flags().StringVar(&opts.provider, "provider", "", "Provider id to advertise (default: random)")
	cmd.Flags().StringVar(&opts.advertise, "advertise", "", "mDNS instance name (default: not advertised)")
	cmd.Flags().StringArrayVar(&opts.backlog, "backlog", nil, "Backlog event as <channel>=<payload> (repeatable)")
	cmd.Flags().StringArrayVar(&opts.publish, "publish", nil, "Channel to publish to (repeatable)")
	cmd.Flags().DurationVar(&opts.publishEvery, "publish-every", 0, "Publish interval (0 disables)")
	return cmd
}

func runStubBroker(ctx context.Context, a *app, opts stubBrokerOptions, w io.Writer) error {
	provider := uuid.New()
	if opts.provider != "" {
		id, err := uuid.Parse(opts.provider)
		if err != nil {
			return fmt.Errorf("invalid provider: %w", err)
		}
		provider = id
	}

	backlog, err := parseBacklog(opts.backlog)
	if err != nil {
		return err
	}
	publish := make([]uuid.UUID, 0, len(opts.publish))
	for _, s := range opts.publish {
		id, err := uuid.Parse(s)
		if err != nil {
			return fmt.Errorf("invalid publish channel %q: %w", s, err)
		}
		publish = append(publish, id)
	}

	b, err := brokertest.New(brokertest.Config{
		Address: opts.listen,
		Logger:  log.NewSlogAdapter(a.logger),
	})
	if err != nil {
		return err
	}
	defer b.Stop()

	for id, payloads := range backlog {
		b.SetBacklog(id, payloads...)
	}

	fmt.Fprintf(w, "broker listening on %s\n", b.Addr())
	fmt.Fprintf(w, "dsn: courage://%s?provider=%s\n", b.Addr(), provider)

	if opts.advertise != "" {
		adv := discovery.NewMDNSAdvertiser(discovery.AdvertiserConfig{})
		err := adv.Advertise(&discovery.BrokerInfo{
			InstanceName: opts.advertise,
			Port:         b.Port(),
			ProviderID:   provider,
			Version:      "1",
		})
		if err != nil {
			return err
		}
		defer adv.Stop()
		fmt.Fprintf(w, "advertising %s.%s.%s\n", opts.advertise, discovery.ServiceType, discovery.Domain)
	}

	var tick <-chan time.Time
	if opts.publishEvery > 0 && len(publish) > 0 {
		ticker := time.NewTicker(opts.publishEvery)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-tick:
			payload := []byte(now.UTC().Format(time.RFC3339Nano))
			for _, id := range publish {
				if err := b.Publish(id, payload); err != nil {
					a.logger.Warn("publish failed", "channel", id, "error", err)
				}
			}
		}
	}
}

// parseBacklog parses <channel>=<payload> pairs, keeping their order.
func parseBacklog(entries []string) (map[uuid.UUID][][]byte, error) {
	out := make(map[uuid.UUID][][]byte)
	for _, e := range entries {
		id, payload, ok := strings.Cut(e, "=")
		if !ok {
			return nil, fmt.Errorf("invalid backlog %q: want <channel>=<payload>", e)
		}
		channelID, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("invalid backlog channel %q: %w", id, err)
		}
		out[channelID] = append(out[channelID], []byte(payload))
	}
	return out, nil
}
