package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/newtricks/courage-go/pkg/discovery"
)

func newDiscoverCommand() *cobra.Command {
	var (
		provider string
		iface    string
		dsnOnly  bool
		cfg      = discovery.BrowserConfig{}
		timeout  = discovery.BrowseTimeout
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find brokers on the local network",
		Long: `Browse mDNS for Courage brokers and print each one with a DSN usable
with --dsn. With --provider only brokers serving that provider are shown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var want uuid.UUID
			if provider != "" {
				id, err := uuid.Parse(provider)
				if err != nil {
					return fmt.Errorf("invalid provider: %w", err)
				}
				want = id
			}
			cfg.Interface = iface

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			results, err := discovery.NewMDNSBrowser(cfg).Browse(ctx)
			if err != nil {
				return err
			}
			n := printBrokers(cmd.OutOrStdout(), results, want, dsnOnly)
			if n == 0 {
				return discovery.ErrNotFound
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "Only show brokers serving this provider id")
	cmd.Flags().StringVar(&iface, "interface", "", "Network interface to browse on (default: all)")
	cmd.Flags().DurationVar(&timeout, "timeout", timeout, "How long to browse")
	cmd.Flags().BoolVar(&dsnOnly, "dsn", false, "Print only the DSN of each broker")
	return cmd
}

// printBrokers prints brokers from results until it is closed and returns
// how many matched provider (uuid.Nil matches all).
func printBrokers(w io.Writer, results <-chan *discovery.BrokerService, provider uuid.UUID, dsnOnly bool) int {
	n := 0
	for svc := range results {
		if provider != uuid.Nil && svc.ProviderID != provider {
			continue
		}
		n++
		if dsnOnly {
			fmt.Fprintln(w, svc.DSN())
			continue
		}
		tls := "plain"
		if svc.TLS {
			tls = "tls"
		}
		fmt.Fprintf(w, "%s\n", svc.InstanceName)
		fmt.Fprintf(w, "  Host:      %s (%s)\n", svc.Host, strings.Join(svc.Addresses, ", "))
		fmt.Fprintf(w, "  Port:      %d %s\n", svc.Port, tls)
		fmt.Fprintf(w, "  Provider:  %s\n", svc.ProviderID)
		if svc.Version != "" {
			fmt.Fprintf(w, "  Version:   %s\n", svc.Version)
		}
		fmt.Fprintf(w, "  DSN:       %s\n", svc.DSN())
	}
	return n
}
