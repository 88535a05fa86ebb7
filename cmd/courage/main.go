// Command courage subscribes to channels on a Courage broker.
//
// The broker, credentials and channels come from a YAML configuration file
// (see package config); --dsn overrides the broker location.
//
// Usage:
//
//	courage [--config file] [--dsn dsn] <command> [flags]
//
// Commands:
//
//	subscribe     Stream events until interrupted
//	replay        Deliver missed events, then disconnect (alias: catch-up)
//	shell         Interactive session
//	discover      Find brokers on the local network
//	log           View, filter, export or summarize protocol captures
//	stub-broker   Run a local broker for development
//
// Examples:
//
//	# Stream live events of the configured channels
//	courage --config courage.yaml subscribe
//
//	# Fetch everything missed since the last run
//	courage --config courage.yaml replay
//
//	# Inspect a protocol capture
//	courage log view --layer wire courage.clog
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "courage",
		Short: "Courage pub/sub client",
		Long: `courage connects to a Courage broker with a device identity and
subscribes to event channels. It can stream live events, replay what was
missed while offline, discover brokers via mDNS and inspect protocol logs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Configuration file (YAML)")
	root.PersistentFlags().StringVar(&a.dsn, "dsn", "", "Broker DSN, overrides the configuration file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&a.protocolLog, "protocol-log", "", "Write a CBOR protocol capture to this file")
	root.PersistentFlags().StringVar(&a.metricsListen, "metrics-listen", "", "Serve Prometheus metrics on this address")

	root.AddCommand(
		newSubscribeCommand(a),
		newReplayCommand(a),
		newShellCommand(a),
		newDiscoverCommand(),
		newLogCommand(),
		newStubBrokerCommand(a),
	)
	return root
}
