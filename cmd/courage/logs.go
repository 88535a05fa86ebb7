package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newtricks/courage-go/cmd/courage/logcmd"
)

func newLogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "View, filter, export or summarize protocol captures",
		Long: `Work with CBOR protocol captures written by --protocol-log or the
log.protocol_file configuration setting.`,
	}

	cmd.AddCommand(
		newLogViewCommand(),
		newLogFilterCommand(),
		newLogExportCommand(),
		newLogStatsCommand(),
	)
	return cmd
}

func addFilterFlags(cmd *cobra.Command, opts *logcmd.FilterOptions) {
	cmd.Flags().StringVar(&opts.Layer, "layer", "", "Filter by layer (transport, wire, client)")
	cmd.Flags().StringVar(&opts.Direction, "direction", "", "Filter by direction (in, out)")
	cmd.Flags().StringVar(&opts.Category, "category", "", "Filter by category (message, state, error)")
	cmd.Flags().StringVar(&opts.ChannelID, "channel", "", "Filter by channel id")
	cmd.Flags().StringVar(&opts.ConnID, "conn-id", "", "Filter by connection id")
	cmd.Flags().StringVar(&opts.DeviceID, "device-id", "", "Filter by device id")
	cmd.Flags().StringVar(&opts.TimeStart, "time-start", "", "Filter by start time (RFC3339)")
	cmd.Flags().StringVar(&opts.TimeEnd, "time-end", "", "Filter by end time (RFC3339)")
}

func newLogViewCommand() *cobra.Command {
	var opts logcmd.FilterOptions
	cmd := &cobra.Command{
		Use:   "view <file.clog>",
		Short: "View log file in human-readable format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return logcmd.RunView(args[0], opts, cmd.OutOrStdout())
		},
	}
	addFilterFlags(cmd, &opts)
	return cmd
}

func newLogFilterCommand() *cobra.Command {
	var (
		opts   logcmd.FilterOptions
		output string
	)
	cmd := &cobra.Command{
		Use:   "filter -o <out.clog> <file.clog>",
		Short: "Filter log file and write to new file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := logcmd.RunFilter(args[0], output, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Filtered %d events to %s\n", n, output)
			return nil
		},
	}
	addFilterFlags(cmd, &opts)
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (required)")
	if err := cmd.MarkFlagRequired("output"); err != nil {
		panic(fmt.Sprintf("Failed to mark output as required: %v", err))
	}
	return cmd
}

func newLogExportCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "export <file.clog>",
		Short: "Export log file to JSON lines or CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return logcmd.RunExport(args[0], format, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&format, "format", "jsonl", "Output format (jsonl, csv)")
	return cmd
}

func newLogStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <file.clog>",
		Short: "Show statistics about the log file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return logcmd.RunStats(args[0], cmd.OutOrStdout())
		},
	}
}
