package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// globalOptions are shared by every subcommand.
type globalOptions struct {
	url            string
	hub            string
	trace          string
	logLevel       string
	reconnectDelay time.Duration
	timeout        time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "hubcall",
		Short: "Talk to a signalr hub from the command line",
		Long: `hubcall opens a persistent signalr hub connection over websockets.

It can invoke hub methods, print the events a hub pushes, and run an
in-process test hub to try both against.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLevel(opts.logLevel)
			if err != nil {
				return err
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.url, "url", "http://localhost:42424", "signalr server url")
	flags.StringVar(&opts.hub, "hub", "StoreWebSocketTestHub", "hub name")
	flags.StringVar(&opts.trace, "trace", "none", "trace levels written to stderr (messages,events,statechanges,all)")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.DurationVar(&opts.reconnectDelay, "reconnect-delay", 2*time.Second, "delay before each reconnect attempt")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "timeout for connecting and each invocation")

	rootCmd.AddCommand(
		invokeCmd(opts),
		listenCmd(opts),
		testhostCmd(),
	)

	return rootCmd
}

func parseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level: %q", raw)
	}
}
