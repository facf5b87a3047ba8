package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func invokeCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invoke METHOD [ARG...]",
		Short: "Invoke a hub method and print its result",
		Long: `Invoke a hub method once and print the raw JSON result.

Arguments that parse as JSON are sent as JSON values, anything else as a string.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial(cmd.Context(), opts, nil, nil)
			if err != nil {
				return err
			}
			defer conn.Stop()

			proxy, err := conn.CreateHubProxy(opts.hub)
			if err != nil {
				return err
			}

			callArgs := make([]interface{}, 0, len(args)-1)
			for _, a := range args[1:] {
				callArgs = append(callArgs, parseArg(a))
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			result, err := proxy.Invoke(ctx, args[0], callArgs...)
			if err != nil {
				return err
			}

			if len(result) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "null")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(result))

			return nil
		},
	}

	return cmd
}
