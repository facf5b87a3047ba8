package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gitlab.com/techviking/signalr/v3/internal/hubtest"
)

func testhostCmd() *cobra.Command {
	var (
		addr              string
		keepAliveInterval time.Duration
		keepAliveTimeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "testhost",
		Short: "Run the in-process test hub",
		Long: `Run a test hub serving Echo, ForceReconnect and Fail on every hub name.

Echo pushes an "echo" event back to the caller and returns its argument.
ForceReconnect drops the caller's socket without replying.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			hub := hubtest.New(hubtest.Options{
				KeepAliveInterval: keepAliveInterval,
				KeepAliveTimeout:  keepAliveTimeout,
			})
			srv := &http.Server{Addr: addr, Handler: hub}

			errCh := make(chan error, 1)
			go func() {
				slog.Info("test hub listening", "addr", addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			hub.DropConnections()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":42424", "listen address")
	cmd.Flags().DurationVar(&keepAliveInterval, "keepalive-interval", 10*time.Second, "interval between keep-alive frames")
	cmd.Flags().DurationVar(&keepAliveTimeout, "keepalive-timeout", 20*time.Second, "keep-alive timeout advertised to clients")

	return cmd
}
