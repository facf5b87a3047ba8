package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	signalr "gitlab.com/techviking/signalr/v3"
)

func listenCmd(opts *globalOptions) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "listen EVENT [EVENT...]",
		Short: "Print events pushed by the hub until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			if metricsAddr != "" {
				srv := metricsServer(metricsAddr, reg)
				defer srv.Close()
			}

			out := cmd.OutOrStdout()
			conn, err := dial(ctx, opts, reg, func(proxy *signalr.HubProxy) {
				for _, event := range args {
					event := event
					proxy.On(event, func(eventArgs []json.RawMessage) {
						data, _ := json.Marshal(eventArgs)
						fmt.Fprintf(out, "%s %s\n", event, data)
					})
				}
			})
			if err != nil {
				return err
			}
			defer conn.Stop()

			conn.OnStateChanged(func(sc signalr.StateChange) {
				slog.Info("state changed", "old", sc.Old.String(), "new", sc.New.String())
			})

			done := make(chan struct{})
			var once sync.Once
			conn.OnStateChanged(func(sc signalr.StateChange) {
				if sc.New == signalr.Disconnected {
					once.Do(func() { close(done) })
				}
			})

			select {
			case <-ctx.Done():
				return nil
			case <-done:
				return errors.New("connection closed by hub")
			}
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

func metricsServer(addr string, reg *prometheus.Registry) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	return srv
}
