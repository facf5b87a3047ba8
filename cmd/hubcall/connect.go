package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	signalr "gitlab.com/techviking/signalr/v3"
)

// dial builds a connection with a proxy for opts.hub and starts it over websockets.
func dial(ctx context.Context, opts *globalOptions, reg prometheus.Registerer, setup func(*signalr.HubProxy)) (signalr.Connection, error) {
	u, err := url.Parse(opts.url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	levels, err := signalr.ParseTraceLevels(opts.trace)
	if err != nil {
		return nil, err
	}

	conn := signalr.New(signalr.Config{
		ConnectionURL: *u,
		TraceLevel:    levels,
		TraceWriter:   os.Stderr,
		Registerer:    reg,
	})

	proxy, err := conn.CreateHubProxy(opts.hub)
	if err != nil {
		return nil, err
	}
	if setup != nil {
		setup(proxy)
	}

	transport := signalr.NewWebSocketTransport(signalr.WebSocketConfig{ReconnectDelay: opts.reconnectDelay})

	startCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	if err := conn.Start(startCtx, transport); err != nil {
		return nil, err
	}

	return conn, nil
}

// parseArg turns a command line argument into a JSON value, falling back to a plain string.
func parseArg(raw string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}

	return raw
}
