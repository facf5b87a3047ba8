package signalr

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Start connects through transport and moves Disconnected→Connecting→Connected. On failure the
// connection is Disconnected again and a ConnectError is returned.
func (c *client) Start(ctx context.Context, transport Transport) error {
	if transport == nil {
		return InvalidOperationError("start called without a transport")
	}

	c.stateMutex.Lock()
	if c.state != Disconnected {
		state := c.state
		c.stateMutex.Unlock()
		return InvalidOperationError("start called while " + state.String())
	}

	c.epoch++
	epoch := c.epoch
	c.transport = transport
	connectCtx, cancel := context.WithCancel(ctx)
	c.cancelConnect = cancel
	c.setStateLocked(Connecting)
	c.stateMutex.Unlock()
	defer cancel()

	c.resetSession()
	c.logger.Info("connecting", "transport", transport.Name())

	stream, err := transport.Connect(connectCtx, c.endpoint(false))

	c.stateMutex.Lock()
	if c.epoch != epoch || c.state != Connecting {
		c.stateMutex.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		return ConnectionClosedError("connection stopped while starting")
	}

	if err != nil {
		c.setStateLocked(Disconnected)
		c.epoch++
		c.transport = nil
		c.cancelConnect = nil
		c.stateMutex.Unlock()

		c.logger.Error("connect failed", "transport", transport.Name(), "error", err)
		return ConnectError(err.Error())
	}

	c.cancelConnect = nil
	c.setStateLocked(Connected)
	c.attachLocked(stream)
	c.stateMutex.Unlock()

	c.logger.Info("connected", "transport", transport.Name())

	return nil
}

// Stop moves any state to Disconnected, cancels a connect or reconnect in progress and fails
// pending invocations with ConnectionClosedError.
func (c *client) Stop() error {
	return c.stop(nil, ConnectionClosedError("connection stopped"))
}

// stop disconnects and fails pending calls with cause. A non-nil only limits it to the case
// where only is still the active stream.
func (c *client) stop(only Stream, cause error) error {
	c.stateMutex.Lock()
	if c.state == Disconnected || (only != nil && c.stream != only) {
		c.stateMutex.Unlock()
		return nil
	}

	c.setStateLocked(Disconnected)
	c.epoch++
	stream := c.detachLocked()
	cancel := c.cancelConnect
	c.cancelConnect = nil
	c.transport = nil
	c.stateMutex.Unlock()

	if cancel != nil {
		cancel()
	}

	var err error
	if stream != nil {
		err = stream.Close()
	}

	failed := c.pending.drainAll(cause)
	c.logger.Info("disconnected", "failed_invocations", failed)

	return err
}

// attachLocked makes stream the active stream and starts its read pump and keep-alive monitor.
func (c *client) attachLocked(stream Stream) {
	c.stream = stream
	c.touchActivity()

	disabled := false
	if r, ok := stream.(KeepAliveReporter); ok && !c.keepAliveOverridden.Load() {
		if timeout := r.KeepAliveTimeout(); timeout > 0 {
			kad := KeepAliveFromTimeout(timeout)
			if kad.validate() == nil {
				c.keepAlive.Store(&kad)
			}
		} else {
			disabled = true
			c.trace(TraceEvents, "server advertises no keep-alive, monitoring off")
		}
	}
	c.keepAliveDisabled.Store(disabled)

	c.monitor = newKeepAliveMonitor(c, stream)
	go c.pump(stream)
	go c.monitor.run()
}

// detachLocked stops the keep-alive monitor and returns the stream that was active.
func (c *client) detachLocked() Stream {
	stream := c.stream
	c.stream = nil
	if c.monitor != nil {
		c.monitor.halt()
		c.monitor = nil
	}

	return stream
}

// pump feeds inbound frames to the dispatcher until the stream ends.
func (c *client) pump(stream Stream) {
	for msg := range stream.Messages() {
		c.touchActivityFrom(stream)
		c.handleMessage(stream, msg)
	}

	cause := stream.Err()
	if cause == nil {
		cause = SocketError("stream closed")
	}
	c.transportLost(stream, cause)
}

// touchActivityFrom records activity unless stream was already replaced by a reconnect.
func (c *client) touchActivityFrom(stream Stream) {
	c.stateMutex.Lock()
	active := c.stream == stream
	c.stateMutex.Unlock()

	if active {
		c.touchActivity()
	}
}

// serverDisconnect stops the connection when the server ended the session of stream.
func (c *client) serverDisconnect(stream Stream) {
	c.logger.Warn("server requested disconnect")
	// stop closes stream, which must not happen on its own read pump
	go func() {
		_ = c.stop(stream, ConnectionClosedError("server requested disconnect"))
	}()
}

// transportLost starts a reconnect episode when stream is still the active stream of a
// Connected connection. Any other report is a no-op.
func (c *client) transportLost(stream Stream, cause error) {
	c.stateMutex.Lock()
	if c.state != Connected || c.stream != stream {
		c.stateMutex.Unlock()
		return
	}

	c.setStateLocked(Reconnecting)
	c.detachLocked()
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelConnect = cancel
	epoch := c.epoch
	transport := c.transport
	reconnecting := c.notifications.pushWait(c.reconnectingHandlers.bind(struct{}{}))
	c.stateMutex.Unlock()

	c.logger.Warn("connection lost, reconnecting", "cause", cause)
	_ = stream.Close()

	go c.reconnect(ctx, epoch, transport, cause, reconnecting)
}

func (c *client) reconnect(ctx context.Context, epoch uint64, transport Transport, cause error, reconnecting <-chan struct{}) {
	span := c.startReconnectSpan(transport.Name(), cause)

	// Reconnecting handlers run before the first attempt.
	select {
	case <-reconnecting:
	case <-ctx.Done():
		endSpan(span, ConnectionClosedError("stopped while reconnecting"))
		return
	}

	started := time.Now()
	for attempt := 1; ; attempt++ {
		if c.reconnectExhausted(attempt, started) {
			span.SetAttributes(attribute.Int("signalr.attempts", attempt-1))
			c.giveUp(epoch)
			endSpan(span, ConnectionLostError("reconnect attempts exhausted"))
			return
		}

		if !sleepWithContext(ctx, transport.ReconnectDelay()) {
			endSpan(span, ConnectionClosedError("stopped while reconnecting"))
			return
		}

		c.trace(TraceEvents, "reconnect attempt", "attempt", attempt)
		stream, err := transport.Connect(ctx, c.endpoint(true))
		if err != nil {
			if ctx.Err() != nil {
				endSpan(span, ConnectionClosedError("stopped while reconnecting"))
				return
			}
			c.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		c.stateMutex.Lock()
		if c.epoch != epoch || c.state != Reconnecting {
			c.stateMutex.Unlock()
			_ = stream.Close()
			endSpan(span, ConnectionClosedError("stopped while reconnecting"))
			return
		}
		cancel := c.cancelConnect
		c.cancelConnect = nil
		c.setStateLocked(Connected)
		c.attachLocked(stream)
		c.notifications.push(c.reconnectedHandlers.bind(struct{}{}))
		c.stateMutex.Unlock()

		if cancel != nil {
			cancel()
		}
		c.metrics.reconnects.WithLabelValues("reconnected").Inc()
		c.logger.Info("reconnected", "attempt", attempt)
		span.SetAttributes(attribute.Int("signalr.attempts", attempt))
		endSpan(span, nil)
		return
	}
}

func (c *client) reconnectExhausted(attempt int, started time.Time) bool {
	if max := c.config.MaxReconnectAttempts; max >= 0 && attempt > max {
		return true
	}
	if timeout := c.config.DisconnectTimeout; timeout > 0 && time.Since(started) >= timeout {
		return true
	}

	return false
}

// giveUp ends a reconnect episode that ran out of attempts.
func (c *client) giveUp(epoch uint64) {
	c.stateMutex.Lock()
	if c.epoch != epoch || c.state != Reconnecting {
		c.stateMutex.Unlock()
		return
	}
	c.setStateLocked(Disconnected)
	c.epoch++
	cancel := c.cancelConnect
	c.cancelConnect = nil
	c.transport = nil
	c.stateMutex.Unlock()

	if cancel != nil {
		cancel()
	}

	failed := c.pending.drainAll(ConnectionLostError("reconnect attempts exhausted"))
	c.metrics.reconnects.WithLabelValues("exhausted").Inc()
	c.logger.Error("giving up reconnecting", "failed_invocations", failed)
}

func (c *client) resetSession() {
	c.sessionMutex.Lock()
	defer c.sessionMutex.Unlock()

	c.messageID = ""
	c.groupsToken = ""
}

func (c *client) rememberSession(messageID, groupsToken string) {
	c.sessionMutex.Lock()
	defer c.sessionMutex.Unlock()

	if messageID != "" {
		c.messageID = messageID
	}
	if groupsToken != "" {
		c.groupsToken = groupsToken
	}
}

func (c *client) endpoint(reconnect bool) Endpoint {
	hubs := c.hubNames()

	c.sessionMutex.Lock()
	defer c.sessionMutex.Unlock()

	return Endpoint{
		URL:         c.config.ConnectionURL,
		Hubs:        hubs,
		Headers:     c.config.RequestHeaders,
		Reconnect:   reconnect,
		MessageID:   c.messageID,
		GroupsToken: c.groupsToken,
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
