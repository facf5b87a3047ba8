package signalr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

//CallHubPayload parameters for sending message to signalr hub.  identifier is set internally.  Arguments must be json marshallable.
type CallHubPayload struct {
	Hub        string        `json:"H"`
	Method     string        `json:"M"`
	Arguments  []interface{} `json:"A"`
	Identifier string        `json:"I"`
}

// nextIdentifier increments the message identifier in threadsafe way.
func (c *client) nextIdentifier() string {
	c.callHubIDMutex.Lock()
	defer c.callHubIDMutex.Unlock()

	id := fmt.Sprintf("%d", c.nextID)
	c.nextID++

	return id
}

// invoke sends payload to the hub and waits for its reply, the loss of the connection or ctx.
func (c *client) invoke(ctx context.Context, payload CallHubPayload) (json.RawMessage, error) {
	if state := c.State(); state != Connected {
		return nil, c.rejectInvoke(payload, state)
	}

	if payload.Arguments == nil {
		payload.Arguments = []interface{}{}
	}
	payload.Identifier = c.nextIdentifier()

	//attempt to marshal the payload
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, CallHubError(err.Error())
	}

	ctx, span := c.startInvokeSpan(ctx, payload.Hub, payload.Method, payload.Identifier)

	stream, call, err := c.registerCall(payload)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	c.metrics.pendingInvocations.Inc()
	defer c.metrics.pendingInvocations.Dec()

	started := time.Now()

	var result json.RawMessage
	if err = c.sendHubMessage(ctx, stream, data); err != nil {
		if c.pending.take(payload.Identifier) == nil {
			// Stop or give-up already failed the call and closed the stream under it
			outcome := <-call.done
			result, err = outcome.result, outcome.err
		}
	} else {
		select {
		case outcome := <-call.done:
			result, err = outcome.result, outcome.err
		case <-ctx.Done():
			c.pending.remove(payload.Identifier)
			err = fmt.Errorf("invoke %s.%s: %w", payload.Hub, payload.Method, ctx.Err())
		}
	}

	c.metrics.recordInvocation(payload.Hub, payload.Method, outcomeLabel(err), time.Since(started).Seconds())
	endSpan(span, err)

	return result, err
}

// registerCall sets the response future while Connected is held, so a Stop or give-up that
// follows always finds it. Returns the stream the call must be sent on.
func (c *client) registerCall(payload CallHubPayload) (Stream, *pendingCall, error) {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()

	if c.state != Connected {
		return nil, nil, c.rejectInvoke(payload, c.state)
	}

	call, err := c.pending.register(payload.Identifier, payload.Method)
	if err != nil {
		return nil, nil, CallHubError(err.Error())
	}

	return c.stream, call, nil
}

func (c *client) rejectInvoke(payload CallHubPayload, state ConnectionState) error {
	c.metrics.invocations.WithLabelValues(payload.Hub, payload.Method, "rejected").Inc()

	return InvalidOperationError(fmt.Sprintf("cannot invoke %s.%s while %s", payload.Hub, payload.Method, state))
}

func (c *client) sendHubMessage(ctx context.Context, stream Stream, data []byte) error {
	c.trace(TraceMessages, "sending", "message", string(data))

	err := stream.Send(ctx, data)
	if err == nil {
		return nil
	}

	var se SocketError
	if errors.As(err, &se) {
		return err
	}

	return SocketError(err.Error())
}

func outcomeLabel(err error) string {
	var (
		remote RemoteInvocationError
		lost   ConnectionLostError
		closed ConnectionClosedError
		socket SocketError
	)

	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &remote):
		return "remote_error"
	case errors.As(err, &lost):
		return "connection_lost"
	case errors.As(err, &closed):
		return "connection_closed"
	case errors.As(err, &socket):
		return "send_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
