package signalr

import (
	"bytes"
	"encoding/json"
	"fmt"
)

//MessageDataPayload contains information from signalR peer based on subscription
type MessageDataPayload struct {
	HubName   string            `json:"H"`
	Method    string            `json:"M"`
	Arguments []json.RawMessage `json:"A"`
}

// serverMessage covers both shapes the hub sends: persistent messages carrying hub events
// (C, M, G, T) and invocation results (I, R, E, H). S and D mean different things in each
// shape so they are left raw.
type serverMessage struct {
	MessageID   string            `json:"C"`
	Data        []json.RawMessage `json:"M"`
	GroupsToken string            `json:"G"`
	Reconnect   int               `json:"T"`
	State       json.RawMessage   `json:"S"`

	Identifier   string          `json:"I"`
	Result       json.RawMessage `json:"R"`
	Error        string          `json:"E"`
	HubException bool            `json:"H"`
	ErrorData    json.RawMessage `json:"D"`
}

// disconnectRequested reports a persistent message carrying D:1.
func (m *serverMessage) disconnectRequested() bool {
	return bytes.Equal(bytes.TrimSpace(m.ErrorData), []byte("1"))
}

var keepAliveFrame = []byte("{}")

func (c *client) handleMessage(stream Stream, data []byte) {
	c.trace(TraceMessages, "received", "message", string(data))

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, keepAliveFrame) {
		c.metrics.inboundMessages.WithLabelValues("keepalive").Inc()
		return
	}

	var msg serverMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		c.metrics.inboundMessages.WithLabelValues("malformed").Inc()
		c.reportError(HubMessageError(fmt.Sprintf("Unable to unmarshal server message: %s", err.Error())))
		return
	}

	if msg.Identifier != "" {
		c.metrics.inboundMessages.WithLabelValues("result").Inc()
		c.handleResult(&msg)
		return
	}

	c.metrics.inboundMessages.WithLabelValues("persistent").Inc()
	c.handlePersistent(stream, &msg)
}

func (c *client) handleResult(msg *serverMessage) {
	var matched bool
	if msg.Error != "" {
		matched = c.pending.fault(msg.Identifier, RemoteInvocationError(msg.Error))
	} else {
		matched = c.pending.complete(msg.Identifier, msg.Result)
	}

	if !matched {
		c.logger.Debug("ignoring reply without pending invocation", "id", msg.Identifier)
	}
}

func (c *client) handlePersistent(stream Stream, msg *serverMessage) {
	c.rememberSession(msg.MessageID, msg.GroupsToken)

	for _, curData := range msg.Data {
		var payload MessageDataPayload
		if err := json.Unmarshal(curData, &payload); err != nil {
			c.reportError(HubMessageError(fmt.Sprintf("Unable to unmarshal message data: %s", err.Error())))
			continue
		}

		c.dispatchEvent(payload)
	}

	if msg.disconnectRequested() {
		c.trace(TraceEvents, "server requested disconnect")
		c.serverDisconnect(stream)
		return
	}

	if msg.Reconnect == 1 {
		c.trace(TraceEvents, "server requested reconnect")
		c.transportLost(stream, SocketError("server requested reconnect"))
	}
}

func (c *client) dispatchEvent(payload MessageDataPayload) {
	c.trace(TraceEvents, "hub event", "hub", payload.HubName, "event", payload.Method)

	proxy := c.proxy(payload.HubName)
	if proxy == nil {
		c.logger.Debug("ignoring event for unknown hub", "hub", payload.HubName, "event", payload.Method)
		return
	}

	if !proxy.dispatch(payload.Method, payload.Arguments) {
		c.logger.Debug("ignoring event without handlers", "hub", payload.HubName, "event", payload.Method)
	}
}
