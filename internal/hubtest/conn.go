package hubtest

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type hubConn struct {
	server *Server
	ws     *websocket.Conn

	writeMutex sync.Mutex
	done       chan struct{}
	doneOnce   sync.Once
}

type clientInvocation struct {
	Hub        string            `json:"H"`
	Method     string            `json:"M"`
	Arguments  []json.RawMessage `json:"A"`
	Identifier string            `json:"I"`
}

type invocationResult struct {
	Identifier   string      `json:"I"`
	Result       interface{} `json:"R,omitempty"`
	Error        string      `json:"E,omitempty"`
	HubException bool        `json:"H,omitempty"`
}

type hubEvent struct {
	Hub       string        `json:"H"`
	Method    string        `json:"M"`
	Arguments []interface{} `json:"A"`
}

func (c *hubConn) serve() {
	defer func() {
		c.kill()
		c.server.forget(c)
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var inv clientInvocation
		if err := json.Unmarshal(data, &inv); err != nil {
			c.server.logger.Debug("malformed invocation", "error", err)
			continue
		}

		go c.invoke(inv)
	}
}

func (c *hubConn) invoke(inv clientInvocation) {
	fn := c.server.method(inv.Method)
	if fn == nil {
		_ = c.write(invocationResult{Identifier: inv.Identifier, Error: "'" + inv.Method + "' method could not be resolved.", HubException: true})
		return
	}

	result, err := fn(&Call{Hub: inv.Hub, Method: inv.Method, Args: inv.Arguments, conn: c})
	switch {
	case errors.Is(err, ErrDropped):
		return
	case err != nil:
		_ = c.write(invocationResult{Identifier: inv.Identifier, Error: err.Error(), HubException: true})
	default:
		_ = c.write(invocationResult{Identifier: inv.Identifier, Result: result})
	}
}

func (c *hubConn) push(hub, event string, args []interface{}) error {
	if args == nil {
		args = []interface{}{}
	}

	return c.write(map[string]interface{}{
		"C": c.server.nextCursor(),
		"M": []hubEvent{{Hub: hub, Method: event, Arguments: args}},
	})
}

func (c *hubConn) write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))

	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *hubConn) keepAlive(interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if c.server.silent.Load() {
				continue
			}
			c.writeMutex.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err := c.ws.WriteMessage(websocket.TextMessage, []byte("{}"))
			c.writeMutex.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// kill closes the socket without a close frame so the client sees an abrupt loss.
func (c *hubConn) kill() {
	c.doneOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
