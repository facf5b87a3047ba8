package signalr

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// HubProxy invokes methods on one server hub and receives the events it pushes.
type HubProxy struct {
	name string
	conn *client

	mu            sync.RWMutex
	subscriptions map[string]*handlerSet[[]json.RawMessage]
}

func newHubProxy(c *client, name string) *HubProxy {
	return &HubProxy{
		name:          name,
		conn:          c,
		subscriptions: make(map[string]*handlerSet[[]json.RawMessage]),
	}
}

func (p *HubProxy) Name() string {
	return p.name
}

// On registers handler for the event the hub pushes under eventName (case-sensitive). Handlers
// for the same name run in registration order. The returned func removes the handler.
func (p *HubProxy) On(eventName string, handler func(args []json.RawMessage)) func() {
	p.mu.Lock()
	set, ok := p.subscriptions[eventName]
	if !ok {
		set = &handlerSet[[]json.RawMessage]{}
		p.subscriptions[eventName] = set
	}
	p.mu.Unlock()

	return set.add(handler)
}

// Invoke calls method on the hub and returns the raw result, nil for methods without one.
// A call in flight survives a reconnect, but a reply lost with the old socket never arrives,
// so callers must pass a ctx with a deadline.
func (p *HubProxy) Invoke(ctx context.Context, method string, args ...interface{}) (json.RawMessage, error) {
	return p.conn.invoke(ctx, CallHubPayload{
		Hub:       p.name,
		Method:    method,
		Arguments: args,
	})
}

// InvokeInto calls method and unmarshals its result into resultPayload.
func (p *HubProxy) InvokeInto(ctx context.Context, resultPayload interface{}, method string, args ...interface{}) error {
	result, err := p.Invoke(ctx, method, args...)
	if err != nil {
		return err
	}

	if len(result) == 0 || resultPayload == nil {
		return nil
	}

	if err = json.Unmarshal(result, resultPayload); err != nil {
		return CallHubError(fmt.Sprintf("Unable to parse response into type provided for call to %s: %s", method, string(result)))
	}

	return nil
}

// dispatch queues the handlers registered for eventName. Returns false when there are none.
func (p *HubProxy) dispatch(eventName string, args []json.RawMessage) bool {
	p.mu.RLock()
	set, ok := p.subscriptions[eventName]
	p.mu.RUnlock()

	if !ok || set.len() == 0 {
		return false
	}

	handlers := set.snapshot()
	p.conn.events.push(func() {
		for _, h := range handlers {
			h(args)
		}
	})

	return true
}

// Handle registers a handler that receives the first event argument decoded into T.
// Arguments that do not decode are reported through OnError and skipped.
func Handle[T any](p *HubProxy, eventName string, handler func(T)) func() {
	return p.On(eventName, func(args []json.RawMessage) {
		var v T
		if len(args) > 0 {
			if err := json.Unmarshal(args[0], &v); err != nil {
				p.conn.reportError(HubMessageError(fmt.Sprintf("Unable to decode %s.%s argument: %s", p.name, eventName, err.Error())))
				return
			}
		}
		handler(v)
	})
}
