package signalr

import (
	"encoding/json"
	"fmt"
	"sync"
)

// invocationOutcome is what a pending call resolves with. Exactly one of the fields is set.
type invocationOutcome struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	method string
	done   chan invocationOutcome
}

// pendingCalls tracks in-flight invocations by correlation id.
type pendingCalls struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: make(map[string]*pendingCall)}
}

func (p *pendingCalls) register(id, method string) (*pendingCall, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.calls[id]; exists {
		return nil, fmt.Errorf("invocation id %s already pending", id)
	}

	call := &pendingCall{method: method, done: make(chan invocationOutcome, 1)}
	p.calls[id] = call

	return call, nil
}

// take removes and returns the call for id, nil when absent.
func (p *pendingCalls) take(id string) *pendingCall {
	p.mu.Lock()
	defer p.mu.Unlock()

	call, ok := p.calls[id]
	if !ok {
		return nil
	}
	delete(p.calls, id)

	return call
}

func (p *pendingCalls) complete(id string, result json.RawMessage) bool {
	call := p.take(id)
	if call == nil {
		return false
	}
	call.done <- invocationOutcome{result: result}

	return true
}

func (p *pendingCalls) fault(id string, err error) bool {
	call := p.take(id)
	if call == nil {
		return false
	}
	call.done <- invocationOutcome{err: err}

	return true
}

func (p *pendingCalls) remove(id string) {
	p.take(id)
}

// drainAll faults every pending call with err and empties the registry. Returns how many were failed.
func (p *pendingCalls) drainAll(err error) int {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[string]*pendingCall)
	p.mu.Unlock()

	for _, call := range calls {
		call.done <- invocationOutcome{err: err}
	}

	return len(calls)
}

func (p *pendingCalls) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.calls)
}
