package signalr

import (
	"log/slog"
	"sync"
)

// StateChange is delivered to OnStateChanged handlers for every transition.
type StateChange struct {
	Old ConnectionState
	New ConnectionState
}

// dispatchQueue runs queued callbacks one at a time, in push order, on a goroutine that
// only exists while the queue has work.
type dispatchQueue struct {
	logger *slog.Logger

	mu      sync.Mutex
	items   []func()
	running bool
}

func newDispatchQueue(logger *slog.Logger) *dispatchQueue {
	return &dispatchQueue{logger: logger}
}

func (q *dispatchQueue) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	go q.drain()
}

// pushWait queues fn and returns a channel closed after fn ran.
func (q *dispatchQueue) pushWait(fn func()) <-chan struct{} {
	done := make(chan struct{})
	q.push(func() {
		defer close(done)
		fn()
	})

	return done
}

func (q *dispatchQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		q.run(fn)
	}
}

func (q *dispatchQueue) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("handler panicked", "panic", r)
		}
	}()
	fn()
}

type handlerEntry[T any] struct {
	id uint64
	fn func(T)
}

// handlerSet is an ordered list of handlers with explicit removal.
type handlerSet[T any] struct {
	mu      sync.Mutex
	nextID  uint64
	entries []handlerEntry[T]
}

func (h *handlerSet[T]) add(fn func(T)) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.entries = append(h.entries, handlerEntry[T]{id: id, fn: fn})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(id) })
	}
}

func (h *handlerSet[T]) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, e := range h.entries {
		if e.id == id {
			// copy so snapshots handed out earlier stay intact
			entries := make([]handlerEntry[T], 0, len(h.entries)-1)
			entries = append(entries, h.entries[:i]...)
			h.entries = append(entries, h.entries[i+1:]...)
			return
		}
	}
}

func (h *handlerSet[T]) snapshot() []func(T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fns := make([]func(T), len(h.entries))
	for i, e := range h.entries {
		fns[i] = e.fn
	}

	return fns
}

func (h *handlerSet[T]) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.entries)
}

// bind captures the handlers registered now and returns a func running them with v, in
// registration order. Handlers added later are not called.
func (h *handlerSet[T]) bind(v T) func() {
	fns := h.snapshot()

	return func() {
		for _, fn := range fns {
			fn(v)
		}
	}
}
