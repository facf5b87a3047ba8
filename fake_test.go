package signalr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

const waitTimeout = 5 * time.Second

// fakeStream is an in-memory Stream. Tests push inbound frames with deliver and read what the
// client sent from sent.
type fakeStream struct {
	mu       sync.Mutex
	closed   bool
	err      error
	messages chan []byte
	sent     chan []byte

	keepAlive time.Duration
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		messages: make(chan []byte, 64),
		sent:     make(chan []byte, 64),
	}
}

func (s *fakeStream) Send(ctx context.Context, message []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return SocketError("stream closed")
	}
	s.sent <- message

	return nil
}

func (s *fakeStream) Messages() <-chan []byte {
	return s.messages
}

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

func (s *fakeStream) Close() error {
	s.shutdown(nil)
	return nil
}

// fail ends the stream as if the network dropped it.
func (s *fakeStream) fail(err error) {
	s.shutdown(err)
}

func (s *fakeStream) shutdown(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.messages)
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

func (s *fakeStream) deliver(frame string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.messages <- []byte(frame)
}

// nextSent waits for the next invocation the client wrote.
func (s *fakeStream) nextSent(t *testing.T) CallHubPayload {
	t.Helper()

	select {
	case data := <-s.sent:
		var payload CallHubPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			t.Fatalf("client sent invalid json %q: %s", data, err)
		}
		return payload
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for the client to send")
		return CallHubPayload{}
	}
}

type fakeStreamWithKeepAlive struct {
	*fakeStream
}

func (s fakeStreamWithKeepAlive) KeepAliveTimeout() time.Duration {
	return s.keepAlive
}

// fakeTransport hands out fakeStreams and records every endpoint it was asked for.
type fakeTransport struct {
	mu         sync.Mutex
	delay      time.Duration
	connectErr error
	block      chan struct{}
	keepAlive  time.Duration
	// advertise reports keepAlive even when it is zero
	advertise  bool
	endpoints  []Endpoint

	streams chan *fakeStream
}

func newFakeTransport(delay time.Duration) *fakeTransport {
	return &fakeTransport{delay: delay, streams: make(chan *fakeStream, 16)}
}

func (t *fakeTransport) Name() string {
	return "fake"
}

func (t *fakeTransport) ReconnectDelay() time.Duration {
	return t.delay
}

func (t *fakeTransport) Connect(ctx context.Context, ep Endpoint) (Stream, error) {
	t.mu.Lock()
	t.endpoints = append(t.endpoints, ep)
	block, connectErr, keepAlive, advertise := t.block, t.connectErr, t.keepAlive, t.advertise
	t.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if connectErr != nil {
		return nil, connectErr
	}

	s := newFakeStream()
	s.keepAlive = keepAlive
	t.streams <- s

	if keepAlive > 0 || advertise {
		return fakeStreamWithKeepAlive{s}, nil
	}

	return s, nil
}

func (t *fakeTransport) setConnectErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connectErr = err
}

func (t *fakeTransport) endpoint(i int) Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.endpoints[i]
}

func (t *fakeTransport) connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.endpoints)
}

func (t *fakeTransport) nextStream(tb testing.TB) *fakeStream {
	tb.Helper()

	select {
	case s := <-t.streams:
		return s
	case <-time.After(waitTimeout):
		tb.Fatal("timed out waiting for the transport to connect")
		return nil
	}
}

// stateRecorder collects StateChange notifications.
type stateRecorder struct {
	mu      sync.Mutex
	changes []StateChange
	updated chan struct{}
}

func recordStates(conn Connection) *stateRecorder {
	r := &stateRecorder{updated: make(chan struct{}, 1)}
	conn.OnStateChanged(func(sc StateChange) {
		r.mu.Lock()
		r.changes = append(r.changes, sc)
		r.mu.Unlock()

		select {
		case r.updated <- struct{}{}:
		default:
		}
	})

	return r
}

func (r *stateRecorder) snapshot() []StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]StateChange(nil), r.changes...)
}

// waitFor blocks until a transition into state has been recorded n times in total.
func (r *stateRecorder) waitFor(t *testing.T, state ConnectionState, n int) {
	t.Helper()

	deadline := time.After(waitTimeout)
	for {
		count := 0
		for _, sc := range r.snapshot() {
			if sc.New == state {
				count++
			}
		}
		if count >= n {
			return
		}

		select {
		case <-r.updated:
		case <-deadline:
			t.Fatalf("timed out waiting for transition to %s, have %+v", state, r.snapshot())
		}
	}
}

func (r *stateRecorder) waitLen(t *testing.T, n int) []StateChange {
	t.Helper()

	deadline := time.After(waitTimeout)
	for {
		if changes := r.snapshot(); len(changes) >= n {
			return changes
		}

		select {
		case <-r.updated:
		case <-deadline:
			t.Fatalf("timed out waiting for %d transitions, have %+v", n, r.snapshot())
		}
	}
}

func assertTransitions(t *testing.T, got []StateChange, want ...StateChange) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("expected transitions %+v, got %+v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

// startFake builds a client with a proxy for "testhub" and starts it over a fake transport.
func startFake(t *testing.T, cfg Config, delay time.Duration) (*client, *HubProxy, *fakeTransport, *fakeStream) {
	t.Helper()

	c := New(cfg).(*client)
	proxy, err := c.CreateHubProxy("testhub")
	if err != nil {
		t.Fatalf("unable to create proxy: %s", err)
	}

	transport := newFakeTransport(delay)
	if err := c.Start(context.Background(), transport); err != nil {
		t.Fatalf("unable to start: %s", err)
	}
	t.Cleanup(func() { _ = c.Stop() })

	return c, proxy, transport, transport.nextStream(t)
}

func resultFrame(id string, result interface{}) string {
	data, _ := json.Marshal(result)
	return fmt.Sprintf(`{"I":%q,"R":%s}`, id, data)
}

func eventFrame(cursor, hub, event string, args ...interface{}) string {
	data, _ := json.Marshal(map[string]interface{}{
		"C": cursor,
		"M": []MessageDataPayload{{HubName: hub, Method: event, Arguments: rawArgs(args...)}},
	})
	return string(data)
}

func rawArgs(args ...interface{}) []json.RawMessage {
	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		raw[i], _ = json.Marshal(a)
	}
	return raw
}

// lockedBuffer is a bytes.Buffer safe for the concurrent writes the trace sink receives.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}
