package signalr

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"
)

type invokeResult struct {
	raw json.RawMessage
	err error
}

func invokeAsync(proxy *HubProxy, method string, args ...interface{}) <-chan invokeResult {
	ch := make(chan invokeResult, 1)
	go func() {
		raw, err := proxy.Invoke(context.Background(), method, args...)
		ch <- invokeResult{raw, err}
	}()

	return ch
}

func waitResult(t *testing.T, ch <-chan invokeResult) invokeResult {
	t.Helper()

	select {
	case r := <-ch:
		return r
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for invocation result")
		return invokeResult{}
	}
}

func TestNextIdentifier(t *testing.T) {
	//Assemble
	c := New(Config{}).(*client)

	//Act
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := c.nextIdentifier()
		if seen[id] {
			t.Fatalf("identifier %s handed out twice", id)
		}
		seen[id] = true
	}

	//Assert
	if !seen["0"] || !seen["99"] {
		t.Errorf("expected identifiers 0 through 99")
	}
}

func TestInvokeWireFormat(t *testing.T) {
	//Assemble
	_, proxy, _, stream := startFake(t, Config{}, time.Millisecond)

	//Act
	ch := invokeAsync(proxy, "Send", "hello", 42)
	sent := stream.nextSent(t)
	stream.deliver(resultFrame(sent.Identifier, "ok"))
	r := waitResult(t, ch)

	//Assert
	if r.err != nil {
		t.Fatalf("unexpected error: %s", r.err)
	}
	if sent.Hub != "testhub" || sent.Method != "Send" {
		t.Errorf("unexpected payload %+v", sent)
	}
	if len(sent.Arguments) != 2 || sent.Arguments[0] != "hello" || sent.Arguments[1] != float64(42) {
		t.Errorf("unexpected arguments %+v", sent.Arguments)
	}
	if string(r.raw) != `"ok"` {
		t.Errorf("unexpected result %s", r.raw)
	}
}

func TestInvokeWithoutArgumentsSendsEmptyArray(t *testing.T) {
	//Assemble
	_, proxy, _, stream := startFake(t, Config{}, time.Millisecond)

	//Act
	ch := invokeAsync(proxy, "Ping")
	var raw []byte
	select {
	case raw = <-stream.sent:
	case <-time.After(waitTimeout):
		t.Fatal("nothing sent")
	}

	var wire map[string]json.RawMessage
	_ = json.Unmarshal(raw, &wire)
	stream.deliver(`{"I":"0"}`)
	r := waitResult(t, ch)

	//Assert
	if string(wire["A"]) != "[]" {
		t.Errorf("expected empty argument array, got %s", wire["A"])
	}
	if r.err != nil || len(r.raw) != 0 {
		t.Errorf("expected void result, got %s, %v", r.raw, r.err)
	}
}

func TestOutOfOrderReplies(t *testing.T) {
	//Assemble
	c, proxy, _, stream := startFake(t, Config{}, time.Millisecond)

	results := make(map[string]<-chan invokeResult)
	ids := make(map[string]string)
	for _, msg := range []string{"first", "second", "third"} {
		results[msg] = invokeAsync(proxy, "Echo", msg)
		sent := stream.nextSent(t)
		ids[sent.Arguments[0].(string)] = sent.Identifier
	}

	//Act
	for _, msg := range []string{"third", "first", "second"} {
		stream.deliver(resultFrame(ids[msg], msg))
	}

	//Assert
	for msg, ch := range results {
		r := waitResult(t, ch)
		if r.err != nil {
			t.Errorf("%s: unexpected error %s", msg, r.err)
			continue
		}
		var got string
		_ = json.Unmarshal(r.raw, &got)
		if got != msg {
			t.Errorf("expected %s, got %s", msg, got)
		}
	}

	if n := c.pending.len(); n != 0 {
		t.Errorf("pending registry expected empty, has %d", n)
	}
}

func TestUnmatchedReplyIgnored(t *testing.T) {
	//Assemble
	c, proxy, _, stream := startFake(t, Config{}, time.Millisecond)
	ch := invokeAsync(proxy, "Echo", "x")
	sent := stream.nextSent(t)

	//Act
	stream.deliver(resultFrame("9999", "stray"))
	stream.deliver(resultFrame(sent.Identifier, "x"))
	stream.deliver(resultFrame(sent.Identifier, "duplicate"))
	r := waitResult(t, ch)

	//Assert
	if r.err != nil || string(r.raw) != `"x"` {
		t.Errorf("expected first reply to win, got %s, %v", r.raw, r.err)
	}

	time.Sleep(20 * time.Millisecond)
	if c.State() != Connected {
		t.Errorf("stray replies must not disturb the connection, state %s", c.State())
	}
}

func TestRemoteError(t *testing.T) {
	//Assemble
	_, proxy, _, stream := startFake(t, Config{}, time.Millisecond)
	ch := invokeAsync(proxy, "Explode")
	sent := stream.nextSent(t)

	//Act
	stream.deliver(`{"I":"` + sent.Identifier + `","E":"boom","H":true}`)
	r := waitResult(t, ch)

	//Assert
	var rie RemoteInvocationError
	if !errors.As(r.err, &rie) {
		t.Fatalf("expected RemoteInvocationError, got %v", r.err)
	}
	if string(rie) != "boom" {
		t.Errorf("expected server message boom, got %q", string(rie))
	}
}

func TestInvokeRejectedWhenNotConnected(t *testing.T) {
	//Assemble
	c := New(Config{}).(*client)
	proxy, _ := c.CreateHubProxy("testhub")

	//Act
	_, err := proxy.Invoke(context.Background(), "Echo", "x")

	//Assert
	var ioe InvalidOperationError
	if !errors.As(err, &ioe) {
		t.Errorf("expected InvalidOperationError, got %v", err)
	}
	if c.pending.len() != 0 {
		t.Errorf("rejected invocation must not stay pending")
	}
}

func TestInvokeRejectedWhileReconnecting(t *testing.T) {
	//Assemble
	c, proxy, _, stream := startFake(t, Config{}, time.Hour)
	rec := recordStates(c)
	stream.fail(SocketError("drop"))
	rec.waitFor(t, Reconnecting, 1)

	//Act
	_, err := proxy.Invoke(context.Background(), "Echo", "x")

	//Assert
	var ioe InvalidOperationError
	if !errors.As(err, &ioe) {
		t.Errorf("expected InvalidOperationError, got %v", err)
	}
}

func TestStopFailsPending(t *testing.T) {
	//Assemble
	c, proxy, _, stream := startFake(t, Config{}, time.Millisecond)

	const n = 4
	results := make([]<-chan invokeResult, n)
	for i := range results {
		results[i] = invokeAsync(proxy, "Echo", strconv.Itoa(i))
		stream.nextSent(t)
	}

	//Act
	_ = c.Stop()

	//Assert
	for i, ch := range results {
		r := waitResult(t, ch)
		var cce ConnectionClosedError
		if !errors.As(r.err, &cce) {
			t.Errorf("invocation %d expected ConnectionClosedError, got %v", i, r.err)
		}
	}
	if c.pending.len() != 0 {
		t.Errorf("pending registry expected empty, has %d", c.pending.len())
	}
}

func TestPendingSurvivesReconnect(t *testing.T) {
	//Assemble
	c, proxy, transport, stream := startFake(t, Config{}, time.Millisecond)
	rec := recordStates(c)
	ch := invokeAsync(proxy, "Echo", "patient")
	sent := stream.nextSent(t)

	//Act
	stream.fail(SocketError("drop"))
	second := transport.nextStream(t)
	rec.waitFor(t, Connected, 1)
	second.deliver(resultFrame(sent.Identifier, "patient"))
	r := waitResult(t, ch)

	//Assert
	if r.err != nil || string(r.raw) != `"patient"` {
		t.Errorf("expected reply over the new stream, got %s, %v", r.raw, r.err)
	}
}

func TestInvokeContextTimeout(t *testing.T) {
	//Assemble
	c, proxy, _, _ := startFake(t, Config{}, time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	//Act
	_, err := proxy.Invoke(ctx, "Echo", "slow")

	//Assert
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if c.pending.len() != 0 {
		t.Errorf("timed out invocation must leave the registry")
	}
	if c.State() != Connected {
		t.Errorf("caller timeout must not affect the connection, state %s", c.State())
	}
}

func TestInvokeSendFailure(t *testing.T) {
	//Assemble
	c, proxy, _, stream := startFake(t, Config{}, time.Hour)
	stream.mu.Lock()
	stream.closed = true
	stream.mu.Unlock()

	//Act
	_, err := proxy.Invoke(context.Background(), "Echo", "x")

	//Assert
	var se SocketError
	if !errors.As(err, &se) {
		t.Errorf("expected SocketError, got %v", err)
	}
	if c.pending.len() != 0 {
		t.Errorf("failed send must leave the registry")
	}
}

func TestInvokeMarshalFailure(t *testing.T) {
	//Assemble
	_, proxy, _, _ := startFake(t, Config{}, time.Millisecond)

	//Act
	_, err := proxy.Invoke(context.Background(), "Echo", make(chan int))

	//Assert
	var che CallHubError
	if !errors.As(err, &che) {
		t.Errorf("expected CallHubError, got %v", err)
	}
}

func TestInvokeInto(t *testing.T) {
	type quote struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price"`
	}

	//Assemble
	_, proxy, _, stream := startFake(t, Config{}, time.Millisecond)

	errCh := make(chan error, 1)
	var got quote
	go func() { errCh <- proxy.InvokeInto(context.Background(), &got, "Quote", "ACME") }()
	sent := stream.nextSent(t)

	//Act
	stream.deliver(resultFrame(sent.Identifier, quote{Symbol: "ACME", Price: 12.5}))

	//Assert
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for InvokeInto")
	}
	if got.Symbol != "ACME" || got.Price != 12.5 {
		t.Errorf("unexpected decoded result %+v", got)
	}
}

func TestInvokeIntoBadResult(t *testing.T) {
	//Assemble
	_, proxy, _, stream := startFake(t, Config{}, time.Millisecond)

	errCh := make(chan error, 1)
	var got int
	go func() { errCh <- proxy.InvokeInto(context.Background(), &got, "Quote") }()
	sent := stream.nextSent(t)

	//Act
	stream.deliver(resultFrame(sent.Identifier, "not a number"))

	//Assert
	select {
	case err := <-errCh:
		var che CallHubError
		if !errors.As(err, &che) {
			t.Errorf("expected CallHubError, got %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for InvokeInto")
	}
}

func TestOutcomeLabel(t *testing.T) {
	cases := map[string]error{
		"ok":                nil,
		"remote_error":      RemoteInvocationError("x"),
		"connection_lost":   ConnectionLostError("x"),
		"connection_closed": ConnectionClosedError("x"),
		"send_failed":       SocketError("x"),
		"canceled":          context.Canceled,
		"error":             errors.New("x"),
	}

	for want, err := range cases {
		if got := outcomeLabel(err); got != want {
			t.Errorf("outcomeLabel(%v) expected %s, got %s", err, want, got)
		}
	}
}

func TestInvokeRacingStop(t *testing.T) {
	for i := 0; i < 20; i++ {
		//Assemble
		c, proxy, _, _ := startFake(t, Config{}, time.Millisecond)
		errs := make(chan error, 16)
		var wg sync.WaitGroup

		//Act
		for j := 0; j < cap(errs); j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := proxy.Invoke(context.Background(), "Echo", "x")
				errs <- err
			}()
		}
		_ = c.Stop()
		wg.Wait()
		close(errs)

		//Assert
		for err := range errs {
			var (
				ioe InvalidOperationError
				cce ConnectionClosedError
			)
			if !errors.As(err, &ioe) && !errors.As(err, &cce) {
				t.Fatalf("expected InvalidOperationError or ConnectionClosedError, got %v", err)
			}
		}
	}
}

func TestReplyLostWithOldSocketEndsAtDeadline(t *testing.T) {
	//Assemble
	c, proxy, transport, stream := startFake(t, Config{}, time.Millisecond)
	rec := recordStates(c)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	ch := make(chan invokeResult, 1)
	go func() {
		raw, err := proxy.Invoke(ctx, "Echo", "x")
		ch <- invokeResult{raw, err}
	}()
	stream.nextSent(t)

	//Act
	stream.fail(SocketError("drop"))
	transport.nextStream(t)
	rec.waitFor(t, Connected, 1)
	r := waitResult(t, ch)

	//Assert
	if !errors.Is(r.err, context.DeadlineExceeded) {
		t.Errorf("expected the deadline to end the call, got %v", r.err)
	}
	if c.State() != Connected {
		t.Errorf("expected %s, got %s", Connected, c.State())
	}
	if c.pending.len() != 0 {
		t.Errorf("expired call must leave the registry")
	}
}
