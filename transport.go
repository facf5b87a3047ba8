package signalr

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// Endpoint describes what a transport should connect to.
type Endpoint struct {
	// URL of the signalr server. Transports pick their own paths below it.
	URL url.URL

	// Hubs the connection exposes proxies for, sent as connection data.
	Hubs []string

	// Headers added to every handshake request.
	Headers http.Header

	// Reconnect is set when re-establishing a dropped session rather than opening a new one.
	Reconnect bool

	// MessageID and GroupsToken are the last values seen from the server, replayed on reconnect
	// so the server can resume the logical session.
	MessageID   string
	GroupsToken string
}

// Transport opens streams to a signalr endpoint.
type Transport interface {
	Name() string

	// Connect establishes a stream, applying the transport's own retry policy.
	Connect(ctx context.Context, ep Endpoint) (Stream, error)

	// ReconnectDelay is how long the connection waits before each reconnect attempt.
	ReconnectDelay() time.Duration
}

// Stream is one established duplex channel.
type Stream interface {
	Send(ctx context.Context, message []byte) error

	// Messages delivers inbound frames. It is closed when the stream fails or is closed.
	Messages() <-chan []byte

	// Err reports why Messages was closed. nil after a local Close.
	Err() error

	Close() error
}

// KeepAliveReporter is implemented by streams that learned the server keep-alive during their handshake.
type KeepAliveReporter interface {
	KeepAliveTimeout() time.Duration
}
