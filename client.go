package signalr

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

//default values for configuartion
const (
	defaultScheme               string = "https"
	defaultHost                 string = "localhost:1337"
	defaultMaxReconnectAttempts int    = 5
)

//ConnectionState int representing current state of the SignalR Client
type ConnectionState int

//SignalR Client State Values
const (
	Disconnected ConnectionState = iota
	Connecting
	Reconnecting
	Connected
)

func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Reconnecting:
		return "Reconnecting"
	case Connected:
		return "Connected"
	default:
		return "Unknown"
	}
}

//Config define options required for connecting to a signalr endpoint.
type Config struct {
	//URL for the signalr endpoint.  uses url.URL package to ensure valid url is used.
	ConnectionURL url.URL `json:"url"`

	// RequestHeaders additional header parameters to add to every handshake request.
	RequestHeaders http.Header `json:"request_headers,omitempty"`

	// KeepAlive overrides the keep-alive settings the server advertises during negotiation.
	KeepAlive *KeepAliveData `json:"keep_alive,omitempty"`

	// MaxReconnectAttempts caps reconnect attempts per episode. Defaults to 5, negative means no cap.
	MaxReconnectAttempts int `json:"max_reconnect_attempts,omitempty"`

	// DisconnectTimeout gives up reconnecting once this much time passed since the loss. Zero disables it.
	DisconnectTimeout time.Duration `json:"disconnect_timeout,omitempty"`

	// TraceLevel and TraceWriter control the diagnostic trace. Nothing is traced without a writer.
	TraceLevel  TraceLevels `json:"trace_level,omitempty"`
	TraceWriter io.Writer   `json:"-"`

	//Logger for operational messages. Defaults to slog.Default().
	Logger *slog.Logger `json:"-"`

	//Registerer the connection metrics are registered with. nil keeps them private.
	Registerer prometheus.Registerer `json:"-"`

	//TracerProvider for invoke and reconnect spans. Defaults to the global provider.
	TracerProvider trace.TracerProvider `json:"-"`
}

//client implemntation of Connection interface.
type client struct {
	//persist sanitized config
	config Config

	logger     *slog.Logger
	tracer     *tracer
	otelTracer trace.Tracer
	metrics    *metrics

	//mutex serializing every read and transition of the fields below
	stateMutex sync.Mutex
	//store current state of connection
	state ConnectionState
	//bumped on every Start, Stop and give-up so stale goroutines can tell they lost
	epoch         uint64
	transport     Transport
	stream        Stream
	monitor       *keepAliveMonitor
	cancelConnect func()

	keepAlive           atomic.Pointer[KeepAliveData]
	keepAliveOverridden atomic.Bool
	//set while the server advertises no keep-alive and nothing overrides it
	keepAliveDisabled atomic.Bool
	keepAliveReset      chan struct{}
	lastActivity        atomic.Int64

	proxiesMutex sync.RWMutex
	proxies      map[string]*HubProxy

	pending        *pendingCalls
	callHubIDMutex sync.Mutex
	nextID         uint64

	sessionMutex sync.Mutex
	messageID    string
	groupsToken  string

	//connection level notifications and hub events are delivered on separate queues
	notifications *dispatchQueue
	events        *dispatchQueue

	stateHandlers        handlerSet[StateChange]
	reconnectingHandlers handlerSet[struct{}]
	reconnectedHandlers  handlerSet[struct{}]
	slowHandlers         handlerSet[struct{}]
	errorHandlers        handlerSet[error]
}

func (c *client) State() ConnectionState {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()

	return c.state
}

// setStateLocked performs a transition. Callers hold stateMutex, which keeps the queued
// StateChange notifications in transition order.
func (c *client) setStateLocked(newState ConnectionState) {
	old := c.state
	if old == newState {
		return
	}
	c.state = newState

	c.metrics.recordTransition(old, newState)
	c.trace(TraceStateChanges, "state changed", "old", old.String(), "new", newState.String())

	change := StateChange{Old: old, New: newState}
	c.notifications.push(c.stateHandlers.bind(change))
}

func (c *client) trace(level TraceLevels, msg string, args ...any) {
	c.tracer.trace(level, msg, args...)
}

// reportError hands a non-fatal error to OnError handlers.
func (c *client) reportError(err error) {
	c.logger.Warn("signalr error", "error", err)
	if c.errorHandlers.len() == 0 {
		return
	}
	c.notifications.push(c.errorHandlers.bind(err))
}

func (c *client) notifyConnectionSlow() {
	c.logger.Warn("connection slow: keep-alive warning reached")
	c.notifications.push(c.slowHandlers.bind(struct{}{}))
}

func (c *client) OnStateChanged(handler func(StateChange)) func() {
	return c.stateHandlers.add(handler)
}

func (c *client) OnReconnecting(handler func()) func() {
	return c.reconnectingHandlers.add(func(struct{}) { handler() })
}

func (c *client) OnReconnected(handler func()) func() {
	return c.reconnectedHandlers.add(func(struct{}) { handler() })
}

func (c *client) OnConnectionSlow(handler func()) func() {
	return c.slowHandlers.add(func(struct{}) { handler() })
}

func (c *client) OnError(handler func(error)) func() {
	return c.errorHandlers.add(handler)
}

// CreateHubProxy returns the proxy for hubName, creating it if needed. New proxies can only be
// added while disconnected since the hub list is part of the handshake.
func (c *client) CreateHubProxy(hubName string) (*HubProxy, error) {
	key := strings.ToLower(hubName)

	c.proxiesMutex.Lock()
	defer c.proxiesMutex.Unlock()

	if p, ok := c.proxies[key]; ok {
		return p, nil
	}

	if state := c.State(); state != Disconnected {
		return nil, InvalidOperationError("cannot create hub proxy " + hubName + " while " + state.String())
	}

	p := newHubProxy(c, hubName)
	c.proxies[key] = p

	return p, nil
}

func (c *client) proxy(hubName string) *HubProxy {
	c.proxiesMutex.RLock()
	defer c.proxiesMutex.RUnlock()

	return c.proxies[strings.ToLower(hubName)]
}

func (c *client) hubNames() []string {
	c.proxiesMutex.RLock()
	defer c.proxiesMutex.RUnlock()

	names := make([]string, 0, len(c.proxies))
	for _, p := range c.proxies {
		names = append(names, p.name)
	}
	sort.Strings(names)

	return names
}

//New generates a new client based on user data.  Specifying an invalid url will not fail until the connection steps.
func New(c Config) Connection {
	if c.ConnectionURL.Scheme == "" {
		c.ConnectionURL.Scheme = defaultScheme
	}

	if c.ConnectionURL.Host == "" {
		c.ConnectionURL.Host = defaultHost
	}

	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}

	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	logger := c.Logger.With("component", "signalr", "url", c.ConnectionURL.String())

	new := &client{
		config:         c,
		logger:         logger,
		tracer:         newTracer(c.TraceWriter, c.TraceLevel),
		otelTracer:     newOTelTracer(c.TracerProvider),
		metrics:        newMetrics(c.Registerer),
		state:          Disconnected,
		keepAliveReset: make(chan struct{}, 1),
		proxies:        make(map[string]*HubProxy),
		pending:        newPendingCalls(),
		notifications:  newDispatchQueue(logger),
		events:         newDispatchQueue(logger),
	}

	kad := KeepAliveFromTimeout(defaultKeepAliveTimeout)
	if c.KeepAlive != nil {
		if err := c.KeepAlive.validate(); err != nil {
			logger.Warn("ignoring invalid keep-alive settings", "error", err)
		} else {
			kad = *c.KeepAlive
			new.keepAliveOverridden.Store(true)
		}
	}
	new.keepAlive.Store(&kad)

	return new
}
