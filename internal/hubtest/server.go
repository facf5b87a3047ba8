// Package hubtest is a small in-process signalr hub for exercising the client end to end.
// It speaks enough of the server side of the protocol for negotiate, connect, reconnect,
// hub invocations and pushed events.
package hubtest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// DefaultHub is the hub name the built-in methods are served under.
const DefaultHub = "StoreWebSocketTestHub"

// ErrDropped is returned by a method that closed the caller's socket instead of replying.
var ErrDropped = errors.New("connection dropped")

// Options tune the server.
type Options struct {
	// KeepAliveInterval between "{}" frames. Zero sends none.
	KeepAliveInterval time.Duration
	// KeepAliveTimeout advertised in the negotiate response.
	KeepAliveTimeout time.Duration
	// DisconnectTimeout advertised in the negotiate response.
	DisconnectTimeout time.Duration

	Logger *slog.Logger
}

// MethodFunc handles one hub invocation. A non-nil error is sent back as the hub error text.
type MethodFunc func(call *Call) (interface{}, error)

// Call is an invocation received from a client.
type Call struct {
	Hub    string
	Method string
	Args   []json.RawMessage

	conn *hubConn
}

// Push sends a hub event to the calling client only.
func (c *Call) Push(event string, args ...interface{}) error {
	return c.conn.push(c.Hub, event, args)
}

// Drop closes the calling client's socket without a close handshake.
func (c *Call) Drop() {
	c.conn.kill()
}

// Server is an http.Handler serving /signalr/negotiate, /signalr/connect and /signalr/reconnect.
type Server struct {
	opts     Options
	logger   *slog.Logger
	router   chi.Router
	upgrader websocket.Upgrader

	methodsMutex sync.RWMutex
	methods      map[string]MethodFunc

	connsMutex sync.Mutex
	conns      map[*hubConn]struct{}
	tokens     map[string]struct{}

	nextToken  atomic.Int64
	cursor     atomic.Int64
	connects   atomic.Int32
	reconnects atomic.Int32
	negotiates atomic.Int32
	rejecting  atomic.Bool
	silent     atomic.Bool
}

// New builds a server with the Echo, ForceReconnect and Fail methods registered.
func New(opts Options) *Server {
	if opts.KeepAliveTimeout <= 0 {
		opts.KeepAliveTimeout = 20 * time.Second
	}
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		opts:   opts,
		logger: opts.Logger.With("component", "hubtest"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		methods: make(map[string]MethodFunc),
		conns:   make(map[*hubConn]struct{}),
		tokens:  make(map[string]struct{}),
	}

	r := chi.NewRouter()
	r.Route("/signalr", func(r chi.Router) {
		r.Get("/negotiate", s.negotiate)
		r.Get("/connect", s.connect(false))
		r.Get("/reconnect", s.connect(true))
	})
	s.router = r

	s.Handle("Echo", echo)
	s.Handle("ForceReconnect", forceReconnect)
	s.Handle("Fail", fail)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handle registers fn for method on every hub. Method names match case-insensitively.
func (s *Server) Handle(method string, fn MethodFunc) {
	s.methodsMutex.Lock()
	defer s.methodsMutex.Unlock()

	s.methods[strings.ToLower(method)] = fn
}

// SetRejecting makes negotiate and connect answer 503 while true.
func (s *Server) SetRejecting(reject bool) {
	s.rejecting.Store(reject)
}

// SetSilent stops keep-alive frames while true.
func (s *Server) SetSilent(silent bool) {
	s.silent.Store(silent)
}

// DropConnections closes every client socket abruptly.
func (s *Server) DropConnections() {
	for _, c := range s.snapshot() {
		c.kill()
	}
}

// Broadcast pushes a hub event to every connected client.
func (s *Server) Broadcast(hub, event string, args ...interface{}) {
	for _, c := range s.snapshot() {
		if err := c.push(hub, event, args); err != nil {
			s.logger.Debug("broadcast failed", "error", err)
		}
	}
}

func (s *Server) Connects() int   { return int(s.connects.Load()) }
func (s *Server) Reconnects() int { return int(s.reconnects.Load()) }
func (s *Server) Negotiates() int { return int(s.negotiates.Load()) }

// Connections reports how many sockets are open.
func (s *Server) Connections() int {
	s.connsMutex.Lock()
	defer s.connsMutex.Unlock()

	return len(s.conns)
}

func (s *Server) snapshot() []*hubConn {
	s.connsMutex.Lock()
	defer s.connsMutex.Unlock()

	conns := make([]*hubConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}

	return conns
}

type negotiateResponse struct {
	URL                     string  `json:"Url"`
	ConnectionToken         string  `json:"ConnectionToken"`
	ConnectionID            string  `json:"ConnectionId"`
	KeepAliveTimeout        float64 `json:"KeepAliveTimeout"`
	DisconnectTimeout       float64 `json:"DisconnectTimeout"`
	ConnectionTimeout       float64 `json:"ConnectionTimeout"`
	TryWebSockets           bool    `json:"TryWebSockets"`
	ProtocolVersion         string  `json:"ProtocolVersion"`
	TransportConnectTimeout float64 `json:"TransportConnectTimeout"`
	LongPollDelay           float64 `json:"LongPollDelay"`
}

func (s *Server) negotiate(w http.ResponseWriter, r *http.Request) {
	if s.rejecting.Load() {
		http.Error(w, "rejecting connections", http.StatusServiceUnavailable)
		return
	}
	s.negotiates.Add(1)

	n := s.nextToken.Add(1)
	token := fmt.Sprintf("token-%d", n)

	s.connsMutex.Lock()
	s.tokens[token] = struct{}{}
	s.connsMutex.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(negotiateResponse{
		URL:                     "/signalr",
		ConnectionToken:         token,
		ConnectionID:            fmt.Sprintf("conn-%d", n),
		KeepAliveTimeout:        s.opts.KeepAliveTimeout.Seconds(),
		DisconnectTimeout:       s.opts.DisconnectTimeout.Seconds(),
		ConnectionTimeout:       110,
		TryWebSockets:           true,
		ProtocolVersion:         r.URL.Query().Get("clientProtocol"),
		TransportConnectTimeout: 5,
	})
}

func (s *Server) connect(reconnect bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.rejecting.Load() {
			http.Error(w, "rejecting connections", http.StatusServiceUnavailable)
			return
		}

		q := r.URL.Query()
		if q.Get("transport") != "webSockets" {
			http.Error(w, "unsupported transport", http.StatusBadRequest)
			return
		}

		s.connsMutex.Lock()
		_, known := s.tokens[q.Get("connectionToken")]
		s.connsMutex.Unlock()
		if !known {
			http.Error(w, "unknown connection token", http.StatusForbidden)
			return
		}

		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("upgrade failed", "error", err)
			return
		}

		if reconnect {
			s.reconnects.Add(1)
		} else {
			s.connects.Add(1)
		}

		c := &hubConn{server: s, ws: ws, done: make(chan struct{})}
		s.connsMutex.Lock()
		s.conns[c] = struct{}{}
		s.connsMutex.Unlock()

		if !reconnect {
			// init message
			_ = c.write(map[string]interface{}{"C": s.nextCursor(), "S": 1, "M": []interface{}{}})
		}

		go c.keepAlive(s.opts.KeepAliveInterval)
		c.serve()
	}
}

func (s *Server) nextCursor() string {
	return fmt.Sprintf("d-%d", s.cursor.Add(1))
}

func (s *Server) method(name string) MethodFunc {
	s.methodsMutex.RLock()
	defer s.methodsMutex.RUnlock()

	return s.methods[strings.ToLower(name)]
}

func (s *Server) forget(c *hubConn) {
	s.connsMutex.Lock()
	defer s.connsMutex.Unlock()

	delete(s.conns, c)
}

func echo(call *Call) (interface{}, error) {
	var msg interface{}
	if len(call.Args) > 0 {
		if err := json.Unmarshal(call.Args[0], &msg); err != nil {
			return nil, err
		}
	}

	if err := call.Push("echo", msg); err != nil {
		return nil, err
	}

	return msg, nil
}

func forceReconnect(call *Call) (interface{}, error) {
	call.Drop()

	return nil, ErrDropped
}

func fail(call *Call) (interface{}, error) {
	return nil, errors.New("hub method failed")
}
