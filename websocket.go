package signalr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

//default values for websocket configuration
const (
	signalRPath   string = "signalr"
	negotiatePath string = signalRPath + "/negotiate"
	connectPath   string = signalRPath + "/connect"
	reconnectPath string = signalRPath + "/reconnect"

	clientProtocol string = "1.5"
	transportName  string = "webSockets"

	defaultReconnectDelay   = 2 * time.Second
	defaultHandshakeTimeout = 45 * time.Second
	defaultDialBackoff      = time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultReadLimit        = 64 << 20
	closeGracePeriod        = 500 * time.Millisecond
	inboundBuffer           = 64
)

type negotiationResponse struct {
	ConnectionToken         string
	URL                     string
	ConnectionID            string
	KeepAliveTimeout        float32
	DisconnectTimeout       float32
	ConnectionTimeout       float32
	TryWebSockets           bool
	ProtocolVersion         string
	TransportConnectTimeout float32
	LongPollDelay           float32
}

//WebSocketConfig options for the websocket transport.
type WebSocketConfig struct {
	//Client allows the consumer to override the default http client as needed. (Cloudflare issues anyone?)
	Client *http.Client

	//URI path for negotiation portion of the connection.  Defaults to "signalr/negotiate"
	NegotiatePath string `json:"negotiate_path,omitempty"`

	//URI path for websocket connection.  Defaults to "signalr/connect"
	ConnectPath string `json:"connect_path,omitempty"`

	//URI path for websocket reconnect.  Defaults to "signalr/reconnect"
	ReconnectPath string `json:"reconnect_path,omitempty"`

	// ReconnectDelay waited before each reconnect attempt. Defaults to 2s.
	ReconnectDelay time.Duration `json:"reconnect_delay,omitempty"`

	// HandshakeTimeout for the websocket upgrade. Defaults to 45s.
	HandshakeTimeout time.Duration `json:"handshake_timeout,omitempty"`

	// DialAttempts per Connect call, with exponential backoff starting at DialBackoff. Defaults to 1.
	DialAttempts int           `json:"dial_attempts,omitempty"`
	DialBackoff  time.Duration `json:"dial_backoff,omitempty"`

	// WriteTimeout bounds every frame write. Defaults to 5s.
	WriteTimeout time.Duration `json:"write_timeout,omitempty"`

	// ReadLimit caps inbound frame size. Defaults to 64MiB.
	ReadLimit int64 `json:"read_limit,omitempty"`

	Logger *slog.Logger `json:"-"`
}

// WebSocketTransport negotiates with a signalr server over HTTP and streams over a websocket.
// The negotiated connection token is kept so reconnects resume the same session.
type WebSocketTransport struct {
	config WebSocketConfig
	logger *slog.Logger

	mu         sync.Mutex
	negotiated *negotiationResponse
}

// NewWebSocketTransport fills defaults into cfg.
func NewWebSocketTransport(cfg WebSocketConfig) *WebSocketTransport {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}

	if cfg.NegotiatePath == "" {
		cfg.NegotiatePath = negotiatePath
	}

	if cfg.ConnectPath == "" {
		cfg.ConnectPath = connectPath
	}

	if cfg.ReconnectPath == "" {
		cfg.ReconnectPath = reconnectPath
	}

	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}

	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}

	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = 1
	}

	if cfg.DialBackoff <= 0 {
		cfg.DialBackoff = defaultDialBackoff
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &WebSocketTransport{
		config: cfg,
		logger: cfg.Logger.With("component", "transport", "transport", transportName),
	}
}

func (t *WebSocketTransport) Name() string {
	return transportName
}

func (t *WebSocketTransport) ReconnectDelay() time.Duration {
	return t.config.ReconnectDelay
}

// Connect negotiates on a fresh start, or reuses the negotiated session on reconnect, then
// opens the websocket.
func (t *WebSocketTransport) Connect(ctx context.Context, ep Endpoint) (Stream, error) {
	t.mu.Lock()
	nResp := t.negotiated
	t.mu.Unlock()

	if !ep.Reconnect || nResp == nil {
		var err error
		if nResp, err = t.negotiate(ctx, ep); err != nil {
			return nil, err
		}

		t.mu.Lock()
		t.negotiated = nResp
		t.mu.Unlock()
	}

	conn, err := t.connectWebSocket(ctx, nResp, ep)
	if err != nil {
		return nil, err
	}

	return newWebSocketStream(conn, t.config.WriteTimeout, nResp), nil
}

func (t *WebSocketTransport) negotiate(ctx context.Context, ep Endpoint) (*negotiationResponse, error) {
	var (
		request  *http.Request
		response *http.Response
		result   negotiationResponse
		err      error
		body     []byte
	)

	negotiationURL := url.URL{
		Scheme: httpScheme(ep.URL.Scheme),
		Host:   ep.URL.Host,
		Path:   joinPath(ep.URL.Path, t.config.NegotiatePath),
		RawQuery: url.Values{
			"clientProtocol": []string{clientProtocol},
			"connectionData": []string{string(castHubNamesToString(ep.Hubs))},
			"_":              []string{fmt.Sprintf("%d", time.Now().Unix()*1000)},
		}.Encode(),
	}

	if request, err = http.NewRequestWithContext(ctx, http.MethodGet, negotiationURL.String(), nil); err != nil {
		return nil, NegotiationError(err.Error())
	}

	for k, values := range ep.Headers {
		for _, val := range values {
			request.Header.Add(k, val)
		}
	}

	if response, err = t.config.Client.Do(request); err != nil {
		return nil, NegotiationError(err.Error())
	}

	defer response.Body.Close()

	if body, err = io.ReadAll(response.Body); err != nil {
		return nil, NegotiationError(err.Error())
	}

	if response.StatusCode != http.StatusOK {
		return nil, NegotiationError(fmt.Sprintf("unexpected status %d: %s", response.StatusCode, string(body)))
	}

	if err = json.Unmarshal(body, &result); err != nil {
		return nil, NegotiationError(fmt.Sprintf("Failed to parse response '%s': %s", string(body), err.Error()))
	}

	if result.ProtocolVersion == "" {
		result.ProtocolVersion = clientProtocol
	}

	t.logger.Debug("negotiated", "connection_id", result.ConnectionID, "keep_alive_timeout", result.KeepAliveTimeout)

	return &result, nil
}

func (t *WebSocketTransport) connectWebSocket(ctx context.Context, params *negotiationResponse, ep Endpoint) (*websocket.Conn, error) {
	path := t.config.ConnectPath
	query := url.Values{
		"transport":       []string{transportName},
		"clientProtocol":  []string{params.ProtocolVersion},
		"connectionToken": []string{params.ConnectionToken},
		"connectionData":  []string{string(castHubNamesToString(ep.Hubs))},
		"_":               []string{fmt.Sprintf("%d", time.Now().Unix()*1000)},
	}

	if ep.Reconnect {
		path = t.config.ReconnectPath
		if ep.MessageID != "" {
			query.Set("messageId", ep.MessageID)
		}
		if ep.GroupsToken != "" {
			query.Set("groupsToken", ep.GroupsToken)
		}
	}

	connectionURL := url.URL{
		Scheme:   socketScheme(ep.URL.Scheme),
		Host:     ep.URL.Host,
		Path:     joinPath(ep.URL.Path, path),
		RawQuery: query.Encode(),
	}

	socketDialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: t.config.HandshakeTimeout,
		Jar:              t.config.Client.Jar,
	}

	var lastErr error

	for i := 0; i < t.config.DialAttempts; i++ {
		if i > 0 {
			backoff := math.Pow(2.0, float64(i-1))
			if !sleepWithContext(ctx, time.Duration(backoff)*t.config.DialBackoff) {
				return nil, SocketConnectionError(ctx.Err().Error())
			}
		}

		conn, _, err := socketDialer.DialContext(ctx, connectionURL.String(), ep.Headers)
		if err == nil {
			conn.SetReadLimit(t.config.ReadLimit)
			return conn, nil
		}

		lastErr = err
		t.logger.Debug("dial failed", "attempt", i+1, "error", err)
	}

	return nil, SocketConnectionError(fmt.Sprintf("MAX RETRIES REACHED.  ABORTING CONNECTION: %s", lastErr))
}

func castHubNamesToString(hubs []string) []byte {
	var connectionData = make([]struct {
		Name string `json:"Name"`
	}, len(hubs))
	for i, h := range hubs {
		connectionData[i].Name = h
	}
	connectionDataBytes, _ := json.Marshal(connectionData)

	return connectionDataBytes
}

func httpScheme(scheme string) string {
	switch scheme {
	case "ws", "http":
		return "http"
	default:
		return "https"
	}
}

func socketScheme(scheme string) string {
	switch scheme {
	case "ws", "http":
		return "ws"
	default:
		return "wss"
	}
}

func joinPath(base, p string) string {
	if base == "" || base == "/" {
		return "/" + strings.Trim(p, "/")
	}

	return "/" + strings.Trim(base, "/") + "/" + strings.Trim(p, "/")
}

// webSocketStream is one live websocket. Writes are serialized, reads run on their own goroutine.
type webSocketStream struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	keepAlive    time.Duration

	socketWriteMutex sync.Mutex

	messages  chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	errMutex sync.Mutex
	err      error
}

func newWebSocketStream(conn *websocket.Conn, writeTimeout time.Duration, params *negotiationResponse) *webSocketStream {
	s := &webSocketStream{
		conn:         conn,
		writeTimeout: writeTimeout,
		keepAlive:    time.Duration(float64(params.KeepAliveTimeout) * float64(time.Second)),
		messages:     make(chan []byte, inboundBuffer),
		closed:       make(chan struct{}),
	}

	go s.listenToWebSocketData()

	return s
}

func (s *webSocketStream) listenToWebSocketData() {
	defer close(s.messages)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.setErr(SocketError(err.Error()))
			}
			return
		}

		select {
		case s.messages <- data:
		case <-s.closed:
			return
		}
	}
}

func (s *webSocketStream) Send(ctx context.Context, message []byte) error {
	s.socketWriteMutex.Lock()
	defer s.socketWriteMutex.Unlock()

	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)

	if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		return SocketError(err.Error())
	}

	return nil
}

func (s *webSocketStream) Messages() <-chan []byte {
	return s.messages
}

func (s *webSocketStream) Err() error {
	s.errMutex.Lock()
	defer s.errMutex.Unlock()

	return s.err
}

func (s *webSocketStream) setErr(err error) {
	s.errMutex.Lock()
	defer s.errMutex.Unlock()

	s.err = err
}

func (s *webSocketStream) KeepAliveTimeout() time.Duration {
	return s.keepAlive
}

func (s *webSocketStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)

		// WriteControl may run concurrently with a blocked WriteMessage.
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"),
			time.Now().Add(closeGracePeriod))

		err = s.conn.Close()
	})

	return err
}
