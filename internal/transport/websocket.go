package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/philsphicas/anylink/internal/metrics"
	"github.com/philsphicas/anylink/internal/protocol"
)

const (
	defaultDialTimeout = 30 * time.Second
	dialRetryBase      = 1 * time.Second
	dialRetryMax       = 30 * time.Second
	pingInterval       = 30 * time.Second
	pingTimeout        = 10 * time.Second
)

// WebSocketConfig holds parameters for a WebSocket subscription carrier.
type WebSocketConfig struct {
	// Service is the name this carrier is discovered under. Default
	// "websocket".
	Service string
	// DialTimeout is the total retry budget for one dial. Zero means a
	// single attempt bounded by 30s.
	DialTimeout   time.Duration
	TokenProvider TokenProvider // optional
	HTTPClient    *http.Client  // optional, used for the handshake
	Logger        *slog.Logger
	Metrics       *metrics.Metrics // optional; nil disables metrics
}

// WebSocket is a subscription carrier over coder/websocket connections.
// One instance may hold several connections, one per Add.
type WebSocket struct {
	cfg WebSocketConfig

	available atomic.Bool
	endpoint  atomic.Value // string

	mu    sync.Mutex
	conns map[string]*wsConn
	last  string

	pending pendingCalls
	push    responders
}

type wsConn struct {
	id     string
	ws     *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
	pushes *pushQueue
}

// NewWebSocket creates a WebSocket carrier.
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Service == "" {
		cfg.Service = "websocket"
	}
	return &WebSocket{cfg: cfg, conns: make(map[string]*wsConn)}
}

func (w *WebSocket) Name() string                { return "websocket" }
func (w *WebSocket) Protocol() protocol.Protocol { return protocol.WebSocket }
func (w *WebSocket) Service() string             { return w.cfg.Service }

// Status reports whether the carrier can be used without forcing: the
// remote service was discovered or a connection is already open.
func (w *WebSocket) Status() bool {
	if w.available.Load() {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.conns) > 0
}

// MarkAvailable records that the remote exposes this carrier's service.
func (w *WebSocket) MarkAvailable(route string) {
	if !w.available.Swap(true) {
		w.cfg.Logger.Debug("websocket service available", "route", route)
	}
}

// SetEndpoint records the endpoint this carrier is bound to.
func (w *WebSocket) SetEndpoint(id string) {
	w.endpoint.Store(id)
}

// Endpoint returns the id passed to SetEndpoint.
func (w *WebSocket) Endpoint() string {
	s, _ := w.endpoint.Load().(string)
	return s
}

// AddResponse registers a push handler. Handlers run on the read loop in
// registration order.
func (w *WebSocket) AddResponse(key string, h func([]byte)) {
	w.push.add(key, h)
}

// Add dials target and returns the new connection id. Credentials travel
// as the id and _id query parameters.
func (w *WebSocket) Add(ctx context.Context, creds protocol.Credentials, target string) (string, error) {
	u, err := websocketURL(target, creds)
	if err != nil {
		return "", err
	}

	start := time.Now()
	ws, err := w.dialWithRetry(ctx, u, target)
	w.cfg.Metrics.ObserveDialDuration(w.Name(), time.Since(start).Seconds())
	if err != nil {
		return "", err
	}
	ws.SetReadLimit(maxFrameSize)

	// The connection outlives the ctx of the call that opened it.
	connCtx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		id:     uuid.NewString(),
		ws:     ws,
		cancel: cancel,
		done:   make(chan struct{}),
		pushes: newPushQueue(&w.push),
	}

	w.mu.Lock()
	w.conns[c.id] = c
	w.last = c.id
	w.mu.Unlock()
	w.cfg.Metrics.ConnectionOpened(w.Name())
	w.cfg.Logger.Info("websocket connected", "target", target, "connection", c.id)

	go w.readLoop(connCtx, c)
	go w.pingLoop(connCtx, c)
	return c.id, nil
}

// Send writes msg on the connection named by opts.ID (or the most recent
// one) and waits for the correlated response.
func (w *WebSocket) Send(ctx context.Context, msg *protocol.Message, opts protocol.SendOptions) (protocol.Response, error) {
	c := w.conn(opts.ID)
	if c == nil {
		return nil, ErrNotConnected
	}
	msg.Suppress = msg.Suppress || opts.Suppress
	id, ch, data, err := encodeFrame(msg, &w.pending)
	if err != nil {
		return nil, err
	}
	defer w.pending.remove(id)

	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("write frame: %w", err)
	}
	return await(ctx, ch, c.done)
}

// Close closes every connection.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	conns := make([]*wsConn, 0, len(w.conns))
	for _, c := range w.conns {
		conns = append(conns, c)
	}
	w.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close(websocket.StatusNormalClosure, "closing")
		c.cancel()
	}
	return nil
}

func (w *WebSocket) conn(id string) *wsConn {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id == "" {
		id = w.last
	}
	return w.conns[id]
}

func (w *WebSocket) drop(c *wsConn) {
	w.mu.Lock()
	_, ok := w.conns[c.id]
	delete(w.conns, c.id)
	if w.last == c.id {
		w.last = ""
		for id := range w.conns {
			w.last = id
			break
		}
	}
	w.mu.Unlock()
	c.pushes.close()
	if ok {
		close(c.done)
		c.cancel()
		_ = c.ws.CloseNow()
		w.cfg.Metrics.ConnectionClosed(w.Name())
	}
}

func (w *WebSocket) readLoop(ctx context.Context, c *wsConn) {
	defer w.drop(c)
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				w.cfg.Logger.Warn("websocket read failed", "connection", c.id, "error", err)
			}
			return
		}
		dispatch(data, &w.pending, c.pushes, w.cfg.Logger)
	}
}

func (w *WebSocket) pingLoop(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := c.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				w.cfg.Logger.Warn("ping failed, closing connection", "connection", c.id, "error", err)
				w.drop(c)
				return
			}
		}
	}
}

// dialWithRetry dials u, retrying with exponential backoff (1s→2s→4s,
// capped at 30s) until DialTimeout is exhausted or ctx is cancelled.
// DialTimeout=0 means a single attempt.
func (w *WebSocket) dialWithRetry(ctx context.Context, u, resourceURI string) (*websocket.Conn, error) {
	if w.cfg.DialTimeout == 0 {
		dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
		defer cancel()
		return w.dial(dialCtx, u, resourceURI)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, w.cfg.DialTimeout)
	defer cancel()

	delay := dialRetryBase
	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.cfg.Logger.Debug("retrying websocket dial", "attempt", attempt, "delay", delay)
			w.cfg.Metrics.IncrDialRetries(w.Name())
			select {
			case <-timeoutCtx.Done():
				return nil, lastErr
			case <-time.After(delay):
			}
			delay = min(delay*2, dialRetryMax)
		}
		ws, err := w.dial(timeoutCtx, u, resourceURI)
		if err == nil {
			return ws, nil
		}
		lastErr = err
		w.cfg.Logger.Debug("websocket dial attempt failed", "attempt", attempt+1, "error", err)
		if timeoutCtx.Err() != nil {
			break
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, timeoutCtx.Err()
}

func (w *WebSocket) dial(ctx context.Context, u, resourceURI string) (*websocket.Conn, error) {
	header := http.Header{}
	if err := authorize(ctx, w.cfg.TokenProvider, header, resourceURI); err != nil {
		return nil, err
	}
	ws, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient: w.cfg.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", sanitizeErr(err))
	}
	return ws, nil
}

// websocketURL converts an http(s) target to ws(s) and attaches the
// credential query parameters.
func websocketURL(target string, creds protocol.Credentials) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse websocket target: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported websocket scheme %q", u.Scheme)
	}
	q := u.Query()
	if creds.ID != "" {
		q.Set("id", creds.ID)
	}
	if creds.StableID != "" {
		q.Set("_id", creds.StableID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
