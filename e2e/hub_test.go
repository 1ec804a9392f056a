//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/philsphicas/anylink/internal/protocol"
)

// hubServer is an in-process remote: it serves the services table, accepts
// subscribe requests over HTTP and over its WebSocket, and pushes published
// routes to every connection whose identity subscribed to them.
type hubServer struct {
	*httptest.Server

	// servicesDown makes the HTTP services route fail, forcing the
	// WebSocket fallback.
	servicesDown bool

	mu     sync.Mutex
	conns  map[*websocket.Conn]string // connection → credential id
	routes map[string]map[string]bool // credential id → subscribed routes
	auth   []string                   // Authorization headers seen
}

var hubServices = map[string]string{
	"/chatservice": "ChatService",
	"/websocket":   "WebsocketBackend",
}

func startHub(t *testing.T, servicesDown bool) *hubServer {
	t.Helper()
	h := &hubServer{
		servicesDown: servicesDown,
		conns:        make(map[*websocket.Conn]string),
		routes:       make(map[string]map[string]bool),
	}
	h.Server = httptest.NewServer(http.HandlerFunc(h.serveHTTP))
	t.Cleanup(h.Close)
	return h
}

func (h *hubServer) serveHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if a := r.Header.Get("Authorization"); a != "" {
		h.auth = append(h.auth, a)
	}
	h.mu.Unlock()

	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		h.serveWebSocket(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if r.URL.Path == "/services" && h.servicesDown {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{"message": "services unavailable"}) //nolint:errcheck
		return
	}
	var msg protocol.Message
	if r.Method != http.MethodGet {
		json.NewDecoder(r.Body).Decode(&msg) //nolint:errcheck
	}
	json.NewEncoder(w).Encode(h.call(msg.ID, r.URL.Path, msg.Message)) //nolint:errcheck
}

func (h *hubServer) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer ws.CloseNow()

	h.mu.Lock()
	h.conns[ws] = r.URL.Query().Get("id")
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.conns, ws)
		h.mu.Unlock()
	}()

	ctx := r.Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Message == nil {
			continue
		}
		resp := h.call(f.ID, f.Route, f.Message.Message)
		resp[protocol.CallbackKey] = f.CallbackID
		out, _ := json.Marshal(resp)
		if err := ws.Write(ctx, websocket.MessageText, out); err != nil {
			return
		}
	}
}

// call answers one route for the caller identified by id.
func (h *hubServer) call(id, route string, args []any) map[string]any {
	path := strings.TrimPrefix(route, "/")
	switch {
	case path == "services":
		return map[string]any{"message": []any{hubServices}}
	case strings.HasSuffix(path, "subscribe"):
		var watched []string
		if len(args) > 0 {
			list, _ := args[0].([]any)
			for _, v := range list {
				if s, ok := v.(string); ok {
					watched = append(watched, s)
				}
			}
		}
		h.mu.Lock()
		if h.routes[id] == nil {
			h.routes[id] = make(map[string]bool)
		}
		for _, s := range watched {
			h.routes[id][s] = true
		}
		h.mu.Unlock()
		return map[string]any{"route": route, "message": []any{"subscribed"}}
	default:
		return map[string]any{"route": route, "message": args, "caller": id}
	}
}

// publish pushes msg on route to every subscribed connection and returns
// how many received it.
func (h *hubServer) publish(t *testing.T, route string, msg any) int {
	t.Helper()
	data, _ := json.Marshal(map[string]any{"route": route, "message": []any{msg}})

	h.mu.Lock()
	var targets []*websocket.Conn
	for ws, id := range h.conns {
		if h.routes[id][route] {
			targets = append(targets, ws)
		}
	}
	h.mu.Unlock()

	n := 0
	for _, ws := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := ws.Write(ctx, websocket.MessageText, data); err == nil {
			n++
		}
		cancel()
	}
	return n
}

// waitSubscribed blocks until some open connection is subscribed to route.
func (h *hubServer) waitSubscribed(t *testing.T, route string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		for _, id := range h.conns {
			if h.routes[id][route] {
				h.mu.Unlock()
				return
			}
		}
		h.mu.Unlock()
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for a subscription to %q", route)
}

func (h *hubServer) authHeaders() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.auth...)
}
