package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/philsphicas/anylink/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSub is an in-memory Subscription.
type fakeSub struct {
	name    string
	proto   protocol.Protocol
	service string

	ready    atomic.Bool
	addCalls atomic.Int32
	addDelay time.Duration

	mu        sync.Mutex
	addErrs   []error // consumed one per Add
	targets   []string
	creds     []protocol.Credentials
	endpoint  string
	sent      []sentMessage
	responses map[string]func([]byte)
	order     []string
	reply     func(msg *protocol.Message) (protocol.Response, error)
}

type sentMessage struct {
	msg  protocol.Message
	opts protocol.SendOptions
}

func newFakeSub(name string, proto protocol.Protocol) *fakeSub {
	return &fakeSub{name: name, proto: proto, service: name, responses: make(map[string]func([]byte))}
}

func (f *fakeSub) Name() string                { return f.name }
func (f *fakeSub) Protocol() protocol.Protocol { return f.proto }
func (f *fakeSub) Service() string             { return f.service }
func (f *fakeSub) Status() bool                { return f.ready.Load() }
func (f *fakeSub) MarkAvailable(string)        { f.ready.Store(true) }

func (f *fakeSub) SetEndpoint(id string) {
	f.mu.Lock()
	f.endpoint = id
	f.mu.Unlock()
}

func (f *fakeSub) Add(ctx context.Context, creds protocol.Credentials, target string) (string, error) {
	n := f.addCalls.Add(1)
	if f.addDelay > 0 {
		select {
		case <-time.After(f.addDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
	f.creds = append(f.creds, creds)
	if len(f.addErrs) > 0 {
		err := f.addErrs[0]
		f.addErrs = f.addErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%s-conn-%d", f.name, n), nil
}

func (f *fakeSub) AddResponse(key string, h func([]byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.responses[key]; !ok {
		f.order = append(f.order, key)
	}
	f.responses[key] = h
}

func (f *fakeSub) Send(_ context.Context, msg *protocol.Message, opts protocol.SendOptions) (protocol.Response, error) {
	f.mu.Lock()
	f.sent = append(f.sent, sentMessage{*msg, opts})
	reply := f.reply
	f.mu.Unlock()
	if reply != nil {
		return reply(msg)
	}
	return protocol.Response{"ok": true}, nil
}

// push delivers data to every registered handler, like a carrier's read
// loop would.
func (f *fakeSub) push(data string) {
	f.mu.Lock()
	hs := make([]func([]byte), 0, len(f.order))
	for _, k := range f.order {
		hs = append(hs, f.responses[k])
	}
	f.mu.Unlock()
	for _, h := range hs {
		h([]byte(data))
	}
}

func (f *fakeSub) sentRoutes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		out = append(out, s.msg.Route)
	}
	return out
}

func (f *fakeSub) lastSent() sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

// fakeRouter records what an Endpoint reports.
type fakeRouter struct {
	mu        sync.Mutex
	available map[string]string
	routed    []protocol.Response
}

func (r *fakeRouter) ServiceAvailable(name, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.available == nil {
		r.available = make(map[string]string)
	}
	r.available[name] = path
}

func (r *fakeRouter) HandleLocalRoute(_ context.Context, resp protocol.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routed = append(r.routed, resp)
}

// remoteServer is an httptest server answering the services route with
// table, or with status when it is not 200. Other routes echo their
// request body back.
type remoteServer struct {
	*httptest.Server
	mu       sync.Mutex
	services int
	bodies   map[string][]map[string]any
}

func newRemoteServer(t *testing.T, table map[string]string, status int) *remoteServer {
	t.Helper()
	rs := &remoteServer{bodies: make(map[string][]map[string]any)}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck

		rs.mu.Lock()
		rs.bodies[r.URL.Path] = append(rs.bodies[r.URL.Path], body)
		if r.URL.Path == "/services" {
			rs.services++
		}
		rs.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path != "/services" {
			json.NewEncoder(w).Encode(map[string]any{"route": r.URL.Path, "message": body["message"]}) //nolint:errcheck
			return
		}
		w.WriteHeader(status)
		if status != http.StatusOK {
			io.WriteString(w, `{"message":"unavailable"}`) //nolint:errcheck
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"message": []any{table}}) //nolint:errcheck
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *remoteServer) servicesCalls() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.services
}

func (rs *remoteServer) bodiesFor(path string) []map[string]any {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.bodies[path]
}

func newTestEndpoint(t *testing.T, cfg Config) *Endpoint {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
