// Package endpoint addresses a remote peer through whichever carrier is
// available: plain HTTP, a WebSocket subscription, or a WebRTC data
// channel.
//
// An Endpoint discovers the remote's services with Check, holds at most
// one subscription Connection, defers subscribe calls until the carrier
// they need is ready, and fans pushes out to its stream, its subscribers,
// and an optional Router.
package endpoint

import (
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"slices"
	"sync"

	"github.com/philsphicas/anylink/internal/metrics"
	"github.com/philsphicas/anylink/internal/protocol"
	"github.com/philsphicas/anylink/internal/transport"
)

// Endpoint types with special handling. Any other string is allowed and
// treated as an opaque peer.
const (
	TypeServer = "server"
	TypeWebRTC = "webrtc"
	TypePeer   = "peer"
)

const defaultStreamSize = 64

// Config holds parameters for an Endpoint.
type Config struct {
	// Target is a URL for server endpoints and an opaque peer id otherwise.
	Target string
	// Type defaults to TypeServer.
	Type string
	// Link carries this endpoint's traffic. Nil means the endpoint itself.
	Link        *Endpoint
	Credentials protocol.Credentials
	// Clients are the subscription carriers, keyed by name.
	Clients map[string]Subscription
	Router  Router // optional
	// HTTP sends requests when no subscription is held. Nil means a
	// default client.
	HTTP *transport.HTTPClient
	// StreamSize bounds the output stream. Default 64.
	StreamSize int
	Logger     *slog.Logger
	Metrics    *metrics.Metrics // optional; nil disables metrics
}

// Endpoint is the handle to one remote target.
type Endpoint struct {
	id        string
	typ       string
	rawTarget string
	target    *url.URL // nil unless typ is TypeServer
	link      *Endpoint

	clients map[string]Subscription
	names   []string
	router  Router
	http    *transport.HTTPClient
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	credentials protocol.Credentials
	available   map[string]string
	status      bool
	state       State
	conn        *Connection
	connecting  *attempt

	queue  Queue
	subs   subscribers
	stream chan protocol.Response
}

// New creates an Endpoint. It does no I/O until Check or Subscribe is
// called.
func New(cfg Config) (*Endpoint, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Type == "" {
		cfg.Type = TypeServer
	}
	if cfg.StreamSize <= 0 {
		cfg.StreamSize = defaultStreamSize
	}
	if cfg.HTTP == nil {
		cfg.HTTP = &transport.HTTPClient{Logger: cfg.Logger}
	}

	e := &Endpoint{
		id:        cfg.Target,
		typ:       cfg.Type,
		rawTarget: cfg.Target,
		link:      cfg.Link,
		clients:   make(map[string]Subscription, len(cfg.Clients)),
		router:    cfg.Router,
		http:      cfg.HTTP,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		available: make(map[string]string),
		stream:    make(chan protocol.Response, cfg.StreamSize),
	}
	if cfg.Type == TypeServer {
		u, err := url.Parse(cfg.Target)
		if err != nil {
			return nil, fmt.Errorf("parse target: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("server target %q must be an absolute URL", cfg.Target)
		}
		e.target = u
		e.id = u.Scheme + "://" + u.Host
	}
	for name, c := range cfg.Clients {
		if c != nil {
			e.clients[name] = c
		}
	}
	e.names = slices.Sorted(maps.Keys(e.clients))
	e.SetCredentials(cfg.Credentials)
	return e, nil
}

// ID is the URL origin for server endpoints and the target otherwise.
func (e *Endpoint) ID() string { return e.id }

// Type returns the endpoint type.
func (e *Endpoint) Type() string { return e.typ }

// Target returns the target as configured.
func (e *Endpoint) Target() string { return e.rawTarget }

// Link returns the endpoint that carries this one's traffic.
func (e *Endpoint) Link() *Endpoint {
	if e.link == nil {
		return e
	}
	return e.link
}

// Credentials returns the current identity.
func (e *Endpoint) Credentials() protocol.Credentials {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.credentials
}

// SetCredentials replaces the identity with c, filling in whichever of
// ID and StableID is missing. If c carries neither it is ignored and
// SetCredentials returns false.
func (e *Endpoint) SetCredentials(c protocol.Credentials) bool {
	c, ok := protocol.NormalizeCredentials(c)
	if !ok {
		return false
	}
	e.mu.Lock()
	e.credentials = c
	e.mu.Unlock()
	return true
}

// Status reports whether the remote has answered discovery or a
// subscription was opened during Check.
func (e *Endpoint) Status() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Available returns a copy of the discovered service paths.
func (e *Endpoint) Available() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.available)
}

func (e *Endpoint) availablePath(service string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.available[service]
}

// Connection returns the held Connection, or nil.
func (e *Endpoint) Connection() *Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

// Queued returns how many deferred calls wait on name.
func (e *Endpoint) Queued(name string) int {
	return e.queue.Len(name)
}

// State returns the current lifecycle state.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// setStateLocked moves to s unless the endpoint is already Connected.
// Callers hold e.mu.
func (e *Endpoint) setStateLocked(s State) {
	if e.state == StateConnected {
		return
	}
	e.state = s
}

func (e *Endpoint) setState(s State) {
	e.mu.Lock()
	e.setStateLocked(s)
	e.mu.Unlock()
}

// restingStateLocked is the state to return to after a failed step.
func (e *Endpoint) restingStateLocked() State {
	if len(e.available) > 0 {
		return StateDiscovered
	}
	return StateIdle
}

func (e *Endpoint) flush(name string) {
	if n := e.queue.Flush(name); n > 0 {
		e.logger.Debug("replayed deferred calls", "endpoint", e.id, "service", name, "count", n)
	}
	e.metrics.SetQueued(name, e.queue.Len(name))
}
