// Package router keeps a table of endpoints, records the services they
// discover, and dispatches pushed routes to local handlers.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/philsphicas/anylink/internal/endpoint"
	"github.com/philsphicas/anylink/internal/protocol"
)

var (
	// ErrUnknownEndpoint is returned for an id with no registered endpoint.
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	// ErrDuplicateEndpoint is returned by Add when the id is taken.
	ErrDuplicateEndpoint = errors.New("endpoint already registered")
)

var _ endpoint.Router = (*Router)(nil)

// Handler receives a pushed response whose route it was registered for.
type Handler func(ctx context.Context, resp protocol.Response)

// Config holds parameters for a Router.
type Config struct {
	Logger *slog.Logger
}

// Router is safe for concurrent use.
type Router struct {
	logger *slog.Logger

	mu        sync.RWMutex
	endpoints map[string]*endpoint.Endpoint
	services  map[string]string
	handlers  map[string]Handler
	fallback  Handler
	waiters   map[string][]chan string
}

// New creates an empty Router.
func New(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		logger:    cfg.Logger,
		endpoints: make(map[string]*endpoint.Endpoint),
		services:  make(map[string]string),
		handlers:  make(map[string]Handler),
		waiters:   make(map[string][]chan string),
	}
}

// Add registers e under its id.
func (r *Router) Add(e *endpoint.Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.endpoints[e.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEndpoint, e.ID())
	}
	r.endpoints[e.ID()] = e
	return nil
}

// Remove drops the endpoint registered under id, if any.
func (r *Router) Remove(id string) {
	r.mu.Lock()
	delete(r.endpoints, id)
	r.mu.Unlock()
}

// Endpoint returns the endpoint registered under id.
func (r *Router) Endpoint(id string) (*endpoint.Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.endpoints[id]
	return e, ok
}

// Endpoints returns the registered ids in sorted order.
func (r *Router) Endpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.endpoints))
}

// Handle registers h for route, replacing any previous handler. The empty
// route registers the fallback for routes with no handler of their own.
func (r *Router) Handle(route string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if route == "" {
		r.fallback = h
		return
	}
	r.handlers[normalize(route)] = h
}

// ServiceAvailable records that service name is reachable at path and
// wakes WaitService callers.
func (r *Router) ServiceAvailable(name, path string) {
	r.mu.Lock()
	r.services[name] = path
	waiting := r.waiters[name]
	delete(r.waiters, name)
	r.mu.Unlock()

	for _, ch := range waiting {
		ch <- path
	}
	r.logger.Debug("service available", "service", name, "path", path)
}

// Services returns a copy of the known service table.
func (r *Router) Services() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.services)
}

// WaitService blocks until service name is available and returns its path.
func (r *Router) WaitService(ctx context.Context, name string) (string, error) {
	r.mu.Lock()
	if path, ok := r.services[name]; ok {
		r.mu.Unlock()
		return path, nil
	}
	ch := make(chan string, 1)
	r.waiters[name] = append(r.waiters[name], ch)
	r.mu.Unlock()

	select {
	case path := <-ch:
		return path, nil
	case <-ctx.Done():
		r.mu.Lock()
		r.waiters[name] = slices.DeleteFunc(r.waiters[name], func(c chan string) bool { return c == ch })
		if len(r.waiters[name]) == 0 {
			delete(r.waiters, name)
		}
		r.mu.Unlock()
		return "", ctx.Err()
	}
}

// HandleLocalRoute dispatches resp to the handler for its route, or to the
// fallback. Responses nobody handles are dropped.
func (r *Router) HandleLocalRoute(ctx context.Context, resp protocol.Response) {
	route := resp.Route()
	r.mu.RLock()
	h, ok := r.handlers[normalize(route)]
	if !ok {
		h = r.fallback
	}
	r.mu.RUnlock()

	if h == nil {
		r.logger.Debug("no local handler for route", "route", route)
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("route handler panicked", "route", route, "panic", p)
		}
	}()
	h(ctx, resp)
}

// Send delivers msg to route on the endpoint registered under id.
func (r *Router) Send(ctx context.Context, id string, route endpoint.Route, msg *protocol.Message) (protocol.Response, error) {
	e, ok := r.Endpoint(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, id)
	}
	return e.Send(ctx, route, msg)
}

func normalize(route string) string {
	return strings.TrimPrefix(route, "/")
}
