package endpoint

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/philsphicas/anylink/internal/protocol"
)

// SubscribeOptions selects the carrier for Subscribe and what to watch.
type SubscribeOptions struct {
	// Protocol is the client name; empty means the endpoint type.
	Protocol string
	// Force uses the client even when its Status is false.
	Force bool
	// Routes are the remote routes to watch. WebRTC endpoints always watch
	// their own target instead.
	Routes []any
}

// attempt is an in-flight Add that concurrent subscribers wait on.
type attempt struct {
	done chan struct{}
	conn *Connection
	err  error
}

type subscribeResult struct {
	conn *Connection
	err  error
}

// Subscribe opens the endpoint's subscription Connection if it does not
// have one and sends the subscribe request for opts.Routes.
//
// If no eligible client is ready, the call is deferred under the client
// name and Subscribe blocks until Check replays it or ctx is done.
func (e *Endpoint) Subscribe(ctx context.Context, opts SubscribeOptions) (*Connection, error) {
	name := opts.Protocol
	if name == "" {
		name = e.typ
	}

	client := e.pickClient(name, opts.Force)
	if client != nil {
		return e.subscribeWith(ctx, client, opts)
	}
	if opts.Force {
		return nil, fmt.Errorf("%w %q", ErrNoClient, name)
	}
	return e.deferSubscribe(ctx, name, opts)
}

// pickClient returns the first eligible client for name, or for any name
// (in name order) when name is empty.
func (e *Endpoint) pickClient(name string, force bool) Subscription {
	candidates := e.names
	if name != "" {
		candidates = []string{name}
	}
	for _, n := range candidates {
		c, ok := e.clients[n]
		if !ok {
			continue
		}
		if force || c.Status() {
			return c
		}
	}
	return nil
}

func (e *Endpoint) deferSubscribe(ctx context.Context, name string, opts SubscribeOptions) (*Connection, error) {
	result := make(chan subscribeResult, 1)
	n := e.queue.Push(name, func() {
		if ctx.Err() != nil {
			return
		}
		go func() {
			conn, err := e.Subscribe(ctx, opts)
			result <- subscribeResult{conn, err}
		}()
	})
	e.metrics.SetQueued(name, n)
	e.logger.Debug("subscribe deferred until client is ready", "endpoint", e.id, "client", name, "queued", n)

	select {
	case r := <-result:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Endpoint) subscribeWith(ctx context.Context, client Subscription, opts SubscribeOptions) (*Connection, error) {
	link := e.Link()
	base := link.availablePath(client.Service())
	if base == "" {
		base = strings.ToLower(client.Name())
	}
	path := base + "/subscribe"
	client.SetEndpoint(link.ID())

	conn, err := e.connectOnce(ctx, client, path)
	if err != nil {
		return nil, err
	}

	routes := opts.Routes
	if e.typ == TypeWebRTC {
		routes = []any{e.rawTarget}
	}
	msg := &protocol.Message{
		Message:  protocol.SubscribeArgs(routes, conn.ID),
		Protocol: opts.Protocol,
	}
	if _, err := e.SendVia(ctx, Literal(path), msg, link); err != nil {
		return nil, fmt.Errorf("send subscribe request: %w", err)
	}
	return conn, nil
}

// connectOnce returns the stored Connection, waits for an in-flight
// attempt, or performs the Add itself. Only a successful Add stores a
// Connection, and only once.
func (e *Endpoint) connectOnce(ctx context.Context, client Subscription, path string) (*Connection, error) {
	e.mu.Lock()
	if e.conn != nil {
		conn := e.conn
		e.mu.Unlock()
		return conn, nil
	}
	if a := e.connecting; a != nil {
		e.mu.Unlock()
		select {
		case <-a.done:
			return a.conn, a.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	a := &attempt{done: make(chan struct{})}
	e.connecting = a
	e.setStateLocked(StateSubscribing)
	creds := e.credentials
	e.mu.Unlock()

	href, err := e.subscribeTarget(path)
	if err == nil {
		var id string
		id, err = client.Add(ctx, creds, href)
		if err == nil {
			client.AddResponse(e.id, e.handlePush)
			a.conn = &Connection{Service: client, ID: id, Protocol: client.Protocol()}
		}
	}
	if err != nil {
		a.err = fmt.Errorf("open %s subscription: %w", client.Name(), err)
	}

	e.mu.Lock()
	e.connecting = nil
	if a.conn != nil {
		e.conn = a.conn
		e.state = StateConnected
	} else {
		e.setStateLocked(e.restingStateLocked())
	}
	e.mu.Unlock()
	close(a.done)

	if a.conn != nil {
		e.logger.Info("subscription connected", "endpoint", e.id, "protocol", a.conn.Protocol.String(), "connection", a.conn.ID)
	}
	return a.conn, a.err
}

// subscribeTarget is the URL handed to the carrier: the subscribe path
// resolved against the target for server endpoints, the raw target
// otherwise.
func (e *Endpoint) subscribeTarget(path string) (string, error) {
	if e.typ != TypeServer {
		return e.rawTarget, nil
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse subscribe path: %w", err)
	}
	return e.target.ResolveReference(ref).String(), nil
}
