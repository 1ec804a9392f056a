package endpoint

import (
	"context"
	"errors"

	"github.com/philsphicas/anylink/internal/protocol"
)

var (
	// ErrNoClient is returned by a forced Subscribe when no subscription
	// client is registered under the requested protocol name.
	ErrNoClient = errors.New("endpoint: no subscription client")

	// ErrMalformedResponse is returned by Check when the services
	// response does not carry a route table.
	ErrMalformedResponse = errors.New("endpoint: malformed services response")
)

// Subscription is a persistent carrier (WebSocket, WebRTC) an Endpoint can
// hold one Connection on.
type Subscription interface {
	// Name is the client name endpoints select the carrier by.
	Name() string
	Protocol() protocol.Protocol
	// Service is the discovered service name whose path prefixes the
	// subscribe route.
	Service() string
	// Status reports whether the carrier is ready without forcing.
	Status() bool
	SetEndpoint(id string)
	// Add opens a logical connection to target and returns its id.
	Add(ctx context.Context, creds protocol.Credentials, target string) (string, error)
	// AddResponse registers h for every push; re-registering key replaces it.
	AddResponse(key string, h func([]byte))
	Send(ctx context.Context, msg *protocol.Message, opts protocol.SendOptions) (protocol.Response, error)
}

// availabilityMarker is implemented by carriers that track whether the
// remote advertised them.
type availabilityMarker interface {
	MarkAvailable(route string)
}

// Router is told about discovered services and receives every push for
// local re-dispatch.
type Router interface {
	ServiceAvailable(name, path string)
	HandleLocalRoute(ctx context.Context, resp protocol.Response)
}

// Connection binds an Endpoint to one carrier connection. An Endpoint
// stores at most one and never replaces it.
type Connection struct {
	Service  Subscription
	ID       string
	Protocol protocol.Protocol
}
