package endpoint

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/philsphicas/anylink/internal/protocol"
)

const servicesRoute = "services"

// Check discovers the services the remote exposes and returns the route
// table (route path to backend class name).
//
// WebRTC endpoints first try to open their WebRTC subscription; a failure
// there is logged and ignored. If the services call fails, server
// endpoints force a WebSocket subscription and retry once; other types
// return the error. Discovered services are recorded, reported to the
// Router, and their deferred calls replayed, followed by the generic
// queue.
func (e *Endpoint) Check(ctx context.Context) (map[string]string, error) {
	e.setState(StateDiscovering)

	if e.typ == TypeWebRTC {
		if _, err := e.Subscribe(ctx, SubscribeOptions{Protocol: protocol.WebRTC.String(), Force: true}); err != nil {
			e.logger.Warn("link does not have WebRTC enabled", "endpoint", e.id, "error", err)
		} else {
			e.markStatus()
		}
	}

	resp, err := e.Send(ctx, Literal(servicesRoute), nil)
	if err != nil && e.typ == TypeServer {
		e.logger.Info("falling back to websockets", "endpoint", e.id, "error", err)
		e.metrics.Fallback()
		if _, serr := e.Subscribe(ctx, SubscribeOptions{Protocol: protocol.WebSocket.String(), Force: true}); serr != nil {
			return nil, e.discoveryFailed(fmt.Errorf("websocket fallback: %w", serr))
		}
		e.markStatus()
		resp, err = e.Send(ctx, Literal(servicesRoute), nil)
	}
	if err != nil {
		return nil, e.discoveryFailed(fmt.Errorf("discover services: %w", err))
	}
	e.markStatus()

	table, err := protocol.ParseDiscovery(resp)
	if err != nil {
		return nil, e.discoveryFailed(fmt.Errorf("%w: %v", ErrMalformedResponse, err))
	}

	for _, route := range slices.Sorted(maps.Keys(table)) {
		name := ServiceName(table[route])
		e.mu.Lock()
		e.available[name] = route
		e.mu.Unlock()
		e.logger.Debug("service discovered", "endpoint", e.id, "service", name, "route", route)

		if e.router != nil {
			e.router.ServiceAvailable(name, route)
		}
		if c, ok := e.clients[name]; ok {
			if m, ok := c.(availabilityMarker); ok {
				m.MarkAvailable(route)
			}
			e.flush(name)
		}
	}
	e.flush("")

	e.setState(StateDiscovered)
	e.metrics.DiscoveryResult(nil)
	return map[string]string(table), nil
}

func (e *Endpoint) markStatus() {
	e.mu.Lock()
	e.status = true
	e.mu.Unlock()
}

func (e *Endpoint) discoveryFailed(err error) error {
	e.mu.Lock()
	e.setStateLocked(e.restingStateLocked())
	e.mu.Unlock()
	e.metrics.DiscoveryResult(err)
	return err
}
