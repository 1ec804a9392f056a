package endpoint

import (
	"context"
	"log/slog"
	"sync"

	"github.com/philsphicas/anylink/internal/protocol"
)

// subscribers holds push callbacks in registration order.
type subscribers struct {
	mu    sync.Mutex
	order []string
	cbs   map[string]func(protocol.Response)
}

func (s *subscribers) add(cb func(protocol.Response)) string {
	id := protocol.RandomID("response")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cbs == nil {
		s.cbs = make(map[string]func(protocol.Response))
	}
	s.cbs[id] = cb
	s.order = append(s.order, id)
	return id
}

// remove drops the callback registered as id. An empty id drops all.
func (s *subscribers) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		s.cbs = nil
		s.order = nil
		return
	}
	if _, ok := s.cbs[id]; !ok {
		return
	}
	delete(s.cbs, id)
	for i, k := range s.order {
		if k == id {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *subscribers) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// deliver calls every callback with resp. A panicking callback is logged
// and does not stop the rest.
func (s *subscribers) deliver(resp protocol.Response, logger *slog.Logger) {
	s.mu.Lock()
	cbs := make([]func(protocol.Response), 0, len(s.order))
	for _, id := range s.order {
		cbs = append(cbs, s.cbs[id])
	}
	s.mu.Unlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("subscriber panicked", "route", resp.Route(), "panic", r)
				}
			}()
			cb(resp)
		}()
	}
}

// OnPush registers cb for every push this endpoint receives and returns
// an id for Unsubscribe.
func (e *Endpoint) OnPush(cb func(protocol.Response)) string {
	return e.subs.add(cb)
}

// Unsubscribe removes the callback registered as id. An empty id removes
// every callback.
func (e *Endpoint) Unsubscribe(id string) {
	e.subs.remove(id)
}

// Stream returns the endpoint's output stream: every push, and every
// successful HTTP response. When the buffer is full new entries are
// dropped from the stream only.
func (e *Endpoint) Stream() <-chan protocol.Response {
	return e.stream
}

func (e *Endpoint) emit(resp protocol.Response) {
	select {
	case e.stream <- resp:
	default:
		e.metrics.PushDropped()
		e.logger.Debug("stream full, dropping entry", "endpoint", e.id, "route", resp.Route())
	}
}

// handlePush is registered on the connection's carrier.
func (e *Endpoint) handlePush(data []byte) {
	resp, err := protocol.ParseResponse(data)
	if err != nil {
		e.metrics.PushDropped()
		e.logger.Warn("dropping unparseable push", "endpoint", e.id, "error", err)
		return
	}
	e.emit(resp)
	e.subs.deliver(resp, e.logger)
	if e.router != nil {
		e.router.HandleLocalRoute(context.Background(), resp)
	}
	e.metrics.PushDelivered()
}
