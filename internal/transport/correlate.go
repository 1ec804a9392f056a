package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/philsphicas/anylink/internal/protocol"
)

var (
	// ErrNotConnected is returned by Send when the carrier has no open
	// connection for the requested id.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrClosed is returned when a connection closes while a call is
	// waiting for its response.
	ErrClosed = errors.New("transport: connection closed")
)

// maxFrameSize bounds a single inbound frame.
const maxFrameSize = 16 << 20

// pendingCalls correlates response frames to in-flight calls.
type pendingCalls struct {
	mu    sync.Mutex
	calls map[string]chan protocol.Response
}

func (p *pendingCalls) add() (string, chan protocol.Response) {
	id := uuid.NewString()
	ch := make(chan protocol.Response, 1)
	p.mu.Lock()
	if p.calls == nil {
		p.calls = make(map[string]chan protocol.Response)
	}
	p.calls[id] = ch
	p.mu.Unlock()
	return id, ch
}

func (p *pendingCalls) remove(id string) {
	p.mu.Lock()
	delete(p.calls, id)
	p.mu.Unlock()
}

// resolve hands resp to the call waiting on id. It reports false if no
// call is waiting.
func (p *pendingCalls) resolve(id string, resp protocol.Response) bool {
	p.mu.Lock()
	ch, ok := p.calls[id]
	delete(p.calls, id)
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// responders holds push handlers in registration order. Re-registering a
// key replaces its handler in place.
type responders struct {
	mu       sync.RWMutex
	keys     []string
	handlers map[string]func([]byte)
}

func (r *responders) add(key string, h func([]byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[string]func([]byte))
	}
	if _, ok := r.handlers[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.handlers[key] = h
}

func (r *responders) deliver(data []byte) {
	r.mu.RLock()
	hs := make([]func([]byte), 0, len(r.keys))
	for _, k := range r.keys {
		hs = append(hs, r.handlers[k])
	}
	r.mu.RUnlock()
	for _, h := range hs {
		h(data)
	}
}

// pushQueueSize bounds the pushes buffered per connection before the read
// loop waits for handlers to catch up.
const pushQueueSize = 256

// pushQueue hands pushes from a read loop to a delivery goroutine, so
// handlers may Send on the same connection while its reads continue.
type pushQueue struct {
	ch   chan []byte
	stop chan struct{}
	once sync.Once
}

func newPushQueue(r *responders) *pushQueue {
	q := &pushQueue{ch: make(chan []byte, pushQueueSize), stop: make(chan struct{})}
	go func() {
		for {
			select {
			case data := <-q.ch:
				r.deliver(data)
			case <-q.stop:
				for {
					select {
					case data := <-q.ch:
						r.deliver(data)
					default:
						return
					}
				}
			}
		}
	}()
	return q
}

// enqueue blocks while the queue is full. It reports false once the queue
// is closed.
func (q *pushQueue) enqueue(data []byte) bool {
	select {
	case q.ch <- data:
		return true
	case <-q.stop:
		return false
	}
}

// close stops the queue. Pushes already queued are still delivered.
func (q *pushQueue) close() {
	q.once.Do(func() { close(q.stop) })
}

// dispatch routes an inbound frame: correlated responses go to their
// waiting call, everything else is queued as a push.
func dispatch(data []byte, pending *pendingCalls, pushes *pushQueue, logger *slog.Logger) {
	resp, err := protocol.ParseResponse(data)
	if err == nil {
		if id := resp.CallbackID(); id != "" {
			if pending.resolve(id, resp) {
				return
			}
			logger.Debug("response for unknown call", "callbackId", id)
		}
	}
	pushes.enqueue(data)
}

// encodeFrame marshals msg with a fresh callback id registered in pending.
func encodeFrame(msg *protocol.Message, pending *pendingCalls) (string, chan protocol.Response, []byte, error) {
	id, ch := pending.add()
	data, err := json.Marshal(protocol.Frame{CallbackID: id, Message: msg})
	if err != nil {
		pending.remove(id)
		return "", nil, nil, fmt.Errorf("encode frame: %w", err)
	}
	return id, ch, data, nil
}

// await waits for the correlated response, the connection closing, or ctx.
func await(ctx context.Context, ch <-chan protocol.Response, done <-chan struct{}) (protocol.Response, error) {
	select {
	case resp := <-ch:
		return resp, nil
	case <-done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
