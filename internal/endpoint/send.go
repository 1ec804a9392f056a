package endpoint

import (
	"context"
	"errors"
	"time"

	"github.com/philsphicas/anylink/internal/metrics"
	"github.com/philsphicas/anylink/internal/protocol"
	"github.com/philsphicas/anylink/internal/transport"
)

// Send resolves route and sends msg through this endpoint. msg may be nil.
func (e *Endpoint) Send(ctx context.Context, route Route, msg *protocol.Message) (protocol.Response, error) {
	return e.SendVia(ctx, route, msg, nil)
}

// SendVia is Send with traffic carried by carrier (nil means e).
//
// The carrier's Connection picks the path: over a WebSocket connection
// the link's carrier sends with the link's credential id; over WebRTC the
// carrier's own channel sends with its credential id, falling back to the
// link's; with no connection the message goes over HTTP to the link's
// target. A response without a route gets the sent route and block=true.
func (e *Endpoint) SendVia(ctx context.Context, route Route, msg *protocol.Message, carrier *Endpoint) (protocol.Response, error) {
	if msg == nil {
		msg = &protocol.Message{}
	}
	if carrier == nil {
		carrier = e
	}
	msg.Route = e.ResolveRoute(route)
	msg.Suppress = e.Connection() != nil

	link := carrier.Link()
	linkConn := link.Connection()
	opts := protocol.SendOptions{Suppress: msg.Suppress}
	if linkConn != nil {
		opts.ID = linkConn.ID
	}

	var (
		resp  protocol.Response
		err   error
		proto = protocol.HTTP
	)
	start := time.Now()
	cc := carrier.Connection()
	switch {
	case cc != nil && cc.Protocol == protocol.WebSocket:
		proto = protocol.WebSocket
		msg.ID = link.Credentials().ID
		if linkConn == nil {
			err = transport.ErrNotConnected
			break
		}
		resp, err = linkConn.Service.Send(ctx, msg, opts)

	case cc != nil && cc.Protocol == protocol.WebRTC:
		proto = protocol.WebRTC
		msg.ID = carrier.Credentials().ID
		if msg.ID == "" {
			msg.ID = link.Credentials().ID
		}
		// The link's connection may belong to another carrier.
		opts.ID = cc.ID
		resp, err = cc.Service.Send(ctx, msg, opts)

	default:
		msg.ID = link.Credentials().ID
		resp, err = e.http.Do(ctx, transport.CreateRoute(msg.Route, link.target), msg)
	}
	e.metrics.ObserveSend(proto.String(), link.ID(), time.Since(start).Seconds(), err, sendErrorReason(err))
	if err != nil {
		return nil, err
	}

	resp.Stamp(msg.Route)
	if proto == protocol.HTTP && resp != nil {
		e.emit(resp)
	}
	return resp, nil
}

// Write sends msg.Message to msg.Route, discarding the response.
func (e *Endpoint) Write(ctx context.Context, msg protocol.Message) error {
	_, err := e.Send(ctx, Literal(msg.Route), &protocol.Message{Message: msg.Message, Method: msg.Method})
	return err
}

func sendErrorReason(err error) string {
	if err == nil {
		return ""
	}
	var se *transport.StatusError
	switch {
	case errors.As(err, &se):
		return metrics.ReasonStatus
	case errors.Is(err, transport.ErrInvalidJSON):
		return metrics.ReasonInvalidJSON
	}
	return metrics.ErrorReason(err, metrics.ReasonTransport)
}
