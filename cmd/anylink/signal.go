package main

import (
	"context"
	"fmt"

	"github.com/philsphicas/anylink/internal/endpoint"
	"github.com/philsphicas/anylink/internal/protocol"
	"github.com/philsphicas/anylink/internal/transport"
)

const signalService = "webrtc"

var _ transport.Signaler = (*routeSignaler)(nil)

// routeSignaler exchanges SDP through the link's webrtc service. Offers and
// answers are posted to its offer and answer routes; polls read the
// offers and answers routes, which reply with {peer, sdp} objects.
type routeSignaler struct {
	link *endpoint.Endpoint
}

func (s *routeSignaler) PublishOffer(ctx context.Context, local, target, sdp string) error {
	_, err := s.link.Send(ctx, endpoint.ServiceRoute(signalService, "offer"), &protocol.Message{Message: []any{local, target, sdp}})
	return err
}

func (s *routeSignaler) PublishAnswer(ctx context.Context, offerer, local, sdp string) error {
	_, err := s.link.Send(ctx, endpoint.ServiceRoute(signalService, "answer"), &protocol.Message{Message: []any{offerer, local, sdp}})
	return err
}

func (s *routeSignaler) PollOffers(ctx context.Context, local string) ([]transport.SignalMessage, error) {
	return s.poll(ctx, "offers", local)
}

func (s *routeSignaler) PollAnswers(ctx context.Context, local string) ([]transport.SignalMessage, error) {
	return s.poll(ctx, "answers", local)
}

func (s *routeSignaler) poll(ctx context.Context, path, local string) ([]transport.SignalMessage, error) {
	resp, err := s.link.Send(ctx, endpoint.ServiceRoute(signalService, path), &protocol.Message{Message: []any{local}})
	if err != nil {
		return nil, err
	}
	var out []transport.SignalMessage
	for _, m := range resp.Messages() {
		obj, ok := m.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: entry is %T, not an object", path, m)
		}
		peer, _ := obj["peer"].(string)
		sdp, _ := obj["sdp"].(string)
		if peer == "" || sdp == "" {
			return nil, fmt.Errorf("%s: entry needs peer and sdp", path)
		}
		out = append(out, transport.SignalMessage{Peer: peer, SDP: sdp})
	}
	return out, nil
}
