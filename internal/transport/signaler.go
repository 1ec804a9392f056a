package transport

import (
	"context"
	"strings"
	"sync"
)

// Signaler exchanges complete SDP descriptions between WebRTC peers.
// Candidates are gathered before publishing (vanilla ICE), so one offer
// and one answer establish a PeerConnection.
type Signaler interface {
	// PublishOffer stores an offer from local addressed to target.
	PublishOffer(ctx context.Context, local, target, sdp string) error

	// PublishAnswer stores the answer local gives to offerer.
	PublishAnswer(ctx context.Context, offerer, local, sdp string) error

	// PollOffers returns offers addressed to local that it has not seen.
	PollOffers(ctx context.Context, local string) ([]SignalMessage, error)

	// PollAnswers returns answers to offers local made that it has not seen.
	PollAnswers(ctx context.Context, local string) ([]SignalMessage, error)
}

// SignalMessage is one offer or answer. Peer is the other party: the
// offerer for a received offer, the answerer for a received answer.
type SignalMessage struct {
	Peer string
	SDP  string
}

const signalSeparator = "|"

var _ Signaler = (*MemorySignaler)(nil)

// MemorySignaler is an in-process Signaler. Two WebRTC carriers sharing
// one MemorySignaler can connect without any network signaling.
type MemorySignaler struct {
	mu      sync.Mutex
	seq     uint64
	offers  map[string]signal // key: "offerer|target"
	answers map[string]signal // key: "offerer|target"
	seen    map[string]uint64
}

type signal struct {
	msg SignalMessage
	seq uint64
}

// NewMemorySignaler creates an empty MemorySignaler.
func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{
		offers:  make(map[string]signal),
		answers: make(map[string]signal),
		seen:    make(map[string]uint64),
	}
}

func (s *MemorySignaler) PublishOffer(_ context.Context, local, target, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.offers[local+signalSeparator+target] = signal{SignalMessage{Peer: local, SDP: sdp}, s.seq}
	return nil
}

func (s *MemorySignaler) PublishAnswer(_ context.Context, offerer, local, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.answers[offerer+signalSeparator+local] = signal{SignalMessage{Peer: local, SDP: sdp}, s.seq}
	return nil
}

func (s *MemorySignaler) PollOffers(_ context.Context, local string) ([]SignalMessage, error) {
	return s.poll("offers", local, s.offers, func(offerer, target string) bool { return target == local }), nil
}

func (s *MemorySignaler) PollAnswers(_ context.Context, local string) ([]SignalMessage, error) {
	return s.poll("answers", local, s.answers, func(offerer, target string) bool { return offerer == local }), nil
}

// poll returns the signals in store whose key matches and that are newer
// than what local last consumed from that key.
func (s *MemorySignaler) poll(label, local string, store map[string]signal, match func(offerer, target string) bool) []SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []SignalMessage
	for key, sig := range store {
		offerer, target, ok := strings.Cut(key, signalSeparator)
		if !ok || !match(offerer, target) {
			continue
		}
		seenKey := label + ":" + local + ":" + key
		if s.seen[seenKey] >= sig.seq {
			continue
		}
		s.seen[seenKey] = sig.seq
		out = append(out, sig.msg)
	}
	return out
}
