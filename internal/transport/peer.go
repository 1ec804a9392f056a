package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/philsphicas/anylink/internal/protocol"
)

// PeerRequest is one call received by a PeerServer.
type PeerRequest struct {
	// Peer is the signaling id of the caller.
	Peer string
	// Channel is the data channel label, which is the caller's connection id.
	Channel string
	// CredentialID is the credential id the caller attached to the channel.
	CredentialID string
	Message      *protocol.Message
}

// PeerHandler serves one call. A returned error is sent back as the
// response message.
type PeerHandler func(ctx context.Context, req PeerRequest) (protocol.Response, error)

// PeerServerConfig holds parameters for a PeerServer.
type PeerServerConfig struct {
	LocalID  string
	Signaler Signaler
	ICE      ICEConfig
	// OfferPollInterval is how often the signaler is polled for offers.
	// Default 2s.
	OfferPollInterval time.Duration
	Handler           PeerHandler
	Logger            *slog.Logger
}

// PeerServer is the answering side of a WebRTC carrier. It accepts
// offers, serves frames arriving on data channels through Handler, and
// can push unsolicited frames to every open channel.
type PeerServer struct {
	cfg PeerServerConfig

	mu       sync.Mutex
	peers    map[string]*webrtc.PeerConnection
	channels map[string]*webrtc.DataChannel

	ready     chan struct{}
	readyOnce sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

// NewPeerServer creates a PeerServer. cfg.LocalID and cfg.Signaler are
// required.
func NewPeerServer(cfg PeerServerConfig) *PeerServer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OfferPollInterval <= 0 {
		cfg.OfferPollInterval = defaultOfferPollInterval
	}
	return &PeerServer{
		cfg:      cfg,
		peers:    make(map[string]*webrtc.PeerConnection),
		channels: make(map[string]*webrtc.DataChannel),
		ready:    make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

// Ready is closed once Serve is polling for offers.
func (s *PeerServer) Ready() <-chan struct{} {
	return s.ready
}

// Serve polls for offers until ctx is cancelled or Close is called.
func (s *PeerServer) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.OfferPollInterval)
	defer ticker.Stop()
	s.readyOnce.Do(func() { close(s.ready) })
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.closed:
			return nil
		case <-ticker.C:
			s.acceptOffers(ctx)
		}
	}
}

// Push sends v as an unsolicited frame on every open channel. It returns
// the number of channels written.
func (s *PeerServer) Push(v any) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode push: %w", err)
	}
	s.mu.Lock()
	dcs := make([]*webrtc.DataChannel, 0, len(s.channels))
	for _, dc := range s.channels {
		dcs = append(dcs, dc)
	}
	s.mu.Unlock()

	n := 0
	for _, dc := range dcs {
		if err := dc.SendText(string(data)); err != nil {
			s.cfg.Logger.Debug("push failed", "channel", dc.Label(), "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// Close tears down every PeerConnection and stops Serve.
func (s *PeerServer) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	s.mu.Lock()
	pcs := make([]*webrtc.PeerConnection, 0, len(s.peers))
	for id, pc := range s.peers {
		pcs = append(pcs, pc)
		delete(s.peers, id)
	}
	s.mu.Unlock()
	for _, pc := range pcs {
		_ = pc.Close()
	}
	return nil
}

func (s *PeerServer) acceptOffers(ctx context.Context) {
	offers, err := s.cfg.Signaler.PollOffers(ctx, s.cfg.LocalID)
	if err != nil {
		s.cfg.Logger.Warn("polling for SDP offers failed", "error", err)
		return
	}
	for _, o := range offers {
		s.mu.Lock()
		if old, ok := s.peers[o.Peer]; ok {
			// A new offer from a known peer replaces its connection.
			_ = old.Close()
			delete(s.peers, o.Peer)
		}
		s.mu.Unlock()

		if err := s.answer(ctx, o); err != nil {
			s.cfg.Logger.Error("answering WebRTC offer failed", "peer", o.Peer, "error", err)
		}
	}
}

func (s *PeerServer) answer(ctx context.Context, o SignalMessage) error {
	pc, err := newPeerConnection(s.cfg.ICE)
	if err != nil {
		return err
	}
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		s.accept(ctx, o.Peer, dc)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.cfg.Logger.Debug("ICE state change", "peer", o.Peer, "state", state.String())
		if state == webrtc.ICEConnectionStateClosed || state == webrtc.ICEConnectionStateFailed {
			s.mu.Lock()
			if cur, ok := s.peers[o.Peer]; ok && cur == pc {
				delete(s.peers, o.Peer)
			}
			s.mu.Unlock()
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: o.SDP}); err != nil {
		_ = pc.Close()
		return fmt.Errorf("set remote description: %w", err)
	}
	desc, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("create SDP answer: %w", err)
	}
	sdp, err := setLocalAndGather(ctx, pc, desc)
	if err != nil {
		_ = pc.Close()
		return err
	}
	if err := s.cfg.Signaler.PublishAnswer(ctx, o.Peer, s.cfg.LocalID, sdp); err != nil {
		_ = pc.Close()
		return fmt.Errorf("publish SDP answer: %w", err)
	}

	s.mu.Lock()
	s.peers[o.Peer] = pc
	s.mu.Unlock()
	s.cfg.Logger.Info("WebRTC offer answered", "peer", o.Peer)
	return nil
}

func (s *PeerServer) accept(ctx context.Context, peer string, dc *webrtc.DataChannel) {
	if dc.Label() == initChannelLabel {
		dc.OnOpen(func() { _ = dc.Close() })
		return
	}
	label := dc.Label()
	dc.OnOpen(func() {
		s.mu.Lock()
		s.channels[label] = dc
		s.mu.Unlock()
	})
	dc.OnClose(func() {
		s.mu.Lock()
		delete(s.channels, label)
		s.mu.Unlock()
	})
	dc.OnMessage(func(m webrtc.DataChannelMessage) {
		// Handlers may block; keep pion's read loop free.
		go s.serve(ctx, PeerRequest{Peer: peer, Channel: label, CredentialID: dc.Protocol()}, dc, m.Data)
	})
}

func (s *PeerServer) serve(ctx context.Context, req PeerRequest, dc *webrtc.DataChannel, data []byte) {
	var f protocol.Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Message == nil {
		s.cfg.Logger.Debug("dropping malformed frame", "channel", req.Channel, "error", err)
		return
	}
	req.Message = f.Message

	var resp protocol.Response
	if s.cfg.Handler == nil {
		resp = protocol.Response{"message": fmt.Sprintf("no handler for %s", f.Route)}
	} else {
		r, err := s.cfg.Handler(ctx, req)
		if err != nil {
			r = protocol.Response{"route": f.Route, "message": err.Error()}
		}
		resp = r
	}
	if resp == nil {
		resp = protocol.Response{}
	}
	if f.CallbackID != "" {
		resp[protocol.CallbackKey] = f.CallbackID
	}

	out, err := json.Marshal(resp)
	if err != nil {
		s.cfg.Logger.Warn("encode response failed", "route", f.Route, "error", err)
		return
	}
	if err := dc.SendText(string(out)); err != nil {
		s.cfg.Logger.Debug("write response failed", "channel", req.Channel, "error", err)
	}
}
