package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/philsphicas/anylink/internal/metrics"
	"github.com/philsphicas/anylink/internal/protocol"
)

// WebRTCConfig holds parameters for a WebRTC subscription carrier.
type WebRTCConfig struct {
	// Service is the name this carrier is discovered under. Default
	// "webrtc".
	Service string
	// LocalID identifies this side in signaling. Default is a random id.
	LocalID  string
	Signaler Signaler
	ICE      ICEConfig
	// AnswerPollInterval is how often the signaler is polled for an
	// answer. Default 500ms.
	AnswerPollInterval time.Duration
	Logger             *slog.Logger
	Metrics            *metrics.Metrics // optional; nil disables metrics
}

// WebRTC is a subscription carrier over pion data channels. Each Add
// opens one ordered data channel, sharing a PeerConnection per target
// peer.
type WebRTC struct {
	cfg WebRTCConfig

	available atomic.Bool
	endpoint  atomic.Value // string

	mu       sync.Mutex
	peers    map[string]*rtcPeer
	channels map[string]*rtcChannel
	last     string

	pending pendingCalls
	push    responders

	closed    chan struct{}
	closeOnce sync.Once
}

// rtcPeer is the PeerConnection to one remote peer. established is
// closed once ICE connects.
type rtcPeer struct {
	pc          *webrtc.PeerConnection
	target      string
	established chan struct{}
	once        sync.Once
}

func (p *rtcPeer) markEstablished() {
	p.once.Do(func() { close(p.established) })
}

type rtcChannel struct {
	id     string
	dc     *webrtc.DataChannel
	done   chan struct{}
	pushes *pushQueue
}

// NewWebRTC creates a WebRTC carrier. cfg.Signaler is required.
func NewWebRTC(cfg WebRTCConfig) *WebRTC {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Service == "" {
		cfg.Service = "webrtc"
	}
	if cfg.LocalID == "" {
		cfg.LocalID = protocol.RandomID("rtc")
	}
	if cfg.AnswerPollInterval <= 0 {
		cfg.AnswerPollInterval = defaultAnswerPollInterval
	}
	return &WebRTC{
		cfg:      cfg,
		peers:    make(map[string]*rtcPeer),
		channels: make(map[string]*rtcChannel),
		closed:   make(chan struct{}),
	}
}

func (w *WebRTC) Name() string                { return "webrtc" }
func (w *WebRTC) Protocol() protocol.Protocol { return protocol.WebRTC }
func (w *WebRTC) Service() string             { return w.cfg.Service }

// LocalID returns the id this carrier signals under.
func (w *WebRTC) LocalID() string { return w.cfg.LocalID }

// Status reports whether the remote advertised WebRTC or a channel is
// already open.
func (w *WebRTC) Status() bool {
	if w.available.Load() {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.channels) > 0
}

// MarkAvailable records that the remote exposes this carrier's service.
func (w *WebRTC) MarkAvailable(route string) {
	if !w.available.Swap(true) {
		w.cfg.Logger.Debug("webrtc service available", "route", route)
	}
}

// SetEndpoint records the endpoint this carrier is bound to.
func (w *WebRTC) SetEndpoint(id string) {
	w.endpoint.Store(id)
}

// Endpoint returns the id passed to SetEndpoint.
func (w *WebRTC) Endpoint() string {
	s, _ := w.endpoint.Load().(string)
	return s
}

// AddResponse registers a push handler.
func (w *WebRTC) AddResponse(key string, h func([]byte)) {
	w.push.add(key, h)
}

// Add connects to the peer signaling as target and opens a data channel
// labelled with the new connection id. The credential id travels as the
// channel's subprotocol.
func (w *WebRTC) Add(ctx context.Context, creds protocol.Credentials, target string) (string, error) {
	select {
	case <-w.closed:
		return "", ErrClosed
	default:
	}
	if w.cfg.Signaler == nil {
		return "", errors.New("webrtc: no signaler configured")
	}

	start := time.Now()
	peer, err := w.getOrCreatePeer(ctx, target)
	if err == nil {
		select {
		case <-peer.established:
		case <-ctx.Done():
			err = ctx.Err()
		case <-w.closed:
			err = ErrClosed
		}
	}
	w.cfg.Metrics.ObserveDialDuration(w.Name(), time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("connect to peer %s: %w", target, err)
	}

	c, err := w.openChannel(ctx, peer, creds)
	if err != nil {
		return "", err
	}
	w.cfg.Metrics.ConnectionOpened(w.Name())
	w.cfg.Logger.Info("webrtc channel open", "peer", target, "connection", c.id)
	return c.id, nil
}

// Send writes msg on the channel named by opts.ID (or the most recent one)
// and waits for the correlated response.
func (w *WebRTC) Send(ctx context.Context, msg *protocol.Message, opts protocol.SendOptions) (protocol.Response, error) {
	c := w.channel(opts.ID)
	if c == nil {
		return nil, ErrNotConnected
	}
	msg.Suppress = msg.Suppress || opts.Suppress
	id, ch, data, err := encodeFrame(msg, &w.pending)
	if err != nil {
		return nil, err
	}
	defer w.pending.remove(id)

	if err := c.dc.SendText(string(data)); err != nil {
		return nil, fmt.Errorf("write frame: %w", err)
	}
	return await(ctx, ch, c.done)
}

// Close tears down every PeerConnection.
func (w *WebRTC) Close() error {
	w.closeOnce.Do(func() { close(w.closed) })

	w.mu.Lock()
	peers := make([]*rtcPeer, 0, len(w.peers))
	for target, p := range w.peers {
		peers = append(peers, p)
		delete(w.peers, target)
	}
	w.mu.Unlock()
	for _, p := range peers {
		_ = p.pc.Close()
	}
	return nil
}

func (w *WebRTC) channel(id string) *rtcChannel {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id == "" {
		id = w.last
	}
	return w.channels[id]
}

// getOrCreatePeer returns the live PeerConnection to target, signaling a
// new one when needed. Concurrent callers for one target share a single
// attempt.
func (w *WebRTC) getOrCreatePeer(ctx context.Context, target string) (*rtcPeer, error) {
	w.mu.Lock()
	if p, ok := w.peers[target]; ok {
		state := p.pc.ICEConnectionState()
		if state != webrtc.ICEConnectionStateFailed && state != webrtc.ICEConnectionStateClosed {
			w.mu.Unlock()
			return p, nil
		}
		_ = p.pc.Close()
		delete(w.peers, target)
	}

	pc, err := newPeerConnection(w.cfg.ICE)
	if err != nil {
		w.mu.Unlock()
		return nil, err
	}
	p := &rtcPeer{pc: pc, target: target, established: make(chan struct{})}
	w.peers[target] = p
	w.mu.Unlock()

	if err := w.offer(ctx, p); err != nil {
		w.mu.Lock()
		if cur, ok := w.peers[target]; ok && cur == p {
			delete(w.peers, target)
		}
		w.mu.Unlock()
		_ = pc.Close()
		return nil, err
	}
	return p, nil
}

// offer runs one vanilla-ICE signaling round for p.
func (w *WebRTC) offer(ctx context.Context, p *rtcPeer) error {
	p.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		w.cfg.Logger.Debug("ICE state change", "peer", p.target, "state", state.String())
		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			p.markEstablished()
		case webrtc.ICEConnectionStateClosed:
			w.mu.Lock()
			if cur, ok := w.peers[p.target]; ok && cur == p {
				delete(w.peers, p.target)
			}
			w.mu.Unlock()
		}
	})

	if _, err := p.pc.CreateDataChannel(initChannelLabel, nil); err != nil {
		return fmt.Errorf("create init data channel: %w", err)
	}
	desc, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create SDP offer: %w", err)
	}
	sdp, err := setLocalAndGather(ctx, p.pc, desc)
	if err != nil {
		return err
	}
	if err := w.cfg.Signaler.PublishOffer(ctx, w.cfg.LocalID, p.target, sdp); err != nil {
		return fmt.Errorf("publish SDP offer: %w", err)
	}
	w.cfg.Logger.Debug("WebRTC offer published", "peer", p.target)

	answer, err := w.waitForAnswer(ctx, p.target)
	if err != nil {
		return fmt.Errorf("wait for SDP answer: %w", err)
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (w *WebRTC) waitForAnswer(ctx context.Context, target string) (string, error) {
	deadline := time.After(answerTimeout)
	ticker := time.NewTicker(w.cfg.AnswerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			return "", fmt.Errorf("timed out after %s", answerTimeout)
		case <-ctx.Done():
			return "", ctx.Err()
		case <-w.closed:
			return "", net.ErrClosed
		case <-ticker.C:
			answers, err := w.cfg.Signaler.PollAnswers(ctx, w.cfg.LocalID)
			if err != nil {
				w.cfg.Logger.Warn("polling for SDP answer failed", "error", err)
				continue
			}
			for _, a := range answers {
				if a.Peer == target {
					return a.SDP, nil
				}
			}
		}
	}
}

func (w *WebRTC) openChannel(ctx context.Context, p *rtcPeer, creds protocol.Credentials) (*rtcChannel, error) {
	id := uuid.NewString()
	ordered := true
	dcOpts := &webrtc.DataChannelInit{Ordered: &ordered}
	if creds.ID != "" {
		dcOpts.Protocol = &creds.ID
	}
	dc, err := p.pc.CreateDataChannel(id, dcOpts)
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	c := &rtcChannel{id: id, dc: dc, done: make(chan struct{}), pushes: newPushQueue(&w.push)}
	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })
	dc.OnMessage(func(m webrtc.DataChannelMessage) {
		dispatch(m.Data, &w.pending, c.pushes, w.cfg.Logger)
	})
	dc.OnClose(func() { w.drop(c) })

	select {
	case <-opened:
	case <-time.After(channelOpenTimeout):
		err = fmt.Errorf("data channel %s did not open within %s", id, channelOpenTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	case <-w.closed:
		err = ErrClosed
	}
	if err != nil {
		_ = dc.Close()
		c.pushes.close()
		return nil, err
	}

	w.mu.Lock()
	w.channels[id] = c
	w.last = id
	w.mu.Unlock()
	return c, nil
}

func (w *WebRTC) drop(c *rtcChannel) {
	w.mu.Lock()
	_, ok := w.channels[c.id]
	delete(w.channels, c.id)
	if w.last == c.id {
		w.last = ""
		for id := range w.channels {
			w.last = id
			break
		}
	}
	w.mu.Unlock()
	c.pushes.close()
	if ok {
		close(c.done)
		w.cfg.Metrics.ConnectionClosed(w.Name())
		w.cfg.Logger.Debug("webrtc channel closed", "connection", c.id)
	}
}
