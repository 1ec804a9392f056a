package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	iceGatherTimeout   = 15 * time.Second
	answerTimeout      = 30 * time.Second
	channelOpenTimeout = 10 * time.Second

	defaultOfferPollInterval  = 2 * time.Second
	defaultAnswerPollInterval = 500 * time.Millisecond
)

// initChannelLabel names the data channel created only so the offer
// carries an SCTP section. Neither side sends on it.
const initChannelLabel = "init"

// ICEConfig holds the ICE servers used for new PeerConnections. An empty
// config gathers host candidates only, which is enough on one machine or
// LAN.
type ICEConfig struct {
	Servers []webrtc.ICEServer
}

// ICEConfigFromURLs builds an ICEConfig with one server entry per URL.
// Username and credential apply to every entry.
func ICEConfigFromURLs(urls []string, username, credential string) ICEConfig {
	var cfg ICEConfig
	for _, u := range urls {
		cfg.Servers = append(cfg.Servers, webrtc.ICEServer{
			URLs:       []string{u},
			Username:   username,
			Credential: credential,
		})
	}
	return cfg
}

// newPeerConnection creates a PeerConnection that also offers loopback
// candidates, so two peers in one process can connect.
func newPeerConnection(ice ICEConfig) (*webrtc.PeerConnection, error) {
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: ice.Servers})
	if err != nil {
		return nil, fmt.Errorf("create PeerConnection: %w", err)
	}
	return pc, nil
}

// setLocalAndGather sets desc as the local description and waits until
// every candidate is embedded in it. It returns the complete SDP.
func setLocalAndGather(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (string, error) {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-time.After(iceGatherTimeout):
		return "", fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return pc.LocalDescription().SDP, nil
}
