package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/philsphicas/anylink/internal/config"
	"github.com/philsphicas/anylink/internal/endpoint"
	"github.com/philsphicas/anylink/internal/metrics"
	"github.com/philsphicas/anylink/internal/protocol"
	"github.com/philsphicas/anylink/internal/router"
	"github.com/philsphicas/anylink/internal/transport"
)

// session owns the endpoints and carriers one command uses.
type session struct {
	cfg         *config.Config
	tp          transport.TokenProvider
	ice         transport.ICEConfig
	dialTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
	router      *router.Router

	built    map[string]*endpoint.Endpoint
	carriers []io.Closer
}

// newSession resolves configuration, auth and metrics for cmd.
func newSession(ctx context.Context, cmd *cobra.Command) (*session, error) {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(logLevel)

	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	tp, err := resolveAuth(cmd)
	if err != nil {
		return nil, err
	}
	m, err := resolveMetrics(ctx, cmd, cfg, logger)
	if err != nil {
		return nil, err
	}

	dialTimeout, _ := cmd.Flags().GetDuration("dial-timeout")
	if dialTimeout == 0 {
		dialTimeout = cfg.DialTimeout
	}
	ice := cfg.ICE.Transport()
	if urls, _ := cmd.Flags().GetStringSlice("ice"); len(urls) > 0 {
		ice = transport.ICEConfigFromURLs(urls, cfg.ICE.Username, cfg.ICE.Credential)
	}

	return &session{
		cfg:         cfg,
		tp:          tp,
		ice:         ice,
		dialTimeout: dialTimeout,
		logger:      logger,
		metrics:     m,
		router:      router.New(router.Config{Logger: logger}),
		built:       make(map[string]*endpoint.Endpoint),
	}, nil
}

// Close tears down every carrier the session opened.
func (s *session) Close() {
	for _, c := range s.carriers {
		if err := c.Close(); err != nil {
			s.logger.Debug("close carrier", "error", err)
		}
	}
}

// resolve returns the endpoint for target: a configured endpoint name, or
// an ad-hoc endpoint described by the command's flags.
func (s *session) resolve(cmd *cobra.Command, target string) (*endpoint.Endpoint, error) {
	if _, ok := s.cfg.Endpoints[target]; ok {
		return s.named(target)
	}

	typ, _ := cmd.Flags().GetString("type")
	if typ == "" {
		typ = endpoint.TypeServer
	}
	creds := s.cfg.Credentials.Protocol()
	if id, _ := cmd.Flags().GetString("id"); id != "" {
		creds.ID = id
	} else if id := os.Getenv("ANYLINK_ID"); id != "" {
		creds.ID = id
	}

	var link *endpoint.Endpoint
	if name, _ := cmd.Flags().GetString("link"); name != "" {
		var err error
		if _, ok := s.cfg.Endpoints[name]; ok {
			link, err = s.named(name)
		} else {
			link, err = s.build(name, config.Endpoint{Target: name, Type: endpoint.TypeServer}, creds, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("link: %w", err)
		}
	}
	return s.build(target, config.Endpoint{Target: target, Type: typ}, creds, link)
}

// named builds a configured endpoint and, first, the links it depends on.
func (s *session) named(name string) (*endpoint.Endpoint, error) {
	if e, ok := s.built[name]; ok {
		return e, nil
	}
	ep := s.cfg.Endpoints[name]
	var link *endpoint.Endpoint
	if ep.Link != "" {
		var err error
		if link, err = s.named(ep.Link); err != nil {
			return nil, err
		}
	}
	return s.build(name, ep, s.cfg.CredentialsFor(name), link)
}

func (s *session) build(name string, ep config.Endpoint, creds protocol.Credentials, link *endpoint.Endpoint) (*endpoint.Endpoint, error) {
	ws := transport.NewWebSocket(transport.WebSocketConfig{
		DialTimeout:   s.dialTimeout,
		TokenProvider: s.tp,
		Logger:        s.logger,
		Metrics:       s.metrics,
	})
	s.carriers = append(s.carriers, ws)
	clients := map[string]endpoint.Subscription{ws.Name(): ws}

	if ep.Type == endpoint.TypeWebRTC {
		if link == nil {
			return nil, fmt.Errorf("webrtc endpoint %q needs a link for signaling", name)
		}
		rtc := transport.NewWebRTC(transport.WebRTCConfig{
			Signaler: &routeSignaler{link: link},
			ICE:      s.ice,
			Logger:   s.logger,
			Metrics:  s.metrics,
		})
		s.carriers = append(s.carriers, rtc)
		clients[rtc.Name()] = rtc
	}

	e, err := endpoint.New(endpoint.Config{
		Target:      ep.Target,
		Type:        ep.Type,
		Link:        link,
		Credentials: creds,
		Clients:     clients,
		Router:      s.router,
		HTTP:        &transport.HTTPClient{TokenProvider: s.tp, Logger: s.logger},
		Logger:      s.logger,
		Metrics:     s.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("endpoint %q: %w", name, err)
	}
	if err := s.router.Add(e); err != nil && !errors.Is(err, router.ErrDuplicateEndpoint) {
		return nil, err
	}
	s.built[name] = e
	return e, nil
}

// protocolFor returns the subscription client name from --protocol or the
// configured protocol of a named endpoint. Empty means the endpoint type.
func (s *session) protocolFor(cmd *cobra.Command, target string) (string, error) {
	name, _ := cmd.Flags().GetString("protocol")
	if name == "" {
		name = s.cfg.Endpoints[target].Protocol
	}
	if name == "" {
		return "", nil
	}
	p, err := protocol.ParseProtocol(name)
	if err != nil {
		return "", err
	}
	if p == protocol.HTTP {
		return "", fmt.Errorf("%s is not a subscription carrier", name)
	}
	return p.String(), nil
}
