// Package config loads the anylink YAML configuration file.
//
// A file names the endpoints the CLI can address, how they link to one
// another, the identity each one uses, and the ICE servers for WebRTC:
//
//	credentials:
//	  id: alice
//	ice:
//	  urls: [stun:stun.l.google.com:19302]
//	endpoints:
//	  hub: https://hub.example.com
//	  room:
//	    target: room-42
//	    type: webrtc
//	    link: hub
package config

import (
	"fmt"
	"maps"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/philsphicas/anylink/internal/endpoint"
	"github.com/philsphicas/anylink/internal/protocol"
	"github.com/philsphicas/anylink/internal/transport"
)

// Config is the top-level configuration.
type Config struct {
	// Credentials is the default identity for every endpoint.
	Credentials Credentials `yaml:"credentials"`

	// DialTimeout bounds each carrier dial. Zero means the carrier default.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// MetricsAddr starts the Prometheus server when set.
	MetricsAddr string `yaml:"metrics_addr"`

	ICE ICE `yaml:"ice"`

	// Endpoints are keyed by the name used on the command line.
	Endpoints map[string]Endpoint `yaml:"endpoints"`
}

// Credentials mirrors protocol.Credentials with YAML keys.
type Credentials struct {
	ID       string `yaml:"id"`
	StableID string `yaml:"stable_id"`
}

// Protocol returns c as wire credentials.
func (c Credentials) Protocol() protocol.Credentials {
	return protocol.Credentials{ID: c.ID, StableID: c.StableID}
}

// ICE lists the STUN/TURN servers for WebRTC endpoints.
type ICE struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// Transport converts i for the WebRTC carrier.
func (i ICE) Transport() transport.ICEConfig {
	return transport.ICEConfigFromURLs(i.URLs, i.Username, i.Credential)
}

// Endpoint describes one remote target.
type Endpoint struct {
	Target string `yaml:"target"`

	// Type defaults to "server".
	Type string `yaml:"type"`

	// Link names the endpoint that carries this one's traffic.
	Link string `yaml:"link"`

	// Protocol picks the subscription carrier; empty means the type.
	Protocol string `yaml:"protocol"`

	// Credentials overrides the top-level identity.
	Credentials *Credentials `yaml:"credentials"`
}

// UnmarshalYAML accepts either a bare target string or the full mapping.
//
//	hub: https://hub.example.com
//	room: {target: room-42, type: webrtc, link: hub}
func (e *Endpoint) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*e = Endpoint{Target: value.Value}
		return nil
	}
	type rawEndpoint Endpoint
	var raw rawEndpoint
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*e = Endpoint(raw)
	return nil
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates YAML configuration, applying defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	for name, ep := range cfg.Endpoints {
		if ep.Type == "" {
			ep.Type = endpoint.TypeServer
			cfg.Endpoints[name] = ep
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks targets, protocols and link references.
func (c *Config) Validate() error {
	if c.DialTimeout < 0 {
		return fmt.Errorf("dial_timeout must be >= 0, got %s", c.DialTimeout)
	}
	for _, name := range slices.Sorted(maps.Keys(c.Endpoints)) {
		ep := c.Endpoints[name]
		if ep.Target == "" {
			return fmt.Errorf("endpoint %q: target is required", name)
		}
		if ep.Type == endpoint.TypeServer || ep.Type == "" {
			u, err := url.Parse(ep.Target)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("endpoint %q: server target %q must be an absolute URL", name, ep.Target)
			}
		}
		if ep.Protocol != "" {
			if _, err := protocol.ParseProtocol(ep.Protocol); err != nil {
				return fmt.Errorf("endpoint %q: %w", name, err)
			}
		}
		if ep.Link != "" {
			if _, ok := c.Endpoints[ep.Link]; !ok {
				return fmt.Errorf("endpoint %q: link %q is not defined", name, ep.Link)
			}
		}
	}
	if _, err := c.Order(); err != nil {
		return err
	}
	return nil
}

// Order returns endpoint names so that every link precedes the endpoints
// that use it. Ties are broken by name.
func (c *Config) Order() ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	mark := make(map[string]int, len(c.Endpoints))
	var order []string
	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch mark[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("endpoint link cycle: %v", append(path, name))
		}
		mark[name] = visiting
		if link := c.Endpoints[name].Link; link != "" {
			if err := visit(link, append(path, name)); err != nil {
				return err
			}
		}
		mark[name] = done
		order = append(order, name)
		return nil
	}
	for _, name := range slices.Sorted(maps.Keys(c.Endpoints)) {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// CredentialsFor returns the identity endpoint name uses.
func (c *Config) CredentialsFor(name string) protocol.Credentials {
	if ep, ok := c.Endpoints[name]; ok && ep.Credentials != nil {
		return ep.Credentials.Protocol()
	}
	return c.Credentials.Protocol()
}
