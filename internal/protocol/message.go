// Package protocol defines the wire format shared by every anylink carrier.
//
// A call is a JSON Message naming a route and carrying an optional
// argument array. HTTP sends it as the request body; the subscription
// carriers (WebSocket, WebRTC) wrap it in a Frame with a callback id so
// the response can be correlated. Responses and pushes are arbitrary JSON
// objects, represented as Response.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Protocol identifies the carrier a Connection uses.
type Protocol int

const (
	// HTTP is the request/response fallback used when no subscription
	// connection exists.
	HTTP Protocol = iota
	// WebSocket is a relayed persistent subscription.
	WebSocket
	// WebRTC is a direct peer data channel.
	WebRTC
)

func (p Protocol) String() string {
	switch p {
	case HTTP:
		return "http"
	case WebSocket:
		return "websocket"
	case WebRTC:
		return "webrtc"
	default:
		return fmt.Sprintf("protocol(%d)", int(p))
	}
}

// ParseProtocol maps a carrier name to its Protocol. Matching is
// case-insensitive.
func ParseProtocol(name string) (Protocol, error) {
	switch strings.ToLower(name) {
	case "http", "https":
		return HTTP, nil
	case "websocket", "ws", "wss":
		return WebSocket, nil
	case "webrtc":
		return WebRTC, nil
	}
	return HTTP, fmt.Errorf("unknown protocol %q", name)
}

// Message is the call object sent to a remote route.
type Message struct {
	// Route is the resolved remote path (e.g. "services" or "/chat/send").
	Route string `json:"route"`

	// Message holds positional arguments for the route.
	Message []any `json:"message,omitempty"`

	// Method is the HTTP method; empty means GET for an empty Message
	// and POST otherwise.
	Method string `json:"method,omitempty"`

	// ID is the credential id of the sending identity.
	ID string `json:"id,omitempty"`

	// Suppress tells the remote side the caller already holds a live
	// subscription, so no duplicate reply channel should be opened.
	Suppress bool `json:"suppress,omitempty"`

	// Protocol optionally names the carrier a subscribe request targets.
	Protocol string `json:"protocol,omitempty"`
}

// Frame wraps a Message on subscription carriers. Responses echo
// CallbackID; frames without a known CallbackID are pushes.
type Frame struct {
	CallbackID string `json:"callbackId,omitempty"`
	*Message
}

// CallbackKey is the field carrying the correlation id in a response frame.
const CallbackKey = "callbackId"

// Response is a decoded JSON object returned by a route or pushed by a
// subscription.
type Response map[string]any

// ParseResponse decodes a raw payload. Payloads that decode to a JSON
// string are decoded once more, matching senders that double-encode their
// pushes. A payload that is valid JSON but not an object is returned as
// the message field of a fresh Response.
func ParseResponse(data []byte) (Response, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	if s, ok := v.(string); ok {
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, err
		}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return Response{"message": v}, nil
	}
	return Response(obj), nil
}

// Route returns the route field, or "" if absent or not a string.
func (r Response) Route() string {
	s, _ := r["route"].(string)
	return s
}

// Messages returns the message field as an array. A scalar message is
// returned as a one-element array.
func (r Response) Messages() []any {
	switch m := r["message"].(type) {
	case nil:
		return nil
	case []any:
		return m
	default:
		return []any{m}
	}
}

// ErrorMessage returns the server-supplied message field as text.
func (r Response) ErrorMessage() string {
	switch m := r["message"].(type) {
	case nil:
		return ""
	case string:
		return m
	default:
		data, _ := json.Marshal(m)
		return string(data)
	}
}

// Blocked reports whether the route field was synthesized locally.
func (r Response) Blocked() bool {
	b, _ := r["block"].(bool)
	return b
}

// Stamp fills in the sent route when the remote did not declare one and
// marks the response as blocked. It reports whether it changed r.
func (r Response) Stamp(route string) bool {
	if r == nil || r.Route() != "" {
		return false
	}
	r["route"] = route
	r["block"] = true
	return true
}

// CallbackID removes and returns the correlation id, if present.
func (r Response) CallbackID() string {
	id, _ := r[CallbackKey].(string)
	if id != "" {
		delete(r, CallbackKey)
	}
	return id
}

// Discovery is the route table a "services" call returns: route path to
// backend class name.
type Discovery map[string]string

// ParseDiscovery extracts the route table from message[0] of a services
// response.
func ParseDiscovery(r Response) (Discovery, error) {
	msgs := r.Messages()
	if len(msgs) == 0 {
		return nil, fmt.Errorf("services response has no message")
	}
	table, ok := msgs[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("services table is %T, not an object", msgs[0])
	}
	d := make(Discovery, len(table))
	for route, class := range table {
		name, ok := class.(string)
		if !ok {
			return nil, fmt.Errorf("services entry %q is %T, not a string", route, class)
		}
		d[route] = name
	}
	return d, nil
}

// SubscribeArgs builds the message array of a subscribe request: the
// routes to watch followed by the connection id.
func SubscribeArgs(routes []any, connectionID string) []any {
	return []any{routes, connectionID}
}

// SendOptions qualifies a call on a subscription carrier.
type SendOptions struct {
	// Suppress is copied into the outgoing Message.
	Suppress bool
	// ID selects the carrier connection; empty means the most recent one.
	ID string
}
