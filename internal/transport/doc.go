// Package transport implements the carriers an endpoint sends through.
//
// [HTTPClient] issues one JSON request per call and streams the response
// body. [WebSocket] and [WebRTC] are subscription carriers: each holds
// long-lived connections (a coder/websocket conn, or a pion data channel
// on a shared PeerConnection), correlates responses to calls by a
// callback id carried in every [protocol.Frame], and hands every
// uncorrelated frame to the registered push handlers.
//
// WebRTC signaling goes through a [Signaler]. [MemorySignaler] exchanges
// offers and answers in-process. [PeerServer] is the answering side of a
// WebRTC subscription.
//
// [TokenProvider] supplies the Authorization header for HTTP requests and
// WebSocket dials: [SASTokenProvider] signs SharedAccessSignature tokens,
// [EntraTokenProvider] obtains Entra ID tokens through azidentity.
package transport
