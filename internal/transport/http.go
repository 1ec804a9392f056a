package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/philsphicas/anylink/internal/protocol"
)

// ErrInvalidJSON is returned when a response body is not valid JSON.
var ErrInvalidJSON = errors.New("invalid JSON")

const defaultChunkSize = 32 * 1024

// StatusError is a non-2xx HTTP response carrying the server's message.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Message)
}

// Progress reports bytes received so far. total is -1 when the server did
// not send Content-Length.
type Progress func(received, total int64)

// HTTPClient sends one JSON request per call.
type HTTPClient struct {
	Client        *http.Client  // nil means http.DefaultClient
	TokenProvider TokenProvider // optional
	Logger        *slog.Logger
	ChunkSize     int      // body read size; 0 means 32 KiB
	OnProgress    Progress // optional
}

// Do sends msg to target and decodes the JSON response. The method
// defaults to POST when msg carries arguments and GET otherwise; only
// non-GET requests have a body.
func (h *HTTPClient) Do(ctx context.Context, target string, msg *protocol.Message) (protocol.Response, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	msg.Method = strings.ToUpper(msg.Method)
	if msg.Method == "" {
		msg.Method = http.MethodGet
		if len(msg.Message) > 0 {
			msg.Method = http.MethodPost
		}
	}

	var body io.Reader
	if msg.Method != http.MethodGet {
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, msg.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := authorize(ctx, h.TokenProvider, req.Header, target); err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", msg.Method, target, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	data, err := h.readBody(resp, logger)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	out, err := protocol.ParseResponse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: out.ErrorMessage()}
	}
	return out, nil
}

// readBody pulls the body in chunks, reporting progress against
// Content-Length when the server sent one.
func (h *HTTPClient) readBody(resp *http.Response, logger *slog.Logger) ([]byte, error) {
	size := h.ChunkSize
	if size <= 0 {
		size = defaultChunkSize
	}
	total := resp.ContentLength
	var buf bytes.Buffer
	if total > 0 {
		buf.Grow(int(min(total, maxFrameSize)))
	}
	chunk := make([]byte, size)
	var received int64
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			received += int64(n)
			if h.OnProgress != nil {
				h.OnProgress(received, total)
			}
			if total > 0 {
				logger.Debug("response progress", "received", received, "percent", float64(received)/float64(total)*100)
			}
		}
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// CreateRoute resolves route against base. Absolute URLs are returned
// unchanged; anything else is joined onto the base path.
func CreateRoute(route string, base *url.URL) string {
	if u, err := url.Parse(route); err == nil && u.IsAbs() {
		return route
	}
	if base == nil {
		return route
	}
	u := *base
	rel, query, _ := strings.Cut(route, "?")
	u.Path = path.Join("/", base.Path, rel)
	u.RawPath = ""
	u.RawQuery = query
	u.Fragment = ""
	return u.String()
}
