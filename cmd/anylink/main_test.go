package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"

	"github.com/philsphicas/anylink/internal/transport"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		input   string
		wantLvl slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"DEBUG", slog.LevelDebug},  // case-insensitive
		{"WARN", slog.LevelWarn},    // case-insensitive
		{"unknown", slog.LevelInfo}, // default
		{"", slog.LevelInfo},        // empty defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			logger := newLogger(tt.input)
			if !logger.Enabled(context.Background(), tt.wantLvl) {
				t.Errorf("newLogger(%q): expected level %v to be enabled", tt.input, tt.wantLvl)
			}
			if tt.wantLvl > slog.LevelDebug && logger.Enabled(context.Background(), slog.LevelDebug) {
				t.Errorf("newLogger(%q): Debug should be disabled for level %v", tt.input, tt.wantLvl)
			}
		})
	}
}

// makeAuthCmd creates a cobra.Command with endpoint flags for testing
// resolveAuth.
func makeAuthCmd(args ...string) *cobra.Command {
	cmd := &cobra.Command{
		Use:  "test",
		RunE: func(cmd *cobra.Command, args []string) error { return nil },
	}
	addEndpointFlags(cmd)
	cmd.SetArgs(args)
	_ = cmd.Execute()
	return cmd
}

func TestResolveAuth_SASCredentials(t *testing.T) {
	t.Setenv("ANYLINK_KEY_NAME", "RootManageSharedAccessKey")
	t.Setenv("ANYLINK_KEY", "dGVzdGtleQ==")

	tp, err := resolveAuth(makeAuthCmd())
	if err != nil {
		t.Fatalf("resolveAuth: %v", err)
	}
	sas, ok := tp.(*transport.SASTokenProvider)
	if !ok {
		t.Fatalf("expected *transport.SASTokenProvider, got %T", tp)
	}
	if sas.KeyName != "RootManageSharedAccessKey" || sas.Key != "dGVzdGtleQ==" {
		t.Errorf("SAS provider = %+v", sas)
	}
}

func TestResolveAuth_None(t *testing.T) {
	t.Setenv("ANYLINK_KEY_NAME", "mykey")
	t.Setenv("ANYLINK_KEY", "")

	tp, err := resolveAuth(makeAuthCmd())
	if err != nil {
		t.Fatalf("resolveAuth: %v", err)
	}
	if tp != nil {
		t.Errorf("expected no provider without a key or --entra, got %T", tp)
	}
}

func TestResolveAuth_Entra(t *testing.T) {
	t.Setenv("ANYLINK_KEY_NAME", "")
	t.Setenv("ANYLINK_KEY", "")

	tp, err := resolveAuth(makeAuthCmd("--entra"))
	// Either it succeeds with Entra or fails because no Azure creds are
	// available. Either way it is not SAS.
	if err == nil {
		if _, ok := tp.(*transport.EntraTokenProvider); !ok {
			t.Errorf("expected *transport.EntraTokenProvider, got %T", tp)
		}
	}
}

func TestResolveMetricsDisabled(t *testing.T) {
	t.Setenv("ANYLINK_METRICS_ADDR", "")
	cmd := rootCmd()
	cmd.SetArgs([]string{"version"})
	cmd.SetOut(&bytes.Buffer{})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	m, err := resolveMetrics(context.Background(), cmd, nil, slog.Default())
	if err != nil || m != nil {
		t.Errorf("resolveMetrics = %v, %v; want disabled", m, err)
	}
}

func TestParseArgs(t *testing.T) {
	got := parseArgs([]string{`"hi"`, "42", `{"a":[1,2]}`, "plain text", "true"})
	want := []any{"hi", float64(42), map[string]any{"a": []any{float64(1), float64(2)}}, "plain text", true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseArgs mismatch (-want +got):\n%s", diff)
	}
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out.String()) != version {
		t.Errorf("version output = %q", out.String())
	}
}

// fakeRemote answers the services route and echoes everything else.
func fakeRemote(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/services" {
			json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
				"message": []any{map[string]string{"/chatservice": "ChatService", "/websocket": "WebsocketBackend"}},
			})
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck
		json.NewEncoder(w).Encode(map[string]any{"echo": body["message"], "id": body["id"], "method": r.Method, "path": r.URL.Path}) //nolint:errcheck
	}))
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("ANYLINK_CONFIG", "")
	t.Setenv("ANYLINK_METRICS_ADDR", "")
	t.Setenv("ANYLINK_KEY_NAME", "")
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append(args, "--log-level", "error"))
	err := cmd.Execute()
	return out.String(), err
}

func TestCheckCommand(t *testing.T) {
	srv := fakeRemote(t)
	out, err := run(t, "check", srv.URL)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "chat") || !strings.HasSuffix(lines[0], "/chatservice") ||
		!strings.HasPrefix(lines[1], "websocket") {
		t.Errorf("check output = %q", out)
	}
}

func TestSendCommand(t *testing.T) {
	srv := fakeRemote(t)
	out, err := run(t, "send", srv.URL, "history", `"hello"`, "3", "--service", "chat", "--id", "alice")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	want := map[string]any{
		"echo":   []any{"hello", float64(3)},
		"id":     "alice",
		"method": "POST",
		"path":   "/chatservice/history",
		"route":  "/chatservice/history",
		"block":  true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("send output mismatch (-want +got):\n%s", diff)
	}
}

func TestSendConfiguredEndpoint(t *testing.T) {
	srv := fakeRemote(t)
	path := filepath.Join(t.TempDir(), "anylink.yaml")
	cfg := "credentials:\n  id: bob\nendpoints:\n  hub: " + srv.URL + "\n"
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "send", "hub", "ping", "1", "--config", path)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(out, `"id": "bob"`) || !strings.Contains(out, `"path": "/ping"`) {
		t.Errorf("send output = %s", out)
	}
}

func TestCheckCommandErrors(t *testing.T) {
	if _, err := run(t, "check", "not-a-url"); err == nil {
		t.Error("expected an error for a relative server target")
	}
	if _, err := run(t, "check", "room-1", "--type", "webrtc"); err == nil || !strings.Contains(err.Error(), "needs a link") {
		t.Errorf("err = %v, want missing link", err)
	}
}
