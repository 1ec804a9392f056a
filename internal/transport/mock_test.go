package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
)

// mockTokenCredential implements azcore.TokenCredential for testing.
type mockTokenCredential struct {
	token     string
	lastScope string
}

func (m *mockTokenCredential) GetToken(ctx context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	if len(opts.Scopes) > 0 {
		m.lastScope = opts.Scopes[0]
	}
	return azcore.AccessToken{
		Token:     m.token,
		ExpiresOn: time.Now().Add(time.Hour),
	}, nil
}

// mockTokenProvider is a fixed-token TokenProvider that records resources.
type mockTokenProvider struct {
	mu        sync.Mutex
	token     string
	err       error
	resources []string
}

func (m *mockTokenProvider) GetToken(_ context.Context, resourceURI string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources = append(m.resources, resourceURI)
	return m.token, m.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
