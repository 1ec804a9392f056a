package transport

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

// DefaultEntraScope is the token scope used when EntraTokenProvider is
// created without one.
const DefaultEntraScope = "https://relay.azure.net/.default"

const sasTokenExpiry = 1 * time.Hour

// TokenProvider generates authentication tokens for remote endpoints.
type TokenProvider interface {
	// GetToken returns a token suitable for the Authorization header of a
	// request to resourceURI.
	GetToken(ctx context.Context, resourceURI string) (string, error)
}

// SASTokenProvider generates Shared Access Signature tokens.
type SASTokenProvider struct {
	KeyName string
	Key     string
}

// GetToken generates a SAS token for the given resource URI.
func (p *SASTokenProvider) GetToken(_ context.Context, resourceURI string) (string, error) {
	return GenerateSASToken(resourceURI, p.KeyName, p.Key, sasTokenExpiry)
}

// EntraTokenProvider obtains OAuth2 tokens via Azure Identity.
type EntraTokenProvider struct {
	cred  azcore.TokenCredential
	scope string
}

// NewEntraTokenProvider creates a token provider using DefaultAzureCredential.
// An empty scope means DefaultEntraScope.
func NewEntraTokenProvider(scope string) (*EntraTokenProvider, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure credential: %w", err)
	}
	return NewEntraTokenProviderWithCredential(cred, scope), nil
}

// NewEntraTokenProviderWithCredential creates a token provider with a
// specific TokenCredential. This is primarily useful for testing.
func NewEntraTokenProviderWithCredential(cred azcore.TokenCredential, scope string) *EntraTokenProvider {
	if scope == "" {
		scope = DefaultEntraScope
	}
	return &EntraTokenProvider{cred: cred, scope: scope}
}

// GetToken obtains a bearer token for the configured scope. The
// resourceURI parameter is ignored.
func (p *EntraTokenProvider) GetToken(ctx context.Context, _ string) (string, error) {
	tk, err := p.cred.GetToken(ctx, policy.TokenRequestOptions{
		Scopes: []string{p.scope},
	})
	if err != nil {
		return "", fmt.Errorf("acquire Entra token: %w", err)
	}
	return "Bearer " + tk.Token, nil
}

// GenerateSASToken creates a SharedAccessSignature token. The key is the
// raw shared key value.
func GenerateSASToken(resourceURI, keyName, key string, expiry time.Duration) (string, error) {
	if keyName == "" || key == "" {
		return "", fmt.Errorf("SAS key name and key are required")
	}
	uri := url.QueryEscape(strings.ToLower(resourceURI))
	exp := time.Now().Add(expiry).Unix()
	sig := sign(uri, exp, key)
	return fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%d&skn=%s",
		uri, url.QueryEscape(sig), exp, keyName), nil
}

func sign(uri string, expiry int64, key string) string {
	str := fmt.Sprintf("%s\n%d", uri, expiry)
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(str))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// authorize sets the Authorization header from tp, if one is configured.
func authorize(ctx context.Context, tp TokenProvider, h http.Header, resourceURI string) error {
	if tp == nil {
		return nil
	}
	token, err := tp.GetToken(ctx, resourceURI)
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}
	h.Set("Authorization", token)
	return nil
}

// sanitizeErr redacts SAS signatures that a dial error may echo back.
func sanitizeErr(err error) error {
	s := err.Error()
	const key = "sig="
	for from := 0; ; {
		i := strings.Index(s[from:], key)
		if i == -1 {
			break
		}
		i += from + len(key)
		end := strings.IndexAny(s[i:], "&\" ")
		if end == -1 {
			s = s[:i] + "REDACTED"
			break
		}
		s = s[:i] + "REDACTED" + s[i+end:]
		from = i + len("REDACTED")
	}
	return fmt.Errorf("%s", s)
}
