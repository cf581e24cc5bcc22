package depotget

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	depoterrors "github.com/veldora/depotget/depotget/errors"
	"github.com/veldora/depotget/depotget/logger"
)

// TokenProvider exchanges static credentials for short-lived bearer tokens at
// a token endpoint and caches them until shortly before expiry. Safe for
// concurrent use by download workers.
type TokenProvider struct {
	endpoint string
	params   url.Values
	client   *http.Client

	// now is swapped in tests.
	now func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// expirySlack renews tokens a little early so in-flight requests never carry
// a token that expires mid-transfer.
const expirySlack = 30 * time.Second

// NewTokenProvider creates a provider against a token endpoint. params are
// passed through as query parameters (client id, scope and the like).
func NewTokenProvider(endpoint string, params url.Values, client *http.Client) *TokenProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenProvider{
		endpoint: endpoint,
		params:   params,
		client:   client,
		now:      time.Now,
	}
}

// Token returns a valid bearer token, fetching a fresh one when the cached
// token is missing or about to expire.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && p.now().Add(expirySlack).Before(p.expires) {
		return p.token, nil
	}
	return p.refreshLocked(ctx)
}

// Invalidate drops the cached token so the next request fetches a new one.
// Called when the CDN starts rejecting a token before its advertised expiry.
func (p *TokenProvider) Invalidate() {
	p.mu.Lock()
	p.token = ""
	p.mu.Unlock()
}

func (p *TokenProvider) refreshLocked(ctx context.Context) (string, error) {
	endpoint := p.endpoint
	if len(p.params) > 0 {
		endpoint += "?" + p.params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", depoterrors.ErrDownloadFailed.WithMessage("token request failed").WithCause(err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", depoterrors.ErrDownloadFailed.WithMessage("token request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", depoterrors.ErrDownloadFailed.
			WithMessage(fmt.Sprintf("token endpoint returned %d: %s", resp.StatusCode, body)).
			WithDetail("status", resp.StatusCode)
	}

	var tokenResp struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", depoterrors.ErrDownloadFailed.WithMessage("invalid token response").WithCause(err)
	}

	token := tokenResp.Token
	if token == "" {
		token = tokenResp.AccessToken
	}
	if token == "" {
		return "", depoterrors.ErrDownloadFailed.WithMessage("token endpoint returned no token")
	}

	p.token = token
	if tokenResp.ExpiresIn > 0 {
		p.expires = p.now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	} else {
		// Endpoints that omit expiry get a conservative default.
		p.expires = p.now().Add(5 * time.Minute)
	}
	logger.Debug("fetched CDN token, valid until %s", p.expires.Format(time.RFC3339))
	return p.token, nil
}

// WithTokenProvider authorizes CDN requests with tokens from the provider. A
// failed token fetch leaves the request unauthorized; the CDN's 401 then
// surfaces through the normal error mapping.
func WithTokenProvider(provider *TokenProvider) CDNOption {
	return WithAuthorizer(func(req *http.Request) {
		token, err := provider.Token(req.Context())
		if err != nil {
			logger.Warn("token fetch failed: %v", err)
			return
		}
		req.Header.Set("Authorization", "Bearer "+token)
	})
}
