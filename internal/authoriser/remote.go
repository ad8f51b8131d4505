package authoriser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expirySkew is subtracted from every token lifetime so a cached token is
// never presented right at its expiry.
const expirySkew = 30 * time.Second

type TokenRequest struct {
	ClientID string `json:"client_id"`
}

type TokenResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresIn int64  `json:"expires_in,omitempty"`
}

// Remote fetches tokens from a token endpoint and caches them until they
// expire. The lifetime comes from expires_in, then from the exp claim when
// the token is a JWT, then from the configured cache TTL.
type Remote struct {
	url        string
	clientID   string
	httpClient *http.Client
	cacheTTL   time.Duration
	now        func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewRemote(url, clientID string, timeout, cacheTTL time.Duration) *Remote {
	return &Remote{
		url:      url,
		clientID: clientID,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

func (r *Remote) Authorisation(ctx context.Context) (string, error) {
	if r == nil {
		return "", fmt.Errorf("remote authoriser not configured")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token != "" && r.now().Before(r.expiresAt) {
		return r.token, nil
	}

	resp, err := r.fetch(ctx)
	if err != nil {
		return "", err
	}

	value := resp.Token
	if resp.TokenType != "" {
		value = resp.TokenType + " " + resp.Token
	}
	r.token = value
	r.expiresAt = r.now().Add(r.lifetime(resp) - expirySkew)

	return value, nil
}

// Invalidate drops the cached token so the next call fetches a fresh one.
func (r *Remote) Invalidate() {
	r.mu.Lock()
	r.token = ""
	r.mu.Unlock()
}

func (r *Remote) fetch(ctx context.Context) (*TokenResponse, error) {
	bodyBytes, err := json.Marshal(TokenRequest{ClientID: r.clientID})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint status %d", resp.StatusCode)
	}

	var result TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.Token == "" {
		return nil, ErrNoToken
	}

	return &result, nil
}

func (r *Remote) lifetime(resp *TokenResponse) time.Duration {
	if resp.ExpiresIn > 0 {
		return time.Duration(resp.ExpiresIn) * time.Second
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(resp.Token, claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time.Sub(r.now())
	}

	return r.cacheTTL
}
