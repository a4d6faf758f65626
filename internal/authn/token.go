package authn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"opendut/internal/model"
)

// TokenSource obtains bearer tokens for edgar's calls to carl via the
// OIDC client-credentials grant, caching each token until shortly before
// it expires.
type TokenSource struct {
	tokenURL     string
	clientID     string
	clientSecret string
	scopes       []string
	httpClient   *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewTokenSource builds a source against the issuer's token endpoint,
// assuming the Keycloak-style layout (issuer + /protocol/openid-connect/token).
func NewTokenSource(issuerURL, clientID, clientSecret string, scopes []string) *TokenSource {
	tokenURL := strings.TrimSuffix(issuerURL, "/") + "/protocol/openid-connect/token"
	return &TokenSource{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		scopes:       scopes,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Token returns a cached token or fetches a fresh one.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && time.Now().Before(ts.expiresAt) {
		return ts.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", ts.clientID)
	form.Set("client_secret", ts.clientSecret)
	if len(ts.scopes) > 0 {
		form.Set("scope", strings.Join(ts.scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: build token request: %v", model.ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: fetch token: %v", model.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint returned %s", model.ErrAuth, resp.Status)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: decode token response: %v", model.ErrAuth, err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("%w: token endpoint returned no access_token", model.ErrAuth)
	}

	ts.token = payload.AccessToken
	lifetime := time.Duration(payload.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = time.Minute
	}
	// Refresh early so an in-flight call never carries an expired token.
	ts.expiresAt = time.Now().Add(lifetime - lifetime/10)

	return ts.token, nil
}
