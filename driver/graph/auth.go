package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// tokenExpiryBuffer is subtracted from the advertised lifetime so a token
// never expires mid-request.
const tokenExpiryBuffer = 5 * time.Minute

// clientCredentials identifies the application to the token endpoint.
type clientCredentials struct {
	tokenURL string
	clientID string
	secret   string
	scope    string
}

func (c clientCredentials) form() url.Values {
	return url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.secret},
		"scope":         {c.scope},
	}
}

// accessToken is a bearer token and the time it stops being usable.
type accessToken struct {
	value     string
	expiresAt time.Time
}

func (t accessToken) valid(now time.Time) bool {
	return t.value != "" && now.Before(t.expiresAt)
}

// fetchToken performs one client credentials grant.
func fetchToken(ctx context.Context, client *http.Client, creds clientCredentials) (accessToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.tokenURL, strings.NewReader(creds.form().Encode()))
	if err != nil {
		return accessToken{}, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return accessToken{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return accessToken{}, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return accessToken{}, fmt.Errorf("token endpoint %s returned %d: %s", creds.tokenURL, resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return accessToken{}, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return accessToken{}, fmt.Errorf("token response missing access_token")
	}

	lifetime := time.Duration(tr.ExpiresIn)*time.Second - tokenExpiryBuffer
	return accessToken{value: tr.AccessToken, expiresAt: time.Now().Add(lifetime)}, nil
}

// tokenCache shares one token between sends of a driver. It is safe for
// concurrent use.
type tokenCache struct {
	mu      sync.Mutex
	creds   clientCredentials
	client  *http.Client
	current accessToken
}

func newTokenCache(creds clientCredentials, client *http.Client) *tokenCache {
	return &tokenCache{creds: creds, client: client}
}

// Token returns the cached token, fetching a new one once it has expired.
func (tc *tokenCache) Token(ctx context.Context) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.current.valid(time.Now()) {
		return tc.current.value, nil
	}
	return tc.renew(ctx)
}

// ForceRefresh drops the cached token and fetches a new one.
func (tc *tokenCache) ForceRefresh(ctx context.Context) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.current = accessToken{}
	return tc.renew(ctx)
}

// renew must be called with tc.mu held.
func (tc *tokenCache) renew(ctx context.Context) (string, error) {
	tok, err := fetchToken(ctx, tc.client, tc.creds)
	if err != nil {
		return "", err
	}
	tc.current = tok
	return tok.value, nil
}
