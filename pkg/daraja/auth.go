/**
 * @description
 * This file implements the OAuth token cache for the Daraja API. Daraja issues
 * short-lived bearer tokens through a basic-auth client-credentials exchange;
 * the TokenSource caches the token until shortly before expiry and coalesces
 * concurrent refreshes into a single upstream exchange.
 *
 * @dependencies
 * - net/http, sync, time: Standard Go libraries.
 * - golang.org/x/sync/singleflight: Refresh coalescing.
 */

package daraja

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// defaultTokenTTL is the conservative lifetime assumed when the provider
	// does not echo an explicit expires_in. Daraja tokens last one hour.
	defaultTokenTTL = time.Hour

	// tokenSafetyMargin is subtracted from the stated expiry so a token is
	// never presented moments before it lapses server-side.
	tokenSafetyMargin = 60 * time.Second

	authPath = "/oauth/v1/generate?grant_type=client_credentials"
)

// TokenSource caches the Daraja bearer token and refreshes it on demand.
// It is safe for concurrent use; no lock is held while the exchange is in
// flight.
type TokenSource struct {
	baseURL        string
	consumerKey    string
	consumerSecret string
	httpClient     *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time

	group singleflight.Group

	// now is swappable for tests.
	now func() time.Time
}

// NewTokenSource creates a token source for the given environment base URL and
// consumer credentials.
func NewTokenSource(baseURL, consumerKey, consumerSecret string, httpClient *http.Client) *TokenSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenSource{
		baseURL:        baseURL,
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		httpClient:     httpClient,
		now:            time.Now,
	}
}

// Token returns the cached bearer token, refreshing it first when it has
// expired or is inside the safety margin. Concurrent callers needing a refresh
// trigger exactly one upstream exchange and all observe its outcome.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	if ts.token != "" && ts.now().Before(ts.expiresAt.Add(-tokenSafetyMargin)) {
		token := ts.token
		ts.mu.Unlock()
		return token, nil
	}
	ts.mu.Unlock()

	result, err, _ := ts.group.Do("token", func() (interface{}, error) {
		// Re-check under the lock: a just-finished flight may have already
		// refreshed the token for us.
		ts.mu.Lock()
		if ts.token != "" && ts.now().Before(ts.expiresAt.Add(-tokenSafetyMargin)) {
			token := ts.token
			ts.mu.Unlock()
			return token, nil
		}
		ts.mu.Unlock()

		token, expiresAt, err := ts.exchange(ctx)
		if err != nil {
			return nil, err
		}

		ts.mu.Lock()
		ts.token = token
		ts.expiresAt = expiresAt
		ts.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Invalidate drops the cached token so the next Token call performs a fresh
// exchange. Useful when the gateway starts rejecting the bearer early.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	ts.token = ""
	ts.expiresAt = time.Time{}
	ts.mu.Unlock()
}

// exchange performs the basic-auth client-credentials request against the
// Daraja token endpoint.
func (ts *TokenSource) exchange(ctx context.Context) (string, time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.baseURL+authPath, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: build token request: %v", ErrAuthenticationFailed, err)
	}
	req.SetBasicAuth(ts.consumerKey, ts.consumerSecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: token exchange: %v", ErrAuthenticationFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: read token response: %v", ErrAuthenticationFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", time.Time{}, fmt.Errorf("%w: token endpoint returned status %d", ErrAuthenticationFailed, resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: decode token response: %v", ErrAuthenticationFailed, err)
	}
	if payload.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("%w: token endpoint response did not carry a token", ErrAuthenticationFailed)
	}

	ttl := defaultTokenTTL
	if payload.ExpiresIn != "" {
		if seconds, parseErr := strconv.Atoi(payload.ExpiresIn); parseErr == nil && seconds > 0 {
			ttl = time.Duration(seconds) * time.Second
		}
	}
	return payload.AccessToken, ts.now().Add(ttl), nil
}
