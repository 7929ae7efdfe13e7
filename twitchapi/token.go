package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// expiryBuffer is how long before expiry a cached token is treated as stale.
const expiryBuffer = time.Minute

// TokenSource fetches and caches a Twitch app access (client credentials)
// token, used for Helix identity lookups. App tokens cannot authenticate IRC;
// chat needs a user token with chat:read/chat:edit, which the oauth refresher
// maintains separately.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// Get returns a valid app access token, fetching a fresh one when the cache
// is empty or about to expire.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.RLock()
	if ts.usable() {
		tok := ts.token
		ts.mu.RUnlock()
		return tok, nil
	}
	ts.mu.RUnlock()
	return ts.fetch(ctx)
}

// Invalidate discards the cached token so the next Get fetches a fresh one.
// Called when an API request comes back 401 despite a cached token.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	ts.token = ""
	ts.expiresAt = time.Time{}
	ts.mu.Unlock()
}

// usable reports whether the cached token is present and not near expiry.
// Caller holds at least the read lock.
func (ts *TokenSource) usable() bool {
	return ts.token != "" && time.Until(ts.expiresAt) > expiryBuffer
}

func (ts *TokenSource) fetch(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	// Another goroutine may have fetched while we waited for the lock.
	if ts.usable() {
		return ts.token, nil
	}
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}

	form := url.Values{}
	form.Set("client_id", ts.ClientID)
	form.Set("client_secret", ts.ClientSecret)
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://id.twitch.tv/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	hc := ts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("twitch token request failed: %s: %s", resp.Status, string(b))
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.AccessToken == "" {
		return "", errors.New("empty access_token in twitch response")
	}
	ts.token = body.AccessToken
	ts.expiresAt = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	return ts.token, nil
}
