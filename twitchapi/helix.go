// Package twitchapi contains minimal helpers to interact with Twitch Helix APIs
// for user identity resolution, plus the OAuth token flows the chat bot needs.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// UserInfo is the subset of a Helix user record the chat engine cares about.
type UserInfo struct {
	ID              string
	Login           string
	DisplayName     string
	ProfileImageURL string
}

// HelixClient provides minimal methods needed for identity resolution.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// ResolveUser resolves a login name to its user record.
func (hc *HelixClient) ResolveUser(ctx context.Context, login string) (UserInfo, error) {
	if login == "" {
		return UserInfo{}, fmt.Errorf("login empty")
	}
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return UserInfo{}, err
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.twitch.tv/helix/users", nil)
	q := req.URL.Query()
	q.Set("login", login)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return UserInfo{}, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	var body struct {
		Data []struct {
			ID              string `json:"id"`
			Login           string `json:"login"`
			DisplayName     string `json:"display_name"`
			ProfileImageURL string `json:"profile_image_url"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return UserInfo{}, err
	}
	if len(body.Data) == 0 {
		return UserInfo{}, fmt.Errorf("user not found")
	}
	u := body.Data[0]
	return UserInfo{ID: u.ID, Login: u.Login, DisplayName: u.DisplayName, ProfileImageURL: u.ProfileImageURL}, nil
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	u, err := hc.ResolveUser(ctx, login)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}
