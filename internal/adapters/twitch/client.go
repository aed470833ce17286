// Package twitch talks to the Twitch Helix API: polls, user profiles, and
// the OAuth token endpoint.
package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alekspetrov/pollcast/internal/credentials"
	"github.com/alekspetrov/pollcast/internal/resilience"
)

const (
	// HelixBaseURL is the Helix API base URL.
	HelixBaseURL = "https://api.twitch.tv/helix"
	// AuthBaseURL is the OAuth base URL.
	AuthBaseURL = "https://id.twitch.tv"
)

// Client is a Twitch Helix API client. Per-channel bearer tokens are passed
// per call; the app identity travels in the Client-Id header.
type Client struct {
	helixURL     string
	authURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

// NewClient creates a new Helix client.
func NewClient(clientID, clientSecret string) *Client {
	return &Client{
		helixURL:     HelixBaseURL,
		authURL:      AuthBaseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NewClientWithBaseURLs creates a client with custom endpoints (for testing).
func NewClientWithBaseURLs(helixURL, authURL, clientID, clientSecret string) *Client {
	c := NewClient(clientID, clientSecret)
	c.helixURL = strings.TrimSuffix(helixURL, "/")
	c.authURL = strings.TrimSuffix(authURL, "/")
	return c
}

// doRequest performs an authenticated Helix request. Non-2xx responses are
// returned as *resilience.CallError so the executor can classify them.
func (c *Client) doRequest(ctx context.Context, method, path, token string, body, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.helixURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Client-Id", c.clientID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return callError(resp, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

// callError builds a structured error carrying the status and, on rate
// limiting, the platform's retry-after hint.
func callError(resp *http.Response, body []byte) error {
	message := strings.TrimSpace(string(body))
	var parsed apiError
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		message = parsed.Message
	}

	return &resilience.CallError{
		StatusCode: resp.StatusCode,
		RetryAfter: retryAfterHint(resp),
		Message:    fmt.Sprintf("helix API error (status %d): %s", resp.StatusCode, message),
	}
}

// retryAfterHint reads Retry-After (delta seconds) or Ratelimit-Reset
// (epoch seconds) from a rate-limited response.
func retryAfterHint(resp *http.Response) time.Duration {
	if resp.StatusCode != http.StatusTooManyRequests {
		return 0
	}

	if v := resp.Header.Get("Retry-After"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}

	if v := resp.Header.Get("Ratelimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Until(time.Unix(epoch, 0)); d > 0 {
				return d
			}
		}
	}

	return 0
}

// CreatePoll creates a poll on the broadcaster's channel.
func (c *Client) CreatePoll(ctx context.Context, token string, req createPollRequest) (*Poll, error) {
	var resp envelope[Poll]
	if err := c.doRequest(ctx, http.MethodPost, "/polls", token, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("create poll returned no data")
	}
	return &resp.Data[0], nil
}

// GetPoll fetches the current state of a poll.
func (c *Client) GetPoll(ctx context.Context, token, broadcasterID, pollID string) (*Poll, error) {
	path := fmt.Sprintf("/polls?broadcaster_id=%s&id=%s", url.QueryEscape(broadcasterID), url.QueryEscape(pollID))
	var resp envelope[Poll]
	if err := c.doRequest(ctx, http.MethodGet, path, token, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, &resilience.CallError{StatusCode: http.StatusNotFound, Message: "poll not found"}
	}
	return &resp.Data[0], nil
}

// EndPoll ends a poll with a terminal status (TERMINATED or ARCHIVED).
func (c *Client) EndPoll(ctx context.Context, token, broadcasterID, pollID, status string) (*Poll, error) {
	req := endPollRequest{BroadcasterID: broadcasterID, ID: pollID, Status: status}
	var resp envelope[Poll]
	if err := c.doRequest(ctx, http.MethodPatch, "/polls", token, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("end poll returned no data")
	}
	return &resp.Data[0], nil
}

// GetUser fetches a user's profile for channel metadata refresh.
func (c *Client) GetUser(ctx context.Context, token, userID string) (*User, error) {
	path := "/users?id=" + url.QueryEscape(userID)
	var resp envelope[User]
	if err := c.doRequest(ctx, http.MethodGet, path, token, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, &resilience.CallError{StatusCode: http.StatusNotFound, Message: "user not found"}
	}
	return &resp.Data[0], nil
}

// RefreshToken exchanges a refresh token for a new access/refresh pair.
// Implements credentials.Refresher.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*credentials.TokenPair, error) {
	form := url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, callError(resp, body)
	}

	var tokens tokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	return &credentials.TokenPair{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresIn:    tokens.ExpiresIn,
	}, nil
}
