package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alekspetrov/pollcast/internal/resilience"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClientWithBaseURLs(server.URL, server.URL, "test-client-id", "test-secret")
}

func TestCreatePoll(t *testing.T) {
	var gotAuth, gotClientID string
	var gotBody createPollRequest

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/polls" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotClientID = r.Header.Get("Client-Id")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)

		_ = json.NewEncoder(w).Encode(envelope[Poll]{Data: []Poll{{ID: "poll-123", Status: PollStatusActive}}})
	})

	p, err := client.CreatePoll(context.Background(), "user-token", createPollRequest{
		BroadcasterID: "111",
		Title:         "Pick one",
		Choices:       []createPollChoice{{Title: "A"}, {Title: "B"}},
		Duration:      30,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if p.ID != "poll-123" {
		t.Errorf("expected poll-123, got %s", p.ID)
	}
	if gotAuth != "Bearer user-token" {
		t.Errorf("expected bearer token header, got %q", gotAuth)
	}
	if gotClientID != "test-client-id" {
		t.Errorf("expected Client-Id header, got %q", gotClientID)
	}
	if gotBody.BroadcasterID != "111" || len(gotBody.Choices) != 2 {
		t.Errorf("unexpected request body: %+v", gotBody)
	}
}

func TestGetPoll(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("broadcaster_id") != "111" || r.URL.Query().Get("id") != "poll-123" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(envelope[Poll]{Data: []Poll{{
			ID:     "poll-123",
			Status: PollStatusActive,
			Choices: []Choice{
				{Title: "A", Votes: 5, ChannelPointsVotes: 2},
				{Title: "B", Votes: 3},
			},
		}}})
	})

	p, err := client.GetPoll(context.Background(), "user-token", "111", "poll-123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Choices) != 2 || p.Choices[0].Votes != 5 {
		t.Errorf("unexpected poll: %+v", p)
	}
}

func TestEndPoll(t *testing.T) {
	var gotBody endPollRequest
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("expected PATCH, got %s", r.Method)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(envelope[Poll]{Data: []Poll{{ID: gotBody.ID, Status: gotBody.Status}}})
	})

	p, err := client.EndPoll(context.Background(), "user-token", "111", "poll-123", PollStatusTerminated)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Status != PollStatusTerminated {
		t.Errorf("expected TERMINATED status, got %s", p.Status)
	}
	if gotBody.BroadcasterID != "111" || gotBody.ID != "poll-123" {
		t.Errorf("unexpected request body: %+v", gotBody)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		headers    map[string]string
		wantClass  resilience.Class
		wantHint   time.Duration
	}{
		{"unauthorized", http.StatusUnauthorized, nil, resilience.ClassAuth, 0},
		{"rate limited with hint", http.StatusTooManyRequests, map[string]string{"Retry-After": "7"}, resilience.ClassRateLimit, 7 * time.Second},
		{"server error", http.StatusInternalServerError, nil, resilience.ClassTransient, 0},
		{"bad request", http.StatusBadRequest, nil, resilience.ClassPermanent, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(apiError{Status: tt.status, Message: "nope"})
			})

			_, err := client.GetPoll(context.Background(), "user-token", "111", "poll-123")
			if err == nil {
				t.Fatal("expected error")
			}

			var ce *resilience.CallError
			if !errors.As(err, &ce) {
				t.Fatalf("expected CallError, got %T: %v", err, err)
			}
			if ce.StatusCode != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, ce.StatusCode)
			}
			if resilience.Classify(err) != tt.wantClass {
				t.Errorf("expected class %v, got %v", tt.wantClass, resilience.Classify(err))
			}
			if ce.RetryAfter != tt.wantHint {
				t.Errorf("expected retry-after %v, got %v", tt.wantHint, ce.RetryAfter)
			}
		})
	}
}

func TestRefreshToken(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth2/token" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_ = r.ParseForm()
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "old-refresh" {
			t.Errorf("unexpected form: %v", r.Form)
		}
		_ = json.NewEncoder(w).Encode(tokenResponse{
			AccessToken:  "new-access",
			RefreshToken: "new-refresh",
			ExpiresIn:    14400,
		})
	})

	pair, err := client.RefreshToken(context.Background(), "old-refresh")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pair.AccessToken != "new-access" || pair.RefreshToken != "new-refresh" || pair.ExpiresIn != 14400 {
		t.Errorf("unexpected pair: %+v", pair)
	}
}

func TestRefreshTokenRejected(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(apiError{Status: 400, Message: "Invalid refresh token"})
	})

	_, err := client.RefreshToken(context.Background(), "revoked")
	if err == nil {
		t.Fatal("expected error for rejected refresh token")
	}
}
