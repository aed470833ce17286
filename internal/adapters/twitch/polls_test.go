package twitch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/pollcast/internal/poll"
	"github.com/alekspetrov/pollcast/internal/resilience"
)

type fakeTokens struct {
	token        string
	refreshed    string
	ensureCalls  int
	refreshCalls int
}

func (f *fakeTokens) EnsureValidToken(_ context.Context, _ uuid.UUID) (string, error) {
	f.ensureCalls++
	return f.token, nil
}

func (f *fakeTokens) ForceRefresh(_ context.Context, _ uuid.UUID) (string, error) {
	f.refreshCalls++
	return f.refreshed, nil
}

func testChannel() poll.Channel {
	return poll.Channel{
		ID:            uuid.New(),
		BroadcasterID: "111",
		Login:         "streamer",
		Type:          poll.BroadcasterPartner,
		Active:        true,
	}
}

func driverPolicy() resilience.Policy {
	p := resilience.DefaultPolicy()
	p.BaseDelay = time.Millisecond
	p.MaxDelay = 10 * time.Millisecond
	p.MaxAttempts = 2
	return p
}

func newTestDriver(t *testing.T, handler http.HandlerFunc, tokens TokenProvider) *PollDriver {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewClientWithBaseURLs(server.URL, server.URL, "test-client-id", "test-secret")
	exec := resilience.NewExecutor()
	return NewPollDriver(client, tokens, exec, driverPolicy())
}

func TestCreate_NormalizesParameters(t *testing.T) {
	var gotBody createPollRequest
	tokens := &fakeTokens{token: "tok"}
	driver := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(envelope[Poll]{Data: []Poll{{ID: "ext-1"}}})
	}, tokens)

	instance := &poll.Instance{
		ID:              uuid.New(),
		Title:           strings.Repeat("t", 80),
		Options:         []string{strings.Repeat("a", 40), "B"},
		DurationSeconds: 5000,
		Points:          &poll.PointsConfig{Enabled: true, AmountPerVote: 2000000},
	}

	id, err := driver.Create(context.Background(), testChannel(), instance, poll.ChannelOverrides{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "ext-1" {
		t.Errorf("expected external id ext-1, got %s", id)
	}

	if len(gotBody.Title) != poll.MaxTitleLength {
		t.Errorf("expected title truncated to %d, got %d", poll.MaxTitleLength, len(gotBody.Title))
	}
	if len(gotBody.Choices[0].Title) != poll.MaxOptionLength {
		t.Errorf("expected option truncated to %d, got %d", poll.MaxOptionLength, len(gotBody.Choices[0].Title))
	}
	if gotBody.Duration != poll.MaxDuration {
		t.Errorf("expected duration clamped to %d, got %d", poll.MaxDuration, gotBody.Duration)
	}
	if !gotBody.ChannelPointsVotingEnabled || gotBody.ChannelPointsPerVote != poll.MaxPointsAmount {
		t.Errorf("expected points clamped to %d, got %+v", poll.MaxPointsAmount, gotBody)
	}
}

func TestCreate_PointsOmittedWithoutPositiveAmount(t *testing.T) {
	var gotBody createPollRequest
	tokens := &fakeTokens{token: "tok"}
	driver := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(envelope[Poll]{Data: []Poll{{ID: "ext-1"}}})
	}, tokens)

	// Enabled flag set but no amount: the flag is not trusted.
	instance := &poll.Instance{
		Title:           "Pick one",
		Options:         []string{"A", "B"},
		DurationSeconds: 30,
		Points:          &poll.PointsConfig{Enabled: true, AmountPerVote: 0},
	}

	if _, err := driver.Create(context.Background(), testChannel(), instance, poll.ChannelOverrides{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotBody.ChannelPointsVotingEnabled || gotBody.ChannelPointsPerVote != 0 {
		t.Errorf("points must be omitted without a positive amount: %+v", gotBody)
	}
}

func TestCreate_AuthFailureRefreshesAndRetriesOnce(t *testing.T) {
	calls := 0
	tokens := &fakeTokens{token: "stale", refreshed: "fresh"}
	driver := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("Authorization") == "Bearer stale" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(apiError{Status: 401, Message: "Invalid OAuth token"})
			return
		}
		_ = json.NewEncoder(w).Encode(envelope[Poll]{Data: []Poll{{ID: "ext-1"}}})
	}, tokens)

	instance := &poll.Instance{Title: "Pick one", Options: []string{"A", "B"}, DurationSeconds: 30}

	id, err := driver.Create(context.Background(), testChannel(), instance, poll.ChannelOverrides{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "ext-1" {
		t.Errorf("expected ext-1, got %s", id)
	}
	if tokens.refreshCalls != 1 {
		t.Errorf("expected exactly one forced refresh, got %d", tokens.refreshCalls)
	}
	if calls != 2 {
		t.Errorf("expected 2 API calls (401 then success), got %d", calls)
	}
}

func TestGetState_FoldsNativeAndPointsVotes(t *testing.T) {
	tokens := &fakeTokens{token: "tok"}
	driver := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(envelope[Poll]{Data: []Poll{{
			ID:     "ext-1",
			Status: PollStatusActive,
			Choices: []Choice{
				{Title: "A", Votes: 5, ChannelPointsVotes: 2},
				{Title: "B", Votes: 3, ChannelPointsVotes: 0},
			},
		}}})
	}, tokens)

	state, err := driver.GetState(context.Background(), testChannel(), "ext-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.OptionVotes[0] != 7 {
		t.Errorf("expected option 0 folded to 7, got %d", state.OptionVotes[0])
	}
	if state.OptionVotes[1] != 3 {
		t.Errorf("expected option 1 = 3, got %d", state.OptionVotes[1])
	}
}

func TestEnd_SendsTerminalStatus(t *testing.T) {
	var gotBody endPollRequest
	tokens := &fakeTokens{token: "tok"}
	driver := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(envelope[Poll]{Data: []Poll{{ID: gotBody.ID, Status: gotBody.Status}}})
	}, tokens)

	if err := driver.End(context.Background(), testChannel(), "ext-1", PollStatusTerminated); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotBody.Status != PollStatusTerminated {
		t.Errorf("expected TERMINATED, got %s", gotBody.Status)
	}
}

func TestRefreshProfile(t *testing.T) {
	tokens := &fakeTokens{token: "tok"}
	driver := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(envelope[User]{Data: []User{{
			ID:              "111",
			Login:           "streamer",
			DisplayName:     "Streamer",
			BroadcasterType: "affiliate",
		}}})
	}, tokens)

	user, err := driver.RefreshProfile(context.Background(), testChannel())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.BroadcasterType != "affiliate" {
		t.Errorf("expected affiliate tier, got %q", user.BroadcasterType)
	}
}
