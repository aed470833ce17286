package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/alekspetrov/pollcast/internal/logging"
	"github.com/alekspetrov/pollcast/internal/poll"
)

type fakeReader struct {
	instances  map[uuid.UUID]*poll.Instance
	aggregates map[uuid.UUID]*poll.Aggregate
	links      map[uuid.UUID][]*poll.Link
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		instances:  make(map[uuid.UUID]*poll.Instance),
		aggregates: make(map[uuid.UUID]*poll.Aggregate),
		links:      make(map[uuid.UUID][]*poll.Link),
	}
}

func (f *fakeReader) GetInstance(_ context.Context, id uuid.UUID) (*poll.Instance, error) {
	instance, ok := f.instances[id]
	if !ok {
		return nil, poll.ErrNotFound
	}
	return instance, nil
}

func (f *fakeReader) GetAggregate(_ context.Context, pollID uuid.UUID) (*poll.Aggregate, error) {
	agg, ok := f.aggregates[pollID]
	if !ok {
		return nil, poll.ErrNotFound
	}
	return agg, nil
}

func (f *fakeReader) ListLinks(_ context.Context, pollID uuid.UUID) ([]*poll.Link, error) {
	return f.links[pollID], nil
}

func newTestServer(reader *fakeReader) *httptest.Server {
	return httptest.NewServer(NewServer(reader).Router())
}

func TestHealthCheck(t *testing.T) {
	server := newTestServer(newFakeReader())
	defer server.Close()

	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestGetPoll(t *testing.T) {
	reader := newFakeReader()
	pollID := uuid.New()
	reader.instances[pollID] = &poll.Instance{
		ID:              pollID,
		Title:           "Pick one",
		Options:         []string{"A", "B"},
		DurationSeconds: 30,
		Mode:            poll.VoteModeStandard,
		Status:          poll.StatusRunning,
		CreatedAt:       time.Now(),
	}
	reader.aggregates[pollID] = &poll.Aggregate{
		PollID:            pollID,
		OptionTotals:      map[int]int{0: 8, 1: 4},
		Total:             12,
		ChannelsReporting: 3,
	}

	server := newTestServer(reader)
	defer server.Close()

	resp, err := http.Get(server.URL + "/polls/" + pollID.String())
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Title != "Pick one" || body.Status != poll.StatusRunning {
		t.Errorf("unexpected poll body: %+v", body)
	}
	if body.Aggregate == nil || body.Aggregate.Total != 12 {
		t.Errorf("expected aggregate with total 12, got %+v", body.Aggregate)
	}
}

func TestGetPoll_WithoutAggregate(t *testing.T) {
	reader := newFakeReader()
	pollID := uuid.New()
	reader.instances[pollID] = &poll.Instance{ID: pollID, Title: "Pick one", Status: poll.StatusPending}

	server := newTestServer(reader)
	defer server.Close()

	resp, err := http.Get(server.URL + "/polls/" + pollID.String())
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var body pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Aggregate != nil {
		t.Error("expected no aggregate on a freshly created poll")
	}
}

func TestGetPoll_NotFound(t *testing.T) {
	server := newTestServer(newFakeReader())
	defer server.Close()

	resp, err := http.Get(server.URL + "/polls/" + uuid.NewString())
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestGetPoll_InvalidID(t *testing.T) {
	server := newTestServer(newFakeReader())
	defer server.Close()

	resp, err := http.Get(server.URL + "/polls/not-a-uuid")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestListLinks(t *testing.T) {
	reader := newFakeReader()
	pollID := uuid.New()
	reader.links[pollID] = []*poll.Link{
		{ID: uuid.New(), PollID: pollID, ChannelID: uuid.New(), ExternalPollID: "ext-1", Status: poll.LinkActive, TotalVotes: 5, OptionVotes: map[int]int{0: 5}},
		{ID: uuid.New(), PollID: pollID, ChannelID: uuid.New(), Status: poll.LinkFailed, LastError: "token refresh failed"},
	}

	server := newTestServer(reader)
	defer server.Close()

	resp, err := http.Get(server.URL + "/polls/" + pollID.String() + "/links")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Links []linkView `json:"links"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if len(body.Links) != 2 {
		t.Fatalf("expected 2 links, got %d", len(body.Links))
	}
	if body.Links[0].Transport != "api" || body.Links[1].Transport != "chat" {
		t.Errorf("unexpected transports: %+v", body.Links)
	}
	if body.Links[1].LastError == "" {
		t.Error("expected last error surfaced for the failed link")
	}
}

func TestCorrelateCarriesRequestContext(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "api.log")
	if err := logging.Init(&logging.Config{Level: "debug", Format: "json", Output: logFile}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	handler := middleware.RequestID(correlate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logging.WithContext(r.Context()).Info("handled")
		w.WriteHeader(http.StatusNoContent)
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/polls", nil))

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}
	if entry["component"] != "api" {
		t.Errorf("expected component=api, got %v", entry["component"])
	}
	if id, _ := entry["correlation_id"].(string); id == "" {
		t.Error("expected a correlation_id attribute")
	}
}
