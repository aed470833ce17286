// Package api exposes a read-only HTTP surface over poll state.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/alekspetrov/pollcast/internal/logging"
	"github.com/alekspetrov/pollcast/internal/poll"
)

// PollReader is the read surface the server needs. *poll.Store satisfies it.
type PollReader interface {
	GetInstance(ctx context.Context, id uuid.UUID) (*poll.Instance, error)
	GetAggregate(ctx context.Context, pollID uuid.UUID) (*poll.Aggregate, error)
	ListLinks(ctx context.Context, pollID uuid.UUID) ([]*poll.Link, error)
}

// Server handles HTTP requests
type Server struct {
	polls PollReader
}

// NewServer creates a new API server
func NewServer(polls PollReader) *Server {
	return &Server{polls: polls}
}

// Router returns the HTTP router
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(correlate)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.healthCheck)

	r.Route("/polls/{pollID}", func(r chi.Router) {
		r.Get("/", s.getPoll)
		r.Get("/links", s.listLinks)
	})

	return r
}

// correlate carries the request ID through the logging context so every
// handler log line can be traced back to its request.
func correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.ContextWithComponent(r.Context(), "api")
		if reqID := middleware.GetReqID(ctx); reqID != "" {
			ctx = logging.ContextWithCorrelationID(ctx, reqID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type pollResponse struct {
	ID              uuid.UUID      `json:"id"`
	Title           string         `json:"title"`
	Options         []string       `json:"options"`
	DurationSeconds int            `json:"duration_seconds"`
	Mode            poll.VoteMode  `json:"mode"`
	Status          poll.Status    `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	Aggregate       *aggregateView `json:"aggregate,omitempty"`
}

type aggregateView struct {
	OptionTotals      map[int]int `json:"option_totals"`
	Total             int         `json:"total"`
	ChannelsReporting int         `json:"channels_reporting"`
	ChannelsFailed    int         `json:"channels_failed"`
	NonDurable        bool        `json:"non_durable"`
	FrozenAt          *time.Time  `json:"frozen_at,omitempty"`
}

func (s *Server) getPoll(w http.ResponseWriter, r *http.Request) {
	pollID, err := uuid.Parse(chi.URLParam(r, "pollID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid poll id")
		return
	}

	ctx := logging.ContextWithPollID(r.Context(), pollID.String())

	instance, err := s.polls.GetInstance(ctx, pollID)
	if err != nil {
		if errors.Is(err, poll.ErrNotFound) {
			writeError(w, http.StatusNotFound, "poll not found")
			return
		}
		logging.WithContext(ctx).Error("Failed to load poll", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to load poll")
		return
	}

	resp := pollResponse{
		ID:              instance.ID,
		Title:           instance.Title,
		Options:         instance.Options,
		DurationSeconds: instance.DurationSeconds,
		Mode:            instance.Mode,
		Status:          instance.Status,
		CreatedAt:       instance.CreatedAt,
	}

	if agg, err := s.polls.GetAggregate(ctx, pollID); err == nil {
		resp.Aggregate = &aggregateView{
			OptionTotals:      agg.OptionTotals,
			Total:             agg.Total,
			ChannelsReporting: agg.ChannelsReporting,
			ChannelsFailed:    agg.ChannelsFailed,
			NonDurable:        agg.NonDurable,
			FrozenAt:          agg.FrozenAt,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type linkView struct {
	ID             uuid.UUID       `json:"id"`
	ChannelID      uuid.UUID       `json:"channel_id"`
	Transport      string          `json:"transport"`
	ExternalPollID string          `json:"external_poll_id,omitempty"`
	Status         poll.LinkStatus `json:"status"`
	TotalVotes     int             `json:"total_votes"`
	OptionVotes    map[int]int     `json:"option_votes"`
	LastError      string          `json:"last_error,omitempty"`
}

func (s *Server) listLinks(w http.ResponseWriter, r *http.Request) {
	pollID, err := uuid.Parse(chi.URLParam(r, "pollID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid poll id")
		return
	}

	ctx := logging.ContextWithPollID(r.Context(), pollID.String())

	links, err := s.polls.ListLinks(ctx, pollID)
	if err != nil {
		logging.WithContext(ctx).Error("Failed to load links", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to load links")
		return
	}

	views := make([]linkView, 0, len(links))
	for _, link := range links {
		transport := "chat"
		if link.UsesAPI() {
			transport = "api"
		}
		views = append(views, linkView{
			ID:             link.ID,
			ChannelID:      link.ChannelID,
			Transport:      transport,
			ExternalPollID: link.ExternalPollID,
			Status:         link.Status,
			TotalVotes:     link.TotalVotes,
			OptionVotes:    link.OptionVotes,
			LastError:      link.LastError,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"links": views})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
