package credentials

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/alekspetrov/pollcast/internal/logging"
)

// SchedulerConfig controls the periodic refresh cycle.
type SchedulerConfig struct {
	// RefreshSchedule is a cron expression for the full refresh cycle.
	RefreshSchedule string `yaml:"refresh_schedule"`
	// RetrySchedule is a cron expression for the failure-retry scan.
	RetrySchedule string `yaml:"retry_schedule"`
	// BatchSize bounds how many channels one cycle refreshes.
	BatchSize int `yaml:"batch_size"`
}

// DefaultSchedulerConfig returns the default refresh cadence.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		RefreshSchedule: "@every 30m",
		RetrySchedule:   "@every 15m",
		BatchSize:       100,
	}
}

// Scheduler runs the credential refresh cycle and failure-retry scan on a
// cron cadence.
type Scheduler struct {
	manager *Manager
	config  *SchedulerConfig
	cron    *cron.Cron
	mu      sync.Mutex
	running bool
	log     *slog.Logger
}

// NewScheduler creates a refresh scheduler.
func NewScheduler(manager *Manager, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}

	return &Scheduler{
		manager: manager,
		config:  config,
		cron:    cron.New(),
		log:     logging.WithComponent("credentials.scheduler"),
	}
}

// Start begins the scheduled cycles.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if _, err := s.cron.AddFunc(s.config.RefreshSchedule, func() {
		s.RunRefreshCycle(ctx)
	}); err != nil {
		return err
	}

	if _, err := s.cron.AddFunc(s.config.RetrySchedule, func() {
		s.RunRetryScan(ctx)
	}); err != nil {
		return err
	}

	s.cron.Start()
	s.running = true

	s.log.Info("Credential scheduler started",
		slog.String("refresh_schedule", s.config.RefreshSchedule),
		slog.String("retry_schedule", s.config.RetrySchedule),
	)
	return nil
}

// Stop halts the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	<-s.cron.Stop().Done()
	s.running = false
	s.log.Info("Credential scheduler stopped")
}

// RunRefreshCycle refreshes every channel whose token is expiring soon, up
// to the configured batch size. Deactivation decisions happen inside the
// manager; the cycle only logs outcomes.
func (s *Scheduler) RunRefreshCycle(ctx context.Context) {
	creds, err := s.manager.ChannelsNeedingRefresh(ctx)
	if err != nil {
		s.log.Error("Refresh scan failed", slog.Any("error", err))
		return
	}

	if len(creds) > s.config.BatchSize {
		creds = creds[:s.config.BatchSize]
	}

	refreshed, failed := 0, 0
	for _, cred := range creds {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.manager.EnsureValidToken(ctx, cred.ChannelID); err != nil {
			failed++
			if !errors.Is(err, ErrRefreshFailed) && !errors.Is(err, ErrChannelInactive) {
				s.log.Error("Unexpected refresh error",
					slog.String("channel_id", cred.ChannelID.String()),
					slog.Any("error", err),
				)
			}
			continue
		}
		refreshed++
	}

	s.log.Info("Refresh cycle complete",
		slog.Int("scanned", len(creds)),
		slog.Int("refreshed", refreshed),
		slog.Int("failed", failed),
	)
}

// RunRetryScan retries channels with a recent refresh failure that has aged
// past the minimum retry delay.
func (s *Scheduler) RunRetryScan(ctx context.Context) {
	creds, err := s.manager.ChannelsNeedingRetryAfterFailure(ctx)
	if err != nil {
		s.log.Error("Retry scan failed", slog.Any("error", err))
		return
	}

	for _, cred := range creds {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.manager.EnsureValidToken(ctx, cred.ChannelID); err != nil {
			s.log.Warn("Retry refresh failed",
				slog.String("channel_id", cred.ChannelID.String()),
				slog.String("login", cred.Login),
			)
		}
	}

	if len(creds) > 0 {
		s.log.Info("Retry scan complete", slog.Int("retried", len(creds)))
	}
}
