package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/alekspetrov/pollcast/internal/adapters/chat"
	"github.com/alekspetrov/pollcast/internal/adapters/twitch"
	"github.com/alekspetrov/pollcast/internal/api"
	"github.com/alekspetrov/pollcast/internal/config"
	"github.com/alekspetrov/pollcast/internal/credentials"
	"github.com/alekspetrov/pollcast/internal/logging"
	"github.com/alekspetrov/pollcast/internal/orchestrator"
	"github.com/alekspetrov/pollcast/internal/poll"
	"github.com/alekspetrov/pollcast/internal/resilience"
)

// runtime holds every wired component for the daemon and the one-shot
// operator commands.
type runtime struct {
	cfg   *config.Config
	pool  *pgxpool.Pool
	redis *redis.Client

	polls     *poll.Store
	manager   *credentials.Manager
	scheduler *credentials.Scheduler
	registry  *chat.Registry
	tally     *chat.TallyStore

	dispatcher *orchestrator.Dispatcher
	aggregator *orchestrator.Aggregator
	terminator *orchestrator.Terminator
	runner     *orchestrator.Runner

	apiServer *api.Server
}

// buildRuntime connects to the backing stores and wires the orchestration
// components. Call close when done.
func buildRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logCfg := &logging.Config{Output: "stdout"}
	if cfg.Logging != nil {
		logCfg.Level = cfg.Logging.Level
		logCfg.Format = cfg.Logging.Format
		logCfg.Output = loggingOutput(cfg)
		if cfg.Logging.MaxSize != "" {
			logCfg.Rotation = &logging.RotationConfig{MaxSize: cfg.Logging.MaxSize}
		}
	}
	if err := logging.Init(logCfg); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)

	client := twitch.NewClientWithBaseURLs(cfg.Twitch.HelixURL, cfg.Twitch.AuthURL, cfg.Twitch.ClientID, cfg.Twitch.ClientSecret)

	credStore := credentials.NewStore(pool)
	if err := credStore.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	manager := credentials.NewManager(credStore, client)
	scheduler := credentials.NewScheduler(manager, &credentials.SchedulerConfig{
		RefreshSchedule: cfg.Credentials.RefreshSchedule,
		RetrySchedule:   cfg.Credentials.RetrySchedule,
		BatchSize:       cfg.Credentials.BatchSize,
	})

	executor := resilience.NewExecutor()
	driver := twitch.NewPollDriver(client, manager, executor, cfg.Policy())

	tally := chat.NewTallyStore(redisClient)
	registry := chat.NewRegistry(tally, chat.WithRegistryServerURL(cfg.Chat.ServerURL))
	fanout := orchestrator.NewChatFanout(registry, tally)

	polls := poll.NewStore(pool)
	if err := polls.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	dispatcher := orchestrator.NewDispatcher(polls, manager, driver, fanout,
		orchestrator.WithBatchSize(cfg.Dispatch.BatchSize))
	aggregator := orchestrator.NewAggregator(polls, manager, driver, fanout,
		orchestrator.WithFailureThreshold(cfg.Aggregation.FailureThreshold))
	terminator := orchestrator.NewTerminator(polls, manager, driver, fanout, aggregator)
	var runnerOpts []orchestrator.RunnerOption
	if cfg.Aggregation != nil {
		runnerOpts = append(runnerOpts, orchestrator.WithTickInterval(cfg.Aggregation.Interval()))
	}
	runner := orchestrator.NewRunner(polls, manager, dispatcher, aggregator, terminator, runnerOpts...)

	return &runtime{
		cfg:        cfg,
		pool:       pool,
		redis:      redisClient,
		polls:      polls,
		manager:    manager,
		scheduler:  scheduler,
		registry:   registry,
		tally:      tally,
		dispatcher: dispatcher,
		aggregator: aggregator,
		terminator: terminator,
		runner:     runner,
		apiServer:  api.NewServer(polls),
	}, nil
}

func (r *runtime) close() {
	r.registry.CloseAll()
	_ = r.redis.Close()
	r.pool.Close()
}

func loggingOutput(cfg *config.Config) string {
	if cfg.Logging != nil && cfg.Logging.File != "" {
		return cfg.Logging.File
	}
	return "stdout"
}
