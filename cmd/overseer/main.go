package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/api"
	"github.com/nidhogg/overseer/internal/artifact"
	"github.com/nidhogg/overseer/internal/broker"
	"github.com/nidhogg/overseer/internal/config"
	"github.com/nidhogg/overseer/internal/event"
	"github.com/nidhogg/overseer/internal/eventlog"
	"github.com/nidhogg/overseer/internal/executor"
	"github.com/nidhogg/overseer/internal/lease"
	"github.com/nidhogg/overseer/internal/notify"
	"github.com/nidhogg/overseer/internal/policy"
	"github.com/nidhogg/overseer/internal/projection"
	"github.com/nidhogg/overseer/internal/replay"
	"github.com/nidhogg/overseer/internal/runner"
	"github.com/nidhogg/overseer/internal/scheduler"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Overseer...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/overseer.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	// Event bus and durable log
	bus := event.NewBus(logger)
	log, err := eventlog.New(cfg.Data.Dir, bus, logger)
	if err != nil {
		logger.Fatal("failed to open event log", zap.Error(err))
	}
	defer log.Close()

	// Compact closed-day partitions left from previous runs.
	if err := log.CompactBefore(time.Now()); err != nil {
		logger.Warn("event log compaction failed", zap.Error(err))
	}

	// Artifact store
	artifacts, err := artifact.NewStore(cfg.Data.Dir)
	if err != nil {
		logger.Fatal("failed to open artifact store", zap.Error(err))
	}

	// Projection store: Postgres when configured, in-memory otherwise
	var store projection.Store = projection.NewMemoryStore()
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := projection.NewPostgresStore(rootCtx, cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, using in-memory projection", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(rootCtx, "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			store = ps
			defer ps.Close()
		}
	}

	// Leadership: Redis lease when configured, static leader otherwise
	var leader lease.Leadership = lease.Static{Leader: true}
	if cfg.Database.Redis.URL != "" {
		opts, rErr := redis.ParseURL(cfg.Database.Redis.URL)
		if rErr != nil {
			logger.Fatal("invalid redis url", zap.Error(rErr))
		}
		client := redis.NewClient(opts)
		ttl := time.Duration(cfg.Scheduler.LeaseTTLSecs) * time.Second
		rl := lease.NewRedisLease(client, "overseer:scheduler:lease", ttl, logger)
		go rl.Run(rootCtx)
		leader = rl
		defer client.Close()
	}

	// Execution stack
	approvals := policy.NewApprovals(logger)
	capBroker := broker.NewHTTPBroker(broker.Config{
		Endpoint: cfg.Broker.Endpoint,
		APIKey:   cfg.Broker.APIKey,
		Timeout:  time.Duration(cfg.Broker.TimeoutSecs) * time.Second,
	}, logger)
	scripts := runner.NewScriptRunner(cfg.Data.ScriptsDir, logger)
	exec := executor.New(log, artifacts, capBroker, scripts, policy.AllowAll{}, approvals, logger)

	sched := scheduler.New(scheduler.Config{
		Workers:  cfg.Scheduler.Workers,
		FailFast: cfg.Scheduler.FailFast,
	}, log, exec, store, leader, logger)

	// Repair and resume runs interrupted by the previous process.
	recoverFn := func(ctx context.Context, runID string) (*replay.State, error) {
		return replay.Recover(ctx, log, artifacts, runID, logger)
	}
	if err := sched.RecoverAll(rootCtx, recoverFn); err != nil {
		logger.Fatal("recovery failed", zap.Error(err))
	}

	// Notifications
	var sinks []notify.Sink
	if cfg.Notify.Slack.Enabled && cfg.Notify.Slack.BotToken != "" {
		sinks = append(sinks, notify.NewSlackSink(cfg.Notify.Slack.BotToken, cfg.Notify.Slack.Channel))
	}
	if cfg.Notify.Discord.Enabled && cfg.Notify.Discord.BotToken != "" {
		ds, dErr := notify.NewDiscordSink(cfg.Notify.Discord.BotToken, cfg.Notify.Discord.Channel)
		if dErr != nil {
			logger.Warn("discord sink unavailable", zap.Error(dErr))
		} else {
			sinks = append(sinks, ds)
		}
	}
	if len(sinks) > 0 {
		events, unsubscribe := bus.Subscribe(256)
		defer unsubscribe()
		hub := notify.NewHub(logger, sinks...)
		go hub.Run(rootCtx, events)
		logger.Info("Notifications enabled", zap.Int("sinks", len(sinks)))
	}

	// Build HTTP handler
	handler := api.NewHandler(sched, store, log, artifacts, approvals, leader, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Overseer listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Overseer...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	stop()
	sched.Shutdown()
	bus.Close()
}
