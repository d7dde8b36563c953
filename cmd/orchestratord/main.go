// Command orchestratord wires together the event store, projections,
// event bus, idempotency cache, replay engine, timer scheduler,
// reconciler, workflow engine, checkpoint storage, and handler registry
// into one running process: parse flags, load config, construct
// components, run a startup pass, then loop until a termination signal.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/oya-run/orchestrator/internal/api"
	"github.com/oya-run/orchestrator/internal/bus"
	"github.com/oya-run/orchestrator/internal/checkpoint"
	"github.com/oya-run/orchestrator/internal/config"
	"github.com/oya-run/orchestrator/internal/eventlog"
	"github.com/oya-run/orchestrator/internal/handler"
	"github.com/oya-run/orchestrator/internal/idempotency"
	"github.com/oya-run/orchestrator/internal/metrics"
	"github.com/oya-run/orchestrator/internal/projection"
	"github.com/oya-run/orchestrator/internal/reconciler"
	"github.com/oya-run/orchestrator/internal/replay"
	"github.com/oya-run/orchestrator/internal/timer"
	"github.com/oya-run/orchestrator/internal/workfloweng"

	_ "modernc.org/sqlite"
)

func configureLogger(level, format string) *slog.Logger {
	lv := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: lv}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func main() {
	configPath := flag.String("config", "orchestrator.toml", "path to config file")
	once := flag.Bool("once", false, "run a single reconciler tick then exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// No config file is a common first run; fall back to defaults rather
		// than refusing to start.
		defaults := config.Defaults()
		cfg = &defaults
	}

	logger := configureLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	logger.Info("orchestrator starting", "config", *configPath, "store", cfg.Store.Path)

	eventStore, err := eventlog.Open(cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open event store", "error", err)
		os.Exit(1)
	}
	defer eventStore.Close()

	// Timers and checkpoints share the event store's own connection rather
	// than opening a second *sql.DB against the same file, which would
	// contend with the store's single-writer model under write load.
	db := eventStore.DB()

	timerStore, err := timer.NewSQLStore(db)
	if err != nil {
		logger.Error("failed to initialize timer store", "error", err)
		os.Exit(1)
	}
	checkpointStore, err := checkpoint.NewStore(db, cfg.Checkpoint.CompressionLevel)
	if err != nil {
		logger.Error("failed to initialize checkpoint store", "error", err)
		os.Exit(1)
	}

	metricsReg := metrics.New()

	eventBus := bus.New(eventStore, logger.With("component", "bus"))
	actualState := projection.NewActualState()
	eventBus.Subscribe(actualState.Apply)

	idCache := idempotency.NewCache(1000)
	_ = idCache

	replayEngine := replay.New(eventStore, replay.Policy{
		MaxRetries: cfg.Replay.MaxRetries, BaseBackoff: cfg.Replay.BaseBackoff.Duration,
		MaxBackoff: cfg.Replay.MaxBackoff.Duration, EnableDLQ: cfg.Replay.EnableDLQ,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("replaying event log to rebuild state")
	replayed := 0
	countingApply := func(ctx context.Context, ev eventlog.Event) error {
		if err := actualState.Apply(ctx, ev); err != nil {
			return err
		}
		replayed++
		return nil
	}
	if err := replayEngine.ReplayAll(ctx, countingApply, replay.Sink{}); err != nil {
		logger.Error("replay failed", "error", err)
		os.Exit(1)
	}
	metricsReg.RecordReplay(replayed, 0)

	if cfg.HTTP.Enabled {
		apiServer := api.New(metricsReg, logger.With("component", "api"))
		go func() {
			if err := apiServer.Start(ctx, cfg.HTTP.Addr); err != nil {
				logger.Error("http server exited", "error", err)
			}
		}()
	}

	timerSched := timer.New(timerStore, timer.Config{
		MaxInMemory: cfg.Timers.MaxInMemory, Lookahead: cfg.Timers.Lookahead.Duration, TickInterval: cfg.Timers.TickInterval.Duration,
	})
	if _, err := timerSched.LoadPending(ctx); err != nil {
		logger.Error("failed to load pending timers", "error", err)
		os.Exit(1)
	}

	registry := handler.NewRegistry()
	workflowEngine := workfloweng.New(registry, checkpointStore, logger.With("component", "workflow"))
	_ = workflowEngine

	rec := reconciler.New(reconciler.Config{
		MaxConcurrent: cfg.Reconciler.MaxConcurrent, AutoStart: cfg.Reconciler.AutoStart,
		AutoRetry: cfg.Reconciler.AutoRetry, MaxRetries: cfg.Reconciler.MaxRetries,
		DetectDeadWorkers: cfg.Reconciler.DetectDeadWorkers, DeadWorkerThreshold: cfg.Reconciler.DeadWorkerThreshold.Duration,
		DetectStuckBeads: cfg.Reconciler.DetectStuckBeads, StuckBeadThreshold: cfg.Reconciler.StuckBeadThreshold.Duration,
		PublishRate: cfg.Reconciler.PublishRate, PublishBurst: cfg.Reconciler.PublishBurst,
	}, reconciler.NewEventExecutor(func(ctx context.Context, ev eventlog.Event) error {
		_, err := eventBus.Publish(ctx, ev)
		return err
	}, cfg.Reconciler.PublishRate, cfg.Reconciler.PublishBurst))

	var lastSubscriberFailures int64
	runTick := func() {
		desired := reconciler.DesiredState{} // populated externally as beads are created; empty here since orchestratord owns only the control loop
		snapshot := actualState.Snapshot()
		result := rec.Tick(ctx, desired, snapshot)
		metricsReg.RecordTick(len(result.ActionsTaken), len(result.ActionsFailed), result.Converged)
		metricsReg.SetTimersPending(timerSched.Pending())
		if failures := eventBus.SubscriberFailures(); failures > lastSubscriberFailures {
			for i := lastSubscriberFailures; i < failures; i++ {
				metricsReg.RecordSubscriberFailure()
			}
			lastSubscriberFailures = failures
		}
		logger.Debug("reconciler tick", "actions_taken", len(result.ActionsTaken), "actions_failed", len(result.ActionsFailed), "converged", result.Converged)
	}

	if *once {
		runTick()
		logger.Info("single tick complete, exiting")
		return
	}

	go func() {
		ticker := time.NewTicker(cfg.Reconciler.TickInterval.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runTick()
			}
		}
	}()

	go func() {
		for {
			next, ok := timerSched.PeekNext()
			var wait time.Duration
			if !ok {
				wait = cfg.Timers.TickInterval.Duration
			} else if d := time.Until(next); d > 0 {
				wait = d
			} else {
				wait = 0
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			due := timerSched.PollDue(0)
			for _, t := range due {
				logger.Debug("timer fired", "timer_id", t.ID.String())
				metricsReg.RecordTimerFired()
				if err := timerSched.Acknowledge(ctx, t.ID); err != nil {
					logger.Warn("failed to acknowledge timer", "timer_id", t.ID.String(), "error", err)
				}
			}
		}
	}()

	logger.Info("orchestrator running", "tick_interval", cfg.Reconciler.TickInterval.Duration.String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()
}
