package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Amicidal/sigmachad-sub017/pkg/checkpoint"
	"github.com/Amicidal/sigmachad-sub017/pkg/config"
	"github.com/Amicidal/sigmachad-sub017/pkg/events"
	"github.com/Amicidal/sigmachad-sub017/pkg/graph"
	"github.com/Amicidal/sigmachad-sub017/pkg/health"
	"github.com/Amicidal/sigmachad-sub017/pkg/log"
	"github.com/Amicidal/sigmachad-sub017/pkg/metrics"
	"github.com/Amicidal/sigmachad-sub017/pkg/pipeline"
	"github.com/Amicidal/sigmachad-sub017/pkg/rollback"
	"github.com/Amicidal/sigmachad-sub017/pkg/session"
)

// rollbackSweepInterval is how often expired rollback points are purged
const rollbackSweepInterval = 5 * time.Minute

// maintenanceInterval is how often dead sessions are reaped
const maintenanceInterval = time.Minute

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ingestion daemon",
	Long: `Run the ingestion daemon: pipeline, session manager, checkpoint
runner, and rollback sweeper. Configuration comes from an optional YAML
file layered under SIGMACHAD_* environment variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return runDaemon(cfg)
	},
}

func init() {
	runCmd.Flags().StringP("config", "c", "", "path to YAML config file")
}

func runDaemon(cfg *config.Config) error {
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	metrics.SetVersion(Version)
	logger := log.WithComponent("daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	// The graph service is external to this subsystem. Until a backend is
	// attached the daemon runs against the in-process implementation.
	svc := graph.NewMemoryService()
	adapter := graph.NewWriteAdapter(svc, graph.AdapterOptions{
		BatchSize:     cfg.Batch.Streaming.BatchSize,
		MaxConcurrent: cfg.Batch.Streaming.MaxConcurrentWrites,
		EnableCache:   true,
	})
	defer adapter.Close()

	// Session store: Redis when reachable, in-memory otherwise.
	var store session.Store
	if cfg.Stores.RedisAddr != "" {
		redisStore, err := session.NewRedisStore(cfg.Stores.RedisAddr, cfg.Sessions)
		if err != nil {
			logger.Warn().
				Err(err).
				Str("addr", cfg.Stores.RedisAddr).
				Msg("redis unavailable, falling back to in-memory session store")
		} else {
			store = redisStore
		}
	}
	if store == nil {
		store = session.NewMemoryStore(cfg.Sessions)
	}

	// Checkpoint job runner over SQLite persistence.
	jobStore, err := checkpoint.NewSQLiteJobStore(cfg.Stores.JobDBPath)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	if err := jobStore.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize job store: %w", err)
	}
	runner := checkpoint.NewRunner(cfg.Checkpoint, svc, jobStore, broker)
	restored, err := runner.Hydrate(ctx)
	if err != nil {
		return fmt.Errorf("failed to hydrate checkpoint jobs: %w", err)
	}
	if restored > 0 {
		logger.Info().Int("restored", restored).Msg("checkpoint jobs rehydrated")
	}
	runner.Start()

	mgr := session.NewManager(store, cfg.Sessions, runner)

	// Rollback manager, persistent when configured.
	var pointStore rollback.PointStore
	if cfg.Rollback.EnablePersistence {
		boltStore, err := rollback.NewBoltPointStore(cfg.Stores.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open rollback store: %w", err)
		}
		pointStore = boltStore
	}
	rollbackMgr := rollback.NewManager(cfg.Rollback, svc, nil, pointStore, broker)
	rollbackMgr.StartSweeper(rollbackSweepInterval)

	pipe := pipeline.New(cfg, adapter, broker, nil)
	if err := pipe.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	var watcher *pipeline.Watcher
	if cfg.Stores.WatchDir != "" {
		watcher, err = pipeline.NewWatcher(cfg.Stores.WatchDir, pipe)
		if err != nil {
			return fmt.Errorf("failed to create file watcher: %w", err)
		}
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("failed to start file watcher: %w", err)
		}
	}

	// Critical dependencies gate readiness; the monitor keeps them fresh.
	metrics.RegisterCritical("graph", true, "")
	metrics.RegisterCritical("session_store", true, "")
	metrics.RegisterCritical("job_store", true, "")
	checkers := []health.Checker{
		health.NewGraphChecker(svc),
		health.NewSessionStoreChecker(store),
		health.NewJobStoreChecker(jobStore),
	}
	if cfg.Stores.RedisAddr != "" {
		checkers = append(checkers, health.NewTCPChecker("redis", cfg.Stores.RedisAddr))
	}
	monitor := health.NewMonitor(health.DefaultConfig(), checkers...)
	monitor.Start()

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: newServeMux()}
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http endpoints listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	// Periodic session maintenance.
	maintenanceStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(maintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-maintenanceStop:
				return
			case <-ticker.C:
				if removed, err := mgr.PerformMaintenance(ctx); err != nil {
					logger.Warn().Err(err).Msg("session maintenance failed")
				} else if removed > 0 {
					logger.Info().Int("removed", removed).Msg("dead sessions reaped")
				}
			}
		}
	}()

	logger.Info().Str("version", Version).Msg("sigmachad daemon running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	// Drain within the shutdown budget: stop intake first, then the
	// processors, then the stores.
	close(maintenanceStop)
	monitor.Stop()
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Warn().Err(err).Msg("watcher stop failed")
		}
	}
	if err := pipe.Stop(cfg.Shutdown); err != nil {
		logger.Warn().Err(err).Msg("pipeline drain incomplete")
	}
	if err := runner.Stop(cfg.Shutdown); err != nil {
		logger.Warn().Err(err).Msg("checkpoint runner drain incomplete")
	}
	if err := rollbackMgr.Stop(); err != nil {
		logger.Warn().Err(err).Msg("rollback manager stop failed")
	}
	if err := mgr.Close(); err != nil {
		logger.Warn().Err(err).Msg("session manager close failed")
	}
	if err := jobStore.Close(); err != nil {
		logger.Warn().Err(err).Msg("job store close failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Shutdown)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown failed")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

func newServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())
	mux.HandleFunc("/livez", metrics.LivenessHandler())
	return mux
}
