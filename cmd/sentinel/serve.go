package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/sentinel/internal/alerting"
	"github.com/opensource-finance/sentinel/internal/api"
	"github.com/opensource-finance/sentinel/internal/bus"
	"github.com/opensource-finance/sentinel/internal/cache"
	"github.com/opensource-finance/sentinel/internal/config"
	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/logging"
	"github.com/opensource-finance/sentinel/internal/metrics"
	"github.com/opensource-finance/sentinel/internal/ml"
	"github.com/opensource-finance/sentinel/internal/pipeline"
	"github.com/opensource-finance/sentinel/internal/repository"
	"github.com/opensource-finance/sentinel/internal/rules"
	"github.com/opensource-finance/sentinel/internal/scoring"
	"github.com/opensource-finance/sentinel/internal/velocity"
	"github.com/opensource-finance/sentinel/internal/worker"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scoring HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.SetDefault(logging.New(cfg.Logging.Level, cfg.Logging.Format))
	slog.Info("starting sentinel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"ml_enabled", cfg.Scoring.MLEnabled,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Repository
	var repo *repository.SQLRepository
	var repoIface domain.Repository
	if cfg.Repository.Driver != "none" {
		repo, err = repository.New(cfg.Repository)
		if err != nil {
			return fmt.Errorf("failed to initialize repository: %w", err)
		}
		defer repo.Close()
		repoIface = repo
		slog.Info("repository initialized", "driver", cfg.Repository.Driver)
	}

	// Cache
	var cacheImpl domain.Cache
	if cfg.Cache.Type != "none" {
		cacheImpl, err = cache.New(cfg.Cache)
		if err != nil {
			return fmt.Errorf("failed to initialize cache: %w", err)
		}
		defer cacheImpl.Close()
		slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)
	}

	// Event bus
	var busImpl domain.EventBus
	if cfg.EventBus.Type != "none" {
		busImpl, err = bus.New(cfg.EventBus)
		if err != nil {
			return fmt.Errorf("failed to initialize event bus: %w", err)
		}
		defer busImpl.Close()
		slog.Info("event bus initialized", "type", cfg.EventBus.Type)
	}

	// Rule engine
	engine, err := rules.NewEngine(cfg.Scoring.MaxWorkers)
	if err != nil {
		return fmt.Errorf("failed to initialize rule engine: %w", err)
	}
	defer engine.Close()

	if err := loadRules(ctx, repoIface, engine); err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	metrics.ActiveRules.Set(float64(engine.RulesCount()))
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	// Velocity tracker, warmed from stored history. Only the last window
	// counts toward velocity; older transactions rebuild amount baselines.
	tracker := velocity.NewTracker(velocity.ConfigFromScoring(cfg.Scoring))
	if repoIface != nil {
		now := time.Now().UTC()
		history, err := repoIface.ListTransactionsSince(ctx, now.Add(-cfg.Scoring.BaselineLookback()))
		if err != nil {
			slog.Warn("velocity warm start skipped", "error", err)
		} else {
			replayed := tracker.Warm(history, now.Add(-cfg.Scoring.Window()))
			slog.Info("velocity tracker warmed", "transactions", replayed, "senders", tracker.Len())
		}
	}
	go tracker.Run(ctx, time.Minute)

	// Scorer
	bridge := ml.NewBridge(cfg.Scoring)
	scorer, err := scoring.NewScorer(cfg.Scoring, engine, tracker, bridge)
	if err != nil {
		return fmt.Errorf("failed to initialize scorer: %w", err)
	}
	slog.Info("scorer initialized",
		"ml_active", scorer.MLActive(),
		"high_threshold", cfg.Scoring.HighThreshold,
		"critical_threshold", cfg.Scoring.CriticalThreshold,
	)

	dispatcher := alerting.NewDispatcher(cfg.Alerting, busImpl)

	pipe := pipeline.New(scorer, engine, pipeline.Options{
		Repository: repoIface,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Alerts:     dispatcher,
		DedupTTL:   cfg.Cache.DedupTTL,
	})

	// Async worker
	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled && busImpl != nil {
		asyncWorker = worker.NewWorker(busImpl, pipe)
		if err := asyncWorker.Start(); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		} else {
			slog.Info("async worker started", "topic", domain.TopicTransactionIngested)
		}
	}

	if repo != nil {
		go metrics.StartDBStatsCollector(ctx, repo.DB(), 15*time.Second)
	}

	srv := api.NewServer(cfg.Server, repoIface, cacheImpl, busImpl, engine, scorer, pipe, Version)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	slog.Info("sentinel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version, scorer.MLActive())

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-serverErr:
		slog.Error("server failed", "error", err)
		cancel()
	}

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
		stats := asyncWorker.GetStats()
		slog.Info("async worker stopped",
			"processed", stats.Processed,
			"duplicates", stats.Duplicates,
			"failed", stats.Failed,
		)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	dispatcher.Wait()

	slog.Info("sentinel shutdown complete")
	return nil
}

// loadRules loads active rules from the repository into the engine. An
// empty rules table is seeded with the default rule set first. Without a
// repository the defaults are loaded directly.
func loadRules(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	if repo == nil {
		slog.Info("no repository configured, loading default rules")
		return engine.ReloadRules(rules.DefaultRules())
	}

	stored, err := repo.ListRules(ctx)
	if err != nil {
		return err
	}
	if len(stored) == 0 {
		defaults := rules.DefaultRules()
		for _, rule := range defaults {
			if err := repo.SaveRule(ctx, rule); err != nil {
				return fmt.Errorf("failed to seed rule %s: %w", rule.ID, err)
			}
		}
		slog.Info("seeded default rules", "count", len(defaults))
	}

	active, err := repo.ActiveRules(ctx)
	if err != nil {
		return err
	}
	return engine.ReloadRules(active)
}

func printBanner(cfg *domain.Config, version string, mlActive bool) {
	mode := "rules"
	if mlActive {
		mode = "ml"
	}

	w := os.Stdout
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  SENTINEL  transaction risk scoring")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Version:  %s\n", version)
	fmt.Fprintf(w, "  Tier:     %s\n", cfg.Tier)
	fmt.Fprintf(w, "  Mode:     %s\n", mode)
	fmt.Fprintf(w, "  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Endpoints:")
	fmt.Fprintln(w, "    POST   /transactions       - Score a transaction (?async=true to queue)")
	fmt.Fprintln(w, "    GET    /transactions/{id}  - Transaction with score and audit trail")
	fmt.Fprintln(w, "    GET    /scores/{txId}      - Score result")
	fmt.Fprintln(w, "    GET    /rules              - List rules")
	fmt.Fprintln(w, "    POST   /rules              - Create a rule")
	fmt.Fprintln(w, "    PUT    /rules/{id}         - Update a rule")
	fmt.Fprintln(w, "    DELETE /rules/{id}         - Deactivate a rule")
	fmt.Fprintln(w, "    POST   /rules/reload       - Hot-reload rules from database")
	fmt.Fprintln(w, "    GET    /alerts             - List alerts")
	fmt.Fprintln(w, "    PATCH  /alerts/{id}        - Update alert status")
	fmt.Fprintln(w, "    GET    /health, /metrics   - Health and Prometheus metrics")
	fmt.Fprintln(w)
}
