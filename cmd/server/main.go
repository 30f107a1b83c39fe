package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3" // CGO SQLite driver for history.db
	"github.com/rs/zerolog"

	"github.com/aristath/arena/internal/clients/alpaca"
	"github.com/aristath/arena/internal/clients/alphavantage"
	"github.com/aristath/arena/internal/clients/fmp"
	"github.com/aristath/arena/internal/clients/llm"
	"github.com/aristath/arena/internal/clients/websearch"
	"github.com/aristath/arena/internal/config"
	"github.com/aristath/arena/internal/database"
	"github.com/aristath/arena/internal/events"
	"github.com/aristath/arena/internal/modules/arena"
	"github.com/aristath/arena/internal/modules/counterfactual"
	"github.com/aristath/arena/internal/modules/decisions"
	"github.com/aristath/arena/internal/modules/execution"
	"github.com/aristath/arena/internal/modules/harness"
	"github.com/aristath/arena/internal/modules/market"
	"github.com/aristath/arena/internal/modules/memory"
	"github.com/aristath/arena/internal/modules/prompts"
	"github.com/aristath/arena/internal/modules/scores"
	"github.com/aristath/arena/internal/reliability"
	"github.com/aristath/arena/internal/scheduler"
	"github.com/aristath/arena/internal/server"
	"github.com/aristath/arena/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting arena")

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Fatal error")
	}

	log.Info().Msg("Stopped")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Databases. The ledger is the append-only record of harnesses,
	// model responses, decisions, executions, and counterfactuals; app.db
	// holds mutable settings; history.db holds daily bars; cache.db is
	// reconstructible derived data.
	ledgerDB, err := database.New(database.Config{
		Path:    cfg.LedgerDBPath(),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	if err != nil {
		return fmt.Errorf("failed to open ledger database: %w", err)
	}
	defer ledgerDB.Close()

	appDB, err := database.New(database.Config{
		Path:    cfg.AppDBPath(),
		Profile: database.ProfileStandard,
		Name:    "app",
	})
	if err != nil {
		return fmt.Errorf("failed to open app database: %w", err)
	}
	defer appDB.Close()

	cacheDB, err := database.New(database.Config{
		Path:    cfg.CacheDBPath(),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		return fmt.Errorf("failed to open cache database: %w", err)
	}
	defer cacheDB.Close()

	historyDB, err := sql.Open("sqlite3", cfg.HistoryDBPath()+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}
	defer historyDB.Close()

	if err := initSchemas(ledgerDB.Conn(), appDB.Conn(), cacheDB.Conn(), historyDB); err != nil {
		return err
	}

	// Event fabric: the bus feeds the SSE stream, the manager adds
	// structured logging on emit.
	bus := events.NewBus()
	eventMgr := events.NewManager(bus, log)

	// Market data providers and local stores.
	fmpClient := fmp.NewClient(cfg.FMPAPIKey, log)
	avClient := alphavantage.NewClient(cfg.AlphaVantageAPIKey, log)

	historyRepo := market.NewHistoryRepository(historyDB, log)
	cacheRepo := market.NewCacheRepository(cacheDB.Conn(), log)
	watchlist := market.NewWatchlistRepository(appDB.Conn(), log)
	validator := market.NewValidator(log)

	quoteSvc := market.NewQuoteService(fmpClient, avClient, cacheRepo, log)
	updateSvc := market.NewUpdateService(historyRepo, fmpClient, avClient, validator, eventMgr, log)
	marketSvc := market.NewService(historyRepo, cacheRepo, log)

	if err := watchlist.Seed(); err != nil {
		return fmt.Errorf("failed to seed watchlist: %w", err)
	}

	// Memory, prompts, brokerage.
	memStore := memory.NewStore(appDB.Conn(), log)

	promptRepo := prompts.NewRepository(appDB.Conn(), log)
	if err := promptRepo.Seed(ctx); err != nil {
		return fmt.Errorf("failed to seed prompts: %w", err)
	}

	broker := alpaca.NewClient(cfg.AlpacaAPIKey, cfg.AlpacaAPISecret, cfg.AlpacaBaseURL, log)

	// Ledger repositories.
	harnessRepo := harness.NewRepository(ledgerDB.Conn(), log)
	arenaRepo := arena.NewRepository(ledgerDB.Conn(), log)
	decisionRepo := decisions.NewRepository(ledgerDB.Conn(), log)
	cfRepo := counterfactual.NewRepository(ledgerDB.Conn(), log)

	// Arena: roster, per-model backends, tool loop, orchestration.
	roster, err := arena.LoadRoster(cfg.ModelsConfigPath)
	if err != nil {
		return err
	}

	backends := arena.BackendFactory(func(spec arena.ModelSpec) arena.ChatBackend {
		return llm.NewClient(spec.BaseURL, spec.APIKey(), log)
	})
	toolDeps := arena.ToolDeps{
		Market:    marketSvc,
		Memory:    memStore,
		Search:    websearch.NewClient(log),
		Decisions: decisionRepo,
	}
	runner := arena.NewRunner(backends, toolDeps, cfg.ModelTimeout,
		cfg.MaxToolRounds, cfg.MaxPositions, cfg.RevisionRetries, log)

	builder := harness.NewBuilder(marketSvc, watchlist, broker, memStore, promptRepo, harnessRepo, log)
	arenaSvc := arena.NewService(builder, harnessRepo, arenaRepo, roster, runner, promptRepo, eventMgr, log)

	// Decisions: step-up auth gates execution; the gate writes the
	// execution record through the decision repository.
	authenticator := execution.NewTOTPAuthenticator(cfg.TOTPSecret, appDB.Conn(), log)
	gate := execution.NewGate(broker, decisionRepo, eventMgr, log)
	decisionSvc := decisions.NewService(decisionRepo, harnessRepo, arenaRepo,
		authenticator, gate, cfRepo, memStore, eventMgr, log)

	tracker := counterfactual.NewTracker(cfRepo, decisionRepo, harnessRepo, arenaRepo, marketSvc, eventMgr, log)
	scoreSvc := scores.NewService(ledgerDB.Conn(), log)

	// Ledger backups are optional; without a bucket the backup job stays
	// unregistered and the seeded schedule is skipped on reload.
	var backupSvc *reliability.BackupService
	if cfg.BackupEnabled {
		store, err := reliability.NewS3Client(ctx, reliability.S3Config{
			Endpoint:  cfg.BackupEndpoint,
			Region:    cfg.BackupRegion,
			Bucket:    cfg.BackupBucket,
			AccessKey: cfg.BackupAccessKey,
			SecretKey: cfg.BackupSecretKey,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to create backup storage client: %w", err)
		}
		backupSvc = reliability.NewBackupService(store, ledgerDB, cfg.DataDir,
			cfg.BackupBucket, cfg.BackupKeep, eventMgr, log)
	}

	// Scheduler: persisted schedules dispatched to registered job types.
	sched := scheduler.New(log)
	schedRepo := scheduler.NewRepository(appDB.Conn(), log)
	schedSvc := scheduler.NewService(sched, schedRepo, eventMgr, log)

	schedSvc.Register("arena_analysis", scheduler.ArenaAnalysisJob(arenaSvc, log))
	schedSvc.Register("price_update", scheduler.PriceUpdateJob(updateSvc, watchlist, log))
	schedSvc.Register("counterfactual", scheduler.CounterfactualSweepJob(tracker))
	schedSvc.Register("integrity_check", scheduler.IntegrityCheckJob(log, ledgerDB, appDB, cacheDB))
	if backupSvc != nil {
		schedSvc.Register("backup", scheduler.BackupJob(backupSvc))
	}
	if spec := reflectionModel(roster); spec != nil {
		backend := llm.NewClient(spec.BaseURL, spec.APIKey(), log)
		schedSvc.Register("reflection", scheduler.ReflectionJob(decisionRepo, backend, spec.Model, memStore, log))
	}

	if err := schedRepo.Seed(ctx); err != nil {
		return fmt.Errorf("failed to seed schedules: %w", err)
	}
	if err := schedSvc.Reload(ctx); err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	// Live quote stream (optional). Shares the event bus with SSE, so
	// streamed quotes reach connected dashboards without polling.
	if cfg.AlpacaAPIKey != "" {
		symbols, err := watchlist.ActiveSymbols()
		if err != nil {
			return fmt.Errorf("failed to load watchlist symbols: %w", err)
		}
		stream := alpaca.NewQuoteStream(cfg.AlpacaDataWSURL, cfg.AlpacaAPIKey,
			cfg.AlpacaAPISecret, symbols, bus, log)
		if err := stream.Start(); err != nil {
			log.Warn().Err(err).Msg("Quote stream failed to start; continuing without live quotes")
		} else {
			defer stream.Stop()
		}
	}

	srv := server.New(server.Config{
		Port:    cfg.Port,
		Log:     log,
		DevMode: cfg.LogFormat == "console",
		Modules: []server.RouteRegistrar{
			arena.NewHandler(arenaSvc, cfg.DefaultBudget, log),
			decisions.NewHandler(decisionSvc, log),
			market.NewHandler(quoteSvc, updateSvc, marketSvc, watchlist, log),
			memory.NewHandler(memStore, log),
			prompts.NewHandler(promptRepo, log),
			scores.NewHandler(scoreSvc, log),
			scheduler.NewHandler(schedSvc, log),
		},
		Stream: server.NewEventsStreamHandler(bus, log),
		System: server.NewSystemHandlers(schedSvc, log, ledgerDB, appDB, cacheDB),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started")

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	return nil
}

// initSchemas creates every table across the four databases. All
// statements are idempotent.
func initSchemas(ledger, app, cache, history *sql.DB) error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"harnesses", func() error { return harness.InitSchema(ledger) }},
		{"model_ios", func() error { return arena.InitSchema(ledger) }},
		{"decision_logs", func() error { return decisions.InitSchema(ledger) }},
		{"counterfactual_records", func() error { return counterfactual.InitSchema(ledger) }},
		{"used_auth_codes", func() error { return execution.InitSchema(app) }},
		{"memory", func() error { return memory.InitSchema(app) }},
		{"prompts", func() error { return prompts.InitSchema(app) }},
		{"schedules", func() error { return scheduler.InitSchema(app) }},
		{"watchlist", func() error { return market.InitWatchlistSchema(app) }},
		{"price_history", func() error { return market.InitHistorySchema(history) }},
		{"market_cache", func() error { return market.InitCacheSchema(cache) }},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			return fmt.Errorf("failed to initialize %s schema: %w", s.name, err)
		}
	}
	return nil
}

// reflectionModel picks the roster model the monthly reflection runs on:
// the first enabled entry.
func reflectionModel(roster *arena.Roster) *arena.ModelSpec {
	for i := range roster.Models {
		if roster.Models[i].IsEnabled() {
			return &roster.Models[i]
		}
	}
	return nil
}
