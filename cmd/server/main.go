// Package main is the entrypoint for the DevScore API server.
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

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/devscorehq/devscore/internal/api"
	"github.com/devscorehq/devscore/internal/api/handler"
	mw "github.com/devscorehq/devscore/internal/api/middleware"
	"github.com/devscorehq/devscore/internal/api/response"
	"github.com/devscorehq/devscore/internal/collector/contracts"
	"github.com/devscorehq/devscore/internal/collector/github"
	"github.com/devscorehq/devscore/internal/collector/onchain"
	"github.com/devscorehq/devscore/internal/config"
	"github.com/devscorehq/devscore/internal/credential"
	"github.com/devscorehq/devscore/internal/orchestrator"
	"github.com/devscorehq/devscore/internal/progress"
	"github.com/devscorehq/devscore/internal/queue"
	"github.com/devscorehq/devscore/internal/score"
	"github.com/devscorehq/devscore/internal/store"
	"github.com/devscorehq/devscore/pkg/models"
)

const shutdownTimeout = 30 * time.Second

// Pipeline queue names. One queue per stage so retry policies stay
// independent.
const (
	queueGithub     = "github-data"
	queueContracts  = "contracts-data"
	queueOnchain    = "onchain-data"
	queueCredential = "credential-issue"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Connect Redis: one client shared by the queues, the progress store,
	// and the rate limiter
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse redis URL: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	progressStore := progress.NewRedisStoreWithClient(redisClient)

	// 5. Load scoring configuration (SIGHUP reloads it)
	scores, err := score.NewProvider(cfg.ScoreFile)
	if err != nil {
		return fmt.Errorf("load score config: %w", err)
	}
	go reloadOnSighup(ctx, scores)

	// 6. Collectors and credential service
	githubClient := github.NewClient(cfg.Github.BaseURL, cfg.Github.Token, cfg.Github.Timeout)
	contractsClient := contracts.NewClient(cfg.Chain.BaseURL, cfg.Chain.APIKey, cfg.Chain.Timeout)
	onchainClient := onchain.NewClient(cfg.Chain.BaseURL, cfg.Chain.APIKey,
		cfg.Hackathon.BaseURL, cfg.Chain.Timeout)
	issuer := credential.NewService(credential.Config{
		BaseURL:      cfg.Issuer.BaseURL,
		DID:          cfg.Issuer.DID,
		APIKey:       cfg.Issuer.APIKey,
		CredentialID: cfg.Issuer.CredentialID,
	}, cfg.Issuer.Timeout)

	// 7. Build the pipeline: queues, orchestrator, workers
	githubQ := queue.New[orchestrator.TaskPayload](redisClient, queueGithub)
	contractsQ := queue.New[orchestrator.TaskPayload](redisClient, queueContracts)
	onchainQ := queue.New[orchestrator.TaskPayload](redisClient, queueOnchain)
	credentialQ := queue.New[orchestrator.TaskPayload](redisClient, queueCredential)

	pgStore := store.NewPostgresStore(pool)

	orch := orchestrator.New(
		progressStore,
		orchestrator.Queues{
			Github:     githubQ,
			Contracts:  contractsQ,
			Onchain:    onchainQ,
			Credential: credentialQ,
		},
		githubClient,
		contractsClient,
		onchainClient,
		issuer,
		scores,
		pgStore,
		cfg.Pipeline,
	)

	concurrency := cfg.Pipeline.WorkerConcurrency
	githubQ.RegisterWorker(orch.HandleGithubJob, concurrency)
	contractsQ.RegisterWorker(orch.HandleContractsJob, concurrency)
	onchainQ.RegisterWorker(orch.HandleOnchainJob, concurrency)
	credentialQ.RegisterWorker(orch.HandleIssuanceJob, 1)

	for _, wiring := range []struct {
		q     *queue.Queue[orchestrator.TaskPayload]
		stage string
	}{
		{githubQ, models.StageGithubData},
		{contractsQ, models.StageContractsData},
		{onchainQ, models.StageOnchainData},
	} {
		wiring.q.OnCompleted(orch.StageCompleted(wiring.stage))
		wiring.q.OnFailed(orch.StageFailed(wiring.stage))
	}
	credentialQ.OnCompleted(orch.IssuanceCompleted)
	credentialQ.OnFailed(orch.IssuanceFailed)

	queues := []*queue.Queue[orchestrator.TaskPayload]{githubQ, contractsQ, onchainQ, credentialQ}
	for _, q := range queues {
		if err := q.Start(ctx); err != nil {
			return fmt.Errorf("start queue %s: %w", q.Name(), err)
		}
		defer q.Close()
	}
	slog.Info("pipeline workers started", "concurrency", concurrency)

	// 8. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisClient, 60)

	counters := make([]handler.QueueCounter, len(queues))
	for i, q := range queues {
		counters[i] = q
	}

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler:           healthHandler(pgStore, progressStore),
		AnalyzeHandler:          handler.NewAnalyzeHandler(orch),
		StatusHandler:           handler.NewStatusHandler(orch),
		CredentialStatusHandler: handler.NewCredentialStatusHandler(orch),
		LatestRunHandler:        handler.NewLatestRunHandler(pgStore),
		QueueCountsHandler:      handler.NewQueueCountsHandler(counters...),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// reloadOnSighup swaps in a fresh scoring config when the operator sends
// SIGHUP.
func reloadOnSighup(ctx context.Context, scores *score.Provider) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if err := scores.Reload(); err != nil {
				slog.Error("score config reload failed", "error", err)
				continue
			}
			slog.Info("score config reloaded")
		}
	}
}

// healthHandler checks database and progress-store connectivity.
func healthHandler(s store.Store, p progress.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"redis":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := p.Ping(r.Context()); err != nil {
			checks["redis"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["redis"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
