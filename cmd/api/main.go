package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/config"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/domain"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/events"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/handler"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/logging"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/repository"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/service"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/service/reconcile"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/service/rotation"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Init("reconciler-api", cfg.LogLevel, cfg.AppEnv)

	if err := run(cfg, logger); err != nil {
		logger.Error("reconciler stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := connectDB(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer db.Close()

	publisher, err := events.New(cfg.AMQPURL, cfg.EventsExchange, logger)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	defer publisher.Close()

	accounts := repository.NewAccountRepository(db)
	cursors := repository.NewRotationCursorRepository(db)
	transactions := repository.NewTransactionRepository(db)
	transactionEvents := repository.NewTransactionEventRepository(db)
	webhookEvents := repository.NewWebhookEventRepository(db)

	walletKind := domain.WalletKind(cfg.Rotation.WalletKind)
	rotationSvc := rotation.NewService(accounts, cursors, publisher, db, walletKind, cfg.Rotation.Threshold)

	provider := service.NewProviderClient(cfg.ProviderBaseURL, cfg.ProviderTimeout)
	resolver := service.NewPaymentResolver(accounts, provider, walletKind, cfg.ProviderQueryLimit)

	engine := reconcile.NewEngine(
		transactions,
		accounts,
		transactionEvents,
		resolver,
		publisher,
		db,
		reconcile.Config{MatchWindow: cfg.MatchWindow, Lookback: cfg.ProviderLookback},
	)

	processor := service.NewWebhookProcessor(
		webhookEvents,
		resolver,
		engine,
		logger.With("component", "webhook_processor"),
		cfg.WebhookPollInterval,
		cfg.WebhookBatchSize,
	)

	jobs := service.NewJobs(engine, rotationSvc, logger.With("component", "scheduler"), cfg.PendingSweepBatch)
	scheduler := service.NewScheduler(jobs, logger, service.SchedulerConfig{
		PendingSweepSchedule:  cfg.PendingSweepSchedule,
		RotationResetSchedule: cfg.RotationResetSchedule,
	})

	router := newRouter(handlers{
		health:       handler.NewHealthHandler(db, webhookEvents, version),
		rotation:     handler.NewRotationHandler(rotationSvc),
		deposits:     handler.NewDepositHandler(engine),
		payments:     handler.NewPaymentHandler(engine),
		transactions: handler.NewTransactionHandler(engine, transactionEvents),
		webhooks:     handler.NewWebhookHandler(webhookEvents, cfg.WebhookSecret),
	}, logger, 30*time.Second)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      45 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		processor.Start(ctx)
	}()

	logger.Info("scheduler started", "jobs", scheduler.Start())

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			wg.Wait()
			<-scheduler.Stop().Done()
			return fmt.Errorf("run: serve: %w", err)
		}
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	<-scheduler.Stop().Done()
	wg.Wait()
	logger.Info("server stopped")
	return nil
}

func connectDB(ctx context.Context, cfg config.DBConfig) (*sql.DB, error) {
	var lastErr error
	for i := range 30 {
		db, err := repository.NewPostgresDB(ctx, cfg.DatabaseURL, repository.PoolConfigFrom(cfg))
		if err == nil {
			return db, nil
		}
		lastErr = err
		slog.Info("waiting for database", "attempt", i+1)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connectDB: %w", ctx.Err())
		case <-time.After(time.Second):
		}
	}
	return nil, fmt.Errorf("connectDB: gave up after 30 attempts: %w", lastErr)
}
