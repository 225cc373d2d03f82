package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/handlers"

	"github.com/ctopuviyan/OrgOnboarder/internal/api"
	"github.com/ctopuviyan/OrgOnboarder/internal/config"
	"github.com/ctopuviyan/OrgOnboarder/internal/logging"
	"github.com/ctopuviyan/OrgOnboarder/internal/metrics"
	"github.com/ctopuviyan/OrgOnboarder/internal/reconcile"
	"github.com/ctopuviyan/OrgOnboarder/internal/store"
)

func main() {
	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadReconciler()
	if err != nil {
		bootstrap.Error("config_load_failed", slog.Any("err", err))
		os.Exit(1)
	}
	lg, err := logging.New(cfg.LogFile)
	if err != nil {
		bootstrap.Error("logger_init_failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer lg.Close()
	log := lg.Logger

	log.Info("service_boot",
		slog.Int("port", cfg.Port),
		slog.String("store", cfg.StoreBackend),
		slog.Int("batch_size", cfg.BatchSize),
		slog.Int("query_chunk", cfg.QueryChunkSize),
		slog.Int("max_parallel", cfg.MaxParallelBatches),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := newStore(ctx, cfg, log)
	if err != nil {
		log.Error("store_init_failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			log.Error("store_close_failed", slog.Any("err", cerr))
		}
	}()

	cache := store.NewLookupCache(cfg.CacheTTL, cfg.MaxCacheSizeMB, nil, metrics.CacheObserver{})
	guard := reconcile.NewWriteGuard(reconcile.BreakerConfig{
		ErrorThreshold: cfg.ErrorThreshold,
		ResetTimeout:   cfg.CircuitReset,
		MinSamples:     uint32(cfg.CircuitMinSamples),
	}, log)
	rcfg := reconcile.ReconcilerConfig{
		InitialBatchSize: cfg.BatchSize,
		QueryChunkSize:   cfg.QueryChunkSize,
		MaxParallel:      cfg.MaxParallelBatches,
		ShrinkThreshold:  cfg.AdaptiveBatchThreshold,
		RetryBase:        cfg.RetryBase,
		RetryMax:         cfg.RetryMax,
		MaxRetries:       cfg.MaxRetries,
	}

	health := api.NewHealthState()
	srv := &api.Server{
		Log:            log,
		Store:          st,
		Health:         health,
		Epochs:         reconcile.NewEpochManager(st, log),
		Reconciler:     reconcile.NewReconciler(st, cache, guard, rcfg, log),
		Deltas:         reconcile.NewDeltaProcessor(st, cache, rcfg, log),
		Finalizer:      reconcile.NewFinalizer(st, rcfg, log),
		Events:         reconcile.NewEventRegistry(st, log),
		Token:          cfg.IngestionToken,
		MetricsEnabled: cfg.MetricsEnabled,
	}

	handler := handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(
		api.WrapWithLogging(log, api.NewRouter(srv)))
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	httpCh := make(chan error, 1)
	go func() {
		health.SetReady(true)
		log.Info("http_server_listen", slog.String("address", server.Addr))
		httpCh <- server.ListenAndServe()
	}()

	select {
	case err := <-httpCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http_server_error", slog.Any("err", err))
			os.Exit(1)
		}
	case <-ctx.Done():
		log.Info("shutdown_signal")
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("server_shutdown_failed", slog.Any("err", err))
		}
		cache.Flush()
	}
	log.Info("service_stopped")
}

func newStore(ctx context.Context, cfg *config.Reconciler, log *slog.Logger) (store.Store, error) {
	if cfg.StoreBackend == config.StoreMemory {
		log.Warn("memory_store_selected", slog.String("note", "data is lost on restart"))
		return store.NewMemory(nil), nil
	}
	return store.NewFirestore(ctx, store.FirestoreConfig{
		ProjectID:  cfg.FirestoreProjectID,
		DatabaseID: cfg.FirestoreDatabaseID,
		Endpoint:   cfg.FirestoreEndpoint,
		Collection: cfg.OrgsCollection,
	}, log)
}
