package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ctopuviyan/OrgOnboarder/internal/bridge"
	"github.com/ctopuviyan/OrgOnboarder/internal/config"
	"github.com/ctopuviyan/OrgOnboarder/internal/logging"
)

func main() {
	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadBridge()
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

	log.Info("bridge_boot",
		slog.String("brokers", strings.Join(cfg.Brokers, ",")),
		slog.String("group", cfg.GroupID),
		slog.String("topic_upserts", cfg.TopicUpserts),
		slog.String("topic_deltas", cfg.TopicDeltas),
		slog.String("normalizer", cfg.NormalizerBaseURL),
		slog.Int("batch_max_rows", cfg.BatchMaxRows),
		slog.Int64("batch_max_ms", cfg.BatchMaxAge.Milliseconds()),
		slog.Int("concurrency", cfg.Concurrency),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sender := bridge.NewSender(cfg, log)
	batcher := bridge.NewBatcher(sender, cfg.BatchMaxRows, cfg.BatchMaxAge, nil, log)

	mgr, err := bridge.Start(ctx, cfg, batcher, sender, log)
	if err != nil {
		log.Error("bridge_start_failed", slog.Any("err", err))
		os.Exit(1)
	}

	healthSrv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           healthRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("health_listen", slog.String("address", healthSrv.Addr))
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("health_server_error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	log.Info("shutdown_signal")
	mgr.Wait()

	// Consumers are stopped; whatever is still batched goes out now on a
	// context that outlives the cancelled signal context.
	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	batcher.Close(flushCtx)

	if err := healthSrv.Shutdown(flushCtx); err != nil {
		log.Error("health_shutdown_failed", slog.Any("err", err))
	}
	log.Info("service_stopped")
}

func healthRouter() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"service":   "org-onboarder-bridge",
			"version":   "1.0.0",
			"timestamp": time.Now().UTC(),
		})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}
