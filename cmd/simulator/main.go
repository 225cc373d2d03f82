// Synthetic HR feed for local runs: publishes periodic roster snapshots
// and status deltas for a handful of organizations, keyed by orgId so the
// per-organization ordering the bridge relies on holds.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/ctopuviyan/OrgOnboarder/internal/logging"
	"github.com/ctopuviyan/OrgOnboarder/internal/models"
)

type simConfig struct {
	brokers       []string
	topicUpserts  string
	topicDeltas   string
	orgs          int
	employees     int
	interval      time.Duration
	snapshotEvery int
	chunkRows     int
	logFile       string
}

// Upstream HR systems rarely emit the canonical vocabulary; the reconciler
// normalizes these.
var rawStatuses = []string{"Active", "active", "Employed", "on leave", "Sabbatical", "Terminated"}

var deltaTypes = []models.DeltaType{models.DeltaLeft, models.DeltaInactive, models.DeltaReactivated}

func main() {
	cfg := loadConfig()
	lg, err := logging.New(cfg.logFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		os.Exit(1)
	}
	defer lg.Close()
	log := lg.Logger

	log.Info("simulator_start",
		slog.String("brokers", strings.Join(cfg.brokers, ",")),
		slog.Int("orgs", cfg.orgs),
		slog.Int("employees", cfg.employees),
		slog.Int64("interval_ms", cfg.interval.Milliseconds()),
		slog.Int("snapshot_every", cfg.snapshotEvery),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	upserts := newWriter(cfg.brokers, cfg.topicUpserts)
	deltas := newWriter(cfg.brokers, cfg.topicDeltas)
	defer closeWriter(log, upserts)
	defer closeWriter(log, deltas)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(cfg.interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			log.Info("simulator_stop")
			return
		case <-ticker.C:
		}
		org := fmt.Sprintf("org-%d", tick%cfg.orgs+1)
		if tick%cfg.snapshotEvery == 0 {
			publishSnapshot(ctx, log, rng, upserts, cfg, org)
		} else {
			publishDelta(ctx, log, rng, deltas, cfg, org)
		}
		tick++
	}
}

// publishSnapshot emits one full-roster event, split across several
// messages sharing an eventId the way real exports arrive.
func publishSnapshot(ctx context.Context, log *slog.Logger, rng *rand.Rand, w *kafka.Writer, cfg simConfig, org string) {
	eventID := uuid.NewString()
	rows := make([]models.UpsertRow, cfg.employees)
	for i := range rows {
		status := "Active"
		if rng.Intn(10) == 0 {
			status = rawStatuses[rng.Intn(len(rawStatuses))]
		}
		rows[i] = models.UpsertRow{Email: employeeEmail(org, i), StatusInOrg: status}
	}

	messages := 0
	for begin := 0; begin < len(rows); begin += cfg.chunkRows {
		end := begin + cfg.chunkRows
		if end > len(rows) {
			end = len(rows)
		}
		ev := models.UpsertEvent{OrgID: org, EventID: eventID, Rows: rows[begin:end]}
		if err := publish(ctx, w, org, ev); err != nil {
			log.Error("snapshot_publish_failed", slog.String("org", org), slog.Any("err", err))
			return
		}
		messages++
	}
	log.Info("snapshot_published",
		slog.String("org", org),
		slog.String("event", eventID),
		slog.Int("rows", len(rows)),
		slog.Int("messages", messages),
	)
}

func publishDelta(ctx context.Context, log *slog.Logger, rng *rand.Rand, w *kafka.Writer, cfg simConfig, org string) {
	ev := models.DeltaEvent{
		OrgID:     org,
		Email:     employeeEmail(org, rng.Intn(cfg.employees)),
		DeltaType: deltaTypes[rng.Intn(len(deltaTypes))],
		EventID:   uuid.NewString(),
	}
	if err := publish(ctx, w, org, ev); err != nil {
		log.Error("delta_publish_failed", slog.String("org", org), slog.Any("err", err))
		return
	}
	log.Info("delta_published",
		slog.String("org", org),
		slog.String("email", ev.Email),
		slog.String("type", string(ev.DeltaType)),
	)
}

func publish(ctx context.Context, w *kafka.Writer, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b, Time: time.Now().UTC()})
}

func employeeEmail(org string, n int) string {
	return fmt.Sprintf("emp%d@%s.example.com", n+1, org)
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

func closeWriter(log *slog.Logger, w *kafka.Writer) {
	if err := w.Close(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("writer_close", slog.Any("err", err))
	}
}

func loadConfig() simConfig {
	cfg := simConfig{
		brokers:       splitAndTrim(os.Getenv("KAFKA_BROKERS")),
		topicUpserts:  getenv("TOPIC_UPSERTS", "roster.upserts"),
		topicDeltas:   getenv("TOPIC_DELTAS", "roster.deltas"),
		orgs:          geti("SIM_ORGS", 3),
		employees:     geti("SIM_EMPLOYEES", 250),
		interval:      time.Duration(geti("SIM_INTERVAL_MS", 2000)) * time.Millisecond,
		snapshotEvery: geti("SIM_SNAPSHOT_EVERY", 10),
		chunkRows:     geti("SIM_CHUNK_ROWS", 100),
		logFile:       os.Getenv("LOG_FILE"),
	}
	if len(cfg.brokers) == 0 {
		fmt.Println("KAFKA_BROKERS must be provided")
		os.Exit(2)
	}
	if cfg.orgs < 1 || cfg.employees < 1 || cfg.chunkRows < 1 || cfg.snapshotEvery < 1 {
		fmt.Println("SIM_ORGS, SIM_EMPLOYEES, SIM_CHUNK_ROWS and SIM_SNAPSHOT_EVERY must be positive")
		os.Exit(2)
	}
	if cfg.interval <= 0 {
		fmt.Println("SIM_INTERVAL_MS must be positive")
		os.Exit(2)
	}
	return cfg
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func geti(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func splitAndTrim(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
