// Ensures the roster topics exist before the bridge and its producers
// start. Partition count bounds per-organization ordering and consumer
// parallelism, so it is pinned here instead of left to broker
// auto-creation.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ctopuviyan/OrgOnboarder/internal/logging"
)

type config struct {
	brokers     []string
	upserts     string
	deltas      string
	partitions  int
	replication int
	logFile     string
}

func main() {
	cfg := loadConfig()
	lg, err := logging.New(cfg.logFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		os.Exit(1)
	}
	defer lg.Close()
	log := lg.Logger

	log.Info("topic_init_start",
		slog.String("brokers", strings.Join(cfg.brokers, ",")),
		slog.String("upserts", cfg.upserts),
		slog.String("deltas", cfg.deltas),
		slog.Int("partitions", cfg.partitions),
		slog.Int("replication", cfg.replication),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := ensureTopics(ctx, log, cfg); err != nil {
		log.Error("topic_init_failed", slog.Any("err", err))
		os.Exit(1)
	}
	log.Info("topic_init_complete",
		slog.String("upserts", cfg.upserts),
		slog.String("deltas", cfg.deltas),
	)
}

func loadConfig() config {
	brokersFlag := flag.String("brokers", getenv("KAFKA_BROKERS", ""), "Comma-separated list of Kafka brokers")
	upsertsFlag := flag.String("upserts", getenv("TOPIC_UPSERTS", "roster.upserts"), "Upsert topic name")
	deltasFlag := flag.String("deltas", getenv("TOPIC_DELTAS", "roster.deltas"), "Delta topic name")
	partsFlag := flag.Int("partitions", geti("TOPIC_PARTITIONS", 3), "Partition count for both topics")
	replFlag := flag.Int("replication", geti("TOPIC_REPLICATION", 1), "Replication factor for both topics")
	logFlag := flag.String("log", os.Getenv("LOG_FILE"), "Optional log file path")
	flag.Parse()

	cfg := config{
		brokers:     splitAndTrim(*brokersFlag),
		upserts:     strings.TrimSpace(*upsertsFlag),
		deltas:      strings.TrimSpace(*deltasFlag),
		partitions:  *partsFlag,
		replication: *replFlag,
		logFile:     *logFlag,
	}
	if len(cfg.brokers) == 0 {
		fmt.Println("KAFKA_BROKERS or --brokers must be provided")
		os.Exit(2)
	}
	if cfg.upserts == "" || cfg.deltas == "" {
		fmt.Println("both --upserts and --deltas topic names are required")
		os.Exit(2)
	}
	if cfg.partitions < 1 {
		fmt.Println("TOPIC_PARTITIONS must be at least 1")
		os.Exit(2)
	}
	if cfg.replication < 1 {
		fmt.Println("TOPIC_REPLICATION must be at least 1")
		os.Exit(2)
	}
	return cfg
}

func ensureTopics(ctx context.Context, log *slog.Logger, cfg config) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := kafka.DialContext(dialCtx, "tcp", cfg.brokers[0])
	if err != nil {
		return fmt.Errorf("dial broker %s: %w", cfg.brokers[0], err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			log.Warn("broker_close", slog.Any("err", cerr))
		}
	}()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("fetch controller metadata: %w", err)
	}
	ctrlAddr := fmt.Sprintf("%s:%d", controller.Host, controller.Port)
	ctrlCtx, ctrlCancel := context.WithTimeout(ctx, 10*time.Second)
	defer ctrlCancel()
	admin, err := kafka.DialContext(ctrlCtx, "tcp", ctrlAddr)
	if err != nil {
		return fmt.Errorf("dial controller %s: %w", ctrlAddr, err)
	}
	defer func() {
		if cerr := admin.Close(); cerr != nil {
			log.Warn("controller_close", slog.Any("err", cerr))
		}
	}()
	if err := admin.SetDeadline(time.Now().Add(10 * time.Second)); err != nil {
		log.Warn("controller_deadline", slog.Any("err", err))
	}

	topics := []string{cfg.upserts, cfg.deltas}
	configs := make([]kafka.TopicConfig, 0, len(topics))
	for _, topic := range topics {
		configs = append(configs, kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     cfg.partitions,
			ReplicationFactor: cfg.replication,
		})
	}
	if err := admin.CreateTopics(configs...); err != nil {
		if !isAlreadyExists(err) {
			return fmt.Errorf("create topics: %w", err)
		}
		log.Info("topics_exist", slog.Any("err", err))
	} else {
		log.Info("topics_created", slog.Int("count", len(configs)))
	}

	for _, topic := range topics {
		count, err := readPartitions(admin, topic)
		if err != nil {
			return err
		}
		if count != cfg.partitions {
			return fmt.Errorf("topic %s has %d partitions; expected %d", topic, count, cfg.partitions)
		}
		log.Info("topic_ready", slog.String("topic", topic), slog.Int("partitions", count))
	}
	return nil
}

func readPartitions(conn *kafka.Conn, topic string) (int, error) {
	partitions, err := conn.ReadPartitions(topic)
	if err != nil {
		return 0, fmt.Errorf("read partitions for %s: %w", topic, err)
	}
	seen := map[int]struct{}{}
	for _, part := range partitions {
		if part.Topic != topic {
			continue
		}
		seen[part.ID] = struct{}{}
	}
	return len(seen), nil
}

func isAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "Topic with this name already exists")
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
