package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ctopuviyan/OrgOnboarder/internal/config"
	"github.com/ctopuviyan/OrgOnboarder/internal/metrics"
	"github.com/ctopuviyan/OrgOnboarder/internal/models"
)

type streamKind int

const (
	streamUpserts streamKind = iota
	streamDeltas
)

// Manager tracks the lifecycle of the bridge's background workers: the
// topic consumers and the batcher's age sweep.
type Manager struct {
	wg sync.WaitGroup
}

// Start wires Concurrency readers per configured topic plus the batcher
// sweep, and begins consumption. Upsert messages feed the batcher, delta
// messages go straight to the sender.
func Start(ctx context.Context, cfg *config.Bridge, batcher *Batcher, sender *Sender, log *slog.Logger) (*Manager, error) {
	if batcher == nil || sender == nil {
		return nil, fmt.Errorf("batcher and sender must not be nil")
	}
	if log == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	if cfg.TopicUpserts == "" && cfg.TopicDeltas == "" {
		return nil, fmt.Errorf("no topics configured")
	}

	mgr := &Manager{}
	launch := func(c *streamConsumer) {
		mgr.wg.Add(1)
		go func() {
			defer mgr.wg.Done()
			c.run(ctx)
		}()
	}
	for i := 0; i < cfg.Concurrency; i++ {
		if cfg.TopicUpserts != "" {
			launch(&streamConsumer{
				topic:   cfg.TopicUpserts,
				kind:    streamUpserts,
				reader:  newReader(cfg, cfg.TopicUpserts),
				batcher: batcher,
				log:     log.With(slog.String("topic", cfg.TopicUpserts)),
			})
		}
		if cfg.TopicDeltas != "" {
			launch(&streamConsumer{
				topic:  cfg.TopicDeltas,
				kind:   streamDeltas,
				reader: newReader(cfg, cfg.TopicDeltas),
				sender: sender,
				log:    log.With(slog.String("topic", cfg.TopicDeltas)),
			})
		}
	}
	mgr.wg.Add(1)
	go func() {
		defer mgr.wg.Done()
		batcher.Run(ctx)
	}()
	return mgr, nil
}

// Wait blocks until every worker has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func newReader(cfg *config.Bridge, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: []string{topic},
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		Dialer: &kafka.Dialer{
			ClientID:  cfg.ClientID,
			Timeout:   10 * time.Second,
			DualStack: true,
		},
	})
}

type streamConsumer struct {
	topic   string
	kind    streamKind
	reader  *kafka.Reader
	batcher *Batcher
	sender  *Sender
	log     *slog.Logger
}

func (c *streamConsumer) run(ctx context.Context) {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.log.Error("reader_close", slog.Any("err", err))
		}
	}()
	c.log.Info("consumer_start")

	backoff := time.Second
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				c.log.Info("consumer_stop", slog.String("reason", "context"))
				return
			}
			c.log.Error("fetch_err", slog.Any("err", err))
			select {
			case <-time.After(backoff):
				if backoff < 10*time.Second {
					backoff *= 2
				}
				continue
			case <-ctx.Done():
				c.log.Info("consumer_stop", slog.String("reason", "shutdown"))
				return
			}
		}
		backoff = time.Second

		// Handling absorbs every downstream error, so the offset always
		// advances and a poison message cannot wedge the partition.
		c.handleMessage(ctx, msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.log.Error("commit_err", slog.Any("err", err))
		}
	}
}

func (c *streamConsumer) handleMessage(ctx context.Context, msg kafka.Message) {
	switch c.kind {
	case streamUpserts:
		c.handleUpsert(ctx, msg)
	case streamDeltas:
		c.handleDelta(ctx, msg)
	}
}

func (c *streamConsumer) handleUpsert(ctx context.Context, msg kafka.Message) {
	var ev models.UpsertEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		c.log.Error("decode_err",
			slog.Any("err", err),
			slog.Int64("offset", msg.Offset),
			slog.Int("partition", msg.Partition),
		)
		metrics.BridgeConsumed.WithLabelValues(c.topic, "invalid").Inc()
		return
	}
	if ev.OrgID == "" || ev.EventID == "" || len(ev.Rows) == 0 {
		c.log.Warn("message_skipped",
			slog.String("reason", "missing orgId, eventId or rows"),
			slog.Int64("offset", msg.Offset),
		)
		metrics.BridgeConsumed.WithLabelValues(c.topic, "invalid").Inc()
		return
	}
	c.batcher.Add(ctx, ev.OrgID, ev.EventID, ev.Rows)
	metrics.BridgeConsumed.WithLabelValues(c.topic, "ok").Inc()
}

func (c *streamConsumer) handleDelta(ctx context.Context, msg kafka.Message) {
	var ev models.DeltaEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		c.log.Error("decode_err",
			slog.Any("err", err),
			slog.Int64("offset", msg.Offset),
			slog.Int("partition", msg.Partition),
		)
		metrics.BridgeConsumed.WithLabelValues(c.topic, "invalid").Inc()
		return
	}
	if ev.OrgID == "" || ev.Email == "" {
		c.log.Warn("message_skipped",
			slog.String("reason", "missing orgId or email"),
			slog.Int64("offset", msg.Offset),
		)
		metrics.BridgeConsumed.WithLabelValues(c.topic, "invalid").Inc()
		return
	}
	// Order within the partition matters for deltas, so each one is sent
	// on its own before the next fetch.
	_ = c.sender.SendDelta(ctx, ev.OrgID, models.DeltaMessage{
		Email:     ev.Email,
		DeltaType: ev.DeltaType,
		EventID:   ev.EventID,
	})
	metrics.BridgeConsumed.WithLabelValues(c.topic, "ok").Inc()
}
