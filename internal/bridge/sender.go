package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ctopuviyan/OrgOnboarder/internal/config"
	"github.com/ctopuviyan/OrgOnboarder/internal/metrics"
	"github.com/ctopuviyan/OrgOnboarder/internal/models"
)

// maxSendBytes mirrors the reconciler's request-body cap. Encoded batches
// above it are split in half before sending.
const maxSendBytes = 10 << 20

// Sender delivers batches to the reconciler over HTTP. Transport errors,
// 5xx and 429 are retried with exponential backoff and jitter; other 4xx
// stop immediately; 409 means the batch was already applied downstream and
// counts as success. A batch that exhausts its retries is dropped with an
// error log, there is no dead-letter queue.
type Sender struct {
	baseURL string
	token   string
	client  *http.Client

	retryBase time.Duration
	retryMax  time.Duration
	maxTries  int
	log       *slog.Logger
}

// NewSender builds a sender from the bridge configuration. The client keeps
// connections alive across sends.
func NewSender(cfg *config.Bridge, log *slog.Logger) *Sender {
	return &Sender{
		baseURL:   cfg.NormalizerBaseURL,
		token:     cfg.IngestionToken,
		client:    &http.Client{Timeout: cfg.HTTPTimeout},
		retryBase: cfg.RetryBase,
		retryMax:  cfg.RetryMax,
		maxTries:  cfg.MaxRetries,
		log:       log,
	}
}

type upsertPayload struct {
	OrgID    string             `json:"orgId"`
	Messages []models.UpsertRow `json:"messages"`
}

type deltaPayload struct {
	OrgID    string                `json:"orgId"`
	Messages []models.DeltaMessage `json:"messages"`
}

// SendUpserts delivers one event's rows. Oversized payloads split in half
// recursively; each piece keeps the event id so the reconciler deduplicates
// redelivered pieces individually.
func (s *Sender) SendUpserts(ctx context.Context, orgID, eventID string, rows []models.UpsertRow) error {
	if len(rows) == 0 {
		return nil
	}
	body, err := json.Marshal(upsertPayload{OrgID: orgID, Messages: rows})
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	if len(body) > maxSendBytes && len(rows) > 1 {
		mid := len(rows) / 2
		if err := s.SendUpserts(ctx, orgID, eventID, rows[:mid]); err != nil {
			return err
		}
		return s.SendUpserts(ctx, orgID, eventID, rows[mid:])
	}

	q := url.Values{}
	q.Set("orgId", orgID)
	q.Set("eventId", eventID)
	if err := s.deliver(ctx, "/ingest/kafka/upserts", q, body); err != nil {
		s.log.Error("upsert_batch_dropped",
			slog.String("org", orgID),
			slog.String("event", eventID),
			slog.Int("rows", len(rows)),
			slog.Any("err", err),
		)
		return err
	}
	return nil
}

// SendDelta forwards a single delta. Deltas are order-sensitive within a
// partition, so callers send them one at a time.
func (s *Sender) SendDelta(ctx context.Context, orgID string, d models.DeltaMessage) error {
	body, err := json.Marshal(deltaPayload{OrgID: orgID, Messages: []models.DeltaMessage{d}})
	if err != nil {
		return fmt.Errorf("encode delta: %w", err)
	}
	q := url.Values{}
	q.Set("orgId", orgID)
	if err := s.deliver(ctx, "/ingest/kafka/deltas", q, body); err != nil {
		s.log.Error("delta_dropped",
			slog.String("org", orgID),
			slog.String("email", d.Email),
			slog.Any("err", err),
		)
		return err
	}
	return nil
}

// deliver runs one POST through the retry policy and records the outcome.
func (s *Sender) deliver(ctx context.Context, path string, q url.Values, body []byte) error {
	start := time.Now()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retryBase
	bo.MaxInterval = s.retryMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2

	outcome, err := backoff.Retry(ctx, func() (string, error) {
		return s.post(ctx, path, q, body)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(s.maxTries)))

	metrics.BridgeSendLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.BridgeSends.WithLabelValues("dropped").Inc()
		return err
	}
	metrics.BridgeSends.WithLabelValues(outcome).Inc()
	return nil
}

func (s *Sender) post(ctx context.Context, path string, q url.Values, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path+"?"+q.Encode(), bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Auth", s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		// The reconciler already applied this exact batch.
		return "duplicate", nil
	case resp.StatusCode < 300:
		return "ok", nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", fmt.Errorf("reconciler answered %d", resp.StatusCode)
	default:
		return "", backoff.Permanent(fmt.Errorf("reconciler answered %d", resp.StatusCode))
	}
}
