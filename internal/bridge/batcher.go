// Package bridge consumes roster events from Kafka and forwards them to
// the reconciler over HTTP: upsert messages accumulate into per-event
// batches bounded by row count and age, deltas are forwarded one at a time
// in partition order. Every downstream failure is absorbed here so
// consumption never stalls the broker.
package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ctopuviyan/OrgOnboarder/internal/metrics"
	"github.com/ctopuviyan/OrgOnboarder/internal/models"
	"github.com/ctopuviyan/OrgOnboarder/internal/roster"
)

// upsertSender is the slice of Sender the batcher needs.
type upsertSender interface {
	SendUpserts(ctx context.Context, orgID, eventID string, rows []models.UpsertRow) error
}

// batchKey groups rows so a flushed batch always belongs to one event.
type batchKey struct {
	orgID   string
	eventID string
}

type pending struct {
	rows      []models.UpsertRow
	createdAt time.Time
}

// Batcher accumulates per-event upsert rows and flushes a batch when its
// row count reaches the cap or its age reaches the limit. The map lock is
// never held across a send: size flushes run on the caller's goroutine,
// age flushes on the sweep goroutine.
type Batcher struct {
	sender  upsertSender
	maxRows int
	maxAge  time.Duration
	clock   clockwork.Clock
	log     *slog.Logger

	mu      sync.Mutex
	batches map[batchKey]*pending
}

// NewBatcher wires the batcher. A nil clock means wall clock; the age sweep
// starts when Run is called.
func NewBatcher(sender upsertSender, maxRows int, maxAge time.Duration, clock clockwork.Clock, log *slog.Logger) *Batcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Batcher{
		sender:  sender,
		maxRows: maxRows,
		maxAge:  maxAge,
		clock:   clock,
		log:     log,
		batches: make(map[batchKey]*pending),
	}
}

// Add merges one message's rows into the event's batch, flushing by size
// when the row cap is reached. Emails are lowercased and trimmed on entry;
// rows without an email are dropped here, other invalid rows travel on and
// are counted by the reconciler.
func (b *Batcher) Add(ctx context.Context, orgID, eventID string, rows []models.UpsertRow) {
	cleaned := make([]models.UpsertRow, 0, len(rows))
	for _, row := range rows {
		row.Email = roster.NormalizeEmail(row.Email)
		if row.Email == "" {
			continue
		}
		cleaned = append(cleaned, row)
	}
	if len(cleaned) == 0 {
		return
	}

	key := batchKey{orgID: orgID, eventID: eventID}
	var full *pending
	b.mu.Lock()
	p := b.batches[key]
	if p == nil {
		p = &pending{createdAt: b.clock.Now()}
		b.batches[key] = p
	}
	p.rows = append(p.rows, cleaned...)
	if len(p.rows) >= b.maxRows {
		delete(b.batches, key)
		full = p
	}
	b.mu.Unlock()

	if full != nil {
		b.flush(ctx, key, full, "size")
	}
}

// Run drives the age sweep until ctx is cancelled. Batches still pending at
// that point stay in the map for Close.
func (b *Batcher) Run(ctx context.Context) {
	ticker := b.clock.NewTicker(b.maxAge)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			b.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Close flushes every remaining batch regardless of age. Call after the
// consumers and the sweep have stopped, with a context that survives
// process shutdown long enough for the sends.
func (b *Batcher) Close(ctx context.Context) {
	b.mu.Lock()
	remaining := b.batches
	b.batches = make(map[batchKey]*pending)
	b.mu.Unlock()

	for key, p := range remaining {
		b.flush(ctx, key, p, "shutdown")
	}
}

// sweep collects batches at or past the age limit under the lock, then
// sends them outside it.
func (b *Batcher) sweep(ctx context.Context) {
	type agedBatch struct {
		key batchKey
		p   *pending
	}
	cutoff := b.clock.Now().Add(-b.maxAge)

	var aged []agedBatch
	b.mu.Lock()
	for key, p := range b.batches {
		if !p.createdAt.After(cutoff) {
			delete(b.batches, key)
			aged = append(aged, agedBatch{key: key, p: p})
		}
	}
	b.mu.Unlock()

	for _, a := range aged {
		b.flush(ctx, a.key, a.p, "age")
	}
}

// flush sends one batch. Failures were already retried and logged by the
// sender; the batch is gone either way.
func (b *Batcher) flush(ctx context.Context, key batchKey, p *pending, reason string) {
	metrics.BridgeFlushes.WithLabelValues(reason).Inc()
	b.log.Info("batch_flush",
		slog.String("org", key.orgID),
		slog.String("event", key.eventID),
		slog.Int("rows", len(p.rows)),
		slog.String("reason", reason),
	)
	_ = b.sender.SendUpserts(ctx, key.orgID, key.eventID, p.rows)
}
