package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ctopuviyan/OrgOnboarder/internal/metrics"
	"github.com/ctopuviyan/OrgOnboarder/internal/models"
	"github.com/ctopuviyan/OrgOnboarder/internal/store"
)

// DefaultFinalizePageSize is the sweep page size. Pages are marked absent
// in store-limit-sized atomic chunks, so the page may exceed one batch.
const DefaultFinalizePageSize = 1000

// Finalizer closes an epoch: every employee still flagged present whose
// lastSeenEpoch predates the epoch is marked absent, then the organization
// document records the epoch as finalized.
type Finalizer struct {
	store    store.Store
	pageSize int
	cfg      ReconcilerConfig
	log      *slog.Logger
}

func NewFinalizer(st store.Store, cfg ReconcilerConfig, log *slog.Logger) *Finalizer {
	return &Finalizer{store: st, pageSize: DefaultFinalizePageSize, cfg: cfg.withDefaults(), log: log}
}

// FinalizeRun sweeps (orgID, epoch) and returns how many employees were
// marked absent. Re-running for the same epoch is a no-op: the sweep
// predicate matches nothing the second time. Partial failures are safe to
// re-run for the same reason.
func (f *Finalizer) FinalizeRun(ctx context.Context, orgID string, epoch int64) (int64, error) {
	start := time.Now()
	var marked int64
	var cursor *store.Cursor

	for {
		var page []models.EmployeeDoc
		err := f.withRetry(ctx, func() error {
			var serr error
			page, cursor, serr = f.store.ScanPresentBefore(ctx, orgID, epoch, f.pageSize, cursor)
			return serr
		})
		if err != nil {
			metrics.FinalizeRuns.WithLabelValues(metrics.ResultError).Inc()
			return marked, fmt.Errorf("scan stale employees for %s: %w", orgID, err)
		}
		if len(page) > 0 {
			ids := make([]string, len(page))
			for i, doc := range page {
				ids[i] = doc.ID
			}
			err = f.withRetry(ctx, func() error {
				return f.store.MarkEmployeesAbsent(ctx, orgID, ids)
			})
			if err != nil {
				metrics.FinalizeRuns.WithLabelValues(metrics.ResultError).Inc()
				return marked, fmt.Errorf("mark absent for %s: %w", orgID, err)
			}
			marked += int64(len(ids))
		}
		if cursor == nil {
			break
		}
	}

	fields := map[string]any{
		store.FieldCurrentEpoch:       epoch,
		store.FieldLastFinalizedEpoch: epoch,
	}
	if err := f.withRetry(ctx, func() error {
		return f.store.MergeOrganization(ctx, orgID, fields)
	}); err != nil {
		metrics.FinalizeRuns.WithLabelValues(metrics.ResultError).Inc()
		return marked, fmt.Errorf("record finalized epoch for %s: %w", orgID, err)
	}

	metrics.FinalizeRuns.WithLabelValues(metrics.ResultOK).Inc()
	metrics.FinalizeMarked.Add(float64(marked))
	f.log.Info("run_finalized",
		slog.String("org", orgID),
		slog.Int64("epoch", epoch),
		slog.Int64("marked_absent", marked),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return marked, nil
}

func (f *Finalizer) withRetry(ctx context.Context, fn func() error) error {
	return retryStore(ctx, f.cfg.RetryBase, f.cfg.RetryMax, f.cfg.MaxRetries, fn)
}
