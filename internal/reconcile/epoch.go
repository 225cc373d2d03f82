// Package reconcile implements the epoch-based convergence core: run
// lifecycle, bulk upsert reconciliation with adaptive batching and a write
// circuit breaker, streamed delta application, and the finalize sweep.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ctopuviyan/OrgOnboarder/internal/metrics"
	"github.com/ctopuviyan/OrgOnboarder/internal/store"
)

// EpochManager allocates run numbers and keeps the organization document's
// epoch fields current.
type EpochManager struct {
	store store.Store
	log   *slog.Logger
}

// NewEpochManager wires the manager to its store.
func NewEpochManager(st store.Store, log *slog.Logger) *EpochManager {
	return &EpochManager{store: st, log: log}
}

// BeginRun reads the organization's current epoch (missing counts as zero)
// and writes currentEpoch+1, merging the optional display name. Allocation
// is read-then-write, not a transaction: concurrent callers for one org can
// allocate the same number and their runs merge, which the data model
// tolerates because lastSeenEpoch is a high-water mark.
func (m *EpochManager) BeginRun(ctx context.Context, orgID, name string) (int64, error) {
	var current int64
	org, err := m.store.GetOrganization(ctx, orgID)
	switch {
	case err == nil:
		current = org.CurrentEpoch
	case errors.Is(err, store.ErrNotFound):
		current = 0
	default:
		return 0, fmt.Errorf("read organization %s: %w", orgID, err)
	}

	epoch := current + 1
	fields := map[string]any{store.FieldCurrentEpoch: epoch}
	if name != "" {
		fields[store.FieldName] = name
	}
	if err := m.store.MergeOrganization(ctx, orgID, fields); err != nil {
		return 0, fmt.Errorf("begin run for %s: %w", orgID, err)
	}

	metrics.EpochsBegun.Inc()
	m.log.Info("epoch_begun", slog.String("org", orgID), slog.Int64("epoch", epoch))
	return epoch, nil
}
