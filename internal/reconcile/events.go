package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"

	"github.com/ctopuviyan/OrgOnboarder/internal/models"
	"github.com/ctopuviyan/OrgOnboarder/internal/roster"
	"github.com/ctopuviyan/OrgOnboarder/internal/store"
)

// EventRegistry answers "was this exact batch already applied for this
// event?" so redelivered batches collapse into an idempotent duplicate.
// An event accumulates one digest per distinct batch content, which lets
// several row chunks of one event pass through while an identical resend is
// refused. Recording happens after processing: a crash in between yields a
// reprocess on redelivery, which the upsert path tolerates.
type EventRegistry struct {
	store store.Store
	log   *slog.Logger
}

// NewEventRegistry wires the registry to its store.
func NewEventRegistry(st store.Store, log *slog.Logger) *EventRegistry {
	return &EventRegistry{store: st, log: log}
}

// BatchDigest fingerprints one delivered batch: the event id plus each
// row's normalized email and raw status, in delivery order. Rows that only
// differ in order digest differently, which is correct — the sender
// retransmits byte-identical batches.
func BatchDigest(eventID string, rows []models.UpsertRow) string {
	h := sha256.New()
	io.WriteString(h, eventID)
	h.Write([]byte{0x00})
	for _, row := range rows {
		io.WriteString(h, roster.NormalizeEmail(row.Email))
		h.Write([]byte{0x1f})
		io.WriteString(h, row.StatusInOrg)
		h.Write([]byte{0x1e})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Check digests the batch and reports whether it was already applied.
// Batches without an event id cannot be deduplicated and always pass.
func (r *EventRegistry) Check(ctx context.Context, orgID, eventID string, rows []models.UpsertRow) (digest string, duplicate bool, err error) {
	if eventID == "" {
		return "", false, nil
	}
	digest = BatchDigest(eventID, rows)
	duplicate, err = r.store.HasEventDigest(ctx, orgID, eventID, digest)
	if err != nil {
		return "", false, fmt.Errorf("check event %s: %w", eventID, err)
	}
	if duplicate {
		r.log.Info("duplicate_event_batch",
			slog.String("org", orgID),
			slog.String("event", eventID),
			slog.Int("rows", len(rows)),
		)
	}
	return digest, duplicate, nil
}

// MarkApplied records the digest once the batch has been processed. Safe to
// call with an empty digest (no event id).
func (r *EventRegistry) MarkApplied(ctx context.Context, orgID, eventID, digest string) error {
	if eventID == "" || digest == "" {
		return nil
	}
	if err := r.store.RecordEventDigest(ctx, orgID, eventID, digest); err != nil {
		return fmt.Errorf("record event %s: %w", eventID, err)
	}
	return nil
}
