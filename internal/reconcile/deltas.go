package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ctopuviyan/OrgOnboarder/internal/metrics"
	"github.com/ctopuviyan/OrgOnboarder/internal/models"
	"github.com/ctopuviyan/OrgOnboarder/internal/roster"
	"github.com/ctopuviyan/OrgOnboarder/internal/store"
)

// DeltaResult reports one delta batch's accounting. Skipped covers invalid
// payloads and members absent from the organization.
type DeltaResult struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
}

// DeltaProcessor applies individual membership events to existing employee
// documents. Deltas never create documents: an event for an unknown email
// is skipped, not upserted.
type DeltaProcessor struct {
	store store.Store
	cache *store.LookupCache
	cfg   ReconcilerConfig
	log   *slog.Logger
}

func NewDeltaProcessor(st store.Store, cache *store.LookupCache, cfg ReconcilerConfig, log *slog.Logger) *DeltaProcessor {
	return &DeltaProcessor{store: st, cache: cache, cfg: cfg.withDefaults(), log: log}
}

// Apply processes the deltas one by one in input order so that later events
// for the same member supersede earlier ones. Source tags provenance on
// every touched document.
func (p *DeltaProcessor) Apply(ctx context.Context, orgID string, deltas []models.DeltaMessage, source string) (DeltaResult, error) {
	var res DeltaResult
	for _, d := range deltas {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ok, err := p.applyOne(ctx, orgID, d, source)
		if err != nil {
			return res, err
		}
		if ok {
			res.Processed++
			metrics.DeltaMessages.WithLabelValues("processed").Inc()
		} else {
			res.Skipped++
			metrics.DeltaMessages.WithLabelValues("skipped").Inc()
		}
	}
	p.log.Info("deltas_applied",
		slog.String("org", orgID),
		slog.Int("processed", res.Processed),
		slog.Int("skipped", res.Skipped),
	)
	return res, nil
}

func (p *DeltaProcessor) applyOne(ctx context.Context, orgID string, d models.DeltaMessage, source string) (bool, error) {
	email := roster.NormalizeEmail(d.Email)
	if !roster.ValidEmail(email) {
		p.log.Warn("delta_invalid_email", slog.String("org", orgID), slog.String("email", d.Email))
		return false, nil
	}
	status, present, ok := d.DeltaType.Transition()
	if !ok {
		p.log.Warn("delta_unknown_type", slog.String("org", orgID), slog.String("type", string(d.DeltaType)))
		return false, nil
	}

	docID, found, err := p.resolveDoc(ctx, orgID, email)
	if err != nil {
		return false, fmt.Errorf("resolve %s in %s: %w", email, orgID, err)
	}
	if !found {
		p.log.Info("delta_member_absent", slog.String("org", orgID), slog.String("email", email))
		return false, nil
	}

	fields := map[string]any{
		store.FieldStatus:  string(status),
		store.FieldPresent: present,
		store.FieldSource:  source,
	}
	if d.EventID != "" {
		fields[store.FieldLastEventID] = d.EventID
	}
	err = p.withRetry(ctx, func() error {
		return p.store.UpdateEmployee(ctx, orgID, docID, fields)
	})
	if errors.Is(err, store.ErrNotFound) {
		// Stale cache entry: the document vanished between lookup and
		// update. Drop the org's entries and treat the member as absent.
		p.cache.Invalidate(orgID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("update %s in %s: %w", docID, orgID, err)
	}
	return true, nil
}

// resolveDoc finds the employee document for email, cache first, store
// second. A cache hit that later proves stale is handled by the caller.
func (p *DeltaProcessor) resolveDoc(ctx context.Context, orgID, email string) (string, bool, error) {
	refs, _ := p.cache.Lookup(orgID, []string{email})
	if id, ok := refs[email]; ok {
		return id, true, nil
	}

	var doc *models.EmployeeDoc
	err := p.withRetry(ctx, func() error {
		var qerr error
		doc, qerr = p.store.GetEmployeeByEmail(ctx, orgID, email)
		return qerr
	})
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	p.cache.Populate(orgID, map[string]string{email: doc.ID})
	return doc.ID, true, nil
}

func (p *DeltaProcessor) withRetry(ctx context.Context, fn func() error) error {
	return retryStore(ctx, p.cfg.RetryBase, p.cfg.RetryMax, p.cfg.MaxRetries, fn)
}
