package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/ctopuviyan/OrgOnboarder/internal/metrics"
	"github.com/ctopuviyan/OrgOnboarder/internal/models"
	"github.com/ctopuviyan/OrgOnboarder/internal/roster"
	"github.com/ctopuviyan/OrgOnboarder/internal/store"
)

// ReconcilerConfig carries the per-instance tunables. Zero values fall back
// to the production defaults.
type ReconcilerConfig struct {
	// InitialBatchSize seeds the adaptive write-batch size (cap 500).
	InitialBatchSize int
	// QueryChunkSize is the number of emails per keyed IN query (cap 10).
	QueryChunkSize int
	// MaxParallel bounds in-flight store calls per invocation.
	MaxParallel int
	// ShrinkThreshold is the per-invocation error rate above which the
	// batch size shrinks.
	ShrinkThreshold float64
	// Retry policy for store calls that fail with a retryable error.
	RetryBase  time.Duration
	RetryMax   time.Duration
	MaxRetries int
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.InitialBatchSize <= 0 {
		c.InitialBatchSize = maxBatchSize
	}
	if c.QueryChunkSize <= 0 || c.QueryChunkSize > store.MaxInValues {
		c.QueryChunkSize = store.MaxInValues
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMax < c.RetryBase {
		c.RetryMax = 15 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 8
	}
	return c
}

// Result reports one invocation's row accounting. Processed, Skipped and
// Errors sum to the number of input rows: duplicates collapsed by the
// last-write-wins pass and rows with invalid emails count as skipped, rows
// in failed batch commits count as errors.
type Result struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Reconciler converges an organization's employee collection onto a list of
// upsert rows. One invocation deduplicates its input, resolves existing
// documents through the lookup cache and chunked IN queries, writes in
// adaptive-size batches with bounded parallelism, and feeds every commit
// outcome to the write guard.
type Reconciler struct {
	store store.Store
	cache *store.LookupCache
	guard *WriteGuard
	sizer *BatchSizer
	cfg   ReconcilerConfig
	log   *slog.Logger
}

// NewReconciler wires the reconciler. The guard and cache are shared with
// other components and must outlive it.
func NewReconciler(st store.Store, cache *store.LookupCache, guard *WriteGuard, cfg ReconcilerConfig, log *slog.Logger) *Reconciler {
	cfg = cfg.withDefaults()
	return &Reconciler{
		store: st,
		cache: cache,
		guard: guard,
		sizer: NewBatchSizer(cfg.InitialBatchSize, cfg.ShrinkThreshold, log),
		cfg:   cfg,
		log:   log,
	}
}

// BatchSize exposes the current adaptive batch size.
func (r *Reconciler) BatchSize() int {
	return r.sizer.Current()
}

// Reconcile applies one batch of upsert rows for (orgID, epoch). Rows reach
// the store with presentInLatest=true and lastSeenEpoch=epoch; source tags
// provenance. Returns ErrCircuitOpen without touching the store while the
// write guard refuses work.
func (r *Reconciler) Reconcile(ctx context.Context, orgID string, rows []models.UpsertRow, epoch int64, source string) (Result, error) {
	if r.guard.Open() {
		metrics.ReconcileInvocations.WithLabelValues("circuit_open").Inc()
		return Result{}, ErrCircuitOpen
	}

	start := time.Now()
	var res Result

	deduped, skipped := dedupeRows(rows)
	res.Skipped = skipped
	if len(deduped) == 0 {
		r.countRows(res)
		metrics.ReconcileInvocations.WithLabelValues("ok").Inc()
		return res, nil
	}

	refs, err := r.resolveExisting(ctx, orgID, deduped)
	if err != nil {
		metrics.ReconcileInvocations.WithLabelValues("error").Inc()
		return res, fmt.Errorf("resolve employees for %s: %w", orgID, err)
	}

	writes := r.prepareWrites(deduped, refs, epoch, source)
	processed, failed, applied := r.commitWaves(ctx, orgID, writes)
	res.Processed = processed
	res.Errors = failed
	r.cache.Populate(orgID, applied)

	r.countRows(res)
	result := "ok"
	if failed > 0 {
		result = "error"
	}
	metrics.ReconcileInvocations.WithLabelValues(result).Inc()

	r.log.Info("reconcile_done",
		slog.String("org", orgID),
		slog.Int64("epoch", epoch),
		slog.Int("processed", res.Processed),
		slog.Int("skipped", res.Skipped),
		slog.Int("errors", res.Errors),
		slog.Int("batch_size", r.sizer.Current()),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return res, nil
}

func (r *Reconciler) countRows(res Result) {
	metrics.ReconcileRows.WithLabelValues("processed").Add(float64(res.Processed))
	metrics.ReconcileRows.WithLabelValues("skipped").Add(float64(res.Skipped))
	metrics.ReconcileRows.WithLabelValues("errors").Add(float64(res.Errors))
}

// dedupeRows walks the input in reverse keeping the last occurrence per
// normalized email, then restores input order of the kept occurrences.
// Invalid emails and collapsed duplicates are counted as skipped.
func dedupeRows(rows []models.UpsertRow) ([]models.UpsertRow, int) {
	seen := make(map[string]bool, len(rows))
	kept := make([]models.UpsertRow, 0, len(rows))
	skipped := 0
	for i := len(rows) - 1; i >= 0; i-- {
		email := roster.NormalizeEmail(rows[i].Email)
		if !roster.ValidEmail(email) {
			skipped++
			continue
		}
		if seen[email] {
			skipped++
			continue
		}
		seen[email] = true
		row := rows[i]
		row.Email = email
		kept = append(kept, row)
	}
	// Reverse the reverse walk so writes happen in input order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept, skipped
}

// resolveExisting maps each email to its document id, consulting the cache
// first and issuing chunked parallel IN queries for the misses.
func (r *Reconciler) resolveExisting(ctx context.Context, orgID string, rows []models.UpsertRow) (map[string]string, error) {
	emails := make([]string, len(rows))
	for i, row := range rows {
		emails[i] = row.Email
	}
	refs, missing := r.cache.Lookup(orgID, emails)
	if len(missing) == 0 {
		return refs, nil
	}

	var mu sync.Mutex
	fetched := make(map[string]string, len(missing))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxParallel)
	for begin := 0; begin < len(missing); begin += r.cfg.QueryChunkSize {
		chunk := missing[begin:min(begin+r.cfg.QueryChunkSize, len(missing))]
		g.Go(func() error {
			var docs []models.EmployeeDoc
			err := r.withRetry(gctx, func() error {
				var qerr error
				docs, qerr = r.store.QueryEmployeesByEmail(gctx, orgID, chunk)
				return qerr
			})
			if err != nil {
				return err
			}
			mu.Lock()
			for _, doc := range docs {
				fetched[doc.Email] = doc.ID
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	r.cache.Populate(orgID, fetched)
	for email, id := range fetched {
		refs[email] = id
	}
	return refs, nil
}

// prepareWrites composes the store updates: resolved emails become merges
// onto their existing document, unresolved ones become creates under a
// fresh id.
func (r *Reconciler) prepareWrites(rows []models.UpsertRow, refs map[string]string, epoch int64, source string) []models.EmployeeWrite {
	writes := make([]models.EmployeeWrite, 0, len(rows))
	for _, row := range rows {
		w := models.EmployeeWrite{
			Email:         row.Email,
			Status:        roster.NormalizeStatus(row.StatusInOrg),
			LastSeenEpoch: epoch,
			Source:        source,
			EventID:       row.EventID,
		}
		if id, ok := refs[row.Email]; ok {
			w.DocID = id
		} else {
			w.DocID = r.store.NewEmployeeID()
			w.Create = true
		}
		writes = append(writes, w)
	}
	return writes
}

// commitWaves splits the writes into groups of the current adaptive size
// and commits them in bounded-parallel waves. Group failures are
// independent; each wave's error rate feeds the sizer. While the guard is
// not fully closed, waves narrow to a single probe commit.
func (r *Reconciler) commitWaves(ctx context.Context, orgID string, writes []models.EmployeeWrite) (processed, failed int, applied map[string]string) {
	applied = make(map[string]string)
	var groupsOK, groupsFailed int

	remaining := writes
	for len(remaining) > 0 {
		if ctx.Err() != nil {
			failed += len(remaining)
			return processed, failed, applied
		}

		parallel := r.cfg.MaxParallel
		if !r.guard.Closed() {
			parallel = 1
		}
		size := r.sizer.Current()

		var wave [][]models.EmployeeWrite
		for len(remaining) > 0 && len(wave) < parallel {
			n := min(size, len(remaining))
			wave = append(wave, remaining[:n])
			remaining = remaining[n:]
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, group := range wave {
			wg.Add(1)
			go func(group []models.EmployeeWrite) {
				defer wg.Done()
				err := r.guard.Do(func() error {
					return r.withRetry(ctx, func() error {
						return r.store.CommitEmployees(ctx, orgID, group)
					})
				})
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					groupsFailed++
					failed += len(group)
					r.log.Error("batch_commit_failed",
						slog.String("org", orgID),
						slog.Int("rows", len(group)),
						slog.Any("err", err),
					)
					return
				}
				groupsOK++
				processed += len(group)
				for _, w := range group {
					applied[w.Email] = w.DocID
				}
			}(group)
		}
		wg.Wait()

		r.sizer.Observe(float64(groupsFailed) / float64(groupsOK+groupsFailed))
	}
	return processed, failed, applied
}

// withRetry retries fn with exponential backoff and ±20% jitter while the
// store reports the failure as retryable. Other errors return immediately.
func (r *Reconciler) withRetry(ctx context.Context, fn func() error) error {
	return retryStore(ctx, r.cfg.RetryBase, r.cfg.RetryMax, r.cfg.MaxRetries, fn)
}

func retryStore(ctx context.Context, base, ceiling time.Duration, tries int, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.MaxInterval = ceiling
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := fn(); err != nil {
			if store.IsRetryable(err) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(tries)))
	return err
}
