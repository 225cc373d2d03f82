// Package metrics defines the prometheus collectors shared by the store,
// reconciler and bridge. All collectors register against the default
// registry; /metrics is served by promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Store operation results.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

var (
	// StoreOps counts document-store calls by operation and result.
	StoreOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roster_store_ops_total",
		Help: "Document store operations by op and result.",
	}, []string{"op", "result"})

	// StoreLatency observes document-store call latency per operation.
	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roster_store_op_seconds",
		Help:    "Latency of document store operations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// ReconcileRows counts reconciled input rows by outcome.
	ReconcileRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roster_reconcile_rows_total",
		Help: "Upsert rows by outcome (processed, skipped, errors).",
	}, []string{"outcome"})

	// ReconcileInvocations counts reconciler invocations by result.
	ReconcileInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roster_reconcile_invocations_total",
		Help: "Reconciler invocations by result (ok, circuit_open, error).",
	}, []string{"result"})

	// BatchSize reports the current adaptive write-batch size.
	BatchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roster_reconcile_batch_size",
		Help: "Current adaptive write-batch size.",
	})

	// CircuitState reports the breaker state: 0 closed, 1 half-open, 2 open.
	CircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roster_circuit_state",
		Help: "Write-path circuit breaker state (0 closed, 1 half-open, 2 open).",
	})

	// CacheEvents counts lookup-cache activity.
	CacheEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roster_cache_events_total",
		Help: "Lookup cache events (hit, miss, expire, evict).",
	}, []string{"event"})

	// CacheBytes reports the lookup cache's accounted size.
	CacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roster_cache_bytes",
		Help: "Approximate bytes held by the lookup cache.",
	})

	// DeltaMessages counts processed delta messages by outcome.
	DeltaMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roster_delta_messages_total",
		Help: "Delta messages by outcome (processed, skipped).",
	}, []string{"outcome"})

	// EpochsBegun counts beginRun calls.
	EpochsBegun = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roster_epochs_begun_total",
		Help: "Epoch runs started.",
	})

	// FinalizeRuns counts finalize sweeps by result.
	FinalizeRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roster_finalize_runs_total",
		Help: "Finalize sweeps by result.",
	}, []string{"result"})

	// FinalizeMarked counts employees marked absent by finalize sweeps.
	FinalizeMarked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roster_finalize_marked_total",
		Help: "Employees marked absent by finalize sweeps.",
	})

	// BridgeConsumed counts consumed stream messages by topic and result.
	BridgeConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roster_bridge_consumed_total",
		Help: "Stream messages consumed by topic and result (ok, invalid).",
	}, []string{"topic", "result"})

	// BridgeFlushes counts batch flushes by trigger.
	BridgeFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roster_bridge_flush_total",
		Help: "Batch flushes by trigger (size, age, shutdown).",
	}, []string{"reason"})

	// BridgeSends counts delivery outcomes after the retry policy ran.
	BridgeSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roster_bridge_send_total",
		Help: "Batch deliveries by outcome (ok, duplicate, dropped).",
	}, []string{"result"})

	// BridgeSendLatency observes end-to-end delivery latency including retries.
	BridgeSendLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "roster_bridge_send_seconds",
		Help:    "Batch delivery latency including retries.",
		Buckets: prometheus.DefBuckets,
	})
)

// CacheObserver adapts the collectors above to the lookup cache's observer
// interface.
type CacheObserver struct{}

func (CacheObserver) CacheHit(n int) { CacheEvents.WithLabelValues("hit").Add(float64(n)) }

func (CacheObserver) CacheMiss(n int) { CacheEvents.WithLabelValues("miss").Add(float64(n)) }

func (CacheObserver) CacheExpired() { CacheEvents.WithLabelValues("expire").Inc() }

func (CacheObserver) CacheEvicted(bytes int64) { CacheEvents.WithLabelValues("evict").Inc() }

func (CacheObserver) CacheSize(total int64) { CacheBytes.Set(float64(total)) }
