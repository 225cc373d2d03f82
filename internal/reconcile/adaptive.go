package reconcile

import (
	"log/slog"
	"sync"

	"github.com/ctopuviyan/OrgOnboarder/internal/metrics"
)

// Adaptive batch-size bounds. The upper bound is the store's atomic batch
// cap; the lower bound keeps batches worth their per-call cost.
const (
	minBatchSize = 100
	maxBatchSize = 500
)

// Thresholds for shrinking and growing the write-batch size.
const (
	defaultShrinkThreshold = 0.8
	growThreshold          = 0.05
	shrinkFactor           = 0.7
	growFactor             = 1.2
)

// BatchSizer adapts the write-batch size to the error rate observed per
// invocation. The value persists across invocations of the owning
// reconciler; concurrent readers see the last adapted value, which is
// advisory.
type BatchSizer struct {
	mu     sync.Mutex
	size   int
	shrink float64
	log    *slog.Logger
}

// NewBatchSizer starts at initial (clamped to the store's batch cap).
// shrinkThreshold at or below zero falls back to the default 0.8.
func NewBatchSizer(initial int, shrinkThreshold float64, log *slog.Logger) *BatchSizer {
	if initial < 1 {
		initial = maxBatchSize
	}
	if initial > maxBatchSize {
		initial = maxBatchSize
	}
	if shrinkThreshold <= 0 {
		shrinkThreshold = defaultShrinkThreshold
	}
	metrics.BatchSize.Set(float64(initial))
	return &BatchSizer{size: initial, shrink: shrinkThreshold, log: log}
}

// Current returns the batch size the next wave should use.
func (s *BatchSizer) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Observe feeds one wave's error rate into the sizer. Rates above the
// shrink threshold cut the size by 30% (floor 100); rates below 5% grow it
// by 20% (cap 500) when it had shrunk.
func (s *BatchSizer) Observe(errorRate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.size
	switch {
	case errorRate > s.shrink:
		s.size = int(float64(s.size) * shrinkFactor)
		if s.size < minBatchSize {
			s.size = minBatchSize
		}
	case errorRate < growThreshold && s.size < maxBatchSize:
		s.size = int(float64(s.size) * growFactor)
		if s.size > maxBatchSize {
			s.size = maxBatchSize
		}
	}
	if s.size != prev {
		metrics.BatchSize.Set(float64(s.size))
		s.log.Info("batch_size_adapted",
			slog.Int("from", prev),
			slog.Int("to", s.size),
			slog.Float64("error_rate", errorRate),
		)
	}
}
