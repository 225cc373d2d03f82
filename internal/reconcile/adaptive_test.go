package reconcile

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBatchSizerClampsInitial(t *testing.T) {
	require.Equal(t, maxBatchSize, NewBatchSizer(0, 0, testLogger()).Current())
	require.Equal(t, maxBatchSize, NewBatchSizer(9999, 0, testLogger()).Current())
	require.Equal(t, 250, NewBatchSizer(250, 0, testLogger()).Current())
}

func TestBatchSizerShrinksToFloor(t *testing.T) {
	s := NewBatchSizer(500, 0.8, testLogger())

	s.Observe(0.9)
	require.Equal(t, 350, s.Current())

	for i := 0; i < 10; i++ {
		s.Observe(1.0)
		require.GreaterOrEqual(t, s.Current(), minBatchSize)
	}
	require.Equal(t, minBatchSize, s.Current())
}

func TestBatchSizerGrowsToCap(t *testing.T) {
	s := NewBatchSizer(100, 0.8, testLogger())

	s.Observe(0.0)
	require.Equal(t, 120, s.Current())

	for i := 0; i < 20; i++ {
		s.Observe(0.0)
		require.LessOrEqual(t, s.Current(), maxBatchSize)
	}
	require.Equal(t, maxBatchSize, s.Current())

	// At the cap a clean wave changes nothing.
	s.Observe(0.0)
	require.Equal(t, maxBatchSize, s.Current())
}

func TestBatchSizerThresholdBoundaries(t *testing.T) {
	s := NewBatchSizer(300, 0.8, testLogger())

	// Rates at the thresholds, not beyond them, leave the size alone.
	s.Observe(0.8)
	require.Equal(t, 300, s.Current())
	s.Observe(growThreshold)
	require.Equal(t, 300, s.Current())
	s.Observe(0.5)
	require.Equal(t, 300, s.Current())
}
