package reconcile

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func failOp() error    { return errBoom }
func successOp() error { return nil }

func TestWriteGuardTripsAfterMinSamples(t *testing.T) {
	g := NewWriteGuard(BreakerConfig{ErrorThreshold: 0.3, ResetTimeout: time.Minute, MinSamples: 4}, testLogger())

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, g.Do(failOp), errBoom)
		require.True(t, g.Closed(), "below the sample floor the breaker stays closed")
	}

	require.ErrorIs(t, g.Do(failOp), errBoom)
	require.True(t, g.Open())
}

func TestWriteGuardFastFailsWhileOpen(t *testing.T) {
	g := NewWriteGuard(BreakerConfig{ErrorThreshold: 0.3, ResetTimeout: time.Minute, MinSamples: 1}, testLogger())
	require.ErrorIs(t, g.Do(failOp), errBoom)
	require.True(t, g.Open())

	calls := 0
	err := g.Do(func() error {
		calls++
		return nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.Zero(t, calls, "open circuit must not run the operation")
}

func TestWriteGuardRecoversThroughHalfOpenProbe(t *testing.T) {
	g := NewWriteGuard(BreakerConfig{ErrorThreshold: 0.3, ResetTimeout: 30 * time.Millisecond, MinSamples: 1}, testLogger())
	require.ErrorIs(t, g.Do(failOp), errBoom)
	require.True(t, g.Open())

	time.Sleep(50 * time.Millisecond)
	require.False(t, g.Open(), "reset timeout elapsed, probe allowed")
	require.False(t, g.Closed(), "half-open is not closed")

	require.NoError(t, g.Do(successOp))
	require.True(t, g.Closed())
}

func TestWriteGuardReopensOnFailedProbe(t *testing.T) {
	g := NewWriteGuard(BreakerConfig{ErrorThreshold: 0.3, ResetTimeout: 30 * time.Millisecond, MinSamples: 1}, testLogger())
	require.ErrorIs(t, g.Do(failOp), errBoom)

	time.Sleep(50 * time.Millisecond)
	require.ErrorIs(t, g.Do(failOp), errBoom)
	require.True(t, g.Open(), "failed probe reopens the circuit")
}

func TestWriteGuardDefaultMinSamples(t *testing.T) {
	g := NewWriteGuard(BreakerConfig{ErrorThreshold: 0.3, ResetTimeout: time.Minute}, testLogger())

	for i := 0; i < DefaultCircuitMinSamples-1; i++ {
		require.ErrorIs(t, g.Do(failOp), errBoom)
	}
	require.True(t, g.Closed())

	require.ErrorIs(t, g.Do(failOp), errBoom)
	require.True(t, g.Open())
}
