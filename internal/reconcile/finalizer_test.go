package reconcile

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ctopuviyan/OrgOnboarder/internal/models"
	"github.com/ctopuviyan/OrgOnboarder/internal/store"
)

func TestFinalizeMarksStaleEmployees(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(nil)
	f := NewFinalizer(mem, testConfig(), testLogger())

	// Epoch 1 rostered three employees; the epoch-2 snapshot re-listed
	// only alice and bob.
	seedEmployee(t, mem, "acme", "alice@x.com", models.StatusActive, 2)
	seedEmployee(t, mem, "acme", "bob@x.com", models.StatusActive, 2)
	seedEmployee(t, mem, "acme", "charlie@x.com", models.StatusLeft, 1)

	marked, err := f.FinalizeRun(ctx, "acme", 2)
	require.NoError(t, err)
	require.Equal(t, int64(1), marked)

	charlie, err := mem.GetEmployeeByEmail(ctx, "acme", "charlie@x.com")
	require.NoError(t, err)
	require.False(t, charlie.PresentInLatest)
	require.Equal(t, models.StatusLeft, charlie.StatusInOrg, "finalize only clears presence")
	require.Equal(t, int64(1), charlie.LastSeenEpoch)

	alice, err := mem.GetEmployeeByEmail(ctx, "acme", "alice@x.com")
	require.NoError(t, err)
	require.True(t, alice.PresentInLatest)

	org, err := mem.GetOrganization(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, int64(2), org.CurrentEpoch)
	require.Equal(t, int64(2), org.LastFinalizedEpoch)

	n, err := mem.CountPresent(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(nil)
	f := NewFinalizer(mem, testConfig(), testLogger())

	seedEmployee(t, mem, "acme", "alice@x.com", models.StatusActive, 1)

	marked, err := f.FinalizeRun(ctx, "acme", 2)
	require.NoError(t, err)
	require.Equal(t, int64(1), marked)

	marked, err = f.FinalizeRun(ctx, "acme", 2)
	require.NoError(t, err)
	require.Zero(t, marked, "second finalize finds nothing to mark")
}

func TestFinalizeSweepsAcrossPages(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(nil)
	f := NewFinalizer(mem, testConfig(), testLogger())
	f.pageSize = 2

	for i := 0; i < 5; i++ {
		seedEmployee(t, mem, "acme", fmt.Sprintf("u%d@x.com", i), models.StatusActive, int64(1+i%2))
	}

	marked, err := f.FinalizeRun(ctx, "acme", 3)
	require.NoError(t, err)
	require.Equal(t, int64(5), marked)

	n, err := mem.CountPresent(ctx, "acme")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestFinalizeTerminatesOnExactPage(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(nil)
	f := NewFinalizer(mem, testConfig(), testLogger())
	f.pageSize = 2

	// Exactly two full pages: the scan after the last full page must
	// come back empty rather than loop.
	for i := 0; i < 4; i++ {
		seedEmployee(t, mem, "acme", fmt.Sprintf("u%d@x.com", i), models.StatusActive, 1)
	}

	marked, err := f.FinalizeRun(ctx, "acme", 2)
	require.NoError(t, err)
	require.Equal(t, int64(4), marked)

	marked, err = f.FinalizeRun(ctx, "acme", 2)
	require.NoError(t, err)
	require.Zero(t, marked)
}

func TestFinalizeUntouchedOrganization(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(nil)
	f := NewFinalizer(mem, testConfig(), testLogger())

	marked, err := f.FinalizeRun(ctx, "empty-org", 1)
	require.NoError(t, err)
	require.Zero(t, marked)

	org, err := mem.GetOrganization(ctx, "empty-org")
	require.NoError(t, err)
	require.Equal(t, int64(1), org.LastFinalizedEpoch)
}
