package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/ctopuviyan/OrgOnboarder/internal/models"
)

func TestMemoryOrganizationMerge(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := NewMemory(clock)

	_, err := m.GetOrganization(ctx, "acme")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.MergeOrganization(ctx, "acme", map[string]any{
		FieldCurrentEpoch: int64(1),
		FieldName:         "Acme Inc",
	}))

	org, err := m.GetOrganization(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, int64(1), org.CurrentEpoch)
	require.Equal(t, "Acme Inc", org.Name)
	require.Equal(t, clock.Now(), org.UpdatedAt)

	// Merge writes only the supplied fields.
	require.NoError(t, m.MergeOrganization(ctx, "acme", map[string]any{
		FieldLastFinalizedEpoch: int64(1),
	}))
	org, err = m.GetOrganization(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, "Acme Inc", org.Name)
	require.Equal(t, int64(1), org.LastFinalizedEpoch)
}

func TestMemoryCommitCreateAndMerge(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(clockwork.NewFakeClock())

	id := m.NewEmployeeID()
	require.NoError(t, m.CommitEmployees(ctx, "acme", []models.EmployeeWrite{{
		DocID:         id,
		Create:        true,
		Email:         "alice@x.com",
		Status:        models.StatusActive,
		LastSeenEpoch: 1,
		Source:        models.SourceKafkaUpsert,
		EventID:       "ev-1",
	}}))

	doc, err := m.GetEmployeeByEmail(ctx, "acme", "alice@x.com")
	require.NoError(t, err)
	require.Equal(t, id, doc.ID)
	require.Equal(t, models.StatusActive, doc.StatusInOrg)
	require.True(t, doc.PresentInLatest)
	require.Equal(t, "ev-1", doc.LastEventID)

	// Merge without an event id keeps the previous one.
	require.NoError(t, m.CommitEmployees(ctx, "acme", []models.EmployeeWrite{{
		DocID:         id,
		Email:         "alice@x.com",
		Status:        models.StatusInactive,
		LastSeenEpoch: 2,
		Source:        models.SourceEmailUpsert,
	}}))
	doc, err = m.GetEmployee(ctx, "acme", id)
	require.NoError(t, err)
	require.Equal(t, models.StatusInactive, doc.StatusInOrg)
	require.Equal(t, int64(2), doc.LastSeenEpoch)
	require.Equal(t, "ev-1", doc.LastEventID)
}

func TestMemoryCommitCreateConflictAppliesNothing(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(clockwork.NewFakeClock())

	id := m.NewEmployeeID()
	require.NoError(t, m.CommitEmployees(ctx, "acme", []models.EmployeeWrite{{
		DocID: id, Create: true, Email: "a@x.com", Status: models.StatusActive, LastSeenEpoch: 1,
	}}))

	err := m.CommitEmployees(ctx, "acme", []models.EmployeeWrite{
		{DocID: m.NewEmployeeID(), Create: true, Email: "b@x.com", Status: models.StatusActive, LastSeenEpoch: 1},
		{DocID: id, Create: true, Email: "a@x.com", Status: models.StatusActive, LastSeenEpoch: 1},
	})
	require.ErrorIs(t, err, ErrAlreadyExists)

	_, err = m.GetEmployeeByEmail(ctx, "acme", "b@x.com")
	require.ErrorIs(t, err, ErrNotFound, "failed batch must not apply partially")
}

func TestMemoryQueryByEmailChunkLimit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(clockwork.NewFakeClock())

	emails := make([]string, MaxInValues+1)
	for i := range emails {
		emails[i] = fmt.Sprintf("u%d@x.com", i)
	}
	_, err := m.QueryEmployeesByEmail(ctx, "acme", emails)
	require.Error(t, err)

	_, err = m.QueryEmployeesByEmail(ctx, "acme", emails[:MaxInValues])
	require.NoError(t, err)
}

func TestMemoryScanPresentBeforePagination(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(clockwork.NewFakeClock())

	var writes []models.EmployeeWrite
	for i := 0; i < 4; i++ {
		writes = append(writes, models.EmployeeWrite{
			DocID:         fmt.Sprintf("doc-%d", i),
			Create:        true,
			Email:         fmt.Sprintf("u%d@x.com", i),
			Status:        models.StatusActive,
			LastSeenEpoch: 1,
		})
	}
	require.NoError(t, m.CommitEmployees(ctx, "acme", writes))

	// Four matching docs, page size two: two full pages, then the exact-page
	// boundary where the follow-up query returns empty.
	page1, cur, err := m.ScanPresentBefore(ctx, "acme", 2, 2, nil)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotNil(t, cur)

	page2, cur, err := m.ScanPresentBefore(ctx, "acme", 2, 2, cur)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	require.NotNil(t, cur)

	page3, cur, err := m.ScanPresentBefore(ctx, "acme", 2, 2, cur)
	require.NoError(t, err)
	require.Empty(t, page3)
	require.Nil(t, cur)

	seen := map[string]bool{}
	for _, d := range append(page1, page2...) {
		require.False(t, seen[d.ID], "doc %s returned twice", d.ID)
		seen[d.ID] = true
	}
}

func TestMemoryMarkAbsentAndCount(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(clockwork.NewFakeClock())

	require.NoError(t, m.CommitEmployees(ctx, "acme", []models.EmployeeWrite{
		{DocID: "d1", Create: true, Email: "a@x.com", Status: models.StatusActive, LastSeenEpoch: 1},
		{DocID: "d2", Create: true, Email: "b@x.com", Status: models.StatusActive, LastSeenEpoch: 1},
	}))

	n, err := m.CountPresent(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	require.NoError(t, m.MarkEmployeesAbsent(ctx, "acme", []string{"d1"}))
	n, err = m.CountPresent(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	doc, err := m.GetEmployee(ctx, "acme", "d1")
	require.NoError(t, err)
	require.False(t, doc.PresentInLatest)
	require.Equal(t, models.StatusActive, doc.StatusInOrg, "mark absent must not touch status")
}

func TestMemoryEventDigests(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(clockwork.NewFakeClock())

	ok, err := m.HasEventDigest(ctx, "acme", "ev-1", "sha-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.RecordEventDigest(ctx, "acme", "ev-1", "sha-1"))

	ok, err = m.HasEventDigest(ctx, "acme", "ev-1", "sha-1")
	require.NoError(t, err)
	require.True(t, ok)

	// A different chunk of the same event is not a duplicate.
	ok, err = m.HasEventDigest(ctx, "acme", "ev-1", "sha-2")
	require.NoError(t, err)
	require.False(t, ok)
}
