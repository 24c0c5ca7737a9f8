package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func epochDaysAgo(days int) int64 {
	return time.Now().UTC().AddDate(0, 0, -days).UnixMilli()
}

func TestArchiveByAge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	oldA, err := s.StoreObservation(ctx, ObservationInput{Type: "learning", Title: "stale insight", Narrative: "orm quirks"})
	require.NoError(t, err)
	oldB, err := s.StoreObservation(ctx, ObservationInput{Type: "learning", Title: "another stale one"})
	require.NoError(t, err)
	fresh, err := s.StoreObservation(ctx, ObservationInput{Type: "decision", Title: "current decision"})
	require.NoError(t, err)
	setEpoch(t, s, oldA, epochDaysAgo(120))
	setEpoch(t, s, oldB, epochDaysAgo(100))
	setEpoch(t, s, fresh, epochDaysAgo(1))

	// Dry run counts without moving.
	n, err := s.Archive(ctx, ArchiveOptions{OlderThanDays: 90, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)

	n, err = s.Archive(ctx, ArchiveOptions{OlderThanDays: 90})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Archived rows leave the primary table and its search scope.
	obs, err := s.GetByID(ctx, oldA)
	require.NoError(t, err)
	assert.Nil(t, obs)
	results, err := s.Search(ctx, "stale", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)

	obs, err = s.GetByID(ctx, fresh)
	require.NoError(t, err)
	require.NotNil(t, obs)

	// Same options again: nothing left to move.
	n, err = s.Archive(ctx, ArchiveOptions{OlderThanDays: 90})
	require.NoError(t, err)
	assert.Zero(t, n)

	status, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.ArchivedCount)
	assert.Equal(t, 1, status.Observations.Total)
}

func TestArchivedByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.StoreObservation(ctx, ObservationInput{
		Type: "learning", Title: "retired insight",
		Facts: []string{"still readable after archival"},
	})
	require.NoError(t, err)
	setEpoch(t, s, id, epochDaysAgo(120))

	// Nothing archived yet.
	obs, err := s.ArchivedByID(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, obs)

	n, err := s.Archive(ctx, ArchiveOptions{OlderThanDays: 90})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	obs, err = s.ArchivedByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, obs)
	assert.Equal(t, "retired insight", obs.Title)
	assert.Equal(t, []string{"still readable after archival"}, obs.Facts)
	assert.NotEmpty(t, obs.ArchivedAt)

	// Gone from the primary table.
	live, err := s.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, live)
}

func TestArchiveIncludeSuperseded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old, err := s.StoreObservation(ctx, ObservationInput{Type: "pattern", Title: "v1 approach"})
	require.NoError(t, err)
	_, err = s.StoreObservation(ctx, ObservationInput{Type: "pattern", Title: "v2 approach", Supersedes: old})
	require.NoError(t, err)

	// Both rows are recent; without the flag, age alone spares them.
	n, err := s.Archive(ctx, ArchiveOptions{OlderThanDays: 90})
	require.NoError(t, err)
	assert.Zero(t, n)

	// With the flag, the superseded row goes regardless of age.
	n, err = s.Archive(ctx, ArchiveOptions{OlderThanDays: 90, IncludeSuperseded: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	obs, err := s.GetByID(ctx, old)
	require.NoError(t, err)
	assert.Nil(t, obs)
}

func TestArchiveOlderThanZeroDaysTakesEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, err := s.StoreObservation(ctx, ObservationInput{Type: "discovery", Title: "row"})
		require.NoError(t, err)
		setEpoch(t, s, id, epochDaysAgo(1))
	}

	n, err := s.Archive(ctx, ArchiveOptions{OlderThanDays: 0})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestRebuildIndexRepairsDrift(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.StoreObservation(ctx, ObservationInput{Type: "bugfix", Title: "flaky websocket reconnect"})
	require.NoError(t, err)

	// Empty the index behind the triggers' back to simulate drift.
	_, err = s.db.Exec(`INSERT INTO observations_fts(observations_fts) VALUES ('delete-all')`)
	require.NoError(t, err)
	results, err := s.Search(ctx, "websocket", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)

	require.NoError(t, s.RebuildIndex(ctx))
	results, err = s.Search(ctx, "websocket", SearchOptions{})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestOptimizeAndRebuildWithoutIndex(t *testing.T) {
	s := newTestStore(t)
	dropFTS(t, s)

	// Both are documented no-ops when the index backend is missing.
	assert.NoError(t, s.OptimizeIndex(context.Background()))
	assert.NoError(t, s.RebuildIndex(context.Background()))
}

func TestCheckpointWAL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := s.StoreObservation(ctx, ObservationInput{Type: "learning", Title: "filler"})
		require.NoError(t, err)
	}

	res, err := s.CheckpointWAL(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Completed)
	assert.GreaterOrEqual(t, res.LogFrames, int64(0))
	assert.GreaterOrEqual(t, res.CheckpointedFrames, int64(0))
}

func TestVacuumAndSizes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.StoreObservation(ctx, ObservationInput{Type: "learning", Title: "row"})
	require.NoError(t, err)
	require.NoError(t, s.Vacuum(ctx))

	sizes, err := s.Sizes()
	require.NoError(t, err)
	assert.Greater(t, sizes.DBBytes, int64(0))
	assert.Equal(t, sizes.DBBytes+sizes.WALBytes+sizes.SHMBytes, sizes.TotalBytes)
}

func TestStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.StoreObservation(ctx, ObservationInput{Type: "decision", Title: "x"})
	require.NoError(t, err)

	status, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, status.SchemaVersion)
	assert.Equal(t, 1, status.Observations.Total)
	assert.Zero(t, status.ArchivedCount)
	assert.True(t, status.FTSAvailable)

	dropFTS(t, s)
	status, err = s.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.FTSAvailable)
}

func TestFullMaintenance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Bulky payloads so archival and vacuum have real space to reclaim.
	narrative := strings.Repeat("the quick brown fox jumps over the lazy dog ", 100)
	for i := 0; i < 60; i++ {
		id, err := s.StoreObservation(ctx, ObservationInput{
			Type: "learning", Title: "bulk row", Narrative: narrative,
		})
		require.NoError(t, err)
		setEpoch(t, s, id, epochDaysAgo(200))
	}
	keep, err := s.StoreObservation(ctx, ObservationInput{Type: "decision", Title: "keep me"})
	require.NoError(t, err)

	report := s.FullMaintenance(ctx, DefaultArchiveOptions())
	require.NotNil(t, report)

	require.Len(t, report.Steps, 4)
	names := make([]string, len(report.Steps))
	for i, step := range report.Steps {
		names[i] = step.Name
		assert.True(t, step.OK, "step %s failed: %s", step.Name, step.Error)
	}
	assert.Equal(t, []string{"archive", "optimize_index", "checkpoint", "vacuum"}, names)

	assert.Equal(t, int64(60), report.Archived)
	assert.True(t, report.Checkpoint.Completed)
	assert.LessOrEqual(t, report.SizeAfter.TotalBytes, report.SizeBefore.TotalBytes)
	assert.Equal(t, report.SizeBefore.TotalBytes-report.SizeAfter.TotalBytes, report.BytesFreed)

	obs, err := s.GetByID(ctx, keep)
	require.NoError(t, err)
	require.NotNil(t, obs)
}
