package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedEmbeddedRows(t *testing.T, s *Store) (a, b, c int64) {
	t.Helper()
	ctx := context.Background()

	var err error
	a, err = s.StoreObservation(ctx, ObservationInput{Type: "pattern", Title: "connection pooling"})
	require.NoError(t, err)
	b, err = s.StoreObservation(ctx, ObservationInput{Type: "pattern", Title: "request batching"})
	require.NoError(t, err)
	c, err = s.StoreObservation(ctx, ObservationInput{Type: "pattern", Title: "pooled batching"})
	require.NoError(t, err)

	require.NoError(t, s.AttachEmbedding(ctx, a, []float32{1, 0, 0}))
	require.NoError(t, s.AttachEmbedding(ctx, b, []float32{0, 1, 0}))
	require.NoError(t, s.AttachEmbedding(ctx, c, []float32{0.9, 0.1, 0}))
	return a, b, c
}

func TestSimilar(t *testing.T) {
	s := newTestStore(t)
	a, _, c := seedEmbeddedRows(t, s)

	results, err := s.Similar(context.Background(), []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, a, results[0].ID)
	assert.InDelta(t, 0, results[0].Distance, 1e-6)
	assert.Equal(t, c, results[1].ID)
	assert.Less(t, results[0].Distance, results[1].Distance)
}

func TestSimilarWithoutAnyEmbeddings(t *testing.T) {
	s := newTestStore(t)

	results, err := s.Similar(context.Background(), []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestAttachEmbeddingValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.AttachEmbedding(ctx, 42, []float32{1, 0})
	require.Error(t, err)

	id, err := s.StoreObservation(ctx, ObservationInput{Type: "pattern", Title: "x"})
	require.NoError(t, err)
	err = s.AttachEmbedding(ctx, id, nil)
	require.Error(t, err)
}

func TestAttachEmbeddingReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, b, _ := seedEmbeddedRows(t, s)

	// Re-attach moves a's vector next to b's.
	require.NoError(t, s.AttachEmbedding(ctx, a, []float32{0, 1, 0}))

	results, err := s.Similar(ctx, []float32{0, 1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.ElementsMatch(t, []int64{a, b}, []int64{results[0].ID, results[1].ID})
}

func TestRemoveEmbedding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// No-op before the vector table exists.
	require.NoError(t, s.RemoveEmbedding(ctx, 1))

	a, _, _ := seedEmbeddedRows(t, s)
	require.NoError(t, s.RemoveEmbedding(ctx, a))

	results, err := s.Similar(ctx, []float32{1, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NotEqual(t, a, r.ID)
	}
}

func TestArchiveDropsEmbeddings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, b, c := seedEmbeddedRows(t, s)
	for _, id := range []int64{a, b, c} {
		setEpoch(t, s, id, epochDaysAgo(1))
	}

	n, err := s.Archive(ctx, ArchiveOptions{OlderThanDays: 0})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	results, err := s.Similar(ctx, []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}
