package repository_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmehdipour/event-relay/internal/model"
	"github.com/jmehdipour/event-relay/internal/repository"
)

func TestMemoryStoreCAS(t *testing.T) {
	ctx := context.Background()

	t.Run("missing record reads as nil", func(t *testing.T) {
		store := repository.NewMemoryEventLogStore()
		log, err := store.Get(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, log)
	})

	t.Run("save assigns a fresh etag on every write", func(t *testing.T) {
		store := repository.NewMemoryEventLogStore()

		log := &model.IntegrationEventLog{ID: "e1", Topic: "t", State: model.EventStatePublished}
		require.NoError(t, store.Save(ctx, log))
		first := log.ETag
		require.NotEmpty(t, first)

		log.State = model.EventStateProcessing
		require.NoError(t, store.Save(ctx, log))
		assert.NotEqual(t, first, log.ETag)

		got, err := store.Get(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, model.EventStateProcessing, got.State)
		assert.Equal(t, log.ETag, got.ETag)
	})

	t.Run("stale etag is rejected", func(t *testing.T) {
		store := repository.NewMemoryEventLogStore()

		log := &model.IntegrationEventLog{ID: "e1"}
		require.NoError(t, store.Save(ctx, log))

		stale := *log
		require.NoError(t, store.Save(ctx, log))

		err := store.Save(ctx, &stale)
		require.ErrorIs(t, err, repository.ErrConcurrency)
	})

	t.Run("create of an existing record is a conflict", func(t *testing.T) {
		store := repository.NewMemoryEventLogStore()

		require.NoError(t, store.Save(ctx, &model.IntegrationEventLog{ID: "e1"}))

		err := store.Save(ctx, &model.IntegrationEventLog{ID: "e1"})
		require.ErrorIs(t, err, repository.ErrConcurrency)
	})

	t.Run("nonempty etag against a missing record is a conflict", func(t *testing.T) {
		store := repository.NewMemoryEventLogStore()

		err := store.Save(ctx, &model.IntegrationEventLog{ID: "e1", ETag: "stale"})
		require.ErrorIs(t, err, repository.ErrConcurrency)
	})
}

func TestMemoryStoreList(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryEventLogStore()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Save(ctx, &model.IntegrationEventLog{ID: id}))
	}
	// counter rows must never leak into the listing
	require.NoError(t, store.Increment(ctx))

	ids, err := store.List(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, ids, "most recently written first")

	ids, err = store.List(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, ids)
}

func TestMemoryStoreCounter(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryEventLogStore()

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Increment(ctx))
	}
	n, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, store.ClearCount(ctx))
	n, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
