package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachebadger "github.com/nicktill/tinyflow/pkg/cache/badger"
	cachememory "github.com/nicktill/tinyflow/pkg/cache/memory"
)

type noMaintenanceStore struct{ *cachememory.Store }

func TestCacheMaintenance_MemorySweep(t *testing.T) {
	ctx := context.Background()
	clock := now
	store := cachememory.NewWithClock(func() time.Time { return clock })
	require.NoError(t, store.Set(ctx, "lane/minute/l1/202403091030", []byte("{}"), time.Minute))
	require.NoError(t, store.Set(ctx, "lane/day/l1/20240309", []byte("{}"), time.Hour))

	job, grid, ok := CacheMaintenance(store)
	require.True(t, ok)
	assert.Equal(t, "cache-sweep", job.Name())
	assert.Equal(t, sweepInterval, grid)

	clock = now.Add(2 * time.Minute)
	require.NoError(t, job.Handle(ctx, now, clock, clock.Add(grid)))
	assert.Equal(t, 1, store.Len())
}

func TestCacheMaintenance_BadgerGC(t *testing.T) {
	store, err := cachebadger.New(cachebadger.Config{InMemory: true})
	require.NoError(t, err)
	defer store.Close()

	job, grid, ok := CacheMaintenance(store)
	require.True(t, ok)
	assert.Equal(t, "badger-gc", job.Name())
	assert.Equal(t, badgerGCInterval, grid)
	assert.NoError(t, job.Handle(context.Background(), now, now, now.Add(grid)), "nothing to rewrite is not a failure")
}

func TestCacheMaintenance_UnknownBackend(t *testing.T) {
	_, _, ok := CacheMaintenance(noMaintenanceStore{cachememory.New()})
	assert.False(t, ok)
}
