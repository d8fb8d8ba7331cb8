package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"downloadgrid/downloader"
)

func sampleTask(id string, created time.Time) downloader.Task {
	return downloader.Task{
		ID:             id,
		URL:            "https://example.com/" + id + ".iso",
		Name:           id + ".iso",
		SavePath:       "/downloads",
		Size:           1_000_000,
		Downloaded:     300_000,
		Status:         downloader.StatusPaused,
		RangeSupported: true,
		Probed:         true,
		MaxThreads:     4,
		Sectors:        64,
		Segments: []downloader.Segment{
			{ID: 0, Start: 0, End: 500_000, Downloaded: 200_000, State: downloader.SegmentPending},
			{ID: 1, Start: 500_000, End: 1_000_000, Downloaded: 100_000, State: downloader.SegmentPending},
		},
		FileType:    "SOFTWARE",
		Tags:        []string{"detected", "linux"},
		SafetyScore: 50,
		LastError:   "",
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func testStores(t *testing.T) map[string]Store {
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)

	sqliteStore, err := Open("", filepath.Join(dir, "tasks.db"), logger)
	require.NoError(t, err)
	boltStore, err := Open("", filepath.Join(dir, "tasks.bolt"), logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		sqliteStore.Close()
		boltStore.Close()
	})
	return map[string]Store{"sqlite": sqliteStore, "bolt": boltStore}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().Add(-time.Hour).Truncate(time.Second)
			first := sampleTask("b-first", base)
			second := sampleTask("a-second", base.Add(time.Minute))

			require.NoError(t, s.SaveAll(ctx, []downloader.Task{second, first}))

			loaded, err := s.LoadAll(ctx)
			require.NoError(t, err)
			require.Len(t, loaded, 2)
			assert.Equal(t, "b-first", loaded[0].ID)
			assert.Equal(t, "a-second", loaded[1].ID)
			assert.Equal(t, first.Segments, loaded[0].Segments)
			assert.Equal(t, first.Tags, loaded[0].Tags)
			assert.Equal(t, downloader.StatusPaused, loaded[0].Status)
			assert.Equal(t, int64(300_000), loaded[0].Downloaded)
			assert.True(t, loaded[0].RangeSupported)
		})
	}
}

func TestStoreSaveAllUpdatesExisting(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			task := sampleTask("x", time.Now())
			require.NoError(t, s.SaveAll(ctx, []downloader.Task{task}))

			task.Status = downloader.StatusCompleted
			task.Downloaded = task.Size
			task.Segments[0].Downloaded = 500_000
			task.Segments[1].Downloaded = 500_000
			task.Segments[0].State = downloader.SegmentDone
			task.Segments[1].State = downloader.SegmentDone
			require.NoError(t, s.SaveAll(ctx, []downloader.Task{task}))

			loaded, err := s.LoadAll(ctx)
			require.NoError(t, err)
			require.Len(t, loaded, 1)
			assert.Equal(t, downloader.StatusCompleted, loaded[0].Status)
			assert.Equal(t, task.Segments, loaded[0].Segments)
		})
	}
}

func TestStoreDelete(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SaveAll(ctx, []downloader.Task{sampleTask("keep", time.Now()), sampleTask("drop", time.Now())}))

			require.NoError(t, s.Delete(ctx, "drop"))
			require.NoError(t, s.Delete(ctx, "never-existed"))

			loaded, err := s.LoadAll(ctx)
			require.NoError(t, err)
			require.Len(t, loaded, 1)
			assert.Equal(t, "keep", loaded[0].ID)
			assert.NoError(t, s.Ping(ctx))
		})
	}
}

func TestStoreEmptySave(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SaveAll(context.Background(), nil))
			loaded, err := s.LoadAll(context.Background())
			require.NoError(t, err)
			assert.Empty(t, loaded)
		})
	}
}

func TestGormCleanupCompleted(t *testing.T) {
	s, err := OpenGorm("", filepath.Join(t.TempDir(), "tasks.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	done := sampleTask("done", time.Now())
	done.Status = downloader.StatusCompleted
	require.NoError(t, s.SaveAll(ctx, []downloader.Task{done, sampleTask("paused", time.Now())}))

	removed, err := s.CleanupCompleted(ctx, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	left, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "paused", left[0].ID)
	assert.Equal(t, "paused.iso", left[0].Name)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open("mongo", "x", nil)
	assert.Error(t, err)
}
