package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	apperror "github.com/Yulian302/lfusys-services-media/apperror"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueueStore(t *testing.T) (*SQLiteQueueStore, *fakeClock) {
	t.Helper()
	q, err := NewSQLiteQueueStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	clock := &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	q.now = clock.Now
	return q, clock
}

func TestSQLiteQueue_EnqueueRejectsActiveDuplicate(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueueStore(t)

	entry, err := q.Enqueue(ctx, "att-1", models.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, models.QueuePending, entry.Status)

	_, err = q.Enqueue(ctx, "att-1", models.PriorityHigh)
	assert.ErrorIs(t, err, apperror.ErrAlreadyQueued)

	claimed, err := q.ClaimNext(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	_, err = q.Enqueue(ctx, "att-1", models.PriorityHigh)
	assert.ErrorIs(t, err, apperror.ErrAlreadyQueued, "processing entries are still active")

	require.NoError(t, q.Finish(ctx, entry.ID, models.QueueCompleted, ""))

	_, err = q.Enqueue(ctx, "att-1", models.PriorityHigh)
	assert.NoError(t, err, "finished entries do not block a new one")
}

func TestSQLiteQueue_ClaimOrder(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueueStore(t)

	for _, e := range []struct {
		id string
		p  models.Priority
	}{
		{"low-1", models.PriorityLow},
		{"normal-1", models.PriorityNormal},
		{"high-1", models.PriorityHigh},
		{"normal-2", models.PriorityNormal},
		{"high-2", models.PriorityHigh},
	} {
		_, err := q.Enqueue(ctx, e.id, e.p)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	first, err := q.ClaimNext(ctx, 3)
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, "high-1", first[0].AttachmentID)
	assert.Equal(t, "high-2", first[1].AttachmentID)
	assert.Equal(t, "normal-1", first[2].AttachmentID)
	for _, e := range first {
		assert.Equal(t, models.QueueProcessing, e.Status)
		assert.NotNil(t, e.StartedAt)
	}

	rest, err := q.ClaimNext(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "normal-2", rest[0].AttachmentID)
	assert.Equal(t, "low-1", rest[1].AttachmentID)

	none, err := q.ClaimNext(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLiteQueue_ConcurrentClaimsAreExclusive(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueueStore(t)

	for i := range 20 {
		_, err := q.Enqueue(ctx, fmt.Sprintf("att-%d", i), models.PriorityNormal)
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := q.ClaimNext(ctx, 3)
			assert.NoError(t, err)
			mu.Lock()
			for _, e := range claimed {
				seen[e.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 20)
	for id, n := range seen {
		assert.Equal(t, 1, n, "entry %s claimed more than once", id)
	}
}

func TestSQLiteQueue_Finish(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueueStore(t)

	entry, err := q.Enqueue(ctx, "att-1", models.PriorityNormal)
	require.NoError(t, err)

	err = q.Finish(ctx, entry.ID, models.QueueFailed, "boom")
	assert.ErrorIs(t, err, apperror.ErrNotProcessing, "pending entries cannot be finished")

	_, err = q.ClaimNext(ctx, 1)
	require.NoError(t, err)

	assert.Error(t, q.Finish(ctx, entry.ID, models.QueuePending, ""))
	require.NoError(t, q.Finish(ctx, entry.ID, models.QueueFailed, "optimizer rejected file"))

	got, err := q.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueFailed, got.Status)
	assert.Equal(t, "optimizer rejected file", got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)

	assert.ErrorIs(t, q.Finish(ctx, "missing", models.QueueCompleted, ""), apperror.ErrQueueEntryNotFound)
	_, err = q.Get(ctx, "missing")
	assert.ErrorIs(t, err, apperror.ErrQueueEntryNotFound)
}

func TestSQLiteQueue_ActiveForAndStats(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueueStore(t)

	a, err := q.Enqueue(ctx, "a", models.PriorityHigh)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "b", models.PriorityNormal)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "c", models.PriorityLow)
	require.NoError(t, err)

	claimed, err := q.ClaimNext(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, a.ID, claimed[0].ID)
	require.NoError(t, q.Finish(ctx, a.ID, models.QueueSkipped, "too_small"))

	active, err := q.ActiveFor(ctx, []string{"a", "b", "c", "d"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"b": true, "c": true}, active)

	empty, err := q.ActiveFor(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStats{Pending: 2, Skipped: 1}, stats)
}

func TestSQLiteQueue_PurgeFinished(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueueStore(t)

	old, err := q.Enqueue(ctx, "old", models.PriorityNormal)
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, q.Finish(ctx, old.ID, models.QueueCompleted, ""))

	clock.Advance(48 * time.Hour)

	_, err = q.Enqueue(ctx, "pending", models.PriorityNormal)
	require.NoError(t, err)

	n, err := q.PurgeFinished(ctx, clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = q.Get(ctx, old.ID)
	assert.ErrorIs(t, err, apperror.ErrQueueEntryNotFound)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}
