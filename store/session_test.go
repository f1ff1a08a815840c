package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	apperror "github.com/Yulian302/lfusys-services-media/apperror"
	"github.com/Yulian302/lfusys-services-media/logging"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var defaultTTLs = map[models.SessionKind]time.Duration{
	models.KindMigration:    24 * time.Hour,
	models.KindOptimization: 2 * time.Hour,
}

func newTestSessionStore(t *testing.T) (*SessionStoreImpl, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	kv := NewMemoryTTLStoreWithClock(1024, 48*time.Hour, clock.Now)
	return NewSessionStoreWithClock(kv, defaultTTLs, clock.Now, logging.NewNopLogger()), clock
}

func intPtr(v int) *int { return &v }

func TestSessionStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSessionStore(t)

	created, err := s.Create(ctx, models.KindMigration, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.StatusRunning, created.Status)
	assert.Equal(t, 3, created.Total)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got.Items)
	assert.Zero(t, got.Processed)
	assert.Empty(t, got.Errors)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, apperror.ErrSessionNotFound)
}

func TestSessionStore_CreateRejectsUnknownKind(t *testing.T) {
	s, _ := newTestSessionStore(t)
	_, err := s.Create(context.Background(), "resize", []string{"a"})
	assert.ErrorIs(t, err, apperror.ErrInvalidKind)
}

func TestSessionStore_UpdateMergesFields(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSessionStore(t)
	created, err := s.Create(ctx, models.KindOptimization, []string{"a", "b", "c", "d"})
	require.NoError(t, err)

	ok, err := s.Update(ctx, created.ID, models.SessionPatch{
		ProcessedDelta:  2,
		SuccessfulDelta: 1,
		FailedDelta:     1,
		AppendErrors:    []string{"b: timeout"},
		ExpectProcessed: intPtr(0),
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Update(ctx, created.ID, models.SessionPatch{
		ProcessedDelta:  2,
		SuccessfulDelta: 2,
		AppendErrors:    nil,
		ExpectProcessed: intPtr(2),
	})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Processed)
	assert.Equal(t, 3, got.Successful)
	assert.Equal(t, 1, got.Failed)
	assert.Equal(t, []string{"b: timeout"}, got.Errors)
}

func TestSessionStore_UpdateGuards(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSessionStore(t)
	created, err := s.Create(ctx, models.KindMigration, []string{"a", "b"})
	require.NoError(t, err)

	_, err = s.Update(ctx, created.ID, models.SessionPatch{ProcessedDelta: 1, ExpectProcessed: intPtr(1)})
	assert.ErrorIs(t, err, apperror.ErrSessionConflict)

	_, err = s.Update(ctx, created.ID, models.SessionPatch{ProcessedDelta: 3})
	assert.ErrorIs(t, err, errInvariant)

	_, err = s.Update(ctx, created.ID, models.SessionPatch{ProcessedDelta: 1, SuccessfulDelta: 1, FailedDelta: 1})
	assert.ErrorIs(t, err, errInvariant)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Processed)
}

func TestSessionStore_UpdateMissingSessionReportsLost(t *testing.T) {
	s, _ := newTestSessionStore(t)
	ok, err := s.Update(context.Background(), "gone", models.SessionPatch{ProcessedDelta: 1})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSessionStore_CancelIsIdempotentAndFreezesCounters(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSessionStore(t)
	created, err := s.Create(ctx, models.KindMigration, []string{"a", "b"})
	require.NoError(t, err)

	ok, err := s.Cancel(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Cancel(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.Update(ctx, created.ID, models.SessionPatch{ProcessedDelta: 1, SuccessfulDelta: 1})
	assert.ErrorIs(t, err, ErrSessionClosed)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Zero(t, got.Processed)
	assert.NotNil(t, got.CompletedAt)

	ok, err = s.Cancel(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSessionStore_KindTTLExpiry(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestSessionStore(t)

	mig, err := s.Create(ctx, models.KindMigration, []string{"a"})
	require.NoError(t, err)
	opt, err := s.Create(ctx, models.KindOptimization, []string{"a"})
	require.NoError(t, err)

	clock.Advance(3 * time.Hour)

	_, err = s.Get(ctx, opt.ID)
	assert.ErrorIs(t, err, apperror.ErrSessionNotFound)
	_, err = s.Get(ctx, mig.ID)
	assert.NoError(t, err)
}

func TestSessionStore_SweepExpired(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	kv := NewMemoryTTLStoreWithClock(1024, 72*time.Hour, clock.Now)

	// the writer keeps records longer than the sweeper's policy so only the
	// sweep can remove them
	writer := NewSessionStoreWithClock(kv, map[models.SessionKind]time.Duration{
		models.KindMigration:    48 * time.Hour,
		models.KindOptimization: 48 * time.Hour,
	}, clock.Now, logging.NewNopLogger())
	sweeper := NewSessionStoreWithClock(kv, defaultTTLs, clock.Now, logging.NewNopLogger())

	var optIDs, migIDs []string
	for i := 0; i < 3; i++ {
		o, err := writer.Create(ctx, models.KindOptimization, []string{fmt.Sprint(i)})
		require.NoError(t, err)
		optIDs = append(optIDs, o.ID)
		m, err := writer.Create(ctx, models.KindMigration, []string{fmt.Sprint(i)})
		require.NoError(t, err)
		migIDs = append(migIDs, m.ID)
	}

	clock.Advance(2*time.Hour + time.Second)

	removed, err := sweeper.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	for _, id := range optIDs {
		_, err := writer.Get(ctx, id)
		assert.ErrorIs(t, err, apperror.ErrSessionNotFound)
	}
	for _, id := range migIDs {
		_, err := writer.Get(ctx, id)
		assert.NoError(t, err)
	}
}

func TestSessionStore_ConcurrentUpdatesNeverTearRecords(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSessionStore(t)
	items := make([]string, 100)
	for i := range items {
		items[i] = fmt.Sprint(i)
	}
	created, err := s.Create(ctx, models.KindMigration, items)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, created.ID, models.SessionPatch{ProcessedDelta: 1, SuccessfulDelta: 1})
			assert.NoError(t, err)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.SweepExpired(ctx)
	}()
	wg.Wait()

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Processed)
	assert.Equal(t, 100, got.Successful)
}
