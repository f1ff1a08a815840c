package queues

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	apperror "github.com/Yulian302/lfusys-services-media/apperror"
	"github.com/Yulian302/lfusys-services-media/assets"
	"github.com/Yulian302/lfusys-services-media/config"
	"github.com/Yulian302/lfusys-services-media/eligibility"
	"github.com/Yulian302/lfusys-services-media/logging"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/Yulian302/lfusys-services-media/optimizer"
	"github.com/Yulian302/lfusys-services-media/services"
	"github.com/Yulian302/lfusys-services-media/stats"
	"github.com/Yulian302/lfusys-services-media/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOptimizer struct {
	mu      sync.Mutex
	calls   [][]string
	outcome func(assetID string) models.OptimizationOutcome
	err     error
}

func (f *fakeOptimizer) MaxBatch() int { return 3 }

func (f *fakeOptimizer) Preflight(ctx context.Context) error { return nil }

func (f *fakeOptimizer) Optimize(ctx context.Context, images []optimizer.Image) ([]models.OptimizationResult, error) {
	ids := make([]string, len(images))
	for i, img := range images {
		ids[i] = img.AssetID
	}
	f.mu.Lock()
	f.calls = append(f.calls, ids)
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.OptimizationResult, len(images))
	for i, img := range images {
		var o models.OptimizationOutcome = models.Optimized{
			OriginalSize: 100, OptimizedSize: 80, BytesSaved: 20, Format: "png", Content: make([]byte, 80),
		}
		if f.outcome != nil {
			o = f.outcome(img.AssetID)
		}
		out[i] = models.OptimizationResult{AssetID: img.AssetID, Outcome: o}
	}
	return out, nil
}

func (f *fakeOptimizer) batches() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.calls...)
}

type workerHarness struct {
	ctx    context.Context
	dir    string
	repo   *assets.MemoryRepository
	queue  *store.SQLiteQueueStore
	opt    *fakeOptimizer
	stats  *stats.MemoryAggregator
	worker *OptimizationWorker
}

func newWorkerHarness(t *testing.T) *workerHarness {
	t.Helper()
	l := logging.NewNopLogger()

	queue, err := store.NewSQLiteQueueStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { queue.Close() })

	repo := assets.NewMemoryRepository(time.Now)
	inspector := assets.NewInspector(queue)
	filter := eligibility.NewFilter(eligibility.Rules{
		OptimizationMimeTypes: []string{"image/png"},
		MinOptimizationSize:   10,
		MaxOptimizationSize:   1 << 20,
		OptimizationCooldown:  time.Hour,
	})
	opt := &fakeOptimizer{}
	agg := stats.NewMemoryAggregator()

	worker := NewOptimizationWorker(OptimizationWorkerDeps{
		Queue:     queue,
		Repo:      repo,
		Inspector: inspector,
		Filter:    filter,
		Executor:  services.NewOptimizationExecutor(opt, repo, l),
		Retry:     config.RetryConfig{ChunkRetries: 1},
		Stats:     agg,
		Interval:  10 * time.Millisecond,
		Logger:    l,
	})

	return &workerHarness{
		ctx:    context.Background(),
		dir:    t.TempDir(),
		repo:   repo,
		queue:  queue,
		opt:    opt,
		stats:  agg,
		worker: worker,
	}
}

func (h *workerHarness) enqueue(t *testing.T, id string, p models.Priority) *models.QueueEntry {
	t.Helper()
	path := filepath.Join(h.dir, id+".png")
	require.NoError(t, os.WriteFile(path, make([]byte, 100), 0o644))
	require.NoError(t, h.repo.Put(h.ctx, models.Asset{AssetID: id, LocalPath: path, MimeType: "image/png", Size: 100}))

	entry, err := h.queue.Enqueue(h.ctx, id, p)
	require.NoError(t, err)
	return entry
}

func (h *workerHarness) status(t *testing.T, entry *models.QueueEntry) (models.QueueStatus, string) {
	t.Helper()
	got, err := h.queue.Get(h.ctx, entry.ID)
	require.NoError(t, err)
	return got.Status, got.ErrorMessage
}

func TestOptimizationWorker_ClaimsInPriorityOrder(t *testing.T) {
	h := newWorkerHarness(t)
	low := h.enqueue(t, "low", models.PriorityLow)
	n1 := h.enqueue(t, "n1", models.PriorityNormal)
	high := h.enqueue(t, "high", models.PriorityHigh)
	h.enqueue(t, "n2", models.PriorityNormal)

	n, err := h.worker.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = h.worker.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = h.worker.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, [][]string{{"high", "n1", "n2"}, {"low"}}, h.opt.batches())

	for _, e := range []*models.QueueEntry{low, n1, high} {
		st, _ := h.status(t, e)
		assert.Equal(t, models.QueueCompleted, st, e.AttachmentID)
	}

	a, err := h.repo.Get(h.ctx, "n1")
	require.NoError(t, err)
	assert.NotNil(t, a.OptimizedAt)
	assert.EqualValues(t, 20, a.BytesSaved)

	totals, err := h.stats.Totals(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, stats.Totals{Processed: 4, Successful: 4, BytesSaved: 80}, totals[models.KindOptimization])
}

func TestOptimizationWorker_RevalidatesClaimedEntries(t *testing.T) {
	h := newWorkerHarness(t)
	gone := h.enqueue(t, "gone", models.PriorityNormal)
	ok := h.enqueue(t, "ok", models.PriorityNormal)
	require.NoError(t, os.Remove(filepath.Join(h.dir, "gone.png")))

	_, err := h.worker.RunOnce(h.ctx)
	require.NoError(t, err)

	st, msg := h.status(t, gone)
	assert.Equal(t, models.QueueSkipped, st)
	assert.Equal(t, "missing_file", msg)

	st, _ = h.status(t, ok)
	assert.Equal(t, models.QueueCompleted, st)
	assert.Equal(t, [][]string{{"ok"}}, h.opt.batches())
}

func TestOptimizationWorker_Outcomes(t *testing.T) {
	h := newWorkerHarness(t)
	skipped := h.enqueue(t, "skip", models.PriorityNormal)
	failed := h.enqueue(t, "fail", models.PriorityNormal)
	h.opt.outcome = func(id string) models.OptimizationOutcome {
		if id == "skip" {
			return models.Skipped{Reason: "already optimal"}
		}
		return models.Failed{Error: "decoder error"}
	}

	_, err := h.worker.RunOnce(h.ctx)
	require.NoError(t, err)

	st, msg := h.status(t, skipped)
	assert.Equal(t, models.QueueSkipped, st)
	assert.Equal(t, "already optimal", msg)

	st, msg = h.status(t, failed)
	assert.Equal(t, models.QueueFailed, st)
	assert.Equal(t, "decoder error", msg)
}

func TestOptimizationWorker_TransientFailureExhausted(t *testing.T) {
	h := newWorkerHarness(t)
	entry := h.enqueue(t, "a", models.PriorityNormal)
	h.opt.err = apperror.Transient(errors.New("optimizer returned 503"))

	_, err := h.worker.RunOnce(h.ctx)
	require.NoError(t, err)

	assert.Len(t, h.opt.batches(), 2)
	st, msg := h.status(t, entry)
	assert.Equal(t, models.QueueFailed, st)
	assert.Contains(t, msg, "503")

	// finished entries free the asset for another enqueue
	_, err = h.queue.Enqueue(h.ctx, "a", models.PriorityNormal)
	assert.NoError(t, err)
}

func TestOptimizationWorker_StartAndShutdown(t *testing.T) {
	h := newWorkerHarness(t)
	for i := range 5 {
		h.enqueue(t, fmt.Sprintf("bg-%d", i), models.PriorityNormal)
	}

	h.worker.Start(h.ctx)
	require.Eventually(t, func() bool {
		st, err := h.queue.Stats(h.ctx)
		return err == nil && st.Completed == 5
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(h.ctx, time.Second)
	defer cancel()
	require.NoError(t, h.worker.Shutdown(ctx))
}
