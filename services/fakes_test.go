package services

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
	"github.com/Yulian302/lfusys-services-media/stats"
	"github.com/Yulian302/lfusys-services-media/store"
	"github.com/stretchr/testify/require"
)

type fakeStorage struct {
	mu          sync.Mutex
	calls       map[string]int
	total       int
	inFlight    int
	maxInFlight int
	objects     map[string][]byte
	deleted     []string

	// upload decides the result of the n-th upload (1-based) of an asset.
	upload       func(assetID string, n int) error
	preflightErr error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{calls: map[string]int{}, objects: map[string][]byte{}}
}

func (f *fakeStorage) KeyFor(assetID string, localPath string) string {
	return assetID
}

func (f *fakeStorage) Upload(ctx context.Context, localPath string, remoteKey string) (string, error) {
	f.mu.Lock()
	f.calls[remoteKey]++
	f.total++
	n := f.calls[remoteKey]
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if f.upload != nil {
		if err := f.upload(remoteKey, n); err != nil {
			return "", err
		}
	}
	return "https://cdn.example.com/" + remoteKey, nil
}

func (f *fakeStorage) Download(ctx context.Context, remoteKey string, localPath string) error {
	f.mu.Lock()
	data, ok := f.objects[remoteKey]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such key %s", remoteKey)
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (f *fakeStorage) Delete(ctx context.Context, remoteKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, remoteKey)
	f.deleted = append(f.deleted, remoteKey)
	return nil
}

func (f *fakeStorage) GenerateDownloadUrl(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://signed.example.com/" + key + "?ttl=" + ttl.String(), nil
}

func (f *fakeStorage) Preflight(ctx context.Context) error {
	return f.preflightErr
}

func (f *fakeStorage) callsFor(assetID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[assetID]
}

func (f *fakeStorage) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

type fakeOptimizer struct {
	mu       sync.Mutex
	maxBatch int
	batches  []int
	result   func(img optimizer.Image) models.OptimizationOutcome
	err      error
}

func (f *fakeOptimizer) MaxBatch() int { return f.maxBatch }

func (f *fakeOptimizer) Preflight(ctx context.Context) error { return nil }

func (f *fakeOptimizer) Optimize(ctx context.Context, images []optimizer.Image) ([]models.OptimizationResult, error) {
	f.mu.Lock()
	f.batches = append(f.batches, len(images))
	f.mu.Unlock()

	if len(images) > f.maxBatch {
		return nil, fmt.Errorf("batch of %d exceeds %d", len(images), f.maxBatch)
	}
	if f.err != nil {
		return nil, f.err
	}

	out := make([]models.OptimizationResult, len(images))
	for i, img := range images {
		var outcome models.OptimizationOutcome = models.Optimized{
			OriginalSize:  100,
			OptimizedSize: 60,
			BytesSaved:    40,
			Format:        "png",
			Content:       make([]byte, 60),
		}
		if f.result != nil {
			outcome = f.result(img)
		}
		out[i] = models.OptimizationResult{AssetID: img.AssetID, Outcome: outcome}
	}
	return out, nil
}

func (f *fakeOptimizer) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.batches...)
}

// flakySessions fails the next failUpdates calls to Update with a store
// outage.
type flakySessions struct {
	store.SessionStore

	mu          sync.Mutex
	failUpdates int
}

func (f *flakySessions) Update(ctx context.Context, id string, patch models.SessionPatch) (bool, error) {
	f.mu.Lock()
	if f.failUpdates > 0 {
		f.failUpdates--
		f.mu.Unlock()
		return false, apperror.StoreUnavailable("update session", errors.New("redis down"))
	}
	f.mu.Unlock()
	return f.SessionStore.Update(ctx, id, patch)
}

func (f *flakySessions) failNext(n int) {
	f.mu.Lock()
	f.failUpdates = n
	f.mu.Unlock()
}

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

type harness struct {
	t   *testing.T
	ctx context.Context
	dir string

	clock      *fakeClock
	kv         *store.MemoryTTLStore
	repo       *assets.MemoryRepository
	queue      *store.SQLiteQueueStore
	sessions   *store.SessionStoreImpl
	flaky      *flakySessions
	inspector  *assets.Inspector
	filter     *eligibility.Filter
	storage    *fakeStorage
	optimizer  *fakeOptimizer
	stats      *stats.MemoryAggregator
	processor  *BatchProcessor
	controller *SessionController
}

type harnessOpts struct {
	migration    config.BatchConfig
	optimization config.BatchConfig
	retries      int
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()

	if opts.migration.BatchSize == 0 {
		opts.migration = config.BatchConfig{BatchSize: 10, ConcurrencyLimit: 5, TTL: 24 * time.Hour}
	}
	if opts.optimization.BatchSize == 0 {
		opts.optimization = config.BatchConfig{BatchSize: 6, ConcurrencyLimit: 3, TTL: 2 * time.Hour}
	}
	if opts.retries == 0 {
		opts.retries = 2
	}

	clock := &fakeClock{t: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	l := logging.NewNopLogger()

	queue, err := store.NewSQLiteQueueStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { queue.Close() })

	kv := store.NewMemoryTTLStoreWithClock(1024, 48*time.Hour, clock.Now)
	sessions := store.NewSessionStoreWithClock(kv, map[models.SessionKind]time.Duration{
		models.KindMigration:    opts.migration.TTL,
		models.KindOptimization: opts.optimization.TTL,
	}, clock.Now, l)

	flaky := &flakySessions{SessionStore: sessions}

	repo := assets.NewMemoryRepository(clock.Now)
	inspector := assets.NewInspector(queue)
	filter := eligibility.NewFilterWithClock(eligibility.Rules{
		MigrationMimeTypes:    []string{"image/png", "image/jpeg", "video/mp4"},
		MaxMigrationSize:      1 << 20,
		OptimizationMimeTypes: []string{"image/png", "image/jpeg"},
		MinOptimizationSize:   10,
		MaxOptimizationSize:   1 << 20,
		OptimizationCooldown:  24 * time.Hour,
	}, clock.Now)

	storage := newFakeStorage()
	opt := &fakeOptimizer{maxBatch: 3}
	agg := stats.NewMemoryAggregator()

	processor := NewBatchProcessor(BatchProcessorDeps{
		Sessions:  flaky,
		Repo:      repo,
		Inspector: inspector,
		Filter:    filter,
		Executors: []Executor{
			NewMigrationExecutor(storage, repo, l),
			NewOptimizationExecutor(opt, repo, l),
		},
		Batches: map[models.SessionKind]config.BatchConfig{
			models.KindMigration:    opts.migration,
			models.KindOptimization: opts.optimization,
		},
		Retry:  config.RetryConfig{ChunkRetries: opts.retries, ChunkRetryDelay: 0},
		Stats:  agg,
		Logger: l,
	})
	controller := NewSessionController(flaky, repo, inspector, filter, processor, l)
	controller.now = clock.Now

	return &harness{
		t:          t,
		ctx:        context.Background(),
		dir:        t.TempDir(),
		clock:      clock,
		kv:         kv,
		repo:       repo,
		queue:      queue,
		sessions:   sessions,
		flaky:      flaky,
		inspector:  inspector,
		filter:     filter,
		storage:    storage,
		optimizer:  opt,
		stats:      agg,
		processor:  processor,
		controller: controller,
	}
}

// addAssets creates n local files of size bytes named a00, a01, ... and
// registers them in enumeration order.
func (h *harness) addAssets(n int, size int, mime string) []string {
	h.t.Helper()
	ids := make([]string, n)
	for i := range n {
		ids[i] = fmt.Sprintf("a%02d", i)
		h.addAsset(ids[i], size, mime, time.Duration(i)*time.Second)
	}
	return ids
}

func (h *harness) addAsset(id string, size int, mime string, offset time.Duration) string {
	h.t.Helper()
	p := filepath.Join(h.dir, id+".png")
	require.NoError(h.t, os.WriteFile(p, make([]byte, size), 0o644))
	require.NoError(h.t, h.repo.Put(h.ctx, models.Asset{
		AssetID:   id,
		LocalPath: p,
		MimeType:  mime,
		Size:      int64(size),
		CreatedAt: h.clock.Now().Add(offset),
	}))
	return p
}
