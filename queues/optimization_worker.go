package queues

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Yulian302/lfusys-services-media/assets"
	"github.com/Yulian302/lfusys-services-media/config"
	"github.com/Yulian302/lfusys-services-media/eligibility"
	"github.com/Yulian302/lfusys-services-media/logging"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/Yulian302/lfusys-services-media/retries"
	"github.com/Yulian302/lfusys-services-media/services"
	"github.com/Yulian302/lfusys-services-media/stats"
	"github.com/Yulian302/lfusys-services-media/store"
)

// OptimizationWorker drains the optimization queue in the background. Each
// round claims at most one optimizer batch, so a round maps to one remote
// call.
type OptimizationWorker struct {
	queue     store.QueueStore
	repo      assets.Repository
	inspector *assets.Inspector
	filter    *eligibility.Filter
	executor  services.Executor
	retry     config.RetryConfig
	stats     stats.Aggregator
	interval  time.Duration
	logger    logging.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type OptimizationWorkerDeps struct {
	Queue     store.QueueStore
	Repo      assets.Repository
	Inspector *assets.Inspector
	Filter    *eligibility.Filter
	Executor  services.Executor
	Retry     config.RetryConfig
	Stats     stats.Aggregator
	Interval  time.Duration
	Logger    logging.Logger
}

func NewOptimizationWorker(d OptimizationWorkerDeps) *OptimizationWorker {
	agg := d.Stats
	if agg == nil {
		agg = stats.Multi{}
	}
	return &OptimizationWorker{
		queue:     d.Queue,
		repo:      d.Repo,
		inspector: d.Inspector,
		filter:    d.Filter,
		executor:  d.Executor,
		retry:     d.Retry,
		stats:     agg,
		interval:  d.Interval,
		logger:    d.Logger,
	}
}

func (w *OptimizationWorker) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
					w.logger.Error("optimization worker round failed", "error", err)
				}
			}
		}
	}()
}

// RunOnce claims and processes one batch of queue entries. It returns the
// number of entries it finished.
func (w *OptimizationWorker) RunOnce(ctx context.Context) (int, error) {
	entries, err := w.queue.ClaimNext(ctx, max(w.executor.MaxBatch(), 1))
	if err != nil {
		return 0, fmt.Errorf("claim queue entries: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	byAsset := make(map[string]models.QueueEntry, len(entries))
	ids := make([]string, len(entries))
	for i, e := range entries {
		byAsset[e.AttachmentID] = e
		ids[i] = e.AttachmentID
	}

	items, err := w.revalidate(ctx, ids, byAsset)
	if err != nil {
		w.finishAll(ctx, entries, models.QueueFailed, err.Error())
		return len(entries), err
	}

	var delta stats.Delta
	if len(items) > 0 {
		outcomes, err := w.execute(ctx, items)
		if err != nil {
			for _, item := range items {
				w.finish(ctx, byAsset[item.AssetID], models.QueueFailed, err.Error())
				delta.Failed++
			}
		}
		for _, o := range outcomes {
			entry := byAsset[o.AssetID]
			if o.Err != nil {
				w.finish(ctx, entry, models.QueueFailed, o.Err.Error())
				delta.Failed++
				continue
			}
			if err := o.Record(ctx); err != nil {
				w.finish(ctx, entry, models.QueueFailed, fmt.Sprintf("record result: %v", err))
				delta.Failed++
				continue
			}
			if o.SkipReason != "" {
				w.finish(ctx, entry, models.QueueSkipped, o.SkipReason)
			} else {
				w.finish(ctx, entry, models.QueueCompleted, "")
			}
			delta.Successful++
			delta.BytesSaved += o.BytesSaved
		}
	}

	if !delta.Empty() {
		if err := w.stats.RecordTick(ctx, models.KindOptimization, delta); err != nil {
			w.logger.Warn("failed to record worker stats", "error", err)
		}
	}
	return len(entries), nil
}

// revalidate finishes entries whose asset no longer qualifies as skipped and
// returns the rest. Claimed entries are still active, so the queued flag is
// cleared before checking.
func (w *OptimizationWorker) revalidate(ctx context.Context, ids []string, byAsset map[string]models.QueueEntry) ([]models.WorkItem, error) {
	records, err := w.repo.ListCandidates(ctx, models.Criteria{AssetIDs: ids})
	if err != nil {
		return nil, fmt.Errorf("load queued assets: %w", err)
	}
	snapshots, err := w.inspector.Snapshots(ctx, records)
	if err != nil {
		return nil, err
	}

	found := make(map[string]bool, len(snapshots))
	valid := make([]models.WorkItem, 0, len(snapshots))
	for _, item := range snapshots {
		found[item.AssetID] = true
		item.Queued = false
		decision := w.filter.OptimizationEligible(item)
		if !decision.Eligible {
			w.finish(ctx, byAsset[item.AssetID], models.QueueSkipped, decision.Reason.String())
			continue
		}
		valid = append(valid, item)
	}
	for _, id := range ids {
		if !found[id] {
			w.finish(ctx, byAsset[id], models.QueueSkipped, eligibility.ReasonMissingFile.String())
		}
	}
	return valid, nil
}

func (w *OptimizationWorker) execute(ctx context.Context, items []models.WorkItem) ([]services.ItemOutcome, error) {
	var outcomes []services.ItemOutcome
	err := retries.Fixed(
		ctx,
		w.retry.ChunkRetries+1,
		w.retry.ChunkRetryDelay,
		func() error {
			var err error
			outcomes, err = w.executor.Execute(ctx, items)
			return err
		},
		retries.IsTransient,
		func(err error, next time.Duration) {
			w.logger.Warn("optimizer batch failed, retrying", "size", len(items), "retry_in", next, "error", err)
		},
	)
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (w *OptimizationWorker) finishAll(ctx context.Context, entries []models.QueueEntry, status models.QueueStatus, msg string) {
	for _, e := range entries {
		w.finish(ctx, e, status, msg)
	}
}

// finish outlives ctx so a round interrupted by shutdown does not leave
// claimed entries in processing.
func (w *OptimizationWorker) finish(ctx context.Context, entry models.QueueEntry, status models.QueueStatus, msg string) {
	err := w.queue.Finish(context.WithoutCancel(ctx), entry.ID, status, msg)
	if err != nil {
		w.logger.Error("failed to finish queue entry",
			"entry_id", entry.ID,
			"asset_id", entry.AttachmentID,
			"status", status,
			"error", err,
		)
		return
	}
	w.logger.Debug("queue entry finished", "entry_id", entry.ID, "asset_id", entry.AttachmentID, "status", status)
}

func (w *OptimizationWorker) Shutdown(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
