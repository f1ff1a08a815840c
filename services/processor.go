package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperror "github.com/Yulian302/lfusys-services-media/apperror"
	"github.com/Yulian302/lfusys-services-media/assets"
	"github.com/Yulian302/lfusys-services-media/config"
	"github.com/Yulian302/lfusys-services-media/eligibility"
	"github.com/Yulian302/lfusys-services-media/logging"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/Yulian302/lfusys-services-media/retries"
	"github.com/Yulian302/lfusys-services-media/stats"
	"github.com/Yulian302/lfusys-services-media/store"
)

type BatchProcessor struct {
	sessions  store.SessionStore
	repo      assets.Repository
	inspector *assets.Inspector
	filter    *eligibility.Filter
	executors map[models.SessionKind]Executor
	batches   map[models.SessionKind]config.BatchConfig
	retry     config.RetryConfig
	stats     stats.Aggregator
	logger    logging.Logger
}

type BatchProcessorDeps struct {
	Sessions  store.SessionStore
	Repo      assets.Repository
	Inspector *assets.Inspector
	Filter    *eligibility.Filter
	Executors []Executor
	Batches   map[models.SessionKind]config.BatchConfig
	Retry     config.RetryConfig
	Stats     stats.Aggregator
	Logger    logging.Logger
}

func NewBatchProcessor(d BatchProcessorDeps) *BatchProcessor {
	executors := make(map[models.SessionKind]Executor, len(d.Executors))
	for _, e := range d.Executors {
		executors[e.Kind()] = e
	}
	agg := d.Stats
	if agg == nil {
		agg = stats.Multi{}
	}
	return &BatchProcessor{
		sessions:  d.Sessions,
		repo:      d.Repo,
		inspector: d.Inspector,
		filter:    d.Filter,
		executors: executors,
		batches:   d.Batches,
		retry:     d.Retry,
		stats:     agg,
		logger:    d.Logger,
	}
}

func (p *BatchProcessor) executor(kind models.SessionKind) (Executor, error) {
	e, ok := p.executors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", apperror.ErrInvalidKind, kind)
	}
	return e, nil
}

// ChunkSize is the number of items dispatched together for kind.
func (p *BatchProcessor) ChunkSize(kind models.SessionKind) int {
	size := p.batches[kind].ConcurrencyLimit
	if e, ok := p.executors[kind]; ok && e.MaxBatch() > 0 {
		size = min(size, e.MaxBatch())
	}
	return max(size, 1)
}

type tickResult struct {
	successful int
	failed     int
	bytesSaved int64
	errors     []string
	// done holds successful outcomes whose repository marks run after the
	// commit.
	done []ItemOutcome
}

func (r *tickResult) fail(assetID string, err error) {
	r.failed++
	r.errors = append(r.errors, fmt.Sprintf("%s: %v", assetID, err))
}

func (r *tickResult) succeed(o ItemOutcome) {
	r.successful++
	r.bytesSaved += o.BytesSaved
	r.done = append(r.done, o)
}

// Run processes the next batch of session and commits the outcome in a single
// guarded update. It reports whether the session has no items left. Nothing
// is committed when it returns an error, so the tick can be retried.
func (p *BatchProcessor) Run(ctx context.Context, session *models.Session) (bool, error) {
	exec, err := p.executor(session.Kind)
	if err != nil {
		return false, err
	}

	remaining := session.Remaining()
	if len(remaining) == 0 {
		return true, p.commit(ctx, session, 0, &tickResult{}, true)
	}

	batchSize := max(p.batches[session.Kind].BatchSize, 1)
	batch := remaining[:min(batchSize, len(remaining))]

	result := &tickResult{}
	valid, err := p.revalidate(ctx, session.Kind, batch, result)
	if err != nil {
		return false, err
	}

	chunkSize := p.ChunkSize(session.Kind)
	for start := 0; start < len(valid); start += chunkSize {
		chunk := valid[start:min(start+chunkSize, len(valid))]
		if err := p.runChunk(ctx, exec, session, chunk, result); err != nil {
			return false, err
		}
	}

	exhausted := len(batch) == len(remaining)
	if err := p.commit(ctx, session, len(batch), result, exhausted); err != nil {
		return false, err
	}
	p.record(ctx, session, result.done)

	if err := p.stats.RecordTick(ctx, session.Kind, stats.Delta{
		Successful: result.successful,
		Failed:     result.failed,
		BytesSaved: result.bytesSaved,
	}); err != nil {
		p.logger.Warn("failed to record tick stats", "session_id", session.ID, "error", err)
	}
	return exhausted, nil
}

func (p *BatchProcessor) revalidate(ctx context.Context, kind models.SessionKind, batch []string, result *tickResult) ([]models.WorkItem, error) {
	records, err := p.repo.ListCandidates(ctx, models.Criteria{AssetIDs: batch})
	if err != nil {
		return nil, fmt.Errorf("load batch assets: %w", err)
	}
	snapshots, err := p.inspector.Snapshots(ctx, records)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.WorkItem, len(snapshots))
	for _, s := range snapshots {
		byID[s.AssetID] = s
	}

	valid := make([]models.WorkItem, 0, len(batch))
	for _, id := range batch {
		item, ok := byID[id]
		if !ok {
			result.fail(id, validationError(eligibility.ReasonMissingFile))
			continue
		}
		decision, err := p.filter.Check(kind, item)
		if err != nil {
			return nil, err
		}
		if !decision.Eligible {
			result.fail(id, validationError(decision.Reason))
			continue
		}
		valid = append(valid, item)
	}
	return valid, nil
}

func validationError(reason eligibility.Reason) error {
	return fmt.Errorf("validation failed at execution time: %s", reason)
}

// runChunk executes chunk and retries the items that failed transiently,
// alone or as part of a chunk-wide transient error. Items still failing once
// retries run out are recorded with their last error. Permanent and context
// errors abort the tick.
func (p *BatchProcessor) runChunk(ctx context.Context, exec Executor, session *models.Session, chunk []models.WorkItem, result *tickResult) error {
	pending := chunk
	lastErr := make(map[string]error, len(chunk))
	done := make(map[string]ItemOutcome, len(chunk))

	err := retries.Fixed(
		ctx,
		p.retry.ChunkRetries+1,
		p.retry.ChunkRetryDelay,
		func() error {
			outcomes, err := exec.Execute(ctx, pending)
			if err != nil {
				for _, item := range pending {
					lastErr[item.AssetID] = err
				}
				return err
			}

			byID := make(map[string]ItemOutcome, len(outcomes))
			for _, o := range outcomes {
				byID[o.AssetID] = o
			}
			var retry []models.WorkItem
			for _, item := range pending {
				o, ok := byID[item.AssetID]
				if !ok {
					o = failed(item.AssetID, errors.New("no outcome returned"))
				}
				if o.Err != nil && retries.IsTransient(o.Err) {
					lastErr[item.AssetID] = o.Err
					retry = append(retry, item)
					continue
				}
				done[item.AssetID] = o
			}
			pending = retry
			if len(pending) > 0 {
				return apperror.Transient(fmt.Errorf("%d of %d items failed", len(pending), len(chunk)))
			}
			return nil
		},
		retries.IsTransient,
		func(err error, next time.Duration) {
			p.logger.Warn("chunk failed, retrying",
				"session_id", session.ID,
				"chunk_size", len(chunk),
				"pending", len(pending),
				"retry_in", next,
				"error", err,
			)
		},
	)

	switch {
	case err == nil:
	case apperror.IsPermanent(err), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		p.logger.Error("tick aborted", "session_id", session.ID, "error", err)
		return err
	default:
		p.logger.Warn("chunk items failed", "session_id", session.ID, "failed", len(pending), "error", err)
	}

	for _, item := range chunk {
		o, ok := done[item.AssetID]
		switch {
		case !ok:
			cause := lastErr[item.AssetID]
			if cause == nil {
				cause = err
			}
			result.fail(item.AssetID, cause)
		case o.Err != nil:
			result.fail(o.AssetID, o.Err)
		default:
			result.succeed(o)
		}
	}
	return nil
}

// record applies the repository marks of a committed tick. The session already
// counts these items, so a failed mark is logged and the asset stays
// unmarked; a later session picks it up again.
func (p *BatchProcessor) record(ctx context.Context, session *models.Session, outcomes []ItemOutcome) {
	ctx = context.WithoutCancel(ctx)
	for _, o := range outcomes {
		if err := o.Record(ctx); err != nil {
			p.logger.Error("failed to record item result",
				"session_id", session.ID,
				"asset_id", o.AssetID,
				"error", err,
			)
		}
	}
}

func (p *BatchProcessor) commit(ctx context.Context, session *models.Session, consumed int, result *tickResult, exhausted bool) error {
	expect := session.Processed
	patch := models.SessionPatch{
		ProcessedDelta:  consumed,
		SuccessfulDelta: result.successful,
		FailedDelta:     result.failed,
		AppendErrors:    result.errors,
		ExpectProcessed: &expect,
	}
	if exhausted {
		completed := models.StatusCompleted
		patch.Status = &completed
	}

	ok, err := p.sessions.Update(ctx, session.ID, patch)
	if err != nil {
		return err
	}
	if !ok {
		return apperror.ErrSessionNotFound
	}

	p.logger.Info("tick committed",
		"session_id", session.ID,
		"kind", session.Kind,
		"consumed", consumed,
		"successful", result.successful,
		"failed", result.failed,
		"completed", exhausted,
	)
	return nil
}
