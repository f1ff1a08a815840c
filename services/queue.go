package services

import (
	"context"
	"errors"

	apperror "github.com/Yulian302/lfusys-services-media/apperror"
	"github.com/Yulian302/lfusys-services-media/assets"
	"github.com/Yulian302/lfusys-services-media/eligibility"
	"github.com/Yulian302/lfusys-services-media/logging"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/Yulian302/lfusys-services-media/store"
)

type QueueService interface {
	Enqueue(ctx context.Context, attachmentID string, priority models.Priority) (*EnqueueResult, error)
	Stats(ctx context.Context) (models.QueueStats, error)
}

// EnqueueResult tells whether the asset entered the queue and, if not, the
// eligibility reason that kept it out.
type EnqueueResult struct {
	Queued bool               `json:"queued"`
	Reason eligibility.Reason `json:"reason"`
	Entry  *models.QueueEntry `json:"entry,omitempty"`
}

type QueueServiceImpl struct {
	queue     store.QueueStore
	repo      assets.Repository
	inspector *assets.Inspector
	filter    *eligibility.Filter

	logger logging.Logger
}

func NewQueueServiceImpl(
	queue store.QueueStore,
	repo assets.Repository,
	inspector *assets.Inspector,
	filter *eligibility.Filter,
	l logging.Logger,
) *QueueServiceImpl {
	return &QueueServiceImpl{
		queue:     queue,
		repo:      repo,
		inspector: inspector,
		filter:    filter,
		logger:    l,
	}
}

// Enqueue applies the same optimization eligibility rules sessions use, so
// the queue never holds work a session would refuse.
func (svc *QueueServiceImpl) Enqueue(ctx context.Context, attachmentID string, priority models.Priority) (*EnqueueResult, error) {
	asset, err := svc.repo.Get(ctx, attachmentID)
	if err != nil {
		return nil, err
	}
	item, err := svc.inspector.Snapshot(ctx, *asset)
	if err != nil {
		return nil, err
	}

	decision := svc.filter.OptimizationEligible(item)
	if !decision.Eligible {
		svc.logger.Debug("asset not queued", "asset_id", attachmentID, "reason", decision.Reason)
		return &EnqueueResult{Reason: decision.Reason}, nil
	}

	entry, err := svc.queue.Enqueue(ctx, attachmentID, priority)
	if errors.Is(err, apperror.ErrAlreadyQueued) {
		return &EnqueueResult{Reason: eligibility.ReasonQueued}, nil
	}
	if err != nil {
		return nil, err
	}

	svc.logger.Info("asset queued for optimization", "asset_id", attachmentID, "priority", priority, "entry_id", entry.ID)
	return &EnqueueResult{Queued: true, Reason: eligibility.ReasonOK, Entry: entry}, nil
}

func (svc *QueueServiceImpl) Stats(ctx context.Context) (models.QueueStats, error) {
	return svc.queue.Stats(ctx)
}
