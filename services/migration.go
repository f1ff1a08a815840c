package services

import (
	"context"

	apperror "github.com/Yulian302/lfusys-services-media/apperror"
	"github.com/Yulian302/lfusys-services-media/assets"
	"github.com/Yulian302/lfusys-services-media/logging"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/Yulian302/lfusys-services-media/store"
	"golang.org/x/sync/errgroup"
)

// MigrationExecutor uploads local files to object storage, one goroutine per
// item in the chunk.
type MigrationExecutor struct {
	storage store.ObjectStorage
	repo    assets.Repository
	logger  logging.Logger
}

func NewMigrationExecutor(storage store.ObjectStorage, repo assets.Repository, l logging.Logger) *MigrationExecutor {
	return &MigrationExecutor{
		storage: storage,
		repo:    repo,
		logger:  l,
	}
}

func (e *MigrationExecutor) Kind() models.SessionKind { return models.KindMigration }

func (e *MigrationExecutor) MaxBatch() int { return 0 }

func (e *MigrationExecutor) Preflight(ctx context.Context) error {
	return e.storage.Preflight(ctx)
}

// Execute uploads every item of the chunk. Upload errors stay per item,
// transient ones included, so successful uploads in the same chunk are kept.
// Only a permanent error fails the chunk.
func (e *MigrationExecutor) Execute(ctx context.Context, items []models.WorkItem) ([]ItemOutcome, error) {
	outcomes := make([]ItemOutcome, len(items))

	g, gctx := errgroup.WithContext(ctx)
	for i, item := range items {
		g.Go(func() error {
			key := e.storage.KeyFor(item.AssetID, item.LocalPath)
			url, err := e.storage.Upload(gctx, item.LocalPath, key)
			if err != nil {
				if apperror.IsPermanent(err) {
					return err
				}
				outcomes[i] = failed(item.AssetID, err)
				return nil
			}
			outcomes[i] = ItemOutcome{
				AssetID: item.AssetID,
				mark: func(ctx context.Context) error {
					return e.repo.MarkMigrated(ctx, item.AssetID, key, url)
				},
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		e.logger.Error("migration chunk aborted", "error", err)
		return nil, err
	}
	return outcomes, nil
}
