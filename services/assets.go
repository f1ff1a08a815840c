package services

import (
	"context"
	"fmt"
	"time"

	apperror "github.com/Yulian302/lfusys-services-media/apperror"
	"github.com/Yulian302/lfusys-services-media/assets"
	"github.com/Yulian302/lfusys-services-media/eligibility"
	"github.com/Yulian302/lfusys-services-media/logging"
	"github.com/Yulian302/lfusys-services-media/store"
)

type AssetService interface {
	Diagnose(ctx context.Context, assetID string) (*Diagnosis, error)
	Restore(ctx context.Context, assetID string) error
	GenerateDownloadUrl(ctx context.Context, assetID string, ttl time.Duration) (string, error)
}

// Diagnosis explains both eligibility decisions for one asset.
type Diagnosis struct {
	AssetID      string               `json:"asset_id"`
	Migration    eligibility.Decision `json:"migration"`
	Optimization eligibility.Decision `json:"optimization"`
	Queued       bool                 `json:"queued"`
}

type AssetServiceImpl struct {
	repo      assets.Repository
	inspector *assets.Inspector
	filter    *eligibility.Filter
	storage   store.ObjectStorage

	logger logging.Logger
}

func NewAssetServiceImpl(
	repo assets.Repository,
	inspector *assets.Inspector,
	filter *eligibility.Filter,
	storage store.ObjectStorage,
	l logging.Logger,
) *AssetServiceImpl {
	return &AssetServiceImpl{
		repo:      repo,
		inspector: inspector,
		filter:    filter,
		storage:   storage,
		logger:    l,
	}
}

func (svc *AssetServiceImpl) Diagnose(ctx context.Context, assetID string) (*Diagnosis, error) {
	asset, err := svc.repo.Get(ctx, assetID)
	if err != nil {
		return nil, err
	}
	item, err := svc.inspector.Snapshot(ctx, *asset)
	if err != nil {
		return nil, err
	}

	return &Diagnosis{
		AssetID:      assetID,
		Migration:    svc.filter.MigrationEligible(item),
		Optimization: svc.filter.OptimizationEligible(item),
		Queued:       item.Queued,
	}, nil
}

// Restore brings a migrated asset back to local storage, marks it local and
// then drops the remote copy.
func (svc *AssetServiceImpl) Restore(ctx context.Context, assetID string) error {
	asset, err := svc.repo.Get(ctx, assetID)
	if err != nil {
		return err
	}
	if !asset.Migrated || asset.RemoteKey == "" {
		return fmt.Errorf("restore %s: %w", assetID, apperror.ErrNotMigrated)
	}

	svc.logger.Info("restore started", "asset_id", assetID, "key", asset.RemoteKey)

	if err := svc.storage.Download(ctx, asset.RemoteKey, asset.LocalPath); err != nil {
		svc.logger.Error("restore download failed", "asset_id", assetID, "error", err)
		return fmt.Errorf("download %s: %w", asset.RemoteKey, err)
	}

	if err := svc.repo.MarkRestored(ctx, assetID); err != nil {
		svc.logger.Error("failed to mark asset restored", "asset_id", assetID, "error", err)
		return err
	}

	if err := svc.storage.Delete(ctx, asset.RemoteKey); err != nil {
		svc.logger.Error("remote delete failed, object left behind", "asset_id", assetID, "key", asset.RemoteKey, "error", err)
		return fmt.Errorf("delete %s: %w", asset.RemoteKey, err)
	}

	svc.logger.Info("restore completed", "asset_id", assetID)
	return nil
}

func (svc *AssetServiceImpl) GenerateDownloadUrl(ctx context.Context, assetID string, ttl time.Duration) (string, error) {
	asset, err := svc.repo.Get(ctx, assetID)
	if err != nil {
		return "", err
	}
	if asset.RemoteKey == "" {
		return "", fmt.Errorf("download url for %s: %w", assetID, apperror.ErrNotMigrated)
	}
	return svc.storage.GenerateDownloadUrl(ctx, asset.RemoteKey, ttl)
}
