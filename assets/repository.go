package assets

import (
	"context"

	"github.com/Yulian302/lfusys-services-media/health"
	"github.com/Yulian302/lfusys-services-media/models"
)

// Repository is the system of record for media assets. Mark methods return
// apperror.ErrAssetNotFound for unknown ids.
type Repository interface {
	ListCandidates(ctx context.Context, criteria models.Criteria) ([]models.Asset, error)
	Get(ctx context.Context, assetID string) (*models.Asset, error)
	Put(ctx context.Context, asset models.Asset) error
	MarkMigrated(ctx context.Context, assetID string, remoteKey string, url string) error
	MarkOptimized(ctx context.Context, assetID string, meta models.OptimizationMetadata) error
	MarkRestored(ctx context.Context, assetID string) error

	health.ReadinessCheck
}
