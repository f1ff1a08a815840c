package assets

import (
	"context"
	"sync"
	"time"

	apperror "github.com/Yulian302/lfusys-services-media/apperror"
	"github.com/Yulian302/lfusys-services-media/models"
)

// MemoryRepository keeps assets in a map. It backs local runs and tests.
type MemoryRepository struct {
	mu     sync.RWMutex
	assets map[string]models.Asset
	now    func() time.Time
}

func NewMemoryRepository(now func() time.Time) *MemoryRepository {
	if now == nil {
		now = time.Now
	}
	return &MemoryRepository{
		assets: make(map[string]models.Asset),
		now:    now,
	}
}

func (r *MemoryRepository) IsReady(ctx context.Context) error { return nil }

func (r *MemoryRepository) Name() string { return "AssetRepository[memory]" }

func (r *MemoryRepository) Get(ctx context.Context, assetID string) (*models.Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.assets[assetID]
	if !ok {
		return nil, apperror.ErrAssetNotFound
	}
	return &a, nil
}

func (r *MemoryRepository) Put(ctx context.Context, asset models.Asset) error {
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = r.now().UTC()
	}
	r.mu.Lock()
	r.assets[asset.AssetID] = asset
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) ListCandidates(ctx context.Context, criteria models.Criteria) ([]models.Asset, error) {
	r.mu.RLock()
	var found []models.Asset
	if len(criteria.AssetIDs) > 0 {
		seen := make(map[string]struct{}, len(criteria.AssetIDs))
		for _, id := range criteria.AssetIDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if a, ok := r.assets[id]; ok {
				found = append(found, a)
			}
		}
	} else {
		for _, a := range r.assets {
			found = append(found, a)
		}
	}
	r.mu.RUnlock()

	found = filterAssets(found, criteria)
	if len(criteria.AssetIDs) > 0 {
		orderByIDs(found, criteria.AssetIDs)
	} else {
		sortAssets(found)
	}
	if criteria.Limit > 0 && len(found) > criteria.Limit {
		found = found[:criteria.Limit]
	}
	return found, nil
}

func (r *MemoryRepository) modify(assetID string, fn func(a *models.Asset)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.assets[assetID]
	if !ok {
		return apperror.ErrAssetNotFound
	}
	fn(&a)
	r.assets[assetID] = a
	return nil
}

func (r *MemoryRepository) MarkMigrated(ctx context.Context, assetID string, remoteKey string, url string) error {
	now := r.now().UTC()
	return r.modify(assetID, func(a *models.Asset) {
		a.Migrated = true
		a.MigratedAt = &now
		a.RemoteKey = remoteKey
		a.RemoteURL = url
	})
}

func (r *MemoryRepository) MarkOptimized(ctx context.Context, assetID string, meta models.OptimizationMetadata) error {
	now := r.now().UTC()
	return r.modify(assetID, func(a *models.Asset) {
		a.OptimizedAt = &now
		if meta.Skipped || meta.BytesSaved <= 0 {
			return
		}
		a.OptimizedFormat = meta.Format
		a.Size -= meta.BytesSaved
		a.BytesSaved += meta.BytesSaved
	})
}

func (r *MemoryRepository) MarkRestored(ctx context.Context, assetID string) error {
	return r.modify(assetID, func(a *models.Asset) {
		a.Migrated = false
		a.MigratedAt = nil
		a.RemoteKey = ""
		a.RemoteURL = ""
	})
}
