package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	apperror "github.com/Yulian302/lfusys-services-media/apperror"
	"github.com/Yulian302/lfusys-services-media/assets"
	"github.com/Yulian302/lfusys-services-media/logging"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/Yulian302/lfusys-services-media/optimizer"
)

// OptimizationExecutor sends a chunk to the optimizer as one batch and
// writes optimized content back over the local files.
type OptimizationExecutor struct {
	client optimizer.Client
	repo   assets.Repository
	logger logging.Logger
}

func NewOptimizationExecutor(client optimizer.Client, repo assets.Repository, l logging.Logger) *OptimizationExecutor {
	return &OptimizationExecutor{
		client: client,
		repo:   repo,
		logger: l,
	}
}

func (e *OptimizationExecutor) Kind() models.SessionKind { return models.KindOptimization }

func (e *OptimizationExecutor) MaxBatch() int { return e.client.MaxBatch() }

func (e *OptimizationExecutor) Preflight(ctx context.Context) error {
	return e.client.Preflight(ctx)
}

func (e *OptimizationExecutor) Execute(ctx context.Context, items []models.WorkItem) ([]ItemOutcome, error) {
	images := make([]optimizer.Image, len(items))
	for i, item := range items {
		images[i] = optimizer.Image{AssetID: item.AssetID, Path: item.LocalPath, MimeType: item.MimeType}
	}

	results, err := e.client.Optimize(ctx, images)
	if err != nil {
		if apperror.IsPermanent(err) || errors.Is(err, apperror.ErrTransient) || ctx.Err() != nil {
			return nil, err
		}
		outcomes := make([]ItemOutcome, len(items))
		for i, item := range items {
			outcomes[i] = failed(item.AssetID, err)
		}
		return outcomes, nil
	}

	byID := make(map[string]models.OptimizationResult, len(results))
	for _, r := range results {
		byID[r.AssetID] = r
	}

	outcomes := make([]ItemOutcome, len(items))
	for i, item := range items {
		r, ok := byID[item.AssetID]
		if !ok {
			outcomes[i] = failed(item.AssetID, errors.New("optimizer returned no result"))
			continue
		}
		outcomes[i] = e.apply(item, r.Outcome)
	}
	return outcomes, nil
}

func (e *OptimizationExecutor) apply(item models.WorkItem, outcome models.OptimizationOutcome) ItemOutcome {
	switch o := outcome.(type) {
	case models.Optimized:
		if err := writeAtomic(item.LocalPath, o.Content); err != nil {
			return failed(item.AssetID, fmt.Errorf("write optimized file: %w", err))
		}
		meta := models.OptimizationMetadata{BytesSaved: o.BytesSaved, Format: o.Format}
		return ItemOutcome{
			AssetID:    item.AssetID,
			BytesSaved: o.BytesSaved,
			mark: func(ctx context.Context) error {
				return e.repo.MarkOptimized(ctx, item.AssetID, meta)
			},
		}
	case models.Skipped:
		reason := o.Reason
		if reason == "" {
			reason = "unchanged"
		}
		e.logger.Debug("optimizer skipped image", "asset_id", item.AssetID, "reason", reason)
		meta := models.OptimizationMetadata{Skipped: true, Reason: reason}
		return ItemOutcome{
			AssetID:    item.AssetID,
			SkipReason: reason,
			mark: func(ctx context.Context) error {
				return e.repo.MarkOptimized(ctx, item.AssetID, meta)
			},
		}
	case models.Failed:
		return failed(item.AssetID, errors.New(o.Error))
	default:
		return failed(item.AssetID, fmt.Errorf("unexpected optimization outcome %T", outcome))
	}
}

// writeAtomic replaces path with data so readers never see a partial file.
func writeAtomic(path string, data []byte) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
