package assets

import (
	"context"
	"fmt"
	"os"

	"github.com/Yulian302/lfusys-services-media/models"
)

// QueueMembership reports which assets have an active optimization queue entry.
type QueueMembership interface {
	ActiveFor(ctx context.Context, attachmentIDs []string) (map[string]bool, error)
}

// Inspector turns asset records into WorkItems by looking at the file system
// and the optimization queue.
type Inspector struct {
	queue QueueMembership
}

// NewInspector accepts a nil queue; items are then never reported as queued.
func NewInspector(queue QueueMembership) *Inspector {
	return &Inspector{queue: queue}
}

func (i *Inspector) Snapshot(ctx context.Context, asset models.Asset) (models.WorkItem, error) {
	items, err := i.Snapshots(ctx, []models.Asset{asset})
	if err != nil {
		return models.WorkItem{}, err
	}
	return items[0], nil
}

func (i *Inspector) Snapshots(ctx context.Context, assets []models.Asset) ([]models.WorkItem, error) {
	queued := map[string]bool{}
	if i.queue != nil && len(assets) > 0 {
		ids := make([]string, len(assets))
		for n, a := range assets {
			ids[n] = a.AssetID
		}
		var err error
		queued, err = i.queue.ActiveFor(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("queue membership: %w", err)
		}
	}

	items := make([]models.WorkItem, len(assets))
	for n, a := range assets {
		items[n] = inspect(a)
		items[n].Queued = queued[a.AssetID]
	}
	return items, nil
}

func inspect(a models.Asset) models.WorkItem {
	item := models.WorkItem{
		AssetID:         a.AssetID,
		LocalPath:       a.LocalPath,
		RemoteKey:       a.RemoteKey,
		Size:            a.Size,
		MimeType:        a.MimeType,
		Remote:          a.Migrated || a.RemoteKey != "",
		Migrated:        a.Migrated,
		LastOptimizedAt: a.OptimizedAt,
	}
	if a.LocalPath == "" {
		return item
	}

	fi, err := os.Stat(a.LocalPath)
	if err != nil || fi.IsDir() {
		return item
	}
	item.Exists = true
	item.Size = fi.Size()

	f, err := os.Open(a.LocalPath)
	if err == nil {
		item.Readable = true
		f.Close()
	}
	return item
}
