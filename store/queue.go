package store

import (
	"context"
	"time"

	"github.com/Yulian302/lfusys-services-media/health"
	"github.com/Yulian302/lfusys-services-media/models"
)

// QueueStore is the durable optimization backlog. At most one active
// (pending or processing) entry exists per attachment.
type QueueStore interface {
	// Enqueue adds a pending entry. It returns apperror.ErrAlreadyQueued
	// when the attachment already has an active entry.
	Enqueue(ctx context.Context, attachmentID string, priority models.Priority) (*models.QueueEntry, error)
	// ClaimNext moves up to n pending entries to processing, highest
	// priority first and oldest first within a priority. An entry is
	// handed to exactly one caller.
	ClaimNext(ctx context.Context, n int) ([]models.QueueEntry, error)
	// Finish records the terminal status of a processing entry.
	Finish(ctx context.Context, id string, status models.QueueStatus, message string) error
	Get(ctx context.Context, id string) (*models.QueueEntry, error)
	// ActiveFor reports which of the attachment ids have an active entry.
	ActiveFor(ctx context.Context, attachmentIDs []string) (map[string]bool, error)
	Stats(ctx context.Context) (models.QueueStats, error)
	// PurgeFinished deletes terminal entries last updated before cutoff.
	PurgeFinished(ctx context.Context, cutoff time.Time) (int, error)

	health.ReadinessCheck
}

func countInto(stats *models.QueueStats, status models.QueueStatus, n int) {
	switch status {
	case models.QueuePending:
		stats.Pending += n
	case models.QueueProcessing:
		stats.Processing += n
	case models.QueueCompleted:
		stats.Completed += n
	case models.QueueFailed:
		stats.Failed += n
	case models.QueueSkipped:
		stats.Skipped += n
	}
}
