package services

import (
	"context"

	"github.com/Yulian302/lfusys-services-media/models"
)

// ItemOutcome is the result of executing one work item. Err set means the
// item failed. Otherwise Record persists the success on the asset once the
// session has committed it.
type ItemOutcome struct {
	AssetID    string
	Err        error
	BytesSaved int64
	// SkipReason is set when the remote side left the item unchanged.
	SkipReason string

	mark func(ctx context.Context) error
}

// Record persists a successful outcome. It does nothing for failed items.
func (o ItemOutcome) Record(ctx context.Context) error {
	if o.Err != nil || o.mark == nil {
		return nil
	}
	return o.mark(ctx)
}

// Executor runs the remote side of one session kind.
type Executor interface {
	Kind() models.SessionKind
	// MaxBatch bounds the chunk size; 0 means no limit beyond concurrency.
	MaxBatch() int
	// Preflight fails with a permanent error when the executor cannot work
	// at all (credentials, bucket, api key).
	Preflight(ctx context.Context) error
	// Execute runs one chunk. A returned error covers the whole chunk:
	// transient errors make the chunk eligible for retry, permanent errors
	// abort the tick. Per-item failures are reported in the outcomes, and
	// items whose Err is transient are retried on their own.
	Execute(ctx context.Context, items []models.WorkItem) ([]ItemOutcome, error)
}

func failed(assetID string, err error) ItemOutcome {
	return ItemOutcome{AssetID: assetID, Err: err}
}
