package stats

import (
	"context"
	"errors"
	"sync"

	"github.com/Yulian302/lfusys-services-media/models"
)

// Delta is what one tick contributed to the lifetime totals.
type Delta struct {
	Successful int
	Failed     int
	BytesSaved int64
}

func (d Delta) Empty() bool {
	return d.Successful == 0 && d.Failed == 0 && d.BytesSaved == 0
}

type Totals struct {
	Processed  int64 `json:"processed"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
	BytesSaved int64 `json:"bytes_saved"`
}

func (t *Totals) add(d Delta) {
	t.Processed += int64(d.Successful + d.Failed)
	t.Successful += int64(d.Successful)
	t.Failed += int64(d.Failed)
	t.BytesSaved += d.BytesSaved
}

// Aggregator receives the outcome of every committed tick.
type Aggregator interface {
	RecordTick(ctx context.Context, kind models.SessionKind, d Delta) error
}

// Reader exposes lifetime totals per session kind.
type Reader interface {
	Totals(ctx context.Context) (map[models.SessionKind]Totals, error)
}

type Multi []Aggregator

func (m Multi) RecordTick(ctx context.Context, kind models.SessionKind, d Delta) error {
	var errs []error
	for _, a := range m {
		if err := a.RecordTick(ctx, kind, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemoryAggregator keeps totals for the life of the process.
type MemoryAggregator struct {
	mu     sync.Mutex
	totals map[models.SessionKind]Totals
}

func NewMemoryAggregator() *MemoryAggregator {
	return &MemoryAggregator{totals: make(map[models.SessionKind]Totals)}
}

func (m *MemoryAggregator) RecordTick(ctx context.Context, kind models.SessionKind, d Delta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.totals[kind]
	t.add(d)
	m.totals[kind] = t
	return nil
}

func (m *MemoryAggregator) Totals(ctx context.Context) (map[models.SessionKind]Totals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[models.SessionKind]Totals, len(m.totals))
	for k, v := range m.totals {
		out[k] = v
	}
	return out, nil
}
