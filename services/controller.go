package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperror "github.com/Yulian302/lfusys-services-media/apperror"
	"github.com/Yulian302/lfusys-services-media/assets"
	"github.com/Yulian302/lfusys-services-media/eligibility"
	"github.com/Yulian302/lfusys-services-media/logging"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/Yulian302/lfusys-services-media/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/Yulian302/lfusys-services-media/services"

type SessionService interface {
	Start(ctx context.Context, kind models.SessionKind, criteria models.Criteria) (*models.SessionHandle, error)
	Tick(ctx context.Context, id string) (*models.ProgressReport, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Progress(ctx context.Context, id string) (*models.ProgressReport, error)
}

type SessionController struct {
	sessions  store.SessionStore
	repo      assets.Repository
	inspector *assets.Inspector
	filter    *eligibility.Filter
	processor *BatchProcessor

	locks  sync.Map // session id -> *sync.Mutex
	tracer trace.Tracer
	now    func() time.Time
	logger logging.Logger
}

func NewSessionController(
	sessions store.SessionStore,
	repo assets.Repository,
	inspector *assets.Inspector,
	filter *eligibility.Filter,
	processor *BatchProcessor,
	l logging.Logger,
) *SessionController {
	return &SessionController{
		sessions:  sessions,
		repo:      repo,
		inspector: inspector,
		filter:    filter,
		processor: processor,
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
		logger:    l,
	}
}

// Start enumerates candidates, keeps the eligible ones and opens a session
// over them. The item list is fixed from here on.
func (c *SessionController) Start(ctx context.Context, kind models.SessionKind, criteria models.Criteria) (_ *models.SessionHandle, err error) {
	ctx, span := c.tracer.Start(ctx, "SessionController.Start", trace.WithAttributes(
		attribute.String("media.session.kind", string(kind)),
	))
	defer func() { endSpan(span, err) }()

	exec, err := c.processor.executor(kind)
	if err != nil {
		return nil, err
	}
	if err := exec.Preflight(ctx); err != nil {
		c.logger.Error("preflight failed", "kind", kind, "error", err)
		return nil, err
	}

	candidates, err := c.repo.ListCandidates(ctx, c.defaultCriteria(kind, criteria))
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	snapshots, err := c.inspector.Snapshots(ctx, candidates)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(snapshots))
	for _, item := range snapshots {
		decision, err := c.filter.Check(kind, item)
		if err != nil {
			return nil, err
		}
		if decision.Eligible {
			ids = append(ids, item.AssetID)
		}
	}
	if len(ids) == 0 {
		return nil, apperror.ErrEligibilityEmpty
	}

	session, err := c.sessions.Create(ctx, kind, ids)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String("media.session.id", session.ID),
		attribute.Int("media.session.total", session.Total),
	)
	c.logger.Info("session started",
		"session_id", session.ID,
		"kind", kind,
		"candidates", len(candidates),
		"eligible", len(ids),
	)
	return &models.SessionHandle{ID: session.ID, Kind: kind, Total: session.Total}, nil
}

func (c *SessionController) defaultCriteria(kind models.SessionKind, criteria models.Criteria) models.Criteria {
	rules := c.filter.Rules()
	switch kind {
	case models.KindMigration:
		if len(criteria.MimeTypes) == 0 {
			criteria.MimeTypes = rules.MigrationMimeTypes
		}
		criteria.NotMigrated = true
	case models.KindOptimization:
		if len(criteria.MimeTypes) == 0 {
			criteria.MimeTypes = rules.OptimizationMimeTypes
		}
	}
	return criteria
}

func (c *SessionController) lock(id string) func() {
	m, _ := c.locks.LoadOrStore(id, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Tick advances a running session by one batch. Ticks on terminal sessions
// return the final report without doing any work.
func (c *SessionController) Tick(ctx context.Context, id string) (_ *models.ProgressReport, err error) {
	ctx, span := c.tracer.Start(ctx, "SessionController.Tick", trace.WithAttributes(
		attribute.String("media.session.id", id),
	))
	defer func() { endSpan(span, err) }()

	unlock := c.lock(id)
	defer unlock()

	session, err := c.sessions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, apperror.ErrSessionNotFound) {
			c.locks.Delete(id)
		}
		return nil, err
	}
	if session.Status.Terminal() {
		c.locks.Delete(id)
		return models.NewProgressReport(session, c.now()), nil
	}

	_, err = c.processor.Run(ctx, session)
	if err != nil && !errors.Is(err, store.ErrSessionClosed) {
		return nil, err
	}

	session, err = c.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("media.session.processed", session.Processed),
		attribute.String("media.session.status", string(session.Status)),
	)
	return models.NewProgressReport(session, c.now()), nil
}

// Cancel is idempotent. It returns false only for unknown sessions.
func (c *SessionController) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := c.sessions.Cancel(ctx, id)
	if err != nil {
		return false, err
	}
	c.locks.Delete(id)
	return ok, nil
}

// ForgetClosed drops the tick locks of sessions that expired or reached a
// terminal state since their last tick. It returns how many were dropped.
func (c *SessionController) ForgetClosed(ctx context.Context) int {
	var ids []string
	c.locks.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})

	forgotten := 0
	for _, id := range ids {
		session, err := c.sessions.Get(ctx, id)
		switch {
		case errors.Is(err, apperror.ErrSessionNotFound):
		case err != nil:
			continue
		case !session.Status.Terminal():
			continue
		}
		c.locks.Delete(id)
		forgotten++
	}
	return forgotten
}

func (c *SessionController) Progress(ctx context.Context, id string) (*models.ProgressReport, error) {
	session, err := c.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return models.NewProgressReport(session, c.now()), nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
