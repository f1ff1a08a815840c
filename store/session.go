package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	apperror "github.com/Yulian302/lfusys-services-media/apperror"
	"github.com/Yulian302/lfusys-services-media/health"
	"github.com/Yulian302/lfusys-services-media/logging"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/google/uuid"
)

const sessionKeyPrefix = "media:session:"

var ErrSessionClosed = errors.New("session is no longer running")

type SessionStore interface {
	Create(ctx context.Context, kind models.SessionKind, items []string) (*models.Session, error)
	Get(ctx context.Context, id string) (*models.Session, error)
	Update(ctx context.Context, id string, patch models.SessionPatch) (bool, error)
	Cancel(ctx context.Context, id string) (bool, error)
	SweepExpired(ctx context.Context) (int, error)

	health.ReadinessCheck
}

type SessionStoreImpl struct {
	kv     TTLStore
	ttls   map[models.SessionKind]time.Duration
	now    func() time.Time
	logger logging.Logger
}

func NewSessionStoreImpl(kv TTLStore, ttls map[models.SessionKind]time.Duration, l logging.Logger) *SessionStoreImpl {
	return NewSessionStoreWithClock(kv, ttls, time.Now, l)
}

func NewSessionStoreWithClock(kv TTLStore, ttls map[models.SessionKind]time.Duration, now func() time.Time, l logging.Logger) *SessionStoreImpl {
	return &SessionStoreImpl{
		kv:     kv,
		ttls:   ttls,
		now:    now,
		logger: l,
	}
}

func (s *SessionStoreImpl) IsReady(ctx context.Context) error {
	return s.kv.IsReady(ctx)
}

func (s *SessionStoreImpl) Name() string {
	return "SessionStore[" + s.kv.Name() + "]"
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

func (s *SessionStoreImpl) ttl(kind models.SessionKind) (time.Duration, error) {
	ttl, ok := s.ttls[kind]
	if !ok || ttl <= 0 {
		return 0, fmt.Errorf("%w: %q", apperror.ErrInvalidKind, kind)
	}
	return ttl, nil
}

func (s *SessionStoreImpl) Create(ctx context.Context, kind models.SessionKind, items []string) (*models.Session, error) {
	ttl, err := s.ttl(kind)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	session := &models.Session{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    models.StatusRunning,
		Total:     len(items),
		Items:     append([]string(nil), items...),
		Errors:    []string{},
		StartedAt: now,
		UpdatedAt: now,
	}

	data, err := json.Marshal(session)
	if err != nil {
		return nil, err
	}

	if err := s.kv.Set(ctx, sessionKey(session.ID), data, ttl); err != nil {
		s.logger.Error("failed to write session", "session_id", session.ID, "kind", kind, "error", err)
		return nil, apperror.StoreUnavailable("create session", err)
	}

	s.logger.Info("session created", "session_id", session.ID, "kind", kind, "total", session.Total)
	return session, nil
}

func (s *SessionStoreImpl) Get(ctx context.Context, id string) (*models.Session, error) {
	data, err := s.kv.Get(ctx, sessionKey(id))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, apperror.ErrSessionNotFound
	}
	if err != nil {
		return nil, apperror.StoreUnavailable("get session", err)
	}

	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &session, nil
}

// Update merges patch into the stored session atomically. It returns false
// when the session no longer exists, ErrSessionClosed when it is terminal and
// ErrSessionConflict when patch.ExpectProcessed does not match.
func (s *SessionStoreImpl) Update(ctx context.Context, id string, patch models.SessionPatch) (bool, error) {
	err := s.kv.Update(ctx, sessionKey(id), func(current []byte) ([]byte, error) {
		var session models.Session
		if err := json.Unmarshal(current, &session); err != nil {
			return nil, fmt.Errorf("decode session %s: %w: %w", id, errCorruptSession, err)
		}

		if err := applyPatch(&session, patch, s.now().UTC()); err != nil {
			return nil, err
		}
		return json.Marshal(&session)
	})

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrKeyNotFound):
		s.logger.Warn("session lost before update", "session_id", id)
		return false, nil
	case errors.Is(err, ErrSessionClosed), errors.Is(err, apperror.ErrSessionConflict):
		return true, err
	case errors.Is(err, errCorruptSession), errors.Is(err, errInvariant):
		return true, err
	default:
		return false, apperror.StoreUnavailable("update session", err)
	}
}

var (
	errInvariant      = errors.New("session invariant violated")
	errCorruptSession = errors.New("corrupt session record")
)

func applyPatch(session *models.Session, patch models.SessionPatch, now time.Time) error {
	if session.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrSessionClosed, session.Status)
	}
	if patch.ExpectProcessed != nil && *patch.ExpectProcessed != session.Processed {
		return fmt.Errorf("%w: expected processed=%d, found %d",
			apperror.ErrSessionConflict, *patch.ExpectProcessed, session.Processed)
	}
	if patch.ProcessedDelta < 0 || patch.SuccessfulDelta < 0 || patch.FailedDelta < 0 {
		return fmt.Errorf("%w: negative counter delta", errInvariant)
	}

	processed := session.Processed + patch.ProcessedDelta
	successful := session.Successful + patch.SuccessfulDelta
	failed := session.Failed + patch.FailedDelta
	if processed > session.Total {
		return fmt.Errorf("%w: processed %d exceeds total %d", errInvariant, processed, session.Total)
	}
	if successful+failed > processed {
		return fmt.Errorf("%w: outcomes %d exceed processed %d", errInvariant, successful+failed, processed)
	}

	session.Processed = processed
	session.Successful = successful
	session.Failed = failed
	session.Errors = append(session.Errors, patch.AppendErrors...)
	session.UpdatedAt = now

	if patch.Status != nil && *patch.Status != session.Status {
		session.Status = *patch.Status
		if session.Status.Terminal() {
			session.CompletedAt = &now
		}
	}
	return nil
}

func (s *SessionStoreImpl) Cancel(ctx context.Context, id string) (bool, error) {
	cancelled := models.StatusCancelled
	ok, err := s.Update(ctx, id, models.SessionPatch{Status: &cancelled})
	if errors.Is(err, ErrSessionClosed) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if ok {
		s.logger.Info("session cancelled", "session_id", id)
	}
	return ok, nil
}

// SweepExpired deletes sessions whose started_at plus kind TTL has passed.
// Backends expire keys on their own; this catches lagging deletions.
func (s *SessionStoreImpl) SweepExpired(ctx context.Context) (int, error) {
	keys, err := s.kv.Keys(ctx, sessionKeyPrefix)
	if err != nil {
		return 0, apperror.StoreUnavailable("list sessions", err)
	}

	now := s.now()
	removed := 0
	for _, key := range keys {
		select {
		case <-ctx.Done():
			return removed, ctx.Err()
		default:
		}

		session, err := s.Get(ctx, strings.TrimPrefix(key, sessionKeyPrefix))
		if errors.Is(err, apperror.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			s.logger.Warn("skipping unreadable session during sweep", "key", key, "error", err)
			continue
		}

		ttl, err := s.ttl(session.Kind)
		if err != nil || !now.Before(session.StartedAt.Add(ttl)) {
			if err := s.kv.Delete(ctx, key); err != nil {
				return removed, apperror.StoreUnavailable("delete session", err)
			}
			removed++
		}
	}

	if removed > 0 {
		s.logger.Info("expired sessions swept", "removed", removed)
	}
	return removed, nil
}
