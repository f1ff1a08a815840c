package services

import (
	"context"
	"sync"
	"time"

	"github.com/Yulian302/lfusys-services-media/logging"
	"github.com/Yulian302/lfusys-services-media/store"
)

// Sweeper periodically removes expired sessions and old finished queue
// entries.
type Sweeper struct {
	sessions   store.SessionStore
	queue      store.QueueStore
	controller *SessionController
	interval   time.Duration
	retention  time.Duration
	now        func() time.Time
	logger     logging.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper accepts a nil queue.
func NewSweeper(sessions store.SessionStore, queue store.QueueStore, interval, retention time.Duration, l logging.Logger) *Sweeper {
	return &Sweeper{
		sessions:  sessions,
		queue:     queue,
		interval:  interval,
		retention: retention,
		now:       time.Now,
		logger:    l,
	}
}

// WithController makes every sweep also drop the controller's locks for
// sessions that are gone or finished.
func (s *Sweeper) WithController(c *SessionController) *Sweeper {
	s.controller = c
	return s
}

func (s *Sweeper) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SweepOnce(ctx)
			}
		}
	}()
}

func (s *Sweeper) SweepOnce(ctx context.Context) {
	removed, err := s.sessions.SweepExpired(ctx)
	if err != nil {
		s.logger.Error("session sweep failed", "error", err)
	} else if removed > 0 {
		s.logger.Info("expired sessions removed", "count", removed)
	}
	if s.controller != nil {
		if n := s.controller.ForgetClosed(ctx); n > 0 {
			s.logger.Debug("session locks released", "count", n)
		}
	}

	if s.queue == nil || s.retention <= 0 {
		return
	}
	purged, err := s.queue.PurgeFinished(ctx, s.now().Add(-s.retention))
	if err != nil {
		s.logger.Error("queue purge failed", "error", err)
	} else if purged > 0 {
		s.logger.Info("finished queue entries purged", "count", purged)
	}
}

func (s *Sweeper) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
