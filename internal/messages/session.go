package messages

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"github.com/marketfeed/marketfeed/pkg/logger"
)

// Session keeps one user's thread view current while it is open. It owns its
// change subscription and optional resync schedule; Close releases both.
type Session struct {
	agg    *Aggregator
	userID string
	log    *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	unsubscribe func()
	stopWatch   func()
	updates     <-chan struct{}
	scheduler   *cron.Cron
	schedule    string

	refreshes atomic.Int64
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// SessionOption customises a Session.
type SessionOption func(*Session)

// WithResync re-runs a full refresh on a cron schedule, e.g. "@every 5m".
// Profile lookups that failed earlier are retried by these refreshes too.
func WithResync(schedule string) SessionOption {
	return func(s *Session) { s.schedule = schedule }
}

// WithSessionLogger sets the logger.
func WithSessionLogger(log *logger.Logger) SessionOption {
	return func(s *Session) { s.log = log }
}

// Open subscribes to userID's message changes and performs the initial load.
// Each change notification triggers one refresh.
func Open(ctx context.Context, agg *Aggregator, userID string, opts ...SessionOption) (*Session, error) {
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		agg:    agg,
		userID: userID,
		log:    agg.log.Named("session"),
		ctx:    sctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.updates, s.stopWatch = agg.Watch()

	unsubscribe, err := agg.Subscribe(ctx, userID, s.onChange)
	if err != nil {
		s.stopWatch()
		cancel()
		return nil, err
	}
	s.unsubscribe = unsubscribe

	if _, err := s.Refresh(ctx); err != nil {
		s.Close()
		return nil, err
	}

	if s.schedule != "" {
		s.scheduler = cron.New()
		if _, err := s.scheduler.AddFunc(s.schedule, s.resync); err != nil {
			s.Close()
			return nil, fmt.Errorf("resync schedule %q: %w", s.schedule, err)
		}
		s.scheduler.Start()
	}

	s.log.WithField("user_id", userID).Info("messages session opened")
	return s, nil
}

// UserID returns the user the session tracks.
func (s *Session) UserID() string { return s.userID }

// Refresh reloads all threads.
func (s *Session) Refresh(ctx context.Context) (*View, error) {
	s.refreshes.Add(1)
	return s.agg.LoadThreads(ctx, s.userID)
}

// Refreshes counts Refresh calls, including those triggered by
// notifications and the resync schedule.
func (s *Session) Refreshes() int64 { return s.refreshes.Load() }

// Current returns the latest published view.
func (s *Session) Current() *View { return s.agg.Current() }

// Updates is signalled after each newly published view, including profile
// merges. Signals coalesce.
func (s *Session) Updates() <-chan struct{} { return s.updates }

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Close unsubscribes, stops the resync schedule and waits for in-flight
// refreshes it started.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		if s.scheduler != nil {
			<-s.scheduler.Stop().Done()
		}
		s.cancel()
		s.wg.Wait()
		s.stopWatch()
		s.log.WithField("user_id", s.userID).Info("messages session closed")
	})
	return nil
}

func (s *Session) onChange() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Refresh(s.ctx); err != nil && s.ctx.Err() == nil {
			s.log.WithError(err).WithField("user_id", s.userID).Warn("refresh after change failed")
		}
	}()
}

func (s *Session) resync() {
	if _, err := s.Refresh(s.ctx); err != nil && s.ctx.Err() == nil {
		s.log.WithError(err).WithField("user_id", s.userID).Warn("scheduled resync failed")
	}
}
