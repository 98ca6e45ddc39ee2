// Package scheduler triggers ingestion runs on a cron schedule and on demand.
//
// Every trigger returns a job id immediately; the run itself executes in
// the background and its outcome is only visible through the fetch run
// audit records.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"china_stock_proxy/config"
	"china_stock_proxy/logger"
	"china_stock_proxy/services/datafetcher"
	"china_stock_proxy/services/ingest"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrStopped is returned by triggers after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Scheduler manages scheduled and manual jobs
type Scheduler struct {
	cron      *gocron.Scheduler
	db        *gorm.DB
	cfg       *config.Config
	source    datafetcher.Source
	syncer    *ingest.UniverseSyncer
	observers []ingest.RunObserver
	now       func() time.Time
	log       *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	stopped bool
	running sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithObservers forwards audit record changes of every run.
func WithObservers(obs ...ingest.RunObserver) Option {
	return func(s *Scheduler) {
		s.observers = append(s.observers, obs...)
	}
}

// WithUniverseSyncer enables the universe sync job.
func WithUniverseSyncer(syncer *ingest.UniverseSyncer) Option {
	return func(s *Scheduler) {
		s.syncer = syncer
	}
}

// WithClock replaces the wall clock used for fetch windows.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		s.log = l
	}
}

// NewScheduler creates a new scheduler instance
func NewScheduler(db *gorm.DB, cfg *config.Config, source datafetcher.Source, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:   gocron.NewScheduler(cfg.Location()),
		db:     db,
		cfg:    cfg,
		source: source,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.Or(s.log).With(zap.String("component", "scheduler"))
	return s
}

// Start registers the cron jobs and starts the scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.Cron(s.cfg.DailyFetchCron).Tag("daily-fetch").Do(s.scheduledFetch); err != nil {
		return fmt.Errorf("schedule daily fetch %q: %w", s.cfg.DailyFetchCron, err)
	}
	if s.syncer != nil && s.cfg.UniverseSyncCron != "" {
		_, err := s.cron.Cron(s.cfg.UniverseSyncCron).Tag("universe-sync").SingletonMode().Do(s.scheduledSync)
		if err != nil {
			return fmt.Errorf("schedule universe sync %q: %w", s.cfg.UniverseSyncCron, err)
		}
	}

	s.cron.StartAsync()
	s.log.Info("scheduler started",
		zap.String("daily_fetch", s.cfg.DailyFetchCron),
		zap.String("universe_sync", s.cfg.UniverseSyncCron),
		zap.String("timezone", s.cfg.Location().String()),
	)
	return nil
}

// Stop stops the cron, refuses new triggers and waits for in-flight jobs
// until ctx is done, after which they are cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cron.Stop()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		s.log.Warn("scheduler stopped, in-flight jobs cancelled")
		return ctx.Err()
	}
}

// Wait blocks until every job started so far has finished.
func (s *Scheduler) Wait() {
	s.running.Wait()
}

// spawn runs fn in the background under the run timeout and returns its job id.
func (s *Scheduler) spawn(name string, fn func(ctx context.Context, jobID string)) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return "", ErrStopped
	}

	jobID := uuid.NewString()
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("job panicked", zap.String("job", name), zap.String("job_id", jobID), zap.Any("panic", r))
			}
		}()

		ctx := s.ctx
		if s.cfg.RunTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
			defer cancel()
		}
		fn(ctx, jobID)
	}()

	s.log.Info("job queued", zap.String("job", name), zap.String("job_id", jobID))
	return jobID, nil
}
