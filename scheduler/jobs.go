package scheduler

import (
	"context"
	"errors"
	"time"

	"china_stock_proxy/models"
	"china_stock_proxy/services/datafetcher"
	"china_stock_proxy/services/ingest"
	"china_stock_proxy/services/proxypool"
	"china_stock_proxy/services/throttle"

	"go.uber.org/zap"
)

// TriggerDaily queues a run over the stored universe for the default window.
func (s *Scheduler) TriggerDaily() (string, error) {
	return s.triggerRun(models.FetchKindScheduled, nil, nil, nil)
}

// TriggerManual queues a run. Empty codes means the stored universe; nil
// dates fall back to the default window.
func (s *Scheduler) TriggerManual(codes []string, start, end *time.Time) (string, error) {
	return s.triggerRun(models.FetchKindManual, codes, start, end)
}

// SyncUniverse queues a refresh of the stored instrument list.
func (s *Scheduler) SyncUniverse() (string, error) {
	if s.syncer == nil {
		return "", errors.New("universe sync is not configured")
	}
	return s.spawn("universe-sync", func(ctx context.Context, jobID string) {
		s.runSync(ctx, jobID)
	})
}

func (s *Scheduler) scheduledFetch() {
	if _, err := s.TriggerDaily(); err != nil {
		s.log.Error("failed to queue daily fetch", zap.Error(err))
	}
}

func (s *Scheduler) scheduledSync() {
	// Runs inside the cron goroutine so SingletonMode keeps syncs from overlapping.
	s.mu.Lock()
	stopped := s.stopped
	if !stopped {
		s.running.Add(1)
	}
	s.mu.Unlock()
	if stopped {
		return
	}
	defer s.running.Done()
	s.runSync(s.ctx, "scheduled")
}

func (s *Scheduler) runSync(ctx context.Context, jobID string) {
	n, err := s.syncer.Sync(ctx)
	if err != nil {
		s.log.Error("universe sync failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	s.log.Info("universe sync finished", zap.String("job_id", jobID), zap.Int("instruments", n))
}

func (s *Scheduler) triggerRun(kind models.FetchKind, codes []string, start, end *time.Time) (string, error) {
	from, to := s.window(start, end)
	req := ingest.RunRequest{
		Kind:  kind,
		Codes: codes,
		Start: from,
		End:   to,
	}
	return s.spawn(string(kind)+"-fetch", func(ctx context.Context, jobID string) {
		req.JobID = jobID
		log := s.log.With(zap.String("job_id", jobID))

		run, err := s.newCoordinator(ctx, log).Run(ctx, req)
		if err != nil {
			log.Error("fetch job failed", zap.Error(err))
			return
		}
		log.Info("fetch job finished",
			zap.Uint("run_id", run.ID),
			zap.Int("stocks_processed", run.StocksProcessed),
			zap.Int("records_upserted", run.RecordsUpserted),
		)
	})
}

// window resolves the fetch date range in the scheduler's timezone. The
// default covers the last FETCH_LOOKBACK_DAYS days up to today.
func (s *Scheduler) window(start, end *time.Time) (time.Time, time.Time) {
	today := s.now().In(s.cfg.Location())
	to := today
	if end != nil {
		to = *end
	}
	from := to.AddDate(0, 0, -s.cfg.LookbackDays)
	if start != nil {
		from = *start
	}
	return from, to
}

// newCoordinator builds a pipeline owned by a single run: its own rate
// limiter, proxy pool and fetcher.
func (s *Scheduler) newCoordinator(ctx context.Context, log *zap.Logger) *ingest.Coordinator {
	cfg := s.cfg
	limiter := throttle.NewRateLimiter(cfg.RequestsPerSecond(), throttle.WithLogger(log))

	poolOpts := []proxypool.Option{proxypool.WithProbeURL(cfg.ProxyProbeURL), proxypool.WithLogger(log)}
	var pool *proxypool.Pool
	if cfg.ProxyValidate && len(cfg.ProxyList) > 0 {
		pool = proxypool.New(nil, poolOpts...)
		pool.Admit(ctx, cfg.ProxyList, cfg.ProxyPoolSize, cfg.ProxyProbeTimeout)
	} else {
		pool = proxypool.New(cfg.ProxyList, poolOpts...)
	}
	pool.Shuffle()

	fetcher := datafetcher.NewFetcher(s.source,
		datafetcher.WithLimiter(limiter, cfg.RateLimitTimeout),
		datafetcher.WithProxies(pool),
		datafetcher.WithRequestTimeout(cfg.RequestTimeout),
		datafetcher.WithLogger(log),
	)

	return ingest.NewCoordinator(
		s.db,
		fetcher,
		ingest.NewBatchUpserter(cfg.BatchSize, log),
		ingest.NewStockUniverse(s.db),
		ingest.CoordinatorConfig{
			MaxRetries: cfg.MaxRetries,
			Adjust:     datafetcher.ParseAdjustMode(cfg.AdjustMode),
		},
		ingest.WithObservers(s.observers...),
		ingest.WithCoordinatorLogger(log),
	)
}
