package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"china_stock_proxy/logger"
	"china_stock_proxy/models"
	"china_stock_proxy/services/datafetcher"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrAuditStore marks a failure to persist the run's audit record. It is
// the only per-instrument failure that ends a run.
var ErrAuditStore = errors.New("audit store failure")

// SeriesFetcher fetches one instrument's series.
type SeriesFetcher interface {
	FetchSeries(ctx context.Context, req datafetcher.Request, maxRetries int) datafetcher.Result
}

// Universe lists the instruments a run covers when no codes are given.
type Universe interface {
	ListInstruments(ctx context.Context, excludeFlagged bool) ([]models.Stock, error)
}

// RunRequest describes one ingestion run.
type RunRequest struct {
	Kind  models.FetchKind
	JobID string
	Codes []string // empty means the stored universe without flagged instruments
	Start time.Time
	End   time.Time
}

// CoordinatorConfig holds the run policy.
type CoordinatorConfig struct {
	MaxRetries int
	Adjust     datafetcher.AdjustMode
}

// Coordinator runs one ingestion pass over a set of instruments and owns
// that run's audit record.
type Coordinator struct {
	db        *gorm.DB
	fetcher   SeriesFetcher
	upserter  *BatchUpserter
	universe  Universe
	cfg       CoordinatorConfig
	observers []RunObserver
	now       func() time.Time
	log       *zap.Logger
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithObservers registers observers of audit record changes.
func WithObservers(obs ...RunObserver) CoordinatorOption {
	return func(c *Coordinator) {
		c.observers = append(c.observers, obs...)
	}
}

// WithNow replaces the wall clock used for run timestamps.
func WithNow(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(l *zap.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.log = l
	}
}

// NewCoordinator wires a coordinator.
func NewCoordinator(db *gorm.DB, fetcher SeriesFetcher, upserter *BatchUpserter, universe Universe, cfg CoordinatorConfig, opts ...CoordinatorOption) *Coordinator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Adjust == "" {
		cfg.Adjust = datafetcher.AdjustForward
	}
	c := &Coordinator{
		db:       db,
		fetcher:  fetcher,
		upserter: upserter,
		universe: universe,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logger.Or(c.log)
	return c
}

// Run executes the request and returns the finalized audit record.
//
// Instruments are processed in order, one at a time. A fetch failure or a
// failed quote write only skips that instrument; the run still finishes as
// success. The run fails when its audit record cannot be written, when the
// universe cannot be resolved, or when ctx ends. In those cases the failure
// is recorded on a best-effort basis and the error is returned.
func (c *Coordinator) Run(ctx context.Context, req RunRequest) (*models.FetchRun, error) {
	run := &models.FetchRun{
		JobID:     req.JobID,
		Kind:      req.Kind,
		StartedAt: c.now(),
		Status:    models.FetchStatusRunning,
	}
	if err := c.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("%w: create run: %w", ErrAuditStore, err)
	}
	// Audit writes outlive cancellation so the record always reflects the work done.
	audit := c.db.WithContext(context.WithoutCancel(ctx))
	log := c.log.With(zap.Uint("run_id", run.ID), zap.String("job_id", run.JobID), zap.String("kind", string(run.Kind)))
	log.Info("fetch run started")
	c.notify(log, run)

	codes, err := c.resolve(ctx, req.Codes)
	if err != nil {
		return c.fail(ctx, log, run, err)
	}
	log.Info("resolved instruments", zap.Int("instruments", len(codes)))

	var failed, empty int
	for _, code := range codes {
		if err := ctx.Err(); err != nil {
			return c.fail(ctx, log, run, fmt.Errorf("run interrupted: %w", err))
		}

		n, outcome := c.processInstrument(ctx, log, code, req)
		switch outcome {
		case datafetcher.OutcomeEmpty:
			empty++
		case datafetcher.OutcomeFailed:
			failed++
		}

		run.StocksProcessed++
		run.RecordsUpserted += n
		err := audit.Model(run).Updates(map[string]interface{}{
			"stocks_processed": run.StocksProcessed,
			"records_inserted": run.RecordsUpserted,
		}).Error
		if err != nil {
			return c.fail(ctx, log, run, fmt.Errorf("%w: update counters: %w", ErrAuditStore, err))
		}
		c.notify(log, run)
	}

	completed := c.now()
	err = audit.Model(run).Updates(map[string]interface{}{
		"status":       models.FetchStatusSuccess,
		"completed_at": completed,
	}).Error
	if err != nil {
		return c.fail(ctx, log, run, fmt.Errorf("%w: finalize run: %w", ErrAuditStore, err))
	}
	run.Status = models.FetchStatusSuccess
	run.CompletedAt = &completed

	log.Info("fetch run completed",
		zap.Int("stocks_processed", run.StocksProcessed),
		zap.Int("records_upserted", run.RecordsUpserted),
		zap.Int("empty", empty),
		zap.Int("failed", failed),
		zap.Duration("elapsed", completed.Sub(run.StartedAt)),
	)
	c.notify(log, run)
	return run, nil
}

func (c *Coordinator) resolve(ctx context.Context, codes []string) ([]string, error) {
	if len(codes) > 0 {
		return codes, nil
	}
	stocks, err := c.universe.ListInstruments(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("resolve universe: %w", err)
	}
	out := make([]string, 0, len(stocks))
	for _, s := range stocks {
		out = append(out, s.StockCode)
	}
	return out, nil
}

// processInstrument fetches and stores one instrument. The quote write is
// committed on its own; a failure rolls back only this instrument.
func (c *Coordinator) processInstrument(ctx context.Context, log *zap.Logger, code string, req RunRequest) (int, datafetcher.Outcome) {
	res := c.fetcher.FetchSeries(ctx, datafetcher.Request{
		Code:   code,
		Start:  req.Start,
		End:    req.End,
		Adjust: c.cfg.Adjust,
	}, c.cfg.MaxRetries)

	switch res.Outcome {
	case datafetcher.OutcomeEmpty:
		log.Info("no data for instrument", zap.String("code", code))
		return 0, res.Outcome
	case datafetcher.OutcomeFailed:
		log.Error("fetch failed, skipping instrument", zap.String("code", code), zap.Int("attempts", res.Attempts), zap.Error(res.Err))
		return 0, res.Outcome
	}

	var n int
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		n, err = c.upserter.UpsertQuotes(tx, code, QuotesFromBars(code, res.Bars))
		return err
	})
	if err != nil {
		log.Error("store quotes failed, skipping instrument", zap.String("code", code), zap.Error(err))
		return 0, datafetcher.OutcomeFailed
	}
	log.Debug("stored quotes", zap.String("code", code), zap.Int("records", n))
	return n, res.Outcome
}

// fail records cause on the run unless it is already terminal, then
// returns the run together with cause.
func (c *Coordinator) fail(ctx context.Context, log *zap.Logger, run *models.FetchRun, cause error) (*models.FetchRun, error) {
	if run.Status.IsTerminal() {
		return run, cause
	}
	completed := c.now()
	msg := models.TruncateError(cause.Error())
	run.Status = models.FetchStatusFailed
	run.CompletedAt = &completed
	run.ErrorMessage = &msg

	err := c.db.WithContext(context.WithoutCancel(ctx)).Model(run).Updates(map[string]interface{}{
		"status":           models.FetchStatusFailed,
		"completed_at":     completed,
		"error_message":    msg,
		"stocks_processed": run.StocksProcessed,
		"records_inserted": run.RecordsUpserted,
	}).Error
	if err != nil {
		log.Error("could not record run failure", zap.Error(err))
	}
	log.Error("fetch run failed", zap.Error(cause), zap.Int("stocks_processed", run.StocksProcessed))
	c.notify(log, run)
	return run, cause
}

func (c *Coordinator) notify(log *zap.Logger, run *models.FetchRun) {
	for _, o := range c.observers {
		if err := o.RunUpdated(*run); err != nil {
			log.Warn("run observer failed", zap.Error(err))
		}
	}
}
