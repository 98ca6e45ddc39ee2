package ingest

import (
	"context"
	"fmt"
	"time"

	"china_stock_proxy/logger"
	"china_stock_proxy/models"
	"china_stock_proxy/services/datafetcher"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StockUniverse reads the stored instrument list.
type StockUniverse struct {
	db *gorm.DB
}

// NewStockUniverse creates a universe backed by the stocks table.
func NewStockUniverse(db *gorm.DB) *StockUniverse {
	return &StockUniverse{db: db}
}

// ListInstruments returns stored instruments ordered by code. With
// excludeFlagged, special-treatment instruments are left out.
func (u *StockUniverse) ListInstruments(ctx context.Context, excludeFlagged bool) ([]models.Stock, error) {
	q := u.db.WithContext(ctx).Model(&models.Stock{})
	if excludeFlagged {
		q = q.Where("is_st = ?", false)
	}
	var stocks []models.Stock
	if err := q.Order("stock_code").Find(&stocks).Error; err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	return stocks, nil
}

// InstrumentLister downloads the remote instrument list.
type InstrumentLister interface {
	ListInstruments(ctx context.Context, egress datafetcher.Egress) ([]datafetcher.Instrument, error)
}

// UniverseSyncer refreshes the stocks table from the remote list.
type UniverseSyncer struct {
	db      *gorm.DB
	source  InstrumentLister
	headers func() map[string]string
	log     *zap.Logger
}

// NewUniverseSyncer creates a syncer. headers may be nil.
func NewUniverseSyncer(db *gorm.DB, source InstrumentLister, headers func() map[string]string, log *zap.Logger) *UniverseSyncer {
	return &UniverseSyncer{db: db, source: source, headers: headers, log: logger.Or(log)}
}

// Sync upserts every listed instrument and returns how many were written.
// Instruments that disappear from the list are kept.
func (s *UniverseSyncer) Sync(ctx context.Context) (int, error) {
	start := time.Now()
	egress := datafetcher.Egress{}
	if s.headers != nil {
		egress.Headers = s.headers()
	}

	items, err := s.source.ListInstruments(ctx, egress)
	if err != nil {
		return 0, fmt.Errorf("fetch instrument list: %w", err)
	}
	if len(items) == 0 {
		s.log.Warn("instrument list is empty, keeping stored universe")
		return 0, nil
	}

	stocks := make([]models.Stock, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if _, dup := seen[it.Code]; dup {
			continue
		}
		seen[it.Code] = struct{}{}
		stocks = append(stocks, models.Stock{
			StockCode: it.Code,
			StockName: it.Name,
			Exchange:  it.Exchange,
			IsST:      it.Flagged,
		})
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "stock_code"}},
		DoUpdates: clause.AssignmentColumns([]string{"stock_name", "exchange", "is_st", "updated_at"}),
	}).CreateInBatches(&stocks, 500).Error
	if err != nil {
		return 0, fmt.Errorf("upsert instruments: %w", err)
	}

	s.log.Info("instrument universe synced",
		zap.Int("instruments", len(stocks)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return len(stocks), nil
}
