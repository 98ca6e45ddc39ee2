// Package ingest persists fetched quotes and drives ingestion runs.
package ingest

import (
	"fmt"

	"china_stock_proxy/logger"
	"china_stock_proxy/models"
	"china_stock_proxy/services/datafetcher"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultChunkSize bounds the date list of each lookup query.
const DefaultChunkSize = 50

// BatchUpserter merges quote rows keyed by (stock_code, date).
type BatchUpserter struct {
	chunkSize int
	log       *zap.Logger
}

// NewBatchUpserter creates an upserter; chunkSize <= 0 uses DefaultChunkSize.
func NewBatchUpserter(chunkSize int, log *zap.Logger) *BatchUpserter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &BatchUpserter{chunkSize: chunkSize, log: logger.Or(log)}
}

// QuotesFromBars converts fetched bars into storage rows for code.
func QuotesFromBars(code string, bars []datafetcher.Bar) []models.DailyQuote {
	out := make([]models.DailyQuote, 0, len(bars))
	for _, b := range bars {
		out = append(out, models.DailyQuote{
			StockCode:    code,
			Date:         models.TradeDate(b.Date),
			Open:         b.Open,
			High:         b.High,
			Low:          b.Low,
			Close:        b.Close,
			Volume:       b.Volume,
			Amount:       b.Amount,
			AdjustFactor: decimal.NewFromInt(1),
		})
	}
	return out
}

// UpsertQuotes writes records for code through tx and returns how many
// were written. Existing rows have every non-key field overwritten; missing
// rows are inserted. Each record counts once whichever branch it takes.
func (u *BatchUpserter) UpsertQuotes(tx *gorm.DB, code string, records []models.DailyQuote) (int, error) {
	count := 0
	for start := 0; start < len(records); start += u.chunkSize {
		end := min(start+u.chunkSize, len(records))
		n, err := u.upsertChunk(tx, code, records[start:end])
		count += n
		if err != nil {
			return count, err
		}
	}
	u.log.Debug("upserted quotes", zap.String("code", code), zap.Int("records", count))
	return count, nil
}

func (u *BatchUpserter) upsertChunk(tx *gorm.DB, code string, chunk []models.DailyQuote) (int, error) {
	dates := make([]any, 0, len(chunk))
	for _, rec := range chunk {
		dates = append(dates, models.TradeDate(rec.Date))
	}

	var existing []models.DailyQuote
	if err := tx.Where("stock_code = ? AND date IN ?", code, dates).Find(&existing).Error; err != nil {
		return 0, fmt.Errorf("lookup quotes for %s: %w", code, err)
	}
	byDate := make(map[string]*models.DailyQuote, len(existing))
	for i := range existing {
		byDate[models.DateKey(existing[i].Date)] = &existing[i]
	}

	written := 0
	for _, rec := range chunk {
		key := models.DateKey(rec.Date)
		if row, ok := byDate[key]; ok {
			row.CopyValues(rec)
			if err := tx.Save(row).Error; err != nil {
				return written, fmt.Errorf("update quote %s %s: %w", code, key, err)
			}
		} else {
			row := &models.DailyQuote{StockCode: code, Date: models.TradeDate(rec.Date)}
			row.CopyValues(rec)
			if err := tx.Create(row).Error; err != nil {
				return written, fmt.Errorf("insert quote %s %s: %w", code, key, err)
			}
			byDate[key] = row
		}
		written++
	}
	return written, nil
}
