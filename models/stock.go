package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Stock is one A-share instrument in the ingestion universe
type Stock struct {
	StockCode string          `gorm:"primaryKey;size:10" json:"stock_code"`
	StockName string          `gorm:"size:50;not null" json:"stock_name"`
	Exchange  string          `gorm:"size:10;not null" json:"exchange"` // SH, SZ, BJ
	IsST      bool            `gorm:"column:is_st;not null;default:false;index" json:"is_st"`
	ListDate  *time.Time      `json:"list_date"`
	Industry  string          `gorm:"size:50" json:"industry"`
	MarketCap decimal.Decimal `gorm:"type:decimal(24,2)" json:"market_cap"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// DailyQuote is a daily OHLCV bar keyed by (stock_code, date)
type DailyQuote struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	StockCode    string          `gorm:"size:10;not null;uniqueIndex:idx_quote_code_date,priority:1" json:"stock_code"`
	Date         time.Time       `gorm:"not null;uniqueIndex:idx_quote_code_date,priority:2;index" json:"date"`
	Open         decimal.Decimal `gorm:"type:decimal(15,4);not null" json:"open"`
	High         decimal.Decimal `gorm:"type:decimal(15,4);not null" json:"high"`
	Low          decimal.Decimal `gorm:"type:decimal(15,4);not null" json:"low"`
	Close        decimal.Decimal `gorm:"type:decimal(15,4);not null" json:"close"`
	Volume       int64           `gorm:"not null" json:"volume"`
	Amount       decimal.Decimal `gorm:"type:decimal(24,2);not null" json:"amount"`
	AdjustFactor decimal.Decimal `gorm:"type:decimal(15,6);not null" json:"adjust_factor"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// TradeDate truncates t to midnight UTC of its calendar day.
func TradeDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DateKey formats a trade date for map lookups.
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// CopyValues overwrites every non-key field of q with src's values.
func (q *DailyQuote) CopyValues(src DailyQuote) {
	q.Open = src.Open
	q.High = src.High
	q.Low = src.Low
	q.Close = src.Close
	q.Volume = src.Volume
	q.Amount = src.Amount
	q.AdjustFactor = src.AdjustFactor
	if q.AdjustFactor.IsZero() {
		q.AdjustFactor = decimal.NewFromInt(1)
	}
}

// FetchKind is what started a run
type FetchKind string

const (
	FetchKindScheduled FetchKind = "scheduled"
	FetchKindManual    FetchKind = "manual"
)

// FetchStatus is the lifecycle state of a run
type FetchStatus string

const (
	FetchStatusRunning FetchStatus = "running"
	FetchStatusSuccess FetchStatus = "success"
	FetchStatusFailed  FetchStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s FetchStatus) IsTerminal() bool {
	return s == FetchStatusSuccess || s == FetchStatusFailed
}

// MaxErrorMessageLen bounds FetchRun.ErrorMessage
const MaxErrorMessageLen = 500

// FetchRun is the audit record of one ingestion run
type FetchRun struct {
	ID              uint        `gorm:"primaryKey" json:"id"`
	JobID           string      `gorm:"size:36;index" json:"job_id"`
	Kind            FetchKind   `gorm:"column:fetch_type;size:20;not null" json:"fetch_type"`
	StartedAt       time.Time   `gorm:"not null" json:"started_at"`
	CompletedAt     *time.Time  `json:"completed_at"`
	Status          FetchStatus `gorm:"size:20;not null;index" json:"status"`
	StocksProcessed int         `gorm:"not null;default:0" json:"stocks_processed"`
	RecordsUpserted int         `gorm:"column:records_inserted;not null;default:0" json:"records_upserted"`
	ErrorMessage    *string     `gorm:"size:500" json:"error_message"`
	CreatedAt       time.Time   `json:"created_at"`
}

// TableName keeps the audit table name stable.
func (FetchRun) TableName() string {
	return "fetch_history"
}

// TruncateError shortens msg to MaxErrorMessageLen runes.
func TruncateError(msg string) string {
	r := []rune(msg)
	if len(r) <= MaxErrorMessageLen {
		return msg
	}
	return string(r[:MaxErrorMessageLen])
}

// MigrateStockModels runs database migrations for ingestion models
func MigrateStockModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&Stock{},
		&DailyQuote{},
		&FetchRun{},
	)
}
