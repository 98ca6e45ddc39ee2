package controllers

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"china_stock_proxy/logger"
	"china_stock_proxy/middleware"
	"china_stock_proxy/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const dateLayout = "2006-01-02"

var stockCodePattern = regexp.MustCompile(`^\d{6}$`)

// JobQueue queues background jobs and returns their ids.
type JobQueue interface {
	TriggerManual(codes []string, start, end *time.Time) (string, error)
	SyncUniverse() (string, error)
}

// StockController handles stock-related requests
type StockController struct {
	db   *gorm.DB
	jobs JobQueue
}

// NewStockController creates a new stock controller
func NewStockController(db *gorm.DB, jobs JobQueue) *StockController {
	return &StockController{db: db, jobs: jobs}
}

// paging reads skip/limit with a default and an upper bound on limit.
func paging(c *gin.Context, defLimit, maxLimit int) (int, int, error) {
	skip, err := strconv.Atoi(c.DefaultQuery("skip", "0"))
	if err != nil || skip < 0 {
		return 0, 0, fmt.Errorf("skip must be a non-negative integer")
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defLimit)))
	if err != nil || limit < 1 || limit > maxLimit {
		return 0, 0, fmt.Errorf("limit must be between 1 and %d", maxLimit)
	}
	return skip, limit, nil
}

// parseCodes splits a comma separated code list and validates each entry.
func parseCodes(raw string) ([]string, error) {
	var codes []string
	seen := make(map[string]bool)
	for _, code := range strings.Split(raw, ",") {
		code = strings.TrimSpace(code)
		if code == "" || seen[code] {
			continue
		}
		if !stockCodePattern.MatchString(code) {
			return nil, fmt.Errorf("invalid stock code %q", code)
		}
		seen[code] = true
		codes = append(codes, code)
	}
	return codes, nil
}

func parseDate(c *gin.Context, key string) (*time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	d, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be YYYY-MM-DD", key)
	}
	return &d, nil
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
}

// ListStocks returns stored instruments ordered by code
// GET /api/v1/stocks/list
func (sc *StockController) ListStocks(c *gin.Context) {
	skip, limit, err := paging(c, 100, 1000)
	if err != nil {
		badRequest(c, err)
		return
	}

	query := sc.db.WithContext(c.Request.Context()).Model(&models.Stock{})
	if exchange := strings.ToUpper(c.Query("exchange")); exchange != "" {
		query = query.Where("exchange = ?", exchange)
	}
	if st := c.Query("is_st"); st != "" {
		flagged, err := strconv.ParseBool(st)
		if err != nil {
			badRequest(c, fmt.Errorf("is_st must be a boolean"))
			return
		}
		query = query.Where("is_st = ?", flagged)
	}

	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch stocks"})
		return
	}

	var stocks []models.Stock
	if err := query.Order("stock_code").Offset(skip).Limit(limit).Find(&stocks).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch stocks"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": stocks,
		"pagination": gin.H{
			"skip":  skip,
			"limit": limit,
			"total": total,
		},
	})
}

// GetDailyQuotes returns stored daily bars, newest first
// GET /api/v1/stocks/daily?stock_code=000001,600000&start_date=&end_date=
func (sc *StockController) GetDailyQuotes(c *gin.Context) {
	codes, err := parseCodes(c.Query("stock_code"))
	if err != nil {
		badRequest(c, err)
		return
	}
	start, err := parseDate(c, "start_date")
	if err != nil {
		badRequest(c, err)
		return
	}
	end, err := parseDate(c, "end_date")
	if err != nil {
		badRequest(c, err)
		return
	}
	skip, limit, err := paging(c, 100, 5000)
	if err != nil {
		badRequest(c, err)
		return
	}

	query := sc.db.WithContext(c.Request.Context()).Model(&models.DailyQuote{})
	if len(codes) > 0 {
		query = query.Where("stock_code IN ?", codes)
	}
	if start != nil {
		query = query.Where("date >= ?", models.TradeDate(*start))
	}
	if end != nil {
		query = query.Where("date <= ?", models.TradeDate(*end))
	}

	var quotes []models.DailyQuote
	if err := query.Order("date DESC").Order("stock_code").Offset(skip).Limit(limit).Find(&quotes).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch quotes"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  quotes,
		"count": len(quotes),
	})
}

// TriggerUpdate queues a manual fetch. Without stock_codes the whole
// stored universe is fetched.
// GET|POST /api/v1/stocks/trigger-update
func (sc *StockController) TriggerUpdate(c *gin.Context) {
	codes, err := parseCodes(c.Query("stock_codes"))
	if err != nil {
		badRequest(c, err)
		return
	}
	start, err := parseDate(c, "start_date")
	if err != nil {
		badRequest(c, err)
		return
	}
	end, err := parseDate(c, "end_date")
	if err != nil {
		badRequest(c, err)
		return
	}
	if start != nil && end != nil && start.After(*end) {
		badRequest(c, fmt.Errorf("start_date must not be after end_date"))
		return
	}

	username, _ := middleware.GetUsernameFromContext(c)
	taskID, err := sc.jobs.TriggerManual(codes, start, end)
	if err != nil {
		logger.L().Error("failed to queue data update", zap.String("user", username), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to queue",
			"message": err.Error(),
		})
		return
	}

	logger.L().Info("data update queued", zap.String("task_id", taskID), zap.String("user", username), zap.Strings("stock_codes", codes))
	c.JSON(http.StatusOK, gin.H{
		"message":     "Data update task queued",
		"status":      "queued",
		"task_id":     taskID,
		"user":        username,
		"stock_codes": codes,
	})
}

// SyncUniverse queues a refresh of the stored instrument list
// POST /api/v1/stocks/sync-universe
func (sc *StockController) SyncUniverse(c *gin.Context) {
	taskID, err := sc.jobs.SyncUniverse()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to queue",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Universe sync queued",
		"status":  "queued",
		"task_id": taskID,
	})
}
