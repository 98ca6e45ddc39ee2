package controllers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"china_stock_proxy/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// FetchRunController exposes the run audit trail
type FetchRunController struct {
	db *gorm.DB
}

// NewFetchRunController creates a new fetch run controller
func NewFetchRunController(db *gorm.DB) *FetchRunController {
	return &FetchRunController{db: db}
}

// ListFetchRuns returns recent runs, newest first
// GET /api/v1/fetch-runs?job_id=&status=&limit=
func (fc *FetchRunController) ListFetchRuns(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 || limit > 200 {
		badRequest(c, fmt.Errorf("limit must be between 1 and 200"))
		return
	}

	query := fc.db.WithContext(c.Request.Context()).Model(&models.FetchRun{})
	if jobID := c.Query("job_id"); jobID != "" {
		query = query.Where("job_id = ?", jobID)
	}
	if status := c.Query("status"); status != "" {
		switch models.FetchStatus(status) {
		case models.FetchStatusRunning, models.FetchStatusSuccess, models.FetchStatusFailed:
			query = query.Where("status = ?", status)
		default:
			badRequest(c, fmt.Errorf("unknown status %q", status))
			return
		}
	}

	var runs []models.FetchRun
	if err := query.Order("id DESC").Limit(limit).Find(&runs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch runs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": runs})
}

// GetFetchRun returns one run
// GET /api/v1/fetch-runs/:id
func (fc *FetchRunController) GetFetchRun(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, fmt.Errorf("id must be a positive integer"))
		return
	}

	var run models.FetchRun
	if err := fc.db.WithContext(c.Request.Context()).First(&run, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Fetch run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch run"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": run})
}
