package routes

import (
	"net/http"
	"time"

	"china_stock_proxy/controllers"
	"china_stock_proxy/middleware"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Deps are the components the API is wired to.
type Deps struct {
	DB          *gorm.DB
	Jobs        controllers.JobQueue
	Issuer      *middleware.TokenIssuer
	Credentials controllers.Credentials
	LoginGuard  *middleware.LoginGuard
	TriggerRate *middleware.IPRateLimiter
	// Stream serves the fetch run websocket; nil disables the endpoint.
	Stream http.HandlerFunc
}

// SetupHealthEndpoints registers liveness and readiness probes
func SetupHealthEndpoints(router *gin.Engine, db *gorm.DB) {
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "China Stock Data Proxy",
			"version": "1.0.0",
		})
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/ready", func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not_ready",
				"message": "Database connection error",
			})
			return
		}
		if err := sqlDB.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not_ready",
				"message": "Database ping failed",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
}

// SetupRoutes sets up all API routes
func SetupRoutes(router *gin.Engine, deps Deps) {
	if deps.TriggerRate == nil {
		deps.TriggerRate = middleware.NewIPRateLimiter(0)
	}
	if deps.LoginGuard == nil {
		deps.LoginGuard = middleware.NewLoginGuard(5, 15*time.Minute, 30*time.Minute)
	}

	authController := controllers.NewAuthController(deps.Credentials, deps.Issuer, deps.LoginGuard)
	stockController := controllers.NewStockController(deps.DB, deps.Jobs)
	runController := controllers.NewFetchRunController(deps.DB)

	requireAuth := middleware.JWTAuthMiddleware(deps.Issuer)
	triggerLimit := middleware.RateLimitMiddleware(deps.TriggerRate)

	api := router.Group("/api/v1")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/token", authController.Token)
			auth.GET("/verify", requireAuth, authController.Verify)
		}

		stocks := api.Group("/stocks", requireAuth)
		{
			stocks.GET("/list", stockController.ListStocks)
			stocks.GET("/daily", stockController.GetDailyQuotes)
			stocks.GET("/trigger-update", triggerLimit, stockController.TriggerUpdate)
			stocks.POST("/trigger-update", triggerLimit, stockController.TriggerUpdate)
			stocks.POST("/sync-universe", triggerLimit, stockController.SyncUniverse)
		}

		runs := api.Group("/fetch-runs", requireAuth)
		{
			runs.GET("", runController.ListFetchRuns)
			if deps.Stream != nil {
				runs.GET("/stream", gin.WrapF(deps.Stream))
			}
			runs.GET("/:id", runController.GetFetchRun)
		}
	}
}
