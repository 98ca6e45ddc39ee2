package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"china_stock_proxy/config"
	"china_stock_proxy/controllers"
	"china_stock_proxy/logger"
	"china_stock_proxy/middleware"
	"china_stock_proxy/models"
	"china_stock_proxy/routes"
	"china_stock_proxy/scheduler"
	"china_stock_proxy/services/datafetcher"
	"china_stock_proxy/services/ingest"
	"china_stock_proxy/services/proxypool"
	"china_stock_proxy/services/runarchive"
	"china_stock_proxy/services/runfeed"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func main() {
	if err := logger.Init(os.Getenv("APP_ENV")); err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(); err != nil {
		logger.L().Fatal("server exited", zap.Error(err))
	}
}

func run() error {
	log := logger.L()
	log.Info("China Stock Data Proxy starting")

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := config.InitDB(cfg)
	if err != nil {
		return err
	}
	defer closeDB(db)

	log.Info("running database migrations")
	if err := models.MigrateStockModels(db); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source := datafetcher.NewEastmoneySource(
		datafetcher.WithBaseURLs(cfg.SourceBaseURL, cfg.UniverseBaseURL),
	)
	defer source.Close()

	hub := runfeed.NewHub(cfg.CORSAllowedOrigins, log)
	observers := []ingest.RunObserver{hub}

	var archive *runarchive.Archive
	if cfg.MongoURI != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		archive, err = runarchive.Connect(connectCtx, cfg.MongoURI, cfg.MongoDatabase, log)
		cancel()
		if err != nil {
			log.Warn("run archive disabled", zap.Error(err))
		} else {
			observers = append(observers, archive)
		}
	}

	syncer := ingest.NewUniverseSyncer(db, source, proxypool.Headers, log)
	jobs := scheduler.NewScheduler(db, cfg, source,
		scheduler.WithObservers(observers...),
		scheduler.WithUniverseSyncer(syncer),
	)
	if err := jobs.Start(); err != nil {
		return err
	}

	triggerRate := middleware.NewIPRateLimiter(cfg.TriggerRatePerMinute)
	triggerRate.StartCleanup(ctx, time.Minute)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(cfg.CORSAllowedOrigins))
	router.Use(requestLogger(log))

	routes.SetupHealthEndpoints(router, db)
	routes.SetupRoutes(router, routes.Deps{
		DB:     db,
		Jobs:   jobs,
		Issuer: middleware.NewTokenIssuer(cfg.SecretKey, time.Duration(cfg.AccessTokenExpireMinutes)*time.Minute),
		Credentials: controllers.Credentials{
			Username:     cfg.AuthUsername,
			Password:     cfg.AuthPassword,
			PasswordHash: cfg.AuthPasswordHash,
		},
		TriggerRate: triggerRate,
		Stream:      hub.ServeWS,
	})

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		gracefulShutdown(server, jobs, archive)
		return nil
	})

	return g.Wait()
}

// gracefulShutdown stops accepting requests, drains running jobs and
// closes outbound connections.
func gracefulShutdown(server *http.Server, jobs *scheduler.Scheduler, archive *runarchive.Archive) {
	log := logger.L()
	log.Info("shutting down gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Warn("server forced to shutdown", zap.Error(err))
	}
	if err := jobs.Stop(ctx); err != nil {
		log.Warn("scheduler stop", zap.Error(err))
	}
	if archive != nil {
		if err := archive.Close(ctx); err != nil {
			log.Warn("close run archive", zap.Error(err))
		}
	}
	log.Info("server shutdown completed")
}

func closeDB(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err == nil {
		logger.L().Info("database connection closed")
	}
}

// corsMiddleware allows the configured origins; "*" allows any.
func corsMiddleware(allowed []string) gin.HandlerFunc {
	wildcard := slices.Contains(allowed, "*")
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" && (wildcard || slices.Contains(allowed, origin)) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Max-Age", "86400")
			c.Header("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// requestLogger returns a request logging middleware
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip logging for health checks to reduce noise
		path := c.Request.URL.Path
		if path == "/health" || path == "/ready" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		// Only log errors or slow requests
		if c.Writer.Status() >= 400 || duration > time.Second {
			log.Info("request",
				zap.String("method", c.Request.Method),
				zap.String("path", path),
				zap.Int("status", c.Writer.Status()),
				zap.Duration("duration", duration),
			)
		}
	}
}
