package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"china_stock_proxy/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type Config struct {
	Environment string
	Port        string

	DatabaseURL         string
	DatabasePoolSize    int
	DatabaseMaxOverflow int

	SecretKey                string
	AccessTokenExpireMinutes int
	AuthUsername             string
	AuthPassword             string
	AuthPasswordHash         string
	CORSAllowedOrigins       []string
	TriggerRatePerMinute     int

	ProxyList         []string
	ProxyPoolSize     int
	ProxyValidate     bool
	ProxyProbeURL     string
	ProxyProbeTimeout time.Duration

	RequestInterval  float64 // seconds between outbound requests
	RateLimitTimeout time.Duration
	RequestTimeout   time.Duration
	MaxRetries       int
	BatchSize        int
	AdjustMode       string
	LookbackDays     int

	DailyFetchCron    string
	UniverseSyncCron  string
	SchedulerTimezone string
	RunTimeout        time.Duration

	SourceBaseURL   string
	UniverseBaseURL string

	MongoURI      string
	MongoDatabase string
}

var defaults = map[string]any{
	"APP_ENV":                     "development",
	"PORT":                        "8080",
	"DATABASE_URL":                "postgres://postgres@localhost:5432/stock_data?sslmode=disable",
	"DATABASE_POOL_SIZE":          20,
	"DATABASE_MAX_OVERFLOW":       10,
	"ACCESS_TOKEN_EXPIRE_MINUTES": 60,
	"CORS_ALLOWED_ORIGINS":        "http://localhost:3000,http://127.0.0.1:3000",
	"TRIGGER_RATE_PER_MINUTE":     6,
	"PROXY_POOL_SIZE":             5,
	"PROXY_VALIDATE":              false,
	"PROXY_PROBE_URL":             "http://httpbin.org/ip",
	"PROXY_PROBE_TIMEOUT":         "10s",
	"REQUEST_INTERVAL":            2.0,
	"RATE_LIMIT_TIMEOUT":          "60s",
	"REQUEST_TIMEOUT":             "15s",
	"MAX_RETRIES":                 3,
	"DATA_FETCH_BATCH_SIZE":       50,
	"ADJUST_MODE":                 "qfq",
	"FETCH_LOOKBACK_DAYS":         5,
	"DAILY_FETCH_CRON":            "5 15 * * 1-5",
	"UNIVERSE_SYNC_CRON":          "30 8 * * 1-5",
	"SCHEDULER_TIMEZONE":          "Asia/Shanghai",
	"RUN_TIMEOUT":                 "1h",
	"SOURCE_BASE_URL":             "https://push2his.eastmoney.com",
	"UNIVERSE_BASE_URL":           "https://82.push2.eastmoney.com",
	"MONGODB_DATABASE":            "stock_proxy",
}

// LoadConfig reads .env (if present) and the process environment.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.L().Debug("no .env file found, using environment variables")
	}

	v := viper.New()
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	cfg := &Config{
		Environment:              v.GetString("APP_ENV"),
		Port:                     v.GetString("PORT"),
		DatabaseURL:              v.GetString("DATABASE_URL"),
		DatabasePoolSize:         v.GetInt("DATABASE_POOL_SIZE"),
		DatabaseMaxOverflow:      v.GetInt("DATABASE_MAX_OVERFLOW"),
		SecretKey:                v.GetString("SECRET_KEY"),
		AccessTokenExpireMinutes: v.GetInt("ACCESS_TOKEN_EXPIRE_MINUTES"),
		AuthUsername:             v.GetString("AUTH_USERNAME"),
		AuthPassword:             v.GetString("AUTH_PASSWORD"),
		AuthPasswordHash:         v.GetString("AUTH_PASSWORD_HASH"),
		CORSAllowedOrigins:       splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		TriggerRatePerMinute:     v.GetInt("TRIGGER_RATE_PER_MINUTE"),
		ProxyList:                splitList(v.GetString("PROXY_LIST")),
		ProxyPoolSize:            v.GetInt("PROXY_POOL_SIZE"),
		ProxyValidate:            v.GetBool("PROXY_VALIDATE"),
		ProxyProbeURL:            v.GetString("PROXY_PROBE_URL"),
		ProxyProbeTimeout:        v.GetDuration("PROXY_PROBE_TIMEOUT"),
		RequestInterval:          v.GetFloat64("REQUEST_INTERVAL"),
		RateLimitTimeout:         v.GetDuration("RATE_LIMIT_TIMEOUT"),
		RequestTimeout:           v.GetDuration("REQUEST_TIMEOUT"),
		MaxRetries:               v.GetInt("MAX_RETRIES"),
		BatchSize:                v.GetInt("DATA_FETCH_BATCH_SIZE"),
		AdjustMode:               v.GetString("ADJUST_MODE"),
		LookbackDays:             v.GetInt("FETCH_LOOKBACK_DAYS"),
		DailyFetchCron:           v.GetString("DAILY_FETCH_CRON"),
		UniverseSyncCron:         v.GetString("UNIVERSE_SYNC_CRON"),
		SchedulerTimezone:        v.GetString("SCHEDULER_TIMEZONE"),
		RunTimeout:               v.GetDuration("RUN_TIMEOUT"),
		SourceBaseURL:            v.GetString("SOURCE_BASE_URL"),
		UniverseBaseURL:          v.GetString("UNIVERSE_BASE_URL"),
		MongoURI:                 v.GetString("MONGODB_URI"),
		MongoDatabase:            v.GetString("MONGODB_DATABASE"),
	}

	if cfg.IsTest() {
		if cfg.AuthUsername == "" {
			cfg.AuthUsername = "admin"
		}
		if cfg.AuthPassword == "" && cfg.AuthPasswordHash == "" {
			cfg.AuthPassword = "admin"
		}
		if cfg.SecretKey == "" {
			cfg.SecretKey = "test-secret"
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// IsTest reports whether the process runs with APP_ENV=test.
func (c *Config) IsTest() bool {
	return c.Environment == "test"
}

// RequestsPerSecond converts the configured request interval into a token rate.
func (c *Config) RequestsPerSecond() float64 {
	if c.RequestInterval <= 0 {
		return 0.5
	}
	return 1 / c.RequestInterval
}

// Validate checks required and numeric settings.
func (c *Config) Validate() error {
	var errs []error
	if c.SecretKey == "" {
		errs = append(errs, errors.New("SECRET_KEY is required when APP_ENV is not test"))
	}
	if c.AuthUsername == "" || (c.AuthPassword == "" && c.AuthPasswordHash == "") {
		errs = append(errs, errors.New("AUTH_USERNAME and AUTH_PASSWORD (or AUTH_PASSWORD_HASH) are required when APP_ENV is not test"))
	}
	if c.RequestInterval <= 0 {
		errs = append(errs, fmt.Errorf("REQUEST_INTERVAL must be positive, got %v", c.RequestInterval))
	}
	if c.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("MAX_RETRIES must be positive, got %d", c.MaxRetries))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("DATA_FETCH_BATCH_SIZE must be positive, got %d", c.BatchSize))
	}
	if c.DatabasePoolSize <= 0 {
		errs = append(errs, fmt.Errorf("DATABASE_POOL_SIZE must be positive, got %d", c.DatabasePoolSize))
	}
	return errors.Join(errs...)
}

// Location resolves SchedulerTimezone, falling back to a fixed UTC+8 zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.SchedulerTimezone)
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}

// InitDB opens the database selected by DatabaseURL and verifies it with a ping.
func InitDB(cfg *Config) (*gorm.DB, error) {
	logger.L().Info("connecting to database", zap.String("url", maskDSN(cfg.DatabaseURL)))

	logLevel := gormlogger.Warn
	if cfg.Environment == "production" {
		logLevel = gormlogger.Error
	}

	db, err := gorm.Open(dialector(cfg.DatabaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.DatabasePoolSize + cfg.DatabaseMaxOverflow)
	sqlDB.SetMaxIdleConns(cfg.DatabasePoolSize)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	logger.L().Info("database connection verified")
	return db, nil
}

func dialector(dsn string) gorm.Dialector {
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		return sqlite.Open(strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasPrefix(dsn, "file:"), strings.HasSuffix(dsn, ".db"):
		return sqlite.Open(dsn)
	default:
		return postgres.Open(dsn)
	}
}

// maskDSN hides credentials in a connection string for logging.
func maskDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
