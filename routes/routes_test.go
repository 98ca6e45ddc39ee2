package routes

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"china_stock_proxy/controllers"
	"china_stock_proxy/middleware"
	"china_stock_proxy/models"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type countingQueue struct{ manual int }

func (q *countingQueue) TriggerManual([]string, *time.Time, *time.Time) (string, error) {
	q.manual++
	return "job", nil
}

func (q *countingQueue) SyncUniverse() (string, error) { return "sync", nil }

func newRouter(t *testing.T, q controllers.JobQueue) (*gin.Engine, *middleware.TokenIssuer) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, models.MigrateStockModels(db))

	issuer := middleware.NewTokenIssuer("key", time.Minute)
	r := gin.New()
	SetupHealthEndpoints(r, db)
	SetupRoutes(r, Deps{
		DB:          db,
		Jobs:        q,
		Issuer:      issuer,
		Credentials: controllers.Credentials{Username: "admin", Password: "pw"},
		TriggerRate: middleware.NewIPRateLimiter(2),
		Stream: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		},
	})
	return r, issuer
}

func request(r http.Handler, method, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	r, _ := newRouter(t, &countingQueue{})

	assert.Equal(t, http.StatusOK, request(r, http.MethodGet, "/", "").Code)
	assert.Equal(t, http.StatusOK, request(r, http.MethodGet, "/health", "").Code)

	w := request(r, http.MethodGet, "/ready", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ready", body["status"])
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	r, issuer := newRouter(t, &countingQueue{})

	for _, target := range []string{"/api/v1/stocks/list", "/api/v1/stocks/daily", "/api/v1/fetch-runs", "/api/v1/fetch-runs/1"} {
		assert.Equal(t, http.StatusUnauthorized, request(r, http.MethodGet, target, "").Code, target)
	}

	token, _, err := issuer.Issue("admin")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, request(r, http.MethodGet, "/api/v1/stocks/list", token).Code)
	assert.Equal(t, http.StatusNotFound, request(r, http.MethodGet, "/api/v1/fetch-runs/1", token).Code)
}

func TestTriggerEndpointsAreRateLimited(t *testing.T) {
	q := &countingQueue{}
	r, issuer := newRouter(t, q)
	token, _, err := issuer.Issue("admin")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, request(r, http.MethodPost, "/api/v1/stocks/trigger-update", token).Code)
	assert.Equal(t, http.StatusOK, request(r, http.MethodGet, "/api/v1/stocks/trigger-update", token).Code)
	assert.Equal(t, http.StatusTooManyRequests, request(r, http.MethodPost, "/api/v1/stocks/trigger-update", token).Code)
	assert.Equal(t, 2, q.manual)

	// reads are not limited
	assert.Equal(t, http.StatusOK, request(r, http.MethodGet, "/api/v1/stocks/list", token).Code)
}

func TestStreamAcceptsQueryTokenOnUpgrade(t *testing.T) {
	r, issuer := newRouter(t, &countingQueue{})
	token, _, err := issuer.Issue("admin")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/fetch-runs/stream?access_token="+token, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "query token only counts on upgrade")

	req = httptest.NewRequest(http.MethodGet, "/api/v1/fetch-runs/stream?access_token="+token, nil)
	req.Header.Set("Upgrade", "websocket")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestLoginThroughRouter(t *testing.T) {
	r, _ := newRouter(t, &countingQueue{})

	w := request(r, http.MethodPost, "/api/v1/auth/token", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
