package controllers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"china_stock_proxy/middleware"
	"china_stock_proxy/models"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, models.MigrateStockModels(db))
	return db
}

type fakeQueue struct {
	codes      []string
	start, end *time.Time
	err        error
	syncs      int
}

func (q *fakeQueue) TriggerManual(codes []string, start, end *time.Time) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.codes, q.start, q.end = codes, start, end
	return "job-1", nil
}

func (q *fakeQueue) SyncUniverse() (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.syncs++
	return "sync-1", nil
}

func do(r http.Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func stockRouter(sc *StockController) *gin.Engine {
	r := gin.New()
	withUser := func(c *gin.Context) {
		c.Set("username", "admin")
		c.Next()
	}
	r.GET("/stocks/list", sc.ListStocks)
	r.GET("/stocks/daily", sc.GetDailyQuotes)
	r.Any("/stocks/trigger-update", withUser, sc.TriggerUpdate)
	r.POST("/stocks/sync-universe", sc.SyncUniverse)
	return r
}

func TestTriggerUpdate_Queued(t *testing.T) {
	q := &fakeQueue{}
	r := stockRouter(NewStockController(newTestDB(t), q))

	w := do(r, http.MethodPost, "/stocks/trigger-update?stock_codes=000001,%20600000,000001&start_date=2024-01-02&end_date=2024-01-31")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, "job-1", body["task_id"])
	assert.Equal(t, "admin", body["user"])
	assert.Equal(t, []any{"000001", "600000"}, body["stock_codes"])
	assert.Contains(t, body, "message")

	assert.Equal(t, []string{"000001", "600000"}, q.codes)
	require.NotNil(t, q.start)
	require.NotNil(t, q.end)
	assert.Equal(t, "2024-01-02", q.start.Format(dateLayout))
	assert.Equal(t, "2024-01-31", q.end.Format(dateLayout))
}

func TestTriggerUpdate_AllStocksViaGet(t *testing.T) {
	q := &fakeQueue{}
	r := stockRouter(NewStockController(newTestDB(t), q))

	w := do(r, http.MethodGet, "/stocks/trigger-update")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, q.codes)
	assert.Nil(t, q.start)
	assert.Nil(t, decode(t, w)["stock_codes"])
}

func TestTriggerUpdate_Validation(t *testing.T) {
	r := stockRouter(NewStockController(newTestDB(t), &fakeQueue{}))

	for _, target := range []string{
		"/stocks/trigger-update?stock_codes=12345",
		"/stocks/trigger-update?stock_codes=abcdef",
		"/stocks/trigger-update?start_date=2024/01/02",
		"/stocks/trigger-update?start_date=2024-02-01&end_date=2024-01-01",
	} {
		w := do(r, http.MethodPost, target)
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
	}
}

func TestTriggerUpdate_QueueFailure(t *testing.T) {
	r := stockRouter(NewStockController(newTestDB(t), &fakeQueue{err: errors.New("scheduler stopped")}))

	w := do(r, http.MethodPost, "/stocks/trigger-update?stock_codes=000001")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "failed to queue", decode(t, w)["error"])
}

func TestSyncUniverse_Accepted(t *testing.T) {
	q := &fakeQueue{}
	r := stockRouter(NewStockController(newTestDB(t), q))

	w := do(r, http.MethodPost, "/stocks/sync-universe")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "sync-1", decode(t, w)["task_id"])
	assert.Equal(t, 1, q.syncs)
}

func TestListStocks(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&[]models.Stock{
		{StockCode: "600000", StockName: "浦发银行", Exchange: "SH"},
		{StockCode: "000001", StockName: "平安银行", Exchange: "SZ"},
		{StockCode: "000004", StockName: "*ST国华", Exchange: "SZ", IsST: true},
	}).Error)
	r := stockRouter(NewStockController(db, &fakeQueue{}))

	w := do(r, http.MethodGet, "/stocks/list?limit=2")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	data := body["data"].([]any)
	require.Len(t, data, 2)
	assert.Equal(t, "000001", data[0].(map[string]any)["stock_code"])
	assert.EqualValues(t, 3, body["pagination"].(map[string]any)["total"])

	w = do(r, http.MethodGet, "/stocks/list?exchange=sz&is_st=false")
	require.Equal(t, http.StatusOK, w.Code)
	data = decode(t, w)["data"].([]any)
	require.Len(t, data, 1)
	assert.Equal(t, "000001", data[0].(map[string]any)["stock_code"])

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/stocks/list?limit=0").Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/stocks/list?is_st=maybe").Code)
}

func TestGetDailyQuotes(t *testing.T) {
	db := newTestDB(t)
	for _, q := range []models.DailyQuote{
		{StockCode: "000001", Date: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Close: decimal.RequireFromString("10.5")},
		{StockCode: "000001", Date: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), Close: decimal.RequireFromString("10.7")},
		{StockCode: "600000", Date: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), Close: decimal.RequireFromString("7.1")},
	} {
		require.NoError(t, db.Create(&q).Error)
	}
	r := stockRouter(NewStockController(db, &fakeQueue{}))

	w := do(r, http.MethodGet, "/stocks/daily?stock_code=000001")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 2, body["count"])
	data := body["data"].([]any)
	assert.Equal(t, "10.7", data[0].(map[string]any)["close"], "newest first")

	w = do(r, http.MethodGet, "/stocks/daily?start_date=2024-01-03")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode(t, w)["count"])

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/stocks/daily?stock_code=1").Code)
}

func TestFetchRuns(t *testing.T) {
	db := newTestDB(t)
	msg := "boom"
	runs := []models.FetchRun{
		{JobID: "a", Kind: models.FetchKindScheduled, StartedAt: time.Now(), Status: models.FetchStatusSuccess, StocksProcessed: 2, RecordsUpserted: 5},
		{JobID: "b", Kind: models.FetchKindManual, StartedAt: time.Now(), Status: models.FetchStatusFailed, ErrorMessage: &msg},
	}
	require.NoError(t, db.Create(&runs).Error)

	fc := NewFetchRunController(db)
	r := gin.New()
	r.GET("/fetch-runs", fc.ListFetchRuns)
	r.GET("/fetch-runs/:id", fc.GetFetchRun)

	w := do(r, http.MethodGet, "/fetch-runs")
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].([]any)
	require.Len(t, data, 2)
	assert.Equal(t, "b", data[0].(map[string]any)["job_id"])

	w = do(r, http.MethodGet, "/fetch-runs?status=success")
	data = decode(t, w)["data"].([]any)
	require.Len(t, data, 1)
	assert.EqualValues(t, 5, data[0].(map[string]any)["records_upserted"])

	w = do(r, http.MethodGet, "/fetch-runs/2")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "boom", decode(t, w)["data"].(map[string]any)["error_message"])

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/fetch-runs/99").Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/fetch-runs/x").Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/fetch-runs?status=queued").Code)
}

func authRouter(ac *AuthController, issuer *middleware.TokenIssuer) *gin.Engine {
	r := gin.New()
	r.POST("/auth/token", ac.Token)
	r.GET("/auth/verify", middleware.JWTAuthMiddleware(issuer), ac.Verify)
	return r
}

func postForm(r http.Handler, target string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth_TokenAndVerify(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	issuer := middleware.NewTokenIssuer("key", 30*time.Minute)
	r := authRouter(NewAuthController(Credentials{Username: "admin", PasswordHash: string(hash)}, issuer, nil), issuer)

	w := postForm(r, "/auth/token", url.Values{"username": {"admin"}, "password": {"s3cret"}})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "bearer", body["token_type"])
	assert.EqualValues(t, 1800, body["expires_in"])
	token := body["access_token"].(string)

	req := httptest.NewRequest(http.MethodGet, "/auth/verify", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"valid":true,"username":"admin"}`, w.Body.String())
}

func TestAuth_PlainPasswordJSON(t *testing.T) {
	issuer := middleware.NewTokenIssuer("key", time.Minute)
	r := authRouter(NewAuthController(Credentials{Username: "admin", Password: "pw"}, issuer, nil), issuer)

	req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(`{"username":"admin","password":"pw"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuth_RejectsAndLocksOut(t *testing.T) {
	issuer := middleware.NewTokenIssuer("key", time.Minute)
	guard := middleware.NewLoginGuard(2, time.Minute, time.Minute)
	r := authRouter(NewAuthController(Credentials{Username: "admin", Password: "pw"}, issuer, guard), issuer)

	w := postForm(r, "/auth/token", url.Values{"username": {"admin"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	for i := 0; i < 2; i++ {
		w = postForm(r, "/auth/token", url.Values{"username": {"admin"}, "password": {"wrong"}})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}
	w = postForm(r, "/auth/token", url.Values{"username": {"admin"}, "password": {"pw"}})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}
