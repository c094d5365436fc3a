package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"mailtrack/backend/internal/monitoring"
	"mailtrack/backend/internal/storage/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRateLimiter_Limit(t *testing.T) {
	metrics := monitoring.NewMetrics()
	limiter := NewRateLimiter(memory.NewStore(), metrics, zap.NewNop())

	router := gin.New()
	router.POST("/api/emails/:userEmail/send",
		limiter.Limit("send", 2, time.Minute, ByUserEmail),
		func(c *gin.Context) { c.Status(http.StatusOK) },
	)

	do := func(email string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/emails/"+email+"/send", nil)
		router.ServeHTTP(w, req)
		return w
	}

	t.Run("窗口内超过上限返回 429", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, do("alice@example.com").Code)
		second := do("Alice@example.com")
		assert.Equal(t, http.StatusOK, second.Code)
		assert.Equal(t, "0", second.Header().Get("X-RateLimit-Remaining"))

		blocked := do("alice@example.com")
		assert.Equal(t, http.StatusTooManyRequests, blocked.Code)
		assert.Contains(t, blocked.Body.String(), "Too many requests")
		assert.Equal(t, "60", blocked.Header().Get("Retry-After"))
		assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RateLimitBlocks.WithLabelValues("send")))
	})

	t.Run("不同用户独立计数", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, do("bob@example.com").Code)
	})

	t.Run("上限为 0 时不限流", func(t *testing.T) {
		r := gin.New()
		r.GET("/x", limiter.Limit("off", 0, time.Minute, ByClientIP), func(c *gin.Context) { c.Status(http.StatusOK) })
		for i := 0; i < 5; i++ {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
			assert.Equal(t, http.StatusOK, w.Code)
		}
	})
}

func TestBodySizeLimit(t *testing.T) {
	router := gin.New()
	router.POST("/upload", BodySizeLimit(8), func(c *gin.Context) {
		if _, err := c.GetRawData(); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("small")))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "8", w.Header().Get("X-Max-Body-Size"))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("this body is too large")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestMonitoringMiddleware(t *testing.T) {
	metrics := monitoring.NewMetrics()
	mm := NewMonitoringMiddleware(metrics, zap.NewNop())

	router := gin.New()
	router.Use(mm.PanicRecovery(), mm.HTTPMetrics())
	router.GET("/api/emails/:userEmail", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/emails/alice@example.com", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(
		metrics.HTTPRequestsTotal.WithLabelValues("GET", "/api/emails/:userEmail", "200")))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PanicsTotal))
}

func TestRequestLoggerAndSecurityHeaders(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	router := gin.New()
	router.Use(RequestLogger(zap.New(core)), SecurityHeaders())
	router.GET("/api/emails/:userEmail", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/emails/alice@example.com?maxResults=5", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))

	entries := logs.FilterMessage("client error").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "alice@example.com", fields["user_email"])
	assert.Equal(t, "maxResults=5", fields["query"])
	assert.Equal(t, int64(404), fields["status"])
}
