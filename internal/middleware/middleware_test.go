package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"pipeflow/internal/config"
	"pipeflow/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func newRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func hit(r *gin.Engine, method, ip string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, "/test", nil)
	req.RemoteAddr = ip + ":1234"
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimit_Disabled(t *testing.T) {
	r := newRouter(RateLimit(config.RateLimitingConfig{Enabled: false}, "api"))
	for i := 0; i < 50; i++ {
		assert.Equal(t, http.StatusOK, hit(r, http.MethodGet, "10.0.0.1").Code)
	}
}

func TestRateLimit_BurstThenReject(t *testing.T) {
	before := testutil.ToFloat64(metrics.RateLimitDrops.WithLabelValues("limit_test"))
	r := newRouter(RateLimit(config.RateLimitingConfig{Enabled: true, RequestsPerMinute: 1, Burst: 3}, "limit_test"))

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, hit(r, http.MethodGet, "10.0.0.2").Code, "request %d", i)
	}
	assert.Equal(t, http.StatusTooManyRequests, hit(r, http.MethodGet, "10.0.0.2").Code)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RateLimitDrops.WithLabelValues("limit_test")))

	// 不同 IP 独立计数
	assert.Equal(t, http.StatusOK, hit(r, http.MethodGet, "10.0.0.3").Code)
}

func TestCORS(t *testing.T) {
	r := newRouter(CORS(config.CORSConfig{Enabled: true, AllowedOrigins: []string{"https://app.example.com"}}))
	r.OPTIONS("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := hit(r, http.MethodGet, "10.0.0.4")
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = hit(r, http.MethodOptions, "10.0.0.4")
	assert.Equal(t, http.StatusNoContent, w.Code)
}
