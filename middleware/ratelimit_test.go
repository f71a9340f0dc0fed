package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func limitedRouter(r rate.Limit, b int) *gin.Engine {
	eng := gin.New()
	eng.Use(RateLimit(r, b))
	eng.GET("/api/friends", func(c *gin.Context) { c.Status(http.StatusOK) })
	return eng
}

func getFrom(r *gin.Engine, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/friends", nil)
	req.Header.Set("X-Real-IP", ip)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimit_UnderLimit(t *testing.T) {
	r := limitedRouter(100, 5)
	assert.Equal(t, http.StatusOK, getFrom(r, "10.0.0.1").Code)
}

func TestRateLimit_BurstThenRejected(t *testing.T) {
	// Near-zero refill: the burst is all the client gets.
	r := limitedRouter(0.001, 3)
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, getFrom(r, "10.0.1.1").Code, "request %d inside burst", i+1)
	}
	assert.Equal(t, http.StatusTooManyRequests, getFrom(r, "10.0.1.1").Code)
}

func TestRateLimit_BucketsAreIndependentPerIP(t *testing.T) {
	r := limitedRouter(0.001, 1)

	assert.Equal(t, http.StatusOK, getFrom(r, "10.1.1.1").Code)
	assert.Equal(t, http.StatusOK, getFrom(r, "10.1.1.2").Code, "fresh IP has its own bucket")
	assert.Equal(t, http.StatusTooManyRequests, getFrom(r, "10.1.1.1").Code)
}
