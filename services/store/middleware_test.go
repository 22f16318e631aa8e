package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllowPerKey(t *testing.T) {
	limiter := NewRateLimiter(1, 2)

	assert.True(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("a"))
	assert.False(t, limiter.Allow("a"))

	// Other clients have their own bucket
	assert.True(t, limiter.Allow("b"))
}

func TestRateLimiterCleanup(t *testing.T) {
	// Arrange
	limiter := NewRateLimiter(1, 1)
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	limiter.Allow("idle")
	now = now.Add(15 * time.Minute)
	limiter.Allow("active")

	// Act
	removed := limiter.Cleanup(10 * time.Minute)

	// Assert
	assert.Equal(t, 1, removed)
	assert.Len(t, limiter.visitors, 1)
	assert.Contains(t, limiter.visitors, "active")
}

func TestRateLimiterHandlerSetsRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(NewRateLimiter(1, 1).Handler())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	first := httptest.NewRecorder()
	r.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	second := httptest.NewRecorder()
	r.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))
}

func TestRequestLoggerAttachesContextLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger())

	var logger *zerolog.Logger
	r.GET("/", func(c *gin.Context) {
		logger = zerolog.Ctx(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	if assert.NotNil(t, logger) {
		assert.NotEqual(t, zerolog.Disabled, logger.GetLevel())
	}
}
