package middleware_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/steveiliop56/tinytrust/internal/metrics"
	"github.com/steveiliop56/tinytrust/internal/middleware"

	"github.com/gin-gonic/gin"
	"gotest.tools/v3/assert"
)

func TestMetricsMiddleware(t *testing.T) {
	// Setup
	gin.SetMode(gin.TestMode)
	m := metrics.NewMetrics()

	mw := middleware.NewMetricsMiddleware(m)
	assert.NilError(t, mw.Init())

	router := gin.New()
	router.Use(mw.Middleware())
	router.GET("/api/providers/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
	})

	for _, path := range []string{"/api/providers/a", "/api/providers/b", "/nowhere"} {
		recorder := httptest.NewRecorder()
		req := httptest.NewRequest("GET", path, nil)
		router.ServeHTTP(recorder, req)
	}

	// Scrape
	recorder := httptest.NewRecorder()
	m.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(recorder.Body)
	assert.NilError(t, err)

	output := string(body)
	assert.Assert(t, strings.Contains(output, `tinytrust_http_requests_total{method="GET",route="/api/providers/:id",status="200"} 2`), output)
	assert.Assert(t, strings.Contains(output, `tinytrust_http_requests_total{method="GET",route="unmatched",status="404"} 1`), output)
}
