package middleware

import (
	"github.com/steveiliop56/tinytrust/internal/metrics"

	"github.com/gin-gonic/gin"
)

type MetricsMiddleware struct {
	metrics *metrics.Metrics
}

func NewMetricsMiddleware(metrics *metrics.Metrics) *MetricsMiddleware {
	return &MetricsMiddleware{
		metrics: metrics,
	}
}

func (m *MetricsMiddleware) Init() error {
	return nil
}

func (m *MetricsMiddleware) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		route := c.FullPath()

		// Unmatched paths would blow up the label cardinality
		if route == "" {
			route = "unmatched"
		}

		m.metrics.ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status())
	}
}
