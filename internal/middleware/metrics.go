package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/neurodeploy/platform/internal/telemetry"
)

// noRoute labels requests that matched no route, keeping label cardinality
// bounded by the route table
const noRoute = "<no-route>"

// Metrics records http_requests_total and http_request_duration_seconds
// labelled by the matched route template, e.g. /:username/:model_name on the
// proxy, never the raw path
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = noRoute
		}
		method := c.Request.Method
		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
