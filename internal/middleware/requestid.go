package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries the request identifier in both directions
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key holding the request identifier
	RequestIDKey = "request_id"

	// loggerKey holds the request-scoped *slog.Logger
	loggerKey = "logger"
)

// RequestID reuses an inbound X-Request-ID or generates a UUID, echoes it
// back and attaches a request-scoped logger carrying it. Register it first so
// every later log line can be correlated.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}

		c.Set(RequestIDKey, id)
		c.Set(loggerKey, slog.Default().With(RequestIDKey, id))
		c.Header(RequestIDHeader, id)

		c.Next()
	}
}

// Logger returns the request-scoped logger, or the default logger outside a
// request that went through RequestID
func Logger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if l, ok := v.(*slog.Logger); ok {
			return l
		}
	}
	return slog.Default()
}

// withLogAttrs adds attributes to the request-scoped logger
func withLogAttrs(c *gin.Context, args ...any) {
	c.Set(loggerKey, Logger(c).With(args...))
}

// AccessLog writes one line per request once the handler chain has run
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		Logger(c).Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}
