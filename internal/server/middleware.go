package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/credgate/internal/auth"
	"github.com/mbd888/credgate/internal/idgen"
	"github.com/mbd888/credgate/internal/logging"
	"github.com/mbd888/credgate/internal/metrics"
	"github.com/mbd888/credgate/internal/ratelimit"
	"github.com/mbd888/credgate/internal/security"
	"github.com/mbd888/credgate/internal/validation"
)

const requestIDHeader = "X-Request-ID"

func (s *Server) useMiddleware() {
	s.apiLimit = ratelimit.New(ratelimit.DefaultConfig())

	s.router.Use(
		gin.CustomRecovery(recovered),
		security.HeadersMiddleware(s.cfg.IsProduction()),
		security.CORSMiddleware(s.cfg.CORSOrigins),
		validation.RequestSizeMiddleware(validation.MaxRequestSize),
		metrics.Middleware(),
		s.correlate(),
		accessLog(),
		// Identity first, so signed-in callers get their own bucket.
		auth.Middleware(s.authMgr),
		s.apiLimit.Middleware(),
	)
}

func recovered(c *gin.Context, err any) {
	logging.L(c.Request.Context()).Error("panic in handler", "panic", err, "path", c.FullPath())
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "An unexpected error occurred",
	})
}

// correlate tags the request context with an ID, reusing one set by a
// proxy, and echoes it back.
func (s *Server) correlate() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = idgen.WithPrefix("http_")
		}
		ctx := logging.WithLogger(logging.WithCorrelationID(c.Request.Context(), id), s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// accessLog logs 5xx as errors, 4xx as warnings and the rest at debug.
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelDebug
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}

		ctx := c.Request.Context()
		logger := logging.L(ctx)
		if !logger.Enabled(ctx, level) {
			return
		}
		logger.LogAttrs(ctx, level, "http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.Int64("latency_ms", time.Since(start).Milliseconds()),
			slog.String("client_ip", c.ClientIP()),
		)
	}
}
