package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/keymux/internal/idgen"
	"github.com/mbd888/keymux/internal/logging"
	"github.com/mbd888/keymux/internal/metrics"
	"github.com/mbd888/keymux/internal/ratelimit"
	"github.com/mbd888/keymux/internal/security"
	"github.com/mbd888/keymux/internal/validation"
)

// setupMiddleware installs the global chain. Order matters: recovery
// outermost, then the cheap rejections (headers, body size, rate limit)
// before anything that allocates per request.
func (s *Server) setupMiddleware() {
	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = s.cfg.RateLimitRPS
		rl.BurstSize = s.cfg.RateLimitRPS * 2
	}
	s.rateLimiter = ratelimit.New(rl)

	s.router.Use(
		gin.CustomRecovery(s.recoverHandler),
		security.Headers(),
		security.CORS([]string{"*"}), // tighten for production deployments
		validation.RequestSizeMiddleware(validation.MaxRequestSize),
		s.rateLimiter.Middleware(),
		metrics.Middleware(),
		s.requestContext(),
		s.accessLog(),
	)
}

func (s *Server) recoverHandler(c *gin.Context, recovered any) {
	logging.L(c.Request.Context()).Error("panic recovered",
		"error", recovered, "path", c.Request.URL.Path)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "An unexpected error occurred",
	})
}

// requestContext tags each request with an ID, honoring one forwarded
// by a load balancer, and seeds the context logger.
func (s *Server) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = idgen.WithPrefix("req_")
		}

		ctx := logging.WithRequestID(c.Request.Context(), id)
		c.Request = c.Request.WithContext(logging.WithLogger(ctx, s.logger))
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// accessLog writes one line per request at a level matching the outcome.
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		status := c.Writer.Status()
		lvl := slog.LevelInfo
		switch {
		case status >= 500:
			lvl = slog.LevelError
		case status >= 400:
			lvl = slog.LevelWarn
		}
		ctx := c.Request.Context()
		logging.L(ctx).Log(ctx, lvl, "request completed",
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}
