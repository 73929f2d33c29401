package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/credgate/internal/auth"
	"github.com/mbd888/credgate/internal/authflow"
	"github.com/mbd888/credgate/internal/dashboard"
	"github.com/mbd888/credgate/internal/health"
	"github.com/mbd888/credgate/internal/metrics"
	"github.com/mbd888/credgate/internal/ratelimit"
	"github.com/mbd888/credgate/internal/requests"
)

func (s *Server) mountRoutes() {
	r := s.router
	r.GET("/health", s.handleHealth)
	r.GET("/health/live", s.handleLive)
	r.GET("/health/ready", s.handleReady)
	r.GET("/metrics", metrics.Handler())

	// Browsers pass the token as ?token= on the upgrade request.
	s.hub.RegisterRoutes(r.Group("/", auth.RequireRole(auth.RoleAdmin)))

	v1 := r.Group("/v1")
	v1.GET("/info", s.handleInfo)

	signedIn := v1.Group("", auth.RequireAuth())
	s.submitLimit = ratelimit.New(ratelimit.SubmissionConfig(s.cfg.RateLimitRPM))
	requests.NewHandler(s.requests).
		WithPublisher(s.events).
		RegisterProtectedRoutes(signedIn, s.submitLimit.Middleware())

	flows := authflow.NewHandler(s.sessions, s.chain)
	flows.RegisterProtectedRoutes(signedIn)

	admin := signedIn.Group("", auth.RequireRole(auth.RoleAdmin))
	flows.RegisterAdminRoutes(admin)
	dashboard.NewHandler(s.dashboard).RegisterRoutes(admin)
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string          `json:"status"`
	Checks    []health.Status `json:"checks"`
	Timestamp time.Time       `json:"timestamp"`
}

// handleHealth answers 503 when any dependency check fails.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	resp := HealthResponse{Status: "healthy", Timestamp: time.Now().UTC().Truncate(time.Second)}
	code := http.StatusOK
	var ok bool
	if ok, resp.Checks = s.health.CheckAll(ctx); !ok {
		resp.Status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func (s *Server) handleLive(c *gin.Context) {
	probe(c, s.healthy.Load(), "alive", "unhealthy")
}

func (s *Server) handleReady(c *gin.Context) {
	probe(c, s.ready.Load(), "ready", "not_ready")
}

func probe(c *gin.Context, up bool, yes, no string) {
	if up {
		c.JSON(http.StatusOK, gin.H{"status": yes})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": no})
}

func (s *Server) handleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":     "credgate",
		"chainId":  s.cfg.ChainID,
		"contract": s.cfg.ContractAddress,
		"signer":   s.chain.SignerAddress(),
		"canSign":  s.chain.CanSign(),
		"realtime": s.hub.Stats(),
	})
}
