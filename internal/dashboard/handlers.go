package dashboard

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides dashboard API endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a new dashboard handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up dashboard routes under the given group.
// Routes require the admin role (enforced by caller middleware).
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/dashboard/stats", h.GetStats)
}

// GetStats handles GET /v1/dashboard/stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, ok := h.service.Stats()
	if !ok {
		resp := gin.H{
			"error":   "stats_unavailable",
			"message": "Statistics have not been computed yet",
		}
		if err := h.service.LastError(); err != nil {
			resp["detail"] = err.Error()
		}
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}

	resp := gin.H{"stats": stats, "stale": false}
	if err := h.service.LastError(); err != nil {
		// Serve the last good snapshot and say it is stale.
		resp["stale"] = true
		resp["refreshError"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}
