package authflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/credgate/internal/auth"
	"github.com/mbd888/credgate/internal/chain"
	"github.com/mbd888/credgate/internal/requests"
	"github.com/mbd888/credgate/internal/validation"
)

// ChainReader serves the read-only chain endpoints.
type ChainReader interface {
	IsAuthorized(ctx context.Context, address string) (chain.Authorization, error)
	Owner(ctx context.Context) (string, error)
}

// Handler exposes the review flow over HTTP. Every mutation goes through
// the caller's Controller.
type Handler struct {
	sessions *Sessions
	reader   ChainReader
}

// NewHandler creates a new review handler.
func NewHandler(sessions *Sessions, reader ChainReader) *Handler {
	return &Handler{sessions: sessions, reader: reader}
}

// RegisterAdminRoutes sets up reviewer routes. The group must require the
// admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/queue", h.Queue)
	r.POST("/admin/queue/select/:id", h.Select)
	r.POST("/admin/requests/:id/approve", h.Approve)
	r.POST("/admin/requests/:id/reject", h.Reject)
	r.POST("/admin/requests/:id/retry-sync", h.RetrySync)
	r.GET("/admin/requests/:id/flow", h.GetFlow)
	r.DELETE("/admin/banner", h.DismissBanner)
	r.DELETE("/admin/session", h.Logout)
	r.POST("/admin/chain/authorize", h.AuthorizeAddress)
	r.GET("/admin/chain/owner", h.Owner)
}

// RegisterProtectedRoutes sets up routes open to any signed-in caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/chain/authorized/:address", validation.AddressParamMiddleware(), h.IsAuthorized)
}

type reviewBody struct {
	Notes string `json:"notes"`
}

type authorizeBody struct {
	Address string `json:"address" binding:"required"`
}

func (h *Handler) controller(c *gin.Context) (*Controller, bool) {
	email, ok := auth.CurrentUserEmail(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Sign in to review requests",
		})
		return nil, false
	}
	return h.sessions.Open(email), true
}

// Queue handles GET /v1/admin/queue
func (h *Handler) Queue(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}

	if raw, set := c.GetQuery("filter"); set {
		f, err := requests.ParseFilter(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "filter must be one of all, pending, approved, rejected",
			})
			return
		}
		if ctrl.View().Filter != f {
			ctrl.SetFilter(f)
			_ = ctrl.Refresh(c.Request.Context())
		}
	}

	if ctrl.View().LastRefresh.IsZero() {
		// First view of the session; the poller may not have returned yet.
		_ = ctrl.Refresh(c.Request.Context())
	}
	c.JSON(http.StatusOK, gin.H{"view": ctrl.View()})
}

// Select handles POST /v1/admin/queue/select/:id
func (h *Handler) Select(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	if err := ctrl.Select(c.Param("id")); err != nil {
		writeFlowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"view": ctrl.View()})
}

// Approve handles POST /v1/admin/requests/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	h.start(c, func(ctrl *Controller, id, notes string) error {
		return ctrl.StartApprove(c.Request.Context(), id, notes)
	})
}

// Reject handles POST /v1/admin/requests/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	h.start(c, func(ctrl *Controller, id, notes string) error {
		return ctrl.StartReject(c.Request.Context(), id, notes)
	})
}

// RetrySync handles POST /v1/admin/requests/:id/retry-sync
func (h *Handler) RetrySync(c *gin.Context) {
	h.start(c, func(ctrl *Controller, id, notes string) error {
		return ctrl.StartRetrySync(c.Request.Context(), id, notes)
	})
}

func (h *Handler) start(c *gin.Context, run func(ctrl *Controller, id, notes string) error) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}

	var body reviewBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}
	notes := validation.SanitizeString(body.Notes, requests.MaxNotes+1)
	id := c.Param("id")
	if len(notes) > requests.MaxNotes {
		writeFlowError(c, &FlowError{
			Kind:      KindValidation,
			Op:        PhaseLoad,
			RequestID: id,
			Reason:    fmt.Sprintf("Notes must be at most %d characters.", requests.MaxNotes),
		})
		return
	}

	if err := run(ctrl, id, notes); err != nil {
		writeFlowError(c, err)
		return
	}

	flow, _ := ctrl.Flow(id)
	c.JSON(http.StatusAccepted, gin.H{
		"status":    "accepted",
		"requestId": id,
		"flow":      flow,
	})
}

// GetFlow handles GET /v1/admin/requests/:id/flow
func (h *Handler) GetFlow(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	flow, found := ctrl.Flow(c.Param("id"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No flow has run for this request in your session",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"flow": flow})
}

// DismissBanner handles DELETE /v1/admin/banner
func (h *Handler) DismissBanner(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	ctrl.DismissBanner()
	c.Status(http.StatusNoContent)
}

// Logout handles DELETE /v1/admin/session
func (h *Handler) Logout(c *gin.Context) {
	email, ok := auth.CurrentUserEmail(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Not signed in"})
		return
	}
	h.sessions.Close(email)
	c.Status(http.StatusNoContent)
}

// AuthorizeAddress handles POST /v1/admin/chain/authorize. It blocks until
// the transaction confirms or fails.
func (h *Handler) AuthorizeAddress(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}

	var body authorizeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "address is required",
		})
		return
	}

	dec, err := ctrl.AuthorizeAddress(context.WithoutCancel(c.Request.Context()), body.Address)
	if err != nil {
		writeFlowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": dec})
}

// IsAuthorized handles GET /v1/chain/authorized/:address
func (h *Handler) IsAuthorized(c *gin.Context) {
	address := c.Param("address")
	state, err := h.reader.IsAuthorized(c.Request.Context(), address)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "Invalid address format"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address":       address,
		"authorization": state.String(),
		"authorized":    state == chain.Authorized,
		"known":         state != chain.Unknown,
	})
}

// Owner handles GET /v1/admin/chain/owner
func (h *Handler) Owner(c *gin.Context) {
	owner, err := h.reader.Owner(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "chain_error",
			"message": "Could not read the contract owner",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"owner": owner})
}

func writeFlowError(c *gin.Context, err error) {
	var fe *FlowError
	if !errors.As(err, &fe) {
		fe = Translate(PhaseLoad, c.Param("id"), err)
	}
	c.JSON(fe.HTTPStatus(), gin.H{
		"error":   string(fe.Kind),
		"message": fe.Message(),
		"flow":    fe,
	})
}
