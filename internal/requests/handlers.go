package requests

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/credgate/internal/auth"
	"github.com/mbd888/credgate/internal/pagination"
	"github.com/mbd888/credgate/internal/validation"
)

// Publisher is notified when a request is submitted.
type Publisher interface {
	RequestSubmitted(req *AuthorizationRequest)
}

// Handler provides the institution-facing HTTP endpoints.
type Handler struct {
	adapter   *Adapter
	publisher Publisher
}

// NewHandler creates a new request handler.
func NewHandler(adapter *Adapter) *Handler {
	return &Handler{adapter: adapter}
}

// WithPublisher sets a submission listener (the realtime hub).
func (h *Handler) WithPublisher(p Publisher) *Handler {
	h.publisher = p
	return h
}

// RegisterProtectedRoutes sets up institution routes. The group must run
// auth.RequireAuth; extra middleware (rate limiting) guards submission only.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup, submitGuards ...gin.HandlerFunc) {
	r.POST("/requests", append(submitGuards, h.CreateRequest)...)
	r.GET("/requests/mine", h.ListMine)
}

// CreateRequest handles POST /v1/requests
func (h *Handler) CreateRequest(c *gin.Context) {
	var fields CreateFields
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	email, ok := auth.CurrentUserEmail(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Sign in to submit a request",
		})
		return
	}
	if fields.Email == "" {
		fields.Email = email
	} else if normalizeEmail(fields.Email) != email {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "email_mismatch",
			"message": "Requests must be submitted under your own email",
		})
		return
	}

	req, err := h.adapter.CreateRequest(c.Request.Context(), fields)
	if err != nil {
		writeError(c, err)
		return
	}

	if h.publisher != nil {
		h.publisher.RequestSubmitted(req)
	}
	c.JSON(http.StatusCreated, gin.H{"request": req})
}

// ListMine handles GET /v1/requests/mine
func (h *Handler) ListMine(c *gin.Context) {
	email, ok := auth.CurrentUserEmail(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Sign in to view your requests",
		})
		return
	}

	limit, err := pagination.ParseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}

	list, err := h.adapter.ListRequestsByEmail(c.Request.Context(), email)
	if err != nil {
		writeError(c, err)
		return
	}
	page := pagination.Paginate(list, cursor, limit, func(r *AuthorizationRequest) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	resp := gin.H{"requests": page.Items, "count": len(page.Items), "hasMore": page.HasMore}
	if page.HasMore {
		resp["nextCursor"] = page.NextCursor
	}
	c.JSON(http.StatusOK, resp)
}

func writeError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": verrs.Error(),
			"details": verrs,
		})
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Request not found"})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "Request has already been reviewed"})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "Requests are temporarily unavailable, try again shortly",
		})
	}
}
