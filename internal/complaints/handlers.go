package complaints

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradehold/internal/auth"
	"github.com/mbd888/tradehold/internal/logging"
	"github.com/mbd888/tradehold/internal/pagination"
	"github.com/mbd888/tradehold/internal/validation"
)

// Handler provides HTTP endpoints for complaints.
type Handler struct {
	service *Service
}

// NewHandler creates a new complaints handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up complaint routes. The group must require an actor.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/complaints", h.File)
	r.GET("/complaints", h.List)
	r.GET("/complaints/:id", h.Get)
}

// RegisterAdminRoutes sets up review routes. The group must require the admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PATCH("/complaints/:id", h.UpdateStatus)
}

// File handles POST /v1/complaints
func (h *Handler) File(c *gin.Context) {
	var req FileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "type and description are required")
		return
	}
	if errs := validation.Validate(
		validation.OneOf("type", string(req.Type),
			string(TypeMisconduct), string(TypeFraud), string(TypeCounterfeit),
			string(TypeNonDelivery), string(TypeHarassment), string(TypeOther)),
		validation.MaxLength("orderId", req.OrderID, validation.MaxIDLength),
		validation.MaxLength("sellerId", req.SellerID, validation.MaxIDLength),
		validation.MaxLength("description", req.Description, validation.MaxMessageLength),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	complaint, err := h.service.File(c.Request.Context(), actorOf(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"complaint": complaint})
}

// Get handles GET /v1/complaints/:id
func (h *Handler) Get(c *gin.Context) {
	complaint, err := h.service.Get(c.Request.Context(), actorOf(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"complaint": complaint})
}

// List handles GET /v1/complaints
func (h *Handler) List(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		badRequest(c, "Invalid cursor")
		return
	}
	status := Status(c.Query("status"))
	if errs := validation.Validate(validation.OneOf("status", string(status),
		string(StatusOpen), string(StatusInvestigating), string(StatusResolved),
	)); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	limit := pagination.ClampLimit(queryInt(c, "limit"))
	list, err := h.service.List(c.Request.Context(), actorOf(c), Filter{
		Status:   status,
		SellerID: c.Query("sellerId"),
		Cursor:   cursor,
		Limit:    limit + 1,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	page, next, hasMore := pagination.ComputePage(list, limit, func(cm *Complaint) (time.Time, string) {
		return cm.CreatedAt, cm.ID
	})
	if page == nil {
		page = []*Complaint{}
	}
	c.JSON(http.StatusOK, gin.H{
		"complaints": page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

type statusRequest struct {
	Status Status `json:"status" binding:"required"`
}

// UpdateStatus handles PATCH /v1/admin/complaints/:id
func (h *Handler) UpdateStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "status is required")
		return
	}
	complaint, err := h.service.UpdateStatus(c.Request.Context(), actorOf(c), c.Param("id"), req.Status)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"complaint": complaint})
}

func (h *Handler) fail(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, ErrInvalidType), errors.Is(err, ErrInvalidComplaint):
		status, code = http.StatusBadRequest, "invalid_request"
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("complaint request failed", "path", c.FullPath(), "error", err)
		msg = "Internal error"
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}

func actorOf(c *gin.Context) auth.Actor {
	a, _ := auth.ActorFrom(c)
	return a
}

func queryInt(c *gin.Context, key string) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return 0
	}
	return n
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": msg})
}
