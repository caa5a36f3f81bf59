package directory

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradehold/internal/logging"
	"github.com/mbd888/tradehold/internal/validation"
)

// Handler exposes name lookups and admin edits.
type Handler struct {
	resolver *Resolver
	writer   Writer
}

// NewHandler creates a directory handler. writer may be nil.
func NewHandler(resolver *Resolver, writer Writer) *Handler {
	return &Handler{resolver: resolver, writer: writer}
}

// RegisterRoutes sets up read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/directory/:kind/:id", h.GetName)
}

// RegisterAdminRoutes sets up write routes. The group must require the admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PUT("/directory/:kind/:id", h.SetName)
}

// GetName handles GET /v1/directory/:kind/:id
func (h *Handler) GetName(c *gin.Context) {
	kind := Kind(c.Param("kind"))
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": ErrInvalidKind.Error()})
		return
	}
	id := c.Param("id")
	c.JSON(http.StatusOK, gin.H{
		"kind": kind,
		"id":   id,
		"name": h.resolver.Lookup(c.Request.Context(), kind, id),
	})
}

type setNameRequest struct {
	Name string `json:"name"`
}

// SetName handles PUT /v1/admin/directory/:kind/:id. An empty name clears the entry.
func (h *Handler) SetName(c *gin.Context) {
	var req setNameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("name", req.Name, 255),
		validation.MaxLength("id", c.Param("id"), validation.MaxIDLength),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	if h.writer == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "read_only", "message": ErrReadOnly.Error()})
		return
	}

	kind := Kind(c.Param("kind"))
	err := h.writer.SetName(c.Request.Context(), kind, c.Param("id"), req.Name)
	switch {
	case errors.Is(err, ErrInvalidKind):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	case errors.Is(err, ErrReadOnly):
		c.JSON(http.StatusConflict, gin.H{"error": "read_only", "message": err.Error()})
		return
	case err != nil:
		logging.L(c.Request.Context()).Error("directory update failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"kind": kind, "id": c.Param("id"), "name": req.Name})
}
