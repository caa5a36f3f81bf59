package negotiation

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradehold/internal/auth"
	"github.com/mbd888/tradehold/internal/logging"
	"github.com/mbd888/tradehold/internal/validation"
)

// Handler provides HTTP endpoints for negotiations.
type Handler struct {
	service *Service
}

// NewHandler creates a new negotiation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up negotiation routes. The group must require an actor.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/negotiations", h.Propose)
	r.GET("/negotiations", h.ListMine)
	r.GET("/negotiations/:id", h.Get)
	r.GET("/negotiations/:id/price", h.GetPrice)
	r.POST("/negotiations/:id/respond", h.SellerRespond)
	r.POST("/negotiations/:id/counter", h.SellerCounter)
	r.POST("/negotiations/:id/counter/respond", h.BuyerRespond)
	r.POST("/negotiations/:id/messages", h.AppendMessage)
	r.GET("/products/:productId/negotiations", h.ListByProduct)
}

// Propose handles POST /v1/negotiations
func (h *Handler) Propose(c *gin.Context) {
	var req ProposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "productId, sellerId and price are required")
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("productId", req.ProductID, validation.MaxIDLength),
		validation.MaxLength("sellerId", req.SellerID, validation.MaxIDLength),
		validation.PositiveAmount("price", req.Price),
		validation.MaxLength("message", req.Message, validation.MaxMessageLength),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	n, err := h.service.ProposeOffer(c.Request.Context(), actorOf(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"negotiation": n})
}

// Get handles GET /v1/negotiations/:id
func (h *Handler) Get(c *gin.Context) {
	n, err := h.service.Get(c.Request.Context(), actorOf(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"negotiation": n})
}

// GetPrice handles GET /v1/negotiations/:id/price
func (h *Handler) GetPrice(c *gin.Context) {
	if _, err := h.service.Get(c.Request.Context(), actorOf(c), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	price, err := h.service.PurchasablePrice(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"negotiationId": c.Param("id"), "price": price})
}

// ListMine handles GET /v1/negotiations. Buyers see their offers, sellers
// their inbox.
func (h *Handler) ListMine(c *gin.Context) {
	actor := actorOf(c)
	limit := queryInt(c, "limit")

	var (
		list []*Negotiation
		err  error
	)
	switch {
	case c.Query("sellerId") != "":
		list, err = h.service.ListBySeller(c.Request.Context(), actor, c.Query("sellerId"), limit)
	case c.Query("customerId") != "":
		list, err = h.service.ListByCustomer(c.Request.Context(), actor, c.Query("customerId"), limit)
	case actor.Role == auth.RoleSeller:
		list, err = h.service.ListBySeller(c.Request.Context(), actor, actor.ID, limit)
	default:
		list, err = h.service.ListByCustomer(c.Request.Context(), actor, actor.ID, limit)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	writeList(c, list)
}

// ListByProduct handles GET /v1/products/:productId/negotiations
func (h *Handler) ListByProduct(c *gin.Context) {
	list, err := h.service.ListByProduct(c.Request.Context(), actorOf(c), c.Param("productId"), queryInt(c, "limit"))
	if err != nil {
		h.fail(c, err)
		return
	}
	writeList(c, list)
}

type decisionRequest struct {
	Decision Decision `json:"decision" binding:"required"`
}

// SellerRespond handles POST /v1/negotiations/:id/respond
func (h *Handler) SellerRespond(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "decision is required")
		return
	}
	n, err := h.service.SellerRespond(c.Request.Context(), actorOf(c), c.Param("id"), req.Decision)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"negotiation": n})
}

type counterRequest struct {
	Price   int64  `json:"price" binding:"required"`
	Message string `json:"message"`
}

// SellerCounter handles POST /v1/negotiations/:id/counter
func (h *Handler) SellerCounter(c *gin.Context) {
	var req counterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "price is required")
		return
	}
	if errs := validation.Validate(
		validation.PositiveAmount("price", req.Price),
		validation.MaxLength("message", req.Message, validation.MaxMessageLength),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	n, err := h.service.SellerCounter(c.Request.Context(), actorOf(c), c.Param("id"), req.Price, req.Message)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"negotiation": n})
}

// BuyerRespond handles POST /v1/negotiations/:id/counter/respond
func (h *Handler) BuyerRespond(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "decision is required")
		return
	}
	n, err := h.service.BuyerRespondToCounter(c.Request.Context(), actorOf(c), c.Param("id"), req.Decision)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"negotiation": n})
}

type messageRequest struct {
	Sender Sender `json:"sender"`
	Text   string `json:"text" binding:"required"`
}

// AppendMessage handles POST /v1/negotiations/:id/messages. The sender
// defaults to the caller's side.
func (h *Handler) AppendMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "text is required")
		return
	}
	actor := actorOf(c)
	if req.Sender == "" {
		req.Sender = SenderBuyer
		if actor.Role == auth.RoleSeller {
			req.Sender = SenderSeller
		}
	}
	msg, err := h.service.AppendMessage(c.Request.Context(), actor, c.Param("id"), req.Sender, req.Text)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func writeList(c *gin.Context, list []*Negotiation) {
	if list == nil {
		list = []*Negotiation{}
	}
	c.JSON(http.StatusOK, gin.H{"negotiations": list, "count": len(list)})
}

func (h *Handler) fail(c *gin.Context, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("negotiation request failed", "path", c.FullPath(), "error", err)
		msg = "Internal error"
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrAlreadyConsumed):
		return http.StatusConflict, "already_consumed"
	case errors.Is(err, ErrNotPurchasable):
		return http.StatusConflict, "not_purchasable"
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, ErrInvalidPrice), errors.Is(err, ErrInvalidDecision), errors.Is(err, ErrInvalidMessage),
		errors.Is(err, ErrMissingParty):
		return http.StatusBadRequest, "invalid_request"
	}
	return http.StatusInternalServerError, "internal_error"
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
