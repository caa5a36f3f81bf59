package escrow

import (
	"context"
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

// NameResolver renders display names for the parties and product of an
// order. It must not fail; unknown ids come back as fallback labels.
type NameResolver interface {
	OrderNames(ctx context.Context, customerID, sellerID, productID string) map[string]string
}

// Handler provides HTTP endpoints for orders and disputes.
type Handler struct {
	service    *Service
	arbitrator *Arbitrator
	names      NameResolver
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, arbitrator *Arbitrator) *Handler {
	return &Handler{service: service, arbitrator: arbitrator}
}

// WithNames adds display names to order responses.
func (h *Handler) WithNames(n NameResolver) *Handler {
	h.names = n
	return h
}

// RegisterRoutes sets up order and dispute routes. The group must require an actor.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CaptureOrder)
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:id", h.GetOrder)
	r.POST("/orders/:id/confirm-delivery", h.ConfirmDelivery)
	r.POST("/orders/:id/confirm-receipt", h.ConfirmReceipt)
	r.POST("/orders/:id/release-now", h.ReleaseNow)
	r.POST("/orders/:id/fulfillment", h.UpdateFulfillment)
	r.GET("/orders/:id/eligibility", h.GetEligibility)
	r.POST("/orders/:id/disputes", h.RaiseDispute)
	r.GET("/orders/:id/disputes", h.ListDisputes)

	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/self-resolve", h.SelfResolve)
}

// RegisterAdminRoutes sets up admin console routes. The group must require the admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/release", h.AdminRelease)
	r.POST("/orders/:id/refund", h.AdminRefund)
	r.GET("/orders/release-ready", h.ListReleaseReady)
	r.GET("/disputes", h.ListOpenDisputes)
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
}

// CaptureOrder handles POST /v1/orders
func (h *Handler) CaptureOrder(c *gin.Context) {
	var req CaptureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	checks := []func() *validation.ValidationError{
		validation.MaxLength("sellerId", req.SellerID, validation.MaxIDLength),
		validation.MaxLength("productId", req.ProductID, validation.MaxIDLength),
		validation.MaxLength("negotiationId", req.NegotiationID, validation.MaxIDLength),
		validation.MaxLength("currency", req.Currency, 3),
	}
	if req.NegotiationID == "" {
		checks = append(checks,
			validation.Required("sellerId", req.SellerID),
			validation.Required("productId", req.ProductID),
			validation.PositiveAmount("amount", req.Amount),
		)
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	order, err := h.service.CaptureOrder(c.Request.Context(), actorOf(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.orderBody(c, order))
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.service.GetOrder(c.Request.Context(), actorOf(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.orderBody(c, order))
}

// ListOrders handles GET /v1/orders
func (h *Handler) ListOrders(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		badRequest(c, "Invalid cursor")
		return
	}
	limit := pagination.ClampLimit(queryInt(c, "limit"))

	status := Status(c.Query("status"))
	if errs := validation.Validate(validation.OneOf("status", string(status),
		string(StatusHeld), string(StatusSellerConfirmed), string(StatusBuyerConfirmed),
		string(StatusReleased), string(StatusDisputed), string(StatusRefunded),
	)); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	orders, err := h.service.ListOrders(c.Request.Context(), actorOf(c), OrderFilter{
		CustomerID: c.Query("customerId"),
		SellerID:   c.Query("sellerId"),
		Status:     status,
		Cursor:     cursor,
		Limit:      limit + 1,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	page, next, hasMore := pagination.ComputePage(orders, limit, func(o *Order) (time.Time, string) {
		return o.CreatedAt, o.ID
	})
	if page == nil {
		page = []*Order{}
	}
	c.JSON(http.StatusOK, gin.H{
		"orders":     page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// ConfirmDelivery handles POST /v1/orders/:id/confirm-delivery
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	h.transition(c, h.service.SellerConfirmDelivery)
}

// ConfirmReceipt handles POST /v1/orders/:id/confirm-receipt
func (h *Handler) ConfirmReceipt(c *gin.Context) {
	h.transition(c, h.service.BuyerConfirmReceipt)
}

// ReleaseNow handles POST /v1/orders/:id/release-now
func (h *Handler) ReleaseNow(c *gin.Context) {
	h.transition(c, h.service.BuyerReleaseNow)
}

// AdminRelease handles POST /v1/admin/orders/:id/release
func (h *Handler) AdminRelease(c *gin.Context) {
	h.transition(c, h.service.AdminRelease)
}

type noteRequest struct {
	Note string `json:"note"`
}

// AdminRefund handles POST /v1/admin/orders/:id/refund
func (h *Handler) AdminRefund(c *gin.Context) {
	var req noteRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body")
			return
		}
	}
	note := validation.SanitizeString(req.Note, validation.MaxNoteLength)

	order, err := h.service.AdminRefund(c.Request.Context(), actorOf(c), c.Param("id"), note)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.orderBody(c, order))
}

type fulfillmentRequest struct {
	Status FulfillmentStatus `json:"status" binding:"required"`
}

// UpdateFulfillment handles POST /v1/orders/:id/fulfillment
func (h *Handler) UpdateFulfillment(c *gin.Context) {
	var req fulfillmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(validation.OneOf("status", string(req.Status),
		string(FulfillmentProcessing), string(FulfillmentShipped), string(FulfillmentDelivered),
		string(FulfillmentCancelled), string(FulfillmentReturned),
	)); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	order, err := h.service.UpdateFulfillment(c.Request.Context(), actorOf(c), c.Param("id"), req.Status)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.orderBody(c, order))
}

// GetEligibility handles GET /v1/orders/:id/eligibility
func (h *Handler) GetEligibility(c *gin.Context) {
	report, err := h.service.CheckEligibility(c.Request.Context(), actorOf(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ListReleaseReady handles GET /v1/admin/orders/release-ready
func (h *Handler) ListReleaseReady(c *gin.Context) {
	orders, err := h.service.ListReleaseReady(c.Request.Context(), h.service.now(), queryInt(c, "limit"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if orders == nil {
		orders = []*Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// RaiseDispute handles POST /v1/orders/:id/disputes
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req RaiseDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("description", req.Description, validation.MaxMessageLength),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	order, dispute, err := h.arbitrator.RaiseDispute(c.Request.Context(), actorOf(c), c.Param("id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": order, "dispute": dispute})
}

// ListDisputes handles GET /v1/orders/:id/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	disputes, err := h.arbitrator.ListDisputes(c.Request.Context(), actorOf(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if disputes == nil {
		disputes = []*Dispute{}
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.arbitrator.GetDispute(c.Request.Context(), actorOf(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// SelfResolve handles POST /v1/disputes/:id/self-resolve
func (h *Handler) SelfResolve(c *gin.Context) {
	order, d, err := h.arbitrator.BuyerSelfResolve(c.Request.Context(), actorOf(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order, "dispute": d})
}

type resolveRequest struct {
	Outcome DisputeStatus `json:"outcome" binding:"required"`
	Note    string        `json:"note"`
}

// ResolveDispute handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.OneOf("outcome", string(req.Outcome), string(DisputeResolvedRelease), string(DisputeResolvedRefund)),
		validation.MaxLength("note", req.Note, validation.MaxNoteLength),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	order, d, err := h.arbitrator.Resolve(c.Request.Context(), actorOf(c), c.Param("id"), req.Outcome, req.Note)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order, "dispute": d})
}

// ListOpenDisputes handles GET /v1/admin/disputes
func (h *Handler) ListOpenDisputes(c *gin.Context) {
	disputes, err := h.arbitrator.ListOpenDisputes(c.Request.Context(), actorOf(c), queryInt(c, "limit"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if disputes == nil {
		disputes = []*Dispute{}
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

func (h *Handler) transition(c *gin.Context, op func(context.Context, auth.Actor, string) (*Order, error)) {
	order, err := op(c.Request.Context(), actorOf(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.orderBody(c, order))
}

func (h *Handler) orderBody(c *gin.Context, o *Order) gin.H {
	body := gin.H{"order": o}
	if h.names != nil {
		body["displayNames"] = h.names.OrderNames(c.Request.Context(), o.CustomerID, o.SellerID, o.ProductID)
	}
	return body
}

func (h *Handler) fail(c *gin.Context, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("escrow request failed", "path", c.FullPath(), "error", err)
		msg = "Internal error"
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrDisputeNotFound), errors.Is(err, ErrNegotiationNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrAlreadyDisputed):
		return http.StatusConflict, "already_disputed"
	case errors.Is(err, ErrAlreadyResolved):
		return http.StatusConflict, "already_resolved"
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidReason),
		errors.Is(err, ErrInvalidOutcome), errors.Is(err, ErrAmountMismatch):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrNotPurchasable):
		return http.StatusConflict, "not_purchasable"
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
