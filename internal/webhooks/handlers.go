package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradehold/internal/auth"
	"github.com/mbd888/tradehold/internal/idgen"
	"github.com/mbd888/tradehold/internal/logging"
	"github.com/mbd888/tradehold/internal/security"
)

const maxSubscriptionsPerParty = 10

// Handler provides HTTP endpoints for webhook management.
type Handler struct {
	store        Store
	urlValidator func(string) error
}

// NewHandler creates a new webhook handler.
func NewHandler(store Store) *Handler {
	return &Handler{
		store:        store,
		urlValidator: func(u string) error { return security.ValidateWebhookURL(u, nil) },
	}
}

// RegisterRoutes sets up webhook routes. The group must require an actor.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:id", h.DeleteWebhook)
}

// CreateWebhookRequest registers a webhook for the caller.
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
}

// CreateWebhook handles POST /v1/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	actor := actorOf(c)

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "url is required")
		return
	}
	if err := h.urlValidator(req.URL); err != nil {
		badRequest(c, err.Error())
		return
	}
	events := make([]EventType, 0, len(req.Events))
	for _, e := range req.Events {
		et := EventType(e)
		if !et.Valid() {
			badRequest(c, "unknown event type: "+e)
			return
		}
		events = append(events, et)
	}

	existing, err := h.store.ListByParty(c.Request.Context(), actor.ID)
	if err != nil {
		h.internal(c, err)
		return
	}
	if len(existing) >= maxSubscriptionsPerParty {
		c.JSON(http.StatusConflict, gin.H{"error": "limit_reached", "message": "Too many webhooks registered"})
		return
	}

	secret, err := generateSecret()
	if err != nil {
		h.internal(c, err)
		return
	}
	sub := &Subscription{
		ID:        idgen.WithPrefix(idgen.WebhookPrefix),
		PartyID:   actor.ID,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		h.internal(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // shown once
		"usage": gin.H{
			"signature": "sha256=HMAC-SHA256(body, secret) in hex",
			"header":    signatureHeader,
		},
	})
}

// ListWebhooks handles GET /v1/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.ListByParty(c.Request.Context(), actorOf(c).ID)
	if err != nil {
		h.internal(c, err)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

// DeleteWebhook handles DELETE /v1/webhooks/:id
func (h *Handler) DeleteWebhook(c *gin.Context) {
	actor := actorOf(c)
	sub, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
		return
	}
	if err != nil {
		h.internal(c, err)
		return
	}
	if sub.PartyID != actor.ID && !actor.IsAdmin() {
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": "Not your webhook"})
		return
	}
	if err := h.store.Delete(c.Request.Context(), sub.ID); err != nil && !errors.Is(err, ErrNotFound) {
		h.internal(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *Handler) internal(c *gin.Context, err error) {
	logging.L(c.Request.Context()).Error("webhook request failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
}

func actorOf(c *gin.Context) auth.Actor {
	a, _ := auth.ActorFrom(c)
	return a
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": msg})
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
