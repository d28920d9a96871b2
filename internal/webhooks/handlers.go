package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/churnshield/churnshield/internal/alerts"
	"github.com/churnshield/churnshield/internal/idgen"
	"github.com/churnshield/churnshield/internal/security"
	"github.com/churnshield/churnshield/internal/validation"
)

// EventTest is sent by POST /webhooks/:id/test.
const EventTest = "webhook.test"

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store       Store
	dispatcher  *Dispatcher
	validateURL func(string) error
	now         func() time.Time
}

// NewHandler creates a new webhook handler
func NewHandler(store Store, dispatcher *Dispatcher) *Handler {
	return &Handler{
		store:       store,
		dispatcher:  dispatcher,
		validateURL: security.ValidateEndpointURL,
		now:         time.Now,
	}
}

// RegisterProtectedRoutes sets up webhook routes. All of them require auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.PATCH("/webhooks/:id", validation.IDParamMiddleware("id"), h.UpdateWebhook)
	r.DELETE("/webhooks/:id", validation.IDParamMiddleware("id"), h.DeleteWebhook)
	r.POST("/webhooks/:id/test", validation.IDParamMiddleware("id"), h.TestWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	Name   string   `json:"name"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}

// CreateWebhook handles POST /v1/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	errs := validation.Validate(
		validation.Required("name", req.Name),
		validation.MaxLength("name", req.Name, 100),
		validation.Required("url", req.URL),
		validation.MaxLength("url", req.URL, 2048),
		validation.EachOneOf("events", req.Events, alerts.EventTypes),
	)
	if len(req.Events) == 0 {
		errs = append(errs, validation.ValidationError{Field: "events", Message: "at least one event is required"})
	}
	if len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid webhook",
			"details": errs,
		})
		return
	}
	if err := h.validateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	secret := req.Secret
	if secret == "" {
		secret = generateSecret()
	}
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		Name:      req.Name,
		URL:       req.URL,
		Secret:    secret,
		Events:    req.Events,
		Active:    true,
		CreatedAt: h.now(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // only returned here
		"usage": gin.H{
			"signature": "sha256=HMAC-SHA256(timestamp + \".\" + body, secret)",
			"header":    SignatureHeader,
			"timestamp": TimestampHeader,
		},
	})
}

// ListWebhooks handles GET /v1/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"webhooks": subs,
		"count":    len(subs),
	})
}

// UpdateWebhookRequest toggles a subscription or changes its events.
type UpdateWebhookRequest struct {
	Active *bool    `json:"active,omitempty"`
	Events []string `json:"events,omitempty"`
}

// UpdateWebhook handles PATCH /v1/webhooks/:id. Re-activating clears the
// failure streak.
func (h *Handler) UpdateWebhook(c *gin.Context) {
	var req UpdateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(validation.EachOneOf("events", req.Events, alerts.EventTypes)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid webhook",
			"details": errs,
		})
		return
	}

	ctx := c.Request.Context()
	sub, ok := h.load(c)
	if !ok {
		return
	}
	if req.Active != nil {
		if *req.Active && !sub.Active {
			sub.ConsecutiveFailures = 0
			h.dispatcher.Forget(sub.ID)
		}
		sub.Active = *req.Active
	}
	if len(req.Events) > 0 {
		sub.Events = req.Events
	}
	if err := h.store.Update(ctx, sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "update_failed",
			"message": "Failed to update webhook",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhook": sub})
}

// DeleteWebhook handles DELETE /v1/webhooks/:id
func (h *Handler) DeleteWebhook(c *gin.Context) {
	id := c.Param("id")
	err := h.store.Delete(c.Request.Context(), id)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}
	h.dispatcher.Forget(id)
	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}

// TestWebhook handles POST /v1/webhooks/:id/test by delivering a ping
// synchronously and reporting the result.
func (h *Handler) TestWebhook(c *gin.Context) {
	sub, ok := h.load(c)
	if !ok {
		return
	}
	p := &Payload{
		ID:        idgen.WithPrefix("evt_"),
		Type:      EventTest,
		Timestamp: h.now(),
		Data:      gin.H{"webhookId": sub.ID, "name": sub.Name},
	}
	if err := h.dispatcher.Deliver(c.Request.Context(), sub, p); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "delivery_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": true, "deliveryId": p.ID})
}

func (h *Handler) load(c *gin.Context) (*Subscription, bool) {
	sub, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load webhook",
		})
		return nil, false
	}
	return sub, true
}

func generateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
