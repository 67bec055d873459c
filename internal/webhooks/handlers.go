package webhooks

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudguard/internal/idgen"
	"github.com/mbd888/fraudguard/internal/logging"
	"github.com/mbd888/fraudguard/internal/risk"
	"github.com/mbd888/fraudguard/internal/riskconfig"
	"github.com/mbd888/fraudguard/internal/security"
	"github.com/mbd888/fraudguard/internal/validation"
)

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store       Store
	dispatcher  *Dispatcher
	validateURL func(string) error
}

// NewHandler creates a new webhook handler
func NewHandler(store Store, dispatcher *Dispatcher) *Handler {
	return &Handler{
		store:       store,
		dispatcher:  dispatcher,
		validateURL: security.ValidateEndpointURL,
	}
}

// RegisterRoutes sets up webhook routes. The group is expected to carry
// admin authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:webhookId", h.DeleteWebhook)
	r.POST("/webhooks/:webhookId/test", h.TestWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	Name     string   `json:"name"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	MinScore int      `json:"minScore"`
}

// CreateWebhook handles POST /webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	events := make([]EventType, len(req.Events))
	for i, e := range req.Events {
		events[i] = EventType(e)
	}
	errs := validation.Validate(
		func() *validation.ValidationError {
			if len(events) == 0 {
				return &validation.ValidationError{Field: "events", Message: "at least one event is required"}
			}
			for _, e := range events {
				if !e.Valid() {
					return &validation.ValidationError{Field: "events", Message: "unknown event " + string(e)}
				}
			}
			return nil
		},
		func() *validation.ValidationError {
			if req.MinScore < 0 || req.MinScore > 100 {
				return &validation.ValidationError{Field: "minScore", Message: "must be in 0..100"}
			}
			return nil
		},
		func() *validation.ValidationError {
			if err := h.validateURL(req.URL); err != nil {
				return &validation.ValidationError{Field: "url", Message: err.Error()}
			}
			return nil
		},
	)
	if len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		Name:      validation.SanitizeString(req.Name, 200),
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		MinScore:  req.MinScore,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		logging.L(c.Request.Context()).Error("webhook create failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // Only shown once!
		"usage": gin.H{
			"signature": "hex HMAC-SHA256(secret, timestamp + \".\" + body)",
			"header":    "X-Fraudguard-Signature",
			"timestamp": "X-Fraudguard-Timestamp",
		},
	})
}

// ListWebhooks handles GET /webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.List(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("webhook list failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}

	// Secrets are excluded by the json tag.
	c.JSON(http.StatusOK, gin.H{
		"webhooks": subs,
		"count":    len(subs),
	})
}

// DeleteWebhook handles DELETE /webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	err := h.store.Delete(c.Request.Context(), c.Param("webhookId"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("webhook delete failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}

// TestWebhook handles POST /webhooks/:webhookId/test. It delivers a
// synthetic deny decision to one subscription and waits for the result.
func (h *Handler) TestWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := h.store.Get(ctx, c.Param("webhookId"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return
	}
	if err != nil {
		logging.L(ctx).Error("webhook get failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load webhook",
		})
		return
	}

	now := time.Now().UTC()
	event := &Event{
		ID:        idgen.WithPrefix("evt_test_"),
		Type:      EventDecisionDeny,
		Timestamp: now,
		Decision: &risk.Decision{
			ID:          "dec_test",
			Mode:        riskconfig.ModeShadow,
			Score:       100,
			Verdict:     risk.VerdictDeny,
			Shape:       risk.ShapeVerdict,
			Threshold:   70,
			Reasons:     []string{"webhook_test"},
			SubjectType: risk.SubjectUID,
			SubjectID:   "test",
			Kind:        "default",
			SignalIDs:   []string{},
			CreatedAt:   now,
			ExpiresAt:   now,
		},
	}
	if err := h.dispatcher.DeliverNow(ctx, sub, event); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "delivery_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "delivered", "eventId": event.ID})
}
