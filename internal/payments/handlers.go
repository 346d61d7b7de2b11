package payments

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/relaycrm/billing/internal/auth"
	"github.com/relaycrm/billing/internal/instruments"
	"github.com/relaycrm/billing/internal/logging"
	"github.com/relaycrm/billing/internal/validation"
)

// maxWebhookBody bounds the webhook payload independently of the global
// request-size middleware, which the public webhook route bypasses.
const maxWebhookBody = 64 << 10

// Handlers exposes recharge creation and the gateway webhook over HTTP.
type Handlers struct {
	service       *Service
	webhookSecret string
}

// NewHandlers creates payment HTTP handlers.
func NewHandlers(service *Service, webhookSecret string) *Handlers {
	return &Handlers{service: service, webhookSecret: webhookSecret}
}

// RegisterRoutes registers tenant-scoped payment endpoints.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallet/recharge", h.createRecharge)
	r.GET("/wallet/orders", h.listOrders)
}

// RegisterWebhook registers the unauthenticated gateway callback.
func (h *Handlers) RegisterWebhook(r *gin.RouterGroup) {
	r.POST("/payments/webhook", h.handleWebhook)
}

type rechargeRequest struct {
	Amount       int64  `json:"amount" binding:"required"`
	DiscountCode string `json:"discountCode"`
}

func (h *Handlers) createRecharge(c *gin.Context) {
	var req rechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount is required"})
		return
	}

	code := validation.NormalizeCode(req.DiscountCode)
	if code != "" && !validation.IsValidCode(code) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_code_format"})
		return
	}

	result, err := h.service.CreateRecharge(c.Request.Context(), auth.GetTenantID(c), req.Amount, code)
	if err != nil {
		switch {
		case errors.Is(err, ErrAmountOutOfRange):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "amount_out_of_range"})
		case errors.Is(err, instruments.ErrCodeNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "code_not_found"})
		case errors.Is(err, ErrGatewayUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gateway_unavailable", "message": "payment provider is temporarily unavailable"})
		case errors.Is(err, instruments.ErrCodeInactive),
			errors.Is(err, instruments.ErrCodeExpired),
			errors.Is(err, instruments.ErrCodeNotStarted),
			errors.Is(err, instruments.ErrCodeExhausted):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "code_not_usable", "message": err.Error()})
		default:
			logging.L(c.Request.Context()).Error("failed to create recharge", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *Handlers) listOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	orders, err := h.service.Orders(c.Request.Context(), auth.GetTenantID(c), limit, offset)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list orders", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if orders == nil {
		orders = []*Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// handleWebhook verifies the gateway's signature before trusting anything in
// the payload. Unknown event types are acknowledged and dropped.
func (h *Handlers) handleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		logging.L(c.Request.Context()).Warn("webhook signature verification failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature"})
		return
	}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
	default:
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		logging.L(c.Request.Context()).Error("failed to decode webhook object", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	if event.Type == "payment_intent.succeeded" {
		err = h.service.SettlePayment(c.Request.Context(), pi.ID)
	} else {
		err = h.service.FailPayment(c.Request.Context(), pi.ID)
	}
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			// Not ours (e.g. a payment created outside billing); ack so the
			// gateway stops retrying.
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		logging.L(c.Request.Context()).Error("webhook processing failed", "ref", pi.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
