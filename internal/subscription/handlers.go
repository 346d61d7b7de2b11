package subscription

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaycrm/billing/internal/auth"
	"github.com/relaycrm/billing/internal/logging"
	"github.com/relaycrm/billing/internal/pricing"
	"github.com/relaycrm/billing/internal/tenant"
	"github.com/relaycrm/billing/internal/wallet"
)

// Handlers exposes subscription mutations over HTTP.
type Handlers struct {
	service *Service
}

// NewHandlers creates subscription HTTP handlers.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers subscription endpoints on the tenant-scoped group.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/seats", h.purchaseSeats)
	r.POST("/subscription/extend", h.extend)
	r.POST("/features/unlock", h.unlockFeature)
	r.GET("/features", h.listFeatures)
}

type purchaseSeatsRequest struct {
	Quantity int  `json:"quantity" binding:"required"`
	Preview  bool `json:"preview"`
}

func (h *Handlers) purchaseSeats(c *gin.Context) {
	var req purchaseSeatsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "quantity is required"})
		return
	}
	tenantID := auth.GetTenantID(c)

	if req.Preview {
		quote, err := h.service.QuoteSeats(c.Request.Context(), tenantID, req.Quantity)
		if err != nil {
			respondMutationError(c, err)
			return
		}
		c.JSON(http.StatusOK, quote)
		return
	}

	result, err := h.service.PurchaseSeats(c.Request.Context(), tenantID, req.Quantity)
	if err != nil {
		respondMutationError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type extendRequest struct {
	Months  int  `json:"months" binding:"required"`
	Preview bool `json:"preview"`
}

func (h *Handlers) extend(c *gin.Context) {
	var req extendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "months is required"})
		return
	}
	tenantID := auth.GetTenantID(c)

	if req.Preview {
		quote, err := h.service.QuoteExtension(c.Request.Context(), tenantID, req.Months)
		if err != nil {
			respondMutationError(c, err)
			return
		}
		c.JSON(http.StatusOK, quote)
		return
	}

	result, err := h.service.Extend(c.Request.Context(), tenantID, req.Months)
	if err != nil {
		respondMutationError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type unlockFeatureRequest struct {
	Feature string `json:"feature" binding:"required"`
}

func (h *Handlers) unlockFeature(c *gin.Context) {
	var req unlockFeatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "feature is required"})
		return
	}

	result, err := h.service.UnlockFeature(c.Request.Context(), auth.GetTenantID(c), req.Feature)
	if err != nil {
		respondMutationError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) listFeatures(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"features": h.service.Features()})
}

func respondMutationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, wallet.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds"})
	case errors.Is(err, wallet.ErrWalletNotFound):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": "wallet has no balance"})
	case errors.Is(err, tenant.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant_not_found"})
	case errors.Is(err, tenant.ErrFeatureAlreadyUnlocked):
		c.JSON(http.StatusConflict, gin.H{"error": "feature_already_unlocked"})
	case errors.Is(err, ErrUnknownFeature):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_feature"})
	case errors.Is(err, ErrNoSeats):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no_seats", "message": "purchase seats before extending"})
	case errors.Is(err, pricing.ErrInvalidDuration):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_duration", "message": "months must be 1, 3, 6 or 12"})
	case errors.Is(err, pricing.ErrInvalidQuantity):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_quantity"})
	case errors.Is(err, ErrPartialFailure):
		logging.L(c.Request.Context()).Error("partial failure surfaced to client", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "partial_failure", "message": "charge recorded but not applied; support has been notified"})
	default:
		logging.L(c.Request.Context()).Error("subscription mutation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
