package instruments

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaycrm/billing/internal/auth"
	"github.com/relaycrm/billing/internal/logging"
	"github.com/relaycrm/billing/internal/validation"
)

// Handlers exposes instrument validation and redemption over HTTP.
type Handlers struct {
	service *Service
}

// NewHandlers creates instrument HTTP handlers.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers instrument endpoints on the tenant-scoped group.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/discounts/validate", h.validateDiscount)
	r.POST("/giftcards/redeem", h.redeemGiftCard)
}

type validateDiscountRequest struct {
	Code   string `json:"code" binding:"required"`
	Amount int64  `json:"amount" binding:"required"`
}

func (h *Handlers) validateDiscount(c *gin.Context) {
	var req validateDiscountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "code and amount are required"})
		return
	}
	code := validation.NormalizeCode(req.Code)
	if !validation.IsValidCode(code) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_code_format"})
		return
	}

	quote, err := h.service.ValidateDiscount(c.Request.Context(), code, req.Amount)
	if err != nil {
		// An unusable code is a negative answer, not an error: the tenant
		// asked whether it applies. Only malformed input and store failures
		// keep an error status.
		if msg, ok := unusableMessage(err); ok {
			c.JSON(http.StatusOK, &DiscountQuote{
				Valid:          false,
				Message:        msg,
				Code:           code,
				OriginalAmount: req.Amount,
				FinalAmount:    req.Amount,
			})
			return
		}
		respondInstrumentError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

func unusableMessage(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrCodeNotFound):
		return "code not found", true
	case errors.Is(err, ErrCodeInactive):
		return "code is not active", true
	case errors.Is(err, ErrCodeNotStarted):
		return "code is not yet valid", true
	case errors.Is(err, ErrCodeExpired):
		return "code has expired", true
	case errors.Is(err, ErrCodeExhausted):
		return "code has no uses remaining", true
	}
	return "", false
}

type redeemGiftCardRequest struct {
	Code string `json:"code" binding:"required"`
}

func (h *Handlers) redeemGiftCard(c *gin.Context) {
	var req redeemGiftCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "code is required"})
		return
	}
	code := validation.NormalizeCode(req.Code)
	if !validation.IsValidCode(code) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_code_format"})
		return
	}

	tenantID := auth.GetTenantID(c)
	txn, card, err := h.service.RedeemGiftCard(c.Request.Context(), tenantID, code)
	if err != nil {
		respondInstrumentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction": txn,
		"amount":      card.Amount,
		"currency":    card.Currency,
	})
}

func respondInstrumentError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrCodeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "code_not_found"})
	case errors.Is(err, ErrAlreadyRedeemed):
		c.JSON(http.StatusConflict, gin.H{"error": "already_redeemed"})
	case errors.Is(err, ErrCodeExpired), errors.Is(err, ErrCodeNotStarted),
		errors.Is(err, ErrCodeInactive), errors.Is(err, ErrCodeExhausted):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "code_not_usable", "message": err.Error()})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount"})
	default:
		logging.L(c.Request.Context()).Error("instrument operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
