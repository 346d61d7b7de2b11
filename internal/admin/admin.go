// Package admin is the operator surface: manual credits, tenant onboarding,
// instrument issuance, incident review and on-demand reconciliation. Every
// route sits behind the platform admin secret.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaycrm/billing/internal/idgen"
	"github.com/relaycrm/billing/internal/incidents"
	"github.com/relaycrm/billing/internal/instruments"
	"github.com/relaycrm/billing/internal/logging"
	"github.com/relaycrm/billing/internal/metrics"
	"github.com/relaycrm/billing/internal/reconciliation"
	"github.com/relaycrm/billing/internal/tenant"
	"github.com/relaycrm/billing/internal/validation"
	"github.com/relaycrm/billing/internal/wallet"
)

// Handlers bundles the operator endpoints.
type Handlers struct {
	wallets     *wallet.Service
	tenants     *tenant.Service
	instruments *instruments.Service
	incidents   incidents.Store
	reconciler  *reconciliation.Service
}

// NewHandlers creates admin HTTP handlers.
func NewHandlers(wallets *wallet.Service, tenants *tenant.Service, instr *instruments.Service, incidentStore incidents.Store, reconciler *reconciliation.Service) *Handlers {
	return &Handlers{
		wallets:     wallets,
		tenants:     tenants,
		instruments: instr,
		incidents:   incidentStore,
		reconciler:  reconciler,
	}
}

// RegisterRoutes registers admin endpoints; the caller guards the group
// with the admin-secret middleware.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/credits", h.issueCredit)
	r.POST("/tenants", h.createTenant)
	r.GET("/tenants", h.listTenants)
	r.POST("/discounts", h.createDiscount)
	r.GET("/discounts", h.listDiscounts)
	r.POST("/giftcards", h.createGiftCard)
	r.GET("/giftcards", h.listGiftCards)
	r.GET("/incidents", h.listIncidents)
	r.POST("/incidents/:id/resolve", h.resolveIncident)
	r.POST("/reconcile", h.reconcile)
}

type issueCreditRequest struct {
	TenantID string `json:"tenantId" binding:"required"`
	Amount   int64  `json:"amount" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
}

// issueCredit grants wallet credit outside the payment flow: compensation,
// promotions, support goodwill. The reason lands in the ledger description.
func (h *Handlers) issueCredit(c *gin.Context) {
	var req issueCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "tenantId, amount and reason are required"})
		return
	}

	txn, err := h.wallets.Credit(c.Request.Context(), req.TenantID, req.Amount,
		wallet.KindCreditAdmin, "", validation.SanitizeString(req.Reason, 500))
	if err != nil {
		if errors.Is(err, wallet.ErrInvalidAmount) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_amount"})
			return
		}
		logging.L(c.Request.Context()).Error("admin credit failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	metrics.WalletTransactionsTotal.WithLabelValues(string(wallet.KindCreditAdmin), "success").Inc()
	logging.L(c.Request.Context()).Info("admin credit issued",
		"tenantId", req.TenantID, "amount", req.Amount, "txId", txn.ID)
	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

type createTenantRequest struct {
	ID         string     `json:"id" binding:"required"`
	Name       string     `json:"name" binding:"required"`
	Seats      int        `json:"seats"`
	ValidUntil *time.Time `json:"validUntil"`
}

func (h *Handlers) createTenant(c *gin.Context) {
	var req createTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "id and name are required"})
		return
	}
	validUntil := time.Now()
	if req.ValidUntil != nil {
		validUntil = *req.ValidUntil
	}

	t, err := h.tenants.Create(c.Request.Context(), req.ID,
		validation.SanitizeString(req.Name, 200), req.Seats, validUntil)
	if err != nil {
		if errors.Is(err, tenant.ErrInvalidSeatCount) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_seat_count"})
			return
		}
		logging.L(c.Request.Context()).Error("tenant creation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (h *Handlers) listTenants(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	tenants, err := h.tenants.List(c.Request.Context(), limit, offset)
	if err != nil {
		logging.L(c.Request.Context()).Error("tenant listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if tenants == nil {
		tenants = []*tenant.Tenant{}
	}
	c.JSON(http.StatusOK, gin.H{"tenants": tenants, "count": len(tenants)})
}

type createDiscountRequest struct {
	Code       string     `json:"code" binding:"required"`
	Percentage int        `json:"percentage" binding:"required"`
	TotalUses  int        `json:"totalUses" binding:"required"`
	ValidFrom  *time.Time `json:"validFrom"`
	ValidUntil time.Time  `json:"validUntil" binding:"required"`
}

func (h *Handlers) createDiscount(c *gin.Context) {
	var req createDiscountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "code, percentage, totalUses and validUntil are required"})
		return
	}
	code := validation.NormalizeCode(req.Code)
	if !validation.IsValidCode(code) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_code_format"})
		return
	}
	if req.Percentage < 1 || req.Percentage > 100 || req.TotalUses < 1 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_discount"})
		return
	}
	validFrom := time.Now()
	if req.ValidFrom != nil {
		validFrom = *req.ValidFrom
	}

	d := &instruments.DiscountCode{
		Code:       code,
		Percentage: req.Percentage,
		TotalUses:  req.TotalUses,
		ValidFrom:  validFrom,
		ValidUntil: req.ValidUntil,
		IsActive:   true,
		CreatedAt:  time.Now(),
	}
	if err := h.instruments.Store().CreateDiscountCode(c.Request.Context(), d); err != nil {
		logging.L(c.Request.Context()).Error("discount creation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (h *Handlers) listDiscounts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	codes, err := h.instruments.Store().ListDiscountCodes(c.Request.Context(), limit, offset)
	if err != nil {
		logging.L(c.Request.Context()).Error("discount listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if codes == nil {
		codes = []*instruments.DiscountCode{}
	}
	c.JSON(http.StatusOK, gin.H{"discounts": codes, "count": len(codes)})
}

type createGiftCardRequest struct {
	Code      string     `json:"code"`
	Amount    int64      `json:"amount" binding:"required"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

func (h *Handlers) createGiftCard(c *gin.Context) {
	var req createGiftCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount is required"})
		return
	}
	if req.Amount <= 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_amount"})
		return
	}

	code := validation.NormalizeCode(req.Code)
	if code == "" {
		code = idgen.Code("GIFT-", 12)
	} else if !validation.IsValidCode(code) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_code_format"})
		return
	}
	expiresAt := time.Now().AddDate(1, 0, 0)
	if req.ExpiresAt != nil {
		expiresAt = *req.ExpiresAt
	}

	g := &instruments.GiftCard{
		Code:      code,
		Amount:    req.Amount,
		Currency:  "usd",
		IsActive:  true,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}
	if err := h.instruments.Store().CreateGiftCard(c.Request.Context(), g); err != nil {
		logging.L(c.Request.Context()).Error("gift card creation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusCreated, g)
}

func (h *Handlers) listGiftCards(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	cards, err := h.instruments.Store().ListGiftCards(c.Request.Context(), limit, offset)
	if err != nil {
		logging.L(c.Request.Context()).Error("gift card listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if cards == nil {
		cards = []*instruments.GiftCard{}
	}
	c.JSON(http.StatusOK, gin.H{"giftCards": cards, "count": len(cards)})
}

func (h *Handlers) listIncidents(c *gin.Context) {
	status := c.DefaultQuery("status", incidents.StatusOpen)
	if status == "all" {
		status = ""
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	list, err := h.incidents.List(c.Request.Context(), status, limit, offset)
	if err != nil {
		logging.L(c.Request.Context()).Error("incident listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if list == nil {
		list = []*incidents.Incident{}
	}
	c.JSON(http.StatusOK, gin.H{"incidents": list, "count": len(list)})
}

type resolveIncidentRequest struct {
	Resolution string `json:"resolution" binding:"required"`
}

func (h *Handlers) resolveIncident(c *gin.Context) {
	var req resolveIncidentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "resolution is required"})
		return
	}

	inc, err := h.incidents.Resolve(c.Request.Context(), c.Param("id"),
		validation.SanitizeString(req.Resolution, 1000))
	if err != nil {
		switch {
		case errors.Is(err, incidents.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "incident_not_found"})
		case errors.Is(err, incidents.ErrAlreadyClosed):
			c.JSON(http.StatusConflict, gin.H{"error": "already_resolved"})
		default:
			logging.L(c.Request.Context()).Error("incident resolution failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}
	c.JSON(http.StatusOK, inc)
}

// reconcile triggers one sweep synchronously so operators see the report.
func (h *Handlers) reconcile(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Minute)
	defer cancel()

	report, err := h.reconciler.RunOnce(ctx)
	if err != nil {
		logging.L(c.Request.Context()).Error("manual reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, report)
}
