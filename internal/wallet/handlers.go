package wallet

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/relaycrm/billing/internal/auth"
	"github.com/relaycrm/billing/internal/logging"
)

// Handlers exposes the read side of the ledger over HTTP. All money
// movement goes through the payments, subscription and admin packages.
type Handlers struct {
	service *Service
}

// NewHandlers creates wallet HTTP handlers.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers wallet endpoints on the tenant-scoped group.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.getWallet)
	r.GET("/wallet/transactions", h.listTransactions)
}

func (h *Handlers) getWallet(c *gin.Context) {
	tenantID := auth.GetTenantID(c)

	w, err := h.service.Balance(c.Request.Context(), tenantID)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to load wallet", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handlers) listTransactions(c *gin.Context) {
	tenantID := auth.GetTenantID(c)

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	txns, err := h.service.History(c.Request.Context(), tenantID, limit, offset)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list transactions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if txns == nil {
		txns = []*Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"count":        len(txns),
	})
}
