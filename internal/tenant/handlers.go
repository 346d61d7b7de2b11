package tenant

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaycrm/billing/internal/auth"
	"github.com/relaycrm/billing/internal/logging"
)

// Handlers exposes tenant subscription state over HTTP.
type Handlers struct {
	service *Service
}

// NewHandlers creates tenant HTTP handlers.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers tenant endpoints on the tenant-scoped group.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/tenant", h.getTenant)
	r.PUT("/tenant/used-seats", h.setUsedSeats)
}

func (h *Handlers) getTenant(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), auth.GetTenantID(c))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "tenant_not_found"})
			return
		}
		logging.L(c.Request.Context()).Error("failed to load tenant", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, t)
}

type setUsedSeatsRequest struct {
	UsedSeats *int `json:"usedSeats" binding:"required"`
}

// setUsedSeats receives seat occupancy from the CRM core.
func (h *Handlers) setUsedSeats(c *gin.Context) {
	var req setUsedSeatsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "usedSeats is required"})
		return
	}

	t, err := h.service.SetUsedSeats(c.Request.Context(), auth.GetTenantID(c), *req.UsedSeats)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "tenant_not_found"})
		case errors.Is(err, ErrInvalidSeatCount), errors.Is(err, ErrSeatsInUse):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_seat_count", "message": err.Error()})
		default:
			logging.L(c.Request.Context()).Error("failed to update used seats", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}
	c.JSON(http.StatusOK, t)
}
