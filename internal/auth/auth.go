// Package auth resolves the calling tenant and guards admin routes.
//
// Identity itself lives outside this service: the resolver behind Middleware
// is a collaborator (API gateway, identity service) that maps a bearer token
// to a tenant ID. This package only plumbs the result through the request.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/relaycrm/billing/internal/logging"
)

// ErrUnknownToken is returned by resolvers for tokens that map to no tenant.
var ErrUnknownToken = errors.New("auth: unknown token")

// TenantResolver maps an opaque bearer token to a tenant ID.
type TenantResolver interface {
	ResolveTenant(ctx context.Context, token string) (tenantID string, err error)
}

const (
	// ContextKeyTenantID is the gin context key for the resolved tenant.
	ContextKeyTenantID = "tenantID"
	// ContextKeyAdmin marks requests authenticated with the admin secret.
	ContextKeyAdmin = "isAdmin"
)

// Middleware extracts the bearer token and resolves the tenant.
// Resolution failure is not fatal here; RequireTenant rejects later.
func Middleware(resolver TenantResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token != "" {
			tenantID, err := resolver.ResolveTenant(c.Request.Context(), token)
			if err == nil && tenantID != "" {
				c.Set(ContextKeyTenantID, tenantID)
				c.Request = c.Request.WithContext(
					logging.WithTenantID(c.Request.Context(), tenantID))
			}
		}
		c.Next()
	}
}

// RequireTenant rejects requests that did not resolve to a tenant.
func RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetTenantID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Tenant credentials required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin guards privileged routes with the platform admin secret.
// An empty configured secret disables the admin surface entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader("X-Admin-Secret")
		if secret == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin capability required.",
			})
			return
		}
		c.Set(ContextKeyAdmin, true)
		c.Next()
	}
}

// GetTenantID returns the resolved tenant ID, or "" if unauthenticated.
func GetTenantID(c *gin.Context) string {
	if v, ok := c.Get(ContextKeyTenantID); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// IsAdmin reports whether the request passed RequireAdmin.
func IsAdmin(c *gin.Context) bool {
	v, ok := c.Get(ContextKeyAdmin)
	return ok && v == true
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if h != "" {
		return h
	}
	return c.GetHeader("X-API-Key")
}

// StaticResolver is a fixed token→tenant map for demo mode and tests.
type StaticResolver struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewStaticResolver creates a resolver from a token→tenant map.
func NewStaticResolver(tokens map[string]string) *StaticResolver {
	cp := make(map[string]string, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &StaticResolver{tokens: cp}
}

// Add registers a token for a tenant.
func (r *StaticResolver) Add(token, tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = tenantID
}

func (r *StaticResolver) ResolveTenant(ctx context.Context, token string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.tokens[token]; ok {
		return id, nil
	}
	return "", ErrUnknownToken
}

var _ TenantResolver = (*StaticResolver)(nil)
