// Package validation provides input validation helpers for the billing API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (256KB — billing payloads are tiny)
const MaxRequestSize = 256 << 10

// MaxDescriptionLength bounds free-text transaction descriptions.
const MaxDescriptionLength = 500

// instrument codes: uppercase alphanumeric with optional dashes, 4-32 chars
var codeRegex = regexp.MustCompile(`^[A-Z0-9][A-Z0-9-]{2,30}[A-Z0-9]$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// NormalizeCode uppercases and trims an instrument code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsValidCode checks the instrument code format after normalization.
func IsValidCode(code string) bool {
	return codeRegex.MatchString(code)
}

// IsValidAmount checks that an amount in minor units is positive and within bounds.
func IsValidAmount(amount, min, max int64) bool {
	return amount > 0 && amount >= min && amount <= max
}

// SanitizeString trims whitespace, strips null bytes and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}
