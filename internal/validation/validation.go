// Package validation screens request inputs for the engine's API.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// MaxRequestSize caps request bodies at 1MB.
	MaxRequestSize = 1 << 20
	// MaxStringLength caps free-text fields.
	MaxStringLength = 10000
	// MaxSecretLength caps key secrets.
	MaxSecretLength = 512
)

// Groups are route keys, so the charset stays tight.
var groupPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,63}$`)

// FieldError names the input field that failed and why.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Rule checks one field. A nil result means the field passed.
type Rule func() *FieldError

// Validate runs every rule and collects the failures.
func Validate(rules ...Rule) []FieldError {
	var errs []FieldError
	for _, rule := range rules {
		if fe := rule(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

func fail(field, format string, args ...any) *FieldError {
	return &FieldError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ValidGroup accepts well-formed group names. Empty passes, since an
// empty group selects the default.
func ValidGroup(field, value string) Rule {
	return func() *FieldError {
		if value != "" && !IsValidGroup(value) {
			return fail(field, "must be 1-64 chars of letters, digits, '_', '.', or '-'")
		}
		return nil
	}
}

// ValidSecret accepts usable key secrets. Empty passes; pair with a
// binding:"required" tag when the field is mandatory.
func ValidSecret(field, value string) Rule {
	return func() *FieldError {
		if value != "" && !IsValidSecret(value) {
			return fail(field, "must be printable ASCII without whitespace, at most %d chars", MaxSecretLength)
		}
		return nil
	}
}

// ValidStatusCode accepts plausible HTTP status codes.
func ValidStatusCode(field string, code int) Rule {
	return func() *FieldError {
		if code < 100 || code > 599 {
			return fail(field, "must be an HTTP status code (100-599)")
		}
		return nil
	}
}

// IsValidGroup reports whether group is a well-formed group name.
func IsValidGroup(group string) bool {
	return groupPattern.MatchString(group)
}

// IsValidSecret reports whether s is usable as a key secret. Secrets
// are opaque provider credentials, so no format is assumed beyond
// printable ASCII with no whitespace.
func IsValidSecret(s string) bool {
	if s == "" || len(s) > MaxSecretLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '!' || s[i] > '~' {
			return false
		}
	}
	return true
}

// SanitizeString trims, strips NUL bytes, and truncates free-text
// fields like key names and audit notes.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// RequestSizeMiddleware caps request body size before handlers bind it.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IDParamMiddleware rejects malformed :id params before the handler
// runs, so every keys/:id route shares one error shape.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("id"); id != "" {
			if n, err := strconv.ParseInt(id, 10, 64); err != nil || n <= 0 {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_id",
					"message": "id must be a positive integer",
				})
				return
			}
		}
		c.Next()
	}
}
