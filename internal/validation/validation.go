// Package validation provides request validation helpers for the Churn Shield API.
package validation

import (
	"math"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// MaxNotesLength caps free-text operator notes.
const MaxNotesLength = 4000

// idRegex matches merchant, alert and webhook identifiers.
var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-.:]{0,127}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks if a string is a well-formed identifier
func IsValidID(id string) bool {
	return idRegex.MatchString(id)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidID checks identifier syntax. Empty values pass; combine with Required.
func ValidID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" || IsValidID(value) {
			return nil
		}
		return &ValidationError{Field: field, Message: "must be 1-128 chars of letters, digits, '_', '-', '.', ':'"}
	}
}

// OneOf checks that a non-empty value is in the allowed set.
func OneOf(field, value string, allowed []string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of: " + strings.Join(allowed, ", ")}
	}
}

// EachOneOf checks every element of values against the allowed set.
func EachOneOf(field string, values, allowed []string) func() *ValidationError {
	return func() *ValidationError {
		for _, v := range values {
			if err := OneOf(field, v, allowed)(); err != nil {
				return err
			}
		}
		return nil
	}
}

// IntRange checks min <= value <= max.
func IntRange(field string, value, min, max int) func() *ValidationError {
	return func() *ValidationError {
		if value < min || value > max {
			return &ValidationError{Field: field, Message: "out of range"}
		}
		return nil
	}
}

// FloatRange checks min <= value <= max and rejects NaN/Inf.
func FloatRange(field string, value, min, max float64) func() *ValidationError {
	return func() *ValidationError {
		if math.IsNaN(value) || math.IsInf(value, 0) || value < min || value > max {
			return &ValidationError{Field: field, Message: "out of range"}
		}
		return nil
	}
}

// NonNegative rejects negative, NaN and infinite values.
func NonNegative(field string, value float64) func() *ValidationError {
	return FloatRange(field, value, 0, math.MaxFloat64)
}

// After checks that an optional time is strictly after ref.
func After(field string, value *time.Time, ref time.Time) func() *ValidationError {
	return func() *ValidationError {
		if value == nil {
			return nil
		}
		if !value.After(ref) {
			return &ValidationError{Field: field, Message: "must be in the future"}
		}
		return nil
	}
}

// IDParamMiddleware rejects malformed :name URL parameters early.
func IDParamMiddleware(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param(name)
		if id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_" + name,
				"message": name + " is not a valid identifier",
			})
			return
		}
		c.Next()
	}
}
