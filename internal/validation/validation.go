// Package validation checks and normalizes institution request input.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

const (
	// MaxRequestSize bounds every request body.
	MaxRequestSize = 64 << 10
	// MaxStringLength bounds free-text fields such as notes and addresses.
	MaxStringLength = 4000
)

var (
	emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phoneRegex = regexp.MustCompile(`^\+?[0-9 ()\-.]{6,24}$`)
)

// ValidationError describes one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is returned by Validate. Error reports the first entry.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Rule checks one field and returns nil when it passes.
type Rule func() *ValidationError

// Validate runs every rule and collects the failures in order.
func Validate(rules ...Rule) ValidationErrors {
	var errs ValidationErrors
	for _, r := range rules {
		if e := r(); e != nil {
			errs = append(errs, *e)
		}
	}
	return errs
}

func fail(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}

// optional wraps a format check so that an empty value passes. Pair with
// Required when the field is mandatory.
func optional(field, value, msg string, ok func(string) bool) Rule {
	return func() *ValidationError {
		if value == "" || ok(value) {
			return nil
		}
		return fail(field, msg)
	}
}

func Required(field, value string) Rule {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return fail(field, "is required")
		}
		return nil
	}
}

func ValidAddress(field, value string) Rule {
	return optional(field, value, "must be a valid Ethereum address (0x + 40 hex chars)", IsValidEthAddress)
}

func ValidEmail(field, value string) Rule {
	return optional(field, value, "must be a valid email address", IsValidEmail)
}

func ValidPhone(field, value string) Rule {
	return optional(field, value, "must be a valid phone number", phoneRegex.MatchString)
}

// MaxLength limits value to max characters.
func MaxLength(field, value string, max int) Rule {
	return func() *ValidationError {
		if utf8.RuneCountInString(value) > max {
			return fail(field, fmt.Sprintf("must be at most %d characters", max))
		}
		return nil
	}
}

func OneOf(field, value string, allowed ...string) Rule {
	return func() *ValidationError {
		if slices.Contains(allowed, value) {
			return nil
		}
		return fail(field, "must be one of "+strings.Join(allowed, ", "))
	}
}

// IsValidEthAddress requires the 0x prefix, which common.IsHexAddress
// treats as optional.
func IsValidEthAddress(addr string) bool {
	return strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
}

// IsValidEmail checks shape only.
func IsValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}

// SanitizeString trims s, strips NUL bytes and cuts it to maxLen characters.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen])
}

// SanitizeAddress lowercases addr and adds a missing 0x prefix.
func SanitizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if len(addr) == 40 && !strings.HasPrefix(addr, "0x") {
		addr = "0x" + addr
	}
	return addr
}

// RequestSizeMiddleware caps the request body at maxSize bytes.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// AddressParamMiddleware rejects routes whose :address parameter is malformed.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if addr := c.Param("address"); addr != "" && !IsValidEthAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
			})
			return
		}
		c.Next()
	}
}
