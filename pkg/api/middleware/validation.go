package middleware

import (
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ValidatorConfig holds validation configuration
type ValidatorConfig struct {
	MaxSegmentLength int // task type and task name
	MaxQueryValues   int
	MaxBodySize      int64
}

// DefaultValidatorConfig returns safe defaults
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxSegmentLength: 64,
		MaxQueryValues:   64,
		MaxBodySize:      1 << 20,
	}
}

// segmentPattern matches the path segments the job service routes on.
var segmentPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Validator checks task descriptors before they reach the job service.
type Validator struct {
	config ValidatorConfig
}

func NewValidator(config ValidatorConfig) *Validator {
	return &Validator{config: config}
}

// ValidateSegment checks a task type or task name.
func (v *Validator) ValidateSegment(field, value string) error {
	if value == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	if len(value) > v.config.MaxSegmentLength {
		return &ValidationError{Field: field, Message: "exceeds maximum length"}
	}
	if !segmentPattern.MatchString(value) {
		return &ValidationError{Field: field, Message: "must be lowercase letters, digits, '-' or '_'"}
	}
	return nil
}

// ValidateQuery bounds the number of query values sent with a start request.
func (v *Validator) ValidateQuery(query map[string][]string) error {
	n := 0
	for _, values := range query {
		n += len(values)
	}
	if n > v.config.MaxQueryValues {
		return &ValidationError{Field: "query", Message: "too many values"}
	}
	return nil
}

// ValidateBody accepts an empty body or a JSON document within the size limit.
func (v *Validator) ValidateBody(body []byte) error {
	if int64(len(body)) > v.config.MaxBodySize {
		return &ValidationError{Field: "body", Message: "exceeds maximum size"}
	}
	if len(body) > 0 && !json.Valid(body) {
		return &ValidationError{Field: "body", Message: "must be valid JSON"}
	}
	return nil
}

// ValidationError represents a validation failure
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// BodySizeLimitMiddleware limits request body size
func BodySizeLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "request body too large",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// SecurityHeadersMiddleware adds security headers
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// RequestIDMiddleware tags each request with the caller's X-Request-ID or a new UUID.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}
		c.Set(ContextRequestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)
		c.Next()
	}
}

// RequestID returns the id assigned by RequestIDMiddleware, if any.
func RequestID(c *gin.Context) string {
	return c.GetString(ContextRequestIDKey)
}
