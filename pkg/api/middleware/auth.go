package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"geotask/pkg/auth"
)

const (
	AuthHeaderKey       = "Authorization"
	APIKeyHeaderKey     = "X-API-Key"
	RequestIDHeader     = "X-Request-ID"
	ContextUserKey      = "user"
	ContextRequestIDKey = "request_id"
)

// AuthConfig holds authentication middleware configuration. Either
// credential source may be nil.
type AuthConfig struct {
	JWTService  *auth.JWTService
	APIKeyStore auth.APIKeyStore
}

// AuthMiddleware requires a valid bearer token or API key.
func AuthMiddleware(config AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if claims := tryJWTAuth(c, config.JWTService); claims != nil {
			c.Set(ContextUserKey, claims)
			c.Next()
			return
		}
		if claims := tryAPIKeyAuth(c, config.APIKeyStore); claims != nil {
			c.Set(ContextUserKey, claims)
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "authentication required",
			"hint":  "provide Bearer token or X-API-Key header",
		})
	}
}

func tryJWTAuth(c *gin.Context, jwtService *auth.JWTService) *auth.Claims {
	if jwtService == nil {
		return nil
	}
	scheme, token, ok := strings.Cut(c.GetHeader(AuthHeaderKey), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return nil
	}
	claims, err := jwtService.ValidateToken(strings.TrimSpace(token))
	if err != nil {
		return nil
	}
	return claims
}

func tryAPIKeyAuth(c *gin.Context, store auth.APIKeyStore) *auth.Claims {
	if store == nil {
		return nil
	}
	apiKey := c.GetHeader(APIKeyHeaderKey)
	if apiKey == "" {
		return nil
	}
	info, err := store.ValidateKey(c.Request.Context(), apiKey)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidToken) && !errors.Is(err, auth.ErrExpiredToken) {
			_ = c.Error(err)
		}
		return nil
	}
	return info.Claims()
}

// GetUserFromContext retrieves user claims from the request context
func GetUserFromContext(c *gin.Context) (*auth.Claims, bool) {
	value, exists := c.Get(ContextUserKey)
	if !exists {
		return nil, false
	}
	claims, ok := value.(*auth.Claims)
	return claims, ok
}

// RequireRole creates a middleware that requires a minimum role level
func RequireRole(required auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetUserFromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			return
		}

		if !claims.Role.HasPermission(required) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":    "insufficient permissions",
				"required": required,
				"current":  claims.Role,
			})
			return
		}

		c.Next()
	}
}
