package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	// ErrMissingAuthHeader is returned when the Authorization header is missing
	ErrMissingAuthHeader = errors.New("missing authorization header")

	// ErrInvalidAuthHeader is returned when the Authorization header format is invalid
	ErrInvalidAuthHeader = errors.New("invalid authorization header format")

	// ErrInvalidToken is returned when token validation fails
	ErrInvalidToken = errors.New("invalid token")
)

// TokenValidator validates bearer tokens. *TokenService satisfies it.
type TokenValidator interface {
	Validate(ctx context.Context, tokenString string) (*Claims, error)
}

// Middleware authenticates requests for Gin routes.
type Middleware struct {
	validator TokenValidator
	logger    *zap.Logger
}

// NewMiddleware creates the authentication middleware.
func NewMiddleware(validator TokenValidator, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{validator: validator, logger: logger}
}

// Authenticate extracts the bearer token, validates it, and loads the
// authenticated identity into the Gin context.
func (m *Middleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			m.logger.Warn("authentication failed: missing authorization header",
				zap.String("path", c.Request.URL.Path),
				zap.String("method", c.Request.Method),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": ErrMissingAuthHeader.Error(),
			})
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			m.logger.Warn("authentication failed: invalid authorization header format")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": ErrInvalidAuthHeader.Error(),
			})
			return
		}

		claims, err := m.validator.Validate(c.Request.Context(), parts[1])
		if err != nil {
			m.logger.Warn("token validation failed",
				zap.Error(err),
				zap.String("path", c.Request.URL.Path),
			)

			errorMsg := ErrInvalidToken.Error()
			if errors.Is(err, ErrTokenExpired) {
				errorMsg = ErrTokenExpired.Error()
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": errorMsg,
			})
			return
		}

		SetUserInContext(c, claims.Subject, claims.Username, claims.DN, claims.SessionID)

		m.logger.Debug("user authenticated",
			zap.String("user_id", claims.Subject),
			zap.String("username", claims.Username),
		)

		c.Next()
	}
}

// BearerToken returns the raw bearer token from a request, or an empty
// string when none is present. Handlers that revoke the presented token use
// it after Authenticate has already vetted the header.
func BearerToken(c *gin.Context) string {
	parts := strings.Split(c.GetHeader("Authorization"), " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}
