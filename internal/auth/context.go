package auth

import (
	"errors"

	"github.com/gin-gonic/gin"
)

// ErrUserNotInContext is returned when no authenticated user is present
var ErrUserNotInContext = errors.New("user not found in context")

// Context key constants for values set by the authentication middleware
const (
	ContextKeyUserID    = "user_id"
	ContextKeyUsername  = "username"
	ContextKeyDN        = "dn"
	ContextKeySessionID = "session_id"
)

// GetUserFromContext extracts the authenticated user ID from the Gin context
func GetUserFromContext(c *gin.Context) (string, error) {
	userID, exists := c.Get(ContextKeyUserID)
	if !exists {
		return "", ErrUserNotInContext
	}
	s, ok := userID.(string)
	if !ok || s == "" {
		return "", ErrUserNotInContext
	}
	return s, nil
}

// GetUsernameFromContext extracts the authenticated username from the Gin context
func GetUsernameFromContext(c *gin.Context) (string, error) {
	username, exists := c.Get(ContextKeyUsername)
	if !exists {
		return "", ErrUserNotInContext
	}
	s, ok := username.(string)
	if !ok || s == "" {
		return "", ErrUserNotInContext
	}
	return s, nil
}

// GetSessionFromContext extracts the session ID bound to the presented token
func GetSessionFromContext(c *gin.Context) string {
	sessionID, exists := c.Get(ContextKeySessionID)
	if !exists {
		return ""
	}
	s, _ := sessionID.(string)
	return s
}

// SetUserInContext loads an authenticated identity into the Gin context.
// The middleware calls it after validation; tests call it directly.
func SetUserInContext(c *gin.Context, userID, username, dn, sessionID string) {
	c.Set(ContextKeyUserID, userID)
	c.Set(ContextKeyUsername, username)
	c.Set(ContextKeyDN, dn)
	c.Set(ContextKeySessionID, sessionID)
}
