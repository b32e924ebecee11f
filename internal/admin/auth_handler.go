package admin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dirgate/dirgate/internal/auth"
	cerrors "github.com/dirgate/dirgate/internal/common/errors"
)

// LoginRequest is the login payload.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login authenticates a user against the directory and establishes a
// session. Every failure class maps to the same generic 401 so callers
// cannot probe which usernames exist.
func (s *Service) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		cerrors.HandleError(c, cerrors.BadRequest("username and password are required"))
		return
	}

	ctx := c.Request.Context()

	timer := s.perf.StartTimer("directory.authenticate", zap.String("username", req.Username))
	profile, err := s.directory.Authenticate(ctx, req.Username, req.Password)
	timer.Stop()
	if err != nil {
		s.logger.Warn("Directory login failed",
			zap.String("username", req.Username),
			zap.String("ip", c.ClientIP()),
			zap.Error(err))
		s.trail.LoginFailed(req.Username, c.ClientIP(), c.Request.UserAgent(), err.Error())
		cerrors.HandleError(c, cerrors.InvalidCredentials())
		return
	}

	user, err := s.directory.CompleteLogin(ctx, profile)
	if err != nil {
		s.logger.Error("Failed to record directory login",
			zap.String("username", req.Username),
			zap.Error(err))
		cerrors.HandleError(c, cerrors.Internal("Failed to complete login", err))
		return
	}

	session, err := s.sessions.Create(ctx, user.ID, user.Username, user.DN, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		s.logger.Error("Failed to create session",
			zap.String("user_id", user.ID),
			zap.Error(err))
		cerrors.HandleError(c, cerrors.Internal("Failed to create session", err))
		return
	}

	token, err := s.tokens.Issue(ctx, user.ID, user.Username, user.DN, session.ID)
	if err != nil {
		s.logger.Error("Failed to issue token",
			zap.String("user_id", user.ID),
			zap.Error(err))
		cerrors.HandleError(c, cerrors.Internal("Failed to issue token", err))
		return
	}

	s.logger.Info("Directory user logged in",
		zap.String("user_id", user.ID),
		zap.String("username", user.Username),
		zap.String("ip", c.ClientIP()))
	s.trail.LoginSucceeded(user.Username, c.ClientIP(), c.Request.UserAgent())

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"session_id": session.ID,
		"profile":    profile,
	})
}

// Logout revokes the presented token and tears down its session.
func (s *Service) Logout(c *gin.Context) {
	ctx := c.Request.Context()

	if token := auth.BearerToken(c); token != "" {
		if err := s.tokens.Revoke(ctx, token); err != nil {
			s.logger.Error("Failed to revoke token", zap.Error(err))
		}
	}

	sessionID := auth.GetSessionFromContext(c)
	if sessionID != "" {
		if err := s.sessions.Delete(ctx, sessionID); err != nil && !errors.Is(err, auth.ErrSessionNotFound) {
			s.logger.Error("Failed to delete session",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}

	username, _ := auth.GetUsernameFromContext(c)
	s.trail.LoggedOut(username, sessionID)

	c.JSON(http.StatusOK, gin.H{"message": "Successfully logged out"})
}

// Me returns the identity bound to the presented token.
func (s *Service) Me(c *gin.Context) {
	userID, err := auth.GetUserFromContext(c)
	if err != nil {
		cerrors.HandleError(c, cerrors.Unauthorized("Not authenticated"))
		return
	}
	username, _ := auth.GetUsernameFromContext(c)

	c.JSON(http.StatusOK, gin.H{
		"user_id":    userID,
		"username":   username,
		"session_id": auth.GetSessionFromContext(c),
	})
}
