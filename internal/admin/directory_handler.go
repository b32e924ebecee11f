package admin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dirgate/dirgate/internal/audit"
	"github.com/dirgate/dirgate/internal/auth"
	cerrors "github.com/dirgate/dirgate/internal/common/errors"
	"github.com/dirgate/dirgate/internal/directory"
)

// GetConfig returns the active directory configuration with secrets
// redacted.
func (s *Service) GetConfig(c *gin.Context) {
	cfg, err := s.directory.GetActiveConfig(c.Request.Context())
	if err != nil {
		if errors.Is(err, directory.ErrNotConfigured) {
			cerrors.HandleError(c, cerrors.NotFound("directory configuration"))
			return
		}
		cerrors.HandleError(c, cerrors.Internal("Failed to load configuration", err))
		return
	}
	c.JSON(http.StatusOK, cfg.Redacted())
}

// UpdateConfig creates or replaces the directory configuration. A blank
// bind password keeps the stored secret, so a redacted GET response can be
// edited and submitted back unchanged.
func (s *Service) UpdateConfig(c *gin.Context) {
	var cfg directory.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		cerrors.HandleError(c, cerrors.ValidationError("invalid configuration payload"))
		return
	}

	saved, err := s.directory.SaveConfig(c.Request.Context(), &cfg)
	if err != nil {
		switch {
		case errors.Is(err, directory.ErrIntervalBelowFloor):
			cerrors.HandleError(c, cerrors.ValidationError(directory.ErrIntervalBelowFloor.Error()))
		case errors.Is(err, directory.ErrInvalidConfig):
			cerrors.HandleError(c, cerrors.ValidationError(err.Error()))
		default:
			cerrors.HandleError(c, cerrors.Internal("Failed to save configuration", err))
		}
		return
	}

	username, _ := auth.GetUsernameFromContext(c)
	s.logger.Info("Directory configuration updated",
		zap.String("config_id", saved.ID),
		zap.String("host", saved.Host),
		zap.String("updated_by", username))
	s.trail.ConfigSaved(username, saved.ID, saved.Host)

	c.JSON(http.StatusOK, saved.Redacted())
}

// TestConnection checks directory reachability. With a request body it
// tests the submitted settings; without one it tests the active
// configuration. The result is always a 200 carrying success and a message.
func (s *Service) TestConnection(c *gin.Context) {
	var cfg *directory.Config
	if c.Request.ContentLength > 0 {
		var submitted directory.Config
		if err := c.ShouldBindJSON(&submitted); err != nil {
			cerrors.HandleError(c, cerrors.ValidationError("invalid configuration payload"))
			return
		}
		cfg = &submitted
	}

	username, _ := auth.GetUsernameFromContext(c)
	if err := s.directory.TestConnection(c.Request.Context(), cfg); err != nil {
		s.trail.ConnectionTested(username, audit.OutcomeFailure, err.Error())
		c.JSON(http.StatusOK, gin.H{
			"success": false,
			"message": err.Error(),
		})
		return
	}
	s.trail.ConnectionTested(username, audit.OutcomeSuccess, "")
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Directory connection successful",
	})
}

// TriggerSync runs a reconciliation pass immediately.
func (s *Service) TriggerSync(c *gin.Context) {
	username, _ := auth.GetUsernameFromContext(c)
	s.logger.Info("Manual directory sync requested", zap.String("requested_by", username))

	timer := s.perf.StartTimer("directory.sync.force")
	stats, err := s.directory.ForceSync(c.Request.Context())
	if err != nil {
		timer.StopWithError(err)
		s.trail.SyncTriggered(username, audit.OutcomeFailure, err.Error())
		switch {
		case errors.Is(err, directory.ErrSyncInFlight):
			cerrors.HandleError(c, cerrors.SyncInFlight())
		case errors.Is(err, directory.ErrSyncDisabled):
			cerrors.HandleError(c, cerrors.SyncDisabled())
		case errors.Is(err, directory.ErrNotConfigured):
			cerrors.HandleError(c, cerrors.NotConfigured())
		default:
			cerrors.HandleError(c, cerrors.DirectoryUnavailable(err))
		}
		return
	}
	timer.Stop()
	s.trail.SyncTriggered(username, audit.OutcomeSuccess, "")

	c.JSON(http.StatusOK, gin.H{
		"message": "Synchronization completed",
		"stats":   stats,
	})
}

// ListUsers returns the mirrored directory users.
func (s *Service) ListUsers(c *gin.Context) {
	activeOnly := false
	if raw := c.Query("active_only"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			cerrors.HandleError(c, cerrors.ValidationError("active_only must be a boolean"))
			return
		}
		activeOnly = parsed
	}

	users, err := s.directory.ListUsers(c.Request.Context(), activeOnly)
	if err != nil {
		cerrors.HandleError(c, cerrors.Internal("Failed to list users", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"users": users,
		"count": len(users),
	})
}

// UserStatusRequest toggles a mirrored user's active flag.
type UserStatusRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// SetUserStatus manually activates or deactivates a mirrored user.
// Deactivation also revokes the user's tokens and sessions; the next
// reconciliation pass will re-activate anyone still present in the
// directory.
func (s *Service) SetUserStatus(c *gin.Context) {
	userID := c.Param("id")

	var req UserStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		cerrors.HandleError(c, cerrors.ValidationError("active is required"))
		return
	}

	ctx := c.Request.Context()
	if err := s.directory.SetUserActive(ctx, userID, *req.Active); err != nil {
		if errors.Is(err, directory.ErrUserNotFound) {
			cerrors.HandleError(c, cerrors.NotFound("directory user"))
			return
		}
		cerrors.HandleError(c, cerrors.Internal("Failed to update user status", err))
		return
	}

	if !*req.Active {
		if err := s.tokens.RevokeUser(ctx, userID); err != nil {
			s.logger.Error("Failed to revoke tokens for deactivated user",
				zap.String("user_id", userID),
				zap.Error(err))
		}
		if err := s.sessions.DeleteByUser(ctx, userID); err != nil && !errors.Is(err, auth.ErrSessionNotFound) {
			s.logger.Error("Failed to delete sessions for deactivated user",
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}

	username, _ := auth.GetUsernameFromContext(c)
	s.logger.Info("Directory user status changed",
		zap.String("user_id", userID),
		zap.Bool("active", *req.Active),
		zap.String("changed_by", username))
	s.trail.UserStatusChanged(username, userID, *req.Active)

	c.JSON(http.StatusOK, gin.H{"message": "User status updated"})
}

// PurgeRequest controls how far back the purge reaches.
type PurgeRequest struct {
	RetentionDays int `json:"retention_days"`
}

// PurgeUsers permanently removes deactivated users that have not been seen
// for the retention window.
func (s *Service) PurgeUsers(c *gin.Context) {
	var req PurgeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			cerrors.HandleError(c, cerrors.ValidationError("invalid purge payload"))
			return
		}
	}
	if req.RetentionDays < 0 {
		cerrors.HandleError(c, cerrors.ValidationError("retention_days cannot be negative"))
		return
	}

	retention := time.Duration(req.RetentionDays) * 24 * time.Hour
	removed, err := s.directory.PurgeStale(c.Request.Context(), retention)
	if err != nil {
		cerrors.HandleError(c, cerrors.Internal("Failed to purge users", err))
		return
	}

	username, _ := auth.GetUsernameFromContext(c)
	s.logger.Info("Purged stale directory users",
		zap.Int64("removed", removed),
		zap.String("requested_by", username))
	s.trail.UsersPurged(username, removed)

	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// GetStatus returns the operational snapshot of the directory integration.
func (s *Service) GetStatus(c *gin.Context) {
	status, err := s.directory.Status(c.Request.Context())
	if err != nil {
		cerrors.HandleError(c, cerrors.Internal("Failed to load status", err))
		return
	}
	c.JSON(http.StatusOK, status)
}
