// Package admin exposes the dirgate administration API over HTTP.
package admin

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dirgate/dirgate/internal/audit"
	"github.com/dirgate/dirgate/internal/auth"
	"github.com/dirgate/dirgate/internal/common/logger"
	"github.com/dirgate/dirgate/internal/directory"
)

// DirectoryService is the directory facade the handlers drive.
// *directory.Service satisfies it.
type DirectoryService interface {
	Authenticate(ctx context.Context, username, password string) (*directory.Profile, error)
	CompleteLogin(ctx context.Context, profile *directory.Profile) (*directory.User, error)
	GetActiveConfig(ctx context.Context) (*directory.Config, error)
	SaveConfig(ctx context.Context, cfg *directory.Config) (*directory.Config, error)
	TestConnection(ctx context.Context, cfg *directory.Config) error
	ForceSync(ctx context.Context) (*directory.SyncStats, error)
	ListUsers(ctx context.Context, activeOnly bool) ([]*directory.User, error)
	SetUserActive(ctx context.Context, userID string, active bool) error
	PurgeStale(ctx context.Context, retention time.Duration) (int64, error)
	Status(ctx context.Context) (*directory.Status, error)
}

// TokenIssuer mints and revokes bearer tokens. *auth.TokenService satisfies
// it.
type TokenIssuer interface {
	Issue(ctx context.Context, userID, username, dn, sessionID string) (string, error)
	Revoke(ctx context.Context, tokenString string) error
	RevokeUser(ctx context.Context, userID string) error
}

// SessionManager owns the server-side session records.
// *auth.SessionService satisfies it.
type SessionManager interface {
	Create(ctx context.Context, userID, username, dn, ipAddress, userAgent string) (*auth.Session, error)
	Delete(ctx context.Context, sessionID string) error
	DeleteByUser(ctx context.Context, userID string) error
}

// Service wires the admin HTTP surface to the directory and auth services.
type Service struct {
	directory DirectoryService
	tokens    TokenIssuer
	sessions  SessionManager
	authmw    *auth.Middleware
	trail     *audit.Trail
	perf      *logger.PerformanceLogger
	logger    *zap.Logger
}

// NewService creates the admin API service.
func NewService(dir DirectoryService, tokens TokenIssuer, sessions SessionManager, authmw *auth.Middleware, log *zap.Logger) *Service {
	component := log.With(zap.String("component", "admin-api"))
	return &Service{
		directory: dir,
		tokens:    tokens,
		sessions:  sessions,
		authmw:    authmw,
		perf:      logger.NewPerformanceLogger(component),
		logger:    component,
	}
}

// WithAuditTrail attaches a tamper-evident audit trail. Without one,
// administrative actions are only visible in the regular log.
func (s *Service) WithAuditTrail(trail *audit.Trail) *Service {
	s.trail = trail
	return s
}

// RegisterRoutes mounts the API under /api/v1. Everything except login
// requires a valid bearer token.
func (s *Service) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	v1.POST("/auth/login", s.Login)

	protected := v1.Group("", s.authmw.Authenticate())
	protected.POST("/auth/logout", s.Logout)
	protected.GET("/auth/me", s.Me)

	dir := protected.Group("/directory")
	dir.GET("/config", s.GetConfig)
	dir.PUT("/config", s.UpdateConfig)
	dir.POST("/config/test", s.TestConnection)
	dir.POST("/sync", s.TriggerSync)
	dir.GET("/users", s.ListUsers)
	dir.PUT("/users/:id/status", s.SetUserStatus)
	dir.POST("/users/purge", s.PurgeUsers)
	dir.GET("/status", s.GetStatus)
}
