package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrSessionNotFound is returned when a session does not exist
	ErrSessionNotFound = errors.New("session not found")

	// ErrMaxSessionsReached is returned when a user has reached the
	// concurrent session limit and no session could be evicted
	ErrMaxSessionsReached = errors.New("maximum concurrent sessions reached")

	// ErrInvalidSessionData is returned when stored session data is invalid
	ErrInvalidSessionData = errors.New("invalid session data")
)

// Session is the server-side record of one login.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	DN        string    `json:"dn,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
}

// SessionConfig holds configuration for session management
type SessionConfig struct {
	TTL           time.Duration // Session lifetime (default: 24h)
	MaxSessions   int           // Max concurrent sessions per user (default: 5)
	KeyPrefix     string        // Redis key prefix (default: "session:")
	UserSetPrefix string        // Prefix for per-user session sets (default: "user_sessions:")
}

// DefaultSessionConfig returns sensible defaults for session configuration
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		TTL:           24 * time.Hour,
		MaxSessions:   5,
		KeyPrefix:     "session:",
		UserSetPrefix: "user_sessions:",
	}
}

// SessionService handles the session lifecycle in Redis. Expiry is enforced
// by Redis key TTLs; the per-user set self-heals as expired ids are listed.
type SessionService struct {
	redis  *redis.Client
	config SessionConfig
	logger *zap.Logger
}

// NewSessionService creates a new SessionService
func NewSessionService(redisClient *redis.Client, logger *zap.Logger) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{
		redis:  redisClient,
		config: DefaultSessionConfig(),
		logger: logger,
	}
}

// WithConfig sets a custom session configuration. Zero values keep the
// defaults.
func (ss *SessionService) WithConfig(config SessionConfig) *SessionService {
	if config.TTL > 0 {
		ss.config.TTL = config.TTL
	}
	if config.MaxSessions > 0 {
		ss.config.MaxSessions = config.MaxSessions
	}
	if config.KeyPrefix != "" {
		ss.config.KeyPrefix = config.KeyPrefix
	}
	if config.UserSetPrefix != "" {
		ss.config.UserSetPrefix = config.UserSetPrefix
	}
	return ss
}

// Create opens a new session for a user. When the user is at the concurrent
// session limit the oldest session is evicted to make room.
func (ss *SessionService) Create(ctx context.Context, userID, username, dn, ipAddress, userAgent string) (*Session, error) {
	if ss.redis == nil {
		return nil, errors.New("redis client not configured")
	}

	sessionIDs, err := ss.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}

	count := len(sessionIDs)
	if count >= ss.config.MaxSessions {
		if err := ss.deleteOldest(ctx, userID); err != nil {
			ss.logger.Warn("failed to evict oldest session", zap.Error(err))
		} else {
			sessionEvents.WithLabelValues("evicted").Inc()
			count--
		}
	}
	if count >= ss.config.MaxSessions {
		return nil, fmt.Errorf("%w: maximum %d sessions allowed", ErrMaxSessionsReached, ss.config.MaxSessions)
	}

	now := time.Now()
	session := &Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		Username:  username,
		DN:        dn,
		CreatedAt: now,
		ExpiresAt: now.Add(ss.config.TTL),
		IPAddress: ipAddress,
		UserAgent: userAgent,
	}

	data, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	sessionKey := ss.sessionKey(session.ID)
	if err := ss.redis.Set(ctx, sessionKey, data, ss.config.TTL).Err(); err != nil {
		return nil, fmt.Errorf("set session: %w", err)
	}

	userSetKey := ss.userSetKey(userID)
	if err := ss.redis.SAdd(ctx, userSetKey, session.ID).Err(); err != nil {
		// Roll back so an untracked session cannot linger
		ss.redis.Del(ctx, sessionKey)
		return nil, fmt.Errorf("add to user sessions: %w", err)
	}
	ss.redis.Expire(ctx, userSetKey, ss.config.TTL*2)

	sessionEvents.WithLabelValues("created").Inc()
	ss.logger.Debug("created session",
		zap.String("session_id", session.ID),
		zap.String("user_id", userID),
		zap.Time("expires_at", session.ExpiresAt),
	)

	return session, nil
}

// Get retrieves a session by ID.
func (ss *SessionService) Get(ctx context.Context, sessionID string) (*Session, error) {
	if ss.redis == nil {
		return nil, errors.New("redis client not configured")
	}

	data, err := ss.redis.Get(ctx, ss.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, ErrInvalidSessionData
	}
	return &session, nil
}

// Delete removes a session by ID.
func (ss *SessionService) Delete(ctx context.Context, sessionID string) error {
	if ss.redis == nil {
		return errors.New("redis client not configured")
	}

	session, err := ss.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := ss.redis.Del(ctx, ss.sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	ss.redis.SRem(ctx, ss.userSetKey(session.UserID), sessionID)

	sessionEvents.WithLabelValues("deleted").Inc()
	ss.logger.Debug("deleted session", zap.String("session_id", sessionID))
	return nil
}

// DeleteByUser removes every session a user has. It returns
// ErrSessionNotFound when the user has none.
func (ss *SessionService) DeleteByUser(ctx context.Context, userID string) error {
	if ss.redis == nil {
		return errors.New("redis client not configured")
	}

	sessionIDs, err := ss.ListByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list user sessions: %w", err)
	}
	if len(sessionIDs) == 0 {
		return ErrSessionNotFound
	}

	for _, sessionID := range sessionIDs {
		if err := ss.Delete(ctx, sessionID); err != nil {
			ss.logger.Warn("failed to delete session",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
	}
	ss.redis.Del(ctx, ss.userSetKey(userID))

	ss.logger.Debug("deleted all sessions for user",
		zap.String("user_id", userID),
		zap.Int("count", len(sessionIDs)),
	)
	return nil
}

// ListByUser returns the live session IDs for a user, pruning ids whose
// sessions have expired out from under the set.
func (ss *SessionService) ListByUser(ctx context.Context, userID string) ([]string, error) {
	if ss.redis == nil {
		return nil, errors.New("redis client not configured")
	}

	userSetKey := ss.userSetKey(userID)
	members, err := ss.redis.SMembers(ctx, userSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("get user sessions: %w", err)
	}

	var live []string
	for _, sessionID := range members {
		exists, err := ss.redis.Exists(ctx, ss.sessionKey(sessionID)).Result()
		if err == nil && exists > 0 {
			live = append(live, sessionID)
		} else {
			ss.redis.SRem(ctx, userSetKey, sessionID)
		}
	}
	return live, nil
}

// deleteOldest evicts the user's oldest session.
func (ss *SessionService) deleteOldest(ctx context.Context, userID string) error {
	sessionIDs, err := ss.ListByUser(ctx, userID)
	if err != nil {
		return err
	}

	var oldest *Session
	for _, sessionID := range sessionIDs {
		session, err := ss.Get(ctx, sessionID)
		if err != nil {
			continue
		}
		if oldest == nil || session.CreatedAt.Before(oldest.CreatedAt) {
			oldest = session
		}
	}
	if oldest == nil {
		return nil
	}
	return ss.Delete(ctx, oldest.ID)
}

// sessionKey returns the Redis key for a session
func (ss *SessionService) sessionKey(sessionID string) string {
	return ss.config.KeyPrefix + sessionID
}

// userSetKey returns the Redis key for a user's session set
func (ss *SessionService) userSetKey(userID string) string {
	return ss.config.UserSetPrefix + userID
}
