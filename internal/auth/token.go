// Package auth provides JWT issuance, session management, and request
// authentication for dirgate.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrTokenInvalid is returned when a token is malformed or signature verification fails
	ErrTokenInvalid = errors.New("token is invalid")

	// ErrTokenExpired is returned when a token has passed its expiration time
	ErrTokenExpired = errors.New("token is expired")

	// ErrTokenRevoked is returned when a token has been explicitly revoked
	ErrTokenRevoked = errors.New("token has been revoked")

	// ErrMissingSecret is returned when no signing secret is configured
	ErrMissingSecret = errors.New("signing secret is required")
)

// Claims carries the authenticated identity inside a dirgate token. Subject
// is the mirrored user id; SessionID ties the token to its Redis session so
// logout can tear both down.
type Claims struct {
	Username  string `json:"username,omitempty"`
	DN        string `json:"dn,omitempty"`
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// TokenConfig holds configuration for token issuance
type TokenConfig struct {
	TTL    time.Duration // Default: 24h, matching the session lifetime
	Issuer string        // Issuer identifier (e.g., "dirgate")
}

// DefaultTokenConfig returns sensible defaults for token configuration
func DefaultTokenConfig() TokenConfig {
	return TokenConfig{
		TTL:    24 * time.Hour,
		Issuer: "dirgate",
	}
}

// TokenService issues and validates HS256 tokens, with revocation backed by
// Redis.
type TokenService struct {
	secret []byte
	redis  *redis.Client
	config TokenConfig
	logger *zap.Logger
}

// NewTokenService creates a TokenService signing with the given shared
// secret. The Redis client is optional; without it revocation checks are
// skipped.
func NewTokenService(secret string, redisClient *redis.Client, logger *zap.Logger) *TokenService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenService{
		secret: []byte(secret),
		redis:  redisClient,
		config: DefaultTokenConfig(),
		logger: logger,
	}
}

// WithConfig sets a custom token configuration
func (ts *TokenService) WithConfig(config TokenConfig) *TokenService {
	if config.TTL > 0 {
		ts.config.TTL = config.TTL
	}
	if config.Issuer != "" {
		ts.config.Issuer = config.Issuer
	}
	return ts
}

// Issue creates a signed token for the given user.
func (ts *TokenService) Issue(ctx context.Context, userID, username, dn, sessionID string) (string, error) {
	if len(ts.secret) == 0 {
		return "", ErrMissingSecret
	}

	now := time.Now()
	claims := Claims{
		Username:  username,
		DN:        dn,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.config.Issuer,
			Subject:   userID,
			Audience:  []string{ts.config.Issuer},
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.config.TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(ts.secret)
	if err != nil {
		tokenOperations.WithLabelValues("issue", "error").Inc()
		return "", fmt.Errorf("sign token: %w", err)
	}

	tokenOperations.WithLabelValues("issue", "success").Inc()
	ts.logger.Debug("issued token",
		zap.String("user_id", userID),
		zap.String("username", username),
		zap.Duration("ttl", ts.config.TTL),
	)

	return tokenString, nil
}

// Validate verifies a token's signature, expiry, and revocation status, and
// returns its claims.
func (ts *TokenService) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	if len(ts.secret) == 0 {
		return nil, ErrMissingSecret
	}

	// First check the per-token blacklist
	if ts.redis != nil {
		revoked, err := ts.isTokenRevoked(ctx, tokenString)
		if err != nil {
			ts.logger.Warn("failed to check token revocation status", zap.Error(err))
			// Continue with validation even if Redis check fails
		} else if revoked {
			tokenOperations.WithLabelValues("validate", "revoked").Inc()
			return nil, ErrTokenRevoked
		}
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return ts.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			tokenOperations.WithLabelValues("validate", "expired").Inc()
			return nil, ErrTokenExpired
		}
		tokenOperations.WithLabelValues("validate", "invalid").Inc()
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		tokenOperations.WithLabelValues("validate", "invalid").Inc()
		return nil, ErrTokenInvalid
	}

	// Tokens issued before a user-wide revocation marker are dead even if
	// individually valid.
	if ts.redis != nil && claims.Subject != "" {
		cutoff, err := ts.userRevocationCutoff(ctx, claims.Subject)
		if err != nil {
			ts.logger.Warn("failed to check user revocation marker", zap.Error(err))
		} else if !cutoff.IsZero() && claims.IssuedAt != nil && !claims.IssuedAt.Time.After(cutoff) {
			tokenOperations.WithLabelValues("validate", "revoked").Inc()
			return nil, ErrTokenRevoked
		}
	}

	tokenOperations.WithLabelValues("validate", "success").Inc()
	return claims, nil
}

// Revoke adds a single token to the Redis blacklist for the remainder of its
// lifetime.
func (ts *TokenService) Revoke(ctx context.Context, tokenString string) error {
	if ts.redis == nil {
		return errors.New("redis client not configured")
	}

	// Parse without verification to read the expiry; an unparseable token
	// cannot be used anyway.
	parser := jwt.Parser{}
	claims := &Claims{}
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return nil
	}

	var ttl time.Duration
	if claims.ExpiresAt != nil {
		ttl = time.Until(claims.ExpiresAt.Time)
		if ttl <= 0 {
			// Already expired, nothing to blacklist
			return nil
		}
	} else {
		ttl = ts.config.TTL
	}

	key := ts.blacklistKey(tokenString)
	if err := ts.redis.Set(ctx, key, "1", ttl).Err(); err != nil {
		tokenOperations.WithLabelValues("revoke", "error").Inc()
		return fmt.Errorf("set token in blacklist: %w", err)
	}

	tokenOperations.WithLabelValues("revoke", "success").Inc()
	ts.logger.Debug("revoked token",
		zap.String("user_id", claims.Subject),
		zap.Duration("ttl", ttl),
	)

	return nil
}

// RevokeUser invalidates every token issued to userID up to now. The marker
// lives as long as the longest-lived outstanding token could.
func (ts *TokenService) RevokeUser(ctx context.Context, userID string) error {
	if ts.redis == nil {
		return errors.New("redis client not configured")
	}

	key := ts.userRevocationKey(userID)
	if err := ts.redis.Set(ctx, key, time.Now().Unix(), ts.config.TTL).Err(); err != nil {
		tokenOperations.WithLabelValues("revoke_user", "error").Inc()
		return fmt.Errorf("set user revocation marker: %w", err)
	}

	tokenOperations.WithLabelValues("revoke_user", "success").Inc()
	ts.logger.Debug("revoked all tokens for user", zap.String("user_id", userID))
	return nil
}

// isTokenRevoked checks the per-token blacklist
func (ts *TokenService) isTokenRevoked(ctx context.Context, tokenString string) (bool, error) {
	exists, err := ts.redis.Exists(ctx, ts.blacklistKey(tokenString)).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// userRevocationCutoff returns the user's revocation time, or the zero time
// when no marker is set.
func (ts *TokenService) userRevocationCutoff(ctx context.Context, userID string) (time.Time, error) {
	val, err := ts.redis.Get(ctx, ts.userRevocationKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(val, 0), nil
}

// blacklistKey returns the Redis key for a revoked token
func (ts *TokenService) blacklistKey(tokenString string) string {
	return fmt.Sprintf("auth:revoked:%s", tokenString)
}

// userRevocationKey returns the Redis key for a user revocation marker
func (ts *TokenService) userRevocationKey(userID string) string {
	return fmt.Sprintf("auth:user_revoked:%s", userID)
}
