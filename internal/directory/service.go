package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dirgate/dirgate/internal/common/database"
	"github.com/dirgate/dirgate/internal/common/resilience"
)

const (
	// DefaultStaleRetention is how long a stale user survives before
	// purge removes it.
	DefaultStaleRetention = 30 * 24 * time.Hour

	defaultPlainPort = 389
	defaultTLSPort   = 636
)

// Options tunes the directory service. Zero values fall back to defaults.
type Options struct {
	// Timeout bounds each directory network operation.
	Timeout time.Duration
	// Tick is the scheduler evaluation period.
	Tick time.Duration
	// Backoff is the scheduler pause after a failed tick.
	Backoff time.Duration
	// StaleRetention is how long stale users are kept before purge.
	StaleRetention time.Duration
}

// Service is the directory integration facade: authentication, mirror
// synchronization, scheduling, and the config/user management consumed by
// the HTTP layer.
type Service struct {
	store       *Store
	provisioner *Provisioner
	auth        *Authenticator
	engine      *SyncEngine
	scheduler   *Scheduler
	breaker     *resilience.CircuitBreaker
	logger      *zap.Logger

	timeout   time.Duration
	retention time.Duration
	cancelFn  context.CancelFunc
}

// NewService wires the directory components on top of db.
func NewService(db *database.PostgresDB, logger *zap.Logger, opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.StaleRetention <= 0 {
		opts.StaleRetention = DefaultStaleRetention
	}

	log := logger.With(zap.String("service", "directory"))
	store := NewStore(db, logger)
	provisioner := NewProvisioner(db, store, logger)
	auth := NewAuthenticator(store, opts.Timeout, logger)
	engine := NewSyncEngine(store, store, store, provisioner, opts.Timeout, logger)
	scheduler := NewScheduler(engine, store, opts.Tick, opts.Backoff, logger)

	// One breaker shared by authentication and sync, so either path's dial
	// failures open the circuit for both. Connection tests bypass it: an
	// admin probing the directory wants the real answer.
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "directory",
		Threshold:    5,
		ResetTimeout: 30 * time.Second,
		Logger:       log,
	})
	auth.openerFor = func(cfg *Config) SessionOpener {
		return NewConnManager(cfg, opts.Timeout, logger).WithBreaker(breaker)
	}
	engine.openerFor = func(cfg *Config) SessionOpener {
		return NewConnManager(cfg, opts.Timeout, logger).WithBreaker(breaker)
	}

	return &Service{
		store:       store,
		provisioner: provisioner,
		auth:        auth,
		engine:      engine,
		scheduler:   scheduler,
		breaker:     breaker,
		logger:      log,
		timeout:     opts.Timeout,
		retention:   opts.StaleRetention,
	}
}

// Start launches the background sync scheduler.
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancelFn = cancel
	s.scheduler.Start(ctx)
	s.logger.Info("Directory service started")
	return nil
}

// Stop halts the scheduler. A sync pass in flight finishes on its own.
func (s *Service) Stop() {
	if s.cancelFn != nil {
		s.cancelFn()
	}
	s.scheduler.Stop()
	s.logger.Info("Directory service stopped")
}

// Authenticate verifies credentials against the directory and returns the
// user's profile.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*Profile, error) {
	return s.auth.Authenticate(ctx, username, password)
}

// CompleteLogin folds a successful authentication into the mirror: the
// profile is upserted, the login time stamped, and a local account
// provisioned when the configuration asks for one.
func (s *Service) CompleteLogin(ctx context.Context, profile *Profile) (*User, error) {
	cfg, err := s.store.GetActive(ctx)
	if err != nil {
		return nil, err
	}

	user, created, err := s.store.UpsertUser(ctx, cfg.ID, profile)
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info("Directory user first seen at login",
			zap.String("dn", user.DN),
			zap.String("username", user.Username))
	}

	if cfg.AutoProvision && user.AccountID == "" {
		if err := s.provisioner.Provision(ctx, user); err != nil {
			// Login still succeeds; the next sync pass retries.
			s.logger.Warn("Account provisioning at login failed",
				zap.String("dn", user.DN),
				zap.Error(err))
		}
	}

	if err := s.store.TouchLogin(ctx, user.ID); err != nil {
		s.logger.Warn("Failed to record login time",
			zap.String("user_id", user.ID),
			zap.Error(err))
	}
	return user, nil
}

// GetActiveConfig returns the active configuration including its secret.
// Handlers redact before serving it.
func (s *Service) GetActiveConfig(ctx context.Context) (*Config, error) {
	return s.store.GetActive(ctx)
}

// SaveConfig validates and persists a configuration.
func (s *Service) SaveConfig(ctx context.Context, cfg *Config) (*Config, error) {
	if err := normalizeConfig(cfg); err != nil {
		return nil, err
	}
	if strings.Contains(cfg.UserFilter, placeholderLegacy) {
		s.logger.Warn("User filter uses the deprecated {} placeholder, use {username}",
			zap.String("user_filter", cfg.UserFilter))
	}
	saved, err := s.store.UpsertConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	// The endpoint may have changed; accumulated dial failures no longer
	// mean anything.
	s.breaker.Reset()
	s.logger.Info("Directory configuration saved",
		zap.String("config_id", saved.ID),
		zap.String("host", saved.Host),
		zap.Bool("enabled", saved.Enabled),
		zap.Bool("sync_enabled", saved.SyncEnabled))
	return saved, nil
}

// normalizeConfig applies defaults and rejects invalid fields.
func normalizeConfig(cfg *Config) error {
	if cfg.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	if cfg.BaseDN == "" {
		return fmt.Errorf("%w: base_dn is required", ErrInvalidConfig)
	}
	if cfg.Port == 0 {
		if cfg.UseTLS {
			cfg.Port = defaultTLSPort
		} else {
			cfg.Port = defaultPlainPort
		}
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("%w: port %d is out of range", ErrInvalidConfig, cfg.Port)
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = int(MinSyncInterval / time.Second)
	}
	if time.Duration(cfg.SyncInterval)*time.Second < MinSyncInterval {
		return ErrIntervalBelowFloor
	}
	if cfg.PageSize < 0 {
		return fmt.Errorf("%w: page_size cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// TestConnection exercises the full service path for cfg, or for the active
// configuration when cfg is nil. A nil cfg with a blank stored password is
// the redacted-config case; the stored secret is already present there.
func (s *Service) TestConnection(ctx context.Context, cfg *Config) error {
	if cfg == nil {
		active, err := s.store.GetActive(ctx)
		if err != nil {
			return err
		}
		cfg = active
	} else if cfg.BindPassword == "" {
		// Testing a submitted config with a redacted secret: borrow the
		// stored one so admins can test without retyping it.
		if active, err := s.store.GetActive(ctx); err == nil && active.BindDN == cfg.BindDN {
			cfg.BindPassword = active.BindPassword
		}
	}
	if err := normalizeConfig(cfg); err != nil {
		return err
	}
	return NewConnManager(cfg, s.timeout, s.logger).TestConnection()
}

// ForceSync runs a reconciliation pass immediately and returns its stats.
func (s *Service) ForceSync(ctx context.Context) (*SyncStats, error) {
	return s.scheduler.ForceSync(ctx)
}

// PurgeStale deletes users that have been stale longer than the retention
// window. A zero retention uses the service default.
func (s *Service) PurgeStale(ctx context.Context, retention time.Duration) (int64, error) {
	cfg, err := s.store.GetActive(ctx)
	if err != nil {
		return 0, err
	}
	if retention <= 0 {
		retention = s.retention
	}
	cutoff := time.Now().Add(-retention)
	purged, err := s.store.PurgeStale(ctx, cfg.ID, cutoff)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		s.logger.Info("Purged stale directory users",
			zap.Int64("purged", purged),
			zap.Time("cutoff", cutoff))
	}
	return purged, nil
}

// ListUsers returns mirrored users for the active configuration.
func (s *Service) ListUsers(ctx context.Context, activeOnly bool) ([]*User, error) {
	cfg, err := s.store.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.List(ctx, cfg.ID, activeOnly)
}

// SetUserActive flips a mirrored user's active flag. The next sync pass may
// override it: the directory stays authoritative.
func (s *Service) SetUserActive(ctx context.Context, userID string, active bool) error {
	return s.store.SetActive(ctx, userID, active)
}

// Status reports the operational snapshot for the admin API.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	cfg, err := s.store.GetActive(ctx)
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			return &Status{Configured: false}, nil
		}
		return nil, err
	}

	st := &Status{
		Configured:   true,
		Enabled:      cfg.Enabled,
		SyncEnabled:  cfg.SyncEnabled,
		SyncInterval: cfg.SyncInterval,
		SyncStatus:   cfg.SyncStatus,
		LastSyncAt:   cfg.LastSyncAt,
		LastError:    cfg.LastSyncError,
	}

	if users, err := s.store.Stats(ctx, cfg.ID); err == nil {
		st.Users = users
	} else {
		s.logger.Warn("Failed to compute user stats", zap.Error(err))
	}
	if runs, err := s.store.RecentRuns(ctx, cfg.ID, 5); err == nil {
		st.RecentRuns = runs
	} else {
		s.logger.Warn("Failed to load recent sync runs", zap.Error(err))
	}
	return st, nil
}
