package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/dirgate/dirgate/internal/common/database"
)

// Store is the PostgreSQL implementation of ConfigStore, UserStore, and
// SyncRunStore.
type Store struct {
	db     *database.PostgresDB
	logger *zap.Logger
}

// NewStore creates a directory store backed by PostgreSQL.
func NewStore(db *database.PostgresDB, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "directory-store")),
	}
}

const configColumns = `id, name, host, port, use_tls, start_tls, skip_tls_verify,
	bind_dn, bind_password, base_dn, user_filter, user_dn_template, page_size,
	attribute_mapping, enabled, auto_provision, sync_enabled, sync_interval,
	sync_status, last_sync_at, last_sync_error, created_at, updated_at`

func scanConfig(row pgx.Row) (*Config, error) {
	var c Config
	var mapping []byte
	err := row.Scan(&c.ID, &c.Name, &c.Host, &c.Port, &c.UseTLS, &c.StartTLS, &c.SkipTLSVerify,
		&c.BindDN, &c.BindPassword, &c.BaseDN, &c.UserFilter, &c.UserDNTemplate, &c.PageSize,
		&mapping, &c.Enabled, &c.AutoProvision, &c.SyncEnabled, &c.SyncInterval,
		&c.SyncStatus, &c.LastSyncAt, &c.LastSyncError, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(mapping) > 0 {
		if err := json.Unmarshal(mapping, &c.Mapping); err != nil {
			return nil, fmt.Errorf("failed to decode attribute mapping: %w", err)
		}
	}
	return &c, nil
}

// GetActive returns the enabled configuration, newest first if several are
// enabled out-of-band.
func (s *Store) GetActive(ctx context.Context) (*Config, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	row := s.db.Pool.QueryRow(ctx,
		`SELECT `+configColumns+` FROM directory_configs WHERE enabled = true ORDER BY updated_at DESC LIMIT 1`)
	cfg, err := scanConfig(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotConfigured
		}
		return nil, fmt.Errorf("failed to load active directory config: %w", err)
	}
	return cfg, nil
}

// UpsertConfig inserts or updates a configuration. Enabling one configuration
// disables all others inside the same transaction, so at most one stays
// active.
func (s *Store) UpsertConfig(ctx context.Context, cfg *Config) (*Config, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	mapping, err := json.Marshal(cfg.Mapping)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attribute mapping: %w", err)
	}

	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var row pgx.Row
	if cfg.ID == "" {
		row = tx.QueryRow(ctx,
			`INSERT INTO directory_configs
			   (id, name, host, port, use_tls, start_tls, skip_tls_verify,
			    bind_dn, bind_password, base_dn, user_filter, user_dn_template, page_size,
			    attribute_mapping, enabled, auto_provision, sync_enabled, sync_interval,
			    sync_status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, NOW(), NOW())
			 RETURNING `+configColumns,
			uuid.NewString(), cfg.Name, cfg.Host, cfg.Port, cfg.UseTLS, cfg.StartTLS, cfg.SkipTLSVerify,
			cfg.BindDN, cfg.BindPassword, cfg.BaseDN, cfg.UserFilter, cfg.UserDNTemplate, cfg.PageSize,
			mapping, cfg.Enabled, cfg.AutoProvision, cfg.SyncEnabled, cfg.SyncInterval,
			SyncStatusIdle)
	} else {
		// A blank bind password on update keeps the stored secret, so
		// clients can round-trip a redacted config.
		row = tx.QueryRow(ctx,
			`UPDATE directory_configs SET
			   name = $2, host = $3, port = $4, use_tls = $5, start_tls = $6, skip_tls_verify = $7,
			   bind_dn = $8,
			   bind_password = CASE WHEN $9::text = '' THEN bind_password ELSE $9 END,
			   base_dn = $10, user_filter = $11, user_dn_template = $12,
			   page_size = $13, attribute_mapping = $14, enabled = $15, auto_provision = $16,
			   sync_enabled = $17, sync_interval = $18, updated_at = NOW()
			 WHERE id = $1
			 RETURNING `+configColumns,
			cfg.ID, cfg.Name, cfg.Host, cfg.Port, cfg.UseTLS, cfg.StartTLS, cfg.SkipTLSVerify,
			cfg.BindDN, cfg.BindPassword, cfg.BaseDN, cfg.UserFilter, cfg.UserDNTemplate,
			cfg.PageSize, mapping, cfg.Enabled, cfg.AutoProvision,
			cfg.SyncEnabled, cfg.SyncInterval)
	}

	saved, err := scanConfig(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("directory config %s not found", cfg.ID)
		}
		return nil, fmt.Errorf("failed to save directory config: %w", err)
	}

	if saved.Enabled {
		if _, err := tx.Exec(ctx,
			`UPDATE directory_configs SET enabled = false, updated_at = NOW() WHERE id <> $1 AND enabled = true`,
			saved.ID); err != nil {
			return nil, fmt.Errorf("failed to disable other directory configs: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit directory config: %w", err)
	}
	return saved, nil
}

// SetSyncStatus is the single write path for sync lifecycle fields. A nil
// lastSyncAt leaves the stored timestamp untouched.
func (s *Store) SetSyncStatus(ctx context.Context, id, status string, lastSyncAt *time.Time, syncErr string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.Pool.Exec(ctx,
		`UPDATE directory_configs SET
		   sync_status = $2,
		   last_sync_at = COALESCE($3, last_sync_at),
		   last_sync_error = $4,
		   updated_at = NOW()
		 WHERE id = $1`,
		id, status, lastSyncAt, syncErr)
	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	return nil
}

const userColumns = `id, config_id, account_id, dn, username, email, display_name,
	first_name, last_name, attributes, active, sync_status, last_sync_at,
	last_login_at, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var accountID *string
	var attrs []byte
	err := row.Scan(&u.ID, &u.ConfigID, &accountID, &u.DN, &u.Username, &u.Email, &u.DisplayName,
		&u.FirstName, &u.LastName, &attrs, &u.Active, &u.SyncStatus, &u.LastSyncAt,
		&u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if accountID != nil {
		u.AccountID = *accountID
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &u.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode user attributes: %w", err)
		}
	}
	return &u, nil
}

// findExisting resolves the row an observed profile belongs to, in DN,
// username, email order. First match wins.
func (s *Store) findExisting(ctx context.Context, configID string, p *Profile) (string, error) {
	var id string
	err := s.db.Pool.QueryRow(ctx,
		`SELECT id FROM directory_users WHERE config_id = $1 AND dn = $2`,
		configID, p.DN).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}

	if p.Username != "" {
		err = s.db.Pool.QueryRow(ctx,
			`SELECT id FROM directory_users WHERE config_id = $1 AND username = $2`,
			configID, p.Username).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", err
		}
	}

	if p.Email != "" {
		err = s.db.Pool.QueryRow(ctx,
			`SELECT id FROM directory_users WHERE config_id = $1 AND email = $2`,
			configID, p.Email).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", err
		}
	}

	return "", nil
}

// UpsertUser writes one observed profile into the mirror. A matched row is
// refreshed in place, including its DN, so a renamed entry does not get
// staled in the very pass that re-observed it.
func (s *Store) UpsertUser(ctx context.Context, configID string, p *Profile) (*User, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	attrs, err := json.Marshal(p.Attributes)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode user attributes: %w", err)
	}

	existingID, err := s.findExisting(ctx, configID, p)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up directory user: %w", err)
	}

	var row pgx.Row
	created := existingID == ""
	if created {
		row = s.db.Pool.QueryRow(ctx,
			`INSERT INTO directory_users
			   (id, config_id, dn, username, email, display_name, first_name, last_name,
			    attributes, active, sync_status, last_sync_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, true, $10, NOW(), NOW(), NOW())
			 RETURNING `+userColumns,
			uuid.NewString(), configID, p.DN, p.Username, p.Email, p.DisplayName,
			p.FirstName, p.LastName, attrs, RecordStatusSynced)
	} else {
		row = s.db.Pool.QueryRow(ctx,
			`UPDATE directory_users SET
			   dn = $2, username = $3, email = $4, display_name = $5, first_name = $6,
			   last_name = $7, attributes = $8, active = true, sync_status = $9,
			   last_sync_at = NOW(), updated_at = NOW()
			 WHERE id = $1
			 RETURNING `+userColumns,
			existingID, p.DN, p.Username, p.Email, p.DisplayName,
			p.FirstName, p.LastName, attrs, RecordStatusSynced)
	}

	u, err := scanUser(row)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert directory user: %w", err)
	}
	return u, created, nil
}

// MarkStale deactivates every active user of the configuration whose DN was
// not observed. With an empty observed set every active user goes stale,
// which is the correct outcome for a directory that really emptied out.
func (s *Store) MarkStale(ctx context.Context, configID string, observed []string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if observed == nil {
		observed = []string{}
	}
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE directory_users SET
		   active = false, sync_status = $3, updated_at = NOW()
		 WHERE config_id = $1 AND active = true AND NOT (dn = ANY($2))`,
		configID, observed, RecordStatusStale)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale users: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeStale deletes stale, inactive users whose last observation predates
// the cutoff.
func (s *Store) PurgeStale(ctx context.Context, configID string, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tag, err := s.db.Pool.Exec(ctx,
		`DELETE FROM directory_users
		 WHERE config_id = $1 AND sync_status = $2 AND active = false AND last_sync_at < $3`,
		configID, RecordStatusStale, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge stale users: %w", err)
	}
	return tag.RowsAffected(), nil
}

// List returns mirrored users for the configuration.
func (s *Store) List(ctx context.Context, configID string, activeOnly bool) ([]*User, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	query := `SELECT ` + userColumns + ` FROM directory_users WHERE config_id = $1`
	if activeOnly {
		query += ` AND active = true`
	}
	query += ` ORDER BY username, dn`

	rows, err := s.db.Pool.Query(ctx, query, configID)
	if err != nil {
		return nil, fmt.Errorf("failed to list directory users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan directory user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SetActive flips a user's active flag.
func (s *Store) SetActive(ctx context.Context, userID string, active bool) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE directory_users SET active = $2, updated_at = NOW() WHERE id = $1`,
		userID, active)
	if err != nil {
		return fmt.Errorf("failed to update user status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return nil
}

// TouchLogin stamps the user's last successful login.
func (s *Store) TouchLogin(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.Pool.Exec(ctx,
		`UPDATE directory_users SET last_login_at = NOW(), updated_at = NOW() WHERE id = $1`,
		userID)
	if err != nil {
		return fmt.Errorf("failed to record login time: %w", err)
	}
	return nil
}

// LinkAccount attaches a local account to a mirrored user.
func (s *Store) LinkAccount(ctx context.Context, userID, accountID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.Pool.Exec(ctx,
		`UPDATE directory_users SET account_id = $2, updated_at = NOW() WHERE id = $1`,
		userID, accountID)
	if err != nil {
		return fmt.Errorf("failed to link account: %w", err)
	}
	return nil
}

// Stats summarizes the mirror population.
func (s *Store) Stats(ctx context.Context, configID string) (*UserStats, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var st UserStats
	err := s.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE active),
		        COUNT(*) FILTER (WHERE NOT active),
		        COUNT(*) FILTER (WHERE sync_status = $2)
		 FROM directory_users WHERE config_id = $1`,
		configID, RecordStatusStale).Scan(&st.Total, &st.Active, &st.Inactive, &st.Stale)
	if err != nil {
		return nil, fmt.Errorf("failed to compute user stats: %w", err)
	}
	return &st, nil
}

// BeginRun opens a sync run record.
func (s *Store) BeginRun(ctx context.Context, configID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	id := uuid.NewString()
	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO directory_sync_runs (id, config_id, status, started_at)
		 VALUES ($1, $2, $3, NOW())`,
		id, configID, SyncStatusRunning)
	if err != nil {
		return "", fmt.Errorf("failed to record sync run: %w", err)
	}
	return id, nil
}

// FinishRun closes a sync run record with its terminal status and counters.
func (s *Store) FinishRun(ctx context.Context, runID, status string, stats *SyncStats, errMsg string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if stats == nil {
		stats = &SyncStats{}
	}
	_, err := s.db.Pool.Exec(ctx,
		`UPDATE directory_sync_runs SET
		   status = $2, found = $3, created = $4, updated = $5, deactivated = $6,
		   errors = $7, error = $8, finished_at = NOW()
		 WHERE id = $1`,
		runID, status, stats.Found, stats.Created, stats.Updated, stats.Deactivated,
		stats.Errors, errMsg)
	if err != nil {
		return fmt.Errorf("failed to finish sync run: %w", err)
	}
	return nil
}

// RecentRuns returns the latest sync runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, configID string, limit int) ([]*SyncRun, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, config_id, status, found, created, updated, deactivated, errors, error, started_at, finished_at
		 FROM directory_sync_runs
		 WHERE config_id = $1
		 ORDER BY started_at DESC
		 LIMIT $2`,
		configID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*SyncRun
	for rows.Next() {
		var r SyncRun
		if err := rows.Scan(&r.ID, &r.ConfigID, &r.Status, &r.Stats.Found, &r.Stats.Created,
			&r.Stats.Updated, &r.Stats.Deactivated, &r.Stats.Errors, &r.Error,
			&r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}
