package directory

import (
	"context"
	"time"
)

// ConfigStore persists directory configurations.
type ConfigStore interface {
	// GetActive returns the single enabled configuration, or
	// ErrNotConfigured when none exists.
	GetActive(ctx context.Context) (*Config, error)

	// UpsertConfig inserts or updates a configuration and returns the
	// stored row. It is the only write path for configurations.
	UpsertConfig(ctx context.Context, cfg *Config) (*Config, error)

	// SetSyncStatus records the lifecycle of a reconciliation pass on the
	// configuration row. lastSyncAt is only written when non-nil.
	SetSyncStatus(ctx context.Context, id, status string, lastSyncAt *time.Time, syncErr string) error
}

// UserStore persists the local mirror of directory users.
type UserStore interface {
	// UpsertUser writes one observed profile into the mirror. Matching
	// runs in DN, username, email order; the first hit is updated in
	// place and a miss inserts. The bool reports whether a new row was
	// created.
	UpsertUser(ctx context.Context, configID string, p *Profile) (*User, bool, error)

	// MarkStale flips every active user whose DN is absent from observed
	// to inactive and stale, returning how many rows changed. Rows are
	// kept, not deleted; PurgeStale removes them later.
	MarkStale(ctx context.Context, configID string, observed []string) (int64, error)

	// PurgeStale deletes stale, inactive users last seen before cutoff.
	PurgeStale(ctx context.Context, configID string, cutoff time.Time) (int64, error)

	// List returns mirrored users, optionally only active ones.
	List(ctx context.Context, configID string, activeOnly bool) ([]*User, error)

	// SetActive flips a user's active flag by row ID.
	SetActive(ctx context.Context, userID string, active bool) error

	// TouchLogin stamps last_login_at for a user.
	TouchLogin(ctx context.Context, userID string) error

	// LinkAccount attaches a provisioned account to a mirrored user.
	LinkAccount(ctx context.Context, userID, accountID string) error

	// Stats summarizes the mirror population for one configuration.
	Stats(ctx context.Context, configID string) (*UserStats, error)
}

// SyncRunStore records reconciliation history.
type SyncRunStore interface {
	// BeginRun opens a run row in the running state and returns its ID.
	BeginRun(ctx context.Context, configID string) (string, error)

	// FinishRun closes a run with its terminal status and counters.
	FinishRun(ctx context.Context, runID, status string, stats *SyncStats, errMsg string) error

	// RecentRuns returns the latest runs, newest first.
	RecentRuns(ctx context.Context, configID string, limit int) ([]*SyncRun, error)
}

// AccountProvisioner creates or links a local account for a mirrored user.
// Implementations must be idempotent: re-provisioning an already linked user
// is a no-op.
type AccountProvisioner interface {
	Provision(ctx context.Context, u *User) error
}
