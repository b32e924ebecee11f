package directory

import (
	"time"
)

// Sync status values recorded on a configuration.
const (
	SyncStatusIdle      = "idle"
	SyncStatusRunning   = "running"
	SyncStatusCompleted = "completed"
	SyncStatusError     = "error"
)

// Sync status values recorded on a mirrored user.
const (
	RecordStatusSynced = "synced"
	RecordStatusStale  = "stale"
)

// MinSyncInterval is the hard floor for configured sync intervals. Updates
// below the floor are rejected, and the scheduler clamps whatever is stored
// when it evaluates due times.
const MinSyncInterval = 30 * time.Second

// DefaultPageSize bounds result pages when enumerating the directory.
const DefaultPageSize = 500

// AttributeMapping maps the logical profile fields to directory attribute
// names. Empty fields fall back to the standard attributes. The nickname key
// feeds the display name.
type AttributeMapping struct {
	Username    string `json:"username,omitempty"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"nickname,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
}

// DefaultAttributeMapping returns the mapping used when a configuration
// leaves fields blank: uid, mail, displayName, givenName, sn.
func DefaultAttributeMapping() AttributeMapping {
	return AttributeMapping{
		Username:    "uid",
		Email:       "mail",
		DisplayName: "displayName",
		FirstName:   "givenName",
		LastName:    "sn",
	}
}

// withDefaults fills blank fields from the default mapping.
func (m AttributeMapping) withDefaults() AttributeMapping {
	def := DefaultAttributeMapping()
	if m.Username == "" {
		m.Username = def.Username
	}
	if m.Email == "" {
		m.Email = def.Email
	}
	if m.DisplayName == "" {
		m.DisplayName = def.DisplayName
	}
	if m.FirstName == "" {
		m.FirstName = def.FirstName
	}
	if m.LastName == "" {
		m.LastName = def.LastName
	}
	return m
}

// attributeList returns the directory attributes requested when projecting a
// user entry: every mapped attribute plus cn.
func (m AttributeMapping) attributeList() []string {
	m = m.withDefaults()
	return []string{m.Username, m.Email, m.DisplayName, m.FirstName, m.LastName, "cn"}
}

// Config describes one directory integration. At most one configuration is
// active at a time; authentication and sync both read the active one.
type Config struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Host           string           `json:"host"`
	Port           int              `json:"port"`
	UseTLS         bool             `json:"use_tls"`
	StartTLS       bool             `json:"start_tls"`
	SkipTLSVerify  bool             `json:"skip_tls_verify"`
	BindDN         string           `json:"bind_dn"`
	BindPassword   string           `json:"bind_password,omitempty"`
	BaseDN         string           `json:"base_dn"`
	UserFilter     string           `json:"user_filter"`
	UserDNTemplate string           `json:"user_dn_template,omitempty"`
	PageSize       int              `json:"page_size"`
	Mapping        AttributeMapping `json:"attribute_mapping"`
	Enabled        bool             `json:"enabled"`
	AutoProvision  bool             `json:"auto_provision"`
	SyncEnabled    bool             `json:"sync_enabled"`
	SyncInterval   int              `json:"sync_interval"`
	SyncStatus     string           `json:"sync_status"`
	LastSyncAt     *time.Time       `json:"last_sync_at,omitempty"`
	LastSyncError  string           `json:"last_sync_error,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Redacted returns a copy safe to serve to clients: the service-account
// secret is never echoed back.
func (c *Config) Redacted() *Config {
	out := *c
	out.BindPassword = ""
	return &out
}

// Address returns the host:port pair the connection manager dials.
func (c *Config) Address() string {
	return joinHostPort(c.Host, c.Port)
}

// EffectivePageSize returns the configured page size or the default.
func (c *Config) EffectivePageSize() uint32 {
	if c.PageSize > 0 {
		return uint32(c.PageSize)
	}
	return DefaultPageSize
}

// Profile is the normalized projection of one directory entry. The same
// projection backs both the login result and the sync upsert, so the two
// paths cannot drift apart.
type Profile struct {
	DN          string            `json:"dn"`
	Username    string            `json:"username"`
	Email       string            `json:"email"`
	DisplayName string            `json:"display_name"`
	FirstName   string            `json:"first_name"`
	LastName    string            `json:"last_name"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// User is a mirrored directory user as persisted locally.
type User struct {
	ID          string            `json:"id"`
	ConfigID    string            `json:"config_id"`
	AccountID   string            `json:"account_id,omitempty"`
	DN          string            `json:"dn"`
	Username    string            `json:"username"`
	Email       string            `json:"email"`
	DisplayName string            `json:"display_name"`
	FirstName   string            `json:"first_name"`
	LastName    string            `json:"last_name"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Active      bool              `json:"active"`
	SyncStatus  string            `json:"sync_status"`
	LastSyncAt  *time.Time        `json:"last_sync_at,omitempty"`
	LastLoginAt *time.Time        `json:"last_login_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// SyncStats counts the outcome of one reconciliation pass. A pass that fails
// midway still reports whatever it managed before the failure.
type SyncStats struct {
	Found       int `json:"found"`
	Created     int `json:"created"`
	Updated     int `json:"updated"`
	Deactivated int `json:"deactivated"`
	Errors      int `json:"errors"`
}

// SyncRun is one recorded reconciliation pass.
type SyncRun struct {
	ID         string     `json:"id"`
	ConfigID   string     `json:"config_id"`
	Status     string     `json:"status"`
	Stats      SyncStats  `json:"stats"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// UserStats summarizes the mirrored user population.
type UserStats struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Inactive int `json:"inactive"`
	Stale    int `json:"stale"`
}

// Status is the operational snapshot served by the admin API.
type Status struct {
	Configured   bool       `json:"configured"`
	Enabled      bool       `json:"enabled"`
	SyncEnabled  bool       `json:"sync_enabled"`
	SyncInterval int        `json:"sync_interval,omitempty"`
	SyncStatus   string     `json:"sync_status,omitempty"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	Users        *UserStats `json:"users,omitempty"`
	RecentRuns   []*SyncRun `json:"recent_runs,omitempty"`
}
