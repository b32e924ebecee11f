package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// fakeSession replays canned directory responses.
type fakeSession struct {
	searchFn func(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	pagedFn  func(req *ldap.SearchRequest, size uint32) (*ldap.SearchResult, error)
}

func (f *fakeSession) Bind(username, password string) error { return nil }

func (f *fakeSession) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	if f.searchFn == nil {
		return &ldap.SearchResult{}, nil
	}
	return f.searchFn(req)
}

func (f *fakeSession) SearchWithPaging(req *ldap.SearchRequest, size uint32) (*ldap.SearchResult, error) {
	if f.pagedFn != nil {
		return f.pagedFn(req, size)
	}
	return f.Search(req)
}

type bindAttempt struct {
	dn       string
	password string
}

// fakeOpener hands out one fake session and records every bind identity it
// was asked for. Empty DNs are service-account binds.
type fakeOpener struct {
	mu       sync.Mutex
	binds    []bindAttempt
	bindErrs map[string]error
	openErr  error
	session  *fakeSession
}

func newFakeOpener(session *fakeSession) *fakeOpener {
	return &fakeOpener{session: session, bindErrs: map[string]error{}}
}

func (f *fakeOpener) WithSession(bindDN, password string, fn func(Session) error) error {
	f.mu.Lock()
	f.binds = append(f.binds, bindAttempt{dn: bindDN, password: password})
	f.mu.Unlock()

	if f.openErr != nil {
		return f.openErr
	}
	if err := f.bindErrs[bindDN]; err != nil {
		return err
	}
	return fn(f.session)
}

func (f *fakeOpener) bindCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.binds)
}

// entry builds a directory entry with single-valued attributes.
func entry(dn string, attrs map[string][]string) *ldap.Entry {
	e := &ldap.Entry{DN: dn}
	for name, values := range attrs {
		e.Attributes = append(e.Attributes, &ldap.EntryAttribute{Name: name, Values: values})
	}
	return e
}

// memStore is an in-memory ConfigStore, UserStore, and SyncRunStore with the
// same matching semantics as the PostgreSQL implementation.
type memStore struct {
	mu  sync.Mutex
	cfg *Config
	seq int

	users map[string]*User

	statusLog  []string
	lastSyncAt *time.Time
	lastError  string

	runs []*SyncRun

	getActiveErr error
	upsertErrFor map[string]error
	markStaleErr error
}

func newMemStore(cfg *Config) *memStore {
	return &memStore{
		cfg:          cfg,
		users:        make(map[string]*User),
		upsertErrFor: make(map[string]error),
	}
}

func (m *memStore) GetActive(ctx context.Context) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getActiveErr != nil {
		return nil, m.getActiveErr
	}
	if m.cfg == nil || !m.cfg.Enabled {
		return nil, ErrNotConfigured
	}
	out := *m.cfg
	return &out, nil
}

func (m *memStore) UpsertConfig(ctx context.Context, cfg *Config) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.ID == "" {
		m.seq++
		cfg.ID = fmt.Sprintf("cfg-%d", m.seq)
	}
	out := *cfg
	m.cfg = &out
	saved := out
	return &saved, nil
}

func (m *memStore) SetSyncStatus(ctx context.Context, id, status string, lastSyncAt *time.Time, syncErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusLog = append(m.statusLog, status)
	if lastSyncAt != nil {
		t := *lastSyncAt
		m.lastSyncAt = &t
	}
	m.lastError = syncErr
	if m.cfg != nil && m.cfg.ID == id {
		m.cfg.SyncStatus = status
		m.cfg.LastSyncAt = m.lastSyncAt
		m.cfg.LastSyncError = syncErr
	}
	return nil
}

func (m *memStore) findUser(configID string, p *Profile) *User {
	for _, u := range m.users {
		if u.ConfigID == configID && u.DN == p.DN {
			return u
		}
	}
	if p.Username != "" {
		for _, u := range m.users {
			if u.ConfigID == configID && u.Username == p.Username {
				return u
			}
		}
	}
	if p.Email != "" {
		for _, u := range m.users {
			if u.ConfigID == configID && u.Email == p.Email {
				return u
			}
		}
	}
	return nil
}

func (m *memStore) UpsertUser(ctx context.Context, configID string, p *Profile) (*User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.upsertErrFor[p.DN]; err != nil {
		return nil, false, err
	}

	now := time.Now()
	if u := m.findUser(configID, p); u != nil {
		u.DN = p.DN
		u.Username = p.Username
		u.Email = p.Email
		u.DisplayName = p.DisplayName
		u.FirstName = p.FirstName
		u.LastName = p.LastName
		u.Attributes = p.Attributes
		u.Active = true
		u.SyncStatus = RecordStatusSynced
		u.LastSyncAt = &now
		u.UpdatedAt = now
		out := *u
		return &out, false, nil
	}

	m.seq++
	u := &User{
		ID:          fmt.Sprintf("user-%d", m.seq),
		ConfigID:    configID,
		DN:          p.DN,
		Username:    p.Username,
		Email:       p.Email,
		DisplayName: p.DisplayName,
		FirstName:   p.FirstName,
		LastName:    p.LastName,
		Attributes:  p.Attributes,
		Active:      true,
		SyncStatus:  RecordStatusSynced,
		LastSyncAt:  &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.users[u.ID] = u
	out := *u
	return &out, true, nil
}

func (m *memStore) MarkStale(ctx context.Context, configID string, observed []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markStaleErr != nil {
		return 0, m.markStaleErr
	}
	seen := make(map[string]bool, len(observed))
	for _, dn := range observed {
		seen[dn] = true
	}
	var marked int64
	for _, u := range m.users {
		if u.ConfigID == configID && u.Active && !seen[u.DN] {
			u.Active = false
			u.SyncStatus = RecordStatusStale
			marked++
		}
	}
	return marked, nil
}

func (m *memStore) PurgeStale(ctx context.Context, configID string, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for id, u := range m.users {
		if u.ConfigID == configID && u.SyncStatus == RecordStatusStale && !u.Active &&
			u.LastSyncAt != nil && u.LastSyncAt.Before(cutoff) {
			delete(m.users, id)
			purged++
		}
	}
	return purged, nil
}

func (m *memStore) List(ctx context.Context, configID string, activeOnly bool) ([]*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*User
	for _, u := range m.users {
		if u.ConfigID != configID {
			continue
		}
		if activeOnly && !u.Active {
			continue
		}
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) SetActive(ctx context.Context, userID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.Active = active
	return nil
}

func (m *memStore) TouchLogin(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		now := time.Now()
		u.LastLoginAt = &now
	}
	return nil
}

func (m *memStore) LinkAccount(ctx context.Context, userID, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.AccountID = accountID
	}
	return nil
}

func (m *memStore) Stats(ctx context.Context, configID string) (*UserStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := &UserStats{}
	for _, u := range m.users {
		if u.ConfigID != configID {
			continue
		}
		st.Total++
		if u.Active {
			st.Active++
		} else {
			st.Inactive++
		}
		if u.SyncStatus == RecordStatusStale {
			st.Stale++
		}
	}
	return st, nil
}

func (m *memStore) BeginRun(ctx context.Context, configID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := &SyncRun{
		ID:        fmt.Sprintf("run-%d", len(m.runs)+1),
		ConfigID:  configID,
		Status:    SyncStatusRunning,
		StartedAt: time.Now(),
	}
	m.runs = append(m.runs, run)
	return run.ID, nil
}

func (m *memStore) FinishRun(ctx context.Context, runID, status string, stats *SyncStats, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, run := range m.runs {
		if run.ID == runID {
			now := time.Now()
			run.Status = status
			if stats != nil {
				run.Stats = *stats
			}
			run.Error = errMsg
			run.FinishedAt = &now
		}
	}
	return nil
}

func (m *memStore) RecentRuns(ctx context.Context, configID string, limit int) ([]*SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*SyncRun
	for i := len(m.runs) - 1; i >= 0 && len(out) < limit; i-- {
		if m.runs[i].ConfigID == configID {
			cp := *m.runs[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) activeDNs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, u := range m.users {
		if u.Active {
			out = append(out, u.DN)
		}
	}
	return out
}

func (m *memStore) userByDN(dn string) *User {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.DN == dn {
			cp := *u
			return &cp
		}
	}
	return nil
}

// fakeProvisioner records provisioning calls.
type fakeProvisioner struct {
	mu     sync.Mutex
	calls  []string
	failLn map[string]error
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{failLn: map[string]error{}}
}

func (f *fakeProvisioner) Provision(ctx context.Context, u *User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, u.DN)
	if err := f.failLn[u.DN]; err != nil {
		return err
	}
	u.AccountID = "acct-" + u.Username
	return nil
}
