package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dirgate/dirgate/pkg/storage"
)

// ErrMissingSecret is returned when events are recorded without a signing
// secret configured.
var ErrMissingSecret = errors.New("audit secret is required")

// Trail records audit events, linking each one to its predecessor and
// mirroring it to the structured log. The store is optional; without it
// events are log-only and carry no durable tamper evidence.
type Trail struct {
	store  storage.AppendOnlyStore
	secret []byte
	logger *zap.Logger

	mu       sync.Mutex
	lastHash string
}

// NewTrail creates a Trail writing to the given store. The chain tail is
// recovered from the store so restarts extend the existing chain.
func NewTrail(store storage.AppendOnlyStore, secret string, logger *zap.Logger) (*Trail, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Trail{
		store:  store,
		secret: []byte(secret),
		logger: logger.With(zap.String("log_type", "audit")),
	}

	if store != nil {
		last, err := store.LastEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to read audit chain tail: %w", err)
		}
		if last != nil {
			var tail Event
			if err := json.Unmarshal(last, &tail); err != nil {
				return nil, fmt.Errorf("failed to parse audit chain tail: %w", err)
			}
			t.lastHash = tail.Hash
		}
	}

	return t, nil
}

// Record links the event to the chain, persists it, and mirrors it to the
// log. Persistence failures are logged and returned; the chain tail only
// advances after a successful append. A nil Trail discards events.
func (t *Trail) Record(event *Event) error {
	if t == nil || event == nil {
		return nil
	}
	if len(t.secret) == 0 {
		return ErrMissingSecret
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	event.PreviousHash = t.lastHash

	hash, err := event.ComputeHash(t.secret)
	if err != nil {
		t.logger.Error("Audit hash computation failed", zap.Error(err))
		return err
	}
	event.Hash = hash

	if t.store != nil {
		entry, err := json.Marshal(event)
		if err != nil {
			t.logger.Error("Audit event marshaling failed", zap.Error(err))
			return err
		}
		if err := t.store.Append(entry); err != nil {
			t.logger.Error("Audit append failed", zap.Error(err))
			return err
		}
	}

	t.lastHash = event.Hash
	t.mirror(event)
	return nil
}

// mirror emits the event to the structured log at a level matching its
// outcome.
func (t *Trail) mirror(event *Event) {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("action", event.Action),
		zap.String("actor", event.Actor),
		zap.String("outcome", string(event.Outcome)),
		zap.Time("timestamp", event.Timestamp),
	}
	if event.Resource != "" {
		fields = append(fields, zap.String("resource", event.Resource))
	}
	if event.ResourceID != "" {
		fields = append(fields, zap.String("resource_id", event.ResourceID))
	}
	if event.Reason != "" {
		fields = append(fields, zap.String("reason", event.Reason))
	}
	if event.IP != "" {
		fields = append(fields, zap.String("ip", event.IP))
	}
	if event.UserAgent != "" {
		fields = append(fields, zap.String("user_agent", event.UserAgent))
	}
	if len(event.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", event.Metadata))
	}

	switch event.Outcome {
	case OutcomeFailure:
		t.logger.Error("Audit event", fields...)
	case OutcomeDenied:
		t.logger.Warn("Audit event", fields...)
	default:
		t.logger.Info("Audit event", fields...)
	}
}

// Verify replays the stored chain and checks every event's hash and its
// link to the predecessor.
func (t *Trail) Verify() error {
	if t == nil || t.store == nil {
		return nil
	}
	if len(t.secret) == 0 {
		return ErrMissingSecret
	}

	entries, err := t.store.ReadAll()
	if err != nil {
		return fmt.Errorf("failed to read audit trail: %w", err)
	}

	var prev *Event
	for i, entry := range entries {
		var event Event
		if err := json.Unmarshal(entry, &event); err != nil {
			return fmt.Errorf("failed to parse audit entry %d: %w", i, err)
		}

		if err := event.VerifyHash(t.secret); err != nil {
			return fmt.Errorf("audit entry %d: %w", i, err)
		}

		if prev != nil && event.PreviousHash != prev.Hash {
			return &ChainBreakError{
				EventID:          event.ID,
				PrevEventID:      prev.ID,
				ExpectedPrevHash: prev.Hash,
				ActualPrevHash:   event.PreviousHash,
			}
		}

		e := event
		prev = &e
	}

	return nil
}

// LoginSucceeded records a successful authentication.
func (t *Trail) LoginSucceeded(username, ip, userAgent string) {
	event := NewEvent(ActionLogin)
	event.Actor = username
	event.Resource = "session"
	event.IP = ip
	event.UserAgent = userAgent
	t.Record(event)
}

// LoginFailed records a rejected authentication attempt. The reason stays
// in the trail; the API response never carries it.
func (t *Trail) LoginFailed(username, ip, userAgent, reason string) {
	event := NewEvent(ActionLogin)
	event.Actor = username
	event.Resource = "session"
	event.Outcome = OutcomeFailure
	event.Reason = reason
	event.IP = ip
	event.UserAgent = userAgent
	t.Record(event)
}

// LoggedOut records a session termination.
func (t *Trail) LoggedOut(username, sessionID string) {
	event := NewEvent(ActionLogout)
	event.Actor = username
	event.Resource = "session"
	event.ResourceID = sessionID
	t.Record(event)
}

// ConfigSaved records a directory configuration change.
func (t *Trail) ConfigSaved(actor, configID, host string) {
	event := NewEvent(ActionConfigSave)
	event.Actor = actor
	event.Resource = "directory_config"
	event.ResourceID = configID
	event.Metadata = map[string]interface{}{"host": host}
	t.Record(event)
}

// ConnectionTested records a directory connection probe.
func (t *Trail) ConnectionTested(actor string, outcome Outcome, reason string) {
	event := NewEvent(ActionConnectionTest)
	event.Actor = actor
	event.Resource = "directory_config"
	event.Outcome = outcome
	event.Reason = reason
	t.Record(event)
}

// SyncTriggered records a manually forced synchronization run.
func (t *Trail) SyncTriggered(actor string, outcome Outcome, reason string) {
	event := NewEvent(ActionSyncTrigger)
	event.Actor = actor
	event.Resource = "directory_sync"
	event.Outcome = outcome
	event.Reason = reason
	t.Record(event)
}

// UserStatusChanged records an account activation or deactivation.
func (t *Trail) UserStatusChanged(actor, userID string, active bool) {
	event := NewEvent(ActionUserStatus)
	event.Actor = actor
	event.Resource = "directory_user"
	event.ResourceID = userID
	event.Metadata = map[string]interface{}{"active": active}
	t.Record(event)
}

// UsersPurged records a purge of stale directory users.
func (t *Trail) UsersPurged(actor string, removed int64) {
	event := NewEvent(ActionUserPurge)
	event.Actor = actor
	event.Resource = "directory_user"
	event.Metadata = map[string]interface{}{"removed": removed}
	t.Record(event)
}
