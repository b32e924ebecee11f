// Package audit provides a tamper-evident audit trail for administrative
// and authentication activity. Events are chained with HMAC-SHA256: each
// event's hash covers its content plus the previous event's hash, so any
// edit or removal breaks the chain.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Outcome classifies how an audited action ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// Action identifiers for audited operations.
const (
	ActionLogin          = "auth.login"
	ActionLogout         = "auth.logout"
	ActionConfigSave     = "directory.config.save"
	ActionConnectionTest = "directory.config.test"
	ActionSyncTrigger    = "directory.sync.trigger"
	ActionUserStatus     = "directory.user.status"
	ActionUserPurge      = "directory.user.purge"
)

// Event is a single audit trail entry.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	Actor      string  `json:"actor,omitempty"`
	Action     string  `json:"action"`
	Resource   string  `json:"resource,omitempty"`
	ResourceID string  `json:"resource_id,omitempty"`
	Outcome    Outcome `json:"outcome"`
	Reason     string  `json:"reason,omitempty"`

	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Chain linking
	PreviousHash string `json:"previous_hash"`
	Hash         string `json:"hash"`
}

// NewEvent creates an event for the given action with a fresh ID and
// timestamp.
func NewEvent(action string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		Outcome:   OutcomeSuccess,
	}
}

// ComputeHash calculates the HMAC-SHA256 hash over the event's canonical
// form, which includes PreviousHash.
func (e *Event) ComputeHash(secret []byte) (string, error) {
	data, err := e.canonicalBytes()
	if err != nil {
		return "", err
	}

	h := hmac.New(sha256.New, secret)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalBytes builds the deterministic byte form used for hashing.
// Field order matters; fields are joined with a null byte.
func (e *Event) canonicalBytes() ([]byte, error) {
	parts := []string{
		e.ID,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Actor,
		e.Action,
		e.Resource,
		e.ResourceID,
		string(e.Outcome),
		e.Reason,
		e.IP,
		e.UserAgent,
		e.PreviousHash,
	}

	if len(e.Metadata) > 0 {
		// json.Marshal sorts map keys, so this is deterministic
		metadataJSON, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		parts = append(parts, string(metadataJSON))
	}

	return []byte(strings.Join(parts, "\x00")), nil
}

// VerifyHash recomputes the event hash and compares it against the stored
// one. A mismatch yields a *HashMismatchError.
func (e *Event) VerifyHash(secret []byte) error {
	computed, err := e.ComputeHash(secret)
	if err != nil {
		return err
	}

	if !hmac.Equal([]byte(e.Hash), []byte(computed)) {
		return &HashMismatchError{
			EventID:      e.ID,
			StoredHash:   e.Hash,
			ComputedHash: computed,
		}
	}
	return nil
}

// HashMismatchError reports an event whose stored hash does not match its
// content.
type HashMismatchError struct {
	EventID      string
	StoredHash   string
	ComputedHash string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("hash mismatch for event %s: stored=%s, computed=%s",
		e.EventID, e.StoredHash, e.ComputedHash)
}

// IsTampered reports whether err indicates a modified event.
func IsTampered(err error) bool {
	var hme *HashMismatchError
	return errors.As(err, &hme)
}

// ChainBreakError reports an event whose previous-hash link does not match
// its predecessor.
type ChainBreakError struct {
	EventID          string
	PrevEventID      string
	ExpectedPrevHash string
	ActualPrevHash   string
}

func (e *ChainBreakError) Error() string {
	return fmt.Sprintf("chain break at event %s: expected previous_hash=%s (from %s), got=%s",
		e.EventID, e.ExpectedPrevHash, e.PrevEventID, e.ActualPrevHash)
}

// IsChainBreak reports whether err indicates a broken chain link.
func IsChainBreak(err error) bool {
	var cbe *ChainBreakError
	return errors.As(err, &cbe)
}
