package directory

import (
	"errors"
	"fmt"

	"github.com/go-ldap/ldap/v3"
)

// Sentinel errors callers branch on with errors.Is. Anything else coming out
// of this package is an infrastructure failure wrapped with context.
var (
	// ErrNotConfigured means there is no active, enabled configuration.
	ErrNotConfigured = errors.New("directory integration is not configured")

	// ErrInvalidCredentials means the directory rejected the presented
	// username or password. It deliberately carries no detail about which.
	ErrInvalidCredentials = errors.New("invalid directory credentials")

	// ErrUserNotFound means the user search matched no entry.
	ErrUserNotFound = errors.New("user not found in directory")

	// ErrAmbiguousUser means the user search matched more than one entry,
	// so there is no safe DN to bind as.
	ErrAmbiguousUser = errors.New("user search matched multiple directory entries")

	// ErrSyncDisabled means synchronization is switched off for the active
	// configuration. A scheduled pass treats this as a quiet no-op.
	ErrSyncDisabled = errors.New("directory synchronization is disabled")

	// ErrSyncInFlight means a reconciliation pass is already running for
	// the configuration.
	ErrSyncInFlight = errors.New("directory synchronization already in progress")

	// ErrIntervalBelowFloor rejects sync intervals under the hard minimum.
	ErrIntervalBelowFloor = errors.New("sync interval must be at least 30 seconds")

	// ErrInvalidConfig wraps every other configuration validation failure.
	ErrInvalidConfig = errors.New("invalid directory configuration")
)

// classifyBindError separates a credential rejection from transport or server
// trouble. Result code 49 is the directory saying "wrong username or
// password"; everything else bubbles up as an infrastructure failure.
func classifyBindError(err error) error {
	if err == nil {
		return nil
	}
	if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
		return ErrInvalidCredentials
	}
	return fmt.Errorf("directory bind failed: %w", err)
}
