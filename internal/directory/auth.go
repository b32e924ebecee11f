package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"
)

// Authenticator verifies end-user credentials against the active directory
// configuration. Lookup and attribute reads run under the service account;
// the credential check is a bind on its own session, so the user password
// never touches a service session and service privileges never leak into a
// user session.
type Authenticator struct {
	configs ConfigStore
	timeout time.Duration
	logger  *zap.Logger

	// openerFor builds the session opener for a configuration. Swapped
	// out in tests.
	openerFor func(cfg *Config) SessionOpener
}

// NewAuthenticator creates an authenticator reading the active configuration
// from configs.
func NewAuthenticator(configs ConfigStore, timeout time.Duration, logger *zap.Logger) *Authenticator {
	a := &Authenticator{
		configs: configs,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "directory-auth")),
	}
	a.openerFor = func(cfg *Config) SessionOpener {
		return NewConnManager(cfg, timeout, logger)
	}
	return a
}

// Authenticate verifies username/password and returns the user's directory
// profile. Credential rejections come back as ErrInvalidCredentials with no
// hint whether the username or the password was wrong.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (*Profile, error) {
	// An empty password would downgrade the user bind to an anonymous
	// bind, which many directory servers accept. Refuse before dialing.
	if username == "" || password == "" {
		authAttempts.WithLabelValues("invalid_credentials").Inc()
		return nil, ErrInvalidCredentials
	}

	cfg, err := a.configs.GetActive(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	opener := a.openerFor(cfg)

	userDN, err := a.resolveDN(opener, cfg, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrAmbiguousUser) {
			a.logger.Info("Directory lookup did not resolve a unique user",
				zap.String("username", username),
				zap.Error(err))
			authAttempts.WithLabelValues("not_found").Inc()
		} else {
			a.logger.Warn("Directory lookup failed",
				zap.String("username", username),
				zap.Error(err))
			authAttempts.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	// The credential check: bind as the resolved DN on a fresh session.
	if err := opener.WithSession(userDN, password, func(Session) error { return nil }); err != nil {
		err = classifyBindError(err)
		if errors.Is(err, ErrInvalidCredentials) {
			a.logger.Info("Directory rejected credentials",
				zap.String("username", username))
			authAttempts.WithLabelValues("invalid_credentials").Inc()
		} else {
			a.logger.Warn("Directory bind failed",
				zap.String("username", username),
				zap.Error(err))
			authAttempts.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	profile, err := a.fetchProfile(opener, cfg, userDN)
	if err != nil {
		a.logger.Warn("Profile read after successful bind failed",
			zap.String("username", username),
			zap.String("dn", userDN),
			zap.Error(err))
		authAttempts.WithLabelValues("error").Inc()
		return nil, err
	}

	a.logger.Info("Directory authentication succeeded",
		zap.String("username", username),
		zap.String("dn", userDN),
		zap.Duration("elapsed", time.Since(start)))
	authAttempts.WithLabelValues("success").Inc()
	return profile, nil
}

// resolveDN finds the distinguished name to bind as. A configured DN
// template renders locally with no directory round-trip; otherwise the
// service account searches for exactly one matching entry.
func (a *Authenticator) resolveDN(opener SessionOpener, cfg *Config, username string) (string, error) {
	if cfg.UserDNTemplate != "" {
		return renderDNTemplate(cfg.UserDNTemplate, username), nil
	}

	filter := buildUserFilter(cfg, username)
	var dn string
	err := opener.WithSession("", "", func(s Session) error {
		req := ldap.NewSearchRequest(
			cfg.BaseDN,
			ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
			filter,
			[]string{"dn"},
			nil,
		)
		res, err := s.Search(req)
		if err != nil {
			return fmt.Errorf("user search with filter %q failed: %w", filter, err)
		}
		switch len(res.Entries) {
		case 0:
			return ErrUserNotFound
		case 1:
			dn = res.Entries[0].DN
			return nil
		default:
			return ErrAmbiguousUser
		}
	})
	if err != nil {
		return "", err
	}
	return dn, nil
}

// fetchProfile reads the user's entry with the service account after the
// user bind succeeded, so attribute visibility never depends on the user's
// own read permissions. A vanished entry fails the login.
func (a *Authenticator) fetchProfile(opener SessionOpener, cfg *Config, userDN string) (*Profile, error) {
	var profile *Profile
	err := opener.WithSession("", "", func(s Session) error {
		req := ldap.NewSearchRequest(
			userDN,
			ldap.ScopeBaseObject, ldap.NeverDerefAliases, 1, 0, false,
			"(objectClass=*)",
			cfg.Mapping.attributeList(),
			nil,
		)
		res, err := s.Search(req)
		if err != nil {
			return fmt.Errorf("profile read for %q failed: %w", userDN, err)
		}
		if len(res.Entries) == 0 {
			return ErrUserNotFound
		}
		profile = MapEntry(res.Entries[0], cfg.Mapping)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return profile, nil
}
