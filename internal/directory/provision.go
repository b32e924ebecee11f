package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/dirgate/dirgate/internal/common/database"
)

// Provisioner creates local accounts for mirrored directory users. Accounts
// carry an unusable random password; directory users only ever authenticate
// against the directory itself.
type Provisioner struct {
	db     *database.PostgresDB
	users  UserStore
	logger *zap.Logger
}

// NewProvisioner creates an account provisioner.
func NewProvisioner(db *database.PostgresDB, users UserStore, logger *zap.Logger) *Provisioner {
	return &Provisioner{
		db:     db,
		users:  users,
		logger: logger.With(zap.String("component", "directory-provisioner")),
	}
}

// Provision ensures u has a linked local account. An existing link is left
// alone; an account with the same email is linked rather than duplicated;
// otherwise a fresh account is created. Users without an email get the
// placeholder address <username>@ldap.local.
func (p *Provisioner) Provision(ctx context.Context, u *User) error {
	if u.AccountID != "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	email := u.Email
	if email == "" {
		if u.Username == "" {
			return fmt.Errorf("cannot provision account without username or email")
		}
		email = u.Username + "@ldap.local"
	}

	var accountID string
	err := p.db.Pool.QueryRow(ctx,
		`SELECT id FROM accounts WHERE email = $1`, email).Scan(&accountID)
	switch {
	case err == nil:
		p.logger.Info("Linking directory user to existing account",
			zap.String("username", u.Username),
			zap.String("account_id", accountID))
	case errors.Is(err, pgx.ErrNoRows):
		accountID, err = p.createAccount(ctx, u, email)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("failed to look up account by email: %w", err)
	}

	if err := p.users.LinkAccount(ctx, u.ID, accountID); err != nil {
		return err
	}
	u.AccountID = accountID
	return nil
}

func (p *Provisioner) createAccount(ctx context.Context, u *User, email string) (string, error) {
	displayName := u.DisplayName
	if displayName == "" {
		displayName = u.Username
	}

	// Unusable password: login always goes through the directory bind.
	randomPwd := fmt.Sprintf("ldap-nologin-%s-%d", uuid.NewString(), time.Now().UnixNano())
	hash, err := bcrypt.GenerateFromPassword([]byte(randomPwd), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash placeholder password: %w", err)
	}

	id := uuid.NewString()
	_, err = p.db.Pool.Exec(ctx,
		`INSERT INTO accounts (id, username, email, display_name, password_hash, enabled, source, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, true, 'directory', NOW(), NOW())
		 ON CONFLICT (username) DO NOTHING`,
		id, u.Username, email, displayName, string(hash))
	if err != nil {
		return "", fmt.Errorf("failed to create account: %w", err)
	}

	// A username collision means the insert was skipped; link the holder.
	var accountID string
	if err := p.db.Pool.QueryRow(ctx,
		`SELECT id FROM accounts WHERE username = $1`, u.Username).Scan(&accountID); err != nil {
		return "", fmt.Errorf("failed to resolve provisioned account: %w", err)
	}
	if accountID == id {
		p.logger.Info("Provisioned local account for directory user",
			zap.String("username", u.Username),
			zap.String("email", email))
	} else {
		p.logger.Info("Linking directory user to account with same username",
			zap.String("username", u.Username),
			zap.String("account_id", accountID))
	}
	return accountID, nil
}
