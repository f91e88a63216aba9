// Package account reads and writes merchant accounts in the Supabase
// Postgres database: user membership, the assistant prompt and widget settings.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dennj/agnomerchant/engine/domain"
)

// querier is the subset of *pgxpool.Pool the store uses.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Account is a merchant tenant. Its id scopes the product catalog.
type Account struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	AIPrompt     string `json:"ai_prompt"`
	IsFullscreen bool   `json:"isFullscreen"`
}

// Settings are the public chat widget settings.
type Settings struct {
	IsFullscreen bool `json:"isFullscreen"`
}

// Store is the relational account store.
type Store struct {
	db querier
}

// Connect opens a pgx pool on databaseURL.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("account: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("account: ping: %w", err)
	}
	return pool, nil
}

// New creates a Store over a pool (or any compatible querier).
func New(db querier) *Store {
	return &Store{db: db}
}

const (
	qAccountForUser = `SELECT account_id FROM agnopay.accounts_users WHERE user_id = $1 LIMIT 1`
	qIsMember       = `SELECT EXISTS (SELECT 1 FROM agnopay.accounts_users WHERE user_id = $1 AND account_id = $2)`
	qGetAccount     = `SELECT id, COALESCE(name, ''), COALESCE(ai_prompt, ''), COALESCE(is_fullscreen, false) FROM agnopay.accounts WHERE id = $1`
	qSetPrompt      = `UPDATE agnopay.accounts SET ai_prompt = $2 WHERE id = $1`
	qUserByEmail    = `SELECT id FROM auth.users WHERE lower(email) = lower($1) LIMIT 1`
	qAddMember      = `INSERT INTO agnopay.accounts_users (account_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	qRemoveMember   = `DELETE FROM agnopay.accounts_users WHERE account_id = $1 AND user_id = $2`
)

// AccountIDForUser resolves the account a user belongs to.
func (s *Store) AccountIDForUser(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", domain.ErrUnauthorized
	}
	var id string
	if err := s.db.QueryRow(ctx, qAccountForUser, userID).Scan(&id); err != nil {
		return "", notFoundOr("account: account for user", err)
	}
	return id, nil
}

// IsMember reports whether userID belongs to accountID.
func (s *Store) IsMember(ctx context.Context, userID, accountID string) (bool, error) {
	var ok bool
	if err := s.db.QueryRow(ctx, qIsMember, userID, accountID).Scan(&ok); err != nil {
		return false, domain.Dependency("account: membership", err)
	}
	return ok, nil
}

// RequireMember fails with ErrForbidden unless userID belongs to accountID.
func (s *Store) RequireMember(ctx context.Context, userID, accountID string) error {
	if userID == "" {
		return domain.ErrUnauthorized
	}
	ok, err := s.IsMember(ctx, userID, accountID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, domain.ErrForbidden)
	}
	return nil
}

// Get loads an account by id.
func (s *Store) Get(ctx context.Context, accountID string) (Account, error) {
	var a Account
	err := s.db.QueryRow(ctx, qGetAccount, accountID).Scan(&a.ID, &a.Name, &a.AIPrompt, &a.IsFullscreen)
	if err != nil {
		return Account{}, notFoundOr("account: get", err)
	}
	return a, nil
}

// Prompt returns the account's assistant prompt ("" when unset).
func (s *Store) Prompt(ctx context.Context, accountID string) (string, error) {
	a, err := s.Get(ctx, accountID)
	if err != nil {
		return "", err
	}
	return a.AIPrompt, nil
}

// SetPrompt replaces the account's assistant prompt.
func (s *Store) SetPrompt(ctx context.Context, accountID, prompt string) error {
	tag, err := s.db.Exec(ctx, qSetPrompt, accountID, prompt)
	if err != nil {
		return domain.Dependency("account: set prompt", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", accountID, domain.ErrNotFound)
	}
	return nil
}

// Settings returns the account's widget settings.
func (s *Store) Settings(ctx context.Context, accountID string) (Settings, error) {
	a, err := s.Get(ctx, accountID)
	if err != nil {
		return Settings{}, err
	}
	return Settings{IsFullscreen: a.IsFullscreen}, nil
}

// AddMemberByEmail adds the user registered under email to accountID.
// Adding an existing member is a no-op.
func (s *Store) AddMemberByEmail(ctx context.Context, accountID, email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", domain.NewValidationError("email", email, domain.ErrRequired)
	}
	var userID string
	if err := s.db.QueryRow(ctx, qUserByEmail, email).Scan(&userID); err != nil {
		return "", notFoundOr("account: user by email", err)
	}
	if _, err := s.db.Exec(ctx, qAddMember, accountID, userID); err != nil {
		return "", domain.Dependency("account: add member", err)
	}
	return userID, nil
}

// RemoveMember removes userID from accountID.
func (s *Store) RemoveMember(ctx context.Context, accountID, userID string) error {
	if userID == "" {
		return domain.NewValidationError("userId", userID, domain.ErrRequired)
	}
	if _, err := s.db.Exec(ctx, qRemoveMember, accountID, userID); err != nil {
		return domain.Dependency("account: remove member", err)
	}
	return nil
}

func notFoundOr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	return domain.Dependency(op, err)
}
