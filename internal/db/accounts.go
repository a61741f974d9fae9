package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/shardgate/internal/util"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
	ErrBadPassword     = errors.New("incorrect password")
	ErrAccountBlocked  = errors.New("account blocked")
	ErrInvalidName     = errors.New("invalid account name")
)

// MaxAccountName matches the fixed credential field of the login packet.
const MaxAccountName = 30

// Account is a stored login account. The password digest never leaves the
// store.
type Account struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Blocked   bool       `json:"blocked"`
	CreatedAt time.Time  `json:"created_at"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

// LoginRecord is one entry of the login history.
type LoginRecord struct {
	ID        int64     `json:"id"`
	Account   string    `json:"account"`
	Remote    string    `json:"remote"`
	Accepted  bool      `json:"accepted"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AccountStore manages login accounts and their history.
type AccountStore struct {
	db *Database
}

// NewAccountStore creates an AccountStore on an opened database.
func NewAccountStore(database *Database) *AccountStore {
	return &AccountStore{db: database}
}

func validName(name string) bool {
	return name != "" && len(name) <= MaxAccountName && strings.TrimSpace(name) == name
}

// CreateAccount stores a new account with a salted password digest.
func (as *AccountStore) CreateAccount(ctx context.Context, name, password string) (*Account, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	salt, err := util.NewSalt()
	if err != nil {
		return nil, err
	}

	_, err = as.db.Exec(
		"INSERT INTO accounts (name, salt, password_hash) VALUES (?, ?, ?)",
		name, salt, util.HashPassword(salt, password))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, fmt.Errorf("%w: %s", ErrAccountExists, name)
		}
		return nil, fmt.Errorf("failed to create account %s: %w", name, err)
	}

	log.Info().Str("account", name).Msg("account created")
	return as.Get(ctx, name)
}

// Get loads an account by name, case-insensitively.
func (as *AccountStore) Get(ctx context.Context, name string) (*Account, error) {
	var (
		a         Account
		lastLogin sql.NullTime
	)
	err := as.db.QueryRow(ctx,
		"SELECT id, name, blocked, created_at, last_login FROM accounts WHERE name = ?", name).
		Scan(&a.ID, &a.Name, &a.Blocked, &a.CreatedAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", name, err)
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		a.LastLogin = &t
	}
	return &a, nil
}

// Authenticate checks credentials and stamps the last login on success.
func (as *AccountStore) Authenticate(ctx context.Context, name, password string) (*Account, error) {
	var (
		id            int64
		salt, digest  string
		blocked       bool
		canonicalName string
	)
	err := as.db.QueryRow(ctx,
		"SELECT id, name, salt, password_hash, blocked FROM accounts WHERE name = ?", name).
		Scan(&id, &canonicalName, &salt, &digest, &blocked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", name, err)
	}

	if !util.CheckPassword(salt, password, digest) {
		return nil, ErrBadPassword
	}
	if blocked {
		return nil, fmt.Errorf("%w: %s", ErrAccountBlocked, canonicalName)
	}

	if _, err := as.db.Exec("UPDATE accounts SET last_login = ? WHERE id = ?", time.Now().UTC(), id); err != nil {
		log.Warn().Err(err).Str("account", canonicalName).Msg("failed to stamp last login")
	}
	return as.Get(ctx, canonicalName)
}

// SetPassword replaces an account's password.
func (as *AccountStore) SetPassword(name, password string) error {
	salt, err := util.NewSalt()
	if err != nil {
		return err
	}
	res, err := as.db.Exec("UPDATE accounts SET salt = ?, password_hash = ? WHERE name = ?",
		salt, util.HashPassword(salt, password), name)
	return affectOne(res, err, name)
}

// SetBlocked blocks or unblocks an account.
func (as *AccountStore) SetBlocked(name string, blocked bool) error {
	res, err := as.db.Exec("UPDATE accounts SET blocked = ? WHERE name = ?", blocked, name)
	if err := affectOne(res, err, name); err != nil {
		return err
	}
	log.Info().Str("account", name).Bool("blocked", blocked).Msg("account block changed")
	return nil
}

// List returns every account ordered by name.
func (as *AccountStore) List(ctx context.Context) ([]Account, error) {
	rows, err := as.db.Query(ctx, "SELECT id, name, blocked, created_at, last_login FROM accounts ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var (
			a         Account
			lastLogin sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.Name, &a.Blocked, &a.CreatedAt, &lastLogin); err != nil {
			continue
		}
		if lastLogin.Valid {
			t := lastLogin.Time
			a.LastLogin = &t
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// RecordLogin appends an entry to the login history.
func (as *AccountStore) RecordLogin(account, remote string, accepted bool, reason string) error {
	_, err := as.db.Exec(
		"INSERT INTO login_history (account, remote, accepted, reason) VALUES (?, ?, ?, ?)",
		account, remote, accepted, reason)
	if err != nil {
		return fmt.Errorf("failed to record login for %s: %w", account, err)
	}
	return nil
}

// RecentLogins returns the newest history entries first.
func (as *AccountStore) RecentLogins(ctx context.Context, limit int) ([]LoginRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := as.db.Query(ctx,
		"SELECT id, account, remote, accepted, reason, created_at FROM login_history ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read login history: %w", err)
	}
	defer rows.Close()

	var records []LoginRecord
	for rows.Next() {
		var r LoginRecord
		if err := rows.Scan(&r.ID, &r.Account, &r.Remote, &r.Accepted, &r.Reason, &r.CreatedAt); err != nil {
			continue
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// CleanLoginHistory removes history entries older than the given days.
func (as *AccountStore) CleanLoginHistory(days int) (int64, error) {
	res, err := as.db.Exec(
		"DELETE FROM login_history WHERE created_at < datetime('now', ?)",
		fmt.Sprintf("-%d days", days))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func affectOne(res sql.Result, err error, name string) error {
	if err != nil {
		return fmt.Errorf("failed to update account %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, name)
	}
	return nil
}
