package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
	ErrNoSession = errors.New("no user signed in")
)

type User struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	CreatedAt    string `json:"created_at"`
}

type Bank struct {
	ID             int64   `json:"id"`
	BankName       string  `json:"bank_name"`
	Account        string  `json:"account"`
	CurrentBalance float64 `json:"current_balance"`
	Endpoint       string  `json:"endpoint"`
	Color          string  `json:"color"`
	Role           string  `json:"role"`
	CreatedAt      string  `json:"created_at"`
}

// Store wraps the worker's database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateUser inserts a user. Emails are stored lower-cased.
func (s *Store) CreateUser(ctx context.Context, name, email, passwordHash string) (User, error) {
	u := User{
		Name:         strings.TrimSpace(name),
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: passwordHash,
		CreatedAt:    s.timestamp(),
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO users(name, email, password_hash, created_at) VALUES(?, ?, ?, ?);",
		u.Name, u.Email, u.PasswordHash, u.CreatedAt)
	if isUniqueViolation(err) {
		return User{}, fmt.Errorf("user %q: %w", u.Email, ErrDuplicate)
	}
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	if u.ID, err = res.LastInsertId(); err != nil {
		return User{}, fmt.Errorf("user id: %w", err)
	}
	return u, nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, name, email, COALESCE(password_hash, ''), created_at FROM users WHERE email = ?;",
		strings.ToLower(strings.TrimSpace(email))))
}

func (s *Store) userByID(ctx context.Context, id int64) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, name, email, COALESCE(password_hash, ''), created_at FROM users WHERE id = ?;", id))
}

func (s *Store) scanUser(row *sql.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("read user: %w", err)
	}
	return u, nil
}

// StartSession makes userID the signed-in user, replacing any previous one.
func (s *Store) StartSession(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO session(id, user_id, started_at) VALUES(1, ?, ?)
ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, started_at = excluded.started_at;`,
		userID, s.timestamp())
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return nil
}

// EndSession signs the current user out. It is not an error if nobody was
// signed in.
func (s *Store) EndSession(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM session;"); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// CurrentUser returns the signed-in user or ErrNoSession.
func (s *Store) CurrentUser(ctx context.Context) (User, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, "SELECT user_id FROM session WHERE id = 1;").Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNoSession
	}
	if err != nil {
		return User{}, fmt.Errorf("read session: %w", err)
	}
	return s.userByID(ctx, id)
}

// AddBank creates a bank for userID.
func (s *Store) AddBank(ctx context.Context, userID int64, b Bank) (Bank, error) {
	b.CreatedAt = s.timestamp()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO bank(user_id, bank_name, account, current_balance, endpoint, color, role, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);`,
		userID, b.BankName, b.Account, b.CurrentBalance, b.Endpoint, b.Color, b.Role, b.CreatedAt)
	if isUniqueViolation(err) {
		return Bank{}, fmt.Errorf("bank %s/%s: %w", b.BankName, b.Account, ErrDuplicate)
	}
	if err != nil {
		return Bank{}, fmt.Errorf("insert bank: %w", err)
	}
	if b.ID, err = res.LastInsertId(); err != nil {
		return Bank{}, fmt.Errorf("bank id: %w", err)
	}
	return b, nil
}

// UpdateBank rewrites the editable fields of one of userID's banks.
func (s *Store) UpdateBank(ctx context.Context, userID int64, b Bank) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE bank SET bank_name = ?, account = ?, current_balance = ?, endpoint = ?, color = ?, role = ?
WHERE id = ? AND user_id = ?;`,
		b.BankName, b.Account, b.CurrentBalance, b.Endpoint, b.Color, b.Role, b.ID, userID)
	if isUniqueViolation(err) {
		return fmt.Errorf("bank %s/%s: %w", b.BankName, b.Account, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("update bank: %w", err)
	}
	return requireRow(res, "bank")
}

func (s *Store) DeleteBank(ctx context.Context, userID, bankID int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM bank WHERE id = ? AND user_id = ?;", bankID, userID)
	if err != nil {
		return fmt.Errorf("delete bank: %w", err)
	}
	return requireRow(res, "bank")
}

// ListBanks returns userID's banks oldest first.
func (s *Store) ListBanks(ctx context.Context, userID int64) ([]Bank, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, bank_name, account, current_balance, endpoint, color, role, created_at
FROM bank WHERE user_id = ? ORDER BY id;`, userID)
	if err != nil {
		return nil, fmt.Errorf("list banks: %w", err)
	}
	defer rows.Close()

	banks := []Bank{}
	for rows.Next() {
		var b Bank
		if err := rows.Scan(&b.ID, &b.BankName, &b.Account, &b.CurrentBalance, &b.Endpoint, &b.Color, &b.Role, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan bank: %w", err)
		}
		banks = append(banks, b)
	}
	return banks, rows.Err()
}

// SetSetting stores a key/value pair.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO app_settings(key, value, updated_at) VALUES(?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
		key, value, s.timestamp())
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}

// Setting returns the value for key, or "" and ErrNotFound.
func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM app_settings WHERE key = ?;", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read setting %q: %w", key, err)
	}
	return v, nil
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
