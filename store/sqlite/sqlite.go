/*
Package sqlite provides the SQLite-backed shared registry (auth.db).

PURPOSE:
  Implements fiscal.UserStore and fiscal.FinancialYearStore on a single
  database shared by every tenant. Per-tenant operational data never lives
  here; it lives in the per-year files managed by package tenantdb.

INTERFACES IMPLEMENTED:
  fiscal.UserStore:          User registry (username, password hash, directory)
  fiscal.FinancialYearStore: Shared financial year table

KEY TABLES:
  users:           One row per tenant. db_path holds the tenant directory.
  financial_years: id (FY2024-2025), label, start_date, end_date.

IDEMPOTENT INSERTS:
  Financial years are never mutated once written. A second insert for the
  same id is ignored and reported as fiscal.ErrDuplicateResource.

CONCURRENCY:
  Uses sync.RWMutex around statements and a single connection. SQLite's
  file lock is the only cross-process serialization.

USAGE:
  store, err := sqlite.New("./data/auth.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  registry := fiscal.NewRegistry(store)

SEE ALSO:
  - fiscal/store.go: Interface definitions
  - fiscal/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/cylinder-books/fiscal"
)

// Store implements the shared registry using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		email TEXT,
		password_hash TEXT NOT NULL DEFAULT '',
		db_path TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS financial_years (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_financial_years_start
		ON financial_years(start_date);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// FINANCIAL YEAR STORE (fiscal.FinancialYearStore interface)
// =============================================================================

// ListFinancialYears returns all years ordered by start date ascending.
func (s *Store) ListFinancialYears(ctx context.Context) ([]fiscal.FinancialYear, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, label, start_date, end_date FROM financial_years ORDER BY start_date ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query financial years: %w", err)
	}
	defer rows.Close()

	var years []fiscal.FinancialYear
	for rows.Next() {
		fy, err := scanFinancialYear(rows)
		if err != nil {
			return nil, err
		}
		years = append(years, fy)
	}
	return years, rows.Err()
}

// GetFinancialYear retrieves a year by id.
func (s *Store) GetFinancialYear(ctx context.Context, id string) (*fiscal.FinancialYear, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT id, label, start_date, end_date FROM financial_years WHERE id = ?", id)
	fy, err := scanFinancialYear(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &fy, nil
}

// InsertFinancialYear inserts a year, ignoring a conflicting id.
func (s *Store) InsertFinancialYear(ctx context.Context, fy fiscal.FinancialYear) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO financial_years (id, label, start_date, end_date)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, fy.ID, fy.Label, fy.StartString(), fy.EndString())
	if err != nil {
		return fmt.Errorf("failed to insert financial year: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fiscal.ErrDuplicateResource
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFinancialYear(row scanner) (fiscal.FinancialYear, error) {
	var (
		fy         fiscal.FinancialYear
		start, end string
	)
	if err := row.Scan(&fy.ID, &fy.Label, &start, &end); err != nil {
		if err == sql.ErrNoRows {
			return fy, err
		}
		return fy, fmt.Errorf("failed to scan financial year: %w", err)
	}
	var err error
	if fy.StartDate, err = fiscal.ParseDate(start); err != nil {
		return fy, err
	}
	if fy.EndDate, err = fiscal.ParseDate(end); err != nil {
		return fy, err
	}
	return fy, nil
}

// =============================================================================
// USER STORE (fiscal.UserStore interface)
// =============================================================================

// GetUser retrieves a user by username.
func (s *Store) GetUser(ctx context.Context, username string) (*fiscal.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT id, username, email, password_hash, db_path, created_at FROM users WHERE username = ?",
		username,
	)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a user.
func (s *Store) CreateUser(ctx context.Context, u fiscal.User) (*fiscal.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, email, password_hash, db_path, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, u.Username, nullString(u.Email), u.PasswordHash, nullString(u.Directory), u.CreatedAt.Format(time.RFC3339))
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, fiscal.ErrDuplicateResource
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	u.ID, _ = res.LastInsertId()
	return &u, nil
}

// SetDirectory persists a corrected tenant directory.
func (s *Store) SetDirectory(ctx context.Context, username, dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "UPDATE users SET db_path = ? WHERE username = ?", dir, username)
	if err != nil {
		return fmt.Errorf("failed to update user directory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fiscal.ErrTenantNotFound
	}
	return nil
}

// ListUsers returns all users.
func (s *Store) ListUsers(ctx context.Context) ([]fiscal.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, username, email, password_hash, db_path, created_at FROM users ORDER BY username",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []fiscal.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func scanUser(row scanner) (fiscal.User, error) {
	var (
		u         fiscal.User
		email     sql.NullString
		dir       sql.NullString
		createdAt string
	)
	if err := row.Scan(&u.ID, &u.Username, &email, &u.PasswordHash, &dir, &createdAt); err != nil {
		return u, err
	}
	u.Email = email.String
	u.Directory = dir.String
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return u, nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
