/*
store.go - Persistence interfaces for the shared registry

PURPOSE:
  The user registry and the financial year table live in one shared
  database (auth.db) used by every tenant. The registry and the tenant
  resolver depend on these interfaces, not on a package-level connection,
  so tests substitute the in-memory implementation.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: auth.db on SQLite
  - fiscal/store/memory.go: in-memory for tests
*/
package fiscal

import (
	"context"
	"time"
)

// FinancialYearStore persists the shared financial year table.
type FinancialYearStore interface {
	// ListFinancialYears returns all years ordered by start date ascending.
	ListFinancialYears(ctx context.Context) ([]FinancialYear, error)

	// GetFinancialYear returns nil, nil when the id is unknown.
	GetFinancialYear(ctx context.Context, id string) (*FinancialYear, error)

	// InsertFinancialYear inserts a year. Returns ErrDuplicateResource when
	// the id already exists; the stored row is left untouched.
	InsertFinancialYear(ctx context.Context, fy FinancialYear) error
}

// User is a registered tenant.
type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	// Directory holds the tenant's per-year databases. It may be empty or
	// carry a path written by a different deployment.
	Directory string
	CreatedAt time.Time
}

// UserStore persists the shared user registry.
type UserStore interface {
	// GetUser returns nil, nil when the username is unknown.
	GetUser(ctx context.Context, username string) (*User, error)

	// CreateUser returns ErrDuplicateResource when the username is taken.
	CreateUser(ctx context.Context, u User) (*User, error)

	// SetDirectory persists a corrected tenant directory.
	SetDirectory(ctx context.Context, username, dir string) error

	// ListUsers returns all users ordered by username.
	ListUsers(ctx context.Context) ([]User, error)
}
