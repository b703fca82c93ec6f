/*
errors.go - Error taxonomy for tenants, financial years and per-year databases

PURPOSE:
  All error types in one place so that the storage layer, the database
  provider and the HTTP surface classify failures the same way.

ERROR CATEGORIES:
  1. Lookup errors     - TenantNotFound, BackupNotFound, NoDatabasesFound
  2. Registry errors   - NoFinancialYearAvailable, InvalidPeriod, DuplicateResource
  3. Database errors   - DatabaseConnection, SchemaMigration
  4. Business errors   - InsufficientStock, OutsideFinancialYear, Validation

USAGE:
  Callers wrap with context and classify with errors.Is:

    if errors.Is(err, fiscal.ErrTenantNotFound) {
        // 404
    }

SEE ALSO:
  - registry.go: Financial year registry
  - tenantdb/provider.go: Database provider
  - api/handlers.go: HTTP status mapping
*/
package fiscal

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrTenantNotFound is returned when no user record exists for a username.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrInvalidUsername is returned when a username cannot be mapped to a directory.
	ErrInvalidUsername = errors.New("invalid username")

	// ErrNoFinancialYearAvailable is returned when no year could be resolved or created.
	ErrNoFinancialYearAvailable = errors.New("no financial year available")

	// ErrInvalidFinancialYear is returned for a malformed financial year id.
	ErrInvalidFinancialYear = errors.New("invalid financial year id")

	// ErrInvalidPeriod is returned when a year's end date is not after its start date.
	ErrInvalidPeriod = errors.New("invalid period: end not after start")

	// ErrDuplicateResource marks an insert that hit an existing key.
	// The registry treats it as a successful no-op.
	ErrDuplicateResource = errors.New("resource already exists")

	// ErrDatabaseConnection wraps file open and I/O failures on a SQLite file.
	ErrDatabaseConnection = errors.New("database connection failed")

	// ErrSchemaMigration is the root of every schema migration failure.
	ErrSchemaMigration = errors.New("schema migration failed")

	// ErrNoDatabasesFound is returned when a tenant has nothing to archive.
	ErrNoDatabasesFound = errors.New("no databases found")

	// ErrBackupNotFound is returned when an archive file does not exist.
	ErrBackupNotFound = errors.New("backup not found")

	// ErrInvalidBackup is returned when an archive lacks the backup_meta username row.
	ErrInvalidBackup = errors.New("invalid backup archive")

	// ErrNotFound is returned when a row addressed by id does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInsufficientStock is returned when a sale would drive full stock negative.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrOutsideFinancialYear is returned when a document date is outside the open year.
	ErrOutsideFinancialYear = errors.New("date outside financial year")

	// ErrInUse is returned when deleting a row that other rows still reference.
	ErrInUse = errors.New("resource in use")

	// ErrValidation is returned for malformed business input.
	ErrValidation = errors.New("validation failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// MigrationFailure describes one migration that could not be applied.
type MigrationFailure struct {
	Version int
	Name    string
	Err     error
}

// SchemaMigrationError aggregates the migrations that failed against one file.
type SchemaMigrationError struct {
	Path     string
	Failures []MigrationFailure
}

func (e *SchemaMigrationError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%03d_%s: %v", f.Version, f.Name, f.Err)
	}
	return fmt.Sprintf("schema migration failed for %s: %s", e.Path, strings.Join(parts, "; "))
}

func (e *SchemaMigrationError) Unwrap() error {
	return ErrSchemaMigration
}

// StockError provides details about a stock shortfall.
type StockError struct {
	ProductID int64
	// Stock is "full" or "empty".
	Stock     string
	Available int64
	Requested int64
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient %s stock for product %d: available %d, requested %d",
		e.Stock, e.ProductID, e.Available, e.Requested)
}

func (e *StockError) Unwrap() error {
	return ErrInsufficientStock
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTenantNotFound) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrBackupNotFound) ||
		errors.Is(err, ErrNoDatabasesFound)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidUsername) ||
		errors.Is(err, ErrInvalidFinancialYear) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrInvalidBackup) ||
		errors.Is(err, ErrOutsideFinancialYear) ||
		errors.Is(err, ErrValidation)
}

// IsConflict returns true if the error is a state conflict rather than bad input.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrInUse) ||
		errors.Is(err, ErrDuplicateResource)
}
