/*
Package tenantdb routes every tenant request to its per-year SQLite file.

PURPOSE:
  A tenant (username) owns one database file per financial year:

    <baseDir>/<username>/<financialYearId>.db

  The Provider resolves the tenant directory, resolves or defaults the
  financial year, opens (or creates) the file and guarantees the schema
  before handing the handle out.

COMPONENTS:
  Resolver:       username -> directory (resolver.go)
  Provider:       (username, year) -> *Handle (this file)
  EnsureSchema:   versioned table/column guarantees (schema.go)
  LegacyMigrator: user_data.db -> per-year files (legacy.go)
  BackupEngine:   per-year files <-> one archive file (backup.go)

HANDLE OWNERSHIP:
  Handles are not pooled. Each operation opens its own and must close it;
  WithDatabase does both and releases the file on every exit path.

SEE ALSO:
  - fiscal/registry.go: Financial year resolution
  - books/books.go: CRUD on top of a Handle
*/
package tenantdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/warp/cylinder-books/fiscal"
)

// Handle is a live connection to one (tenant, financial year) database file.
type Handle struct {
	*sql.DB
	Path            string
	Username        string
	FinancialYearID string
	// Created is true when the file did not exist before this handle opened it.
	Created bool
	// Schema is the report of the EnsureSchema run performed on open.
	Schema *SchemaReport
}

// DatabaseInfo describes one per-year file of a tenant.
type DatabaseInfo struct {
	Path          string
	FinancialYear *fiscal.FinancialYear
	Name          string
}

// Provider opens per-year database handles.
type Provider struct {
	users    fiscal.UserStore
	registry *fiscal.Registry
	resolver *Resolver
}

// NewProvider creates a provider storing tenant directories under baseDir.
func NewProvider(users fiscal.UserStore, registry *fiscal.Registry, baseDir string) *Provider {
	return &Provider{
		users:    users,
		registry: registry,
		resolver: NewResolver(users, baseDir),
	}
}

// Registry returns the financial year registry.
func (p *Provider) Registry() *fiscal.Registry {
	return p.registry
}

// Resolver returns the tenant directory resolver.
func (p *Provider) Resolver() *Resolver {
	return p.resolver
}

// DatabasePath returns <tenantDir>/<financialYearId>.db.
func DatabasePath(tenantDir, financialYearID string) string {
	return filepath.Join(tenantDir, financialYearID+".db")
}

// Open returns a handle for (username, financialYearID). An empty
// financialYearID selects the current year, creating a default year when
// the registry has none.
func (p *Provider) Open(ctx context.Context, username, financialYearID string) (*Handle, error) {
	dir, err := p.resolver.Resolve(ctx, username)
	if err != nil {
		return nil, err
	}

	if financialYearID == "" {
		fy, err := p.registry.EnsureCurrent(ctx)
		if err != nil {
			return nil, err
		}
		if fy == nil {
			return nil, fiscal.ErrNoFinancialYearAvailable
		}
		financialYearID = fy.ID
	}
	if _, err := fiscal.ParseID(financialYearID); err != nil {
		return nil, err
	}

	h, err := openHandle(ctx, DatabasePath(dir, financialYearID))
	if err != nil {
		return nil, err
	}
	h.Username = username
	h.FinancialYearID = financialYearID
	return h, nil
}

// OpenForDate returns a handle for the financial year containing date.
func (p *Provider) OpenForDate(ctx context.Context, username string, date time.Time) (*Handle, error) {
	if _, err := p.resolver.Resolve(ctx, username); err != nil {
		return nil, err
	}
	fy, err := p.registry.ForDate(ctx, date)
	if err != nil {
		return nil, err
	}
	return p.Open(ctx, username, fy.ID)
}

// WithDatabase opens a handle, runs fn and closes the handle on every path.
func (p *Provider) WithDatabase(ctx context.Context, username, financialYearID string, fn func(*Handle) error) (err error) {
	h, err := p.Open(ctx, username, financialYearID)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := h.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", h.Path, cerr)
		}
	}()
	return fn(h)
}

// CreateUserDatabase prepares a tenant: resolves (and creates) its directory
// and opens the current year's database.
func (p *Provider) CreateUserDatabase(ctx context.Context, username string) (*Handle, string, error) {
	dir, err := p.resolver.Resolve(ctx, username)
	if err != nil {
		return nil, "", err
	}
	h, err := p.Open(ctx, username, "")
	if err != nil {
		return nil, "", err
	}
	return h, dir, nil
}

// AllDatabases lists the tenant's per-year files keyed by financial year id.
func (p *Provider) AllDatabases(ctx context.Context, username string) (map[string]DatabaseInfo, error) {
	dir, err := p.resolver.Resolve(ctx, username)
	if err != nil {
		return nil, err
	}
	return p.databasesIn(ctx, dir)
}

func (p *Provider) databasesIn(ctx context.Context, dir string) (map[string]DatabaseInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", fiscal.ErrDatabaseConnection, dir, err)
	}

	out := make(map[string]DatabaseInfo)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".db") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".db")
		if _, err := fiscal.ParseID(id); err != nil {
			continue
		}
		info := DatabaseInfo{Path: filepath.Join(dir, e.Name()), Name: id}
		fy, err := p.registry.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if fy != nil {
			info.FinancialYear = fy
			info.Name = fy.Label
		}
		out[id] = info
	}
	return out, nil
}

// SortedIDs returns the keys of a database map in ascending order.
func SortedIDs(dbs map[string]DatabaseInfo) []string {
	ids := make([]string, 0, len(dbs))
	for id := range dbs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FinancialYears returns every registered year.
func (p *Provider) FinancialYears(ctx context.Context) ([]fiscal.FinancialYear, error) {
	return p.registry.List(ctx)
}

// CurrentFinancialYear returns the current year, or nil when none resolves.
func (p *Provider) CurrentFinancialYear(ctx context.Context) (*fiscal.FinancialYear, error) {
	return p.registry.Current(ctx)
}

// openHandle opens the file at path and ensures its schema. A file created by
// this call is never returned with a partial schema.
func openHandle(ctx context.Context, path string) (*Handle, error) {
	_, statErr := os.Stat(path)
	existed := statErr == nil
	if statErr != nil && !errors.Is(statErr, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: stat %s: %v", fiscal.ErrDatabaseConnection, path, statErr)
	}

	db, err := openSQLite(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", fiscal.ErrDatabaseConnection, path, err)
	}

	report, err := EnsureSchema(ctx, db, path)
	if err != nil {
		if !existed {
			db.Close()
			removeDatabaseFiles(path)
			return nil, err
		}
		log.Warn().Err(err).Str("path", path).Msg("using database with incomplete schema")
	}
	if !existed {
		log.Info().Str("path", path).Int("schema_version", LatestSchemaVersion()).Msg("created per-year database")
	}

	return &Handle{DB: db, Path: path, Created: !existed, Schema: report}, nil
}

// removeDatabaseFiles deletes a database file and its WAL sidecars.
func removeDatabaseFiles(path string) {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", p).Msg("failed to remove database file")
		}
	}
}
