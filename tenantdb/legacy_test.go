package tenantdb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/cylinder-books/fiscal"
)

// writeLegacyFile builds a user_data.db the way the single-file layout stored it.
func writeLegacyFile(t *testing.T, dir string, withYears bool) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(dir, LegacyFileName)
	db, err := openArchive(ctx, path)
	require.NoError(t, err)
	defer db.Close()

	stmts := []string{
		`CREATE TABLE products (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL, rate TEXT, openingStock INTEGER)`,
		`INSERT INTO products (name, rate, openingStock) VALUES ('LPG Domestic 14.2kg', '850', 50), ('LPG Commercial 19kg', '1700', 10)`,
		`CREATE TABLE accounts (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL, phone TEXT)`,
		`INSERT INTO accounts (name, phone) VALUES ('Hotel Annapurna', '98450')`,
		`CREATE TABLE sales (id INTEGER PRIMARY KEY AUTOINCREMENT, invoice_number TEXT, date TEXT, product_id INTEGER, quantity INTEGER, total TEXT)`,
		`INSERT INTO sales (invoice_number, date, product_id, quantity, total) VALUES
			('INV-0001', '2023-04-01', 1, 2, '1700'),
			('INV-0002', '2024-03-31T18:30:00', 1, 1, '850'),
			('INV-0003', '2024-04-01', 2, 1, '1700'),
			('INV-0004', '2025-03-31', 2, 3, '5100')`,
		`CREATE TABLE purchases (id INTEGER PRIMARY KEY AUTOINCREMENT, invoice_number TEXT, date TEXT, product_id INTEGER, quantity INTEGER, financial_year_id TEXT)`,
		`INSERT INTO purchases (invoice_number, date, product_id, quantity, financial_year_id) VALUES
			('PUR-0001', '2023-06-01', 1, 20, NULL),
			('PUR-0002', '2024-03-30', 1, 20, 'FY2024-2025')`,
	}
	if withYears {
		stmts = append(stmts,
			`CREATE TABLE financial_years (id TEXT PRIMARY KEY, label TEXT, start_date TEXT, end_date TEXT)`,
			`INSERT INTO financial_years VALUES
				('FY2023-2024', '2023-2024', '2023-04-01', '2024-03-31'),
				('FY2024-2025', '2024-2025', '2024-04-01', '2025-03-31')`,
		)
	}
	for _, stmt := range stmts {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err, stmt)
	}
	return path
}

func writeEmptyFile(path string) error {
	return os.WriteFile(path, nil, 0o644)
}

func invoiceNumbers(t *testing.T, h *Handle, table string) []string {
	t.Helper()
	rows, err := h.QueryContext(context.Background(), "SELECT invoice_number FROM "+quoteIdent(table)+" ORDER BY id")
	require.NoError(t, err)
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		require.NoError(t, rows.Scan(&s))
		out = append(out, s)
	}
	return out
}

func TestLegacyMigrator_SplitsTwoYearsInclusive(t *testing.T) {
	// GIVEN: Legacy data spanning two financial years
	env := newTestEnv(t, day(2025, time.May, 5), "acme")
	dir, err := env.provider.Resolver().Resolve(env.ctx, "acme")
	require.NoError(t, err)
	legacyPath := writeLegacyFile(t, dir, true)

	// WHEN: Migrating
	result, err := NewLegacyMigrator(env.provider).Migrate(env.ctx, "acme")
	require.NoError(t, err)

	// THEN: Exactly two per-year files, each with its own documents
	assert.Equal(t, []string{"FY2023-2024", "FY2024-2025"}, result.Created)
	assert.Equal(t, legacyPath+".bak", result.BackupPath)
	assert.NoFileExists(t, legacyPath)
	assert.FileExists(t, result.BackupPath)

	dbs, err := env.provider.AllDatabases(env.ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, dbs, 2)

	years, err := env.registry.List(env.ctx)
	require.NoError(t, err)
	assert.Len(t, years, 2)

	h1, err := env.provider.Open(env.ctx, "acme", "FY2023-2024")
	require.NoError(t, err)
	defer h1.Close()
	assert.Equal(t, []string{"INV-0001", "INV-0002"}, invoiceNumbers(t, h1, "sales"))
	assert.Equal(t, []string{"PUR-0001"}, invoiceNumbers(t, h1, "purchases"))
	assert.Equal(t, 2, countRows(t, h1, "products"))
	assert.Equal(t, 1, countRows(t, h1, "accounts"))

	h2, err := env.provider.Open(env.ctx, "acme", "FY2024-2025")
	require.NoError(t, err)
	defer h2.Close()
	assert.Equal(t, []string{"INV-0003", "INV-0004"}, invoiceNumbers(t, h2, "sales"))
	assert.Equal(t, []string{"PUR-0002"}, invoiceNumbers(t, h2, "purchases"))

	// Stamped year and carried stock
	var fyID string
	require.NoError(t, h1.QueryRowContext(env.ctx, "SELECT financial_year_id FROM sales WHERE invoice_number = 'INV-0002'").Scan(&fyID))
	assert.Equal(t, "FY2023-2024", fyID)
	var full int
	require.NoError(t, h2.QueryRowContext(env.ctx, "SELECT fullStock FROM products WHERE id = 1").Scan(&full))
	assert.Equal(t, 50, full)

	// Numbering continues after the copied documents
	var salesCounter, purchaseCounter int
	require.NoError(t, h2.QueryRowContext(env.ctx,
		"SELECT sales_counter, purchase_counter FROM invoice_counters").Scan(&salesCounter, &purchaseCounter))
	assert.Equal(t, 3, salesCounter)
	assert.Equal(t, 2, purchaseCounter)
}

func TestLegacyMigrator_NoLegacyFileIsNoop(t *testing.T) {
	env := newTestEnv(t, day(2025, time.May, 5), "acme")

	result, err := NewLegacyMigrator(env.provider).Migrate(env.ctx, "acme")
	require.NoError(t, err)

	assert.Empty(t, result.Created)
	assert.Empty(t, result.BackupPath)
	years, _ := env.registry.List(env.ctx)
	assert.Empty(t, years)
}

func TestLegacyMigrator_DerivesYearsFromDocuments(t *testing.T) {
	env := newTestEnv(t, day(2025, time.May, 5), "acme")
	dir, err := env.provider.Resolver().Resolve(env.ctx, "acme")
	require.NoError(t, err)
	writeLegacyFile(t, dir, false)

	result, err := NewLegacyMigrator(env.provider).Migrate(env.ctx, "acme")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"FY2023-2024", "FY2024-2025"}, result.Created)
}

func TestLegacyMigrator_SkipsExistingYearsAndKeepsOldBackup(t *testing.T) {
	// GIVEN: FY2024-2025 already has a per-year file and a previous .bak exists
	env := newTestEnv(t, day(2025, time.May, 5), "acme")
	dir, err := env.provider.Resolver().Resolve(env.ctx, "acme")
	require.NoError(t, err)
	require.NoError(t, env.provider.WithDatabase(env.ctx, "acme", "FY2024-2025", func(h *Handle) error {
		_, err := h.ExecContext(env.ctx, "INSERT INTO sales (invoice_number, date) VALUES ('INV-0009', '2024-09-09')")
		return err
	}))
	legacyPath := writeLegacyFile(t, dir, true)
	first := legacyPath + ".bak"
	require.NoError(t, writeEmptyFile(first))

	// WHEN: Migrating
	result, err := NewLegacyMigrator(env.provider).Migrate(env.ctx, "acme")
	require.NoError(t, err)

	// THEN: The existing year is untouched and the backup gets a new name
	assert.Equal(t, []string{"FY2023-2024"}, result.Created)
	assert.Equal(t, []string{"FY2024-2025"}, result.Skipped)
	assert.NotEqual(t, first, result.BackupPath)
	assert.FileExists(t, result.BackupPath)

	err = env.provider.WithDatabase(env.ctx, "acme", "FY2024-2025", func(h *Handle) error {
		assert.Equal(t, []string{"INV-0009"}, invoiceNumbers(t, h, "sales"))
		return nil
	})
	require.NoError(t, err)
}

func TestYearFilter_ExplicitYearWinsOverDate(t *testing.T) {
	env := newTestEnv(t, day(2025, time.May, 5), "acme")
	dir, err := env.provider.Resolver().Resolve(env.ctx, "acme")
	require.NoError(t, err)
	legacyPath := writeLegacyFile(t, dir, true)

	h, err := env.provider.Open(env.ctx, "acme", "FY2023-2024")
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, attach(env.ctx, h, legacyPath, legacyAlias))
	defer detach(env.ctx, h, legacyAlias)

	where, args, err := yearFilter(env.ctx, h, "purchases", fiscal.YearStarting(2023))
	require.NoError(t, err)
	assert.Contains(t, where, "financial_year_id = ?")
	assert.Equal(t, []any{"FY2023-2024", "2023-04-01", "2024-03-31"}, args)
}

// failingDateRows yields dates, then stops with err as an interrupted read would.
type failingDateRows struct {
	dates  []string
	err    error
	closed bool
}

func (r *failingDateRows) Next() bool { return len(r.dates) > 0 }

func (r *failingDateRows) Scan(dest ...any) error {
	*dest[0].(*string) = r.dates[0]
	r.dates = r.dates[1:]
	return nil
}

func (r *failingDateRows) Err() error   { return r.err }
func (r *failingDateRows) Close() error { r.closed = true; return nil }

func TestCollectYears_ReportsInterruptedRead(t *testing.T) {
	// GIVEN: A date cursor that fails after one row
	interrupted := errors.New("disk I/O error")
	rows := &failingDateRows{dates: []string{"2024-05-01"}, err: interrupted}

	// WHEN: Collecting years from it
	years, err := collectYears(rows, map[string]bool{}, nil)

	// THEN: The failure surfaces instead of a shortened year list
	require.ErrorIs(t, err, interrupted)
	assert.Nil(t, years)
	assert.True(t, rows.closed)
}

func TestCollectYears_DeduplicatesAcrossTables(t *testing.T) {
	seen := map[string]bool{}
	years, err := collectYears(&failingDateRows{dates: []string{"2024-03-31", "2024-04-01"}}, seen, nil)
	require.NoError(t, err)
	years, err = collectYears(&failingDateRows{dates: []string{"2024-12-25", "garbage"}}, seen, years)
	require.NoError(t, err)

	require.Len(t, years, 2)
	assert.Equal(t, "FY2023-2024", years[0].ID)
	assert.Equal(t, "FY2024-2025", years[1].ID)
}
