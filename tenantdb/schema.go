/*
schema.go - Versioned schema for per-year databases

PURPOSE:
  Guarantees that every table and column the rest of the system queries
  exists in a per-year database file, no matter how old the file is.

VERSIONING:
  Applied migrations are recorded one row per version in schema_migrations.
  EnsureSchema reads that set once; a fully migrated file costs one query.
  Files that predate schema_migrations start with an empty set, so every
  migration is written to be correct against a partially evolved table
  (CREATE TABLE IF NOT EXISTS, column probes before ALTER TABLE).

CONCURRENCY:
  Each migration runs in its own BEGIN IMMEDIATE transaction and re-checks
  its version after taking the write lock. Two requests racing on a fresh
  file serialize on SQLite's lock; the loser sees the version recorded and
  skips, so ADD COLUMN is never attempted twice.

FAILURES:
  A failing migration is rolled back, logged, and skipped; the remaining
  migrations still run. The caller gets a SchemaReport listing what was
  applied and what failed, plus a *fiscal.SchemaMigrationError when
  anything failed. Unrecorded migrations are retried on the next open.

SEE ALSO:
  - provider.go: Runs EnsureSchema on every handle acquisition
  - legacy.go: Relies on canonical columns when copying old data
*/
package tenantdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/warp/cylinder-books/fiscal"
)

// =============================================================================
// CANONICAL TABLES
// =============================================================================

type column struct {
	name string
	// decl is used in CREATE TABLE.
	decl string
	// add is used in ALTER TABLE ADD COLUMN; empty means never backfilled.
	add string
}

type tableDef struct {
	name    string
	columns []column
}

func (t tableDef) createSQL() string {
	defs := make([]string, len(t.columns))
	for i, c := range t.columns {
		defs[i] = c.name + " " + c.decl
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", t.name, strings.Join(defs, ",\n\t"))
}

func idColumn() column {
	return column{name: "id", decl: "INTEGER PRIMARY KEY AUTOINCREMENT"}
}

// Tables that every per-year database must carry.
var (
	productsTable = tableDef{name: "products", columns: []column{
		idColumn(),
		{"name", "TEXT NOT NULL", "TEXT NOT NULL DEFAULT ''"},
		{"capacity", "TEXT", "TEXT"},
		{"rate", "TEXT NOT NULL DEFAULT '0'", "TEXT NOT NULL DEFAULT '0'"},
		{"gst_rate", "TEXT NOT NULL DEFAULT '0'", "TEXT NOT NULL DEFAULT '0'"},
		{"fullStock", "INTEGER NOT NULL DEFAULT 0", ""},
		{"emptyStock", "INTEGER NOT NULL DEFAULT 0", ""},
		{"created_at", "TEXT", "TEXT"},
		{"updated_at", "TEXT", "TEXT"},
	}}

	accountsTable = tableDef{name: "accounts", columns: []column{
		idColumn(),
		{"name", "TEXT NOT NULL", "TEXT NOT NULL DEFAULT ''"},
		{"kind", "TEXT NOT NULL DEFAULT 'customer'", "TEXT NOT NULL DEFAULT 'customer'"},
		{"gstin", "TEXT", "TEXT"},
		{"phone", "TEXT", "TEXT"},
		{"address", "TEXT", "TEXT"},
		{"opening_balance", "TEXT NOT NULL DEFAULT '0'", "TEXT NOT NULL DEFAULT '0'"},
		{"created_at", "TEXT", "TEXT"},
	}}

	transportersTable = tableDef{name: "transporters", columns: []column{
		idColumn(),
		{"name", "TEXT NOT NULL", "TEXT NOT NULL DEFAULT ''"},
		{"vehicle_number", "TEXT", "TEXT"},
		{"phone", "TEXT", "TEXT"},
		{"created_at", "TEXT", "TEXT"},
	}}

	salesTable = tableDef{name: "sales", columns: invoiceColumns("empty_returned")}

	purchasesTable = tableDef{name: "purchases", columns: invoiceColumns("empty_sent")}

	stockMovementsTable = tableDef{name: "stock_movements", columns: []column{
		idColumn(),
		{"product_id", "INTEGER NOT NULL", "INTEGER NOT NULL DEFAULT 0"},
		{"date", "TEXT NOT NULL", "TEXT NOT NULL DEFAULT ''"},
		{"movement_type", "TEXT NOT NULL", "TEXT NOT NULL DEFAULT 'adjustment'"},
		{"full_delta", "INTEGER NOT NULL DEFAULT 0", "INTEGER NOT NULL DEFAULT 0"},
		{"empty_delta", "INTEGER NOT NULL DEFAULT 0", "INTEGER NOT NULL DEFAULT 0"},
		{"reference", "TEXT", "TEXT"},
		{"created_at", "TEXT", "TEXT"},
	}}

	invoiceCountersTable = tableDef{name: "invoice_counters", columns: []column{
		idColumn(),
		{"sales_counter", "INTEGER NOT NULL DEFAULT 1", "INTEGER NOT NULL DEFAULT 1"},
		{"purchase_counter", "INTEGER NOT NULL DEFAULT 1", "INTEGER NOT NULL DEFAULT 1"},
	}}

	openingStockTable = tableDef{name: "opening_stock", columns: []column{
		idColumn(),
		{"product_id", "INTEGER NOT NULL", "INTEGER NOT NULL DEFAULT 0"},
		{"date", "TEXT", "TEXT"},
		{"full_quantity", "INTEGER NOT NULL DEFAULT 0", "INTEGER NOT NULL DEFAULT 0"},
		{"empty_quantity", "INTEGER NOT NULL DEFAULT 0", "INTEGER NOT NULL DEFAULT 0"},
		{"financial_year_id", "TEXT", "TEXT"},
		{"created_at", "TEXT", "TEXT"},
	}}
)

func invoiceColumns(emptiesColumn string) []column {
	return []column{
		idColumn(),
		{"invoice_number", "TEXT", "TEXT"},
		{"date", "TEXT NOT NULL", "TEXT NOT NULL DEFAULT ''"},
		{"account_id", "INTEGER", "INTEGER"},
		{"transporter_id", "INTEGER", "INTEGER"},
		{"product_id", "INTEGER", "INTEGER"},
		{"quantity", "INTEGER NOT NULL DEFAULT 0", "INTEGER NOT NULL DEFAULT 0"},
		{emptiesColumn, "INTEGER NOT NULL DEFAULT 0", "INTEGER NOT NULL DEFAULT 0"},
		{"rate", "TEXT NOT NULL DEFAULT '0'", "TEXT NOT NULL DEFAULT '0'"},
		{"amount", "TEXT NOT NULL DEFAULT '0'", "TEXT NOT NULL DEFAULT '0'"},
		{"gst_amount", "TEXT NOT NULL DEFAULT '0'", "TEXT NOT NULL DEFAULT '0'"},
		{"total", "TEXT NOT NULL DEFAULT '0'", "TEXT NOT NULL DEFAULT '0'"},
		{"notes", "TEXT", "TEXT"},
		{"financial_year_id", "TEXT", ""},
		{"created_at", "TEXT", "TEXT"},
	}
}

// RequiredTables lists the tables every per-year database carries.
var RequiredTables = []string{
	"products", "sales", "purchases", "accounts", "transporters",
	"stock_movements", "invoice_counters", "opening_stock",
}

var canonicalTables = []tableDef{
	productsTable, accountsTable, transportersTable, salesTable, purchasesTable,
	stockMovementsTable, invoiceCountersTable, openingStockTable,
}

// =============================================================================
// MIGRATIONS
// =============================================================================

type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{1, "create_products", createTable(productsTable)},
	{2, "create_accounts", createTable(accountsTable)},
	{3, "create_transporters", createTable(transportersTable)},
	{4, "create_sales", createTable(salesTable)},
	{5, "create_purchases", createTable(purchasesTable)},
	{6, "create_stock_movements", createTable(stockMovementsTable)},
	{7, "create_invoice_counters", createInvoiceCounters},
	{8, "create_opening_stock", createTable(openingStockTable)},
	{9, "products_full_empty_stock", addStockColumns},
	{10, "sales_financial_year_id", addColumnIfMissing("sales", "financial_year_id", "TEXT")},
	{11, "purchases_financial_year_id", addColumnIfMissing("purchases", "financial_year_id", "TEXT")},
	{12, "backfill_canonical_columns", backfillCanonicalColumns},
	{13, "lookup_indexes", createIndexes},
}

// LatestSchemaVersion is the highest migration version.
func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].version
}

func createTable(t tableDef) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, t.createSQL())
		return err
	}
}

func createInvoiceCounters(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, invoiceCountersTable.createSQL()); err != nil {
		return err
	}
	return seedInvoiceCounters(ctx, tx)
}

// seedInvoiceCounters inserts the single counter row when the table is empty.
func seedInvoiceCounters(ctx context.Context, q queryer) error {
	var n int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM invoice_counters").Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err := q.ExecContext(ctx, "INSERT INTO invoice_counters (sales_counter, purchase_counter) VALUES (1, 1)")
	return err
}

// addStockColumns adds fullStock/emptyStock to a products table that predates
// them, carrying a legacy openingStock value into fullStock.
func addStockColumns(ctx context.Context, tx *sql.Tx) error {
	cols, err := tableColumns(ctx, tx, "main", "products")
	if err != nil {
		return err
	}
	if !containsFold(cols, "fullStock") {
		if _, err := tx.ExecContext(ctx, "ALTER TABLE products ADD COLUMN fullStock INTEGER NOT NULL DEFAULT 0"); err != nil {
			return err
		}
		if containsFold(cols, "openingStock") {
			if _, err := tx.ExecContext(ctx, "UPDATE products SET fullStock = COALESCE(openingStock, 0)"); err != nil {
				return err
			}
		}
	}
	if !containsFold(cols, "emptyStock") {
		if _, err := tx.ExecContext(ctx, "ALTER TABLE products ADD COLUMN emptyStock INTEGER NOT NULL DEFAULT 0"); err != nil {
			return err
		}
	}
	return nil
}

func addColumnIfMissing(table, name, decl string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		cols, err := tableColumns(ctx, tx, "main", table)
		if err != nil {
			return err
		}
		if containsFold(cols, name) {
			return nil
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(table), quoteIdent(name), decl))
		return err
	}
}

// backfillCanonicalColumns adds any other canonical column that an old file lacks.
func backfillCanonicalColumns(ctx context.Context, tx *sql.Tx) error {
	for _, t := range canonicalTables {
		cols, err := tableColumns(ctx, tx, "main", t.name)
		if err != nil {
			return err
		}
		for _, c := range t.columns {
			if c.add == "" || containsFold(cols, c.name) {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(t.name), quoteIdent(c.name), c.add)
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("%s.%s: %w", t.name, c.name, err)
			}
		}
	}
	return nil
}

func createIndexes(ctx context.Context, tx *sql.Tx) error {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_sales_date ON sales(date)",
		"CREATE INDEX IF NOT EXISTS idx_sales_account ON sales(account_id)",
		"CREATE INDEX IF NOT EXISTS idx_purchases_date ON purchases(date)",
		"CREATE INDEX IF NOT EXISTS idx_purchases_account ON purchases(account_id)",
		"CREATE INDEX IF NOT EXISTS idx_stock_movements_product ON stock_movements(product_id, date)",
		"CREATE INDEX IF NOT EXISTS idx_opening_stock_product ON opening_stock(product_id)",
	}
	for _, stmt := range indexes {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// ENSURE SCHEMA
// =============================================================================

// SchemaReport describes one EnsureSchema run.
type SchemaReport struct {
	Path     string
	Applied  []string
	Skipped  int
	Failures []fiscal.MigrationFailure
}

// UpToDate reports whether nothing needed to run.
func (r *SchemaReport) UpToDate() bool {
	return len(r.Applied) == 0 && len(r.Failures) == 0
}

// EnsureSchema applies every pending migration to db. It is idempotent and
// cheap on a fully migrated file. path is used for logging and errors only.
func EnsureSchema(ctx context.Context, db txBeginner, path string) (*SchemaReport, error) {
	report := &SchemaReport{Path: path}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return report, &fiscal.SchemaMigrationError{
			Path:     path,
			Failures: []fiscal.MigrationFailure{{Version: 0, Name: "schema_migrations", Err: err}},
		}
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return report, &fiscal.SchemaMigrationError{
			Path:     path,
			Failures: []fiscal.MigrationFailure{{Version: 0, Name: "schema_migrations", Err: err}},
		}
	}

	for _, m := range migrations {
		if applied[m.version] {
			report.Skipped++
			continue
		}
		ran, err := runMigration(ctx, db, m)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Int("version", m.version).Str("migration", m.name).
				Msg("schema migration failed; continuing")
			report.Failures = append(report.Failures, fiscal.MigrationFailure{Version: m.version, Name: m.name, Err: err})
			continue
		}
		if ran {
			report.Applied = append(report.Applied, m.name)
		} else {
			report.Skipped++
		}
	}

	if len(report.Failures) > 0 {
		return report, &fiscal.SchemaMigrationError{Path: path, Failures: report.Failures}
	}
	return report, nil
}

func appliedVersions(ctx context.Context, q queryer) (map[int]bool, error) {
	rows, err := q.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// runMigration applies m inside a write transaction. It returns false when a
// concurrent migrator recorded the version first.
func runMigration(ctx context.Context, db txBeginner, m migration) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.version).Scan(&n); err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}

	if err := m.apply(ctx, tx); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
		m.version, m.name, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return false, err
	}
	return true, tx.Commit()
}
