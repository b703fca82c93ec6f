package tenantdb

import (
	"context"
	"database/sql"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/cylinder-books/fiscal"
)

func openTestDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := openSQLite(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// schemaShape returns "table.column" for every user table.
func schemaShape(t *testing.T, db *sql.DB) []string {
	t.Helper()
	ctx := context.Background()
	tables, err := tableNames(ctx, db, "main")
	require.NoError(t, err)

	var shape []string
	for _, table := range tables {
		cols, err := tableColumns(ctx, db, "main", table)
		require.NoError(t, err)
		for _, c := range cols {
			shape = append(shape, table+"."+c)
		}
	}
	sort.Strings(shape)
	return shape
}

func TestEnsureSchema_Idempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "FY2024-2025.db")
	db := openTestDB(t, path)

	first, err := EnsureSchema(ctx, db, path)
	require.NoError(t, err)
	assert.Len(t, first.Applied, LatestSchemaVersion())
	once := schemaShape(t, db)

	for i := 0; i < 3; i++ {
		report, err := EnsureSchema(ctx, db, path)
		require.NoError(t, err)
		assert.True(t, report.UpToDate())
		assert.Equal(t, LatestSchemaVersion(), report.Skipped)
	}

	assert.Equal(t, once, schemaShape(t, db))
	assert.Equal(t, 1, countRows(t, db, "invoice_counters"))
}

func TestEnsureSchema_LegacyProductsGainStockColumns(t *testing.T) {
	// GIVEN: A products table from before fullStock/emptyStock existed
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "old.db")
	db := openTestDB(t, path)
	_, err := db.ExecContext(ctx, `CREATE TABLE products (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		openingStock INTEGER
	)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "INSERT INTO products (name, openingStock) VALUES ('LPG Commercial', 50)")
	require.NoError(t, err)

	// WHEN: The schema is ensured
	_, err = EnsureSchema(ctx, db, path)
	require.NoError(t, err)

	// THEN: The opening stock is carried into fullStock
	var full, empty int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT fullStock, emptyStock FROM products").Scan(&full, &empty))
	assert.Equal(t, 50, full)
	assert.Equal(t, 0, empty)

	cols, err := tableColumns(ctx, db, "main", "products")
	require.NoError(t, err)
	for _, c := range productsTable.columns {
		assert.True(t, containsFold(cols, c.name), c.name)
	}
}

func TestEnsureSchema_LegacySalesGainFinancialYearColumn(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "old.db")
	db := openTestDB(t, path)
	_, err := db.ExecContext(ctx, `CREATE TABLE sales (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		invoice_number TEXT,
		date TEXT,
		total TEXT
	)`)
	require.NoError(t, err)

	_, err = EnsureSchema(ctx, db, path)
	require.NoError(t, err)

	cols, err := tableColumns(ctx, db, "main", "sales")
	require.NoError(t, err)
	assert.True(t, containsFold(cols, "financial_year_id"))
	assert.True(t, containsFold(cols, "empty_returned"))
}

func TestEnsureSchema_ConcurrentOpenersDoNotDuplicateColumns(t *testing.T) {
	// GIVEN: A legacy file that several requests open at once
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "race.db")
	seed := openTestDB(t, path)
	_, err := seed.ExecContext(ctx, "CREATE TABLE products (id INTEGER PRIMARY KEY, name TEXT NOT NULL, openingStock INTEGER)")
	require.NoError(t, err)

	// WHEN: Each runs EnsureSchema on its own connection
	const openers = 4
	var wg sync.WaitGroup
	errs := make([]error, openers)
	for i := 0; i < openers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			db, err := openSQLite(ctx, path)
			if err != nil {
				errs[i] = err
				return
			}
			defer db.Close()
			_, errs[i] = EnsureSchema(ctx, db, path)
		}(i)
	}
	wg.Wait()

	// THEN: Every opener succeeds and each migration is recorded once
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, LatestSchemaVersion(), countRows(t, seed, "schema_migrations"))
}

func TestEnsureSchema_FailureIsReportedAndOthersContinue(t *testing.T) {
	// GIVEN: A sales view squatting on the table name
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "broken.db")
	db := openTestDB(t, path)
	_, err := db.ExecContext(ctx, "CREATE VIEW sales AS SELECT 1 AS id")
	require.NoError(t, err)

	// WHEN: Ensuring the schema
	report, err := EnsureSchema(ctx, db, path)

	// THEN: The sales migrations fail, the rest apply
	require.Error(t, err)
	assert.ErrorIs(t, err, fiscal.ErrSchemaMigration)
	var schemaErr *fiscal.SchemaMigrationError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, path, schemaErr.Path)
	assert.NotEmpty(t, report.Failures)

	ok, err := hasTable(ctx, db, "main", "purchases")
	require.NoError(t, err)
	assert.True(t, ok)
}
