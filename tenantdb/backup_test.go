package tenantdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/cylinder-books/fiscal"
)

func seedYear(t *testing.T, env *testEnv, username, fyID string, products, sales int) {
	t.Helper()
	err := env.provider.WithDatabase(env.ctx, username, fyID, func(h *Handle) error {
		for i := 0; i < products; i++ {
			if _, err := h.ExecContext(env.ctx, "INSERT INTO products (name, fullStock) VALUES (?, ?)", "cyl", 10+i); err != nil {
				return err
			}
		}
		for i := 0; i < sales; i++ {
			if _, err := h.ExecContext(env.ctx,
				"INSERT INTO sales (invoice_number, date, product_id, quantity, financial_year_id) VALUES (?, ?, 1, 1, ?)",
				fmt.Sprintf("INV-%04d", i+1), "2024-06-01", fyID); err != nil {
				return err
			}
		}
		_, err := h.ExecContext(env.ctx, "UPDATE invoice_counters SET sales_counter = ?", sales+1)
		return err
	})
	require.NoError(t, err)
}

func TestBackupEngine_WritesSelfDescribingArchive(t *testing.T) {
	env := newTestEnv(t, day(2024, time.June, 10), "acme")
	seedYear(t, env, "acme", "FY2023-2024", 1, 2)
	seedYear(t, env, "acme", "FY2024-2025", 2, 3)
	out := filepath.Join(t.TempDir(), "backups", "acme.db")

	result, err := NewBackupEngine(env.provider).Backup(env.ctx, "acme", out)
	require.NoError(t, err)

	assert.Equal(t, out, result.Path)
	assert.NotEmpty(t, result.ID)
	require.Len(t, result.Databases, 2)
	assert.Equal(t, "FY2023-2024", result.Databases[0].FinancialYearID)
	assert.Equal(t, "FY2023-2024.db", result.Databases[0].FileName)
	assert.Contains(t, result.Databases[1].Tables, "sales")

	archive, err := openArchive(env.ctx, out)
	require.NoError(t, err)
	defer archive.Close()

	var owner, version string
	require.NoError(t, archive.QueryRowContext(env.ctx, "SELECT value FROM backup_meta WHERE key = 'username'").Scan(&owner))
	require.NoError(t, archive.QueryRowContext(env.ctx, "SELECT value FROM backup_meta WHERE key = 'format_version'").Scan(&version))
	assert.Equal(t, "acme", owner)
	assert.Equal(t, BackupFormatVersion, version)
	assert.Equal(t, 2, countRows(t, archive, "backup_databases"))
	assert.Equal(t, 3, countRows(t, archive, "FY2024-2025_sales"))
	assert.Equal(t, 1, countRows(t, archive, "FY2023-2024_products"))
}

func TestBackupEngine_NothingToBackUp(t *testing.T) {
	env := newTestEnv(t, day(2024, time.June, 10), "acme")

	_, err := NewBackupEngine(env.provider).Backup(env.ctx, "acme", filepath.Join(t.TempDir(), "out.db"))
	assert.ErrorIs(t, err, fiscal.ErrNoDatabasesFound)
}

func TestBackupEngine_LegacyFallback(t *testing.T) {
	env := newTestEnv(t, day(2024, time.June, 10), "acme")
	dir, err := env.provider.Resolver().Resolve(env.ctx, "acme")
	require.NoError(t, err)
	legacy, err := openSQLite(env.ctx, filepath.Join(dir, LegacyBackupFileName))
	require.NoError(t, err)
	_, err = legacy.ExecContext(env.ctx, "CREATE TABLE products (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)
	legacy.Close()

	result, err := NewBackupEngine(env.provider).Backup(env.ctx, "acme", filepath.Join(t.TempDir(), "out.db"))
	require.NoError(t, err)

	require.Len(t, result.Databases, 1)
	assert.Equal(t, LegacyBackupFileName, result.Databases[0].FileName)
}

func TestBackupEngine_RoundTripIntoFreshTenant(t *testing.T) {
	// GIVEN: acme with products and sales in two years, backed up
	env := newTestEnv(t, day(2024, time.June, 10), "acme", "acme-restore")
	seedYear(t, env, "acme", "FY2023-2024", 1, 2)
	seedYear(t, env, "acme", "FY2024-2025", 2, 3)
	engine := NewBackupEngine(env.provider)
	out := filepath.Join(t.TempDir(), "acme.db")
	_, err := engine.Backup(env.ctx, "acme", out)
	require.NoError(t, err)

	// WHEN: Restoring into a fresh tenant directory
	freshDir, err := env.provider.Resolver().Resolve(env.ctx, "acme-restore")
	require.NoError(t, err)
	result, err := engine.Restore(env.ctx, "acme-restore", out, freshDir)
	require.NoError(t, err)

	// THEN: Row counts match and the mismatch is surfaced as a warning
	assert.True(t, result.RequiresRestart)
	assert.Equal(t, []string{"FY2023-2024.db", "FY2024-2025.db"}, result.Restored)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "acme")
	assert.Empty(t, result.SafetyBackupDir)

	tests := []struct {
		fy       string
		products int
		sales    int
		counter  int
	}{
		{"FY2023-2024", 1, 2, 3},
		{"FY2024-2025", 2, 3, 4},
	}
	for _, tt := range tests {
		err := env.provider.WithDatabase(env.ctx, "acme-restore", tt.fy, func(h *Handle) error {
			assert.Equal(t, tt.products, countRows(t, h, "products"), tt.fy)
			assert.Equal(t, tt.sales, countRows(t, h, "sales"), tt.fy)
			assert.Equal(t, 1, countRows(t, h, "invoice_counters"), tt.fy)
			var counter int
			require.NoError(t, h.QueryRowContext(env.ctx, "SELECT sales_counter FROM invoice_counters").Scan(&counter))
			assert.Equal(t, tt.counter, counter, tt.fy)
			assert.True(t, h.Schema.UpToDate(), tt.fy)
			return nil
		})
		require.NoError(t, err)
	}
}

func TestBackupEngine_RestoreKeepsSafetyCopy(t *testing.T) {
	// GIVEN: A tenant whose current data differs from the archive
	env := newTestEnv(t, day(2024, time.June, 10), "acme")
	seedYear(t, env, "acme", "FY2024-2025", 1, 1)
	engine := NewBackupEngine(env.provider)
	engine.now = func() time.Time { return time.Date(2024, time.July, 1, 9, 30, 0, 0, time.UTC) }
	out := filepath.Join(t.TempDir(), "acme.db")
	_, err := engine.Backup(env.ctx, "acme", out)
	require.NoError(t, err)
	seedYear(t, env, "acme", "FY2024-2025", 4, 0)

	dir, err := env.provider.Resolver().Resolve(env.ctx, "acme")
	require.NoError(t, err)

	// WHEN: Restoring in place
	result, err := engine.Restore(env.ctx, "acme", out, dir)
	require.NoError(t, err)

	// THEN: The pre-restore files were kept and the archived state is back
	assert.Empty(t, result.Warnings)
	assert.Equal(t, filepath.Join(dir, "pre-restore-20240701-093000"), result.SafetyBackupDir)
	assert.FileExists(t, filepath.Join(result.SafetyBackupDir, "FY2024-2025.db"))

	err = env.provider.WithDatabase(env.ctx, "acme", "FY2024-2025", func(h *Handle) error {
		assert.Equal(t, 1, countRows(t, h, "products"))
		return nil
	})
	require.NoError(t, err)
}

func TestBackupEngine_SafetyCopyIncludesWALPages(t *testing.T) {
	// GIVEN: An archive with one product, then five more committed through a
	// handle that is still open, so their pages sit in the -wal file
	env := newTestEnv(t, day(2024, time.June, 10), "acme")
	seedYear(t, env, "acme", "FY2024-2025", 1, 0)
	engine := NewBackupEngine(env.provider)
	out := filepath.Join(t.TempDir(), "acme.db")
	_, err := engine.Backup(env.ctx, "acme", out)
	require.NoError(t, err)

	live, err := env.provider.Open(env.ctx, "acme", "FY2024-2025")
	require.NoError(t, err)
	defer live.Close()
	for i := 0; i < 5; i++ {
		_, err := live.ExecContext(env.ctx, "INSERT INTO products (name, fullStock) VALUES (?, ?)", "late", i)
		require.NoError(t, err)
	}
	require.Equal(t, 6, countRows(t, live, "products"))

	dir, err := env.provider.Resolver().Resolve(env.ctx, "acme")
	require.NoError(t, err)

	// WHEN: Restoring while that handle is open
	result, err := engine.Restore(env.ctx, "acme", out, dir)
	require.NoError(t, err)

	// THEN: The safety copy holds all six products
	snapshot, err := openSQLite(env.ctx, filepath.Join(result.SafetyBackupDir, "FY2024-2025.db"))
	require.NoError(t, err)
	defer snapshot.Close()
	assert.Equal(t, 6, countRows(t, snapshot, "products"))
}

func TestBackupEngine_RestoreRejectsBadArchives(t *testing.T) {
	env := newTestEnv(t, day(2024, time.June, 10), "acme")
	engine := NewBackupEngine(env.provider)
	dir := t.TempDir()

	_, err := engine.Restore(env.ctx, "acme", filepath.Join(dir, "missing.db"), dir)
	assert.ErrorIs(t, err, fiscal.ErrBackupNotFound)

	bogus := filepath.Join(dir, "bogus.db")
	db, err := openArchive(context.Background(), bogus)
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE backup_meta (key TEXT PRIMARY KEY, value TEXT)")
	require.NoError(t, err)
	db.Close()

	_, err = engine.Restore(env.ctx, "acme", bogus, dir)
	assert.ErrorIs(t, err, fiscal.ErrInvalidBackup)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "nothing written for an invalid archive")
}
