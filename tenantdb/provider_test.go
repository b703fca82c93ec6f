/*
provider_test.go - Tests for tenant resolution and per-year handles

Tests for:
- Resolver: canonical directories, foreign path repair
- Provider: default year creation, round-trip, date routing, scoped handles
*/
package tenantdb

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/cylinder-books/fiscal"
	"github.com/warp/cylinder-books/fiscal/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type testEnv struct {
	ctx      context.Context
	mem      *store.Memory
	registry *fiscal.Registry
	provider *Provider
	baseDir  string
}

func newTestEnv(t *testing.T, today time.Time, usernames ...string) *testEnv {
	t.Helper()
	mem := store.NewMemory()
	reg := fiscal.NewRegistry(mem, fiscal.WithClock(func() time.Time { return today }))
	base := t.TempDir()
	env := &testEnv{
		ctx:      context.Background(),
		mem:      mem,
		registry: reg,
		provider: NewProvider(mem, reg, base),
		baseDir:  base,
	}
	for _, u := range usernames {
		_, err := mem.CreateUser(env.ctx, fiscal.User{Username: u})
		require.NoError(t, err)
	}
	return env
}

func countRows(t *testing.T, q queryer, table string) int {
	t.Helper()
	var n int
	require.NoError(t, q.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+quoteIdent(table)).Scan(&n))
	return n
}

// =============================================================================
// RESOLVER
// =============================================================================

func TestResolver_CreatesAndPersistsCanonicalDir(t *testing.T) {
	env := newTestEnv(t, day(2024, time.June, 10), "acme")

	dir, err := env.provider.Resolver().Resolve(env.ctx, "acme")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(env.baseDir, "acme"), dir)
	assert.DirExists(t, dir)
	u, err := env.mem.GetUser(env.ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, dir, u.Directory)
}

func TestResolver_UnknownTenant(t *testing.T) {
	env := newTestEnv(t, day(2024, time.June, 10))

	_, err := env.provider.Resolver().Resolve(env.ctx, "ghost")
	assert.ErrorIs(t, err, fiscal.ErrTenantNotFound)
}

func TestResolver_RepairsForeignPath(t *testing.T) {
	// GIVEN: A directory written by a Windows deployment
	env := newTestEnv(t, day(2024, time.June, 10), "acme")
	require.NoError(t, env.mem.SetDirectory(env.ctx, "acme", `C:\Users\acme\AppData\books`))

	// WHEN: Resolving on this host
	dir, err := env.provider.Resolver().Resolve(env.ctx, "acme")
	require.NoError(t, err)

	// THEN: The canonical directory replaces it and is persisted
	assert.Equal(t, filepath.Join(env.baseDir, "acme"), dir)
	u, _ := env.mem.GetUser(env.ctx, "acme")
	assert.Equal(t, dir, u.Directory)
}

func TestResolver_RecreatesMissingStoredDir(t *testing.T) {
	env := newTestEnv(t, day(2024, time.June, 10), "acme")
	stored := filepath.Join(t.TempDir(), "elsewhere", "acme")
	require.NoError(t, env.mem.SetDirectory(env.ctx, "acme", stored))

	dir, err := env.provider.Resolver().Resolve(env.ctx, "acme")
	require.NoError(t, err)

	assert.Equal(t, stored, dir)
	assert.DirExists(t, stored)
}

func TestDirName(t *testing.T) {
	tests := []struct {
		in   string
		want string
		err  bool
	}{
		{"acme", "acme", false},
		{"acme gas/co", "acme_gas_co", false},
		{"ops@acme.in", "ops_acme.in", false},
		{"..", "", true},
		{"  ", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := DirName(tt.in)
			if tt.err {
				assert.ErrorIs(t, err, fiscal.ErrInvalidUsername)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// PROVIDER
// =============================================================================

func TestProvider_Open_CreatesDefaultYear(t *testing.T) {
	// GIVEN: A tenant and an empty registry
	env := newTestEnv(t, day(2024, time.June, 10), "acme")

	current, err := env.provider.CurrentFinancialYear(env.ctx)
	require.NoError(t, err)
	require.Nil(t, current)

	// WHEN: Opening without a year
	h, err := env.provider.Open(env.ctx, "acme", "")
	require.NoError(t, err)
	defer h.Close()

	// THEN: Exactly one default year exists and the file was created
	years, err := env.provider.FinancialYears(env.ctx)
	require.NoError(t, err)
	require.Len(t, years, 1)
	assert.Equal(t, "FY2024-2025", years[0].ID)
	assert.Equal(t, day(2024, time.April, 1), years[0].StartDate)

	assert.Equal(t, "FY2024-2025", h.FinancialYearID)
	assert.Equal(t, "acme", h.Username)
	assert.True(t, h.Created)
	assert.FileExists(t, filepath.Join(env.baseDir, "acme", "FY2024-2025.db"))
	assert.Len(t, h.Schema.Applied, LatestSchemaVersion())
	for _, table := range RequiredTables {
		ok, err := hasTable(env.ctx, h, "main", table)
		require.NoError(t, err)
		assert.True(t, ok, table)
	}
}

func TestProvider_RoundTrip(t *testing.T) {
	env := newTestEnv(t, day(2024, time.June, 10), "acme")

	err := env.provider.WithDatabase(env.ctx, "acme", "FY2024-2025", func(h *Handle) error {
		_, err := h.ExecContext(env.ctx, "INSERT INTO products (name, capacity) VALUES ('LPG Domestic', '14.2kg')")
		return err
	})
	require.NoError(t, err)

	h, err := env.provider.Open(env.ctx, "acme", "FY2024-2025")
	require.NoError(t, err)
	defer h.Close()

	assert.False(t, h.Created)
	assert.True(t, h.Schema.UpToDate())
	assert.Equal(t, 1, countRows(t, h, "products"))
}

func TestProvider_Open_RejectsMalformedYear(t *testing.T) {
	env := newTestEnv(t, day(2024, time.June, 10), "acme")

	for _, id := range []string{"../../etc/passwd", "FY2024-2026", "2024-2025"} {
		_, err := env.provider.Open(env.ctx, "acme", id)
		assert.ErrorIs(t, err, fiscal.ErrInvalidFinancialYear, id)
	}
}

func TestProvider_Open_UnknownTenant(t *testing.T) {
	env := newTestEnv(t, day(2024, time.June, 10))

	_, err := env.provider.Open(env.ctx, "ghost", "")
	assert.ErrorIs(t, err, fiscal.ErrTenantNotFound)
}

func TestProvider_OpenForDate_RoutesByFinancialYear(t *testing.T) {
	// GIVEN: acme with FY2023-2024 and FY2024-2025
	env := newTestEnv(t, day(2024, time.June, 10), "acme")
	require.NoError(t, env.registry.Create(env.ctx, fiscal.YearStarting(2023)))
	require.NoError(t, env.registry.Create(env.ctx, fiscal.YearStarting(2024)))

	tests := []struct {
		date time.Time
		want string
	}{
		{day(2024, time.February, 15), "FY2023-2024"},
		{day(2024, time.May, 1), "FY2024-2025"},
		{day(2024, time.March, 31), "FY2023-2024"},
		{day(2024, time.April, 1), "FY2024-2025"},
	}
	for _, tt := range tests {
		h, err := env.provider.OpenForDate(env.ctx, "acme", tt.date)
		require.NoError(t, err)
		assert.Equal(t, tt.want, h.FinancialYearID)
		assert.Equal(t, tt.want+".db", filepath.Base(h.Path))
		h.Close()
	}
}

func TestProvider_WithDatabase_ReleasesOnError(t *testing.T) {
	env := newTestEnv(t, day(2024, time.June, 10), "acme")

	var held *Handle
	err := env.provider.WithDatabase(env.ctx, "acme", "", func(h *Handle) error {
		held = h
		return fiscal.ErrValidation
	})

	assert.ErrorIs(t, err, fiscal.ErrValidation)
	require.NotNil(t, held)
	assert.Error(t, held.PingContext(env.ctx), "handle must be closed")
}

func TestProvider_CreateUserDatabase(t *testing.T) {
	env := newTestEnv(t, day(2025, time.January, 20), "acme")

	h, dir, err := env.provider.CreateUserDatabase(env.ctx, "acme")
	require.NoError(t, err)
	defer h.Close()

	assert.Equal(t, filepath.Join(env.baseDir, "acme"), dir)
	assert.Equal(t, "FY2024-2025", h.FinancialYearID)
}

func TestProvider_AllDatabases(t *testing.T) {
	env := newTestEnv(t, day(2024, time.June, 10), "acme")
	require.NoError(t, env.registry.Create(env.ctx, fiscal.FinancialYear{
		ID: "FY2023-2024", Label: "Year 23", StartDate: day(2023, time.April, 1), EndDate: day(2024, time.March, 31),
	}))
	for _, id := range []string{"FY2023-2024", "FY2024-2025"} {
		require.NoError(t, env.provider.WithDatabase(env.ctx, "acme", id, func(*Handle) error { return nil }))
	}
	dir, _ := env.provider.Resolver().Resolve(env.ctx, "acme")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.db"), nil, 0o644))

	dbs, err := env.provider.AllDatabases(env.ctx, "acme")
	require.NoError(t, err)

	assert.Equal(t, []string{"FY2023-2024", "FY2024-2025"}, SortedIDs(dbs))
	assert.Equal(t, "Year 23", dbs["FY2023-2024"].Name)
	require.NotNil(t, dbs["FY2023-2024"].FinancialYear)
	assert.Equal(t, filepath.Join(dir, "FY2024-2025.db"), dbs["FY2024-2025"].Path)
}
