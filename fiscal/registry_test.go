package fiscal_test

import (
	"context"
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

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newTestRegistry(t *testing.T, today time.Time) (*fiscal.Registry, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	reg := fiscal.NewRegistry(mem, fiscal.WithClock(func() time.Time { return today }))
	return reg, mem
}

// =============================================================================
// DERIVATION
// =============================================================================

func TestYearFor_AprilRule(t *testing.T) {
	tests := []struct {
		name    string
		date    time.Time
		wantID  string
		wantEnd time.Time
	}{
		{"march belongs to previous start year", date(2024, time.March, 31), "FY2023-2024", date(2024, time.March, 31)},
		{"april 1 opens new year", date(2024, time.April, 1), "FY2024-2025", date(2025, time.March, 31)},
		{"january", date(2025, time.January, 15), "FY2024-2025", date(2025, time.March, 31)},
		{"december", date(2025, time.December, 31), "FY2025-2026", date(2026, time.March, 31)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fy := fiscal.YearFor(tt.date)
			assert.Equal(t, tt.wantID, fy.ID)
			assert.Equal(t, tt.wantEnd, fy.EndDate)
			assert.Equal(t, time.April, fy.StartDate.Month())
			assert.Equal(t, 1, fy.StartDate.Day())
			assert.True(t, fy.Contains(tt.date))
		})
	}
}

func TestParseID(t *testing.T) {
	start, err := fiscal.ParseID("FY2024-2025")
	require.NoError(t, err)
	assert.Equal(t, 2024, start)

	for _, bad := range []string{"", "FY2024-2026", "2024-2025", "FY2024-2025.db", "../FY2024-2025", "FY24-25"} {
		_, err := fiscal.ParseID(bad)
		assert.ErrorIs(t, err, fiscal.ErrInvalidFinancialYear, bad)
	}
}

func TestFinancialYear_ContainsIsBoundaryInclusive(t *testing.T) {
	fy := fiscal.YearStarting(2023)

	assert.True(t, fy.Contains(date(2023, time.April, 1)))
	assert.True(t, fy.Contains(date(2024, time.March, 31).Add(23*time.Hour)))
	assert.False(t, fy.Contains(date(2023, time.March, 31)))
	assert.False(t, fy.Contains(date(2024, time.April, 1)))
}

// =============================================================================
// REGISTRY
// =============================================================================

func TestRegistry_EnsureCurrent_EmptyCreatesDefault(t *testing.T) {
	// GIVEN: An empty registry and today = 2025-08-20
	reg, mem := newTestRegistry(t, date(2025, time.August, 20))
	ctx := context.Background()

	// WHEN: Resolving the current year
	fy, err := reg.EnsureCurrent(ctx)

	// THEN: Exactly one default year starting April 1 2025 exists
	require.NoError(t, err)
	assert.Equal(t, "FY2025-2026", fy.ID)
	assert.Equal(t, date(2025, time.April, 1), fy.StartDate)

	years, err := mem.ListFinancialYears(ctx)
	require.NoError(t, err)
	assert.Len(t, years, 1)

	// Calling again does not create a second year
	_, err = reg.EnsureCurrent(ctx)
	require.NoError(t, err)
	years, _ = mem.ListFinancialYears(ctx)
	assert.Len(t, years, 1)
}

func TestRegistry_EnsureCurrent_BeforeAprilUsesPreviousYear(t *testing.T) {
	reg, _ := newTestRegistry(t, date(2026, time.February, 2))

	fy, err := reg.EnsureCurrent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "FY2025-2026", fy.ID)
	assert.Equal(t, date(2025, time.April, 1), fy.StartDate)
}

func TestRegistry_Current_ContainingYearWins(t *testing.T) {
	reg, _ := newTestRegistry(t, date(2024, time.June, 1))
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, fiscal.YearStarting(2023)))
	require.NoError(t, reg.Create(ctx, fiscal.YearStarting(2024)))

	fy, err := reg.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, fy)
	assert.Equal(t, "FY2024-2025", fy.ID)
}

func TestRegistry_Current_GapFallsBackToMostRecentlyEnded(t *testing.T) {
	// GIVEN: Years 2021 and 2022 registered, today is in 2024 (gap)
	reg, _ := newTestRegistry(t, date(2024, time.July, 1))
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, fiscal.YearStarting(2021)))
	require.NoError(t, reg.Create(ctx, fiscal.YearStarting(2022)))

	fy, err := reg.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, fy)
	assert.Equal(t, "FY2022-2023", fy.ID)
}

func TestRegistry_Current_EmptyReturnsNil(t *testing.T) {
	reg, _ := newTestRegistry(t, date(2024, time.July, 1))

	fy, err := reg.Current(context.Background())
	require.NoError(t, err)
	assert.Nil(t, fy)
}

func TestRegistry_Create_IsIdempotent(t *testing.T) {
	reg, mem := newTestRegistry(t, date(2024, time.July, 1))
	ctx := context.Background()

	first := fiscal.YearStarting(2024)
	require.NoError(t, reg.Create(ctx, first))

	second := first
	second.Label = "renamed"
	require.NoError(t, reg.Create(ctx, second), "duplicate id is a no-op")

	stored, err := mem.GetFinancialYear(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Label, stored.Label, "existing row is not mutated")
}

func TestRegistry_Create_RejectsInvalid(t *testing.T) {
	reg, _ := newTestRegistry(t, date(2024, time.July, 1))
	ctx := context.Background()

	bad := fiscal.YearStarting(2024)
	bad.EndDate = bad.StartDate
	assert.ErrorIs(t, reg.Create(ctx, bad), fiscal.ErrInvalidPeriod)

	badID := fiscal.YearStarting(2024)
	badID.ID = "2024"
	assert.ErrorIs(t, reg.Create(ctx, badID), fiscal.ErrInvalidFinancialYear)
}

func TestRegistry_ForDate_RoutesAcrossYears(t *testing.T) {
	// GIVEN: FY2023-2024 and FY2024-2025
	reg, _ := newTestRegistry(t, date(2024, time.July, 1))
	ctx := context.Background()
	require.NoError(t, reg.Create(ctx, fiscal.YearStarting(2023)))
	require.NoError(t, reg.Create(ctx, fiscal.YearStarting(2024)))

	fy, err := reg.ForDate(ctx, date(2024, time.February, 15))
	require.NoError(t, err)
	assert.Equal(t, "FY2023-2024", fy.ID)

	fy, err = reg.ForDate(ctx, date(2024, time.May, 1))
	require.NoError(t, err)
	assert.Equal(t, "FY2024-2025", fy.ID)

	// A date in an unregistered year creates the derived year
	fy, err = reg.ForDate(ctx, date(2019, time.October, 3))
	require.NoError(t, err)
	assert.Equal(t, "FY2019-2020", fy.ID)

	years, _ := reg.List(ctx)
	assert.Len(t, years, 3)
	assert.Equal(t, "FY2019-2020", years[0].ID, "list is ordered by start date")
}

func TestNewYear_IDFollowsAprilRule(t *testing.T) {
	tests := []struct {
		name    string
		start   time.Time
		end     time.Time
		wantID  string
		wantEnd time.Time
	}{
		{"april start", date(2024, time.April, 1), time.Time{}, "FY2024-2025", date(2025, time.March, 31)},
		{"calendar year start", date(2024, time.January, 1), time.Time{}, "FY2023-2024", date(2024, time.December, 31)},
		{"explicit end", date(2024, time.July, 1), date(2025, time.June, 30), "FY2024-2025", date(2025, time.June, 30)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fy := fiscal.NewYear(tt.start, tt.end, "")
			assert.Equal(t, tt.wantID, fy.ID)
			assert.Equal(t, tt.start, fy.StartDate)
			assert.Equal(t, tt.wantEnd, fy.EndDate)
			assert.NoError(t, fy.Validate())
		})
	}
}

func TestRegistry_ForDate_AfterCalendarYearCreate(t *testing.T) {
	// GIVEN: A year registered for 2024-01-01..2024-12-31
	reg, _ := newTestRegistry(t, date(2024, time.July, 1))
	ctx := context.Background()
	custom := fiscal.NewYear(date(2024, time.January, 1), time.Time{}, "")
	require.NoError(t, reg.Create(ctx, custom))

	// WHEN: Routing a date inside it and one just past its end
	inside, err := reg.ForDate(ctx, date(2024, time.February, 1))
	require.NoError(t, err)
	after, err := reg.ForDate(ctx, date(2025, time.February, 1))
	require.NoError(t, err)

	// THEN: Each date lands in a year that contains it
	assert.Equal(t, "FY2023-2024", inside.ID)
	assert.True(t, inside.Contains(date(2024, time.February, 1)))
	assert.Equal(t, "FY2024-2025", after.ID)
	assert.True(t, after.Contains(date(2025, time.February, 1)))
}
