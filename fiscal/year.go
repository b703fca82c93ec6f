package fiscal

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// DateLayout is the persisted form of every date column.
const DateLayout = "2006-01-02"

// StartMonth is the first month of the fiscal year (April 1 - March 31).
const StartMonth = time.April

var idPattern = regexp.MustCompile(`^FY(\d{4})-(\d{4})$`)

// =============================================================================
// FINANCIAL YEAR - The partition key for per-year databases
// =============================================================================

// FinancialYear is one fiscal accounting period shared by all tenants.
// The interval [StartDate, EndDate] is inclusive on both ends.
type FinancialYear struct {
	ID        string
	Label     string
	StartDate time.Time
	EndDate   time.Time
}

// Contains returns true if date falls within [StartDate, EndDate].
func (fy FinancialYear) Contains(date time.Time) bool {
	d := Day(date)
	return !d.Before(fy.StartDate) && !d.After(fy.EndDate)
}

// Validate checks the id format and that the period is not empty.
func (fy FinancialYear) Validate() error {
	if _, err := ParseID(fy.ID); err != nil {
		return err
	}
	if !fy.StartDate.Before(fy.EndDate) {
		return fmt.Errorf("%w: %s", ErrInvalidPeriod, fy.ID)
	}
	return nil
}

// StartString returns the start date in DateLayout.
func (fy FinancialYear) StartString() string { return fy.StartDate.Format(DateLayout) }

// EndString returns the end date in DateLayout.
func (fy FinancialYear) EndString() string { return fy.EndDate.Format(DateLayout) }

func (fy FinancialYear) String() string {
	return fy.ID + " [" + fy.StartString() + ", " + fy.EndString() + "]"
}

// =============================================================================
// DERIVATION - April 1 rule
// =============================================================================

// IDFor returns the id of the fiscal year starting in startYear, e.g. FY2024-2025.
func IDFor(startYear int) string {
	return fmt.Sprintf("FY%d-%d", startYear, startYear+1)
}

// LabelFor returns the display label of the fiscal year starting in startYear.
func LabelFor(startYear int) string {
	return fmt.Sprintf("%d-%d", startYear, startYear+1)
}

// ParseID extracts the start year from an id. The id is used as a file name,
// so anything that does not match FY<yyyy>-<yyyy+1> is rejected.
func ParseID(id string) (int, error) {
	m := idPattern.FindStringSubmatch(id)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFinancialYear, id)
	}
	start, _ := strconv.Atoi(m[1])
	end, _ := strconv.Atoi(m[2])
	if end != start+1 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFinancialYear, id)
	}
	return start, nil
}

// StartYearFor returns the calendar year in which the fiscal year containing
// date began: the current year from April onwards, the previous year before.
func StartYearFor(date time.Time) int {
	if date.Month() >= StartMonth {
		return date.Year()
	}
	return date.Year() - 1
}

// YearStarting builds the default fiscal year beginning April 1 of startYear.
func YearStarting(startYear int) FinancialYear {
	start := time.Date(startYear, StartMonth, 1, 0, 0, 0, 0, time.UTC)
	return FinancialYear{
		ID:        IDFor(startYear),
		Label:     LabelFor(startYear),
		StartDate: start,
		EndDate:   start.AddDate(1, 0, -1),
	}
}

// YearFor returns the default fiscal year that contains date.
func YearFor(date time.Time) FinancialYear {
	return YearStarting(StartYearFor(date))
}

// NewYear builds a year with a caller-chosen range, keyed by the April-rule
// id of start. A zero end means one year minus a day after start.
func NewYear(start, end time.Time, label string) FinancialYear {
	start = Day(start)
	if end.IsZero() {
		end = start.AddDate(1, 0, -1)
	}
	return FinancialYear{ID: YearFor(start).ID, Label: label, StartDate: start, EndDate: Day(end)}
}

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a DateLayout string, also accepting a trailing time part.
func ParseDate(s string) (time.Time, error) {
	if len(s) >= len(DateLayout) {
		if t, err := time.Parse(DateLayout, s[:len(DateLayout)]); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: invalid date %q (use YYYY-MM-DD)", ErrValidation, s)
}
