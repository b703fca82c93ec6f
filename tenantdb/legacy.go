package tenantdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/warp/cylinder-books/fiscal"
)

// LegacyFileName is the single-file database used before per-year files.
const LegacyFileName = "user_data.db"

const legacyAlias = "legacy"

// Tables copied into every year without filtering.
var masterTables = []string{"products", "accounts", "transporters"}

// Tables copied only for rows belonging to the year being built.
var datedTables = []string{"sales", "purchases", "opening_stock"}

// MigrationResult summarizes a legacy migration run.
type MigrationResult struct {
	// Created lists the per-year databases built by this run.
	Created []string
	// Skipped lists years whose database already existed.
	Skipped []string
	// BackupPath is where the legacy file was moved; empty when there was none.
	BackupPath string
}

// LegacyMigrator redistributes a tenant's user_data.db into per-year files.
type LegacyMigrator struct {
	provider *Provider
}

// NewLegacyMigrator creates a migrator that opens files through provider.
func NewLegacyMigrator(provider *Provider) *LegacyMigrator {
	return &LegacyMigrator{provider: provider}
}

// Migrate runs the one-shot migration for username. Without a legacy file it
// does nothing. Years whose database already exists are skipped entirely, so
// the run can be repeated after a failure.
func (m *LegacyMigrator) Migrate(ctx context.Context, username string) (*MigrationResult, error) {
	dir, err := m.provider.resolver.Resolve(ctx, username)
	if err != nil {
		return nil, err
	}

	result := &MigrationResult{}
	oldPath := filepath.Join(dir, LegacyFileName)
	if _, err := os.Stat(oldPath); errors.Is(err, os.ErrNotExist) {
		return result, nil
	} else if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", fiscal.ErrDatabaseConnection, oldPath, err)
	}

	years, err := m.legacyYears(ctx, oldPath)
	if err != nil {
		return nil, err
	}

	for _, fy := range years {
		if err := m.provider.registry.Create(ctx, fy); err != nil {
			return nil, fmt.Errorf("register %s: %w", fy.ID, err)
		}

		path := DatabasePath(dir, fy.ID)
		if _, err := os.Stat(path); err == nil {
			result.Skipped = append(result.Skipped, fy.ID)
			continue
		}

		h, err := m.provider.Open(ctx, username, fy.ID)
		if err != nil {
			return nil, err
		}
		err = copyLegacyYear(ctx, h, oldPath, fy)
		h.Close()
		if err != nil {
			// A file left behind would be skipped on the next run.
			removeDatabaseFiles(path)
			return nil, fmt.Errorf("migrate %s into %s: %w", username, fy.ID, err)
		}
		result.Created = append(result.Created, fy.ID)
		log.Info().Str("username", username).Str("financial_year", fy.ID).Msg("migrated legacy data")
	}

	backup := oldPath + ".bak"
	if _, err := os.Stat(backup); err == nil {
		backup = fmt.Sprintf("%s.%s.bak", oldPath, time.Now().UTC().Format("20060102150405"))
	}
	if err := os.Rename(oldPath, backup); err != nil {
		return nil, fmt.Errorf("rename legacy database: %w", err)
	}
	result.BackupPath = backup
	return result, nil
}

// legacyYears reads the years recorded in the old file. Without a
// financial_years table, years are derived from the document dates, and a
// file with no dated documents yields the current default year.
func (m *LegacyMigrator) legacyYears(ctx context.Context, oldPath string) ([]fiscal.FinancialYear, error) {
	db, err := openArchive(ctx, oldPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", fiscal.ErrDatabaseConnection, oldPath, err)
	}
	defer db.Close()

	var years []fiscal.FinancialYear
	ok, err := hasTable(ctx, db, "main", "financial_years")
	if err != nil {
		return nil, err
	}
	if ok {
		years, err = readLegacyYearTable(ctx, db)
		if err != nil {
			return nil, err
		}
	}
	if len(years) == 0 {
		years, err = deriveYearsFromDocuments(ctx, db)
		if err != nil {
			return nil, err
		}
	}
	if len(years) == 0 {
		years = []fiscal.FinancialYear{fiscal.YearFor(m.provider.registry.Today())}
	}
	return years, nil
}

func readLegacyYearTable(ctx context.Context, db *sql.DB) ([]fiscal.FinancialYear, error) {
	rows, err := db.QueryContext(ctx, "SELECT id, label, start_date, end_date FROM financial_years ORDER BY start_date")
	if err != nil {
		return nil, fmt.Errorf("read legacy financial years: %w", err)
	}
	defer rows.Close()

	var years []fiscal.FinancialYear
	for rows.Next() {
		var (
			id, start, end string
			label          sql.NullString
		)
		if err := rows.Scan(&id, &label, &start, &end); err != nil {
			return nil, err
		}
		startDate, err := fiscal.ParseDate(start)
		if err != nil {
			return nil, err
		}
		endDate, err := fiscal.ParseDate(end)
		if err != nil {
			return nil, err
		}
		if _, err := fiscal.ParseID(id); err != nil {
			id = fiscal.YearFor(startDate).ID
		}
		fy := fiscal.FinancialYear{ID: id, Label: label.String, StartDate: startDate, EndDate: endDate}
		if fy.Label == "" {
			fy.Label = fiscal.LabelFor(fy.StartDate.Year())
		}
		years = append(years, fy)
	}
	return years, rows.Err()
}

func deriveYearsFromDocuments(ctx context.Context, db *sql.DB) ([]fiscal.FinancialYear, error) {
	seen := make(map[string]bool)
	var years []fiscal.FinancialYear
	for _, table := range []string{"sales", "purchases"} {
		cols, err := tableColumns(ctx, db, "main", table)
		if err != nil {
			return nil, err
		}
		if !containsFold(cols, "date") {
			continue
		}
		rows, err := db.QueryContext(ctx, fmt.Sprintf(
			`SELECT DISTINCT date("date") FROM %s WHERE date("date") IS NOT NULL`, quoteIdent(table)))
		if err != nil {
			return nil, err
		}
		years, err = collectYears(rows, seen, years)
		if err != nil {
			return nil, err
		}
	}
	return years, nil
}

// dateRows is the part of *sql.Rows collectYears reads.
type dateRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// collectYears appends the default year of every date in rows not yet in
// seen, and closes rows.
func collectYears(rows dateRows, seen map[string]bool, years []fiscal.FinancialYear) ([]fiscal.FinancialYear, error) {
	defer rows.Close()
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		t, err := fiscal.ParseDate(d)
		if err != nil {
			continue
		}
		fy := fiscal.YearFor(t)
		if !seen[fy.ID] {
			seen[fy.ID] = true
			years = append(years, fy)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read document dates: %w", err)
	}
	return years, nil
}

// copyLegacyYear copies the rows of one year from the legacy file into h in a
// single transaction.
func copyLegacyYear(ctx context.Context, h *Handle, oldPath string, fy fiscal.FinancialYear) error {
	conn, err := h.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := attach(ctx, conn, oldPath, legacyAlias); err != nil {
		return fmt.Errorf("attach legacy database: %w", err)
	}
	defer func() {
		if err := detach(context.Background(), conn, legacyAlias); err != nil {
			log.Warn().Err(err).Msg("failed to detach legacy database")
		}
	}()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range masterTables {
		if err := copyTable(ctx, tx, legacyAlias, table, "", nil); err != nil {
			return err
		}
	}

	for _, table := range datedTables {
		ok, err := hasTable(ctx, tx, legacyAlias, table)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		where, args, err := yearFilter(ctx, tx, table, fy)
		if err != nil {
			return err
		}
		if where == "" {
			log.Warn().Str("table", table).Msg("legacy table has neither date nor financial_year_id; rows not copied")
			continue
		}
		if err := copyTable(ctx, tx, legacyAlias, table, where, args); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			"UPDATE main.%s SET financial_year_id = ? WHERE financial_year_id IS NULL OR financial_year_id = ''",
			quoteIdent(table)), fy.ID); err != nil {
			return err
		}
	}

	if err := copyInvoiceCounters(ctx, tx, fy); err != nil {
		return err
	}
	return tx.Commit()
}

// yearFilter selects legacy rows of fy: an explicit financial_year_id wins,
// otherwise the row's date must fall within the year, both ends inclusive.
func yearFilter(ctx context.Context, q queryer, table string, fy fiscal.FinancialYear) (string, []any, error) {
	cols, err := tableColumns(ctx, q, legacyAlias, table)
	if err != nil {
		return "", nil, err
	}
	if len(cols) == 0 {
		return "", nil, nil
	}
	hasDate := containsFold(cols, "date")
	hasFY := containsFold(cols, "financial_year_id")

	inRange := `date("date") BETWEEN ? AND ?`
	switch {
	case hasDate && hasFY:
		return `financial_year_id = ? OR ((financial_year_id IS NULL OR financial_year_id = '') AND ` + inRange + `)`,
			[]any{fy.ID, fy.StartString(), fy.EndString()}, nil
	case hasDate:
		return inRange, []any{fy.StartString(), fy.EndString()}, nil
	case hasFY:
		return "financial_year_id = ?", []any{fy.ID}, nil
	}
	return "", nil, nil
}

// copyTable inserts rows of src.table into main.table over the columns both
// carry. A legacy products.openingStock feeds fullStock when the source has
// no fullStock of its own.
func copyTable(ctx context.Context, q queryer, src, table, where string, args []any) error {
	srcCols, err := tableColumns(ctx, q, src, table)
	if err != nil {
		return err
	}
	if len(srcCols) == 0 {
		return nil
	}
	dstCols, err := tableColumns(ctx, q, "main", table)
	if err != nil {
		return err
	}

	cols := commonColumns(dstCols, srcCols)
	exprs := make([]string, len(cols))
	for i, c := range cols {
		exprs[i] = quoteIdent(c)
	}
	if table == "products" && !containsFold(srcCols, "fullStock") && containsFold(srcCols, "openingStock") {
		cols = append(cols, "fullStock")
		exprs = append(exprs, `COALESCE("openingStock", 0)`)
	}
	if len(cols) == 0 {
		return nil
	}

	stmt := fmt.Sprintf("INSERT INTO main.%s (%s) SELECT %s FROM %s.%s",
		quoteIdent(table), quoteList(cols), strings.Join(exprs, ", "), quoteIdent(src), quoteIdent(table))
	if where != "" {
		stmt += " WHERE " + where
	}
	if _, err := q.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("copy %s: %w", table, err)
	}
	return nil
}

// copyInvoiceCounters carries the legacy counters of fy when the legacy table
// is keyed by year, and otherwise continues numbering after the copied documents.
func copyInvoiceCounters(ctx context.Context, tx *sql.Tx, fy fiscal.FinancialYear) error {
	cols, err := tableColumns(ctx, tx, legacyAlias, "invoice_counters")
	if err != nil {
		return err
	}

	var sales, purchases int64
	if containsFold(cols, "financial_year_id") && containsFold(cols, "sales_counter") && containsFold(cols, "purchase_counter") {
		err := tx.QueryRowContext(ctx,
			`SELECT sales_counter, purchase_counter FROM legacy.invoice_counters WHERE financial_year_id = ? LIMIT 1`,
			fy.ID,
		).Scan(&sales, &purchases)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read legacy invoice counters: %w", err)
		}
	}
	if sales == 0 {
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) + 1 FROM main.sales").Scan(&sales); err != nil {
			return err
		}
	}
	if purchases == 0 {
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) + 1 FROM main.purchases").Scan(&purchases); err != nil {
			return err
		}
	}

	if err := seedInvoiceCounters(ctx, tx); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE main.invoice_counters SET sales_counter = ?, purchase_counter = ? WHERE id = (SELECT MIN(id) FROM main.invoice_counters)",
		sales, purchases)
	return err
}
