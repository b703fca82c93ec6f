package tenantdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// queryer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// txBeginner is satisfied by *sql.DB and *sql.Conn.
type txBeginner interface {
	queryer
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// openSQLite opens a per-year database file. Transactions take the write
// lock up front (BEGIN IMMEDIATE) so concurrent migrators serialize.
func openSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	// ATTACH is per-connection; keep every statement on one connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// openArchive opens a standalone archive file in rollback-journal mode so the
// result is a single portable file.
func openArchive(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// tableColumns returns the live column names of schema.table in declaration order.
func tableColumns(ctx context.Context, q queryer, schema, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA %s.table_info(%s)", quoteIdent(schema), quoteLiteral(table)))
	if err != nil {
		return nil, fmt.Errorf("table_info %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var names []string
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		// cid, name, type, notnull, dflt_value, pk
		switch v := vals[1].(type) {
		case string:
			names = append(names, v)
		case []byte:
			names = append(names, string(v))
		}
	}
	return names, rows.Err()
}

// tableNames lists user tables of schema, skipping SQLite internals.
func tableNames(ctx context.Context, q queryer, schema string) ([]string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(
		"SELECT name FROM %s.sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%%' ORDER BY name",
		quoteIdent(schema)))
	if err != nil {
		return nil, fmt.Errorf("list tables of %s: %w", schema, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func hasTable(ctx context.Context, q queryer, schema, table string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM %s.sqlite_master WHERE type = 'table' AND name = ?", quoteIdent(schema)),
		table,
	).Scan(&n)
	return n > 0, err
}

func containsFold(list []string, name string) bool {
	for _, s := range list {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

// commonColumns returns the columns of dst that src also carries, in dst order.
func commonColumns(dst, src []string) []string {
	var out []string
	for _, c := range dst {
		if containsFold(src, c) {
			out = append(out, c)
		}
	}
	return out
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quoteList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}

func attach(ctx context.Context, q queryer, path, alias string) error {
	_, err := q.ExecContext(ctx, fmt.Sprintf("ATTACH DATABASE ? AS %s", quoteIdent(alias)), path)
	return err
}

func detach(ctx context.Context, q queryer, alias string) error {
	_, err := q.ExecContext(ctx, fmt.Sprintf("DETACH DATABASE %s", quoteIdent(alias)))
	return err
}
