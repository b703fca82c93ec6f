/*
books.go - Cylinder dealer bookkeeping on top of one per-year database

PURPOSE:
  Every business record lives in the database of the financial year it
  belongs to. Books wraps an open tenantdb.Handle together with that year
  and runs the CRUD for masters (products, accounts, transporters) and
  documents (sales, purchases, opening stock).

INVARIANTS:
  1. A document date must fall inside the handle's financial year.
  2. A sale never drives a product's full stock below zero.
  3. Every stock change writes a stock_movements row in the same
     transaction as the change itself.
  4. Invoice numbers come from invoice_counters and are never reused
     within one year.

MONEY:
  Amounts are shopspring/decimal values persisted as TEXT, so totals
  never pick up float rounding.

EXAMPLE:
  err := provider.WithDatabase(ctx, "acme", "FY2024-2025", func(h *tenantdb.Handle) error {
      b := books.New(h, fy)
      _, err := b.CreateSale(ctx, books.InvoiceInput{...})
      return err
  })

SEE ALSO:
  - invoices.go: Sales and purchases
  - stock.go: Movements, opening stock, dashboard
  - tenantdb/provider.go: Where handles come from
*/
package books

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/cylinder-books/fiscal"
	"github.com/warp/cylinder-books/tenantdb"
)

// Books runs bookkeeping operations against one (tenant, year) database.
type Books struct {
	h   *tenantdb.Handle
	fy  fiscal.FinancialYear
	now func() time.Time
}

// New wraps an open handle. fy must be the year the handle belongs to.
func New(h *tenantdb.Handle, fy fiscal.FinancialYear) *Books {
	return &Books{h: h, fy: fy, now: time.Now}
}

// FinancialYear returns the year these books belong to.
func (b *Books) FinancialYear() fiscal.FinancialYear {
	return b.fy
}

func (b *Books) timestamp() string {
	return b.now().UTC().Format(time.RFC3339)
}

// checkDate enforces that a document dated d belongs to this year.
func (b *Books) checkDate(d time.Time) error {
	if d.IsZero() {
		return fmt.Errorf("%w: date is required", fiscal.ErrValidation)
	}
	if !b.fy.Contains(d) {
		return fmt.Errorf("%w: %s is not within %s (%s to %s)",
			fiscal.ErrOutsideFinancialYear, d.Format(fiscal.DateLayout), b.fy.ID, b.fy.StartString(), b.fy.EndString())
	}
	return nil
}

// =============================================================================
// PRODUCTS
// =============================================================================

// Product is a cylinder type with its price and on-hand stock.
type Product struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	Capacity   string          `json:"capacity,omitempty"`
	Rate       decimal.Decimal `json:"rate"`
	GSTRate    decimal.Decimal `json:"gst_rate"`
	FullStock  int64           `json:"full_stock"`
	EmptyStock int64           `json:"empty_stock"`
	CreatedAt  string          `json:"created_at,omitempty"`
	UpdatedAt  string          `json:"updated_at,omitempty"`
}

// ProductInput holds the editable fields of a product.
type ProductInput struct {
	Name     string
	Capacity string
	Rate     decimal.Decimal
	GSTRate  decimal.Decimal
}

func (in ProductInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: product name is required", fiscal.ErrValidation)
	}
	if in.Rate.IsNegative() || in.GSTRate.IsNegative() {
		return fmt.Errorf("%w: rates cannot be negative", fiscal.ErrValidation)
	}
	return nil
}

const productColumns = "id, name, capacity, rate, gst_rate, fullStock, emptyStock, created_at, updated_at"

// ListProducts returns every product ordered by name.
func (b *Books) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := b.h.QueryContext(ctx, "SELECT "+productColumns+" FROM products ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetProduct returns a product by id.
func (b *Books) GetProduct(ctx context.Context, id int64) (*Product, error) {
	return getProduct(ctx, b.h, id)
}

func getProduct(ctx context.Context, q queryer, id int64) (*Product, error) {
	p, err := scanProduct(q.QueryRowContext(ctx, "SELECT "+productColumns+" FROM products WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: product %d", fiscal.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateProduct inserts a product with zero stock.
func (b *Books) CreateProduct(ctx context.Context, in ProductInput) (*Product, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := b.timestamp()
	res, err := b.h.ExecContext(ctx, `
		INSERT INTO products (name, capacity, rate, gst_rate, fullStock, emptyStock, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, 0, ?, ?)`,
		strings.TrimSpace(in.Name), nullString(in.Capacity), in.Rate, in.GSTRate, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return b.GetProduct(ctx, id)
}

// UpdateProduct replaces the editable fields of a product. Stock is only
// changed by documents and opening stock.
func (b *Books) UpdateProduct(ctx context.Context, id int64, in ProductInput) (*Product, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	res, err := b.h.ExecContext(ctx,
		"UPDATE products SET name = ?, capacity = ?, rate = ?, gst_rate = ?, updated_at = ? WHERE id = ?",
		strings.TrimSpace(in.Name), nullString(in.Capacity), in.Rate, in.GSTRate, b.timestamp(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update product: %w", err)
	}
	if err := requireAffected(res, "product", id); err != nil {
		return nil, err
	}
	return b.GetProduct(ctx, id)
}

// DeleteProduct removes a product that no document references.
func (b *Books) DeleteProduct(ctx context.Context, id int64) error {
	var refs int
	err := b.h.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM sales WHERE product_id = ?) +
		       (SELECT COUNT(*) FROM purchases WHERE product_id = ?)`, id, id).Scan(&refs)
	if err != nil {
		return err
	}
	if refs > 0 {
		return fmt.Errorf("%w: product %d is used by %d invoices", fiscal.ErrInUse, id, refs)
	}
	res, err := b.h.ExecContext(ctx, "DELETE FROM products WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	return requireAffected(res, "product", id)
}

func scanProduct(row scanner) (Product, error) {
	var (
		p                          Product
		capacity, created, updated sql.NullString
		rate, gstRate              sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Name, &capacity, &rate, &gstRate, &p.FullStock, &p.EmptyStock, &created, &updated); err != nil {
		return p, err
	}
	p.Capacity = capacity.String
	p.CreatedAt = created.String
	p.UpdatedAt = updated.String
	p.Rate = parseMoney(rate.String)
	p.GSTRate = parseMoney(gstRate.String)
	return p, nil
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// AccountKind separates customers from suppliers.
type AccountKind string

const (
	Customer AccountKind = "customer"
	Supplier AccountKind = "supplier"
)

// Valid reports whether k is a known kind.
func (k AccountKind) Valid() bool {
	return k == Customer || k == Supplier
}

// Account is a customer or supplier ledger.
type Account struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	Kind           AccountKind     `json:"kind"`
	GSTIN          string          `json:"gstin,omitempty"`
	Phone          string          `json:"phone,omitempty"`
	Address        string          `json:"address,omitempty"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	CreatedAt      string          `json:"created_at,omitempty"`
}

// AccountInput holds the editable fields of an account.
type AccountInput struct {
	Name           string
	Kind           AccountKind
	GSTIN          string
	Phone          string
	Address        string
	OpeningBalance decimal.Decimal
}

func (in *AccountInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: account name is required", fiscal.ErrValidation)
	}
	if in.Kind == "" {
		in.Kind = Customer
	}
	if !in.Kind.Valid() {
		return fmt.Errorf("%w: unknown account kind %q", fiscal.ErrValidation, in.Kind)
	}
	return nil
}

const accountColumns = "id, name, kind, gstin, phone, address, opening_balance, created_at"

// ListAccounts returns accounts of kind, or all accounts when kind is empty.
func (b *Books) ListAccounts(ctx context.Context, kind AccountKind) ([]Account, error) {
	query := "SELECT " + accountColumns + " FROM accounts"
	var args []any
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, kind)
	}
	rows, err := b.h.QueryContext(ctx, query+" ORDER BY name, id", args...)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAccount returns an account by id.
func (b *Books) GetAccount(ctx context.Context, id int64) (*Account, error) {
	a, err := scanAccount(b.h.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: account %d", fiscal.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAccount inserts a customer or supplier.
func (b *Books) CreateAccount(ctx context.Context, in AccountInput) (*Account, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	res, err := b.h.ExecContext(ctx, `
		INSERT INTO accounts (name, kind, gstin, phone, address, opening_balance, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		strings.TrimSpace(in.Name), in.Kind, nullString(in.GSTIN), nullString(in.Phone), nullString(in.Address),
		in.OpeningBalance, b.timestamp(),
	)
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return b.GetAccount(ctx, id)
}

// UpdateAccount replaces the fields of an account.
func (b *Books) UpdateAccount(ctx context.Context, id int64, in AccountInput) (*Account, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	res, err := b.h.ExecContext(ctx,
		"UPDATE accounts SET name = ?, kind = ?, gstin = ?, phone = ?, address = ?, opening_balance = ? WHERE id = ?",
		strings.TrimSpace(in.Name), in.Kind, nullString(in.GSTIN), nullString(in.Phone), nullString(in.Address),
		in.OpeningBalance, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update account: %w", err)
	}
	if err := requireAffected(res, "account", id); err != nil {
		return nil, err
	}
	return b.GetAccount(ctx, id)
}

// DeleteAccount removes an account. Invoices keep their account_id.
func (b *Books) DeleteAccount(ctx context.Context, id int64) error {
	res, err := b.h.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return requireAffected(res, "account", id)
}

func scanAccount(row scanner) (Account, error) {
	var (
		a                           Account
		kind                        string
		gstin, phone, addr, created sql.NullString
		balance                     sql.NullString
	)
	if err := row.Scan(&a.ID, &a.Name, &kind, &gstin, &phone, &addr, &balance, &created); err != nil {
		return a, err
	}
	a.Kind = AccountKind(kind)
	a.GSTIN = gstin.String
	a.Phone = phone.String
	a.Address = addr.String
	a.OpeningBalance = parseMoney(balance.String)
	a.CreatedAt = created.String
	return a, nil
}

// =============================================================================
// TRANSPORTERS
// =============================================================================

// Transporter is a vehicle operator moving cylinders.
type Transporter struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	VehicleNumber string `json:"vehicle_number,omitempty"`
	Phone         string `json:"phone,omitempty"`
	CreatedAt     string `json:"created_at,omitempty"`
}

// ListTransporters returns every transporter ordered by name.
func (b *Books) ListTransporters(ctx context.Context) ([]Transporter, error) {
	rows, err := b.h.QueryContext(ctx,
		"SELECT id, name, vehicle_number, phone, created_at FROM transporters ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("list transporters: %w", err)
	}
	defer rows.Close()

	var out []Transporter
	for rows.Next() {
		var (
			t                       Transporter
			vehicle, phone, created sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.Name, &vehicle, &phone, &created); err != nil {
			return nil, err
		}
		t.VehicleNumber = vehicle.String
		t.Phone = phone.String
		t.CreatedAt = created.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateTransporter inserts a transporter.
func (b *Books) CreateTransporter(ctx context.Context, t Transporter) (*Transporter, error) {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return nil, fmt.Errorf("%w: transporter name is required", fiscal.ErrValidation)
	}
	t.CreatedAt = b.timestamp()
	res, err := b.h.ExecContext(ctx,
		"INSERT INTO transporters (name, vehicle_number, phone, created_at) VALUES (?, ?, ?, ?)",
		t.Name, nullString(t.VehicleNumber), nullString(t.Phone), t.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create transporter: %w", err)
	}
	if t.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteTransporter removes a transporter.
func (b *Books) DeleteTransporter(ctx context.Context, id int64) error {
	res, err := b.h.ExecContext(ctx, "DELETE FROM transporters WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete transporter: %w", err)
	}
	return requireAffected(res, "transporter", id)
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// parseMoney reads a TEXT amount; legacy rows may hold empty or malformed values.
func parseMoney(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func requireAffected(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %d", fiscal.ErrNotFound, what, id)
	}
	return nil
}
