package books

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/cylinder-books/fiscal"
)

// Movement types written to stock_movements.movement_type.
const (
	MovementOpening    = "opening"
	MovementSale       = "sale"
	MovementPurchase   = "purchase"
	MovementAdjustment = "adjustment"
)

// StockMovement is one change to a product's full or empty stock.
type StockMovement struct {
	ID         int64  `json:"id"`
	ProductID  int64  `json:"product_id"`
	Date       string `json:"date"`
	Type       string `json:"movement_type"`
	FullDelta  int64  `json:"full_delta"`
	EmptyDelta int64  `json:"empty_delta"`
	Reference  string `json:"reference,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
}

type stockChange struct {
	productID  int64
	date       string
	kind       string
	fullDelta  int64
	emptyDelta int64
	reference  string
}

// applyStock adjusts product stock and records the movement. With enforce,
// a change that would leave either stock negative is rejected.
func (b *Books) applyStock(ctx context.Context, tx *sql.Tx, c stockChange, enforce bool) error {
	if c.fullDelta == 0 && c.emptyDelta == 0 {
		return nil
	}

	var full, empty int64
	err := tx.QueryRowContext(ctx, "SELECT fullStock, emptyStock FROM products WHERE id = ?", c.productID).Scan(&full, &empty)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: product %d", fiscal.ErrNotFound, c.productID)
	}
	if err != nil {
		return err
	}
	if enforce && full+c.fullDelta < 0 {
		return &fiscal.StockError{ProductID: c.productID, Stock: "full", Available: full, Requested: -c.fullDelta}
	}
	if enforce && empty+c.emptyDelta < 0 {
		return &fiscal.StockError{ProductID: c.productID, Stock: "empty", Available: empty, Requested: -c.emptyDelta}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE products SET fullStock = fullStock + ?, emptyStock = emptyStock + ?, updated_at = ? WHERE id = ?",
		c.fullDelta, c.emptyDelta, b.timestamp(), c.productID,
	); err != nil {
		return fmt.Errorf("update stock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stock_movements (product_id, date, movement_type, full_delta, empty_delta, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.productID, c.date, c.kind, c.fullDelta, c.emptyDelta, nullString(c.reference), b.timestamp(),
	); err != nil {
		return fmt.Errorf("record stock movement: %w", err)
	}
	return nil
}

// ListStockMovements returns movements oldest first, for one product when
// productID is positive.
func (b *Books) ListStockMovements(ctx context.Context, productID int64) ([]StockMovement, error) {
	query := "SELECT id, product_id, date, movement_type, full_delta, empty_delta, reference, created_at FROM stock_movements"
	var args []any
	if productID > 0 {
		query += " WHERE product_id = ?"
		args = append(args, productID)
	}
	rows, err := b.h.QueryContext(ctx, query+" ORDER BY date, id", args...)
	if err != nil {
		return nil, fmt.Errorf("list stock movements: %w", err)
	}
	defer rows.Close()

	var out []StockMovement
	for rows.Next() {
		var (
			m                  StockMovement
			reference, created sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ProductID, &m.Date, &m.Type, &m.FullDelta, &m.EmptyDelta, &reference, &created); err != nil {
			return nil, err
		}
		m.Reference = reference.String
		m.CreatedAt = created.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// =============================================================================
// OPENING STOCK
// =============================================================================

// OpeningStock is the stock a product starts the year with.
type OpeningStock struct {
	ProductID     int64  `json:"product_id"`
	Date          string `json:"date"`
	FullQuantity  int64  `json:"full_quantity"`
	EmptyQuantity int64  `json:"empty_quantity"`
}

// SetOpeningStock records the opening quantities of a product. Setting it
// again moves stock by the difference to the previous opening values.
func (b *Books) SetOpeningStock(ctx context.Context, productID, full, empty int64, date time.Time) (*OpeningStock, error) {
	if full < 0 || empty < 0 {
		return nil, fmt.Errorf("%w: opening stock cannot be negative", fiscal.ErrValidation)
	}
	if date.IsZero() {
		date = b.fy.StartDate
	}
	if err := b.checkDate(date); err != nil {
		return nil, err
	}

	tx, err := b.h.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := requireRow(ctx, tx, "products", productID); err != nil {
		return nil, err
	}

	var prevFull, prevEmpty int64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(full_quantity), 0), COALESCE(SUM(empty_quantity), 0) FROM opening_stock WHERE product_id = ?",
		productID,
	).Scan(&prevFull, &prevEmpty)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM opening_stock WHERE product_id = ?", productID); err != nil {
		return nil, err
	}

	opening := OpeningStock{
		ProductID:     productID,
		Date:          date.Format(fiscal.DateLayout),
		FullQuantity:  full,
		EmptyQuantity: empty,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO opening_stock (product_id, date, full_quantity, empty_quantity, financial_year_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		opening.ProductID, opening.Date, opening.FullQuantity, opening.EmptyQuantity, b.fy.ID, b.timestamp(),
	); err != nil {
		return nil, fmt.Errorf("record opening stock: %w", err)
	}

	move := stockChange{
		productID:  productID,
		date:       opening.Date,
		kind:       MovementOpening,
		fullDelta:  full - prevFull,
		emptyDelta: empty - prevEmpty,
	}
	if err := b.applyStock(ctx, tx, move, false); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &opening, nil
}

// =============================================================================
// DASHBOARD
// =============================================================================

// DocumentSummary totals one document type.
type DocumentSummary struct {
	Count int64           `json:"count"`
	Total decimal.Decimal `json:"total"`
	GST   decimal.Decimal `json:"gst"`
}

// ProductStock is a stock line of the dashboard.
type ProductStock struct {
	ProductID  int64  `json:"product_id"`
	Name       string `json:"name"`
	FullStock  int64  `json:"full_stock"`
	EmptyStock int64  `json:"empty_stock"`
}

// CustomerTotal is a customer's sales within the year.
type CustomerTotal struct {
	AccountID int64           `json:"account_id"`
	Name      string          `json:"name"`
	Total     decimal.Decimal `json:"total"`
}

// Dashboard summarizes a financial year.
type Dashboard struct {
	FinancialYearID string          `json:"financial_year_id"`
	Sales           DocumentSummary `json:"sales"`
	Purchases       DocumentSummary `json:"purchases"`
	Stock           []ProductStock  `json:"stock"`
	TopCustomers    []CustomerTotal `json:"top_customers"`
}

// TopCustomerLimit caps Dashboard.TopCustomers.
const TopCustomerLimit = 5

// Dashboard computes the year's totals. Amounts are summed as decimals, not in SQL.
func (b *Books) Dashboard(ctx context.Context) (*Dashboard, error) {
	d := &Dashboard{FinancialYearID: b.fy.ID, Stock: []ProductStock{}, TopCustomers: []CustomerTotal{}}

	sales, err := b.ListSales(ctx)
	if err != nil {
		return nil, err
	}
	purchases, err := b.ListPurchases(ctx)
	if err != nil {
		return nil, err
	}
	d.Sales = summarize(sales)
	d.Purchases = summarize(purchases)

	products, err := b.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range products {
		d.Stock = append(d.Stock, ProductStock{ProductID: p.ID, Name: p.Name, FullStock: p.FullStock, EmptyStock: p.EmptyStock})
	}

	accounts, err := b.ListAccounts(ctx, "")
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(accounts))
	for _, a := range accounts {
		names[a.ID] = a.Name
	}

	byAccount := make(map[int64]decimal.Decimal)
	for _, s := range sales {
		if s.AccountID == nil {
			continue
		}
		byAccount[*s.AccountID] = byAccount[*s.AccountID].Add(s.Total)
	}
	for id, total := range byAccount {
		d.TopCustomers = append(d.TopCustomers, CustomerTotal{AccountID: id, Name: names[id], Total: total})
	}
	sort.Slice(d.TopCustomers, func(i, j int) bool {
		if c := d.TopCustomers[i].Total.Cmp(d.TopCustomers[j].Total); c != 0 {
			return c > 0
		}
		return d.TopCustomers[i].AccountID < d.TopCustomers[j].AccountID
	})
	if len(d.TopCustomers) > TopCustomerLimit {
		d.TopCustomers = d.TopCustomers[:TopCustomerLimit]
	}
	return d, nil
}

func summarize(invoices []Invoice) DocumentSummary {
	s := DocumentSummary{Total: decimal.Zero, GST: decimal.Zero}
	for _, inv := range invoices {
		s.Count++
		s.Total = s.Total.Add(inv.Total)
		s.GST = s.GST.Add(inv.GSTAmount)
	}
	return s
}
