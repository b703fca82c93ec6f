package books

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/cylinder-books/fiscal"
)

// =============================================================================
// DOCUMENT KINDS
// =============================================================================

// docKind describes how a document type is stored and how it moves stock.
type docKind struct {
	name          string
	table         string
	counterColumn string
	prefix        string
	emptiesColumn string
	// fullSign is applied to quantity, emptySign to empties.
	fullSign  int64
	emptySign int64
}

var (
	saleKind = docKind{
		name: MovementSale, table: "sales", counterColumn: "sales_counter", prefix: "INV",
		emptiesColumn: "empty_returned", fullSign: -1, emptySign: +1,
	}
	purchaseKind = docKind{
		name: MovementPurchase, table: "purchases", counterColumn: "purchase_counter", prefix: "PUR",
		emptiesColumn: "empty_sent", fullSign: +1, emptySign: -1,
	}
)

// Invoice is a sale or purchase of one product.
type Invoice struct {
	ID              int64           `json:"id"`
	InvoiceNumber   string          `json:"invoice_number"`
	Date            string          `json:"date"`
	AccountID       *int64          `json:"account_id,omitempty"`
	TransporterID   *int64          `json:"transporter_id,omitempty"`
	ProductID       int64           `json:"product_id"`
	Quantity        int64           `json:"quantity"`
	Empties         int64           `json:"empties"`
	Rate            decimal.Decimal `json:"rate"`
	Amount          decimal.Decimal `json:"amount"`
	GSTAmount       decimal.Decimal `json:"gst_amount"`
	Total           decimal.Decimal `json:"total"`
	Notes           string          `json:"notes,omitempty"`
	FinancialYearID string          `json:"financial_year_id"`
	CreatedAt       string          `json:"created_at,omitempty"`
}

// InvoiceInput is what a caller supplies for a new document. A nil Rate
// uses the product's rate.
type InvoiceInput struct {
	Date          time.Time
	AccountID     *int64
	TransporterID *int64
	ProductID     int64
	Quantity      int64
	Empties       int64
	Rate          *decimal.Decimal
	Notes         string
}

func (in InvoiceInput) validate() error {
	if in.ProductID <= 0 {
		return fmt.Errorf("%w: product_id is required", fiscal.ErrValidation)
	}
	if in.Quantity <= 0 && in.Empties <= 0 {
		return fmt.Errorf("%w: quantity or empties must be positive", fiscal.ErrValidation)
	}
	if in.Quantity < 0 || in.Empties < 0 {
		return fmt.Errorf("%w: quantity and empties cannot be negative", fiscal.ErrValidation)
	}
	if in.Rate != nil && in.Rate.IsNegative() {
		return fmt.Errorf("%w: rate cannot be negative", fiscal.ErrValidation)
	}
	return nil
}

var hundred = decimal.NewFromInt(100)

// Totals computes amount = rate * quantity, gst = amount * gstRate / 100
// rounded to paise, and total = amount + gst.
func Totals(rate, gstRate decimal.Decimal, quantity int64) (amount, gst, total decimal.Decimal) {
	amount = rate.Mul(decimal.NewFromInt(quantity)).Round(2)
	gst = amount.Mul(gstRate).Div(hundred).Round(2)
	return amount, gst, amount.Add(gst)
}

// =============================================================================
// SALES / PURCHASES
// =============================================================================

// CreateSale books a sale: full cylinders leave, returned empties come in.
func (b *Books) CreateSale(ctx context.Context, in InvoiceInput) (*Invoice, error) {
	return b.createInvoice(ctx, saleKind, in)
}

// CreatePurchase books a purchase: full cylinders arrive, empties go back.
func (b *Books) CreatePurchase(ctx context.Context, in InvoiceInput) (*Invoice, error) {
	return b.createInvoice(ctx, purchaseKind, in)
}

// ListSales returns sales ordered by date, newest first.
func (b *Books) ListSales(ctx context.Context) ([]Invoice, error) {
	return b.listInvoices(ctx, saleKind)
}

// ListPurchases returns purchases ordered by date, newest first.
func (b *Books) ListPurchases(ctx context.Context) ([]Invoice, error) {
	return b.listInvoices(ctx, purchaseKind)
}

// GetSale returns a sale by id.
func (b *Books) GetSale(ctx context.Context, id int64) (*Invoice, error) {
	return getInvoice(ctx, b.h, saleKind, id)
}

// GetPurchase returns a purchase by id.
func (b *Books) GetPurchase(ctx context.Context, id int64) (*Invoice, error) {
	return getInvoice(ctx, b.h, purchaseKind, id)
}

// DeleteSale removes a sale and puts its stock back.
func (b *Books) DeleteSale(ctx context.Context, id int64) error {
	return b.deleteInvoice(ctx, saleKind, id)
}

// DeletePurchase removes a purchase and takes its stock back out.
func (b *Books) DeletePurchase(ctx context.Context, id int64) error {
	return b.deleteInvoice(ctx, purchaseKind, id)
}

func (b *Books) createInvoice(ctx context.Context, kind docKind, in InvoiceInput) (*Invoice, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if err := b.checkDate(in.Date); err != nil {
		return nil, err
	}

	tx, err := b.h.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	product, err := getProduct(ctx, tx, in.ProductID)
	if err != nil {
		return nil, err
	}
	if in.AccountID != nil {
		if err := requireRow(ctx, tx, "accounts", *in.AccountID); err != nil {
			return nil, err
		}
	}
	if in.TransporterID != nil {
		if err := requireRow(ctx, tx, "transporters", *in.TransporterID); err != nil {
			return nil, err
		}
	}

	rate := product.Rate
	if in.Rate != nil {
		rate = *in.Rate
	}
	amount, gst, total := Totals(rate, product.GSTRate, in.Quantity)

	number, err := nextInvoiceNumber(ctx, tx, kind)
	if err != nil {
		return nil, err
	}

	inv := Invoice{
		InvoiceNumber:   number,
		Date:            in.Date.Format(fiscal.DateLayout),
		AccountID:       in.AccountID,
		TransporterID:   in.TransporterID,
		ProductID:       in.ProductID,
		Quantity:        in.Quantity,
		Empties:         in.Empties,
		Rate:            rate,
		Amount:          amount,
		GSTAmount:       gst,
		Total:           total,
		Notes:           in.Notes,
		FinancialYearID: b.fy.ID,
		CreatedAt:       b.timestamp(),
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (invoice_number, date, account_id, transporter_id, product_id, quantity, %s,
			rate, amount, gst_amount, total, notes, financial_year_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, kind.table, kind.emptiesColumn),
		inv.InvoiceNumber, inv.Date, nullInt(inv.AccountID), nullInt(inv.TransporterID), inv.ProductID,
		inv.Quantity, inv.Empties, inv.Rate, inv.Amount, inv.GSTAmount, inv.Total,
		nullString(inv.Notes), inv.FinancialYearID, inv.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", kind.name, err)
	}
	if inv.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}

	move := stockChange{
		productID:  in.ProductID,
		date:       inv.Date,
		kind:       kind.name,
		fullDelta:  kind.fullSign * in.Quantity,
		emptyDelta: kind.emptySign * in.Empties,
		reference:  inv.InvoiceNumber,
	}
	if err := b.applyStock(ctx, tx, move, true); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (b *Books) deleteInvoice(ctx context.Context, kind docKind, id int64) error {
	tx, err := b.h.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	inv, err := getInvoice(ctx, tx, kind, id)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", kind.table), id); err != nil {
		return fmt.Errorf("delete %s: %w", kind.name, err)
	}

	move := stockChange{
		productID:  inv.ProductID,
		date:       b.now().UTC().Format(fiscal.DateLayout),
		kind:       kind.name + "_reversal",
		fullDelta:  -kind.fullSign * inv.Quantity,
		emptyDelta: -kind.emptySign * inv.Empties,
		reference:  inv.InvoiceNumber,
	}
	// Reversals may leave stock negative; the original document is gone either way.
	if err := b.applyStock(ctx, tx, move, false); err != nil {
		return err
	}
	return tx.Commit()
}

func (b *Books) listInvoices(ctx context.Context, kind docKind) ([]Invoice, error) {
	rows, err := b.h.QueryContext(ctx, invoiceSelect(kind)+" ORDER BY date DESC, id DESC")
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind.table, err)
	}
	defer rows.Close()

	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func getInvoice(ctx context.Context, q queryer, kind docKind, id int64) (*Invoice, error) {
	inv, err := scanInvoice(q.QueryRowContext(ctx, invoiceSelect(kind)+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %d", fiscal.ErrNotFound, kind.name, id)
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func invoiceSelect(kind docKind) string {
	return fmt.Sprintf(`SELECT id, invoice_number, date, account_id, transporter_id, product_id, quantity, %s,
		rate, amount, gst_amount, total, notes, financial_year_id, created_at FROM %s`, kind.emptiesColumn, kind.table)
}

func scanInvoice(row scanner) (Invoice, error) {
	var (
		inv                          Invoice
		number, notes, fyID, created sql.NullString
		account, transporter         sql.NullInt64
		product                      sql.NullInt64
		rate, amount, gst, total     sql.NullString
	)
	err := row.Scan(&inv.ID, &number, &inv.Date, &account, &transporter, &product, &inv.Quantity, &inv.Empties,
		&rate, &amount, &gst, &total, &notes, &fyID, &created)
	if err != nil {
		return inv, err
	}
	inv.InvoiceNumber = number.String
	if account.Valid {
		inv.AccountID = &account.Int64
	}
	if transporter.Valid {
		inv.TransporterID = &transporter.Int64
	}
	inv.ProductID = product.Int64
	inv.Rate = parseMoney(rate.String)
	inv.Amount = parseMoney(amount.String)
	inv.GSTAmount = parseMoney(gst.String)
	inv.Total = parseMoney(total.String)
	inv.Notes = notes.String
	inv.FinancialYearID = fyID.String
	inv.CreatedAt = created.String
	return inv, nil
}

// =============================================================================
// INVOICE COUNTERS
// =============================================================================

// nextInvoiceNumber claims the next number of kind and advances the counter.
func nextInvoiceNumber(ctx context.Context, tx *sql.Tx, kind docKind) (string, error) {
	var id, next int64
	err := tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id, %s FROM invoice_counters ORDER BY id LIMIT 1", kind.counterColumn),
	).Scan(&id, &next)
	if errors.Is(err, sql.ErrNoRows) {
		res, err := tx.ExecContext(ctx, "INSERT INTO invoice_counters (sales_counter, purchase_counter) VALUES (1, 1)")
		if err != nil {
			return "", err
		}
		if id, err = res.LastInsertId(); err != nil {
			return "", err
		}
		next = 1
	} else if err != nil {
		return "", fmt.Errorf("read invoice counter: %w", err)
	}
	if next < 1 {
		next = 1
	}

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE invoice_counters SET %s = ? WHERE id = ?", kind.counterColumn), next+1, id,
	); err != nil {
		return "", fmt.Errorf("advance invoice counter: %w", err)
	}
	return fmt.Sprintf("%s-%04d", kind.prefix, next), nil
}

// InvoiceCounters reports the next sale and purchase numbers.
func (b *Books) InvoiceCounters(ctx context.Context) (sales, purchases int64, err error) {
	err = b.h.QueryRowContext(ctx,
		"SELECT sales_counter, purchase_counter FROM invoice_counters ORDER BY id LIMIT 1",
	).Scan(&sales, &purchases)
	if errors.Is(err, sql.ErrNoRows) {
		return 1, 1, nil
	}
	return sales, purchases, err
}

func requireRow(ctx context.Context, q queryer, table string, id int64) error {
	var n int
	if err := q.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id = ?", table), id).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %d", fiscal.ErrNotFound, table, id)
	}
	return nil
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}
