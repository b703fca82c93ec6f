/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Request types carry
  go-playground/validator tags; handlers run them before touching a
  database.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

SEE ALSO:
  - handlers.go: Uses these types
  - books/: Domain types most responses embed directly
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/cylinder-books/fiscal"
	"github.com/warp/cylinder-books/tenantdb"
)

// =============================================================================
// USERS / FINANCIAL YEARS
// =============================================================================

// RegisterUserRequest creates a tenant.
type RegisterUserRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Email    string `json:"email" validate:"omitempty,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// UserDTO represents a tenant in API responses.
type UserDTO struct {
	Username        string `json:"username"`
	Email           string `json:"email,omitempty"`
	FinancialYearID string `json:"financial_year_id,omitempty"`
	CreatedAt       string `json:"created_at"`
}

// FinancialYearDTO represents a financial year.
type FinancialYearDTO struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

func toFinancialYearDTO(fy fiscal.FinancialYear) FinancialYearDTO {
	return FinancialYearDTO{ID: fy.ID, Label: fy.Label, StartDate: fy.StartString(), EndDate: fy.EndString()}
}

// CreateFinancialYearRequest registers a year. EndDate defaults to the day
// before the first anniversary of StartDate.
type CreateFinancialYearRequest struct {
	StartDate string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
	Label     string `json:"label" validate:"max=64"`
}

// DatabaseDTO describes one per-year file of the tenant.
type DatabaseDTO struct {
	FinancialYearID string            `json:"financial_year_id"`
	Name            string            `json:"name"`
	Path            string            `json:"path"`
	FinancialYear   *FinancialYearDTO `json:"financial_year,omitempty"`
}

func toDatabaseDTOs(dbs map[string]tenantdb.DatabaseInfo) []DatabaseDTO {
	out := make([]DatabaseDTO, 0, len(dbs))
	for _, id := range tenantdb.SortedIDs(dbs) {
		info := dbs[id]
		dto := DatabaseDTO{FinancialYearID: id, Name: info.Name, Path: info.Path}
		if info.FinancialYear != nil {
			fy := toFinancialYearDTO(*info.FinancialYear)
			dto.FinancialYear = &fy
		}
		out = append(out, dto)
	}
	return out
}

// =============================================================================
// MASTERS
// =============================================================================

// ProductRequest creates or updates a product.
type ProductRequest struct {
	Name     string          `json:"name" validate:"required,max=128"`
	Capacity string          `json:"capacity" validate:"max=32"`
	Rate     decimal.Decimal `json:"rate" validate:"min=0"`
	GSTRate  decimal.Decimal `json:"gst_rate" validate:"min=0,max=100"`
}

// AccountRequest creates or updates a customer or supplier.
type AccountRequest struct {
	Name           string          `json:"name" validate:"required,max=128"`
	Kind           string          `json:"kind" validate:"omitempty,oneof=customer supplier"`
	GSTIN          string          `json:"gstin" validate:"omitempty,len=15,alphanum"`
	Phone          string          `json:"phone" validate:"max=32"`
	Address        string          `json:"address" validate:"max=256"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
}

// TransporterRequest creates a transporter.
type TransporterRequest struct {
	Name          string `json:"name" validate:"required,max=128"`
	VehicleNumber string `json:"vehicle_number" validate:"max=32"`
	Phone         string `json:"phone" validate:"max=32"`
}

// =============================================================================
// DOCUMENTS
// =============================================================================

// InvoiceRequest books a sale or purchase. The date selects the financial
// year database the document is written to.
type InvoiceRequest struct {
	Date          string           `json:"date" validate:"required"`
	AccountID     *int64           `json:"account_id" validate:"omitempty,gt=0"`
	TransporterID *int64           `json:"transporter_id" validate:"omitempty,gt=0"`
	ProductID     int64            `json:"product_id" validate:"required,gt=0"`
	Quantity      int64            `json:"quantity" validate:"min=0"`
	Empties       int64            `json:"empties" validate:"min=0"`
	Rate          *decimal.Decimal `json:"rate" validate:"omitempty,min=0"`
	Notes         string           `json:"notes" validate:"max=512"`
}

// OpeningStockRequest sets a product's opening quantities.
type OpeningStockRequest struct {
	ProductID     int64  `json:"product_id" validate:"required,gt=0"`
	FullQuantity  int64  `json:"full_quantity" validate:"min=0"`
	EmptyQuantity int64  `json:"empty_quantity" validate:"min=0"`
	Date          string `json:"date"`
}

// =============================================================================
// ADMIN
// =============================================================================

// MigrateResponse reports a legacy migration run.
type MigrateResponse struct {
	Created    []string `json:"created"`
	Skipped    []string `json:"skipped"`
	BackupPath string   `json:"backup_path,omitempty"`
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

func newHealthResponse(now time.Time) HealthResponse {
	return HealthResponse{Status: "ok", Time: now.UTC().Format(time.RFC3339)}
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
