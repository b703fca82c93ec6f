/*
handlers.go - HTTP API handlers for the cylinder dealer back-office

PURPOSE:
  Exposes tenant registration, the shared financial year registry, the
  per-year books and the admin maintenance operations via REST API.
  Handles HTTP request/response and JSON serialization, and delegates to
  tenantdb and books.

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Users: Shared user registry (auth.db)
  - Provider: Per-year database handles
  - Migrator/Backups: Admin operations on a tenant directory

  Every books request opens its own handle and closes it before the
  response is written. Nothing is cached between requests.

REQUEST FLOW:
  1. Parse and validate the request (validator tags on DTOs)
  2. Pick the year: ?fy= / X-Financial-Year for reads, the document date
     for new documents
  3. Run the books operation on that year's handle
  4. Serialize response

ERROR HANDLING:
  List endpoints answer 200 with an empty list when the query fails, so a
  tenant with a damaged year still gets a usable UI. Everything else:
  - 400: Invalid input, bad year id, date outside the year
  - 401: Missing X-Username
  - 404: Unknown tenant, record, or backup
  - 409: Duplicate, in use, insufficient stock
  - 422: Validator tag failures (field -> tag map)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/warp/cylinder-books/books"
	"github.com/warp/cylinder-books/fiscal"
	"github.com/warp/cylinder-books/tenantdb"
	"golang.org/x/crypto/bcrypt"
)

// multipartMemory is how much of a restore upload is buffered in memory.
const multipartMemory = 32 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Users          fiscal.UserStore
	Provider       *tenantdb.Provider
	Migrator       *tenantdb.LegacyMigrator
	Backups        *tenantdb.BackupEngine
	BackupDir      string
	MaxUploadBytes int64

	now func() time.Time
}

// NewHandler creates a handler. Backups are written below backupDir; restore
// uploads larger than maxUploadBytes are rejected.
func NewHandler(users fiscal.UserStore, provider *tenantdb.Provider, backupDir string, maxUploadBytes int64) *Handler {
	return &Handler{
		Users:          users,
		Provider:       provider,
		Migrator:       tenantdb.NewLegacyMigrator(provider),
		Backups:        tenantdb.NewBackupEngine(provider),
		BackupDir:      backupDir,
		MaxUploadBytes: maxUploadBytes,
		now:            time.Now,
	}
}

// yearOf returns the registry entry for id, or the April-March default when
// the file exists but the registry does not know the year.
func (h *Handler) yearOf(ctx context.Context, id string) (fiscal.FinancialYear, error) {
	fy, err := h.Provider.Registry().Get(ctx, id)
	if err != nil {
		return fiscal.FinancialYear{}, err
	}
	if fy != nil {
		return *fy, nil
	}
	start, err := fiscal.ParseID(id)
	if err != nil {
		return fiscal.FinancialYear{}, err
	}
	return fiscal.YearStarting(start), nil
}

// withBooks runs fn against the year selected by the request.
func (h *Handler) withBooks(r *http.Request, fn func(*books.Books) error) error {
	ctx := r.Context()
	return h.Provider.WithDatabase(ctx, usernameFrom(ctx), financialYearParam(r), func(hd *tenantdb.Handle) error {
		fy, err := h.yearOf(ctx, hd.FinancialYearID)
		if err != nil {
			return err
		}
		return fn(books.New(hd, fy))
	})
}

// withBooksForDate runs fn against the year containing date.
func (h *Handler) withBooksForDate(r *http.Request, date time.Time, fn func(*books.Books) error) (err error) {
	ctx := r.Context()
	hd, err := h.Provider.OpenForDate(ctx, usernameFrom(ctx), date)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := hd.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", hd.Path, cerr)
		}
	}()
	fy, err := h.yearOf(ctx, hd.FinancialYearID)
	if err != nil {
		return err
	}
	return fn(books.New(hd, fy))
}

// listOrEmpty writes items, or an empty list after logging err.
func listOrEmpty[T any](w http.ResponseWriter, r *http.Request, items []T, err error) {
	if err != nil {
		log.Warn().Err(err).Str("path", r.URL.Path).Str("username", usernameFrom(r.Context())).
			Msg("list query failed, returning empty result")
		items = nil
	}
	if items == nil {
		items = []T{}
	}
	writeJSON(w, http.StatusOK, items)
}

// =============================================================================
// HEALTH / USERS
// =============================================================================

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newHealthResponse(h.now()))
}

// RegisterUser handles POST /api/users
func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req RegisterUserRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if _, err := tenantdb.DirName(req.Username); err != nil {
		writeDomainError(w, r, err)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to hash password", err)
		return
	}

	ctx := r.Context()
	user, err := h.Users.CreateUser(ctx, fiscal.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	hd, _, err := h.Provider.CreateUserDatabase(ctx, user.Username)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	fyID := hd.FinancialYearID
	if err := hd.Close(); err != nil {
		log.Warn().Err(err).Str("path", hd.Path).Msg("failed to close new tenant database")
	}

	log.Info().Str("username", user.Username).Str("financial_year", fyID).Msg("registered tenant")
	writeJSON(w, http.StatusCreated, UserDTO{
		Username:        user.Username,
		Email:           user.Email,
		FinancialYearID: fyID,
		CreatedAt:       user.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// =============================================================================
// FINANCIAL YEARS
// =============================================================================

// ListFinancialYears handles GET /api/financial-years
func (h *Handler) ListFinancialYears(w http.ResponseWriter, r *http.Request) {
	years, err := h.Provider.FinancialYears(r.Context())
	dtos := make([]FinancialYearDTO, 0, len(years))
	for _, fy := range years {
		dtos = append(dtos, toFinancialYearDTO(fy))
	}
	listOrEmpty(w, r, dtos, err)
}

// GetCurrentFinancialYear handles GET /api/financial-years/current. An
// empty registry gets the default year for today.
func (h *Handler) GetCurrentFinancialYear(w http.ResponseWriter, r *http.Request) {
	fy, err := h.Provider.Registry().EnsureCurrent(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFinancialYearDTO(*fy))
}

// CreateFinancialYear handles POST /api/financial-years
func (h *Handler) CreateFinancialYear(w http.ResponseWriter, r *http.Request) {
	var req CreateFinancialYearRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	start, err := fiscal.ParseDate(req.StartDate)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	var end time.Time
	if req.EndDate != "" {
		if end, err = fiscal.ParseDate(req.EndDate); err != nil {
			writeDomainError(w, r, err)
			return
		}
	}

	fy := fiscal.NewYear(start, end, req.Label)
	ctx := r.Context()
	registry := h.Provider.Registry()
	if err := registry.Create(ctx, fy); err != nil {
		writeDomainError(w, r, err)
		return
	}
	stored, err := registry.Get(ctx, fy.ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if stored == nil {
		writeError(w, http.StatusInternalServerError, "Financial year not readable after create", nil)
		return
	}
	writeJSON(w, http.StatusCreated, toFinancialYearDTO(*stored))
}

// ListDatabases handles GET /api/databases
func (h *Handler) ListDatabases(w http.ResponseWriter, r *http.Request) {
	dbs, err := h.Provider.AllDatabases(r.Context(), usernameFrom(r.Context()))
	listOrEmpty(w, r, toDatabaseDTOs(dbs), err)
}

// =============================================================================
// PRODUCTS
// =============================================================================

// ListProducts handles GET /api/products
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	var products []books.Product
	err := h.withBooks(r, func(b *books.Books) (err error) {
		products, err = b.ListProducts(r.Context())
		return err
	})
	listOrEmpty(w, r, products, err)
}

// GetProduct handles GET /api/products/{id}
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid product ID", err)
		return
	}
	var product *books.Product
	err = h.withBooks(r, func(b *books.Books) (err error) {
		product, err = b.GetProduct(r.Context(), id)
		return err
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (req ProductRequest) input() books.ProductInput {
	return books.ProductInput{Name: req.Name, Capacity: req.Capacity, Rate: req.Rate, GSTRate: req.GSTRate}
}

// CreateProduct handles POST /api/products
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req ProductRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	var product *books.Product
	err := h.withBooks(r, func(b *books.Books) (err error) {
		product, err = b.CreateProduct(r.Context(), req.input())
		return err
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, product)
}

// UpdateProduct handles PUT /api/products/{id}
func (h *Handler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid product ID", err)
		return
	}
	var req ProductRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	var product *books.Product
	err = h.withBooks(r, func(b *books.Books) (err error) {
		product, err = b.UpdateProduct(r.Context(), id, req.input())
		return err
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

// DeleteProduct handles DELETE /api/products/{id}
func (h *Handler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	h.deleteByID(w, r, "product", (*books.Books).DeleteProduct)
}

// deleteByID parses {id}, runs del on the selected year and answers 204.
func (h *Handler) deleteByID(w http.ResponseWriter, r *http.Request, what string,
	del func(*books.Books, context.Context, int64) error) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+what+" ID", err)
		return
	}
	err = h.withBooks(r, func(b *books.Books) error {
		return del(b, r.Context(), id)
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// ACCOUNTS / TRANSPORTERS
// =============================================================================

// ListAccounts handles GET /api/accounts?kind=customer|supplier
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	kind := books.AccountKind(r.URL.Query().Get("kind"))
	var accounts []books.Account
	err := h.withBooks(r, func(b *books.Books) (err error) {
		accounts, err = b.ListAccounts(r.Context(), kind)
		return err
	})
	listOrEmpty(w, r, accounts, err)
}

func (req AccountRequest) input() books.AccountInput {
	return books.AccountInput{
		Name:           req.Name,
		Kind:           books.AccountKind(req.Kind),
		GSTIN:          req.GSTIN,
		Phone:          req.Phone,
		Address:        req.Address,
		OpeningBalance: req.OpeningBalance,
	}
}

// CreateAccount handles POST /api/accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req AccountRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	var account *books.Account
	err := h.withBooks(r, func(b *books.Books) (err error) {
		account, err = b.CreateAccount(r.Context(), req.input())
		return err
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

// UpdateAccount handles PUT /api/accounts/{id}
func (h *Handler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid account ID", err)
		return
	}
	var req AccountRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	var account *books.Account
	err = h.withBooks(r, func(b *books.Books) (err error) {
		account, err = b.UpdateAccount(r.Context(), id, req.input())
		return err
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// DeleteAccount handles DELETE /api/accounts/{id}
func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	h.deleteByID(w, r, "account", (*books.Books).DeleteAccount)
}

// ListTransporters handles GET /api/transporters
func (h *Handler) ListTransporters(w http.ResponseWriter, r *http.Request) {
	var transporters []books.Transporter
	err := h.withBooks(r, func(b *books.Books) (err error) {
		transporters, err = b.ListTransporters(r.Context())
		return err
	})
	listOrEmpty(w, r, transporters, err)
}

// CreateTransporter handles POST /api/transporters
func (h *Handler) CreateTransporter(w http.ResponseWriter, r *http.Request) {
	var req TransporterRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	var transporter *books.Transporter
	err := h.withBooks(r, func(b *books.Books) (err error) {
		transporter, err = b.CreateTransporter(r.Context(), books.Transporter{
			Name:          req.Name,
			VehicleNumber: req.VehicleNumber,
			Phone:         req.Phone,
		})
		return err
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, transporter)
}

// DeleteTransporter handles DELETE /api/transporters/{id}
func (h *Handler) DeleteTransporter(w http.ResponseWriter, r *http.Request) {
	h.deleteByID(w, r, "transporter", (*books.Books).DeleteTransporter)
}

// =============================================================================
// SALES / PURCHASES
// =============================================================================

type (
	invoiceCreator func(*books.Books, context.Context, books.InvoiceInput) (*books.Invoice, error)
	invoiceLister  func(*books.Books, context.Context) ([]books.Invoice, error)
	invoiceGetter  func(*books.Books, context.Context, int64) (*books.Invoice, error)
)

// ListSales handles GET /api/sales
func (h *Handler) ListSales(w http.ResponseWriter, r *http.Request) {
	h.listInvoices(w, r, (*books.Books).ListSales)
}

// CreateSale handles POST /api/sales. The invoice date picks the year.
func (h *Handler) CreateSale(w http.ResponseWriter, r *http.Request) {
	h.createInvoice(w, r, (*books.Books).CreateSale)
}

// GetSale handles GET /api/sales/{id}
func (h *Handler) GetSale(w http.ResponseWriter, r *http.Request) {
	h.getInvoice(w, r, (*books.Books).GetSale)
}

// DeleteSale handles DELETE /api/sales/{id}
func (h *Handler) DeleteSale(w http.ResponseWriter, r *http.Request) {
	h.deleteByID(w, r, "sale", (*books.Books).DeleteSale)
}

// ListPurchases handles GET /api/purchases
func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	h.listInvoices(w, r, (*books.Books).ListPurchases)
}

// CreatePurchase handles POST /api/purchases. The invoice date picks the year.
func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	h.createInvoice(w, r, (*books.Books).CreatePurchase)
}

// GetPurchase handles GET /api/purchases/{id}
func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	h.getInvoice(w, r, (*books.Books).GetPurchase)
}

// DeletePurchase handles DELETE /api/purchases/{id}
func (h *Handler) DeletePurchase(w http.ResponseWriter, r *http.Request) {
	h.deleteByID(w, r, "purchase", (*books.Books).DeletePurchase)
}

func (h *Handler) listInvoices(w http.ResponseWriter, r *http.Request, list invoiceLister) {
	var invoices []books.Invoice
	err := h.withBooks(r, func(b *books.Books) (err error) {
		invoices, err = list(b, r.Context())
		return err
	})
	listOrEmpty(w, r, invoices, err)
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request, get invoiceGetter) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid invoice ID", err)
		return
	}
	var invoice *books.Invoice
	err = h.withBooks(r, func(b *books.Books) (err error) {
		invoice, err = get(b, r.Context(), id)
		return err
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, invoice)
}

func (h *Handler) createInvoice(w http.ResponseWriter, r *http.Request, create invoiceCreator) {
	var req InvoiceRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	date, err := fiscal.ParseDate(req.Date)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	in := books.InvoiceInput{
		Date:          date,
		AccountID:     req.AccountID,
		TransporterID: req.TransporterID,
		ProductID:     req.ProductID,
		Quantity:      req.Quantity,
		Empties:       req.Empties,
		Rate:          req.Rate,
		Notes:         req.Notes,
	}
	var invoice *books.Invoice
	err = h.withBooksForDate(r, date, func(b *books.Books) (err error) {
		invoice, err = create(b, r.Context(), in)
		return err
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, invoice)
}

// =============================================================================
// STOCK / DASHBOARD
// =============================================================================

// ListStockMovements handles GET /api/stock/movements?product_id=N
func (h *Handler) ListStockMovements(w http.ResponseWriter, r *http.Request) {
	var productID int64
	if s := r.URL.Query().Get("product_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid product_id", err)
			return
		}
		productID = id
	}
	var movements []books.StockMovement
	err := h.withBooks(r, func(b *books.Books) (err error) {
		movements, err = b.ListStockMovements(r.Context(), productID)
		return err
	})
	listOrEmpty(w, r, movements, err)
}

// SetOpeningStock handles POST /api/stock/opening. A dated request goes to
// the year containing the date; otherwise the selected year's start is used.
func (h *Handler) SetOpeningStock(w http.ResponseWriter, r *http.Request) {
	var req OpeningStockRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	var opening *books.OpeningStock
	run := func(b *books.Books, date time.Time) (err error) {
		opening, err = b.SetOpeningStock(r.Context(), req.ProductID, req.FullQuantity, req.EmptyQuantity, date)
		return err
	}

	var err error
	if req.Date != "" {
		date, perr := fiscal.ParseDate(req.Date)
		if perr != nil {
			writeDomainError(w, r, perr)
			return
		}
		err = h.withBooksForDate(r, date, func(b *books.Books) error { return run(b, date) })
	} else {
		err = h.withBooks(r, func(b *books.Books) error { return run(b, time.Time{}) })
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, opening)
}

// GetDashboard handles GET /api/dashboard
func (h *Handler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	var dash *books.Dashboard
	err := h.withBooks(r, func(b *books.Books) (err error) {
		dash, err = b.Dashboard(r.Context())
		return err
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dash)
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// MigrateLegacyData handles POST /api/admin/migrate
func (h *Handler) MigrateLegacyData(w http.ResponseWriter, r *http.Request) {
	res, err := h.Migrator.Migrate(r.Context(), usernameFrom(r.Context()))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	resp := MigrateResponse{Created: res.Created, Skipped: res.Skipped, BackupPath: res.BackupPath}
	if resp.Created == nil {
		resp.Created = []string{}
	}
	if resp.Skipped == nil {
		resp.Skipped = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// DownloadBackup handles POST /api/admin/backup. The archive is kept under
// BackupDir and streamed back as an attachment.
func (h *Handler) DownloadBackup(w http.ResponseWriter, r *http.Request) {
	username := usernameFrom(r.Context())
	dirName, err := tenantdb.DirName(username)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	fileName := fmt.Sprintf("%s-backup-%s.db", dirName, h.now().UTC().Format("20060102-150405"))
	out := filepath.Join(h.BackupDir, dirName, fileName)

	res, err := h.Backups.Backup(r.Context(), username, out)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	log.Info().Str("username", username).Str("backup_id", res.ID).Str("file", fileName).Msg("backup served")
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	w.Header().Set("X-Backup-ID", res.ID)
	http.ServeFile(w, r, res.Path)
}

// RestoreBackup handles POST /api/admin/restore with a multipart "backup" file.
func (h *Handler) RestoreBackup(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "Backup file too large", nil)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Backup file too large", err)
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid multipart form", err)
		return
	}
	file, _, err := r.FormFile("backup")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing backup file", err)
		return
	}
	defer file.Close()

	tmpPath, err := spoolUpload(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to store upload", err)
		return
	}
	defer os.Remove(tmpPath)

	ctx := r.Context()
	username := usernameFrom(ctx)
	dir, err := h.Provider.Resolver().Resolve(ctx, username)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	res, err := h.Backups.Restore(ctx, username, tmpPath, dir)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	log.Info().Str("username", username).Strs("restored", res.Restored).Msg("backup restored")
	writeJSON(w, http.StatusOK, res)
}

// spoolUpload copies an upload into a temp file and returns its path.
func spoolUpload(src io.Reader) (string, error) {
	tmp, err := os.CreateTemp("", "restore-*.db")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}
