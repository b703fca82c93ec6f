package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/warp/cylinder-books/fiscal"
)

var validate = validator.New()

func init() {
	// decimal.Decimal is a struct; validate it as a number so min/max tags work.
	validate.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if v, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := v.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
}

// decodeAndValidate reads a JSON body into req and runs its validate tags.
// On failure it writes the response and returns false.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return false
	}
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeError(w, http.StatusBadRequest, "Invalid request", err)
			return false
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "Validation failed",
			Code:    "validation",
			Details: fields,
		})
		return false
	}
	return true
}

// parseIDParam reads the {id} URL parameter.
func parseIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("id must be a positive integer")
	}
	return id, nil
}

// =============================================================================
// RESPONSES
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the fiscal error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var stockErr *fiscal.StockError
	switch {
	case errors.As(err, &stockErr):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error: "Insufficient stock",
			Code:  "insufficient_stock",
			Details: map[string]any{
				"product_id": stockErr.ProductID,
				"stock":      stockErr.Stock,
				"available":  stockErr.Available,
				"requested":  stockErr.Requested,
			},
		})
	case fiscal.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Not found", Code: "not_found", Details: err.Error()})
	case fiscal.IsConflict(err):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Conflict", Code: "conflict", Details: err.Error()})
	case fiscal.IsClientError(err):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Code: "invalid", Details: err.Error()})
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "Internal server error", err)
	}
}
