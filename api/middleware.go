package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

const (
	// UsernameHeader carries the tenant authenticated by the session layer.
	UsernameHeader = "X-Username"
	// FinancialYearHeader selects a financial year when ?fy= is absent.
	FinancialYearHeader = "X-Financial-Year"
)

type ctxKey int

const usernameKey ctxKey = iota

// RequireUser rejects requests without an authenticated username.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username := strings.TrimSpace(r.Header.Get(UsernameHeader))
		if username == "" {
			writeError(w, http.StatusUnauthorized, "Authentication required", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), usernameKey, username)))
	})
}

// usernameFrom returns the username stored by RequireUser.
func usernameFrom(ctx context.Context) string {
	s, _ := ctx.Value(usernameKey).(string)
	return s
}

// financialYearParam returns the requested year id, "" meaning current.
func financialYearParam(r *http.Request) string {
	if fy := strings.TrimSpace(r.URL.Query().Get("fy")); fy != "" {
		return fy
	}
	return strings.TrimSpace(r.Header.Get(FinancialYearHeader))
}

// RequestLogger logs each request with method, path, status, latency, and request_id.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		evt := log.Info()
		if status >= http.StatusInternalServerError {
			evt = log.Error()
		}
		evt.Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("username", r.Header.Get(UsernameHeader)).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("latency", time.Since(start)).
			Msg("request")
	})
}
