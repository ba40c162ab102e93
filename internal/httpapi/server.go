// Package httpapi serves the operator surface: admin actions, sweep
// triggers, the TonAPI webhook, health and metrics.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/suspectuso/ton-escrow/internal/apperrors"
	"github.com/suspectuso/ton-escrow/internal/escrow"
	"github.com/suspectuso/ton-escrow/internal/metrics"
	"github.com/suspectuso/ton-escrow/internal/money"
	"github.com/suspectuso/ton-escrow/internal/settlement"
	"github.com/suspectuso/ton-escrow/internal/storage"
	"github.com/suspectuso/ton-escrow/internal/withdrawal"
)

type Escrow interface {
	Get(ctx context.Context, id string) (*storage.Transaction, error)
	ConfirmPayment(ctx context.Context, txID, reference string) (*storage.Transaction, error)
	ResolveDispute(ctx context.Context, txID string, r escrow.Resolution) (*storage.Transaction, error)
	ExpireSweep(ctx context.Context) (int, error)
	AutoConfirmSweep(ctx context.Context) (int, error)
}

type Withdrawals interface {
	Get(ctx context.Context, id string) (*storage.Withdrawal, error)
	Approve(ctx context.Context, id, notes, reference string) (*storage.Withdrawal, error)
	Complete(ctx context.Context, id, reference string) (*storage.Withdrawal, error)
	Reject(ctx context.Context, id, notes string) (*storage.Withdrawal, error)
	Reconcile(ctx context.Context, id string, sent bool, reference string) (*storage.Withdrawal, error)
	ProcessPending(ctx context.Context) (int, error)
}

type Deposits interface {
	Get(ctx context.Context, id string) (*storage.Deposit, error)
	Confirm(ctx context.Context, id, reference string) (*storage.Deposit, error)
	Reject(ctx context.Context, id, notes string) (*storage.Deposit, error)
	ExpireSweep(ctx context.Context) (int, error)
}

type Users interface {
	Block(ctx context.Context, id, reason string) error
	Unblock(ctx context.Context, id string) error
}

type Adjuster interface {
	Adjust(ctx context.Context, profileID string, c money.Currency, delta decimal.Decimal, reason string) (*storage.BalanceAdjustment, error)
}

type Settings interface {
	All(ctx context.Context) (map[string]string, error)
	Set(ctx context.Context, key, value string) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services behind the routes. Webhook may be nil.
type Deps struct {
	Escrow      Escrow
	Withdrawals Withdrawals
	Deposits    Deposits
	Users       Users
	Adjuster    Adjuster
	Settings    Settings
	DB          Pinger
	Webhook     http.Handler
	AdminToken  string
}

type Server struct {
	deps    Deps
	log     *slog.Logger
	metrics *metrics.Metrics
	router  chi.Router
}

func New(deps Deps, log *slog.Logger) *Server {
	s := &Server{
		deps:    deps,
		log:     log.With("component", "http"),
		metrics: metrics.Default(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.count)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", metrics.Handler())
	if s.deps.Webhook != nil {
		r.Method(http.MethodPost, "/webhook/tonapi", s.deps.Webhook)
	}

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(middleware.Timeout(time.Minute))

		r.Get("/transactions/{id}", s.getTransaction)
		r.Post("/transactions/{id}/confirm-payment", s.confirmPayment)
		r.Post("/transactions/{id}/resolve", s.resolveDispute)

		r.Get("/withdrawals/{id}", s.getWithdrawal)
		r.Post("/withdrawals/{id}/approve", s.approveWithdrawal)
		r.Post("/withdrawals/{id}/complete", s.completeWithdrawal)
		r.Post("/withdrawals/{id}/reject", s.rejectWithdrawal)
		r.Post("/withdrawals/{id}/reconcile", s.reconcileWithdrawal)

		r.Get("/deposits/{id}", s.getDeposit)
		r.Post("/deposits/{id}/confirm", s.confirmDeposit)
		r.Post("/deposits/{id}/reject", s.rejectDeposit)

		r.Post("/users/{id}/block", s.blockUser)
		r.Post("/users/{id}/unblock", s.unblockUser)
		r.Post("/users/{id}/adjust-balance", s.adjustBalance)

		r.Get("/settings", s.listSettings)
		r.Put("/settings/{key}", s.putSetting)

		r.Post("/sweeps/{name}", s.runSweep)
	})
	return r
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.AdminToken == "" {
			s.fail(w, r, apperrors.ConfigurationMissing("admin api token"))
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.AdminToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Code: "UNAUTHORIZED", Message: "missing or invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.deps.DB != nil {
		if err := s.deps.DB.Ping(r.Context()); err != nil {
			s.log.Error("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "db unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func statusFor(err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.ErrValidation:
		return http.StatusBadRequest
	case apperrors.ErrForbidden:
		return http.StatusForbidden
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrInvalidState, apperrors.ErrConflict:
		return http.StatusConflict
	case apperrors.ErrInsufficientFunds:
		return http.StatusUnprocessableEntity
	case apperrors.ErrConfigurationMissing:
		return http.StatusServiceUnavailable
	case apperrors.ErrUncertainOutcome:
		return http.StatusAccepted
	case apperrors.ErrAlreadyProcessed:
		return http.StatusOK
	}
	if errors.Is(err, withdrawal.ErrCustodyUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Code: "INTERNAL", Message: "internal error"}
	if e, ok := apperrors.As(err); ok {
		body = errorBody{Code: e.Code, Message: e.Error(), Details: e.Details}
	} else if status != http.StatusInternalServerError {
		body.Message = err.Error()
	}
	if status >= 500 {
		s.log.Error("admin request failed", "path", r.URL.Path, "error", err)
	} else {
		s.log.Warn("admin request refused", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads an optional JSON body; an empty body leaves dst untouched
func decode(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperrors.Validation("body", "invalid JSON body")
	}
	return nil
}

// Compile-time checks for the production types.
var (
	_ Adjuster = (*settlement.Engine)(nil)
	_ Escrow   = (*escrow.Service)(nil)
)
