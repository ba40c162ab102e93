package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/suspectuso/ton-escrow/internal/apperrors"
	"github.com/suspectuso/ton-escrow/internal/escrow"
	"github.com/suspectuso/ton-escrow/internal/money"
)

type referenceRequest struct {
	Reference string `json:"reference"`
}

type notesRequest struct {
	Notes string `json:"notes"`
}

type approveRequest struct {
	Notes     string `json:"notes"`
	Reference string `json:"reference"`
}

type reconcileRequest struct {
	Sent      *bool  `json:"sent"`
	Reference string `json:"reference"`
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

type blockRequest struct {
	Reason string `json:"reason"`
}

type adjustRequest struct {
	Currency string `json:"currency"`
	Delta    string `json:"delta"`
	Reason   string `json:"reason"`
}

type settingRequest struct {
	Value string `json:"value"`
}

// respond writes v, or the mapped error
func (s *Server) respond(w http.ResponseWriter, r *http.Request, v any, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) getTransaction(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Escrow.Get(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, r, t, err)
}

func (s *Server) confirmPayment(w http.ResponseWriter, r *http.Request) {
	var req referenceRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.deps.Escrow.ConfirmPayment(r.Context(), chi.URLParam(r, "id"), req.Reference)
	s.respond(w, r, t, err)
}

func (s *Server) resolveDispute(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := escrow.ParseResolution(req.Resolution)
	if err != nil {
		s.fail(w, r, apperrors.Validation("resolution", err.Error()))
		return
	}
	t, err := s.deps.Escrow.ResolveDispute(r.Context(), chi.URLParam(r, "id"), res)
	s.respond(w, r, t, err)
}

func (s *Server) getWithdrawal(w http.ResponseWriter, r *http.Request) {
	wd, err := s.deps.Withdrawals.Get(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, r, wd, err)
}

func (s *Server) approveWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	wd, err := s.deps.Withdrawals.Approve(r.Context(), chi.URLParam(r, "id"), req.Notes, req.Reference)
	s.respond(w, r, wd, err)
}

func (s *Server) completeWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req referenceRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	wd, err := s.deps.Withdrawals.Complete(r.Context(), chi.URLParam(r, "id"), req.Reference)
	s.respond(w, r, wd, err)
}

func (s *Server) rejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req notesRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	wd, err := s.deps.Withdrawals.Reject(r.Context(), chi.URLParam(r, "id"), req.Notes)
	s.respond(w, r, wd, err)
}

func (s *Server) reconcileWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Sent == nil {
		s.fail(w, r, apperrors.Validation("sent", "sent must be true or false"))
		return
	}
	wd, err := s.deps.Withdrawals.Reconcile(r.Context(), chi.URLParam(r, "id"), *req.Sent, req.Reference)
	s.respond(w, r, wd, err)
}

func (s *Server) getDeposit(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Deposits.Get(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, r, d, err)
}

func (s *Server) confirmDeposit(w http.ResponseWriter, r *http.Request) {
	var req referenceRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	d, err := s.deps.Deposits.Confirm(r.Context(), chi.URLParam(r, "id"), req.Reference)
	s.respond(w, r, d, err)
}

func (s *Server) rejectDeposit(w http.ResponseWriter, r *http.Request) {
	var req notesRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	d, err := s.deps.Deposits.Reject(r.Context(), chi.URLParam(r, "id"), req.Notes)
	s.respond(w, r, d, err)
}

func (s *Server) blockUser(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	err := s.deps.Users.Block(r.Context(), chi.URLParam(r, "id"), req.Reason)
	s.respond(w, r, map[string]bool{"blocked": true}, err)
}

func (s *Server) unblockUser(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Users.Unblock(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, r, map[string]bool{"blocked": false}, err)
}

func (s *Server) adjustBalance(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := money.ParseCurrency(req.Currency)
	if err != nil {
		s.fail(w, r, apperrors.Validation("currency", err.Error()))
		return
	}
	delta, err := decimal.NewFromString(req.Delta)
	if err != nil {
		s.fail(w, r, apperrors.Validation("delta", "delta must be a decimal number"))
		return
	}
	adj, err := s.deps.Adjuster.Adjust(r.Context(), chi.URLParam(r, "id"), c, delta, req.Reason)
	s.respond(w, r, adj, err)
}

func (s *Server) listSettings(w http.ResponseWriter, r *http.Request) {
	all, err := s.deps.Settings.All(r.Context())
	s.respond(w, r, all, err)
}

func (s *Server) putSetting(w http.ResponseWriter, r *http.Request) {
	var req settingRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	key := chi.URLParam(r, "key")
	if err := s.deps.Settings.Set(r.Context(), key, req.Value); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{key: req.Value})
}

func (s *Server) sweeps() map[string]func(ctx context.Context) (int, error) {
	return map[string]func(ctx context.Context) (int, error){
		"expire-transactions": s.deps.Escrow.ExpireSweep,
		"auto-confirm":        s.deps.Escrow.AutoConfirmSweep,
		"expire-deposits":     s.deps.Deposits.ExpireSweep,
		"process-withdrawals": s.deps.Withdrawals.ProcessPending,
	}
}

func (s *Server) runSweep(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	sweep, ok := s.sweeps()[name]
	if !ok {
		s.fail(w, r, apperrors.NotFound("sweep "+name))
		return
	}
	n, err := sweep(r.Context())
	s.respond(w, r, map[string]any{"sweep": name, "rows": n}, err)
}
