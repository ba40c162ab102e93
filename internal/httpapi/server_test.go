package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suspectuso/ton-escrow/internal/apperrors"
	"github.com/suspectuso/ton-escrow/internal/escrow"
	"github.com/suspectuso/ton-escrow/internal/logging"
	"github.com/suspectuso/ton-escrow/internal/money"
	"github.com/suspectuso/ton-escrow/internal/storage"
	"github.com/suspectuso/ton-escrow/internal/withdrawal"
)

const token = "s3cret"

type fakeEscrow struct {
	resolved map[string]escrow.Resolution
	expired  int
}

func (f *fakeEscrow) Get(_ context.Context, id string) (*storage.Transaction, error) {
	if id == "missing" {
		return nil, apperrors.NotFound("transaction")
	}
	return &storage.Transaction{ID: id, Status: storage.TxPaymentReceived}, nil
}

func (f *fakeEscrow) ConfirmPayment(_ context.Context, id, ref string) (*storage.Transaction, error) {
	if ref == "" {
		return nil, apperrors.Validation("reference", "payment reference is required")
	}
	return &storage.Transaction{ID: id, Status: storage.TxPaymentReceived}, nil
}

func (f *fakeEscrow) ResolveDispute(_ context.Context, id string, r escrow.Resolution) (*storage.Transaction, error) {
	f.resolved[id] = r
	return &storage.Transaction{ID: id, Status: storage.TxCompleted}, nil
}

func (f *fakeEscrow) ExpireSweep(context.Context) (int, error)      { return f.expired, nil }
func (f *fakeEscrow) AutoConfirmSweep(context.Context) (int, error) { return 0, nil }

type fakeWithdrawals struct {
	approveErr error
}

func (f *fakeWithdrawals) Get(_ context.Context, id string) (*storage.Withdrawal, error) {
	return &storage.Withdrawal{ID: id, Status: storage.WithdrawalPending}, nil
}

func (f *fakeWithdrawals) Approve(_ context.Context, id, _, _ string) (*storage.Withdrawal, error) {
	if f.approveErr != nil {
		return nil, f.approveErr
	}
	return &storage.Withdrawal{ID: id, Status: storage.WithdrawalApproved}, nil
}

func (f *fakeWithdrawals) Complete(_ context.Context, id, _ string) (*storage.Withdrawal, error) {
	return &storage.Withdrawal{ID: id, Status: storage.WithdrawalCompleted}, nil
}

func (f *fakeWithdrawals) Reject(_ context.Context, id, _ string) (*storage.Withdrawal, error) {
	return &storage.Withdrawal{ID: id, Status: storage.WithdrawalRejected}, nil
}

func (f *fakeWithdrawals) Reconcile(_ context.Context, id string, sent bool, _ string) (*storage.Withdrawal, error) {
	status := storage.WithdrawalPending
	if sent {
		status = storage.WithdrawalCompleted
	}
	return &storage.Withdrawal{ID: id, Status: status}, nil
}

func (f *fakeWithdrawals) ProcessPending(context.Context) (int, error) {
	return 0, withdrawal.ErrCustodyUnavailable
}

type fakeDeposits struct{}

func (fakeDeposits) Get(_ context.Context, id string) (*storage.Deposit, error) {
	return &storage.Deposit{ID: id}, nil
}
func (fakeDeposits) Confirm(_ context.Context, id, _ string) (*storage.Deposit, error) {
	return &storage.Deposit{ID: id, Status: storage.DepositConfirmed}, nil
}
func (fakeDeposits) Reject(_ context.Context, id, _ string) (*storage.Deposit, error) {
	return &storage.Deposit{ID: id, Status: storage.DepositRejected}, nil
}
func (fakeDeposits) ExpireSweep(context.Context) (int, error) { return 2, nil }

type fakeUsers struct{ blocked map[string]string }

func (f *fakeUsers) Block(_ context.Context, id, reason string) error {
	if reason == "" {
		return apperrors.Validation("reason", "block reason is required")
	}
	f.blocked[id] = reason
	return nil
}
func (f *fakeUsers) Unblock(_ context.Context, id string) error {
	delete(f.blocked, id)
	return nil
}

type fakeAdjuster struct{}

func (fakeAdjuster) Adjust(_ context.Context, id string, c money.Currency, delta decimal.Decimal, reason string) (*storage.BalanceAdjustment, error) {
	return &storage.BalanceAdjustment{ProfileID: id, Currency: c, Delta: delta, Reason: reason}, nil
}

type fakeSettings struct{ values map[string]string }

func (f *fakeSettings) All(context.Context) (map[string]string, error) { return f.values, nil }
func (f *fakeSettings) Set(_ context.Context, key, value string) error {
	if _, ok := f.values[key]; !ok {
		return apperrors.Validation("key", "unknown setting "+key)
	}
	f.values[key] = value
	return nil
}

type fakeDB struct{ err error }

func (f fakeDB) Ping(context.Context) error { return f.err }

type env struct {
	srv         *Server
	escrow      *fakeEscrow
	withdrawals *fakeWithdrawals
	users       *fakeUsers
}

func newEnv(adminToken string) *env {
	e := &env{
		escrow:      &fakeEscrow{resolved: map[string]escrow.Resolution{}, expired: 4},
		withdrawals: &fakeWithdrawals{},
		users:       &fakeUsers{blocked: map[string]string{}},
	}
	e.srv = New(Deps{
		Escrow:      e.escrow,
		Withdrawals: e.withdrawals,
		Deposits:    fakeDeposits{},
		Users:       e.users,
		Adjuster:    fakeAdjuster{},
		Settings:    &fakeSettings{values: map[string]string{"commission_rate": "3"}},
		DB:          fakeDB{},
		AdminToken:  adminToken,
	}, logging.Discard())
	return e
}

func (e *env) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	r.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, r)

	out := map[string]any{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestHealth(t *testing.T) {
	e := newEnv(token)
	rec, body := e.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestAdminAuth(t *testing.T) {
	rec, body := newEnv("").do(t, http.MethodGet, "/admin/settings", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "NOT_CONFIGURED", body["code"])

	rec, _ = newEnv("other").do(t, http.MethodGet, "/admin/settings", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body = newEnv(token).do(t, http.MethodGet, "/admin/settings", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "3", body["commission_rate"])
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{apperrors.InsufficientFunds(decimal.NewFromInt(10), decimal.NewFromInt(4), "TON"), http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS"},
		{apperrors.Uncertain("transfer may have been sent", errors.New("timeout")), http.StatusAccepted, "UNCERTAIN_OUTCOME"},
		{apperrors.InvalidState("withdrawal", "rejected", "approve"), http.StatusConflict, "INVALID_STATE"},
		{apperrors.Conflict("withdrawal"), http.StatusConflict, "CONFLICT"},
		{apperrors.AlreadyProcessed("withdrawal", "w1"), http.StatusOK, "ALREADY_PROCESSED"},
		{apperrors.Forbidden("maintenance"), http.StatusForbidden, "FORBIDDEN"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			e := newEnv(token)
			e.withdrawals.approveErr = tc.err
			rec, body := e.do(t, http.MethodPost, "/admin/withdrawals/w1/approve", "")
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, body["code"])
		})
	}
}

func TestInsufficientFundsDetails(t *testing.T) {
	e := newEnv(token)
	e.withdrawals.approveErr = apperrors.InsufficientFunds(decimal.NewFromInt(10), decimal.NewFromInt(4), "TON")
	_, body := e.do(t, http.MethodPost, "/admin/withdrawals/w1/approve", `{"notes":"ok"}`)

	details, ok := body["details"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "10", details["required"])
	assert.Equal(t, "4", details["available"])
}

func TestResolveDispute(t *testing.T) {
	e := newEnv(token)
	rec, _ := e.do(t, http.MethodPost, "/admin/transactions/t1/resolve", `{"resolution":"split"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/admin/transactions/t1/resolve", `{"resolution":"favor_seller"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, escrow.FavorSeller, e.escrow.resolved["t1"])

	rec, _ = e.do(t, http.MethodGet, "/admin/transactions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReconcileNeedsExplicitOutcome(t *testing.T) {
	e := newEnv(token)
	rec, _ := e.do(t, http.MethodPost, "/admin/withdrawals/w1/reconcile", `{"reference":"abc"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/admin/withdrawals/w1/reconcile", `{"sent":false}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/admin/withdrawals/w1/reconcile", `{sent`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUsersAndSettings(t *testing.T) {
	e := newEnv(token)
	rec, _ := e.do(t, http.MethodPost, "/admin/users/u1/block", `{"reason":"fraud"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fraud", e.users.blocked["u1"])

	rec, _ = e.do(t, http.MethodPost, "/admin/users/u1/adjust-balance", `{"currency":"XYZ","delta":"1","reason":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = e.do(t, http.MethodPost, "/admin/users/u1/adjust-balance", `{"currency":"ton","delta":"-1.5","reason":"chargeback"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = e.do(t, http.MethodPut, "/admin/settings/commission_rate", `{"value":"2.5"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = e.do(t, http.MethodPut, "/admin/settings/nope", `{"value":"1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSweeps(t *testing.T) {
	e := newEnv(token)
	rec, body := e.do(t, http.MethodPost, "/admin/sweeps/expire-transactions", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4.0, body["rows"])

	rec, _ = e.do(t, http.MethodPost, "/admin/sweeps/process-withdrawals", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/admin/sweeps/everything", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
