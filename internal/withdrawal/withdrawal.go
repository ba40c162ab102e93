// Package withdrawal processes payout requests. A request only records
// intent; the balance is debited once, together with the move out of
// pending, by whichever path approves it.
//
// Manual mode: an operator approves and pays off-system, optionally
// recording the payment reference. Automated mode (TON only, when
// auto_withdrawals is on and a custody wallet is configured): approval
// drives the custody transfer and the request is completed when the
// transfer is known to have been sent.
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tonkeeper/tongo/ton"

	"github.com/suspectuso/ton-escrow/internal/accounts"
	"github.com/suspectuso/ton-escrow/internal/apperrors"
	"github.com/suspectuso/ton-escrow/internal/custody"
	"github.com/suspectuso/ton-escrow/internal/metrics"
	"github.com/suspectuso/ton-escrow/internal/money"
	"github.com/suspectuso/ton-escrow/internal/notifier"
	"github.com/suspectuso/ton-escrow/internal/settings"
	"github.com/suspectuso/ton-escrow/internal/settlement"
	"github.com/suspectuso/ton-escrow/internal/storage"
)

const (
	sweepBatch = 20
	// MemoPrefix tags outgoing custody transfers: "WD-<withdrawal id>"
	MemoPrefix = "WD-"
)

// ErrCustodyUnavailable means the custody wallet could not be queried
var ErrCustodyUnavailable = errors.New("custody wallet unavailable")

var phoneRegex = regexp.MustCompile(`^(\+?959|09)\d{7,9}$`)

type Notifier interface {
	Notify(recipient string, n notifier.Notification)
}

type snapshotter interface {
	Snapshot(ctx context.Context) (settings.Snapshot, error)
}

type Service struct {
	store    *storage.Storage
	engine   *settlement.Engine
	settings snapshotter
	wallet   custody.Wallet
	notify   Notifier
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates the processor. wallet may be nil, which leaves only the
// manual path available.
func New(store *storage.Storage, engine *settlement.Engine, settings snapshotter, wallet custody.Wallet, notify Notifier, log *slog.Logger) *Service {
	return &Service{
		store:    store,
		engine:   engine,
		settings: settings,
		wallet:   wallet,
		notify:   notify,
		log:      log.With("component", "withdrawal"),
		metrics:  metrics.Default(),
		now:      time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (s *Service) SetNowFunc(now func() time.Time) { s.now = now }

// CurrencyFor is the ledger currency a payment method pays out of
func CurrencyFor(m storage.PaymentMethod) (money.Currency, error) {
	switch m {
	case storage.MethodTON:
		return money.TON, nil
	case storage.MethodKBZPay, storage.MethodWavePay:
		return money.MMK, nil
	}
	return "", apperrors.Validation("method", fmt.Sprintf("unknown payment method %q", m))
}

// Create records a payout request. The balance is not checked or touched
// here; it may change before an operator gets to the request.
func (s *Service) Create(ctx context.Context, profileID string, amount decimal.Decimal, method storage.PaymentMethod, destination string) (*storage.Withdrawal, error) {
	c, err := CurrencyFor(method)
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, apperrors.Validation("amount", "amount must be positive")
	}
	if !amount.Equal(c.Round(amount)) {
		return nil, apperrors.Validation("amount", fmt.Sprintf("%s amounts allow at most %d decimals", c, c.Places()))
	}
	dest, err := normalizeDestination(method, destination)
	if err != nil {
		return nil, err
	}

	snap, err := s.settings.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if snap.MaintenanceMode {
		return nil, apperrors.Forbidden("withdrawals are paused for maintenance")
	}
	if !snap.MethodEnabled(method) {
		return nil, apperrors.Validation("method", fmt.Sprintf("%s withdrawals are disabled", method))
	}
	if minimum := snap.MinWithdrawal(c); amount.LessThan(minimum) {
		return nil, apperrors.Validation("amount", "minimum withdrawal is "+money.Format(minimum, c))
	}
	fee := snap.WithdrawalFee(c)
	if !amount.GreaterThan(fee) {
		return nil, apperrors.Validation("amount", "amount must exceed the withdrawal fee of "+money.Format(fee, c))
	}

	w := &storage.Withdrawal{
		ID:          uuid.NewString(),
		ProfileID:   profileID,
		Amount:      amount,
		Fee:         fee,
		Currency:    c,
		Destination: dest,
		Method:      method,
		Status:      storage.WithdrawalPending,
		CreatedAt:   s.now(),
	}
	err = s.store.WithTx(ctx, func(q *storage.Queries) error {
		if _, err := accounts.ActiveProfile(ctx, q, profileID); err != nil {
			return err
		}
		return q.CreateWithdrawal(ctx, w)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Withdrawals.WithLabelValues(string(method), "requested").Inc()
	s.log.Info("withdrawal requested", "withdrawal_id", w.ID, "profile_id", profileID,
		"amount", amount.String(), "currency", c, "method", method)
	s.notify.Notify(notifier.Admin, notifier.WithdrawalRequested{
		WithdrawalID: w.ID,
		Amount:       amount,
		Currency:     c,
		Method:       string(method),
		Destination:  dest,
	})
	return w, nil
}

func normalizeDestination(method storage.PaymentMethod, destination string) (string, error) {
	destination = strings.TrimSpace(destination)
	if method == storage.MethodTON {
		acc, err := ton.ParseAccountID(destination)
		if err != nil {
			return "", apperrors.Validation("destination", "invalid TON address")
		}
		return acc.ToHuman(false, false), nil
	}

	phone := strings.NewReplacer(" ", "", "-", "").Replace(destination)
	if !phoneRegex.MatchString(phone) {
		return "", apperrors.Validation("destination", "invalid Myanmar phone number")
	}
	return phone, nil
}

// Get returns a withdrawal
func (s *Service) Get(ctx context.Context, id string) (*storage.Withdrawal, error) {
	w, err := s.store.GetWithdrawal(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.NotFound("withdrawal")
	}
	return w, err
}

// Automated reports whether Approve would drive a custody transfer
func (s *Service) Automated(snap settings.Snapshot, w *storage.Withdrawal) bool {
	return snap.AutoWithdrawals && s.wallet != nil && w.Method == storage.MethodTON
}

// Approve debits the requester and pays out. A reference marks an
// operator who already paid off-system and always takes the manual path.
// Approving an already approved or completed request is a no-op success.
func (s *Service) Approve(ctx context.Context, id, notes, reference string) (*storage.Withdrawal, error) {
	w, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	snap, err := s.settings.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if reference == "" && s.Automated(snap, w) {
		return s.payOut(ctx, w, snap)
	}
	return s.approveManual(ctx, w, snap, notes, reference)
}

func (s *Service) approveManual(ctx context.Context, w *storage.Withdrawal, snap settings.Snapshot, notes, reference string) (*storage.Withdrawal, error) {
	var (
		earnings []settlement.Earning
		already  bool
	)
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		earnings = nil
		already, err = s.debit(ctx, q, w, storage.Fields{
			"admin_notes": strings.TrimSpace(notes),
			"reference":   strings.TrimSpace(reference),
		})
		if err != nil || already {
			return err
		}
		earnings, err = s.engine.PayReferralRewards(ctx, q, w, snap)
		return err
	})
	if err != nil {
		s.failed(w, err)
		return nil, err
	}
	if already {
		return s.Get(ctx, w.ID)
	}

	s.approved(w, reference, earnings, "approved")
	return s.Get(ctx, w.ID)
}

// debit moves pending -> approved and takes the amount from the balance
// in the caller's transaction. It reports true when someone else already
// moved the request past pending.
func (s *Service) debit(ctx context.Context, q *storage.Queries, w *storage.Withdrawal, set storage.Fields) (bool, error) {
	if set == nil {
		set = storage.Fields{}
	}
	set["processed_at"] = storage.Timestamp(s.now())
	set["last_error"] = ""

	moved, err := q.TransitionWithdrawal(ctx, w.ID, storage.WithdrawalPending, storage.WithdrawalApproved, set)
	if err != nil {
		return false, err
	}
	if !moved {
		current, err := q.GetWithdrawal(ctx, w.ID)
		if err != nil {
			return false, err
		}
		switch current.Status {
		case storage.WithdrawalApproved, storage.WithdrawalCompleted:
			return true, nil
		}
		return false, apperrors.InvalidState("withdrawal", string(current.Status), "approve")
	}

	if _, err := accounts.ActiveProfile(ctx, q, w.ProfileID); err != nil {
		return false, err
	}
	if _, err := q.AddBalance(ctx, w.ProfileID, w.Currency, w.Amount.Neg()); err != nil {
		return false, err
	}
	w.Status = storage.WithdrawalApproved
	return false, nil
}

// payOut is the automated TON pipeline
func (s *Service) payOut(ctx context.Context, w *storage.Withdrawal, snap settings.Snapshot) (*storage.Withdrawal, error) {
	if w.Status != storage.WithdrawalPending {
		if w.Status == storage.WithdrawalApproved || w.Status == storage.WithdrawalCompleted {
			return w, nil
		}
		return nil, apperrors.InvalidState("withdrawal", string(w.Status), "approve")
	}

	profile, err := s.store.GetProfile(ctx, w.ProfileID)
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	if available := profile.BalanceOf(w.Currency); available.LessThan(w.Amount) {
		err := apperrors.InsufficientFunds(w.Amount, available, w.Currency.String())
		s.failed(w, err)
		return nil, err
	}

	payout := w.Payout()
	need := payout.Add(snap.NetworkFeeTON)
	onChain, err := s.wallet.Balance(ctx)
	if err != nil {
		s.hold(ctx, w, "custody balance unavailable: "+err.Error())
		return nil, fmt.Errorf("%w: %w", ErrCustodyUnavailable, err)
	}
	if onChain.LessThan(need) {
		e := apperrors.InsufficientFunds(need, onChain, money.TON.String())
		e.Details["source"] = "custody"
		s.hold(ctx, w, "custody wallet short: "+e.Message)
		return nil, e
	}

	already := false
	err = s.store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		already, err = s.debit(ctx, q, w, nil)
		return err
	})
	if err != nil {
		s.failed(w, err)
		return nil, err
	}
	if already {
		return s.Get(ctx, w.ID)
	}

	ref, err := s.wallet.Transfer(ctx, custody.Transfer{
		Destination: w.Destination,
		Amount:      payout,
		Comment:     MemoPrefix + w.ID,
	})
	if err != nil {
		if custody.OutcomeOf(err) == custody.NotSent {
			return nil, s.revert(ctx, w, err)
		}
		return nil, s.markUncertain(ctx, w, err)
	}

	return s.complete(ctx, w, snap, ref)
}

// hold leaves the request pending with an operator-visible error. The
// operator is pinged only when the error text changes.
func (s *Service) hold(ctx context.Context, w *storage.Withdrawal, msg string) {
	s.metrics.Withdrawals.WithLabelValues(string(w.Method), "held").Inc()
	s.log.Warn("automated withdrawal held", "withdrawal_id", w.ID, "reason", msg)

	if w.LastError == msg {
		return
	}
	if err := s.store.SetWithdrawalError(ctx, w.ID, msg, false); err != nil {
		s.log.Error("record withdrawal error", "withdrawal_id", w.ID, "error", err)
	}
	w.LastError = msg
	s.notify.Notify(notifier.Admin, notifier.WithdrawalNeedsReview{
		WithdrawalID: w.ID,
		Amount:       w.Amount,
		Currency:     w.Currency,
		Error:        msg,
	})
}

// revert undoes the debit of a transfer that definitely did not go out
func (s *Service) revert(ctx context.Context, w *storage.Withdrawal, cause error) error {
	msg := "transfer not sent: " + cause.Error()
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		return s.undoDebit(ctx, q, w, msg)
	})
	if err != nil {
		// the debit stands and the request is stuck in approved
		s.log.Error("revert unsent withdrawal", "withdrawal_id", w.ID, "error", err)
		return s.markUncertain(ctx, w, fmt.Errorf("%s; revert failed: %w", msg, err))
	}

	s.metrics.Withdrawals.WithLabelValues(string(w.Method), "not_sent").Inc()
	s.log.Warn("withdrawal transfer not sent, returned to pending", "withdrawal_id", w.ID, "error", cause)
	s.notify.Notify(notifier.Admin, notifier.WithdrawalNeedsReview{
		WithdrawalID: w.ID,
		Amount:       w.Amount,
		Currency:     w.Currency,
		Error:        msg,
	})
	return fmt.Errorf("withdrawal %s returned to pending: %w", w.ID, cause)
}

func (s *Service) undoDebit(ctx context.Context, q *storage.Queries, w *storage.Withdrawal, msg string) error {
	moved, err := q.TransitionWithdrawal(ctx, w.ID, storage.WithdrawalApproved, storage.WithdrawalPending, storage.Fields{
		"last_error":   msg,
		"needs_review": false,
		"processed_at": nil,
	})
	if err != nil {
		return err
	}
	if !moved {
		return apperrors.Conflict("withdrawal")
	}
	if _, err := q.AddBalance(ctx, w.ProfileID, w.Currency, w.Amount); err != nil {
		return err
	}
	w.Status = storage.WithdrawalPending
	return nil
}

// markUncertain parks an approved request for manual reconciliation.
// It is never retried automatically.
func (s *Service) markUncertain(ctx context.Context, w *storage.Withdrawal, cause error) error {
	msg := "transfer outcome unknown: " + cause.Error()
	if err := s.store.SetWithdrawalError(ctx, w.ID, msg, true); err != nil {
		s.log.Error("record uncertain withdrawal", "withdrawal_id", w.ID, "error", err)
	}

	s.metrics.Withdrawals.WithLabelValues(string(w.Method), "uncertain").Inc()
	s.log.Error("withdrawal outcome uncertain", "withdrawal_id", w.ID, "error", cause)
	s.notify.Notify(notifier.Admin, notifier.WithdrawalNeedsReview{
		WithdrawalID: w.ID,
		Amount:       w.Amount,
		Currency:     w.Currency,
		Error:        msg,
		Uncertain:    true,
	})
	return apperrors.Uncertain("withdrawal "+w.ID+" needs manual reconciliation", cause)
}

// complete moves approved -> completed and pays referral rewards
func (s *Service) complete(ctx context.Context, w *storage.Withdrawal, snap settings.Snapshot, reference string) (*storage.Withdrawal, error) {
	var earnings []settlement.Earning
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		moved, err := q.TransitionWithdrawal(ctx, w.ID, storage.WithdrawalApproved, storage.WithdrawalCompleted, storage.Fields{
			"reference":    reference,
			"needs_review": false,
			"last_error":   "",
			"processed_at": storage.Timestamp(s.now()),
		})
		if err != nil {
			return err
		}
		if !moved {
			return apperrors.Conflict("withdrawal")
		}
		earnings, err = s.engine.PayReferralRewards(ctx, q, w, snap)
		return err
	})
	if err != nil {
		// funds left custody; only the bookkeeping is behind
		return nil, s.markUncertain(ctx, w, fmt.Errorf("transfer %s sent but not recorded: %w", reference, err))
	}

	w.Status = storage.WithdrawalCompleted
	s.approved(w, reference, earnings, "completed")
	return s.Get(ctx, w.ID)
}

// Complete records the external reference of a manually paid request
func (s *Service) Complete(ctx context.Context, id, reference string) (*storage.Withdrawal, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, apperrors.Validation("reference", "payment reference is required")
	}
	w, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status == storage.WithdrawalCompleted {
		return w, nil
	}
	if w.NeedsReview {
		return nil, apperrors.InvalidState("withdrawal", "needs_review", "complete")
	}

	moved, err := s.store.TransitionWithdrawal(ctx, id, storage.WithdrawalApproved, storage.WithdrawalCompleted, storage.Fields{
		"reference":    reference,
		"processed_at": storage.Timestamp(s.now()),
	})
	if err != nil {
		return nil, err
	}
	if !moved {
		if current, err := s.Get(ctx, id); err == nil && current.Status == storage.WithdrawalCompleted {
			return current, nil
		}
		return nil, apperrors.InvalidState("withdrawal", string(w.Status), "complete")
	}

	s.metrics.Withdrawals.WithLabelValues(string(w.Method), "completed").Inc()
	s.log.Info("withdrawal completed", "withdrawal_id", id, "reference", reference)
	return s.Get(ctx, id)
}

// Reject declines a pending request. Nothing was debited, so nothing is returned.
func (s *Service) Reject(ctx context.Context, id, notes string) (*storage.Withdrawal, error) {
	w, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status == storage.WithdrawalRejected {
		return w, nil
	}

	moved, err := s.store.TransitionWithdrawal(ctx, id, storage.WithdrawalPending, storage.WithdrawalRejected, storage.Fields{
		"admin_notes":  strings.TrimSpace(notes),
		"processed_at": storage.Timestamp(s.now()),
	})
	if err != nil {
		return nil, err
	}
	if !moved {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Status == storage.WithdrawalRejected {
			return current, nil
		}
		return nil, apperrors.InvalidState("withdrawal", string(current.Status), "reject")
	}

	s.metrics.Withdrawals.WithLabelValues(string(w.Method), "rejected").Inc()
	s.log.Info("withdrawal rejected", "withdrawal_id", id)
	s.notify.Notify(w.ProfileID, notifier.WithdrawalRejected{
		WithdrawalID: w.ID,
		Amount:       w.Amount,
		Currency:     w.Currency,
		Notes:        notes,
	})
	return s.Get(ctx, id)
}

// Reconcile settles a request parked with an uncertain transfer outcome,
// after an operator checked the chain.
func (s *Service) Reconcile(ctx context.Context, id string, sent bool, reference string) (*storage.Withdrawal, error) {
	w, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != storage.WithdrawalApproved || !w.NeedsReview {
		return nil, apperrors.InvalidState("withdrawal", string(w.Status), "reconcile")
	}

	if sent {
		reference = strings.TrimSpace(reference)
		if reference == "" {
			return nil, apperrors.Validation("reference", "on-chain reference is required")
		}
		snap, err := s.settings.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		return s.complete(ctx, w, snap, reference)
	}

	err = s.store.WithTx(ctx, func(q *storage.Queries) error {
		return s.undoDebit(ctx, q, w, "reconciled as not sent")
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Withdrawals.WithLabelValues(string(w.Method), "reconciled_not_sent").Inc()
	s.log.Info("withdrawal reconciled as not sent", "withdrawal_id", id)
	return s.Get(ctx, id)
}

// ProcessPending runs the automated pipeline over pending TON requests.
// Requests held for a short custody wallet are retried on every run.
func (s *Service) ProcessPending(ctx context.Context) (int, error) {
	snap, err := s.settings.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	if !snap.AutoWithdrawals || s.wallet == nil {
		return 0, nil
	}

	pending, err := s.store.ListPendingWithdrawals(ctx, storage.MethodTON, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list pending withdrawals: %w", err)
	}

	count := 0
	for i := range pending {
		w := &pending[i]
		_, err := s.payOut(ctx, w, snap)
		switch {
		case err == nil:
			count++
		case apperrors.IsInsufficientFunds(err):
			// held or user short: retried next run
		case apperrors.IsUncertain(err), errors.Is(err, ErrCustodyUnavailable):
			// custody is misbehaving; leave the rest for the next run
			return count, nil
		default:
			s.log.Warn("automated withdrawal failed", "withdrawal_id", w.ID, "error", err)
		}
	}
	return count, nil
}

func (s *Service) approved(w *storage.Withdrawal, reference string, earnings []settlement.Earning, outcome string) {
	s.metrics.Withdrawals.WithLabelValues(string(w.Method), outcome).Inc()
	s.log.Info("withdrawal "+outcome, "withdrawal_id", w.ID, "amount", w.Amount.String(),
		"currency", w.Currency, "referral_rewards", len(earnings))

	s.notify.Notify(w.ProfileID, notifier.WithdrawalApproved{
		WithdrawalID: w.ID,
		Payout:       w.Payout(),
		Currency:     w.Currency,
		Reference:    reference,
	})
	for _, e := range earnings {
		s.notify.Notify(e.BeneficiaryID, notifier.ReferralEarned{Amount: e.Amount, Currency: e.Currency, Level: e.Level})
	}
}

func (s *Service) failed(w *storage.Withdrawal, err error) {
	if apperrors.IsInsufficientFunds(err) {
		s.metrics.Withdrawals.WithLabelValues(string(w.Method), "insufficient_funds").Inc()
		s.log.Info("withdrawal approval refused", "withdrawal_id", w.ID, "error", err)
	}
}
