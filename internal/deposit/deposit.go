// Package deposit funds internal balances. TON deposits are matched to
// an on-chain transfer by their memo code; fiat deposits carry a payment
// proof and wait for an operator.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/suspectuso/ton-escrow/internal/accounts"
	"github.com/suspectuso/ton-escrow/internal/apperrors"
	"github.com/suspectuso/ton-escrow/internal/metrics"
	"github.com/suspectuso/ton-escrow/internal/money"
	"github.com/suspectuso/ton-escrow/internal/notifier"
	"github.com/suspectuso/ton-escrow/internal/settings"
	"github.com/suspectuso/ton-escrow/internal/storage"
)

const (
	// MemoPrefix marks on-chain deposits: "DEP-<code>"
	MemoPrefix = "DEP-"
	sweepBatch = 100
)

type Notifier interface {
	Notify(recipient string, n notifier.Notification)
}

type snapshotter interface {
	Snapshot(ctx context.Context) (settings.Snapshot, error)
}

type Service struct {
	store    *storage.Storage
	settings snapshotter
	notify   Notifier
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(store *storage.Storage, settings snapshotter, notify Notifier, log *slog.Logger) *Service {
	return &Service{
		store:    store,
		settings: settings,
		notify:   notify,
		log:      log.With("component", "deposit"),
		metrics:  metrics.Default(),
		now:      time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (s *Service) SetNowFunc(now func() time.Time) { s.now = now }

// CreateTON opens a TON deposit. The user pays to the custody wallet with
// the returned memo.
func (s *Service) CreateTON(ctx context.Context, profileID string, amount decimal.Decimal) (*storage.Deposit, error) {
	snap, err := s.precheck(ctx, amount, money.TON, storage.MethodTON)
	if err != nil {
		return nil, err
	}
	d := &storage.Deposit{
		ID:        uuid.NewString(),
		ProfileID: profileID,
		Amount:    amount,
		Currency:  money.TON,
		Method:    storage.MethodTON,
		Code:      MemoPrefix + accounts.NewCode(8),
		Status:    storage.DepositPending,
		ExpiresAt: s.now().Add(snap.DepositWindow),
		CreatedAt: s.now(),
	}
	if err := s.insert(ctx, d); err != nil {
		return nil, err
	}

	s.metrics.Deposits.WithLabelValues(string(d.Method), "created").Inc()
	s.log.Info("ton deposit opened", "deposit_id", d.ID, "profile_id", profileID, "amount", amount.String(), "code", d.Code)
	return d, nil
}

// CreateFiat records an MMK transfer the user says they made. It needs an
// operator contact to be configured, since the operator confirms it by hand.
func (s *Service) CreateFiat(ctx context.Context, profileID string, amount decimal.Decimal, method storage.PaymentMethod, proof string) (*storage.Deposit, error) {
	if method != storage.MethodKBZPay && method != storage.MethodWavePay {
		return nil, apperrors.Validation("method", fmt.Sprintf("%s is not a fiat method", method))
	}
	proof = strings.TrimSpace(proof)
	if proof == "" {
		return nil, apperrors.Validation("proof", "payment proof is required")
	}
	snap, err := s.precheck(ctx, amount, money.MMK, method)
	if err != nil {
		return nil, err
	}
	if snap.AdminContact == "" {
		return nil, apperrors.ConfigurationMissing("admin contact")
	}

	d := &storage.Deposit{
		ID:        uuid.NewString(),
		ProfileID: profileID,
		Amount:    amount,
		Currency:  money.MMK,
		Method:    method,
		Code:      accounts.NewCode(8),
		Proof:     proof,
		Status:    storage.DepositPending,
		ExpiresAt: s.now().Add(snap.DepositWindow),
		CreatedAt: s.now(),
	}
	if err := s.insert(ctx, d); err != nil {
		return nil, err
	}

	s.metrics.Deposits.WithLabelValues(string(method), "created").Inc()
	s.log.Info("fiat deposit submitted", "deposit_id", d.ID, "profile_id", profileID, "amount", amount.String(), "method", method)
	s.notify.Notify(notifier.Admin, notifier.DepositSubmitted{
		DepositID: d.ID,
		Amount:    amount,
		Currency:  money.MMK,
		Method:    string(method),
		Code:      d.Code,
		Proof:     proof,
	})
	return d, nil
}

func (s *Service) precheck(ctx context.Context, amount decimal.Decimal, c money.Currency, method storage.PaymentMethod) (settings.Snapshot, error) {
	if !amount.IsPositive() {
		return settings.Snapshot{}, apperrors.Validation("amount", "amount must be positive")
	}
	if !amount.Equal(c.Round(amount)) {
		return settings.Snapshot{}, apperrors.Validation("amount", fmt.Sprintf("%s amounts allow at most %d decimals", c, c.Places()))
	}
	snap, err := s.settings.Snapshot(ctx)
	if err != nil {
		return snap, err
	}
	if snap.MaintenanceMode {
		return snap, apperrors.Forbidden("deposits are paused for maintenance")
	}
	if !snap.MethodEnabled(method) {
		return snap, apperrors.Validation("method", fmt.Sprintf("%s deposits are disabled", method))
	}
	return snap, nil
}

func (s *Service) insert(ctx context.Context, d *storage.Deposit) error {
	return s.store.WithTx(ctx, func(q *storage.Queries) error {
		if _, err := accounts.ActiveProfile(ctx, q, d.ProfileID); err != nil {
			return err
		}
		return q.CreateDeposit(ctx, d)
	})
}

// Get returns a deposit
func (s *Service) Get(ctx context.Context, id string) (*storage.Deposit, error) {
	d, err := s.store.GetDeposit(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.NotFound("deposit")
	}
	return d, err
}

// Confirm credits a deposit exactly once. Confirming an already confirmed
// deposit with the same reference is a no-op success.
func (s *Service) Confirm(ctx context.Context, id, reference string) (*storage.Deposit, error) {
	return s.confirm(ctx, func(q *storage.Queries) (*storage.Deposit, error) {
		return q.GetDeposit(ctx, id)
	}, reference, decimal.Zero)
}

// ConfirmByCode matches an on-chain transfer to a deposit by memo and
// credits the amount actually received.
func (s *Service) ConfirmByCode(ctx context.Context, code, reference string, received decimal.Decimal) (*storage.Deposit, error) {
	return s.confirm(ctx, func(q *storage.Queries) (*storage.Deposit, error) {
		return q.GetDepositByCode(ctx, code)
	}, reference, received)
}

func (s *Service) confirm(ctx context.Context, load func(q *storage.Queries) (*storage.Deposit, error), reference string, received decimal.Decimal) (*storage.Deposit, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, apperrors.Validation("reference", "payment reference is required")
	}

	var (
		d       *storage.Deposit
		balance decimal.Decimal
		already bool
	)
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		d, err = load(q)
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.NotFound("deposit")
		}
		if err != nil {
			return err
		}

		switch d.Status {
		case storage.DepositConfirmed:
			if d.TxHash != nil && *d.TxHash == reference {
				already = true
				return nil
			}
			return apperrors.InvalidState("deposit", string(d.Status), "confirm")
		case storage.DepositPending, storage.DepositExpired:
			// a transfer that lands after the window still credits
		default:
			return apperrors.InvalidState("deposit", string(d.Status), "confirm")
		}

		credit := d.Amount
		if received.IsPositive() {
			credit = d.Currency.Round(received)
		}
		ref := reference
		moved, err := q.TransitionDeposit(ctx, d.ID, d.Status, storage.DepositConfirmed, storage.Fields{
			"tx_hash":      &ref,
			"amount":       credit,
			"confirmed_at": storage.Timestamp(s.now()),
		})
		if err != nil {
			return err
		}
		if !moved {
			return apperrors.Conflict("deposit")
		}
		d.Amount = credit
		balance, err = q.AddBalance(ctx, d.ProfileID, d.Currency, credit)
		return err
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		return nil, apperrors.Validation("reference", "payment reference already used")
	}
	if err != nil {
		return nil, err
	}
	if already {
		return d, nil
	}

	s.metrics.Deposits.WithLabelValues(string(d.Method), "confirmed").Inc()
	s.log.Info("deposit confirmed", "deposit_id", d.ID, "profile_id", d.ProfileID,
		"amount", d.Amount.String(), "currency", d.Currency, "reference", reference)
	s.notify.Notify(d.ProfileID, notifier.DepositConfirmed{
		DepositID: d.ID,
		Amount:    d.Amount,
		Currency:  d.Currency,
		Balance:   balance,
	})
	return s.Get(ctx, d.ID)
}

// Reject declines a pending deposit
func (s *Service) Reject(ctx context.Context, id, notes string) (*storage.Deposit, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status == storage.DepositRejected {
		return d, nil
	}
	moved, err := s.store.TransitionDeposit(ctx, id, storage.DepositPending, storage.DepositRejected, storage.Fields{
		"admin_notes": strings.TrimSpace(notes),
	})
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, apperrors.InvalidState("deposit", string(d.Status), "reject")
	}

	s.metrics.Deposits.WithLabelValues(string(d.Method), "rejected").Inc()
	s.log.Info("deposit rejected", "deposit_id", id)
	s.notify.Notify(d.ProfileID, notifier.DepositRejected{
		DepositID: d.ID,
		Amount:    d.Amount,
		Currency:  d.Currency,
		Notes:     notes,
	})
	return s.Get(ctx, id)
}

// ExpireSweep closes TON deposits nobody paid within the window. Fiat
// deposits wait for the operator instead.
func (s *Service) ExpireSweep(ctx context.Context) (int, error) {
	// fiat deposits wait for an operator and never expire
	expired, err := s.store.ListExpiredDeposits(ctx, storage.MethodTON, s.now(), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list expired deposits: %w", err)
	}

	count := 0
	for _, d := range expired {
		moved, err := s.store.TransitionDeposit(ctx, d.ID, storage.DepositPending, storage.DepositExpired, nil)
		if err != nil {
			s.log.Error("expire deposit", "deposit_id", d.ID, "error", err)
			continue
		}
		if moved {
			count++
		}
	}
	if count > 0 {
		s.log.Info("deposits expired", "count", count)
	}
	return count, nil
}
