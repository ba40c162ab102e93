// Package settlement owns every balance movement that is not a plain
// deposit: crediting a seller when a deal completes, paying referral
// rewards when a withdrawal is debited, refunding a buyer after a lost
// dispute and operator adjustments.
//
// Settle is the only code path that credits a seller for a sale. Both
// buyer confirmation and a dispute resolved in the seller's favour end
// up here.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/suspectuso/ton-escrow/internal/apperrors"
	"github.com/suspectuso/ton-escrow/internal/metrics"
	"github.com/suspectuso/ton-escrow/internal/money"
	"github.com/suspectuso/ton-escrow/internal/settings"
	"github.com/suspectuso/ton-escrow/internal/storage"
)

// Split is the commission breakdown of one amount.
// Commission + SellerNet == amount exactly.
type Split struct {
	Commission decimal.Decimal
	SellerNet  decimal.Decimal
}

// ComputeSplit rounds only the commission, at the currency precision,
// and derives the net by subtraction.
func ComputeSplit(amount decimal.Decimal, c money.Currency, ratePercent decimal.Decimal) Split {
	commission := c.Round(money.Percent(amount, ratePercent))
	return Split{Commission: commission, SellerNet: amount.Sub(commission)}
}

// Result describes what Settle did.
type Result struct {
	TransactionID  string
	SellerID       string
	BuyerID        string
	Currency       money.Currency
	Amount         decimal.Decimal
	Commission     decimal.Decimal
	SellerNet      decimal.Decimal
	SellerBalance  decimal.Decimal
	AlreadySettled bool
}

type Engine struct {
	store   *storage.Storage
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(store *storage.Storage, log *slog.Logger) *Engine {
	return &Engine{
		store:   store,
		log:     log.With("component", "settlement"),
		metrics: metrics.Default(),
		now:     time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (e *Engine) SetNowFunc(now func() time.Time) { e.now = now }

// Settle moves a deal from `from` to completed and credits the seller in
// one database transaction. A deal that is already completed is reported
// with AlreadySettled and nothing is written.
func (e *Engine) Settle(ctx context.Context, txID string, from storage.TxStatus, snap settings.Snapshot, extra storage.Fields) (*Result, error) {
	var res *Result
	err := e.store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		res, err = e.SettleIn(ctx, q, txID, from, snap, extra)
		return err
	})
	if err != nil {
		return nil, err
	}

	outcome := "settled"
	if res.AlreadySettled {
		outcome = "already_settled"
		e.log.Info("settlement skipped, already completed", "transaction_id", txID)
	} else {
		e.metrics.Transitions.WithLabelValues(string(from), string(storage.TxCompleted)).Inc()
		e.log.Info("transaction settled",
			"transaction_id", txID,
			"seller_id", res.SellerID,
			"amount", res.Amount.String(),
			"commission", res.Commission.String(),
			"seller_net", res.SellerNet.String(),
			"currency", res.Currency,
		)
	}
	e.metrics.Settlements.WithLabelValues(string(res.Currency), outcome).Inc()
	return res, nil
}

// SettleIn is Settle bound to a caller's transaction.
func (e *Engine) SettleIn(ctx context.Context, q *storage.Queries, txID string, from storage.TxStatus, snap settings.Snapshot, extra storage.Fields) (*Result, error) {
	t, err := q.GetTransaction(ctx, txID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.NotFound("transaction")
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}

	res := &Result{
		TransactionID: t.ID,
		SellerID:      t.SellerID,
		BuyerID:       t.Buyer(),
		Currency:      t.Currency,
		Amount:        t.Amount,
		Commission:    t.Commission,
		SellerNet:     t.SellerNet,
	}
	if t.Status == storage.TxCompleted {
		res.AlreadySettled = true
		return res, nil
	}
	if t.Status != from {
		return nil, apperrors.InvalidState("transaction", string(t.Status), "complete")
	}

	split := ComputeSplit(t.Amount, t.Currency, snap.CommissionRate)
	now := e.now()

	fields := storage.Fields{
		"commission":   split.Commission,
		"seller_net":   split.SellerNet,
		"confirmed_at": storage.Timestamp(now),
	}
	for k, v := range extra {
		fields[k] = v
	}

	moved, err := q.TransitionTransaction(ctx, t.ID, from, storage.TxCompleted, fields, now)
	if err != nil {
		return nil, err
	}
	if !moved {
		// lost the guard to a concurrent settlement
		current, err := q.GetTransaction(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("reload transaction: %w", err)
		}
		if current.Status == storage.TxCompleted {
			res.Commission, res.SellerNet = current.Commission, current.SellerNet
			res.AlreadySettled = true
			return res, nil
		}
		return nil, apperrors.InvalidState("transaction", string(current.Status), "complete")
	}

	balance, err := q.AddBalance(ctx, t.SellerID, t.Currency, split.SellerNet)
	if err != nil {
		return nil, fmt.Errorf("credit seller: %w", err)
	}
	if _, err := q.SetProductStatus(ctx, t.ProductID, storage.ProductReserved, storage.ProductSold); err != nil {
		return nil, fmt.Errorf("mark product sold: %w", err)
	}

	res.Commission = split.Commission
	res.SellerNet = split.SellerNet
	res.SellerBalance = balance
	return res, nil
}

// Refund credits the buyer with the escrowed amount of a cancelled deal.
func (e *Engine) Refund(ctx context.Context, q *storage.Queries, t *storage.Transaction) (decimal.Decimal, error) {
	if t.BuyerID == nil {
		return decimal.Zero, apperrors.InvalidState("transaction", string(t.Status), "refund unclaimed")
	}
	balance, err := q.AddBalance(ctx, *t.BuyerID, t.Currency, t.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("refund buyer: %w", err)
	}
	return balance, nil
}

// Earning is one referral reward paid out by PayReferralRewards.
type Earning struct {
	BeneficiaryID string
	Level         int
	Amount        decimal.Decimal
	Currency      money.Currency
}

// PayReferralRewards credits the level 1 and level 2 referrers of the
// withdrawing user a share of the withdrawn amount. The withdrawer's own
// balance and payout are never touched. Runs inside the caller's
// transaction; the (withdrawal, beneficiary, level) record makes a
// repeated call a no-op. Blocked referrers earn nothing.
func (e *Engine) PayReferralRewards(ctx context.Context, q *storage.Queries, w *storage.Withdrawal, snap settings.Snapshot) ([]Earning, error) {
	refs, err := q.GetReferrers(ctx, w.ProfileID)
	if err != nil {
		return nil, fmt.Errorf("get referrers: %w", err)
	}

	var paid []Earning
	for _, ref := range refs {
		var rate decimal.Decimal
		switch ref.Level {
		case 1:
			rate = snap.ReferralL1Rate
		case 2:
			rate = snap.ReferralL2Rate
		default:
			continue
		}

		reward := w.Currency.Truncate(money.Percent(w.Amount, rate))
		if !reward.IsPositive() {
			continue
		}

		beneficiary, err := q.GetProfile(ctx, ref.ReferrerID)
		if err != nil {
			return nil, fmt.Errorf("get referrer %s: %w", ref.ReferrerID, err)
		}
		if beneficiary.Blocked {
			e.log.Info("skipping referral reward for blocked referrer",
				"withdrawal_id", w.ID, "referrer_id", beneficiary.ID, "level", ref.Level)
			continue
		}

		inserted, err := q.InsertReferralEarning(ctx, &storage.ReferralEarning{
			ID:            uuid.NewString(),
			SourceID:      w.ID,
			BeneficiaryID: beneficiary.ID,
			ReferredID:    w.ProfileID,
			Level:         ref.Level,
			Amount:        reward,
			Currency:      w.Currency,
			CreatedAt:     e.now(),
		})
		if err != nil {
			return nil, fmt.Errorf("record referral earning: %w", err)
		}
		if !inserted {
			continue
		}

		if _, err := q.AddBalance(ctx, beneficiary.ID, w.Currency, reward); err != nil {
			return nil, fmt.Errorf("credit referrer: %w", err)
		}
		if err := q.AddReferralEarnings(ctx, beneficiary.ID, w.Currency, reward); err != nil {
			return nil, fmt.Errorf("bump referral earnings: %w", err)
		}

		e.metrics.ReferralPayouts.WithLabelValues(strconv.Itoa(ref.Level), string(w.Currency)).Inc()
		paid = append(paid, Earning{
			BeneficiaryID: beneficiary.ID,
			Level:         ref.Level,
			Amount:        reward,
			Currency:      w.Currency,
		})
	}
	return paid, nil
}

// Adjust applies an operator balance correction and records it.
func (e *Engine) Adjust(ctx context.Context, profileID string, c money.Currency, delta decimal.Decimal, reason string) (*storage.BalanceAdjustment, error) {
	delta = c.Round(delta)
	if delta.IsZero() {
		return nil, apperrors.Validation("delta", "adjustment must not be zero")
	}
	if strings.TrimSpace(reason) == "" {
		return nil, apperrors.Validation("reason", "adjustment reason is required")
	}

	adj := &storage.BalanceAdjustment{
		ID:        uuid.NewString(),
		ProfileID: profileID,
		Currency:  c,
		Delta:     delta,
		Reason:    reason,
	}
	err := e.store.WithTx(ctx, func(q *storage.Queries) error {
		if _, err := q.GetProfile(ctx, profileID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return apperrors.NotFound("profile")
			}
			return err
		}
		balance, err := q.AddBalance(ctx, profileID, c, delta)
		if err != nil {
			return err
		}
		adj.BalanceAfter = balance
		adj.CreatedAt = e.now()
		return q.InsertBalanceAdjustment(ctx, adj)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("balance adjusted",
		"profile_id", profileID, "currency", c, "delta", delta.String(),
		"balance_after", adj.BalanceAfter.String(), "reason", reason)
	return adj, nil
}
