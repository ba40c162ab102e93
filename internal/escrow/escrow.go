// Package escrow drives a deal from claim to payout or refund. Every
// transition is one conditional update inside one ledger transaction;
// notifications go out only after the transaction commits.
package escrow

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
	"github.com/suspectuso/ton-escrow/internal/settlement"
	"github.com/suspectuso/ton-escrow/internal/storage"
)

const (
	sweepBatch = 100
	// MemoPrefix marks on-chain payments for a deal: "ESC-<link>".
	MemoPrefix = "ESC-"
)

// Notifier is the fire-and-forget message sink
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
	notify   Notifier
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(store *storage.Storage, engine *settlement.Engine, settings snapshotter, notify Notifier, log *slog.Logger) *Service {
	return &Service{
		store:    store,
		engine:   engine,
		settings: settings,
		notify:   notify,
		log:      log.With("component", "escrow"),
		metrics:  metrics.Default(),
		now:      time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (s *Service) SetNowFunc(now func() time.Time) {
	s.now = now
	s.engine.SetNowFunc(now)
}

// --- Listings ---

// CreateProduct lists an item for sale with a fresh claim link
func (s *Service) CreateProduct(ctx context.Context, sellerID, title, description string, price decimal.Decimal, c money.Currency) (*storage.Product, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, apperrors.Validation("title", "title is required")
	}
	if !price.IsPositive() {
		return nil, apperrors.Validation("price", "price must be positive")
	}
	if !price.Equal(c.Round(price)) {
		return nil, apperrors.Validation("price", fmt.Sprintf("%s prices allow at most %d decimals", c, c.Places()))
	}

	snap, err := s.settings.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if snap.MaintenanceMode {
		return nil, apperrors.Forbidden("marketplace is under maintenance")
	}

	p := &storage.Product{
		ID:          uuid.NewString(),
		SellerID:    sellerID,
		Title:       title,
		Description: strings.TrimSpace(description),
		Price:       price,
		Currency:    c,
		Link:        accounts.NewCode(10),
		Status:      storage.ProductActive,
		CreatedAt:   s.now(),
	}
	err = s.store.WithTx(ctx, func(q *storage.Queries) error {
		if _, err := accounts.ActiveProfile(ctx, q, sellerID); err != nil {
			return err
		}
		return q.CreateProduct(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("product listed", "product_id", p.ID, "seller_id", sellerID, "price", price.String(), "currency", c)
	return p, nil
}

// Claim reserves a product for a buyer and opens a deal awaiting payment
func (s *Service) Claim(ctx context.Context, link, buyerID string) (*storage.Transaction, error) {
	snap, err := s.settings.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if snap.MaintenanceMode {
		return nil, apperrors.Forbidden("marketplace is under maintenance")
	}

	var t *storage.Transaction
	err = s.store.WithTx(ctx, func(q *storage.Queries) error {
		product, err := q.GetProductByLink(ctx, strings.TrimSpace(link))
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.NotFound("product")
		}
		if err != nil {
			return err
		}
		if product.SellerID == buyerID {
			return apperrors.Validation("buyer", "you cannot buy your own product")
		}
		if _, err := accounts.ActiveProfile(ctx, q, buyerID); err != nil {
			return err
		}

		reserved, err := q.SetProductStatus(ctx, product.ID, storage.ProductActive, storage.ProductReserved)
		if err != nil {
			return err
		}
		if !reserved {
			return apperrors.InvalidState("product", string(product.Status), "claim")
		}

		now := s.now()
		split := settlement.ComputeSplit(product.Price, product.Currency, snap.CommissionRate)
		t = &storage.Transaction{
			ID:         uuid.NewString(),
			ProductID:  product.ID,
			SellerID:   product.SellerID,
			BuyerID:    &buyerID,
			Amount:     product.Price,
			Currency:   product.Currency,
			Commission: split.Commission,
			SellerNet:  split.SellerNet,
			Status:     storage.TxPendingPayment,
			Link:       accounts.NewCode(12),
			ExpiresAt:  now.Add(snap.PaymentWindow),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		return q.CreateTransaction(ctx, t)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("product claimed", "transaction_id", t.ID, "product_id", t.ProductID, "buyer_id", buyerID,
		"expires_at", t.ExpiresAt)
	return t, nil
}

// Get returns a deal
func (s *Service) Get(ctx context.Context, id string) (*storage.Transaction, error) {
	t, err := s.store.GetTransaction(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.NotFound("transaction")
	}
	return t, err
}

// --- Payment ---

// ConfirmPayment records the external payment signal for a deal (chain
// watcher or operator). A repeat of the same reference is a no-op success.
func (s *Service) ConfirmPayment(ctx context.Context, txID, reference string) (*storage.Transaction, error) {
	return s.confirmPayment(ctx, func(q *storage.Queries) (*storage.Transaction, error) {
		return q.GetTransaction(ctx, txID)
	}, reference, decimal.Zero)
}

// ConfirmPaymentByLink matches an on-chain TON transfer by its memo code.
// Money the deal cannot take (the deal is no longer awaiting payment, the
// transfer is short, or it overpays) is credited to the buyer's balance
// once per reference and reported to the operator.
func (s *Service) ConfirmPaymentByLink(ctx context.Context, link, reference string, paid decimal.Decimal) (*storage.Transaction, error) {
	if !paid.IsPositive() {
		return nil, apperrors.Validation("amount", "paid amount must be positive")
	}
	return s.confirmPayment(ctx, func(q *storage.Queries) (*storage.Transaction, error) {
		return q.GetTransactionByLink(ctx, link)
	}, reference, paid)
}

// unapplied is an on-chain amount routed to the buyer's balance
type unapplied struct {
	amount decimal.Decimal
	reason string
}

func (s *Service) confirmPayment(ctx context.Context, load func(q *storage.Queries) (*storage.Transaction, error), reference string, paid decimal.Decimal) (*storage.Transaction, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, apperrors.Validation("reference", "payment reference is required")
	}
	onChain := paid.IsPositive()

	var (
		t       *storage.Transaction
		already bool
		moved   bool
		stray   *unapplied
	)
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		already, moved, stray = false, false, nil

		var err error
		t, err = load(q)
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.NotFound("transaction")
		}
		if err != nil {
			return err
		}

		if t.TxHash != nil && *t.TxHash == reference {
			already = true
			return nil
		}

		switch {
		case t.Status != storage.TxPendingPayment:
			if !onChain {
				return apperrors.InvalidState("transaction", string(t.Status), "confirm payment for")
			}
			stray = &unapplied{paid, "deal is " + string(t.Status)}
		case onChain && t.Currency != money.TON:
			stray = &unapplied{paid, "deal is priced in " + string(t.Currency)}
		case onChain && paid.LessThan(t.Amount):
			stray = &unapplied{paid, fmt.Sprintf("paid %s, deal requires %s",
				money.Format(paid, money.TON), money.Format(t.Amount, t.Currency))}
		}
		if stray != nil {
			return s.creditBuyer(ctx, q, t, stray, reference, &already)
		}

		ref := reference
		if err := s.move(ctx, q, t, storage.TxPaymentReceived, storage.Fields{
			"tx_hash": &ref,
			"paid_at": storage.Timestamp(s.now()),
		}); err != nil {
			return err
		}
		moved = true

		if excess := paid.Sub(t.Amount); onChain && excess.IsPositive() {
			stray = &unapplied{excess, "overpayment of " + money.Format(excess, money.TON)}
			return s.creditBuyer(ctx, q, t, stray, reference, &already)
		}
		return nil
	})
	if isDuplicateReference(err) {
		return nil, apperrors.Validation("reference", "payment reference already used by another deal")
	}
	if apperrors.IsAlreadyProcessed(err) {
		return t, nil
	}
	if err != nil {
		return nil, err
	}
	if already && !moved {
		s.log.Info("payment already applied", "transaction_id", t.ID, "reference", reference)
		return t, nil
	}

	if stray != nil && !already {
		s.reportUnapplied(t, stray, reference)
	}
	if moved {
		s.afterPayment(ctx, t, false)
	}
	return t, nil
}

// creditBuyer books u to the buyer's TON balance with an audit row keyed by
// the payment reference. A reference booked before sets *already.
func (s *Service) creditBuyer(ctx context.Context, q *storage.Queries, t *storage.Transaction, u *unapplied, reference string, already *bool) error {
	buyer := t.Buyer()
	if buyer == "" {
		return apperrors.InvalidState("transaction", string(t.Status), "credit a payment for")
	}
	ref := "payment:" + reference
	booked, err := q.HasBalanceAdjustment(ctx, ref)
	if err != nil {
		return err
	}
	if booked {
		*already = true
		return nil
	}

	balance, err := q.AddBalance(ctx, buyer, money.TON, u.amount)
	if err != nil {
		return err
	}
	err = q.InsertBalanceAdjustment(ctx, &storage.BalanceAdjustment{
		ID:           uuid.NewString(),
		ProfileID:    buyer,
		Currency:     money.TON,
		Delta:        money.TON.Round(u.amount),
		BalanceAfter: balance,
		Reason:       fmt.Sprintf("unapplied payment for deal %s: %s", t.ID, u.reason),
		Reference:    &ref,
		CreatedAt:    s.now(),
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		// a concurrent delivery of the same transfer won
		return apperrors.AlreadyProcessed("payment", reference)
	}
	return err
}

func (s *Service) reportUnapplied(t *storage.Transaction, u *unapplied, reference string) {
	s.log.Warn("on-chain payment credited to buyer balance",
		"transaction_id", t.ID, "amount", u.amount.String(), "reason", u.reason, "reference", reference)
	s.metrics.Settlements.WithLabelValues(string(money.TON), "unapplied").Inc()

	n := notifier.PaymentUnapplied{
		TransactionID: t.ID,
		Credited:      u.amount,
		Currency:      money.TON,
		Reason:        u.reason,
	}
	s.notify.Notify(t.Buyer(), n)
	s.notify.Notify(notifier.Admin, n)
}

// PayFromBalance pays a pending deal from the buyer's internal balance.
// The debit and the status change commit together.
func (s *Service) PayFromBalance(ctx context.Context, txID, buyerID string) (*storage.Transaction, error) {
	var t *storage.Transaction
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		if t, err = s.load(ctx, q, txID); err != nil {
			return err
		}
		if t.Buyer() != buyerID {
			return apperrors.Forbidden("only the buyer can pay for this deal")
		}
		if t.Status != storage.TxPendingPayment {
			return apperrors.InvalidState("transaction", string(t.Status), "pay")
		}
		if _, err := accounts.ActiveProfile(ctx, q, buyerID); err != nil {
			return err
		}

		if _, err := q.AddBalance(ctx, buyerID, t.Currency, t.Amount.Neg()); err != nil {
			return err
		}
		return s.move(ctx, q, t, storage.TxPaymentReceived, storage.Fields{
			"paid_at": storage.Timestamp(s.now()),
		})
	})
	if err != nil {
		return nil, err
	}

	s.afterPayment(ctx, t, true)
	return t, nil
}

func (s *Service) afterPayment(ctx context.Context, t *storage.Transaction, fromBalance bool) {
	s.log.Info("payment received", "transaction_id", t.ID, "amount", t.Amount.String(), "currency", t.Currency,
		"from_balance", fromBalance)

	title := s.title(ctx, t)
	n := notifier.PaymentReceived{
		TransactionID: t.ID,
		Title:         title,
		Amount:        t.Amount,
		Currency:      t.Currency,
		FromBalance:   fromBalance,
	}
	s.notify.Notify(t.SellerID, n)
	s.notify.Notify(t.Buyer(), n)
}

// --- Delivery ---

// MarkItemSent is the seller's delivery signal
func (s *Service) MarkItemSent(ctx context.Context, txID, sellerID string) (*storage.Transaction, error) {
	var t *storage.Transaction
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		if t, err = s.load(ctx, q, txID); err != nil {
			return err
		}
		if t.SellerID != sellerID {
			return apperrors.Forbidden("only the seller can mark the item as sent")
		}
		return s.move(ctx, q, t, storage.TxItemSent, storage.Fields{
			"item_sent_at": storage.Timestamp(s.now()),
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("item sent", "transaction_id", t.ID)
	s.notify.Notify(t.Buyer(), notifier.ItemSent{TransactionID: t.ID, Title: s.title(ctx, t)})
	return t, nil
}

// ConfirmReceipt is the buyer's acceptance; it settles the deal
func (s *Service) ConfirmReceipt(ctx context.Context, txID, buyerID string) (*settlement.Result, error) {
	t, err := s.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if t.Buyer() != buyerID {
		return nil, apperrors.Forbidden("only the buyer can confirm receipt")
	}
	return s.complete(ctx, t, storage.TxItemSent, nil, false)
}

func (s *Service) complete(ctx context.Context, t *storage.Transaction, from storage.TxStatus, extra storage.Fields, auto bool) (*settlement.Result, error) {
	snap, err := s.settings.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.engine.Settle(ctx, t.ID, from, snap, extra)
	if err != nil {
		return nil, err
	}
	if res.AlreadySettled {
		return res, nil
	}

	n := notifier.TransactionCompleted{
		TransactionID: t.ID,
		Title:         s.title(ctx, t),
		Amount:        res.Amount,
		Commission:    res.Commission,
		SellerNet:     res.SellerNet,
		Currency:      res.Currency,
		AutoConfirmed: auto,
	}
	s.notify.Notify(res.SellerID, n)
	s.notify.Notify(res.BuyerID, n)
	return res, nil
}

// --- Disputes ---

// RaiseDispute freezes a paid deal until an operator resolves it
func (s *Service) RaiseDispute(ctx context.Context, txID, actorID, reason string) (*storage.Transaction, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperrors.Validation("reason", "dispute reason is required")
	}

	var t *storage.Transaction
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		if t, err = s.load(ctx, q, txID); err != nil {
			return err
		}
		if actorID != t.SellerID && actorID != t.Buyer() {
			return apperrors.Forbidden("only the buyer or the seller can open a dispute")
		}
		return s.move(ctx, q, t, storage.TxDisputed, storage.Fields{
			"dispute_reason": reason,
			"disputed_by":    actorID,
		})
	})
	if err != nil {
		return nil, err
	}

	byBuyer := actorID == t.Buyer()
	s.log.Info("dispute opened", "transaction_id", t.ID, "by_buyer", byBuyer)

	n := notifier.DisputeOpened{TransactionID: t.ID, Title: s.title(ctx, t), Reason: reason, ByBuyer: byBuyer}
	if byBuyer {
		s.notify.Notify(t.SellerID, n)
	} else {
		s.notify.Notify(t.Buyer(), n)
	}
	s.notify.Notify(notifier.Admin, n)
	return t, nil
}

// ResolveDispute is the operator's ruling. favor_seller settles exactly
// like a normal completion; favor_buyer cancels the deal and returns the
// escrowed amount to the buyer's balance.
func (s *Service) ResolveDispute(ctx context.Context, txID string, r Resolution) (*storage.Transaction, error) {
	t, err := s.Get(ctx, txID)
	if err != nil {
		return nil, err
	}

	switch r {
	case FavorSeller:
		if _, err := s.complete(ctx, t, storage.TxDisputed, storage.Fields{"resolution": string(r)}, false); err != nil {
			return nil, err
		}
	case FavorBuyer:
		if err := s.refundBuyer(ctx, t, r); err != nil {
			return nil, err
		}
	default:
		return nil, apperrors.Validation("resolution", "resolution must be favor_buyer or favor_seller")
	}

	t, err = s.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	s.log.Info("dispute resolved", "transaction_id", t.ID, "resolution", r, "status", t.Status)
	return t, nil
}

func (s *Service) refundBuyer(ctx context.Context, t *storage.Transaction, r Resolution) error {
	already := false
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		if t, err = s.load(ctx, q, t.ID); err != nil {
			return err
		}
		if t.Status == storage.TxCancelled && t.Resolution == string(r) {
			already = true
			return nil
		}
		if t.Status != storage.TxDisputed {
			return apperrors.InvalidState("transaction", string(t.Status), "resolve dispute for")
		}
		if err := s.move(ctx, q, t, storage.TxCancelled, storage.Fields{"resolution": string(r)}); err != nil {
			return err
		}
		if _, err := s.engine.Refund(ctx, q, t); err != nil {
			return err
		}
		_, err = q.SetProductStatus(ctx, t.ProductID, storage.ProductReserved, storage.ProductActive)
		return err
	})
	if err != nil || already {
		return err
	}

	n := notifier.DisputeResolved{
		TransactionID: t.ID,
		Title:         s.title(ctx, t),
		Resolution:    string(r),
		Amount:        t.Amount,
		Currency:      t.Currency,
	}
	s.notify.Notify(t.Buyer(), n)
	s.notify.Notify(t.SellerID, n)
	return nil
}

// --- Cancellation ---

// Cancel lets either party back out before payment
func (s *Service) Cancel(ctx context.Context, txID, actorID string) (*storage.Transaction, error) {
	var t *storage.Transaction
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		if t, err = s.load(ctx, q, txID); err != nil {
			return err
		}
		if actorID != t.SellerID && actorID != t.Buyer() {
			return apperrors.Forbidden("only the buyer or the seller can cancel this deal")
		}
		if t.Status != storage.TxPendingPayment {
			return apperrors.InvalidState("transaction", string(t.Status), "cancel")
		}
		return s.cancelPending(ctx, q, t, "cancelled")
	})
	if err != nil {
		return nil, err
	}

	n := notifier.TransactionCancelled{TransactionID: t.ID, Title: s.title(ctx, t), Reason: "cancelled before payment"}
	if actorID == t.SellerID {
		s.notify.Notify(t.Buyer(), n)
	} else {
		s.notify.Notify(t.SellerID, n)
	}
	return t, nil
}

func (s *Service) cancelPending(ctx context.Context, q *storage.Queries, t *storage.Transaction, resolution string) error {
	if err := s.move(ctx, q, t, storage.TxCancelled, storage.Fields{"resolution": resolution}); err != nil {
		return err
	}
	_, err := q.SetProductStatus(ctx, t.ProductID, storage.ProductReserved, storage.ProductActive)
	return err
}

// --- Sweeps ---

// ExpireSweep cancels unpaid deals past their payment window. Nothing was
// escrowed, so no balance moves. Safe to run concurrently with itself.
func (s *Service) ExpireSweep(ctx context.Context) (int, error) {
	expired, err := s.store.ListExpiredTransactions(ctx, s.now(), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list expired transactions: %w", err)
	}

	count := 0
	for i := range expired {
		t := &expired[i]
		err := s.store.WithTx(ctx, func(q *storage.Queries) error {
			return s.cancelPending(ctx, q, t, "expired")
		})
		if apperrors.IsInvalidState(err) || apperrors.IsAlreadyProcessed(err) {
			continue
		}
		if err != nil {
			s.log.Error("expire transaction", "transaction_id", t.ID, "error", err)
			continue
		}

		count++
		s.log.Info("transaction expired", "transaction_id", t.ID)
		n := notifier.TransactionCancelled{TransactionID: t.ID, Title: s.title(ctx, t), Reason: "payment window expired"}
		s.notify.Notify(t.Buyer(), n)
		s.notify.Notify(t.SellerID, n)
	}
	return count, nil
}

// AutoConfirmSweep completes deals whose buyer stayed silent past the
// auto-confirm window after delivery. A zero window disables it.
func (s *Service) AutoConfirmSweep(ctx context.Context) (int, error) {
	snap, err := s.settings.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	if snap.AutoConfirm <= 0 {
		return 0, nil
	}

	due, err := s.store.ListItemSentBefore(ctx, s.now().Add(-snap.AutoConfirm), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list auto-confirm candidates: %w", err)
	}

	count := 0
	for i := range due {
		res, err := s.complete(ctx, &due[i], storage.TxItemSent, storage.Fields{"resolution": "auto_confirmed"}, true)
		if err != nil {
			if !apperrors.IsInvalidState(err) {
				s.log.Error("auto-confirm transaction", "transaction_id", due[i].ID, "error", err)
			}
			continue
		}
		if !res.AlreadySettled {
			count++
		}
	}
	return count, nil
}

// --- helpers ---

func (s *Service) load(ctx context.Context, q *storage.Queries, id string) (*storage.Transaction, error) {
	t, err := q.GetTransaction(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.NotFound("transaction")
	}
	return t, err
}

// move applies one lifecycle edge with a status guard. When the guard
// trips the deal has been moved by someone else in the meantime.
func (s *Service) move(ctx context.Context, q *storage.Queries, t *storage.Transaction, to storage.TxStatus, set storage.Fields) error {
	from := t.Status
	if !CanTransition(from, to) {
		return apperrors.InvalidState("transaction", string(from), "move to "+string(to)+" a")
	}
	moved, err := q.TransitionTransaction(ctx, t.ID, from, to, set, s.now())
	if err != nil {
		return err
	}
	if !moved {
		current, err := q.GetTransaction(ctx, t.ID)
		if err != nil {
			return err
		}
		if current.Status == to {
			return apperrors.AlreadyProcessed("transaction", t.ID)
		}
		return apperrors.InvalidState("transaction", string(current.Status), "move to "+string(to)+" a")
	}
	t.Status = to
	s.metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
	return nil
}

func (s *Service) title(ctx context.Context, t *storage.Transaction) string {
	p, err := s.store.GetProduct(ctx, t.ProductID)
	if err != nil {
		return "deal " + t.ID[:8]
	}
	return p.Title
}

func isDuplicateReference(err error) bool {
	return errors.Is(err, storage.ErrAlreadyExists)
}
