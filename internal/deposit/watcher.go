package deposit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/suspectuso/ton-escrow/internal/apperrors"
	"github.com/suspectuso/ton-escrow/internal/storage"
	"github.com/suspectuso/ton-escrow/internal/tonapi"
)

// EscrowMemoPrefix marks a payment for a deal: "ESC-<link>"
const EscrowMemoPrefix = "ESC-"

type eventSource interface {
	GetEvents(ctx context.Context, address string, limit int) ([]tonapi.Event, error)
}

type depositSink interface {
	ConfirmByCode(ctx context.Context, code, reference string, received decimal.Decimal) (*storage.Deposit, error)
}

type paymentSink interface {
	ConfirmPaymentByLink(ctx context.Context, link, reference string, paid decimal.Decimal) (*storage.Transaction, error)
}

type eventLedger interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID string, now time.Time) (bool, error)
}

// Watcher matches incoming custody-wallet transfers to deposits and deal
// payments by their memo. It polls TonAPI and also takes webhook pushes;
// both paths go through HandleEvent, which is idempotent per transfer.
type Watcher struct {
	events   eventSource
	ledger   eventLedger
	deposits depositSink
	payments paymentSink
	address  string
	log      *slog.Logger
}

func NewWatcher(events eventSource, ledger eventLedger, deposits depositSink, payments paymentSink, custodyAddress string, log *slog.Logger) *Watcher {
	return &Watcher{
		events:   events,
		ledger:   ledger,
		deposits: deposits,
		payments: payments,
		address:  tonapi.NormalizeAddress(custodyAddress),
		log:      log.With("component", "watcher"),
	}
}

// Address is the watched account in raw form
func (w *Watcher) Address() string { return w.address }

// Run polls until ctx is done
func (w *Watcher) Run(ctx context.Context, interval time.Duration) {
	if w.address == "" {
		w.log.Info("payment watcher disabled: no custody address")
		return
	}
	w.log.Info("payment watcher started", "address", tonapi.ShortAddr(w.address, 6), "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			w.log.Error("poll custody events", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll fetches the latest events once
func (w *Watcher) Poll(ctx context.Context) error {
	events, err := w.events.GetEvents(ctx, w.address, 50)
	if err != nil {
		return err
	}
	// oldest first, so payments are applied in chain order
	for i := len(events) - 1; i >= 0; i-- {
		w.HandleEvent(ctx, &events[i])
	}
	return nil
}

// HandleEvent routes every incoming transfer in the event. Transfers that
// fail for a transient reason are left unmarked and retried on the next poll.
func (w *Watcher) HandleEvent(ctx context.Context, event *tonapi.Event) {
	for idx, tt := range tonapi.IncomingTransfers(event, w.address) {
		key := tonapi.EventKey(event.EventID, idx)

		seen, err := w.ledger.IsEventProcessed(ctx, key)
		if err != nil {
			w.log.Error("check processed event", "event", key, "error", err)
			continue
		}
		if seen {
			continue
		}

		if err := w.route(ctx, key, tt); err != nil && !final(err) {
			w.log.Warn("payment routing failed, will retry", "event", key, "error", err)
			continue
		}
		if _, err := w.ledger.MarkEventProcessed(ctx, key, time.Now()); err != nil {
			w.log.Error("mark processed event", "event", key, "error", err)
		}
	}
}

func (w *Watcher) route(ctx context.Context, key string, tt *tonapi.TonTransfer) error {
	memo := strings.ToUpper(strings.TrimSpace(tt.Comment))
	amount := tonapi.TransferAmount(tt)

	switch {
	case strings.HasPrefix(memo, MemoPrefix):
		d, err := w.deposits.ConfirmByCode(ctx, memo, key, amount)
		if err != nil {
			w.log.Warn("deposit transfer not applied", "memo", memo, "event", key, "error", err)
			return err
		}
		w.log.Info("deposit matched", "deposit_id", d.ID, "amount", amount.String())
	case strings.HasPrefix(memo, EscrowMemoPrefix):
		t, err := w.payments.ConfirmPaymentByLink(ctx, strings.TrimPrefix(memo, EscrowMemoPrefix), key, amount)
		if err != nil {
			w.log.Warn("deal payment not applied", "memo", memo, "event", key, "error", err)
			return err
		}
		w.log.Info("deal payment matched", "transaction_id", t.ID, "amount", amount.String())
	default:
		w.log.Warn("unmatched incoming transfer",
			"event", key,
			"sender", tonapi.ShortAddr(tt.Sender.Address, 6),
			"amount", amount.String(),
			"comment", tt.Comment,
		)
	}
	return nil
}

// final reports errors that will not go away by retrying the same transfer
func final(err error) bool {
	return apperrors.IsValidation(err) ||
		apperrors.IsNotFound(err) ||
		apperrors.IsInvalidState(err) ||
		apperrors.IsAlreadyProcessed(err) ||
		apperrors.IsForbidden(err)
}
