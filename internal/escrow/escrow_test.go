package escrow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suspectuso/ton-escrow/internal/apperrors"
	"github.com/suspectuso/ton-escrow/internal/logging"
	"github.com/suspectuso/ton-escrow/internal/money"
	"github.com/suspectuso/ton-escrow/internal/notifier"
	"github.com/suspectuso/ton-escrow/internal/settings"
	"github.com/suspectuso/ton-escrow/internal/settlement"
	"github.com/suspectuso/ton-escrow/internal/storage"
	"github.com/suspectuso/ton-escrow/internal/storage/storagetest"
)

type sent struct {
	recipient string
	n         notifier.Notification
}

type recorder struct {
	mu  sync.Mutex
	out []sent
}

func (r *recorder) Notify(recipient string, n notifier.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, sent{recipient, n})
}

func (r *recorder) kinds(recipient string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var k []string
	for _, s := range r.out {
		if s.recipient == recipient {
			k = append(k, s.n.Kind())
		}
	}
	return k
}

type fixture struct {
	svc    *Service
	store  *storage.Storage
	notes  *recorder
	clock  time.Time
	seller *storage.Profile
	buyer  *storage.Profile
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store := storagetest.New(t)
	log := logging.Discard()
	notes := &recorder{}
	f := &fixture{
		store:  store,
		notes:  notes,
		clock:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		seller: storagetest.Profile(t, store, "0"),
		buyer:  storagetest.Profile(t, store, "0"),
	}
	f.svc = New(store, settlement.New(store, log), settings.New(store, log), notes, log)
	f.svc.SetNowFunc(func() time.Time { return f.clock })
	return f
}

func (f *fixture) claim(t *testing.T, price string) *storage.Transaction {
	t.Helper()
	ctx := context.Background()
	p, err := f.svc.CreateProduct(ctx, f.seller.ID, "Gift card", "", decimal.RequireFromString(price), money.TON)
	require.NoError(t, err)
	tx, err := f.svc.Claim(ctx, p.Link, f.buyer.ID)
	require.NoError(t, err)
	return tx
}

func (f *fixture) productStatus(t *testing.T, tx *storage.Transaction) storage.ProductStatus {
	t.Helper()
	p, err := f.store.GetProduct(context.Background(), tx.ProductID)
	require.NoError(t, err)
	return p.Status
}

func TestTransitionGraph(t *testing.T) {
	assert.True(t, CanTransition(storage.TxPendingPayment, storage.TxPaymentReceived))
	assert.True(t, CanTransition(storage.TxItemSent, storage.TxDisputed))
	assert.True(t, CanTransition(storage.TxDisputed, storage.TxCompleted))
	assert.False(t, CanTransition(storage.TxPendingPayment, storage.TxCompleted))
	assert.False(t, CanTransition(storage.TxPendingPayment, storage.TxDisputed))
	assert.False(t, CanTransition(storage.TxCompleted, storage.TxDisputed))
	assert.True(t, IsTerminal(storage.TxCompleted))
	assert.True(t, IsTerminal(storage.TxCancelled))
	assert.False(t, IsTerminal(storage.TxDisputed))

	_, err := ParseResolution("favor_nobody")
	assert.Error(t, err)
}

func TestClaimReservesProductOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	p, err := f.svc.CreateProduct(ctx, f.seller.ID, "Skin", "", decimal.NewFromInt(100), money.TON)
	require.NoError(t, err)

	tx, err := f.svc.Claim(ctx, p.Link, f.buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TxPendingPayment, tx.Status)
	assert.Equal(t, "3", tx.Commission.String())
	assert.Equal(t, "97", tx.SellerNet.String())
	assert.Equal(t, f.clock.Add(30*time.Minute), tx.ExpiresAt)

	other := storagetest.Profile(t, f.store, "0")
	_, err = f.svc.Claim(ctx, p.Link, other.ID)
	assert.True(t, apperrors.IsInvalidState(err))

	_, err = f.svc.Claim(ctx, p.Link, f.seller.ID)
	assert.True(t, apperrors.IsValidation(err))
}

func TestCreateProductValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.CreateProduct(ctx, f.seller.ID, " ", "", decimal.NewFromInt(1), money.TON)
	assert.True(t, apperrors.IsValidation(err))
	_, err = f.svc.CreateProduct(ctx, f.seller.ID, "x", "", decimal.NewFromInt(-1), money.TON)
	assert.True(t, apperrors.IsValidation(err))
	_, err = f.svc.CreateProduct(ctx, f.seller.ID, "x", "", decimal.RequireFromString("1.5"), money.MMK)
	assert.True(t, apperrors.IsValidation(err))
}

func TestFavorSellerCreditsOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	tx := f.claim(t, "50")
	_, err := f.svc.ConfirmPayment(ctx, tx.ID, "hash-1")
	require.NoError(t, err)
	_, err = f.svc.RaiseDispute(ctx, tx.ID, f.buyer.ID, "never arrived")
	require.NoError(t, err)

	got, err := f.svc.ResolveDispute(ctx, tx.ID, FavorSeller)
	require.NoError(t, err)
	assert.Equal(t, storage.TxCompleted, got.Status)
	assert.Equal(t, "favor_seller", got.Resolution)
	assert.Equal(t, "48.5", storagetest.Balance(t, f.store, f.seller.ID).String())

	_, err = f.svc.ResolveDispute(ctx, tx.ID, FavorSeller)
	require.NoError(t, err)
	assert.Equal(t, "48.5", storagetest.Balance(t, f.store, f.seller.ID).String())
	assert.Equal(t, storage.ProductSold, f.productStatus(t, tx))
	assert.Contains(t, f.notes.kinds(notifier.Admin), "dispute_opened")
}

func TestFavorBuyerRefundsBalance(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	tx := f.claim(t, "20")
	_, err := f.svc.ConfirmPayment(ctx, tx.ID, "hash-2")
	require.NoError(t, err)
	_, err = f.svc.MarkItemSent(ctx, tx.ID, f.seller.ID)
	require.NoError(t, err)
	_, err = f.svc.RaiseDispute(ctx, tx.ID, f.seller.ID, "buyer is unresponsive")
	require.NoError(t, err)

	got, err := f.svc.ResolveDispute(ctx, tx.ID, FavorBuyer)
	require.NoError(t, err)
	assert.Equal(t, storage.TxCancelled, got.Status)
	assert.Equal(t, "20", storagetest.Balance(t, f.store, f.buyer.ID).String())
	assert.True(t, storagetest.Balance(t, f.store, f.seller.ID).IsZero())
	assert.Equal(t, storage.ProductActive, f.productStatus(t, tx))

	// replay is a no-op
	_, err = f.svc.ResolveDispute(ctx, tx.ID, FavorBuyer)
	require.NoError(t, err)
	assert.Equal(t, "20", storagetest.Balance(t, f.store, f.buyer.ID).String())
}

func TestHappyPathWithBalancePayment(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.store.AddBalance(ctx, f.buyer.ID, money.TON, decimal.NewFromInt(100))
	require.NoError(t, err)

	tx := f.claim(t, "100")
	_, err = f.svc.PayFromBalance(ctx, tx.ID, f.buyer.ID)
	require.NoError(t, err)
	assert.True(t, storagetest.Balance(t, f.store, f.buyer.ID).IsZero())

	_, err = f.svc.ConfirmReceipt(ctx, tx.ID, f.buyer.ID)
	assert.True(t, apperrors.IsInvalidState(err), "receipt before delivery")

	_, err = f.svc.MarkItemSent(ctx, tx.ID, f.buyer.ID)
	assert.True(t, apperrors.IsForbidden(err))
	_, err = f.svc.MarkItemSent(ctx, tx.ID, f.seller.ID)
	require.NoError(t, err)

	res, err := f.svc.ConfirmReceipt(ctx, tx.ID, f.buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, "3", res.Commission.String())
	assert.Equal(t, "97", res.SellerNet.String())
	assert.True(t, res.Commission.Add(res.SellerNet).Equal(res.Amount))
	assert.Equal(t, "97", storagetest.Balance(t, f.store, f.seller.ID).String())

	res, err = f.svc.ConfirmReceipt(ctx, tx.ID, f.buyer.ID)
	require.NoError(t, err)
	assert.True(t, res.AlreadySettled)
	assert.Equal(t, "97", storagetest.Balance(t, f.store, f.seller.ID).String())
}

func TestPayFromBalanceInsufficient(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.store.AddBalance(ctx, f.buyer.ID, money.TON, decimal.NewFromInt(5))
	require.NoError(t, err)

	tx := f.claim(t, "10")
	_, err = f.svc.PayFromBalance(ctx, tx.ID, f.buyer.ID)
	require.True(t, apperrors.IsInsufficientFunds(err))

	e, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, "10", e.Details["required"])
	assert.Equal(t, "5", e.Details["available"])

	got, err := f.svc.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TxPendingPayment, got.Status)
	assert.Equal(t, "5", storagetest.Balance(t, f.store, f.buyer.ID).String())
}

func TestConfirmPaymentIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tx := f.claim(t, "10")

	_, err := f.svc.ConfirmPaymentByLink(ctx, tx.Link, "hash-3", decimal.Zero)
	assert.True(t, apperrors.IsValidation(err), "zero transfer")

	_, err = f.svc.ConfirmPaymentByLink(ctx, tx.Link, "hash-3", decimal.NewFromInt(10))
	require.NoError(t, err)
	got, err := f.svc.ConfirmPayment(ctx, tx.ID, "hash-3")
	require.NoError(t, err)
	assert.Equal(t, storage.TxPaymentReceived, got.Status)

	_, err = f.svc.ConfirmPayment(ctx, tx.ID, "hash-other")
	assert.True(t, apperrors.IsInvalidState(err))

	second := f.claim(t, "10")
	_, err = f.svc.ConfirmPayment(ctx, second.ID, "hash-3")
	assert.True(t, apperrors.IsValidation(err), "reference reused")
}

func TestUnappliedPaymentsGoToBuyerBalance(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	late := f.claim(t, "7")
	f.clock = f.clock.Add(2 * time.Hour)
	n, err := f.svc.ExpireSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := f.svc.ConfirmPaymentByLink(ctx, late.Link, "late:0", decimal.NewFromInt(7))
	require.NoError(t, err)
	assert.Equal(t, storage.TxCancelled, got.Status)
	assert.Equal(t, "7", storagetest.Balance(t, f.store, f.buyer.ID).String())

	// redelivery of the same transfer books nothing
	_, err = f.svc.ConfirmPaymentByLink(ctx, late.Link, "late:0", decimal.NewFromInt(7))
	require.NoError(t, err)
	assert.Equal(t, "7", storagetest.Balance(t, f.store, f.buyer.ID).String())

	short := f.claim(t, "7")
	got, err = f.svc.ConfirmPaymentByLink(ctx, short.Link, "short:0", decimal.NewFromInt(6))
	require.NoError(t, err)
	assert.Equal(t, storage.TxPendingPayment, got.Status)
	assert.Equal(t, "13", storagetest.Balance(t, f.store, f.buyer.ID).String())

	adj, err := f.store.ListBalanceAdjustments(ctx, f.buyer.ID)
	require.NoError(t, err)
	require.Len(t, adj, 2)
	for _, a := range adj {
		require.NotNil(t, a.Reference)
		assert.Contains(t, a.Reason, "unapplied payment")
	}
	assert.Equal(t, []string{"payment_unapplied", "payment_unapplied"}, f.notes.kinds(notifier.Admin))
}

func TestOverpaymentExcessCredited(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tx := f.claim(t, "10")

	got, err := f.svc.ConfirmPaymentByLink(ctx, tx.Link, "over:0", decimal.RequireFromString("12.5"))
	require.NoError(t, err)
	assert.Equal(t, storage.TxPaymentReceived, got.Status)
	assert.Equal(t, "2.5", storagetest.Balance(t, f.store, f.buyer.ID).String())

	_, err = f.svc.ConfirmPaymentByLink(ctx, tx.Link, "over:0", decimal.RequireFromString("12.5"))
	require.NoError(t, err)
	assert.Equal(t, "2.5", storagetest.Balance(t, f.store, f.buyer.ID).String())
	assert.Equal(t, []string{"payment_unapplied"}, f.notes.kinds(notifier.Admin))
}

func TestExpireSweepIsCostFree(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	expiring := f.claim(t, "10")
	paid := f.claim(t, "10")
	_, err := f.svc.ConfirmPayment(ctx, paid.ID, "hash-4")
	require.NoError(t, err)

	f.clock = f.clock.Add(31 * time.Minute)
	n, err := f.svc.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.Get(ctx, expiring.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TxCancelled, got.Status)
	assert.Equal(t, "expired", got.Resolution)
	assert.Equal(t, storage.ProductActive, f.productStatus(t, expiring))
	assert.True(t, storagetest.Balance(t, f.store, f.buyer.ID).IsZero())
	assert.True(t, storagetest.Balance(t, f.store, f.seller.ID).IsZero())

	got, err = f.svc.Get(ctx, paid.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TxPaymentReceived, got.Status)

	n, err = f.svc.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAutoConfirmSweep(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	tx := f.claim(t, "100")
	_, err := f.svc.ConfirmPayment(ctx, tx.ID, "hash-5")
	require.NoError(t, err)
	_, err = f.svc.MarkItemSent(ctx, tx.ID, f.seller.ID)
	require.NoError(t, err)

	f.clock = f.clock.Add(71 * time.Hour)
	n, err := f.svc.AutoConfirmSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock = f.clock.Add(2 * time.Hour)
	n, err = f.svc.AutoConfirmSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "97", storagetest.Balance(t, f.store, f.seller.ID).String())

	n, err = f.svc.AutoConfirmSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDisputeRules(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tx := f.claim(t, "10")

	_, err := f.svc.RaiseDispute(ctx, tx.ID, f.buyer.ID, "early")
	assert.True(t, apperrors.IsInvalidState(err), "unpaid deal cannot be disputed")

	_, err = f.svc.ConfirmPayment(ctx, tx.ID, "hash-6")
	require.NoError(t, err)

	stranger := storagetest.Profile(t, f.store, "0")
	_, err = f.svc.RaiseDispute(ctx, tx.ID, stranger.ID, "meddling")
	assert.True(t, apperrors.IsForbidden(err))
	_, err = f.svc.RaiseDispute(ctx, tx.ID, f.buyer.ID, "")
	assert.True(t, apperrors.IsValidation(err))

	_, err = f.svc.RaiseDispute(ctx, tx.ID, f.buyer.ID, "wrong item")
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, tx.ID, f.buyer.ID)
	assert.True(t, apperrors.IsInvalidState(err))
}

func TestCancelBeforePayment(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tx := f.claim(t, "10")

	got, err := f.svc.Cancel(ctx, tx.ID, f.seller.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TxCancelled, got.Status)
	assert.Equal(t, storage.ProductActive, f.productStatus(t, tx))
	assert.Contains(t, f.notes.kinds(f.buyer.ID), "transaction_cancelled")
}
