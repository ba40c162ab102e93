package deposit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suspectuso/ton-escrow/internal/apperrors"
	"github.com/suspectuso/ton-escrow/internal/escrow"
	"github.com/suspectuso/ton-escrow/internal/logging"
	"github.com/suspectuso/ton-escrow/internal/money"
	"github.com/suspectuso/ton-escrow/internal/notifier"
	"github.com/suspectuso/ton-escrow/internal/settings"
	"github.com/suspectuso/ton-escrow/internal/settlement"
	"github.com/suspectuso/ton-escrow/internal/storage"
	"github.com/suspectuso/ton-escrow/internal/storage/storagetest"
	"github.com/suspectuso/ton-escrow/internal/tonapi"
)

const custodyAddr = "0:83dfd552e63729b472fcbcc8c45ebcc6691702558b68ec7527e1ba403a0f31a8"

type recorder struct {
	mu    sync.Mutex
	kinds []string
}

func (r *recorder) Notify(_ string, n notifier.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, n.Kind())
}

type fixture struct {
	svc      *Service
	store    *storage.Storage
	settings *settings.Service
	notes    *recorder
	clock    time.Time
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store := storagetest.New(t)
	log := logging.Discard()
	f := &fixture{
		store:    store,
		settings: settings.New(store, log),
		notes:    &recorder{},
		clock:    time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	f.svc = New(store, f.settings, f.notes, log)
	f.svc.SetNowFunc(func() time.Time { return f.clock })
	return f
}

func TestTONDepositCreditsOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	user := storagetest.Profile(t, f.store, "1")

	d, err := f.svc.CreateTON(ctx, user.ID, decimal.NewFromInt(5))
	require.NoError(t, err)
	assert.Contains(t, d.Code, MemoPrefix)
	assert.Equal(t, "1", storagetest.Balance(t, f.store, user.ID).String())

	got, err := f.svc.Confirm(ctx, d.ID, "evt:0")
	require.NoError(t, err)
	assert.Equal(t, storage.DepositConfirmed, got.Status)
	assert.Equal(t, "6", storagetest.Balance(t, f.store, user.ID).String())

	_, err = f.svc.Confirm(ctx, d.ID, "evt:0")
	require.NoError(t, err)
	assert.Equal(t, "6", storagetest.Balance(t, f.store, user.ID).String())

	_, err = f.svc.Confirm(ctx, d.ID, "evt:1")
	assert.True(t, apperrors.IsInvalidState(err))

	other, err := f.svc.CreateTON(ctx, user.ID, decimal.NewFromInt(1))
	require.NoError(t, err)
	_, err = f.svc.Confirm(ctx, other.ID, "evt:0")
	assert.True(t, apperrors.IsValidation(err), "reference reuse")
	assert.Contains(t, f.notes.kinds, "deposit_confirmed")
}

func TestFiatDepositNeedsAdminContact(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	user := storagetest.Profile(t, f.store, "0")
	require.NoError(t, f.settings.Set(ctx, settings.WavePayEnabled, "true"))

	_, err := f.svc.CreateFiat(ctx, user.ID, decimal.NewFromInt(20000), storage.MethodWavePay, "screenshot-1")
	assert.True(t, apperrors.IsNotConfigured(err))

	require.NoError(t, f.settings.Set(ctx, settings.AdminContact, "@ops"))
	_, err = f.svc.CreateFiat(ctx, user.ID, decimal.NewFromInt(20000), storage.MethodWavePay, "")
	assert.True(t, apperrors.IsValidation(err))

	d, err := f.svc.CreateFiat(ctx, user.ID, decimal.NewFromInt(20000), storage.MethodWavePay, "screenshot-1")
	require.NoError(t, err)
	assert.Contains(t, f.notes.kinds, "deposit_submitted")

	rejected, err := f.svc.Reject(ctx, d.ID, "blurry")
	require.NoError(t, err)
	assert.Equal(t, storage.DepositRejected, rejected.Status)

	_, err = f.svc.Confirm(ctx, d.ID, "bank-1")
	assert.True(t, apperrors.IsInvalidState(err))

	p, err := f.store.GetProfile(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, p.BalanceMMK.IsZero())
}

func TestExpireSweepSkipsFiat(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	user := storagetest.Profile(t, f.store, "0")
	require.NoError(t, f.settings.Set(ctx, settings.KBZPayEnabled, "true"))
	require.NoError(t, f.settings.Set(ctx, settings.AdminContact, "@ops"))

	tonDep, err := f.svc.CreateTON(ctx, user.ID, decimal.NewFromInt(2))
	require.NoError(t, err)
	fiat, err := f.svc.CreateFiat(ctx, user.ID, decimal.NewFromInt(9000), storage.MethodKBZPay, "ref")
	require.NoError(t, err)

	f.clock = f.clock.Add(2 * time.Hour)
	n, err := f.svc.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.Get(ctx, tonDep.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.DepositExpired, got.Status)
	got, err = f.svc.Get(ctx, fiat.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.DepositPending, got.Status)

	// money that lands late still counts
	_, err = f.svc.ConfirmByCode(ctx, tonDep.Code, "late:0", decimal.NewFromInt(2))
	require.NoError(t, err)
	assert.Equal(t, "2", storagetest.Balance(t, f.store, user.ID).String())
}

func TestOldFiatBacklogDoesNotBlockTONExpiry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	user := storagetest.Profile(t, f.store, "0")
	require.NoError(t, f.settings.Set(ctx, settings.KBZPayEnabled, "true"))
	require.NoError(t, f.settings.Set(ctx, settings.AdminContact, "@ops"))

	for i := 0; i < sweepBatch+1; i++ {
		_, err := f.svc.CreateFiat(ctx, user.ID, decimal.NewFromInt(5000), storage.MethodKBZPay, "slip")
		require.NoError(t, err)
	}
	f.clock = f.clock.Add(time.Minute)
	tonDep, err := f.svc.CreateTON(ctx, user.ID, decimal.NewFromInt(1))
	require.NoError(t, err)

	f.clock = f.clock.Add(48 * time.Hour)
	n, err := f.svc.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.Get(ctx, tonDep.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.DepositExpired, got.Status)
}

type fakeEvents struct{ events []tonapi.Event }

func (f *fakeEvents) GetEvents(context.Context, string, int) ([]tonapi.Event, error) {
	return f.events, nil
}

type fakePayments struct {
	mu    sync.Mutex
	links []string
}

func (f *fakePayments) ConfirmPaymentByLink(_ context.Context, link, _ string, _ decimal.Decimal) (*storage.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links = append(f.links, link)
	return &storage.Transaction{ID: "tx-" + link}, nil
}

func transfer(eventID, comment string, nano int64) tonapi.Event {
	return tonapi.Event{
		EventID: eventID,
		Actions: []tonapi.Action{{
			Type:   "TonTransfer",
			Status: "ok",
			TonTransfer: &tonapi.TonTransfer{
				Sender:    tonapi.Account{Address: "0:1111111111111111111111111111111111111111111111111111111111111111"},
				Recipient: tonapi.Account{Address: custodyAddr},
				Amount:    nano,
				Comment:   comment,
			},
		}},
	}
}

func TestWatcherRoutesByMemo(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	user := storagetest.Profile(t, f.store, "0")

	d, err := f.svc.CreateTON(ctx, user.ID, decimal.NewFromInt(3))
	require.NoError(t, err)

	events := &fakeEvents{events: []tonapi.Event{
		transfer("e3", "hello", 1_000_000_000),
		transfer("e2", "esc-abc123", 7_000_000_000),
		transfer("e1", " "+d.Code+" ", 3_000_000_000),
	}}
	payments := &fakePayments{}
	w := NewWatcher(events, f.store, f.svc, payments, custodyAddr, logging.Discard())

	require.NoError(t, w.Poll(ctx))
	require.NoError(t, w.Poll(ctx))

	assert.Equal(t, "3", storagetest.Balance(t, f.store, user.ID).String())
	assert.Equal(t, []string{"ABC123"}, payments.links)

	for _, key := range []string{"e1:0", "e2:0", "e3:0"} {
		seen, err := f.store.IsEventProcessed(ctx, key)
		require.NoError(t, err)
		assert.True(t, seen, key)
	}
}

func TestWatcherIgnoresOutgoingAndFailed(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	user := storagetest.Profile(t, f.store, "0")
	d, err := f.svc.CreateTON(ctx, user.ID, decimal.NewFromInt(3))
	require.NoError(t, err)

	outgoing := transfer("o1", d.Code, 3_000_000_000)
	outgoing.Actions[0].TonTransfer.Recipient.Address = "0:2222222222222222222222222222222222222222222222222222222222222222"
	failed := transfer("f1", d.Code, 3_000_000_000)
	failed.Actions[0].Status = "failed"
	pending := transfer("p1", d.Code, 3_000_000_000)
	pending.InProgress = true

	w := NewWatcher(&fakeEvents{}, f.store, f.svc, &fakePayments{}, custodyAddr, logging.Discard())
	for _, e := range []tonapi.Event{outgoing, failed, pending} {
		w.HandleEvent(ctx, &e)
	}
	assert.True(t, storagetest.Balance(t, f.store, user.ID).IsZero())
}

func TestWatcherCreditsPaymentsDealsCannotTake(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	log := logging.Discard()

	deals := escrow.New(f.store, settlement.New(f.store, log), f.settings, f.notes, log)
	deals.SetNowFunc(func() time.Time { return f.clock })
	seller := storagetest.Profile(t, f.store, "0")
	buyer := storagetest.Profile(t, f.store, "0")

	claim := func(price int64) *storage.Transaction {
		p, err := deals.CreateProduct(ctx, seller.ID, "Voucher", "", decimal.NewFromInt(price), money.TON)
		require.NoError(t, err)
		tx, err := deals.Claim(ctx, p.Link, buyer.ID)
		require.NoError(t, err)
		return tx
	}

	late := claim(7)
	f.clock = f.clock.Add(2 * time.Hour)
	_, err := deals.ExpireSweep(ctx)
	require.NoError(t, err)
	short := claim(7)

	events := &fakeEvents{events: []tonapi.Event{
		transfer("short", escrow.MemoPrefix+short.Link, 6_000_000_000),
		transfer("late", escrow.MemoPrefix+late.Link, 7_000_000_000),
	}}
	w := NewWatcher(events, f.store, f.svc, deals, custodyAddr, log)
	require.NoError(t, w.Poll(ctx))
	require.NoError(t, w.Poll(ctx))

	assert.Equal(t, "13", storagetest.Balance(t, f.store, buyer.ID).String())
	for _, key := range []string{"late:0", "short:0"} {
		seen, err := f.store.IsEventProcessed(ctx, key)
		require.NoError(t, err)
		assert.True(t, seen, key)
	}

	got, err := deals.Get(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TxCancelled, got.Status)
	got, err = deals.Get(ctx, short.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TxPendingPayment, got.Status)

	f.notes.mu.Lock()
	defer f.notes.mu.Unlock()
	assert.Contains(t, f.notes.kinds, "payment_unapplied")
}
