package settlement_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suspectuso/ton-escrow/internal/apperrors"
	"github.com/suspectuso/ton-escrow/internal/logging"
	"github.com/suspectuso/ton-escrow/internal/money"
	"github.com/suspectuso/ton-escrow/internal/settings"
	"github.com/suspectuso/ton-escrow/internal/settlement"
	"github.com/suspectuso/ton-escrow/internal/storage"
	"github.com/suspectuso/ton-escrow/internal/storage/storagetest"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func snapshot(commission string) settings.Snapshot {
	snap := settings.Defaults()
	snap.CommissionRate = dec(commission)
	snap.ReferralL1Rate = dec("5")
	snap.ReferralL2Rate = dec("3")
	return snap
}

// seedDeal inserts a reserved product and a claimed deal in the given status.
func seedDeal(t *testing.T, store *storage.Storage, amount string, c money.Currency, status storage.TxStatus) (*storage.Transaction, *storage.Profile, *storage.Profile) {
	t.Helper()
	ctx := context.Background()
	seller := storagetest.Profile(t, store, "0")
	buyer := storagetest.Profile(t, store, "0")
	now := time.Now()

	product := &storage.Product{
		ID: uuid.NewString(), SellerID: seller.ID, Title: "item", Price: dec(amount),
		Currency: c, Link: uuid.NewString(), Status: storage.ProductReserved, CreatedAt: now,
	}
	require.NoError(t, store.CreateProduct(ctx, product))

	tx := &storage.Transaction{
		ID: uuid.NewString(), ProductID: product.ID, SellerID: seller.ID, BuyerID: &buyer.ID,
		Amount: dec(amount), Currency: c, Commission: decimal.Zero, SellerNet: dec(amount),
		Status: status, Link: uuid.NewString()[:12], ExpiresAt: now.Add(time.Hour),
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.CreateTransaction(ctx, tx))
	return tx, seller, buyer
}

func TestComputeSplitConserves(t *testing.T) {
	cases := []struct {
		amount string
		c      money.Currency
		rate   string
		fee    string
	}{
		{"100", money.TON, "3", "3"},
		{"50", money.TON, "3", "1.5"},
		{"0.3333", money.TON, "2.5", "0.0083"},
		{"12345", money.MMK, "3", "370"},
		{"999", money.MMK, "0", "0"},
	}
	for _, tc := range cases {
		split := settlement.ComputeSplit(dec(tc.amount), tc.c, dec(tc.rate))
		assert.True(t, split.Commission.Equal(dec(tc.fee)), "%s @ %s%%: commission %s", tc.amount, tc.rate, split.Commission)
		assert.True(t, split.Commission.Add(split.SellerNet).Equal(dec(tc.amount)), "conservation for %s", tc.amount)
	}
}

func TestSettleHundredTonAtThreePercent(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)
	engine := settlement.New(store, logging.Discard())
	tx, seller, _ := seedDeal(t, store, "100", money.TON, storage.TxItemSent)

	res, err := engine.Settle(ctx, tx.ID, storage.TxItemSent, snapshot("3"), nil)
	require.NoError(t, err)
	assert.False(t, res.AlreadySettled)
	assert.Equal(t, "3.0000", res.Commission.StringFixed(4))
	assert.Equal(t, "97.0000", res.SellerNet.StringFixed(4))

	got, err := store.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TxCompleted, got.Status)
	assert.NotNil(t, got.ConfirmedAt)
	assert.True(t, got.Commission.Add(got.SellerNet).Equal(got.Amount))
	assert.True(t, storagetest.Balance(t, store, seller.ID).Equal(dec("97")))

	product, err := store.GetProduct(ctx, tx.ProductID)
	require.NoError(t, err)
	assert.Equal(t, storage.ProductSold, product.Status)
}

func TestSettleTwiceCreditsOnce(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)
	engine := settlement.New(store, logging.Discard())
	tx, seller, _ := seedDeal(t, store, "10", money.TON, storage.TxItemSent)

	_, err := engine.Settle(ctx, tx.ID, storage.TxItemSent, snapshot("3"), nil)
	require.NoError(t, err)

	res, err := engine.Settle(ctx, tx.ID, storage.TxItemSent, snapshot("10"), nil)
	require.NoError(t, err)
	assert.True(t, res.AlreadySettled)
	assert.True(t, res.SellerNet.Equal(dec("9.7")), "reports the persisted split, not a recomputed one")
	assert.True(t, storagetest.Balance(t, store, seller.ID).Equal(dec("9.7")))
}

func TestConcurrentSettleCreditsOnce(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)
	engine := settlement.New(store, logging.Discard())
	tx, seller, _ := seedDeal(t, store, "20", money.TON, storage.TxItemSent)

	const workers = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		settled int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := engine.Settle(ctx, tx.ID, storage.TxItemSent, snapshot("3"), nil)
			if !assert.NoError(t, err) {
				return
			}
			if !res.AlreadySettled {
				mu.Lock()
				settled++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, settled)
	assert.True(t, storagetest.Balance(t, store, seller.ID).Equal(dec("19.4")))
}

func TestSettleFromWrongStatus(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)
	engine := settlement.New(store, logging.Discard())
	tx, seller, _ := seedDeal(t, store, "10", money.TON, storage.TxPendingPayment)

	_, err := engine.Settle(ctx, tx.ID, storage.TxItemSent, snapshot("3"), nil)
	assert.True(t, apperrors.IsInvalidState(err))
	assert.True(t, storagetest.Balance(t, store, seller.ID).IsZero())

	_, err = engine.Settle(ctx, "missing", storage.TxItemSent, snapshot("3"), nil)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestMMKSettlesToWholeKyat(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)
	engine := settlement.New(store, logging.Discard())
	tx, seller, _ := seedDeal(t, store, "15550", money.MMK, storage.TxItemSent)

	res, err := engine.Settle(ctx, tx.ID, storage.TxItemSent, snapshot("3"), nil)
	require.NoError(t, err)
	assert.Equal(t, "467", res.Commission.String())
	assert.Equal(t, "15083", res.SellerNet.String())

	p, err := store.GetProfile(ctx, seller.ID)
	require.NoError(t, err)
	assert.True(t, p.BalanceMMK.Equal(dec("15083")))
	assert.True(t, p.Balance.IsZero())
}

func withdrawalFor(t *testing.T, store *storage.Storage, profileID, amount string) *storage.Withdrawal {
	t.Helper()
	w := &storage.Withdrawal{
		ID: uuid.NewString(), ProfileID: profileID, Amount: dec(amount), Fee: decimal.Zero,
		Currency: money.TON, Destination: "dest", Method: storage.MethodTON,
		Status: storage.WithdrawalPending, CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateWithdrawal(context.Background(), w))
	return w
}

func chain(t *testing.T, store *storage.Storage) (l2, l1, user *storage.Profile) {
	t.Helper()
	ctx := context.Background()
	l2 = storagetest.Profile(t, store, "0")
	l1 = storagetest.Profile(t, store, "0")
	user = storagetest.Profile(t, store, "10")
	now := time.Now()
	require.NoError(t, store.InsertReferral(ctx, &storage.Referral{ReferrerID: l1.ID, ReferredID: user.ID, Level: 1, CreatedAt: now}))
	require.NoError(t, store.InsertReferral(ctx, &storage.Referral{ReferrerID: l2.ID, ReferredID: user.ID, Level: 2, CreatedAt: now}))
	return l2, l1, user
}

func TestReferralRewardsTwoLevels(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)
	engine := settlement.New(store, logging.Discard())
	l2, l1, user := chain(t, store)
	w := withdrawalFor(t, store, user.ID, "10")

	var paid []settlement.Earning
	err := store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		paid, err = engine.PayReferralRewards(ctx, q, w, snapshot("3"))
		return err
	})
	require.NoError(t, err)
	require.Len(t, paid, 2)

	assert.True(t, storagetest.Balance(t, store, l1.ID).Equal(dec("0.5")))
	assert.True(t, storagetest.Balance(t, store, l2.ID).Equal(dec("0.3")))
	assert.True(t, storagetest.Balance(t, store, user.ID).Equal(dec("10")), "withdrawer is not charged for referrals")

	p, err := store.GetProfile(ctx, l1.ID)
	require.NoError(t, err)
	assert.True(t, p.ReferralEarnings.Equal(dec("0.5")))

	// replaying the same withdrawal pays nothing more
	err = store.WithTx(ctx, func(q *storage.Queries) error {
		again, err := engine.PayReferralRewards(ctx, q, w, snapshot("3"))
		assert.Empty(t, again)
		return err
	})
	require.NoError(t, err)
	assert.True(t, storagetest.Balance(t, store, l1.ID).Equal(dec("0.5")))
}

func TestBlockedReferrerEarnsNothing(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)
	engine := settlement.New(store, logging.Discard())
	l2, l1, user := chain(t, store)
	require.NoError(t, store.SetBlocked(ctx, l2.ID, true, "abuse"))
	w := withdrawalFor(t, store, user.ID, "10")

	err := store.WithTx(ctx, func(q *storage.Queries) error {
		_, err := engine.PayReferralRewards(ctx, q, w, snapshot("3"))
		return err
	})
	require.NoError(t, err)
	assert.True(t, storagetest.Balance(t, store, l1.ID).Equal(dec("0.5")))
	assert.True(t, storagetest.Balance(t, store, l2.ID).IsZero())
}

func TestAdjust(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)
	engine := settlement.New(store, logging.Discard())
	p := storagetest.Profile(t, store, "2")

	adj, err := engine.Adjust(ctx, p.ID, money.TON, dec("1.25"), "goodwill")
	require.NoError(t, err)
	assert.True(t, adj.BalanceAfter.Equal(dec("3.25")))

	_, err = engine.Adjust(ctx, p.ID, money.TON, dec("-5"), "chargeback")
	require.Error(t, err)
	assert.True(t, apperrors.IsInsufficientFunds(err))
	assert.True(t, storagetest.Balance(t, store, p.ID).Equal(dec("3.25")))

	_, err = engine.Adjust(ctx, p.ID, money.TON, dec("1"), "")
	assert.True(t, apperrors.IsValidation(err))

	list, err := store.ListBalanceAdjustments(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
