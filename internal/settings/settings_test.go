package settings_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suspectuso/ton-escrow/internal/apperrors"
	"github.com/suspectuso/ton-escrow/internal/logging"
	"github.com/suspectuso/ton-escrow/internal/money"
	"github.com/suspectuso/ton-escrow/internal/settings"
	"github.com/suspectuso/ton-escrow/internal/storage"
	"github.com/suspectuso/ton-escrow/internal/storage/storagetest"
)

func TestSnapshotDefaults(t *testing.T) {
	svc := settings.New(storagetest.New(t), logging.Discard())

	snap, err := svc.Snapshot(context.Background())
	require.NoError(t, err)

	assert.True(t, snap.CommissionRate.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, 30*time.Minute, snap.PaymentWindow)
	assert.Equal(t, 72*time.Hour, snap.AutoConfirm)
	assert.True(t, snap.MethodEnabled(storage.MethodTON))
	assert.False(t, snap.MethodEnabled(storage.MethodKBZPay))
	assert.True(t, snap.MinWithdrawal(money.MMK).Equal(decimal.NewFromInt(5000)))
}

func TestSetIsValidatedAndReadThrough(t *testing.T) {
	ctx := context.Background()
	svc := settings.New(storagetest.New(t), logging.Discard())

	before, err := svc.Snapshot(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.Set(ctx, settings.CommissionRate, "2.5"))
	require.NoError(t, svc.Set(ctx, settings.AutoWithdrawals, "true"))

	after, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, after.CommissionRate.Equal(decimal.RequireFromString("2.5")))
	assert.True(t, after.AutoWithdrawals)
	assert.False(t, after.Version.IsZero())

	// a snapshot taken earlier is unaffected
	assert.True(t, before.CommissionRate.Equal(decimal.NewFromInt(3)))

	v, err := svc.Get(ctx, settings.CommissionRate)
	require.NoError(t, err)
	assert.Equal(t, "2.5", v)
}

func TestSetRejectsBadValues(t *testing.T) {
	ctx := context.Background()
	svc := settings.New(storagetest.New(t), logging.Discard())

	cases := map[string]string{
		settings.CommissionRate:       "101",
		settings.ReferralL1Rate:       "-1",
		settings.MinWithdrawalTON:     "abc",
		settings.PaymentWindowMinutes: "1.5",
		settings.MaintenanceMode:      "maybe",
		"no_such_key":                 "1",
	}
	for key, value := range cases {
		err := svc.Set(ctx, key, value)
		assert.True(t, apperrors.IsValidation(err), "%s=%s: %v", key, value, err)
	}
}
