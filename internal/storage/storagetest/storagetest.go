// Package storagetest opens throwaway sqlite ledgers for package tests.
package storagetest

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/suspectuso/ton-escrow/internal/logging"
	"github.com/suspectuso/ton-escrow/internal/storage"
	"github.com/suspectuso/ton-escrow/migrations"
)

// New returns a migrated store in t.TempDir(), closed on cleanup.
func New(t testing.TB) *storage.Storage {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := storage.Open(context.Background(), path, migrations.Files, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var nextTelegramID atomic.Int64

// Profile inserts a profile holding the given TON balance.
func Profile(t testing.TB, store *storage.Storage, tonBalance string) *storage.Profile {
	t.Helper()

	p := &storage.Profile{
		ID:           uuid.NewString(),
		TelegramID:   1000 + nextTelegramID.Add(1),
		Username:     "user",
		Balance:      decimal.RequireFromString(tonBalance),
		ReferralCode: uuid.NewString()[:8],
		CreatedAt:    time.Now(),
	}
	require.NoError(t, store.CreateProfile(context.Background(), p))
	return p
}

// Balance re-reads a profile's TON balance.
func Balance(t testing.TB, store *storage.Storage, profileID string) decimal.Decimal {
	t.Helper()

	p, err := store.GetProfile(context.Background(), profileID)
	require.NoError(t, err)
	return p.Balance
}
