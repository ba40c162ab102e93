// Package custody holds the platform's hot wallet. The seed phrase lives
// only as a passphrase-sealed blob. It is opened for the duration of one
// transfer and the key material is wiped afterwards.
//
// Every failed transfer is classified. NotSent means nothing can have
// reached the chain and the caller may safely undo its bookkeeping.
// Uncertain means a message may have been broadcast; the caller must not
// retry or revert without a human looking at the chain.
package custody

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tonkeeper/tongo/liteapi"
	"github.com/tonkeeper/tongo/tlb"
	"github.com/tonkeeper/tongo/ton"
	"github.com/tonkeeper/tongo/wallet"

	"github.com/suspectuso/ton-escrow/internal/apperrors"
	"github.com/suspectuso/ton-escrow/internal/config"
	"github.com/suspectuso/ton-escrow/internal/metrics"
	"github.com/suspectuso/ton-escrow/internal/money"
)

type Outcome int

const (
	NotSent Outcome = iota + 1
	Uncertain
)

func (o Outcome) String() string {
	switch o {
	case NotSent:
		return "not_sent"
	case Uncertain:
		return "uncertain"
	}
	return "unknown"
}

// TransferError is a failed transfer with its classification
type TransferError struct {
	Outcome Outcome
	Err     error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("custody transfer %s: %v", e.Outcome, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// OutcomeOf returns the classification of a Transfer error. Unclassified
// errors are treated as Uncertain.
func OutcomeOf(err error) Outcome {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Outcome
	}
	return Uncertain
}

func notSent(err error) error   { return &TransferError{Outcome: NotSent, Err: err} }
func uncertain(err error) error { return &TransferError{Outcome: Uncertain, Err: err} }

type Transfer struct {
	Destination string
	Amount      decimal.Decimal // TON
	Comment     string
}

// Wallet is the custody capability used by automated payouts
type Wallet interface {
	Address() string
	Balance(ctx context.Context) (decimal.Decimal, error)
	// Transfer returns an operator-facing reference on success
	Transfer(ctx context.Context, t Transfer) (string, error)
}

// chain is the network side of a tongo wallet
type chain interface {
	GetSeqno(ctx context.Context, account ton.AccountID) (uint32, error)
	SendMessage(ctx context.Context, payload []byte) (uint32, error)
	GetAccountState(ctx context.Context, accountID ton.AccountID) (tlb.ShardAccount, error)
}

// signer is the part of a tongo wallet a transfer drives
type signer interface {
	GetAddress() ton.AccountID
	SendV2(ctx context.Context, waitingConfirmation time.Duration, messages ...wallet.Sendable) (ton.Bits256, error)
}

type signerFunc func(key ed25519.PrivateKey) (signer, error)

// TonWallet sends TON from a V4R2 wallet through lite servers. It keeps
// the sealed seed and the public address; the private key exists only
// inside Transfer.
type TonWallet struct {
	sealed     string
	passphrase string
	address    ton.AccountID
	chain      chain
	newSigner  signerFunc
	testnet    bool
	timeout    time.Duration
	log        *slog.Logger
	metrics    *metrics.Metrics
}

// Connect checks that the sealed seed opens and derives the wallet
// address, then binds the wallet to the network. It fails with a
// ConfigurationMissing error when custody is not set up.
func Connect(ctx context.Context, cfg *config.Config, log *slog.Logger) (*TonWallet, error) {
	if !cfg.CustodyConfigured() {
		return nil, apperrors.ConfigurationMissing("custody wallet")
	}

	address, err := deriveAddress(cfg.CustodyMnemonicBlob, cfg.CustodyPassphrase)
	if err != nil {
		return nil, err
	}
	if cfg.CustodyAddress != "" {
		want, err := ton.ParseAccountID(cfg.CustodyAddress)
		if err != nil {
			return nil, fmt.Errorf("CUSTODY_ADDRESS: %w", err)
		}
		if want != address {
			return nil, fmt.Errorf("custody seed derives %s, CUSTODY_ADDRESS is %s",
				address.ToHuman(false, cfg.Testnet), cfg.CustodyAddress)
		}
	}

	var client *liteapi.Client
	if cfg.Testnet {
		client, err = liteapi.NewClientWithDefaultTestnet()
	} else {
		client, err = liteapi.NewClientWithDefaultMainnet()
	}
	if err != nil {
		return nil, fmt.Errorf("lite client: %w", err)
	}

	return newTonWallet(cfg.CustodyMnemonicBlob, cfg.CustodyPassphrase, address, client, v4Signer(client),
		cfg.Testnet, cfg.CustodyTimeout, log), nil
}

func v4Signer(c chain) signerFunc {
	return func(key ed25519.PrivateKey) (signer, error) {
		w, err := wallet.New(key, wallet.V4R2, c)
		if err != nil {
			return nil, err
		}
		return &w, nil
	}
}

func newTonWallet(sealed, passphrase string, address ton.AccountID, c chain, newSigner signerFunc, testnet bool, timeout time.Duration, log *slog.Logger) *TonWallet {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &TonWallet{
		sealed:     sealed,
		passphrase: passphrase,
		address:    address,
		chain:      c,
		newSigner:  newSigner,
		testnet:    testnet,
		timeout:    timeout,
		log:        log.With("component", "custody"),
		metrics:    metrics.Default(),
	}
}

// unseal opens the seed and derives the private key. The caller wipes
// the returned key.
func unseal(sealed, passphrase string) (ed25519.PrivateKey, error) {
	mnemonic, err := Open(sealed, passphrase)
	if err != nil {
		return nil, err
	}
	defer clear(mnemonic)

	key, err := wallet.SeedToPrivateKey(strings.Join(strings.Fields(string(mnemonic)), " "))
	if err != nil {
		return nil, fmt.Errorf("custody seed: %w", err)
	}
	return key, nil
}

func deriveAddress(sealed, passphrase string) (ton.AccountID, error) {
	key, err := unseal(sealed, passphrase)
	if err != nil {
		return ton.AccountID{}, err
	}
	defer clear(key)
	return wallet.GenerateWalletAddress(key.Public().(ed25519.PublicKey), wallet.V4R2, nil, 0, nil)
}

// Address is the user-friendly, non-bounceable custody address
func (w *TonWallet) Address() string {
	return w.address.ToHuman(false, w.testnet)
}

func (w *TonWallet) Balance(ctx context.Context) (decimal.Decimal, error) {
	nano, err := w.balance(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("custody balance: %w", err)
	}
	return money.NanoToTON(int64(nano)), nil
}

func (w *TonWallet) balance(ctx context.Context) (uint64, error) {
	state, err := w.chain.GetAccountState(ctx, w.address)
	if err != nil {
		return 0, err
	}
	if state.Account.SumType != "Account" {
		return 0, nil
	}
	return uint64(state.Account.Account.Storage.Balance.Grams), nil
}

// Transfer returns the hex hash of the external message on success
func (w *TonWallet) Transfer(ctx context.Context, t Transfer) (string, error) {
	ref, err := w.transfer(ctx, t)
	outcome := "sent"
	if err != nil {
		outcome = OutcomeOf(err).String()
	}
	w.metrics.CustodyTransfers.WithLabelValues(outcome).Inc()
	return ref, err
}

func (w *TonWallet) transfer(ctx context.Context, t Transfer) (string, error) {
	dest, err := ton.ParseAccountID(strings.TrimSpace(t.Destination))
	if err != nil {
		return "", notSent(fmt.Errorf("destination: %w", err))
	}
	if !t.Amount.IsPositive() {
		return "", notSent(errors.New("amount must be positive"))
	}
	nano := money.TONToNano(t.Amount)

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	// nothing has been signed yet, so a failure here cannot have reached the chain
	balance, err := w.balance(ctx)
	if err != nil {
		return "", notSent(fmt.Errorf("preflight balance: %w", err))
	}
	if balance < uint64(nano) {
		return "", notSent(fmt.Errorf("custody holds %s TON, transfer needs %s TON",
			money.NanoToTON(int64(balance)).String(), t.Amount.String()))
	}

	key, err := unseal(w.sealed, w.passphrase)
	if err != nil {
		return "", notSent(err)
	}
	defer clear(key)

	s, err := w.newSigner(key)
	if err != nil {
		return "", notSent(fmt.Errorf("custody wallet: %w", err))
	}
	if s.GetAddress() != w.address {
		return "", notSent(errors.New("sealed seed no longer matches the custody address"))
	}

	msg := wallet.SimpleTransfer{
		Amount:     tlb.Grams(nano),
		Address:    dest,
		Comment:    t.Comment,
		Bounceable: false,
	}
	hash, err := s.SendV2(ctx, 0, msg)
	if err != nil {
		return "", uncertain(err)
	}

	ref := hash.Hex()
	w.log.Info("custody transfer sent",
		"destination", dest.ToHuman(false, w.testnet),
		"amount", t.Amount.String(),
		"comment", t.Comment,
		"message_hash", ref,
	)
	return ref, nil
}
