package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/suspectuso/ton-escrow/internal/money"
)

// Profile is a marketplace user and the holder of both balances
type Profile struct {
	ID                  string          `db:"id"`
	TelegramID          int64           `db:"telegram_id"`
	Username            string          `db:"username"`
	WalletAddress       string          `db:"wallet_address"`
	Balance             decimal.Decimal `db:"balance"`
	BalanceMMK          decimal.Decimal `db:"balance_mmk"`
	Blocked             bool            `db:"blocked"`
	BlockedReason       string          `db:"blocked_reason"`
	ReferralCode        string          `db:"referral_code"`
	ReferredBy          *string         `db:"referred_by"`
	ReferralEarnings    decimal.Decimal `db:"referral_earnings"`
	ReferralEarningsMMK decimal.Decimal `db:"referral_earnings_mmk"`
	CreatedAt           time.Time       `db:"created_at"`
}

// BalanceOf returns the ledger balance for the currency
func (p *Profile) BalanceOf(c money.Currency) decimal.Decimal {
	if c == money.MMK {
		return p.BalanceMMK
	}
	return p.Balance
}

func balanceColumn(c money.Currency) string {
	if c == money.MMK {
		return "balance_mmk"
	}
	return "balance"
}

func earningsColumn(c money.Currency) string {
	if c == money.MMK {
		return "referral_earnings_mmk"
	}
	return "referral_earnings"
}

type ProductStatus string

const (
	ProductActive   ProductStatus = "active"
	ProductReserved ProductStatus = "reserved"
	ProductSold     ProductStatus = "sold"
)

// Product is a seller listing that buyers claim through its link
type Product struct {
	ID          string          `db:"id"`
	SellerID    string          `db:"seller_id"`
	Title       string          `db:"title"`
	Description string          `db:"description"`
	Price       decimal.Decimal `db:"price"`
	Currency    money.Currency  `db:"currency"`
	Link        string          `db:"link"`
	Status      ProductStatus   `db:"status"`
	CreatedAt   time.Time       `db:"created_at"`
}

type TxStatus string

const (
	TxPendingPayment  TxStatus = "pending_payment"
	TxPaymentReceived TxStatus = "payment_received"
	TxItemSent        TxStatus = "item_sent"
	TxCompleted       TxStatus = "completed"
	TxDisputed        TxStatus = "disputed"
	TxCancelled       TxStatus = "cancelled"
)

// Transaction is one escrow deal
type Transaction struct {
	ID            string          `db:"id"`
	ProductID     string          `db:"product_id"`
	SellerID      string          `db:"seller_id"`
	BuyerID       *string         `db:"buyer_id"`
	Amount        decimal.Decimal `db:"amount"`
	Currency      money.Currency  `db:"currency"`
	Commission    decimal.Decimal `db:"commission"`
	SellerNet     decimal.Decimal `db:"seller_net"`
	Status        TxStatus        `db:"status"`
	Link          string          `db:"link"`
	TxHash        *string         `db:"tx_hash"`
	DisputeReason string          `db:"dispute_reason"`
	DisputedBy    string          `db:"disputed_by"`
	Resolution    string          `db:"resolution"`
	ExpiresAt     time.Time       `db:"expires_at"`
	PaidAt        *time.Time      `db:"paid_at"`
	ItemSentAt    *time.Time      `db:"item_sent_at"`
	ConfirmedAt   *time.Time      `db:"confirmed_at"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

// Buyer returns the buyer id or "" while unclaimed
func (t *Transaction) Buyer() string {
	if t.BuyerID == nil {
		return ""
	}
	return *t.BuyerID
}

type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalApproved  WithdrawalStatus = "approved"
	WithdrawalRejected  WithdrawalStatus = "rejected"
	WithdrawalCompleted WithdrawalStatus = "completed"
)

type PaymentMethod string

const (
	MethodTON     PaymentMethod = "TON"
	MethodKBZPay  PaymentMethod = "KBZPAY"
	MethodWavePay PaymentMethod = "WAVEPAY"
)

// Withdrawal is a payout request. Amount is debited from the balance,
// Amount minus Fee is what the destination receives.
type Withdrawal struct {
	ID          string           `db:"id"`
	ProfileID   string           `db:"profile_id"`
	Amount      decimal.Decimal  `db:"amount"`
	Fee         decimal.Decimal  `db:"fee"`
	Currency    money.Currency   `db:"currency"`
	Destination string           `db:"destination"`
	Method      PaymentMethod    `db:"method"`
	Status      WithdrawalStatus `db:"status"`
	AdminNotes  string           `db:"admin_notes"`
	Reference   string           `db:"reference"`
	LastError   string           `db:"last_error"`
	NeedsReview bool             `db:"needs_review"`
	CreatedAt   time.Time        `db:"created_at"`
	ProcessedAt *time.Time       `db:"processed_at"`
}

// Payout is the amount sent to the destination
func (w *Withdrawal) Payout() decimal.Decimal {
	return w.Amount.Sub(w.Fee)
}

type DepositStatus string

const (
	DepositPending   DepositStatus = "pending"
	DepositConfirmed DepositStatus = "confirmed"
	DepositRejected  DepositStatus = "rejected"
	DepositExpired   DepositStatus = "expired"
)

// Deposit is an inbound funding claim
type Deposit struct {
	ID          string          `db:"id"`
	ProfileID   string          `db:"profile_id"`
	Amount      decimal.Decimal `db:"amount"`
	Currency    money.Currency  `db:"currency"`
	Method      PaymentMethod   `db:"method"`
	Code        string          `db:"code"`
	Proof       string          `db:"proof"`
	TxHash      *string         `db:"tx_hash"`
	Status      DepositStatus   `db:"status"`
	AdminNotes  string          `db:"admin_notes"`
	ExpiresAt   time.Time       `db:"expires_at"`
	CreatedAt   time.Time       `db:"created_at"`
	ConfirmedAt *time.Time      `db:"confirmed_at"`
}

// Referral is a referrer -> referred edge, level 1 or 2
type Referral struct {
	ReferrerID string    `db:"referrer_id"`
	ReferredID string    `db:"referred_id"`
	Level      int       `db:"level"`
	CreatedAt  time.Time `db:"created_at"`
}

// ReferralEarning is one append-only referral payout
type ReferralEarning struct {
	ID            string          `db:"id"`
	SourceID      string          `db:"source_id"`
	BeneficiaryID string          `db:"beneficiary_id"`
	ReferredID    string          `db:"referred_id"`
	Level         int             `db:"level"`
	Amount        decimal.Decimal `db:"amount"`
	Currency      money.Currency  `db:"currency"`
	CreatedAt     time.Time       `db:"created_at"`
}

// BalanceAdjustment records a balance change outside sales and
// withdrawals: operator corrections and on-chain payments a deal could not
// take. Reference, when set, is unique and makes the credit exactly-once.
type BalanceAdjustment struct {
	ID           string          `db:"id"`
	ProfileID    string          `db:"profile_id"`
	Currency     money.Currency  `db:"currency"`
	Delta        decimal.Decimal `db:"delta"`
	BalanceAfter decimal.Decimal `db:"balance_after"`
	Reason       string          `db:"reason"`
	Reference    *string         `db:"reference"`
	CreatedAt    time.Time       `db:"created_at"`
}

// Setting is a raw key/value row
type Setting struct {
	Key       string    `db:"key"`
	Value     string    `db:"value"`
	UpdatedAt time.Time `db:"updated_at"`
}
