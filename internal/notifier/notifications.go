package notifier

import (
	"github.com/shopspring/decimal"

	"github.com/suspectuso/ton-escrow/internal/money"
)

// Admin addresses the configured operator chat instead of a profile.
const Admin = "admin"

// Notification is one message kind with its own payload. The set is
// closed: only types in this file implement it.
type Notification interface {
	Kind() string
	notification()
}

type PaymentReceived struct {
	TransactionID string
	Title         string
	Amount        decimal.Decimal
	Currency      money.Currency
	FromBalance   bool
}

type ItemSent struct {
	TransactionID string
	Title         string
}

type TransactionCompleted struct {
	TransactionID string
	Title         string
	Amount        decimal.Decimal
	Commission    decimal.Decimal
	SellerNet     decimal.Decimal
	Currency      money.Currency
	AutoConfirmed bool
}

type TransactionCancelled struct {
	TransactionID string
	Title         string
	Reason        string
}

type DisputeOpened struct {
	TransactionID string
	Title         string
	Reason        string
	ByBuyer       bool
}

type DisputeResolved struct {
	TransactionID string
	Title         string
	Resolution    string
	Amount        decimal.Decimal
	Currency      money.Currency
}

type WithdrawalRequested struct {
	WithdrawalID string
	Amount       decimal.Decimal
	Currency     money.Currency
	Method       string
	Destination  string
}

type WithdrawalApproved struct {
	WithdrawalID string
	Payout       decimal.Decimal
	Currency     money.Currency
	Reference    string
}

type WithdrawalRejected struct {
	WithdrawalID string
	Amount       decimal.Decimal
	Currency     money.Currency
	Notes        string
}

// WithdrawalNeedsReview goes to the operator when an automated payout
// could not proceed or its outcome is unknown.
type WithdrawalNeedsReview struct {
	WithdrawalID string
	Amount       decimal.Decimal
	Currency     money.Currency
	Error        string
	Uncertain    bool
}

// PaymentUnapplied tells the buyer and the operator that an on-chain
// payment, or part of it, went to the buyer's balance instead of the deal.
type PaymentUnapplied struct {
	TransactionID string
	Credited      decimal.Decimal
	Currency      money.Currency
	Reason        string
}

type DepositSubmitted struct {
	DepositID string
	Amount    decimal.Decimal
	Currency  money.Currency
	Method    string
	Code      string
	Proof     string
}

type DepositConfirmed struct {
	DepositID string
	Amount    decimal.Decimal
	Currency  money.Currency
	Balance   decimal.Decimal
}

type DepositRejected struct {
	DepositID string
	Amount    decimal.Decimal
	Currency  money.Currency
	Notes     string
}

type ReferralEarned struct {
	Amount   decimal.Decimal
	Currency money.Currency
	Level    int
}

func (PaymentReceived) Kind() string       { return "payment_received" }
func (ItemSent) Kind() string              { return "item_sent" }
func (TransactionCompleted) Kind() string  { return "transaction_completed" }
func (TransactionCancelled) Kind() string  { return "transaction_cancelled" }
func (DisputeOpened) Kind() string         { return "dispute_opened" }
func (DisputeResolved) Kind() string       { return "dispute_resolved" }
func (WithdrawalRequested) Kind() string   { return "withdrawal_requested" }
func (WithdrawalApproved) Kind() string    { return "withdrawal_approved" }
func (WithdrawalRejected) Kind() string    { return "withdrawal_rejected" }
func (WithdrawalNeedsReview) Kind() string { return "withdrawal_needs_review" }
func (PaymentUnapplied) Kind() string      { return "payment_unapplied" }
func (DepositSubmitted) Kind() string      { return "deposit_submitted" }
func (DepositConfirmed) Kind() string      { return "deposit_confirmed" }
func (DepositRejected) Kind() string       { return "deposit_rejected" }
func (ReferralEarned) Kind() string        { return "referral_earned" }

func (PaymentReceived) notification()       {}
func (ItemSent) notification()              {}
func (TransactionCompleted) notification()  {}
func (TransactionCancelled) notification()  {}
func (DisputeOpened) notification()         {}
func (DisputeResolved) notification()       {}
func (WithdrawalRequested) notification()   {}
func (WithdrawalApproved) notification()    {}
func (WithdrawalRejected) notification()    {}
func (WithdrawalNeedsReview) notification() {}
func (PaymentUnapplied) notification()      {}
func (DepositSubmitted) notification()      {}
func (DepositConfirmed) notification()      {}
func (DepositRejected) notification()       {}
func (ReferralEarned) notification()        {}
