package telegram

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/go-telegram/bot/models"
	"github.com/shopspring/decimal"

	"github.com/suspectuso/ton-escrow/internal/apperrors"
	"github.com/suspectuso/ton-escrow/internal/escrow"
	"github.com/suspectuso/ton-escrow/internal/money"
	"github.com/suspectuso/ton-escrow/internal/settlement"
	"github.com/suspectuso/ton-escrow/internal/storage"
	"github.com/suspectuso/ton-escrow/internal/withdrawal"
)

type Accounts interface {
	EnsureProfile(ctx context.Context, telegramID int64, username, referralCode string) (*storage.Profile, bool, error)
	SetWallet(ctx context.Context, id, address string) (string, error)
}

type Escrow interface {
	CreateProduct(ctx context.Context, sellerID, title, description string, price decimal.Decimal, c money.Currency) (*storage.Product, error)
	Claim(ctx context.Context, link, buyerID string) (*storage.Transaction, error)
	Get(ctx context.Context, id string) (*storage.Transaction, error)
	PayFromBalance(ctx context.Context, txID, buyerID string) (*storage.Transaction, error)
	MarkItemSent(ctx context.Context, txID, sellerID string) (*storage.Transaction, error)
	ConfirmReceipt(ctx context.Context, txID, buyerID string) (*settlement.Result, error)
	RaiseDispute(ctx context.Context, txID, actorID, reason string) (*storage.Transaction, error)
	Cancel(ctx context.Context, txID, actorID string) (*storage.Transaction, error)
}

type Deposits interface {
	CreateTON(ctx context.Context, profileID string, amount decimal.Decimal) (*storage.Deposit, error)
}

type Withdrawals interface {
	Create(ctx context.Context, profileID string, amount decimal.Decimal, method storage.PaymentMethod, destination string) (*storage.Withdrawal, error)
}

type dealLister interface {
	ListTransactionsByProfile(ctx context.Context, profileID string, limit int) ([]storage.Transaction, error)
}

// User is the Telegram sender of an update
type User struct {
	ID       int64
	Username string
}

// Reply is one outgoing message
type Reply struct {
	Text     string
	Keyboard *models.InlineKeyboardMarkup
}

func text(s string) []Reply { return []Reply{{Text: s}} }

// Dialog turns commands, button presses and free text into service calls
// and replies. It knows nothing about the Telegram transport.
type Dialog struct {
	accounts    Accounts
	escrow      Escrow
	deposits    Deposits
	withdrawals Withdrawals
	deals       dealLister
	states      *StateManager
	botUsername string
	custody     string
	log         *slog.Logger
}

type DialogConfig struct {
	Accounts       Accounts
	Escrow         Escrow
	Deposits       Deposits
	Withdrawals    Withdrawals
	Deals          dealLister
	States         *StateManager
	BotUsername    string
	CustodyAddress string
}

func NewDialog(cfg DialogConfig, log *slog.Logger) *Dialog {
	return &Dialog{
		accounts:    cfg.Accounts,
		escrow:      cfg.Escrow,
		deposits:    cfg.Deposits,
		withdrawals: cfg.Withdrawals,
		deals:       cfg.Deals,
		states:      cfg.States,
		botUsername: cfg.BotUsername,
		custody:     cfg.CustodyAddress,
		log:         log.With("component", "dialog"),
	}
}

func (d *Dialog) profile(ctx context.Context, u User) (*storage.Profile, error) {
	p, _, err := d.accounts.EnsureProfile(ctx, u.ID, u.Username, "")
	return p, err
}

// Start handles /start with an optional deep-link argument:
// ref_<code> registers a referral, buy_<link> claims a listing.
func (d *Dialog) Start(ctx context.Context, u User, arg string) []Reply {
	arg = strings.TrimSpace(arg)
	refCode, _ := strings.CutPrefix(arg, "ref_")
	if refCode == arg {
		refCode = ""
	}

	p, created, err := d.accounts.EnsureProfile(ctx, u.ID, u.Username, refCode)
	if err != nil {
		return d.fail("start", err)
	}

	if link, ok := strings.CutPrefix(arg, "buy_"); ok {
		return d.claim(ctx, p, link)
	}

	greeting := "👋 Welcome back!"
	if created {
		greeting = "👋 Welcome to the escrow market!"
	}
	return []Reply{{
		Text: lines(
			greeting,
			"",
			"Sell: <code>/sell 10 TON Gift card</code>",
			"Fund your balance: <code>/deposit 5</code>",
			"Your deals: /deals",
			"",
			"Invite friends: "+d.deepLink("ref_"+p.ReferralCode),
		),
		Keyboard: MainKeyboard(),
	}}
}

func (d *Dialog) claim(ctx context.Context, buyer *storage.Profile, link string) []Reply {
	t, err := d.escrow.Claim(ctx, link, buyer.ID)
	if err != nil {
		return d.fail("claim", err)
	}
	return []Reply{{Text: d.describeForBuyer(t), Keyboard: BuyerKeyboard(t)}}
}

func (d *Dialog) describeForBuyer(t *storage.Transaction) string {
	out := []string{
		"🛒 <b>Deal opened</b>",
		"",
		"Amount: <b>" + money.Format(t.Amount, t.Currency) + "</b>",
		fmt.Sprintf("Pay before %s UTC", t.ExpiresAt.UTC().Format("2006-01-02 15:04")),
	}
	if t.Currency == money.TON && d.custody != "" {
		out = append(out,
			"",
			"Send exactly this amount to",
			"<code>"+html.EscapeString(d.custody)+"</code>",
			"with comment <code>"+escrow.MemoPrefix+t.Link+"</code>",
			"or pay from your balance below.",
		)
	} else {
		out = append(out, "", "Pay from your balance below.")
	}
	out = append(out, "", ref(t.ID))
	return lines(out...)
}

// Balance handles /balance
func (d *Dialog) Balance(ctx context.Context, u User) []Reply {
	p, err := d.profile(ctx, u)
	if err != nil {
		return d.fail("balance", err)
	}
	return []Reply{{
		Text: lines(
			"💰 <b>Your balance</b>",
			"",
			money.Format(p.Balance, money.TON),
			money.Format(p.BalanceMMK, money.MMK),
			"",
			"Referral earnings: "+money.Format(p.ReferralEarnings, money.TON)+" / "+money.Format(p.ReferralEarningsMMK, money.MMK),
		),
		Keyboard: MainKeyboard(),
	}}
}

// Sell handles /sell <price> <TON|MMK> <title>
func (d *Dialog) Sell(ctx context.Context, u User, args string) []Reply {
	fields := strings.Fields(args)
	if len(fields) < 3 {
		return text("Usage: <code>/sell &lt;price&gt; &lt;TON|MMK&gt; &lt;title&gt;</code>")
	}
	price, err := decimal.NewFromString(strings.Replace(fields[0], ",", ".", 1))
	if err != nil {
		return text("❌ Price must be a number, e.g. <code>12.5</code>")
	}
	c, err := money.ParseCurrency(fields[1])
	if err != nil {
		return text("❌ Currency must be TON or MMK")
	}
	title := strings.Join(fields[2:], " ")

	p, err := d.profile(ctx, u)
	if err != nil {
		return d.fail("sell", err)
	}
	product, err := d.escrow.CreateProduct(ctx, p.ID, title, "", price, c)
	if err != nil {
		return d.fail("sell", err)
	}
	return text(lines(
		"✅ <b>Listing created</b>",
		"",
		html.EscapeString(product.Title)+" · "+money.Format(product.Price, product.Currency),
		"",
		"Share this link with the buyer:",
		d.deepLink("buy_"+product.Link),
	))
}

// Deposit handles /deposit <amount>
func (d *Dialog) Deposit(ctx context.Context, u User, args string) []Reply {
	amount, err := decimal.NewFromString(strings.Replace(strings.TrimSpace(args), ",", ".", 1))
	if err != nil {
		return text("Usage: <code>/deposit &lt;amount in TON&gt;</code>")
	}
	if d.custody == "" {
		return text(noticeFor(apperrors.ConfigurationMissing("custody address")))
	}
	p, err := d.profile(ctx, u)
	if err != nil {
		return d.fail("deposit", err)
	}
	dep, err := d.deposits.CreateTON(ctx, p.ID, amount)
	if err != nil {
		return d.fail("deposit", err)
	}
	return text(lines(
		"📥 <b>Deposit</b>",
		"",
		"Send <b>"+money.Format(dep.Amount, dep.Currency)+"</b> to",
		"<code>"+html.EscapeString(d.custody)+"</code>",
		"with comment <code>"+dep.Code+"</code>",
		"",
		fmt.Sprintf("The code is valid until %s UTC.", dep.ExpiresAt.UTC().Format("2006-01-02 15:04")),
	))
}

// Deals handles /deals: one message per open deal with its buttons
func (d *Dialog) Deals(ctx context.Context, u User) []Reply {
	p, err := d.profile(ctx, u)
	if err != nil {
		return d.fail("deals", err)
	}
	all, err := d.deals.ListTransactionsByProfile(ctx, p.ID, 20)
	if err != nil {
		return d.fail("deals", err)
	}

	var out []Reply
	for i := range all {
		t := &all[i]
		if escrow.IsTerminal(t.Status) {
			continue
		}
		r := Reply{Text: lines(
			"<b>"+money.Format(t.Amount, t.Currency)+"</b> · "+string(t.Status),
			ref(t.ID),
		)}
		switch {
		case t.Buyer() == p.ID:
			r.Keyboard = BuyerKeyboard(t)
		case t.SellerID == p.ID && t.Status == storage.TxPaymentReceived:
			r.Keyboard = SellerKeyboard(t.ID)
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return text("No open deals.")
	}
	return out
}

// Withdraw starts the two-step withdrawal flow
func (d *Dialog) Withdraw(ctx context.Context, u User, args string) []Reply {
	method := storage.PaymentMethod(strings.ToUpper(strings.TrimSpace(args)))
	if method == "" {
		d.states.Clear(u.ID)
		return []Reply{{Text: "📤 Choose a payout method:", Keyboard: WithdrawMethodKeyboard()}}
	}
	c, err := withdrawal.CurrencyFor(method)
	if err != nil {
		return text(noticeFor(err))
	}
	d.states.Set(u.ID, StateWaitWithdrawAmount, map[string]string{"method": string(method)})
	return text(fmt.Sprintf("How much do you want to withdraw, in %s?", c))
}

// Wallet shows or replaces the saved TON payout address
func (d *Dialog) Wallet(ctx context.Context, u User, args string) []Reply {
	p, err := d.profile(ctx, u)
	if err != nil {
		return d.fail("wallet", err)
	}
	args = strings.TrimSpace(args)
	if args == "" {
		if p.WalletAddress == "" {
			return text("No payout wallet saved. Usage: <code>/wallet ADDRESS</code>")
		}
		return text("Payout wallet: <code>" + html.EscapeString(p.WalletAddress) + "</code>")
	}
	friendly, err := d.accounts.SetWallet(ctx, p.ID, args)
	if err != nil {
		return d.fail("wallet", err)
	}
	return text("✅ Payout wallet saved: <code>" + html.EscapeString(friendly) + "</code>")
}

// Text handles a free-text message inside a conversation
func (d *Dialog) Text(ctx context.Context, u User, msg string) []Reply {
	st := d.states.Get(u.ID)
	if st == nil {
		return nil
	}
	msg = strings.TrimSpace(msg)

	switch st.State {
	case StateWaitWithdrawAmount:
		amount, err := decimal.NewFromString(strings.Replace(msg, ",", ".", 1))
		if err != nil || !amount.IsPositive() {
			return text("❌ Send a positive number, e.g. <code>10</code>")
		}
		st.Data["amount"] = amount.String()
		d.states.Set(u.ID, StateWaitWithdrawDestination, st.Data)
		if storage.PaymentMethod(st.Data["method"]) == storage.MethodTON {
			if p, err := d.profile(ctx, u); err == nil && p.WalletAddress != "" {
				return text("Send the TON address to pay out to, or <code>saved</code> for <code>" + html.EscapeString(p.WalletAddress) + "</code>.")
			}
			return text("Send the TON address to pay out to.")
		}
		return text("Send the phone number of the receiving account.")

	case StateWaitWithdrawDestination:
		d.states.Clear(u.ID)
		p, err := d.profile(ctx, u)
		if err != nil {
			return d.fail("withdraw", err)
		}
		method := storage.PaymentMethod(st.Data["method"])
		if method == storage.MethodTON && strings.EqualFold(msg, "saved") {
			if p.WalletAddress == "" {
				return text("❌ No saved wallet. Set one with <code>/wallet ADDRESS</code>.")
			}
			msg = p.WalletAddress
		}
		amount, _ := decimal.NewFromString(st.Data["amount"])
		w, err := d.withdrawals.Create(ctx, p.ID, amount, method, msg)
		if err != nil {
			return d.fail("withdraw", err)
		}
		return text(lines(
			"🕓 <b>Withdrawal requested</b>",
			"",
			money.Format(w.Amount, w.Currency)+" to <code>"+html.EscapeString(w.Destination)+"</code>",
			"Fee: "+money.Format(w.Fee, w.Currency),
			"Your balance is debited when the request is approved.",
		))

	case StateWaitDisputeReason:
		d.states.Clear(u.ID)
		if msg == "" {
			return text("❌ Please describe the problem.")
		}
		p, err := d.profile(ctx, u)
		if err != nil {
			return d.fail("dispute", err)
		}
		if _, err := d.escrow.RaiseDispute(ctx, st.Data["tx"], p.ID, msg); err != nil {
			return d.fail("dispute", err)
		}
		return text("⚠️ Dispute opened. An operator will review the deal.")
	}
	return nil
}

// Callback handles an inline button press
func (d *Dialog) Callback(ctx context.Context, u User, data string) []Reply {
	switch {
	case data == "balance":
		return d.Balance(ctx, u)
	case data == "withdraw":
		return d.Withdraw(ctx, u, "")
	case strings.HasPrefix(data, "wd:"):
		return d.Withdraw(ctx, u, strings.TrimPrefix(data, "wd:"))
	case strings.HasPrefix(data, cbDispute):
		d.states.Set(u.ID, StateWaitDisputeReason, map[string]string{"tx": strings.TrimPrefix(data, cbDispute)})
		return text("Describe what went wrong:")
	}

	p, err := d.profile(ctx, u)
	if err != nil {
		return d.fail("callback", err)
	}

	switch {
	case strings.HasPrefix(data, cbPay):
		t, err := d.escrow.PayFromBalance(ctx, strings.TrimPrefix(data, cbPay), p.ID)
		if err != nil {
			return d.fail("pay", err)
		}
		return text("✅ Paid " + money.Format(t.Amount, t.Currency) + " from your balance. The seller has been told to send the item.")

	case strings.HasPrefix(data, cbSent):
		t, err := d.escrow.MarkItemSent(ctx, strings.TrimPrefix(data, cbSent), p.ID)
		if err != nil {
			return d.fail("item sent", err)
		}
		return text("📦 Marked as sent. Funds are released when the buyer confirms.\n" + ref(t.ID))

	case strings.HasPrefix(data, cbReceive):
		res, err := d.escrow.ConfirmReceipt(ctx, strings.TrimPrefix(data, cbReceive), p.ID)
		if err != nil {
			return d.fail("confirm receipt", err)
		}
		return text("✅ Deal completed. " + money.Format(res.SellerNet, res.Currency) + " released to the seller.")

	case strings.HasPrefix(data, cbCancel):
		if _, err := d.escrow.Cancel(ctx, strings.TrimPrefix(data, cbCancel), p.ID); err != nil {
			return d.fail("cancel", err)
		}
		return text("✖️ Deal cancelled.")
	}

	d.log.Warn("unknown callback", "data", data, "user_id", u.ID)
	return nil
}

func (d *Dialog) fail(op string, err error) []Reply {
	if apperrors.KindOf(err) == apperrors.ErrInternal {
		d.log.Error("bot action failed", "op", op, "error", err)
	} else {
		d.log.Debug("bot action refused", "op", op, "error", err)
	}
	return text(noticeFor(err))
}

func (d *Dialog) deepLink(payload string) string {
	return fmt.Sprintf("https://t.me/%s?start=%s", d.botUsername, payload)
}

// noticeFor is the fixed user-facing text for an error kind
func noticeFor(err error) string {
	switch apperrors.KindOf(err) {
	case apperrors.ErrValidation:
		if e, ok := apperrors.As(err); ok {
			return "❌ " + html.EscapeString(e.Message)
		}
		return "❌ Invalid input."
	case apperrors.ErrInsufficientFunds:
		return "❌ Not enough balance."
	case apperrors.ErrForbidden:
		return "⛔ This action is not available to you right now."
	case apperrors.ErrNotFound:
		return "❌ Not found. The link may be wrong or expired."
	case apperrors.ErrInvalidState, apperrors.ErrConflict:
		return "⚠️ This deal has moved on. Check /deals for its current state."
	case apperrors.ErrAlreadyProcessed:
		return "✅ Already done."
	case apperrors.ErrConfigurationMissing:
		return "🛠 This feature is not set up yet. Please contact support."
	}
	return "⚠️ Something went wrong. Please try again later."
}

func lines(parts ...string) string {
	return strings.Join(parts, "\n")
}

func ref(id string) string {
	return "<i>Deal</i> <code>" + html.EscapeString(id) + "</code>"
}
