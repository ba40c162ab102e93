package notifier

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/suspectuso/ton-escrow/internal/metrics"
	"github.com/suspectuso/ton-escrow/internal/money"
	"github.com/suspectuso/ton-escrow/internal/settings"
	"github.com/suspectuso/ton-escrow/internal/storage"
)

// Sender delivers an HTML message to a Telegram chat
type Sender interface {
	SendNotification(ctx context.Context, chatID int64, text string) error
}

type profileLookup interface {
	GetProfile(ctx context.Context, id string) (*storage.Profile, error)
}

type snapshotter interface {
	Snapshot(ctx context.Context) (settings.Snapshot, error)
}

// Dispatcher sends notifications in the background. Notify never blocks
// on delivery and never reports failure to the caller: a lost message
// is logged and counted, and the ledger change that caused it stands.
type Dispatcher struct {
	profiles profileLookup
	settings snapshotter
	sender   Sender
	log      *slog.Logger
	metrics  *metrics.Metrics
	timeout  time.Duration

	wg sync.WaitGroup
}

// New creates a new Dispatcher
func New(profiles profileLookup, settings snapshotter, sender Sender, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		profiles: profiles,
		settings: settings,
		sender:   sender,
		log:      log.With("component", "notifier"),
		metrics:  metrics.Default(),
		timeout:  15 * time.Second,
	}
}

// Notify queues n for the profile id (or Admin) and returns immediately
func (d *Dispatcher) Notify(recipient string, n Notification) {
	if recipient == "" || n == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("notification panic", "kind", n.Kind(), "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.deliver(ctx, recipient, n); err != nil {
			d.metrics.Notifications.WithLabelValues(n.Kind(), "failed").Inc()
			d.log.Warn("notification not delivered", "kind", n.Kind(), "recipient", recipient, "error", err)
			return
		}
		d.metrics.Notifications.WithLabelValues(n.Kind(), "sent").Inc()
	}()
}

// Wait blocks until queued notifications have been attempted
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, recipient string, n Notification) error {
	chatID, err := d.resolve(ctx, recipient)
	if err != nil {
		return err
	}
	return d.sender.SendNotification(ctx, chatID, Format(n))
}

func (d *Dispatcher) resolve(ctx context.Context, recipient string) (int64, error) {
	if recipient == Admin {
		snap, err := d.settings.Snapshot(ctx)
		if err != nil {
			return 0, fmt.Errorf("load settings: %w", err)
		}
		if snap.AdminTelegramID == 0 {
			return 0, fmt.Errorf("admin chat is not configured")
		}
		return snap.AdminTelegramID, nil
	}

	p, err := d.profiles.GetProfile(ctx, recipient)
	if err != nil {
		return 0, fmt.Errorf("get profile: %w", err)
	}
	return p.TelegramID, nil
}

// Format renders a notification as Telegram HTML
func Format(n Notification) string {
	switch m := n.(type) {
	case PaymentReceived:
		via := "on-chain payment"
		if m.FromBalance {
			via = "internal balance"
		}
		return lines(
			"💰 <b>Payment received</b>",
			"",
			fmt.Sprintf("%s for <b>%s</b>", money.Format(m.Amount, m.Currency), esc(m.Title)),
			fmt.Sprintf("<i>via %s</i>", via),
			"",
			deal(m.TransactionID),
		)
	case ItemSent:
		return lines(
			"📦 <b>Item sent</b>",
			"",
			fmt.Sprintf("The seller marked <b>%s</b> as sent. Confirm receipt once you have it.", esc(m.Title)),
			"",
			deal(m.TransactionID),
		)
	case TransactionCompleted:
		head := "✅ <b>Deal completed</b>"
		if m.AutoConfirmed {
			head = "✅ <b>Deal auto-confirmed</b>"
		}
		return lines(
			head,
			"",
			fmt.Sprintf("<b>%s</b>: %s", esc(m.Title), money.Format(m.Amount, m.Currency)),
			fmt.Sprintf("Commission: %s", money.Format(m.Commission, m.Currency)),
			fmt.Sprintf("Credited to seller: <b>%s</b>", money.Format(m.SellerNet, m.Currency)),
			"",
			deal(m.TransactionID),
		)
	case TransactionCancelled:
		return lines(
			"🚫 <b>Deal cancelled</b>",
			"",
			fmt.Sprintf("<b>%s</b>: %s", esc(m.Title), esc(m.Reason)),
			"",
			deal(m.TransactionID),
		)
	case DisputeOpened:
		by := "seller"
		if m.ByBuyer {
			by = "buyer"
		}
		return lines(
			"⚠️ <b>Dispute opened</b> by the "+by,
			"",
			fmt.Sprintf("<b>%s</b>", esc(m.Title)),
			fmt.Sprintf("💬 <i>%s</i>", esc(m.Reason)),
			"",
			deal(m.TransactionID),
		)
	case DisputeResolved:
		outcome := "in favour of the seller"
		if m.Resolution == "favor_buyer" {
			outcome = "in favour of the buyer, " + money.Format(m.Amount, m.Currency) + " refunded to balance"
		}
		return lines(
			"⚖️ <b>Dispute resolved</b>",
			"",
			fmt.Sprintf("<b>%s</b>: %s", esc(m.Title), outcome),
			"",
			deal(m.TransactionID),
		)
	case WithdrawalRequested:
		return lines(
			"📤 <b>Withdrawal requested</b>",
			"",
			fmt.Sprintf("%s via %s", money.Format(m.Amount, m.Currency), esc(m.Method)),
			fmt.Sprintf("To: <code>%s</code>", esc(m.Destination)),
			"",
			ref("Withdrawal", m.WithdrawalID),
		)
	case WithdrawalApproved:
		out := []string{
			"✅ <b>Withdrawal paid</b>",
			"",
			fmt.Sprintf("%s is on its way", money.Format(m.Payout, m.Currency)),
		}
		if m.Reference != "" {
			out = append(out, fmt.Sprintf("Reference: <code>%s</code>", esc(m.Reference)))
		}
		return lines(append(out, "", ref("Withdrawal", m.WithdrawalID))...)
	case WithdrawalRejected:
		out := []string{
			"❌ <b>Withdrawal rejected</b>",
			"",
			fmt.Sprintf("%s was not paid out. Your balance was not charged.", money.Format(m.Amount, m.Currency)),
		}
		if m.Notes != "" {
			out = append(out, fmt.Sprintf("💬 <i>%s</i>", esc(m.Notes)))
		}
		return lines(append(out, "", ref("Withdrawal", m.WithdrawalID))...)
	case WithdrawalNeedsReview:
		head := "🛑 <b>Automated payout stopped</b>"
		if m.Uncertain {
			head = "❓ <b>Payout outcome unknown, reconcile manually</b>"
		}
		return lines(
			head,
			"",
			money.Format(m.Amount, m.Currency),
			fmt.Sprintf("<code>%s</code>", esc(m.Error)),
			"",
			ref("Withdrawal", m.WithdrawalID),
		)
	case PaymentUnapplied:
		return lines(
			"↩️ <b>Payment credited to balance</b>",
			"",
			fmt.Sprintf("+%s: %s", money.Format(m.Credited, m.Currency), esc(m.Reason)),
			"",
			deal(m.TransactionID),
		)
	case DepositSubmitted:
		out := []string{
			"📥 <b>Deposit awaiting approval</b>",
			"",
			fmt.Sprintf("%s via %s", money.Format(m.Amount, m.Currency), esc(m.Method)),
			fmt.Sprintf("Code: <code>%s</code>", esc(m.Code)),
		}
		if m.Proof != "" {
			out = append(out, fmt.Sprintf("Proof: %s", esc(m.Proof)))
		}
		return lines(append(out, "", ref("Deposit", m.DepositID))...)
	case DepositConfirmed:
		return lines(
			"🟩 <b>Deposit confirmed</b>",
			"",
			fmt.Sprintf("+%s", money.Format(m.Amount, m.Currency)),
			fmt.Sprintf("Balance: <b>%s</b>", money.Format(m.Balance, m.Currency)),
		)
	case DepositRejected:
		out := []string{
			"🟥 <b>Deposit rejected</b>",
			"",
			money.Format(m.Amount, m.Currency),
		}
		if m.Notes != "" {
			out = append(out, fmt.Sprintf("💬 <i>%s</i>", esc(m.Notes)))
		}
		return lines(out...)
	case ReferralEarned:
		return lines(
			"🎁 <b>Referral reward</b>",
			"",
			fmt.Sprintf("+%s from a level %d referral", money.Format(m.Amount, m.Currency), m.Level),
		)
	}
	return ""
}

func lines(parts ...string) string {
	return strings.Join(parts, "\n")
}

func deal(id string) string {
	return ref("Deal", id)
}

func ref(label, id string) string {
	return fmt.Sprintf("<i>%s</i> <code>%s</code>", label, esc(id))
}

func esc(s string) string {
	return html.EscapeString(s)
}
