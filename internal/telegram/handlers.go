package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// Bot connects the Dialog to Telegram long polling
type Bot struct {
	bot    *bot.Bot
	dialog *Dialog
	log    *slog.Logger
}

// New connects to Telegram. Updates are ignored until Handle attaches
// a Dialog.
func New(token string, log *slog.Logger) (*Bot, error) {
	b := &Bot{log: log.With("component", "telegram")}

	opts := []bot.Option{
		bot.WithDefaultHandler(b.defaultHandler),
		bot.WithCallbackQueryDataHandler("", bot.MatchTypePrefix, b.callbackHandler),
	}

	tgBot, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	b.bot = tgBot
	return b, nil
}

// Handle attaches the dialog and registers the commands. Call it before Start.
func (b *Bot) Handle(dialog *Dialog) {
	b.dialog = dialog

	commands := map[string]func(ctx context.Context, u User, args string) []Reply{
		"/start": dialog.Start,
		"/balance": func(ctx context.Context, u User, _ string) []Reply {
			return dialog.Balance(ctx, u)
		},
		"/sell":    dialog.Sell,
		"/deposit": dialog.Deposit,
		"/deals": func(ctx context.Context, u User, _ string) []Reply {
			return dialog.Deals(ctx, u)
		},
		"/withdraw": dialog.Withdraw,
		"/wallet":   dialog.Wallet,
	}
	for name, fn := range commands {
		b.bot.RegisterHandler(bot.HandlerTypeMessageText, name, bot.MatchTypeExact, b.command(fn))
		b.bot.RegisterHandler(bot.HandlerTypeMessageText, name+" ", bot.MatchTypePrefix, b.command(fn))
	}
}

// Start blocks polling updates until ctx is done
func (b *Bot) Start(ctx context.Context) {
	b.bot.Start(ctx)
}

func (b *Bot) command(fn func(ctx context.Context, u User, args string) []Reply) bot.HandlerFunc {
	return func(ctx context.Context, _ *bot.Bot, update *models.Update) {
		msg := update.Message
		if msg == nil || msg.From == nil {
			return
		}
		_, args, _ := strings.Cut(strings.TrimSpace(msg.Text), " ")
		b.send(ctx, msg.Chat.ID, fn(ctx, userOf(msg.From), args))
	}
}

func (b *Bot) defaultHandler(ctx context.Context, _ *bot.Bot, update *models.Update) {
	msg := update.Message
	if b.dialog == nil || msg == nil || msg.From == nil || msg.Text == "" {
		return
	}
	b.send(ctx, msg.Chat.ID, b.dialog.Text(ctx, userOf(msg.From), msg.Text))
}

func (b *Bot) callbackHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	cb := update.CallbackQuery
	if b.dialog == nil || cb == nil {
		return
	}

	// clears the loading state on the button
	if _, err := tgBot.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{CallbackQueryID: cb.ID}); err != nil {
		b.log.Debug("answer callback", "error", err)
	}

	chatID := cb.From.ID
	if cb.Message.Message != nil {
		chatID = cb.Message.Message.Chat.ID
	}
	b.send(ctx, chatID, b.dialog.Callback(ctx, userOf(&cb.From), cb.Data))
}

func (b *Bot) send(ctx context.Context, chatID int64, replies []Reply) {
	for _, r := range replies {
		params := &bot.SendMessageParams{
			ChatID:    chatID,
			Text:      r.Text,
			ParseMode: models.ParseModeHTML,
		}
		if r.Keyboard != nil {
			params.ReplyMarkup = r.Keyboard
		}
		if _, err := b.bot.SendMessage(ctx, params); err != nil {
			b.log.Error("send message", "chat_id", chatID, "error", err)
		}
	}
}

// SendNotification sends an HTML message without link previews
func (b *Bot) SendNotification(ctx context.Context, chatID int64, text string) error {
	disablePreview := true
	_, err := b.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
		LinkPreviewOptions: &models.LinkPreviewOptions{
			IsDisabled: &disablePreview,
		},
	})
	return err
}

func userOf(u *models.User) User {
	return User{ID: u.ID, Username: u.Username}
}
