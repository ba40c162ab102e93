package telegram

import (
	"github.com/go-telegram/bot/models"

	"github.com/suspectuso/ton-escrow/internal/storage"
)

// Callback data prefixes, each followed by a transaction id
const (
	cbPay     = "pay:"
	cbSent    = "sent:"
	cbReceive = "recv:"
	cbDispute = "dispute:"
	cbCancel  = "cancel:"
)

func MainKeyboard() *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{
				{Text: "💰 Balance", CallbackData: "balance"},
				{Text: "📤 Withdraw", CallbackData: "withdraw"},
			},
		},
	}
}

// BuyerKeyboard shows what the buyer can do with the deal right now
func BuyerKeyboard(t *storage.Transaction) *models.InlineKeyboardMarkup {
	var rows [][]models.InlineKeyboardButton
	switch t.Status {
	case storage.TxPendingPayment:
		rows = append(rows,
			[]models.InlineKeyboardButton{{Text: "💳 Pay from balance", CallbackData: cbPay + t.ID}},
			[]models.InlineKeyboardButton{{Text: "✖️ Cancel", CallbackData: cbCancel + t.ID}},
		)
	case storage.TxItemSent:
		rows = append(rows,
			[]models.InlineKeyboardButton{{Text: "✅ I received it", CallbackData: cbReceive + t.ID}},
			[]models.InlineKeyboardButton{{Text: "⚠️ Open dispute", CallbackData: cbDispute + t.ID}},
		)
	case storage.TxPaymentReceived:
		rows = append(rows,
			[]models.InlineKeyboardButton{{Text: "⚠️ Open dispute", CallbackData: cbDispute + t.ID}},
		)
	}
	if len(rows) == 0 {
		return nil
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// SellerKeyboard is attached to the "payment received" message
func SellerKeyboard(txID string) *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{{Text: "📦 Item sent", CallbackData: cbSent + txID}},
			{{Text: "⚠️ Open dispute", CallbackData: cbDispute + txID}},
		},
	}
}

func WithdrawMethodKeyboard() *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{
				{Text: "TON", CallbackData: "wd:" + string(storage.MethodTON)},
				{Text: "KBZPay", CallbackData: "wd:" + string(storage.MethodKBZPay)},
				{Text: "WavePay", CallbackData: "wd:" + string(storage.MethodWavePay)},
			},
		},
	}
}
