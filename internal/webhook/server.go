package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/suspectuso/ton-escrow/internal/tonapi"
)

// EventHandler consumes one chain event for the watched account
type EventHandler interface {
	HandleEvent(ctx context.Context, event *tonapi.Event)
}

type eventFetcher interface {
	GetEventByHash(ctx context.Context, txHash string) (*tonapi.Event, error)
}

// Handler receives TonAPI account-tx pushes. It answers 200 right away
// and processes the event in the background; the watcher's poll loop
// catches anything lost here.
type Handler struct {
	fetcher eventFetcher
	handler EventHandler
	account string
	log     *slog.Logger
	timeout time.Duration

	wg sync.WaitGroup
}

// NewHandler creates a new webhook handler for the watched account
func NewHandler(fetcher eventFetcher, handler EventHandler, account string, log *slog.Logger) *Handler {
	return &Handler{
		fetcher: fetcher,
		handler: handler,
		account: tonapi.NormalizeAddress(account),
		log:     log.With("component", "webhook"),
		timeout: 30 * time.Second,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var payload tonapi.WebhookPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&payload); err != nil {
		h.log.Warn("invalid webhook payload", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// mempool and new_contract pushes carry nothing to settle
	if payload.EventType == "mempool_msg" || payload.EventType == "new_contract" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if payload.AccountID == "" || !tonapi.SameAccount(payload.AccountID, h.account) {
		h.log.Debug("webhook for foreign account ignored", "account", tonapi.ShortAddr(payload.AccountID, 6))
		w.WriteHeader(http.StatusOK)
		return
	}

	h.log.Debug("webhook received",
		"tx_hash", truncate(payload.TxHash, 10),
		"has_event", payload.Event != nil,
	)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		h.process(ctx, payload)
	}()

	w.WriteHeader(http.StatusOK)
}

// Wait blocks until in-flight pushes are processed
func (h *Handler) Wait() { h.wg.Wait() }

func (h *Handler) process(ctx context.Context, payload tonapi.WebhookPayload) {
	event := payload.Event
	if event == nil {
		if payload.TxHash == "" {
			h.log.Warn("no event data and no tx_hash")
			return
		}
		var err error
		event, err = h.fetcher.GetEventByHash(ctx, payload.TxHash)
		if err != nil {
			h.log.Warn("fetch event by hash", "error", err, "tx_hash", payload.TxHash)
			return
		}
	}
	if event.EventID == "" {
		h.log.Warn("no event_id in event")
		return
	}

	h.handler.HandleEvent(ctx, event)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
