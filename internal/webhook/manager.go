package webhook

import (
	"context"
	"log/slog"
	"sync"

	"github.com/suspectuso/ton-escrow/internal/tonapi"
)

type webhookAPI interface {
	ListWebhooks(ctx context.Context) ([]tonapi.Webhook, error)
	CreateWebhook(ctx context.Context, endpoint string) (*tonapi.Webhook, error)
	SubscribeAccounts(ctx context.Context, webhookID int64, accounts []string) error
}

// Manager keeps a TonAPI webhook pointed at our endpoint and subscribed
// to the custody wallet
type Manager struct {
	api      webhookAPI
	endpoint string
	account  string
	log      *slog.Logger

	mu        sync.Mutex
	webhookID int64
}

// NewManager creates a new webhook manager
func NewManager(api webhookAPI, endpoint, account string, log *slog.Logger) *Manager {
	return &Manager{
		api:      api,
		endpoint: endpoint,
		account:  tonapi.NormalizeAddress(account),
		log:      log.With("component", "webhook"),
	}
}

// Init finds or creates the webhook and subscribes the custody account.
// Without an endpoint the watcher's polling is the only payment source.
func (m *Manager) Init(ctx context.Context) error {
	if m.endpoint == "" || m.account == "" {
		m.log.Warn("webhook endpoint or custody address not set, relying on polling")
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	webhooks, err := m.api.ListWebhooks(ctx)
	if err != nil {
		return err
	}

	for _, wh := range webhooks {
		if wh.Endpoint != m.endpoint {
			continue
		}
		m.webhookID = wh.ID
		for _, acc := range wh.Accounts {
			if tonapi.SameAccount(acc, m.account) {
				m.log.Info("using existing webhook", "id", wh.ID)
				return nil
			}
		}
		return m.subscribe(ctx)
	}

	webhook, err := m.api.CreateWebhook(ctx, m.endpoint)
	if err != nil {
		return err
	}
	m.webhookID = webhook.ID
	m.log.Info("created new webhook", "id", webhook.ID)
	return m.subscribe(ctx)
}

func (m *Manager) subscribe(ctx context.Context) error {
	if err := m.api.SubscribeAccounts(ctx, m.webhookID, []string{m.account}); err != nil {
		return err
	}
	m.log.Info("subscribed custody account", "id", m.webhookID, "account", tonapi.ShortAddr(m.account, 6))
	return nil
}

// WebhookID returns the current webhook ID, 0 before Init
func (m *Manager) WebhookID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.webhookID
}
