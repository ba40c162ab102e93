package tonapi

// Event is one TonAPI account event. A single blockchain transaction
// may surface as several actions.
type Event struct {
	EventID    string   `json:"event_id"`
	Timestamp  int64    `json:"timestamp"`
	Actions    []Action `json:"actions"`
	IsScam     bool     `json:"is_scam"`
	InProgress bool     `json:"in_progress"`
}

// Action is a typed step of an Event. Only TonTransfer is decoded.
type Action struct {
	Type        string       `json:"type"`
	Status      string       `json:"status"`
	TonTransfer *TonTransfer `json:"TonTransfer,omitempty"`
}

// TonTransfer moves Amount nanoTON from Sender to Recipient
type TonTransfer struct {
	Sender    Account `json:"sender"`
	Recipient Account `json:"recipient"`
	Amount    int64   `json:"amount"`
	Comment   string  `json:"comment,omitempty"`
}

// Account is the address block TonAPI attaches to actions
type Account struct {
	Address  string `json:"address"`
	Name     string `json:"name,omitempty"`
	IsScam   bool   `json:"is_scam,omitempty"`
	IsWallet bool   `json:"is_wallet,omitempty"`
}

// AccountInfo is the subset of /accounts/{id} the escrow reads
type AccountInfo struct {
	Address string `json:"address"`
	Balance int64  `json:"balance"`
	Status  string `json:"status"`
}

// EventsResponse is one page of /accounts/{id}/events
type EventsResponse struct {
	Events []Event `json:"events"`
}

// WebhookPayload is the body TonAPI posts to our webhook. Event is only
// present on some plans; otherwise TxHash must be resolved.
type WebhookPayload struct {
	EventType string `json:"event_type,omitempty"`
	AccountID string `json:"account_id,omitempty"`
	TxHash    string `json:"tx_hash,omitempty"`
	Lt        int64  `json:"lt,omitempty"`
	Event     *Event `json:"event,omitempty"`
}

// Webhook is a registered push target
type Webhook struct {
	ID       int64    `json:"webhook_id"`
	Endpoint string   `json:"endpoint"`
	Accounts []string `json:"subscribed_accounts,omitempty"`
}

type WebhookListResponse struct {
	Webhooks []Webhook `json:"webhooks"`
}

// IncomingTransfers returns the successful TON transfers in e that were
// paid to account, with their action index.
func IncomingTransfers(e *Event, account string) map[int]*TonTransfer {
	out := map[int]*TonTransfer{}
	if e == nil || e.IsScam || e.InProgress {
		return out
	}
	for i, a := range e.Actions {
		if a.Type != "TonTransfer" || a.TonTransfer == nil {
			continue
		}
		if a.Status != "" && a.Status != "ok" {
			continue
		}
		if !SameAccount(a.TonTransfer.Recipient.Address, account) {
			continue
		}
		out[i] = a.TonTransfer
	}
	return out
}
