package tonapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/tonkeeper/tongo/ton"
	"golang.org/x/time/rate"

	"github.com/suspectuso/ton-escrow/internal/metrics"
	"github.com/suspectuso/ton-escrow/internal/money"
)

// ErrNotFound is returned for 404 answers
var ErrNotFound = errors.New("tonapi: not found")

// APIError is a non-2xx answer from TonAPI
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tonapi error %d: %s", e.Status, e.Body)
}

// Client is a TonAPI HTTP client. Calls are throttled to the configured
// rate and stop for a while after repeated upstream failures.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	metrics    *metrics.Metrics
}

// NewClient builds a client for baseURL. apiKey may be empty for the
// public tier; rps below or equal to zero means one request per second.
func NewClient(baseURL, apiKey string, rps float64, log *slog.Logger) *Client {
	if rps <= 0 {
		rps = 1
	}
	log = log.With("component", "tonapi")

	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "tonapi",
			MaxRequests: 2,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				// a 4xx is our fault, not an outage
				var apiErr *APIError
				return err == nil || errors.Is(err, ErrNotFound) ||
					(errors.As(err, &apiErr) && apiErr.Status < 500)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			},
		}),
		metrics: metrics.Default(),
	}
}

// call throttles, guards and measures a single round trip. endpoint only
// labels the metrics.
func (c *Client) call(ctx context.Context, endpoint, method, path string, payload any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("tonapi %s: wait for rate limit: %w", endpoint, err)
	}

	started := time.Now()
	out, err := c.breaker.Execute(func() (any, error) {
		return c.roundTrip(ctx, method, path, payload)
	})
	c.metrics.TonAPILatency.WithLabelValues(endpoint).Observe(time.Since(started).Seconds())
	c.metrics.TonAPIRequests.WithLabelValues(endpoint, outcome(err)).Inc()

	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "circuit_open"
	default:
		return "error"
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload any) ([]byte, error) {
	req, err := c.newRequest(ctx, method, path, payload)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", method, path, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, &APIError{Status: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}

// fetch GETs path and decodes the JSON answer into out
func (c *Client) fetch(ctx context.Context, endpoint, path string, out any) error {
	return c.send(ctx, endpoint, http.MethodGet, path, nil, out)
}

// send issues a request and decodes the answer into out when out is non-nil
func (c *Client) send(ctx context.Context, endpoint, method, path string, payload, out any) error {
	raw, err := c.call(ctx, endpoint, method, path, payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("tonapi %s: decode answer: %w", endpoint, err)
	}
	return nil
}

// GetAccountInfo looks up an account by any address form
func (c *Client) GetAccountInfo(ctx context.Context, address string) (*AccountInfo, error) {
	info := new(AccountInfo)
	if err := c.fetch(ctx, "account", "/accounts/"+address, info); err != nil {
		return nil, err
	}
	return info, nil
}

// GetBalance is the account balance converted from nanoTON
func (c *Client) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	info, err := c.GetAccountInfo(ctx, address)
	if err != nil {
		return decimal.Zero, err
	}
	return money.NanoToTON(info.Balance), nil
}

// GetEvents lists up to limit events for address, newest first
func (c *Client) GetEvents(ctx context.Context, address string, limit int) ([]Event, error) {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	var page EventsResponse
	if err := c.fetch(ctx, "events", "/accounts/"+address+"/events?"+q.Encode(), &page); err != nil {
		return nil, err
	}
	return page.Events, nil
}

// GetEventByHash resolves a transaction hash or event id to its event
func (c *Client) GetEventByHash(ctx context.Context, txHash string) (*Event, error) {
	ev := new(Event)
	if err := c.fetch(ctx, "event", "/events/"+txHash, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// ListWebhooks lists the webhooks registered for the API key
func (c *Client) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	var list WebhookListResponse
	if err := c.fetch(ctx, "webhooks", "/webhooks", &list); err != nil {
		return nil, err
	}
	return list.Webhooks, nil
}

// CreateWebhook registers endpoint as a new webhook target
func (c *Client) CreateWebhook(ctx context.Context, endpoint string) (*Webhook, error) {
	hook := new(Webhook)
	err := c.send(ctx, "webhooks", http.MethodPost, "/webhooks", map[string]string{"endpoint": endpoint}, hook)
	if err != nil {
		return nil, err
	}
	return hook, nil
}

// SubscribeAccounts asks TonAPI to push account transactions to the webhook
func (c *Client) SubscribeAccounts(ctx context.Context, webhookID int64, accounts []string) error {
	path := "/webhooks/" + strconv.FormatInt(webhookID, 10) + "/account-tx/subscribe"
	return c.send(ctx, "webhook_subscribe", http.MethodPost, path, map[string][]string{"accounts": accounts}, nil)
}

// TransferAmount is the transferred value in TON
func TransferAmount(t *TonTransfer) decimal.Decimal {
	return money.NanoToTON(t.Amount)
}

// NormalizeAddress returns the raw workchain:hex form, or addr unchanged
// when it does not parse
func NormalizeAddress(addr string) string {
	if addr == "" {
		return ""
	}
	if acc, err := ton.ParseAccountID(addr); err == nil {
		return acc.String()
	}
	return addr
}

// SameAccount reports whether two addresses in any format name one account
func SameAccount(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return NormalizeAddress(a) == NormalizeAddress(b)
}

// ShortAddr keeps n characters from each end of addr for log lines
func ShortAddr(addr string, n int) string {
	switch {
	case addr == "":
		return "unknown"
	case len(addr) <= 2*n+2:
		return addr
	}
	return addr[:n] + "…" + addr[len(addr)-n:]
}

// EventKey is the idempotency key of one transfer inside an event
func EventKey(eventID string, actionIndex int) string {
	return eventID + ":" + strconv.Itoa(actionIndex)
}
