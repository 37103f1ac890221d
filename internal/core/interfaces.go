package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IExchange is the uniform capability set the core uses against any
// exchange. Adapters classify errors at this boundary; raw transport
// errors never leak to callers. Adapters do not retry internally.
type IExchange interface {
	// Name returns the exchange tag.
	Name() string

	// Ping is a connectivity probe.
	Ping(ctx context.Context) error

	// NormalizeSymbol maps a ticker as written in an alert to the
	// exchange's canonical symbol. Pure.
	NormalizeSymbol(raw string) string

	// GetTicker returns the spot/last price for a canonical symbol.
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)

	// GetBalances returns spendable balances keyed by currency.
	GetBalances(ctx context.Context) (map[string]decimal.Decimal, error)

	// GetPositions returns live open positions, optionally filtered by
	// symbol (empty string means all).
	GetPositions(ctx context.Context, symbol string) ([]*Position, error)

	// GetOpenOrders returns unfilled orders, optionally filtered.
	GetOpenOrders(ctx context.Context, symbol string) ([]*Order, error)

	// GetTrades returns execution fills since the watermark. A zero
	// since means unbounded.
	GetTrades(ctx context.Context, symbol string, since time.Time) ([]*Trade, error)

	// SetLeverage is best-effort; spot adapters report it as ignored.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// PlaceOrder submits a canonical order and returns the accepted
	// exchange order.
	PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*Order, error)

	// CancelOrder is best-effort.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// ValidateBalance is the adapter-local pre-flight margin check.
	ValidateBalance(ctx context.Context, symbol, side string, amount, price decimal.Decimal, leverage int) (*BalanceCheck, error)
}

// IVault encrypts and decrypts API credentials at rest.
type IVault interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	EncryptCredentials(creds *Credentials) (apiKey, secret, passphrase string, err error)
	DecryptCredentials(apiKeyEnc, secretEnc, passphraseEnc string) (*Credentials, error)
}

// IStore is the relational persistence contract.
type IStore interface {
	Ping(ctx context.Context) error
	Close()

	// Webhooks
	GetWebhookByPath(ctx context.Context, urlPath string) (*Webhook, error)
	// RecordWebhookDelivery updates delivery counters and the
	// consecutive-error counter; it reports whether the webhook was
	// auto-paused by this delivery.
	RecordWebhookDelivery(ctx context.Context, webhookID string, success bool) (paused bool, err error)

	// Accounts
	GetAccount(ctx context.Context, id string) (*ExchangeAccount, error)
	GetPrimaryAccount(ctx context.Context, userID, exchange string) (*ExchangeAccount, error)
	ListActiveAccounts(ctx context.Context) ([]*ExchangeAccount, error)
	DeactivateAccount(ctx context.Context, id, reason string) error

	// Jobs. CreateJob inserts keyed by alert id; when the key already
	// exists it returns created=false with the existing row.
	CreateJob(ctx context.Context, job *Job) (created bool, existing *Job, err error)
	GetJob(ctx context.Context, id string) (*Job, error)
	MarkJobProcessing(ctx context.Context, id string) error
	MarkJobCompleted(ctx context.Context, id string) error
	MarkJobFailed(ctx context.Context, id, lastError string) error

	// Orders
	UpsertOrder(ctx context.Context, order *Order) error
	GetLatestOpenOrder(ctx context.Context, accountID, symbol string) (*Order, error)
	// ListOpenOrderSymbols returns the symbols of orders still in a
	// non-terminal status for the account.
	ListOpenOrderSymbols(ctx context.Context, accountID string) ([]string, error)
	FindOrderForTrade(ctx context.Context, accountID, exchangeOrderID, clientOrderID string) (*Order, error)
	UpdateOrderFill(ctx context.Context, orderID string, filled, remaining decimal.Decimal, status string) error

	// Positions. ReplacePositions is the transactional set-replace:
	// upsert the given set, delete everything else for the account.
	ReplacePositions(ctx context.Context, accountID string, positions []*Position) error
	GetPositions(ctx context.Context, accountID string) ([]*Position, error)

	// Trades
	LatestTradeTime(ctx context.Context, accountID, symbol string) (time.Time, error)
	InsertTrade(ctx context.Context, trade *Trade) (inserted bool, err error)

	// PnL
	InsertPnLRecord(ctx context.Context, rec *PnLRecord) error
}

// IQueue is the durable enqueue side of the job queue facade.
type IQueue interface {
	// EnqueueExecute schedules one execution job keyed by alert id;
	// re-enqueueing the same alert id is a no-op.
	EnqueueExecute(ctx context.Context, jobID, alertID string) error
	// EnqueueReconcile schedules a reconcile for one account after the
	// given delay. A still-inflight cycle for the account is skipped.
	EnqueueReconcile(ctx context.Context, accountID string, delay time.Duration) error
	Close() error
}

// IPublisher emits outbound events on the shared pub/sub channel.
type IPublisher interface {
	PublishAccountUpdate(ctx context.Context, ev *AccountUpdateEvent) error
}

// IRateLimiter enforces the per-webhook ingress limits.
type IRateLimiter interface {
	// Allow consumes one slot against both windows; it reports false
	// when either window is exhausted.
	Allow(ctx context.Context, key string, perMinute, perHour int) (bool, error)
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
