// Package core defines the domain types and interfaces shared by the
// intake gateway, the execution worker and the reconciler.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Exchange tags supported by the adapter layer.
const (
	ExchangeBinance  = "binance"
	ExchangeBybit    = "bybit"
	ExchangeOKX      = "okx"
	ExchangeCoinbase = "coinbase"
	ExchangeBitget   = "bitget"
)

// SupportedExchanges lists every exchange tag the factory can build.
var SupportedExchanges = []string{
	ExchangeBinance, ExchangeBybit, ExchangeOKX, ExchangeCoinbase, ExchangeBitget,
}

// Alert actions.
const (
	ActionBuy      = "buy"
	ActionSell     = "sell"
	ActionClose    = "close"
	ActionCloseAll = "close_all"
)

// Size modes.
const (
	SizeModeQuote      = "quote"
	SizeModeBase       = "base"
	SizeModeContracts  = "contracts"
	SizeModePercentage = "percentage"
	SizeModeFixedUSDT  = "fixed_usdt"
)

// Job statuses.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobCancelled  = "cancelled"
)

// Webhook statuses.
const (
	WebhookActive   = "active"
	WebhookPaused   = "paused"
	WebhookDisabled = "disabled"
	WebhookError    = "error"
)

// Order sides, types and statuses.
const (
	SideBuy  = "buy"
	SideSell = "sell"

	OrderTypeMarket     = "market"
	OrderTypeLimit      = "limit"
	OrderTypeStop       = "stop"
	OrderTypeStopLimit  = "stop_limit"
	OrderTypeTakeProfit = "take_profit"

	OrderPending         = "pending"
	OrderSubmitted       = "submitted"
	OrderOpen            = "open"
	OrderPartiallyFilled = "partially_filled"
	OrderFilled          = "filled"
	OrderCancelled       = "cancelled"
	OrderRejected        = "rejected"
	OrderExpired         = "expired"
	OrderFailed          = "failed"
)

// Position sides.
const (
	PositionLong  = "long"
	PositionShort = "short"
)

// User is the identity envelope owning accounts, webhooks and jobs.
type User struct {
	ID       string
	Email    string
	Name     string
	IsActive bool
}

// ExchangeAccount is a credential-scoped trading identity at one
// exchange. Credential fields hold vault ciphertext, never plaintext.
type ExchangeAccount struct {
	ID            string
	UserID        string
	Name          string
	Exchange      string
	Testnet       bool
	IsActive      bool
	IsPrimary     bool
	APIKeyEnc     string
	SecretEnc     string
	PassphraseEnc string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Credentials is the decrypted API credential bundle. It only ever
// lives on the stack of one job handler.
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// Webhook is a signed ingress endpoint.
type Webhook struct {
	ID                string
	UserID            string
	URLPath           string
	Secret            string
	IsPublic          bool
	Status            string
	RatePerMinute     int
	RatePerHour       int
	ErrorThreshold    int
	ConsecutiveErrors int
	TotalDeliveries   int64
	TotalFailures     int64
}

// Alert is the validated inbound payload. Raw preserves the verbatim
// body including unknown fields.
type Alert struct {
	Ticker     string          `json:"ticker"`
	Action     string          `json:"action"`
	AlertID    string          `json:"alert_id"`
	Strategy   string          `json:"strategy,omitempty"`
	SizeMode   string          `json:"size_mode,omitempty"`
	SizeValue  decimal.Decimal `json:"size_value,omitempty"`
	Quantity   decimal.Decimal `json:"quantity,omitempty"`
	Contracts  decimal.Decimal `json:"contracts,omitempty"`
	Leverage   int             `json:"leverage,omitempty"`
	StopLoss   decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit decimal.Decimal `json:"take_profit,omitempty"`
	ReduceOnly bool            `json:"reduce_only,omitempty"`
	Exchange   string          `json:"exchange,omitempty"`
	MarketType string          `json:"market_type,omitempty"`
	AccountID  string          `json:"account_id,omitempty"`

	Raw []byte `json:"-"`
}

// Job is the durable commitment to execute one alert. AlertID is the
// deduplication key: exactly one Job exists per alert identifier.
type Job struct {
	ID          string
	AlertID     string
	AccountID   string
	UserID      string
	WebhookID   string
	Payload     []byte
	Status      string
	RetryCount  int
	LastError   string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Order is a submitted exchange order. ClientOrderID is the
// exchange-side idempotency token.
type Order struct {
	ID              string
	ClientOrderID   string
	ExchangeOrderID string
	Exchange        string
	AccountID       string
	Symbol          string
	Side            string
	Type            string
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	Filled          decimal.Decimal
	Remaining       decimal.Decimal
	Status          string
	ReduceOnly      bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Trade is an execution fill. (TradeID, OrderID) is unique.
type Trade struct {
	TradeID     string
	OrderID     string
	AccountID   string
	Symbol      string
	Side        string
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	Fee         decimal.Decimal
	FeeCurrency string
	Timestamp   time.Time
}

// Position is the currently open exposure for one symbol. At most one
// open position exists per (account, symbol); a closed position is
// deleted during reconciliation, never kept at size zero.
type Position struct {
	AccountID        string
	Symbol           string
	Exchange         string
	Side             string
	Size             decimal.Decimal
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	RealizedPnL      decimal.Decimal
	Leverage         int
	LiquidationPrice decimal.Decimal
	UpdatedAt        time.Time
}

// PnLRecord is an append-only snapshot emitted after a reconciliation
// cycle.
type PnLRecord struct {
	AccountID     string
	UserID        string
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Equity        decimal.Decimal
	Timestamp     time.Time
}

// Ticker is a spot/last price observation.
type Ticker struct {
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time
}

// PlaceOrderRequest is the canonical order the worker hands to an
// adapter. The adapter translates it into the exchange's native shape,
// including protective legs.
type PlaceOrderRequest struct {
	Symbol        string
	Side          string
	Type          string
	Amount        decimal.Decimal
	Price         decimal.Decimal
	ClientOrderID string
	ReduceOnly    bool
	StopLoss      decimal.Decimal
	TakeProfit    decimal.Decimal
}

// BalanceCheck is the adapter-local pre-flight margin verdict.
type BalanceCheck struct {
	IsValid bool
	Reason  string
}

// AccountUpdateEvent is published on the shared pub/sub channel after
// each successful reconciliation cycle.
type AccountUpdateEvent struct {
	Type      string `json:"type"`
	AccountID string `json:"accountId"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}
