// Package coinbase implements the exchange adapter for Coinbase
// Advanced Trade. Coinbase is spot-only here: leverage is ignored and
// the exchange reports no derivative positions.
package coinbase

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tradehook/internal/config"
	"tradehook/internal/core"
	"tradehook/internal/exchange/base"
	apperrors "tradehook/pkg/errors"

	"github.com/shopspring/decimal"
)

const defaultURL = "https://api.coinbase.com"

type signer struct {
	apiKey string
	secret string
}

// SignRequest applies Coinbase HMAC header auth: hex HMAC-SHA256 over
// timestamp + method + path + body.
func (s *signer) SignRequest(req *http.Request, body []byte) error {
	ts := fmt.Sprintf("%d", time.Now().Unix())

	mac := hmac.New(sha256.New, []byte(s.secret))
	io.WriteString(mac, ts+req.Method+req.URL.Path)
	mac.Write(body)

	req.Header.Set("CB-ACCESS-KEY", s.apiKey)
	req.Header.Set("CB-ACCESS-SIGN", hex.EncodeToString(mac.Sum(nil)))
	req.Header.Set("CB-ACCESS-TIMESTAMP", ts)
	return nil
}

// Exchange implements core.IExchange for Coinbase Advanced Trade.
type Exchange struct {
	*base.Adapter
}

// New creates a Coinbase adapter bound to one credential set. Coinbase
// has no separate testnet host; sandbox deployments override the base
// URL through config.
func New(creds *core.Credentials, testnet bool, cfg config.ExchangeConfig, logger core.ILogger) *Exchange {
	if testnet && cfg.TestnetBaseURL != "" {
		cfg.BaseURL = cfg.TestnetBaseURL
	}
	e := &Exchange{
		Adapter: base.NewAdapter(core.ExchangeCoinbase, defaultURL, cfg,
			&signer{apiKey: creds.APIKey, secret: creds.Secret}, logger),
	}
	e.ParseError = e.parseError
	return e
}

func (e *Exchange) parseError(statusCode int, body []byte) error {
	var errResp struct {
		Error        string `json:"error"`
		Message      string `json:"message"`
		ErrorDetails string `json:"error_details"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return nil
	}
	msg := errResp.Message
	if msg == "" {
		msg = errResp.ErrorDetails
	}
	switch errResp.Error {
	case "INSUFFICIENT_FUND", "INSUFFICIENT_FUNDS":
		return apperrors.Newf(apperrors.KindInsufficientFunds, "coinbase: %s", msg)
	case "UNAUTHENTICATED", "PERMISSION_DENIED":
		return apperrors.Newf(apperrors.KindCredentialsInvalid, "coinbase: %s", msg)
	}
	return nil
}

// Ping probes connectivity against the public time endpoint.
func (e *Exchange) Ping(ctx context.Context) error {
	_, err := e.GetPublic(ctx, "/api/v3/brokerage/time", nil)
	return err
}

// NormalizeSymbol maps an alert ticker to a Coinbase product id, e.g.
// "BTCUSD" becomes "BTC-USD".
func (e *Exchange) NormalizeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimSuffix(s, ".P")
	if strings.Contains(s, "-") {
		return s
	}
	s = strings.NewReplacer("/", "-", "_", "-", ":", "-").Replace(s)
	if strings.Contains(s, "-") {
		return s
	}
	for _, quote := range []string{"USDT", "USDC", "USD", "EUR", "GBP"} {
		if b, ok := strings.CutSuffix(s, quote); ok && b != "" {
			return b + "-" + quote
		}
	}
	return s
}

// GetTicker returns the product's last price.
func (e *Exchange) GetTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	body, err := e.Get(ctx, "/api/v3/brokerage/products/"+symbol, nil)
	if err != nil {
		return nil, err
	}
	var data struct {
		ProductID string `json:"product_id"`
		Price     string `json:"price"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "coinbase ticker decode", err)
	}
	price := e.ParseDecimal(data.Price)
	if price.IsZero() {
		return nil, apperrors.Newf(apperrors.KindPriceUnavailable, "coinbase returned no price for %s", symbol)
	}
	return &core.Ticker{Symbol: data.ProductID, Price: price, Timestamp: time.Now()}, nil
}

// GetBalances returns available balances keyed by currency.
func (e *Exchange) GetBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	body, err := e.Get(ctx, "/api/v3/brokerage/accounts", map[string]string{"limit": "250"})
	if err != nil {
		return nil, err
	}
	var data struct {
		Accounts []struct {
			Currency         string `json:"currency"`
			AvailableBalance struct {
				Value string `json:"value"`
			} `json:"available_balance"`
		} `json:"accounts"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "coinbase balance decode", err)
	}
	balances := make(map[string]decimal.Decimal, len(data.Accounts))
	for _, a := range data.Accounts {
		balances[a.Currency] = e.ParseDecimal(a.AvailableBalance.Value)
	}
	return balances, nil
}

// GetPositions reports no derivative positions on spot.
func (e *Exchange) GetPositions(ctx context.Context, symbol string) ([]*core.Position, error) {
	return nil, nil
}

// GetOpenOrders returns unfilled orders.
func (e *Exchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	params := map[string]string{"order_status": "OPEN"}
	if symbol != "" {
		params["product_id"] = symbol
	}
	body, err := e.Get(ctx, "/api/v3/brokerage/orders/historical/batch", params)
	if err != nil {
		return nil, err
	}
	var data struct {
		Orders []coinbaseOrder `json:"orders"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "coinbase order decode", err)
	}
	orders := make([]*core.Order, 0, len(data.Orders))
	for i := range data.Orders {
		orders = append(orders, e.mapOrder(&data.Orders[i]))
	}
	return orders, nil
}

// GetTrades returns execution fills since the watermark.
func (e *Exchange) GetTrades(ctx context.Context, symbol string, since time.Time) ([]*core.Trade, error) {
	params := map[string]string{"product_id": symbol}
	if !since.IsZero() {
		params["start_sequence_timestamp"] = since.Add(time.Millisecond).UTC().Format(time.RFC3339Nano)
	}
	body, err := e.Get(ctx, "/api/v3/brokerage/orders/historical/fills", params)
	if err != nil {
		return nil, err
	}
	var data struct {
		Fills []struct {
			TradeID    string `json:"trade_id"`
			OrderID    string `json:"order_id"`
			ProductID  string `json:"product_id"`
			Side       string `json:"side"`
			Price      string `json:"price"`
			Size       string `json:"size"`
			Commission string `json:"commission"`
			TradeTime  string `json:"trade_time"`
		} `json:"fills"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "coinbase fill decode", err)
	}
	trades := make([]*core.Trade, 0, len(data.Fills))
	for _, f := range data.Fills {
		ts, _ := time.Parse(time.RFC3339Nano, f.TradeTime)
		trades = append(trades, &core.Trade{
			TradeID:     f.TradeID,
			OrderID:     f.OrderID,
			Symbol:      f.ProductID,
			Side:        strings.ToLower(f.Side),
			Price:       e.ParseDecimal(f.Price),
			Quantity:    e.ParseDecimal(f.Size),
			Fee:         e.ParseDecimal(f.Commission),
			FeeCurrency: quoteCurrency(f.ProductID),
			Timestamp:   ts,
		})
	}
	return trades, nil
}

// SetLeverage is ignored on spot.
func (e *Exchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage > 1 {
		e.Logger.Debug("Leverage ignored on spot exchange", "symbol", symbol, "leverage", leverage)
	}
	return nil
}

// PlaceOrder submits a market IOC order. Protective legs are not
// supported on the spot API and are ignored with a warning.
func (e *Exchange) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	if !req.StopLoss.IsZero() || !req.TakeProfit.IsZero() {
		e.Logger.Warn("Protective legs unsupported on coinbase spot, skipping",
			"symbol", req.Symbol)
	}

	payload := map[string]interface{}{
		"client_order_id": req.ClientOrderID,
		"product_id":      req.Symbol,
		"side":            strings.ToUpper(req.Side),
		"order_configuration": map[string]interface{}{
			"market_market_ioc": map[string]string{
				"base_size": req.Amount.String(),
			},
		},
	}

	body, err := e.Post(ctx, "/api/v3/brokerage/orders", payload)
	if err != nil {
		return nil, err
	}
	var data struct {
		Success       bool   `json:"success"`
		OrderID       string `json:"order_id"`
		ErrorResponse struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		} `json:"error_response"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "coinbase order decode", err)
	}
	if !data.Success {
		if strings.Contains(data.ErrorResponse.Error, "INSUFFICIENT") {
			return nil, apperrors.Newf(apperrors.KindInsufficientFunds, "coinbase: %s", data.ErrorResponse.Message)
		}
		return nil, apperrors.Newf(apperrors.KindExchangeLogical, "coinbase %s: %s",
			data.ErrorResponse.Error, data.ErrorResponse.Message)
	}
	return &core.Order{
		ExchangeOrderID: data.OrderID,
		ClientOrderID:   req.ClientOrderID,
		Exchange:        core.ExchangeCoinbase,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            core.OrderTypeMarket,
		Quantity:        req.Amount,
		Price:           req.Price,
		Remaining:       req.Amount,
		Status:          core.OrderSubmitted,
		UpdatedAt:       time.Now(),
	}, nil
}

// CancelOrder is best-effort.
func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := e.Post(ctx, "/api/v3/brokerage/orders/batch_cancel", map[string]interface{}{
		"order_ids": []string{orderID},
	})
	return err
}

// ValidateBalance checks the funding side of the book: quote balance
// for buys, base balance for sells.
func (e *Exchange) ValidateBalance(ctx context.Context, symbol, side string, amount, price decimal.Decimal, leverage int) (*core.BalanceCheck, error) {
	balances, err := e.GetBalances(ctx)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(side, core.SideSell) {
		free := balances[baseCurrency(symbol)]
		if free.LessThan(amount) {
			return &core.BalanceCheck{
				IsValid: false,
				Reason: fmt.Sprintf("sell size %s exceeds free %s balance %s",
					amount.String(), baseCurrency(symbol), free.String()),
			}, nil
		}
		return &core.BalanceCheck{IsValid: true}, nil
	}
	return base.CheckMargin(balances[quoteCurrency(symbol)], amount, price, 1), nil
}

type coinbaseOrder struct {
	OrderID            string `json:"order_id"`
	ClientOrderID      string `json:"client_order_id"`
	ProductID          string `json:"product_id"`
	Side               string `json:"side"`
	Status             string `json:"status"`
	FilledSize         string `json:"filled_size"`
	AverageFilledPrice string `json:"average_filled_price"`
	OrderConfiguration struct {
		MarketMarketIOC struct {
			BaseSize string `json:"base_size"`
		} `json:"market_market_ioc"`
		LimitLimitGTC struct {
			BaseSize   string `json:"base_size"`
			LimitPrice string `json:"limit_price"`
		} `json:"limit_limit_gtc"`
	} `json:"order_configuration"`
}

func (e *Exchange) mapOrder(o *coinbaseOrder) *core.Order {
	qty := e.ParseDecimal(o.OrderConfiguration.MarketMarketIOC.BaseSize)
	typ := core.OrderTypeMarket
	price := e.ParseDecimal(o.AverageFilledPrice)
	if qty.IsZero() {
		qty = e.ParseDecimal(o.OrderConfiguration.LimitLimitGTC.BaseSize)
		typ = core.OrderTypeLimit
		if price.IsZero() {
			price = e.ParseDecimal(o.OrderConfiguration.LimitLimitGTC.LimitPrice)
		}
	}
	filled := e.ParseDecimal(o.FilledSize)
	return &core.Order{
		ExchangeOrderID: o.OrderID,
		ClientOrderID:   o.ClientOrderID,
		Exchange:        core.ExchangeCoinbase,
		Symbol:          o.ProductID,
		Side:            strings.ToLower(o.Side),
		Type:            typ,
		Quantity:        qty,
		Price:           price,
		Filled:          filled,
		Remaining:       qty.Sub(filled),
		Status:          mapOrderStatus(o.Status),
		UpdatedAt:       time.Now(),
	}
}

func mapOrderStatus(raw string) string {
	switch raw {
	case "OPEN", "PENDING", "QUEUED":
		return core.OrderOpen
	case "FILLED":
		return core.OrderFilled
	case "CANCELLED":
		return core.OrderCancelled
	case "EXPIRED":
		return core.OrderExpired
	case "FAILED":
		return core.OrderFailed
	default:
		return core.OrderSubmitted
	}
}

func baseCurrency(product string) string {
	if i := strings.Index(product, "-"); i > 0 {
		return product[:i]
	}
	return product
}

func quoteCurrency(product string) string {
	if i := strings.Index(product, "-"); i > 0 {
		return product[i+1:]
	}
	return "USD"
}
