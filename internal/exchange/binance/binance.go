// Package binance implements the exchange adapter for Binance USDT-M
// futures.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tradehook/internal/config"
	"tradehook/internal/core"
	"tradehook/internal/exchange/base"
	apperrors "tradehook/pkg/errors"

	"github.com/shopspring/decimal"
)

const (
	mainnetURL = "https://fapi.binance.com"
	testnetURL = "https://testnet.binancefuture.com"
)

type signer struct {
	apiKey string
	secret string
}

// SignRequest adds the API key header plus a timestamped HMAC-SHA256
// signature over the query string.
func (s *signer) SignRequest(req *http.Request, body []byte) error {
	req.Header.Set("X-MBX-APIKEY", s.apiKey)

	q := req.URL.Query()
	if q.Get("timestamp") == "" {
		q.Set("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	}

	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write([]byte(q.Encode()))
	q.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	req.URL.RawQuery = q.Encode()
	return nil
}

// Exchange implements core.IExchange for Binance futures.
type Exchange struct {
	*base.Adapter
}

// New creates a Binance adapter bound to one credential set.
func New(creds *core.Credentials, testnet bool, cfg config.ExchangeConfig, logger core.ILogger) *Exchange {
	baseURL := mainnetURL
	if testnet {
		baseURL = testnetURL
		if cfg.TestnetBaseURL != "" {
			cfg.BaseURL = cfg.TestnetBaseURL
		}
	}
	e := &Exchange{
		Adapter: base.NewAdapter(core.ExchangeBinance, baseURL, cfg,
			&signer{apiKey: creds.APIKey, secret: creds.Secret}, logger),
	}
	e.ParseError = e.parseError
	return e
}

func (e *Exchange) parseError(statusCode int, body []byte) error {
	var errResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return nil
	}

	switch errResp.Code {
	case -2014, -2015, -1022:
		return apperrors.Newf(apperrors.KindCredentialsInvalid, "binance: %s", errResp.Msg)
	case -2019, -2010:
		return apperrors.Newf(apperrors.KindInsufficientFunds, "binance: %s", errResp.Msg)
	case -1003:
		return apperrors.Newf(apperrors.KindExchangeThrottled, "binance: %s", errResp.Msg)
	case 0:
		return nil
	}
	if statusCode >= 500 {
		return apperrors.Newf(apperrors.KindExchangeTransient, "binance %d: %s", errResp.Code, errResp.Msg)
	}
	return apperrors.Newf(apperrors.KindExchangeLogical, "binance %d: %s", errResp.Code, errResp.Msg)
}

// Ping probes connectivity against the public endpoint.
func (e *Exchange) Ping(ctx context.Context) error {
	_, err := e.GetPublic(ctx, "/fapi/v1/ping", nil)
	return err
}

// NormalizeSymbol maps an alert ticker to Binance's canonical symbol,
// e.g. "BTC/USDT" and TradingView's "BTCUSDT.P" both become "BTCUSDT".
func (e *Exchange) NormalizeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimSuffix(s, ".P")
	s = strings.NewReplacer("/", "", "-", "", "_", "", ":", "").Replace(s)
	return s
}

// GetTicker returns the last traded price.
func (e *Exchange) GetTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	body, err := e.GetPublic(ctx, "/fapi/v1/ticker/price", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, err
	}
	var data struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
		Time   int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "binance ticker decode", err)
	}
	price := e.ParseDecimal(data.Price)
	if price.IsZero() {
		return nil, apperrors.Newf(apperrors.KindPriceUnavailable, "binance returned no price for %s", symbol)
	}
	return &core.Ticker{Symbol: data.Symbol, Price: price, Timestamp: e.ParseTimestamp(data.Time)}, nil
}

// GetBalances returns spendable balances keyed by asset.
func (e *Exchange) GetBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	body, err := e.Get(ctx, "/fapi/v2/balance", nil)
	if err != nil {
		return nil, err
	}
	var data []struct {
		Asset            string `json:"asset"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "binance balance decode", err)
	}
	balances := make(map[string]decimal.Decimal, len(data))
	for _, b := range data {
		balances[b.Asset] = e.ParseDecimal(b.AvailableBalance)
	}
	return balances, nil
}

// GetPositions returns live open positions. Binance reports every
// symbol with a zero row; zero-size rows are dropped here.
func (e *Exchange) GetPositions(ctx context.Context, symbol string) ([]*core.Position, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}
	body, err := e.Get(ctx, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, err
	}
	var data []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		LiquidationPrice string `json:"liquidationPrice"`
		Leverage         string `json:"leverage"`
		UpdateTime       int64  `json:"updateTime"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "binance position decode", err)
	}

	var positions []*core.Position
	for _, p := range data {
		amt := e.ParseDecimal(p.PositionAmt)
		if amt.IsZero() {
			continue
		}
		side := core.PositionLong
		if amt.IsNegative() {
			side = core.PositionShort
		}
		positions = append(positions, &core.Position{
			Symbol:           p.Symbol,
			Exchange:         core.ExchangeBinance,
			Side:             side,
			Size:             amt.Abs(),
			EntryPrice:       e.ParseDecimal(p.EntryPrice),
			MarkPrice:        e.ParseDecimal(p.MarkPrice),
			UnrealizedPnL:    e.ParseDecimal(p.UnRealizedProfit),
			Leverage:         int(e.ParseDecimal(p.Leverage).IntPart()),
			LiquidationPrice: e.ParseDecimal(p.LiquidationPrice),
			UpdatedAt:        e.ParseTimestamp(p.UpdateTime),
		})
	}
	return positions, nil
}

// GetOpenOrders returns unfilled orders.
func (e *Exchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}
	body, err := e.Get(ctx, "/fapi/v1/openOrders", params)
	if err != nil {
		return nil, err
	}
	var data []binanceOrder
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "binance order decode", err)
	}
	orders := make([]*core.Order, 0, len(data))
	for i := range data {
		orders = append(orders, e.mapOrder(&data[i]))
	}
	return orders, nil
}

// GetTrades returns execution fills since the watermark.
func (e *Exchange) GetTrades(ctx context.Context, symbol string, since time.Time) ([]*core.Trade, error) {
	params := map[string]string{"symbol": symbol}
	if !since.IsZero() {
		params["startTime"] = fmt.Sprintf("%d", since.UnixMilli()+1)
	}
	body, err := e.Get(ctx, "/fapi/v1/userTrades", params)
	if err != nil {
		return nil, err
	}
	var data []struct {
		ID              int64  `json:"id"`
		OrderID         int64  `json:"orderId"`
		Symbol          string `json:"symbol"`
		Side            string `json:"side"`
		Price           string `json:"price"`
		Qty             string `json:"qty"`
		Commission      string `json:"commission"`
		CommissionAsset string `json:"commissionAsset"`
		Time            int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "binance trade decode", err)
	}
	trades := make([]*core.Trade, 0, len(data))
	for _, t := range data {
		trades = append(trades, &core.Trade{
			TradeID:     fmt.Sprintf("%d", t.ID),
			OrderID:     fmt.Sprintf("%d", t.OrderID),
			Symbol:      t.Symbol,
			Side:        strings.ToLower(t.Side),
			Price:       e.ParseDecimal(t.Price),
			Quantity:    e.ParseDecimal(t.Qty),
			Fee:         e.ParseDecimal(t.Commission),
			FeeCurrency: t.CommissionAsset,
			Timestamp:   e.ParseTimestamp(t.Time),
		})
	}
	return trades, nil
}

// SetLeverage applies symbol leverage before order placement.
func (e *Exchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 {
		return nil
	}
	_, err := e.Post(ctx, fmt.Sprintf("/fapi/v1/leverage?symbol=%s&leverage=%d", symbol, leverage), nil)
	return err
}

// PlaceOrder submits the canonical order. Protective stop-loss and
// take-profit legs go out as separate reduce-only conditional orders;
// a leg failure is logged but does not fail the entry.
func (e *Exchange) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	params := map[string]string{
		"symbol":           req.Symbol,
		"side":             strings.ToUpper(req.Side),
		"type":             "MARKET",
		"quantity":         req.Amount.String(),
		"newClientOrderId": req.ClientOrderID,
	}
	if req.Type == core.OrderTypeLimit && !req.Price.IsZero() {
		params["type"] = "LIMIT"
		params["price"] = req.Price.String()
		params["timeInForce"] = "GTC"
	}
	if req.ReduceOnly {
		params["reduceOnly"] = "true"
	}

	body, err := e.Post(ctx, "/fapi/v1/order?"+encodeParams(params), nil)
	if err != nil {
		return nil, err
	}
	var data binanceOrder
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "binance order decode", err)
	}
	order := e.mapOrder(&data)

	e.placeProtectiveLegs(ctx, req)
	return order, nil
}

func (e *Exchange) placeProtectiveLegs(ctx context.Context, req *core.PlaceOrderRequest) {
	closeSide := "SELL"
	if strings.EqualFold(req.Side, core.SideSell) {
		closeSide = "BUY"
	}
	legs := []struct {
		kind  string
		price decimal.Decimal
	}{
		{"STOP_MARKET", req.StopLoss},
		{"TAKE_PROFIT_MARKET", req.TakeProfit},
	}
	for _, leg := range legs {
		if leg.price.IsZero() {
			continue
		}
		params := map[string]string{
			"symbol":        req.Symbol,
			"side":          closeSide,
			"type":          leg.kind,
			"stopPrice":     leg.price.String(),
			"closePosition": "true",
		}
		if _, err := e.Post(ctx, "/fapi/v1/order?"+encodeParams(params), nil); err != nil {
			e.Logger.Warn("Protective leg placement failed",
				"symbol", req.Symbol, "type", leg.kind, "error", err)
		}
	}
}

// CancelOrder is best-effort.
func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := e.Delete(ctx, "/fapi/v1/order", map[string]string{
		"symbol":  symbol,
		"orderId": orderID,
	})
	return err
}

// ValidateBalance checks free USDT margin against the order notional.
func (e *Exchange) ValidateBalance(ctx context.Context, symbol, side string, amount, price decimal.Decimal, leverage int) (*core.BalanceCheck, error) {
	balances, err := e.GetBalances(ctx)
	if err != nil {
		return nil, err
	}
	return base.CheckMargin(balances["USDT"], amount, price, leverage), nil
}

type binanceOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	OrigQty       string `json:"origQty"`
	Price         string `json:"price"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	Status        string `json:"status"`
	ReduceOnly    bool   `json:"reduceOnly"`
	UpdateTime    int64  `json:"updateTime"`
}

func (e *Exchange) mapOrder(o *binanceOrder) *core.Order {
	qty := e.ParseDecimal(o.OrigQty)
	filled := e.ParseDecimal(o.ExecutedQty)
	price := e.ParseDecimal(o.AvgPrice)
	if price.IsZero() {
		price = e.ParseDecimal(o.Price)
	}
	return &core.Order{
		ExchangeOrderID: fmt.Sprintf("%d", o.OrderID),
		ClientOrderID:   o.ClientOrderID,
		Exchange:        core.ExchangeBinance,
		Symbol:          o.Symbol,
		Side:            strings.ToLower(o.Side),
		Type:            strings.ToLower(o.Type),
		Quantity:        qty,
		Price:           price,
		Filled:          filled,
		Remaining:       qty.Sub(filled),
		Status:          mapOrderStatus(o.Status),
		ReduceOnly:      o.ReduceOnly,
		UpdatedAt:       e.ParseTimestamp(o.UpdateTime),
	}
}

func mapOrderStatus(raw string) string {
	switch raw {
	case "NEW":
		return core.OrderOpen
	case "PARTIALLY_FILLED":
		return core.OrderPartiallyFilled
	case "FILLED":
		return core.OrderFilled
	case "CANCELED":
		return core.OrderCancelled
	case "EXPIRED":
		return core.OrderExpired
	case "REJECTED":
		return core.OrderRejected
	default:
		return core.OrderSubmitted
	}
}

func encodeParams(params map[string]string) string {
	q := make(url.Values, len(params))
	for k, v := range params {
		q.Set(k, v)
	}
	return q.Encode()
}
