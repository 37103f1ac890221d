// Package bitget implements the exchange adapter for Bitget v2 USDT
// futures. Like Bybit, Bitget reports logical failures as a code on an
// HTTP 200 envelope.
package bitget

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
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

const (
	defaultURL  = "https://api.bitget.com"
	productType = "USDT-FUTURES"
	marginCoin  = "USDT"
)

type signer struct {
	apiKey     string
	secret     string
	passphrase string
}

// SignRequest applies Bitget header auth: base64 HMAC-SHA256 over
// timestamp + method + path(+query) + body.
func (s *signer) SignRequest(req *http.Request, body []byte) error {
	ts := fmt.Sprintf("%d", time.Now().UnixMilli())

	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}

	mac := hmac.New(sha256.New, []byte(s.secret))
	io.WriteString(mac, ts+req.Method+path)
	mac.Write(body)

	req.Header.Set("ACCESS-KEY", s.apiKey)
	req.Header.Set("ACCESS-SIGN", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	req.Header.Set("ACCESS-TIMESTAMP", ts)
	req.Header.Set("ACCESS-PASSPHRASE", s.passphrase)
	return nil
}

// Exchange implements core.IExchange for Bitget.
type Exchange struct {
	*base.Adapter
}

// New creates a Bitget adapter bound to one credential set. Bitget's
// demo environment shares the production host; demo deployments
// override the base URL through config.
func New(creds *core.Credentials, testnet bool, cfg config.ExchangeConfig, logger core.ILogger) *Exchange {
	if testnet && cfg.TestnetBaseURL != "" {
		cfg.BaseURL = cfg.TestnetBaseURL
	}
	return &Exchange{
		Adapter: base.NewAdapter(core.ExchangeBitget, defaultURL, cfg, &signer{
			apiKey:     creds.APIKey,
			secret:     creds.Secret,
			passphrase: creds.Passphrase,
		}, logger),
	}
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// unwrap decodes the envelope and classifies a non-success code.
func (e *Exchange) unwrap(body []byte, err error) (json.RawMessage, error) {
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "bitget envelope decode", err)
	}
	if env.Code == "00000" {
		return env.Data, nil
	}
	switch env.Code {
	case "40001", "40006", "40012", "40037":
		return nil, apperrors.Newf(apperrors.KindCredentialsInvalid, "bitget: %s", env.Msg)
	case "429", "40018":
		return nil, apperrors.Newf(apperrors.KindExchangeThrottled, "bitget: %s", env.Msg)
	case "40754", "43012":
		return nil, apperrors.Newf(apperrors.KindInsufficientFunds, "bitget: %s", env.Msg)
	default:
		return nil, apperrors.Newf(apperrors.KindExchangeLogical, "bitget %s: %s", env.Code, env.Msg)
	}
}

// Ping probes connectivity against the public time endpoint.
func (e *Exchange) Ping(ctx context.Context) error {
	_, err := e.unwrap(e.GetPublic(ctx, "/api/v2/public/time", nil))
	return err
}

// NormalizeSymbol maps an alert ticker to Bitget's canonical symbol.
func (e *Exchange) NormalizeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimSuffix(s, ".P")
	s = strings.NewReplacer("/", "", "-", "", "_", "", ":", "").Replace(s)
	return s
}

// GetTicker returns the last traded price.
func (e *Exchange) GetTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	data, err := e.unwrap(e.GetPublic(ctx, "/api/v2/mix/market/ticker", map[string]string{
		"symbol": symbol, "productType": productType,
	}))
	if err != nil {
		return nil, err
	}
	var list []struct {
		Symbol string `json:"symbol"`
		LastPr string `json:"lastPr"`
		Ts     string `json:"ts"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "bitget ticker decode", err)
	}
	if len(list) == 0 {
		return nil, apperrors.Newf(apperrors.KindPriceUnavailable, "bitget returned no ticker for %s", symbol)
	}
	price := e.ParseDecimal(list[0].LastPr)
	if price.IsZero() {
		return nil, apperrors.Newf(apperrors.KindPriceUnavailable, "bitget returned no price for %s", symbol)
	}
	return &core.Ticker{
		Symbol:    list[0].Symbol,
		Price:     price,
		Timestamp: e.ParseTimestamp(e.ParseDecimal(list[0].Ts).IntPart()),
	}, nil
}

// GetBalances returns available margin balances keyed by coin.
func (e *Exchange) GetBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	data, err := e.unwrap(e.Get(ctx, "/api/v2/mix/account/accounts", map[string]string{
		"productType": productType,
	}))
	if err != nil {
		return nil, err
	}
	var list []struct {
		MarginCoin string `json:"marginCoin"`
		Available  string `json:"available"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "bitget balance decode", err)
	}
	balances := make(map[string]decimal.Decimal, len(list))
	for _, b := range list {
		balances[b.MarginCoin] = e.ParseDecimal(b.Available)
	}
	return balances, nil
}

// GetPositions returns live open positions.
func (e *Exchange) GetPositions(ctx context.Context, symbol string) ([]*core.Position, error) {
	params := map[string]string{"productType": productType, "marginCoin": marginCoin}
	path := "/api/v2/mix/position/all-position"
	if symbol != "" {
		path = "/api/v2/mix/position/single-position"
		params["symbol"] = symbol
	}
	data, err := e.unwrap(e.Get(ctx, path, params))
	if err != nil {
		return nil, err
	}
	var list []struct {
		Symbol           string `json:"symbol"`
		HoldSide         string `json:"holdSide"`
		Total            string `json:"total"`
		OpenPriceAvg     string `json:"openPriceAvg"`
		MarkPrice        string `json:"markPrice"`
		UnrealizedPL     string `json:"unrealizedPL"`
		AchievedProfits  string `json:"achievedProfits"`
		Leverage         string `json:"leverage"`
		LiquidationPrice string `json:"liquidationPrice"`
		UTime            string `json:"uTime"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "bitget position decode", err)
	}

	var positions []*core.Position
	for _, p := range list {
		size := e.ParseDecimal(p.Total)
		if size.IsZero() {
			continue
		}
		side := core.PositionLong
		if strings.EqualFold(p.HoldSide, "short") {
			side = core.PositionShort
		}
		positions = append(positions, &core.Position{
			Symbol:           p.Symbol,
			Exchange:         core.ExchangeBitget,
			Side:             side,
			Size:             size,
			EntryPrice:       e.ParseDecimal(p.OpenPriceAvg),
			MarkPrice:        e.ParseDecimal(p.MarkPrice),
			UnrealizedPnL:    e.ParseDecimal(p.UnrealizedPL),
			RealizedPnL:      e.ParseDecimal(p.AchievedProfits),
			Leverage:         int(e.ParseDecimal(p.Leverage).IntPart()),
			LiquidationPrice: e.ParseDecimal(p.LiquidationPrice),
			UpdatedAt:        e.ParseTimestamp(e.ParseDecimal(p.UTime).IntPart()),
		})
	}
	return positions, nil
}

// GetOpenOrders returns unfilled orders.
func (e *Exchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	params := map[string]string{"productType": productType}
	if symbol != "" {
		params["symbol"] = symbol
	}
	data, err := e.unwrap(e.Get(ctx, "/api/v2/mix/order/orders-pending", params))
	if err != nil {
		return nil, err
	}
	var wrapper struct {
		EntrustedList []bitgetOrder `json:"entrustedList"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "bitget order decode", err)
	}
	orders := make([]*core.Order, 0, len(wrapper.EntrustedList))
	for i := range wrapper.EntrustedList {
		orders = append(orders, e.mapOrder(&wrapper.EntrustedList[i]))
	}
	return orders, nil
}

// GetTrades returns execution fills since the watermark.
func (e *Exchange) GetTrades(ctx context.Context, symbol string, since time.Time) ([]*core.Trade, error) {
	params := map[string]string{"symbol": symbol, "productType": productType}
	if !since.IsZero() {
		params["startTime"] = fmt.Sprintf("%d", since.UnixMilli()+1)
	}
	data, err := e.unwrap(e.Get(ctx, "/api/v2/mix/order/fills", params))
	if err != nil {
		return nil, err
	}
	var wrapper struct {
		FillList []struct {
			TradeID    string `json:"tradeId"`
			OrderID    string `json:"orderId"`
			Symbol     string `json:"symbol"`
			Side       string `json:"side"`
			Price      string `json:"price"`
			BaseVolume string `json:"baseVolume"`
			FeeDetail  []struct {
				FeeCoin  string `json:"feeCoin"`
				TotalFee string `json:"totalFee"`
			} `json:"feeDetail"`
			CTime string `json:"cTime"`
		} `json:"fillList"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "bitget fill decode", err)
	}
	trades := make([]*core.Trade, 0, len(wrapper.FillList))
	for _, f := range wrapper.FillList {
		fee := decimal.Zero
		feeCoin := marginCoin
		for _, fd := range f.FeeDetail {
			fee = fee.Add(e.ParseDecimal(fd.TotalFee).Abs())
			feeCoin = fd.FeeCoin
		}
		trades = append(trades, &core.Trade{
			TradeID:     f.TradeID,
			OrderID:     f.OrderID,
			Symbol:      f.Symbol,
			Side:        strings.ToLower(f.Side),
			Price:       e.ParseDecimal(f.Price),
			Quantity:    e.ParseDecimal(f.BaseVolume),
			Fee:         fee,
			FeeCurrency: feeCoin,
			Timestamp:   e.ParseTimestamp(e.ParseDecimal(f.CTime).IntPart()),
		})
	}
	return trades, nil
}

// SetLeverage applies cross-margin leverage for the symbol.
func (e *Exchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 {
		return nil
	}
	_, err := e.unwrap(e.Post(ctx, "/api/v2/mix/account/set-leverage", map[string]string{
		"symbol":      symbol,
		"productType": productType,
		"marginCoin":  marginCoin,
		"leverage":    fmt.Sprintf("%d", leverage),
	}))
	return err
}

// PlaceOrder submits the canonical order. Bitget takes protective
// preset prices inline on create.
func (e *Exchange) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	payload := map[string]string{
		"symbol":      req.Symbol,
		"productType": productType,
		"marginMode":  "crossed",
		"marginCoin":  marginCoin,
		"size":        req.Amount.String(),
		"side":        strings.ToLower(req.Side),
		"orderType":   "market",
		"clientOid":   req.ClientOrderID,
	}
	if req.Type == core.OrderTypeLimit && !req.Price.IsZero() {
		payload["orderType"] = "limit"
		payload["price"] = req.Price.String()
		payload["force"] = "gtc"
	}
	if req.ReduceOnly {
		payload["reduceOnly"] = "YES"
	}
	if !req.StopLoss.IsZero() {
		payload["presetStopLossPrice"] = req.StopLoss.String()
	}
	if !req.TakeProfit.IsZero() {
		payload["presetStopSurplusPrice"] = req.TakeProfit.String()
	}

	data, err := e.unwrap(e.Post(ctx, "/api/v2/mix/order/place-order", payload))
	if err != nil {
		return nil, err
	}
	var resp struct {
		OrderID   string `json:"orderId"`
		ClientOid string `json:"clientOid"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "bitget order decode", err)
	}
	return &core.Order{
		ExchangeOrderID: resp.OrderID,
		ClientOrderID:   resp.ClientOid,
		Exchange:        core.ExchangeBitget,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Quantity:        req.Amount,
		Price:           req.Price,
		Remaining:       req.Amount,
		Status:          core.OrderSubmitted,
		ReduceOnly:      req.ReduceOnly,
		UpdatedAt:       time.Now(),
	}, nil
}

// CancelOrder is best-effort.
func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := e.unwrap(e.Post(ctx, "/api/v2/mix/order/cancel-order", map[string]string{
		"symbol":      symbol,
		"productType": productType,
		"orderId":     orderID,
	}))
	return err
}

// ValidateBalance checks free USDT margin against the order notional.
func (e *Exchange) ValidateBalance(ctx context.Context, symbol, side string, amount, price decimal.Decimal, leverage int) (*core.BalanceCheck, error) {
	balances, err := e.GetBalances(ctx)
	if err != nil {
		return nil, err
	}
	return base.CheckMargin(balances[marginCoin], amount, price, leverage), nil
}

type bitgetOrder struct {
	OrderID    string `json:"orderId"`
	ClientOid  string `json:"clientOid"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	OrderType  string `json:"orderType"`
	Size       string `json:"size"`
	Price      string `json:"price"`
	BaseVolume string `json:"baseVolume"`
	Status     string `json:"status"`
	ReduceOnly string `json:"reduceOnly"`
	UTime      string `json:"uTime"`
}

func (e *Exchange) mapOrder(o *bitgetOrder) *core.Order {
	qty := e.ParseDecimal(o.Size)
	filled := e.ParseDecimal(o.BaseVolume)
	return &core.Order{
		ExchangeOrderID: o.OrderID,
		ClientOrderID:   o.ClientOid,
		Exchange:        core.ExchangeBitget,
		Symbol:          o.Symbol,
		Side:            strings.ToLower(o.Side),
		Type:            strings.ToLower(o.OrderType),
		Quantity:        qty,
		Price:           e.ParseDecimal(o.Price),
		Filled:          filled,
		Remaining:       qty.Sub(filled),
		Status:          mapOrderStatus(o.Status),
		ReduceOnly:      strings.EqualFold(o.ReduceOnly, "YES"),
		UpdatedAt:       e.ParseTimestamp(e.ParseDecimal(o.UTime).IntPart()),
	}
}

func mapOrderStatus(raw string) string {
	switch raw {
	case "live", "new":
		return core.OrderOpen
	case "partially_filled":
		return core.OrderPartiallyFilled
	case "filled":
		return core.OrderFilled
	case "canceled", "cancelled":
		return core.OrderCancelled
	default:
		return core.OrderSubmitted
	}
}
