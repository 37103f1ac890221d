// Package okx implements the exchange adapter for OKX v5 perpetual
// swaps. OKX demo trading runs against the production host with the
// x-simulated-trading header.
package okx

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

const defaultURL = "https://www.okx.com"

type signer struct {
	apiKey     string
	secret     string
	passphrase string
	simulated  bool
}

// SignRequest applies OKX v5 header auth: base64 HMAC-SHA256 over
// timestamp + method + path(+query) + body.
func (s *signer) SignRequest(req *http.Request, body []byte) error {
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}

	mac := hmac.New(sha256.New, []byte(s.secret))
	io.WriteString(mac, ts+req.Method+path)
	mac.Write(body)

	req.Header.Set("OK-ACCESS-KEY", s.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", s.passphrase)
	if s.simulated {
		req.Header.Set("x-simulated-trading", "1")
	}
	return nil
}

// Exchange implements core.IExchange for OKX.
type Exchange struct {
	*base.Adapter
}

// New creates an OKX adapter bound to one credential set.
func New(creds *core.Credentials, testnet bool, cfg config.ExchangeConfig, logger core.ILogger) *Exchange {
	return &Exchange{
		Adapter: base.NewAdapter(core.ExchangeOKX, defaultURL, cfg, &signer{
			apiKey:     creds.APIKey,
			secret:     creds.Secret,
			passphrase: creds.Passphrase,
			simulated:  testnet,
		}, logger),
	}
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// unwrap decodes the envelope and classifies a non-zero code.
func (e *Exchange) unwrap(body []byte, err error) (json.RawMessage, error) {
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "okx envelope decode", err)
	}
	if env.Code == "0" {
		return env.Data, nil
	}
	switch env.Code {
	case "50111", "50113", "50102":
		return nil, apperrors.Newf(apperrors.KindCredentialsInvalid, "okx: %s", env.Msg)
	case "50011":
		return nil, apperrors.Newf(apperrors.KindExchangeThrottled, "okx: %s", env.Msg)
	case "51008", "59200":
		return nil, apperrors.Newf(apperrors.KindInsufficientFunds, "okx: %s", env.Msg)
	case "50013", "50026":
		return nil, apperrors.Newf(apperrors.KindExchangeTransient, "okx: %s", env.Msg)
	default:
		return nil, apperrors.Newf(apperrors.KindExchangeLogical, "okx %s: %s", env.Code, env.Msg)
	}
}

// Ping probes connectivity against the public time endpoint.
func (e *Exchange) Ping(ctx context.Context) error {
	_, err := e.unwrap(e.GetPublic(ctx, "/api/v5/public/time", nil))
	return err
}

// NormalizeSymbol maps an alert ticker to OKX's instrument id, e.g.
// "BTCUSDT" and "BTC/USDT" both become "BTC-USDT-SWAP".
func (e *Exchange) NormalizeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimSuffix(s, ".P")
	if strings.Contains(s, "-") {
		if !strings.HasSuffix(s, "-SWAP") {
			s += "-SWAP"
		}
		return s
	}
	s = strings.NewReplacer("/", "", "_", "", ":", "").Replace(s)
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if b, ok := strings.CutSuffix(s, quote); ok && b != "" {
			return b + "-" + quote + "-SWAP"
		}
	}
	return s + "-SWAP"
}

// GetTicker returns the last traded price.
func (e *Exchange) GetTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	data, err := e.unwrap(e.GetPublic(ctx, "/api/v5/market/ticker", map[string]string{"instId": symbol}))
	if err != nil {
		return nil, err
	}
	var list []struct {
		InstID string `json:"instId"`
		Last   string `json:"last"`
		Ts     string `json:"ts"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "okx ticker decode", err)
	}
	if len(list) == 0 {
		return nil, apperrors.Newf(apperrors.KindPriceUnavailable, "okx returned no ticker for %s", symbol)
	}
	price := e.ParseDecimal(list[0].Last)
	if price.IsZero() {
		return nil, apperrors.Newf(apperrors.KindPriceUnavailable, "okx returned no price for %s", symbol)
	}
	return &core.Ticker{
		Symbol:    list[0].InstID,
		Price:     price,
		Timestamp: e.ParseTimestamp(e.ParseDecimal(list[0].Ts).IntPart()),
	}, nil
}

// GetBalances returns available balances keyed by currency.
func (e *Exchange) GetBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	data, err := e.unwrap(e.Get(ctx, "/api/v5/account/balance", nil))
	if err != nil {
		return nil, err
	}
	var list []struct {
		Details []struct {
			Ccy      string `json:"ccy"`
			AvailBal string `json:"availBal"`
		} `json:"details"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "okx balance decode", err)
	}
	balances := make(map[string]decimal.Decimal)
	for _, acct := range list {
		for _, d := range acct.Details {
			balances[d.Ccy] = e.ParseDecimal(d.AvailBal)
		}
	}
	return balances, nil
}

// GetPositions returns live open positions.
func (e *Exchange) GetPositions(ctx context.Context, symbol string) ([]*core.Position, error) {
	params := map[string]string{"instType": "SWAP"}
	if symbol != "" {
		params["instId"] = symbol
	}
	data, err := e.unwrap(e.Get(ctx, "/api/v5/account/positions", params))
	if err != nil {
		return nil, err
	}
	var list []struct {
		InstID  string `json:"instId"`
		Pos     string `json:"pos"`
		PosSide string `json:"posSide"`
		AvgPx   string `json:"avgPx"`
		MarkPx  string `json:"markPx"`
		Upl     string `json:"upl"`
		RealPnl string `json:"realizedPnl"`
		Lever   string `json:"lever"`
		LiqPx   string `json:"liqPx"`
		UTime   string `json:"uTime"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "okx position decode", err)
	}

	var positions []*core.Position
	for _, p := range list {
		pos := e.ParseDecimal(p.Pos)
		if pos.IsZero() {
			continue
		}
		side := core.PositionLong
		if p.PosSide == "short" || pos.IsNegative() {
			side = core.PositionShort
		}
		positions = append(positions, &core.Position{
			Symbol:           p.InstID,
			Exchange:         core.ExchangeOKX,
			Side:             side,
			Size:             pos.Abs(),
			EntryPrice:       e.ParseDecimal(p.AvgPx),
			MarkPrice:        e.ParseDecimal(p.MarkPx),
			UnrealizedPnL:    e.ParseDecimal(p.Upl),
			RealizedPnL:      e.ParseDecimal(p.RealPnl),
			Leverage:         int(e.ParseDecimal(p.Lever).IntPart()),
			LiquidationPrice: e.ParseDecimal(p.LiqPx),
			UpdatedAt:        e.ParseTimestamp(e.ParseDecimal(p.UTime).IntPart()),
		})
	}
	return positions, nil
}

// GetOpenOrders returns unfilled orders.
func (e *Exchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	params := map[string]string{"instType": "SWAP"}
	if symbol != "" {
		params["instId"] = symbol
	}
	data, err := e.unwrap(e.Get(ctx, "/api/v5/trade/orders-pending", params))
	if err != nil {
		return nil, err
	}
	var list []okxOrder
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "okx order decode", err)
	}
	orders := make([]*core.Order, 0, len(list))
	for i := range list {
		orders = append(orders, e.mapOrder(&list[i]))
	}
	return orders, nil
}

// GetTrades returns execution fills since the watermark.
func (e *Exchange) GetTrades(ctx context.Context, symbol string, since time.Time) ([]*core.Trade, error) {
	params := map[string]string{"instType": "SWAP", "instId": symbol}
	if !since.IsZero() {
		params["begin"] = fmt.Sprintf("%d", since.UnixMilli()+1)
	}
	data, err := e.unwrap(e.Get(ctx, "/api/v5/trade/fills", params))
	if err != nil {
		return nil, err
	}
	var list []struct {
		TradeID string `json:"tradeId"`
		OrdID   string `json:"ordId"`
		InstID  string `json:"instId"`
		Side    string `json:"side"`
		FillPx  string `json:"fillPx"`
		FillSz  string `json:"fillSz"`
		Fee     string `json:"fee"`
		FeeCcy  string `json:"feeCcy"`
		Ts      string `json:"ts"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "okx trade decode", err)
	}
	trades := make([]*core.Trade, 0, len(list))
	for _, t := range list {
		// OKX reports fees as negative amounts.
		trades = append(trades, &core.Trade{
			TradeID:     t.TradeID,
			OrderID:     t.OrdID,
			Symbol:      t.InstID,
			Side:        strings.ToLower(t.Side),
			Price:       e.ParseDecimal(t.FillPx),
			Quantity:    e.ParseDecimal(t.FillSz),
			Fee:         e.ParseDecimal(t.Fee).Abs(),
			FeeCurrency: t.FeeCcy,
			Timestamp:   e.ParseTimestamp(e.ParseDecimal(t.Ts).IntPart()),
		})
	}
	return trades, nil
}

// SetLeverage applies cross-margin leverage for the instrument.
func (e *Exchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 {
		return nil
	}
	_, err := e.unwrap(e.Post(ctx, "/api/v5/account/set-leverage", map[string]string{
		"instId":  symbol,
		"lever":   fmt.Sprintf("%d", leverage),
		"mgnMode": "cross",
	}))
	return err
}

// PlaceOrder submits the canonical order. OKX takes protective legs as
// attached algo orders on create. OKX restricts client order ids to
// alphanumerics, so the id is sanitized; callers persist the returned
// id.
func (e *Exchange) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	clOrdID := sanitizeClientID(req.ClientOrderID)
	payload := map[string]interface{}{
		"instId":  req.Symbol,
		"tdMode":  "cross",
		"side":    strings.ToLower(req.Side),
		"ordType": "market",
		"sz":      req.Amount.String(),
		"clOrdId": clOrdID,
	}
	if req.Type == core.OrderTypeLimit && !req.Price.IsZero() {
		payload["ordType"] = "limit"
		payload["px"] = req.Price.String()
	}
	if req.ReduceOnly {
		payload["reduceOnly"] = true
	}
	if !req.StopLoss.IsZero() || !req.TakeProfit.IsZero() {
		algo := map[string]interface{}{}
		if !req.StopLoss.IsZero() {
			algo["slTriggerPx"] = req.StopLoss.String()
			algo["slOrdPx"] = "-1"
		}
		if !req.TakeProfit.IsZero() {
			algo["tpTriggerPx"] = req.TakeProfit.String()
			algo["tpOrdPx"] = "-1"
		}
		payload["attachAlgoOrds"] = []map[string]interface{}{algo}
	}

	data, err := e.unwrap(e.Post(ctx, "/api/v5/trade/order", payload))
	if err != nil {
		return nil, err
	}
	var list []struct {
		OrdID   string `json:"ordId"`
		ClOrdID string `json:"clOrdId"`
		SCode   string `json:"sCode"`
		SMsg    string `json:"sMsg"`
	}
	if err := json.Unmarshal(data, &list); err != nil || len(list) == 0 {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "okx order decode", err)
	}
	if list[0].SCode != "" && list[0].SCode != "0" {
		return nil, apperrors.Newf(apperrors.KindExchangeLogical, "okx %s: %s", list[0].SCode, list[0].SMsg)
	}
	return &core.Order{
		ExchangeOrderID: list[0].OrdID,
		ClientOrderID:   clOrdID,
		Exchange:        core.ExchangeOKX,
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
	_, err := e.unwrap(e.Post(ctx, "/api/v5/trade/cancel-order", map[string]string{
		"instId": symbol,
		"ordId":  orderID,
	}))
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

type okxOrder struct {
	OrdID      string `json:"ordId"`
	ClOrdID    string `json:"clOrdId"`
	InstID     string `json:"instId"`
	Side       string `json:"side"`
	OrdType    string `json:"ordType"`
	Sz         string `json:"sz"`
	Px         string `json:"px"`
	AccFillSz  string `json:"accFillSz"`
	AvgPx      string `json:"avgPx"`
	State      string `json:"state"`
	ReduceOnly string `json:"reduceOnly"`
	UTime      string `json:"uTime"`
}

func (e *Exchange) mapOrder(o *okxOrder) *core.Order {
	qty := e.ParseDecimal(o.Sz)
	filled := e.ParseDecimal(o.AccFillSz)
	price := e.ParseDecimal(o.AvgPx)
	if price.IsZero() {
		price = e.ParseDecimal(o.Px)
	}
	return &core.Order{
		ExchangeOrderID: o.OrdID,
		ClientOrderID:   o.ClOrdID,
		Exchange:        core.ExchangeOKX,
		Symbol:          o.InstID,
		Side:            strings.ToLower(o.Side),
		Type:            strings.ToLower(o.OrdType),
		Quantity:        qty,
		Price:           price,
		Filled:          filled,
		Remaining:       qty.Sub(filled),
		Status:          mapOrderStatus(o.State),
		ReduceOnly:      o.ReduceOnly == "true",
		UpdatedAt:       e.ParseTimestamp(e.ParseDecimal(o.UTime).IntPart()),
	}
}

func mapOrderStatus(raw string) string {
	switch raw {
	case "live":
		return core.OrderOpen
	case "partially_filled":
		return core.OrderPartiallyFilled
	case "filled":
		return core.OrderFilled
	case "canceled", "mmp_canceled":
		return core.OrderCancelled
	default:
		return core.OrderSubmitted
	}
}

// sanitizeClientID strips characters OKX rejects in clOrdId.
func sanitizeClientID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if len(s) > 32 {
		s = s[len(s)-32:]
	}
	return s
}
