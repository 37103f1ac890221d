// Package bybit implements the exchange adapter for Bybit v5 linear
// perpetuals. Bybit reports logical failures as retCode on an HTTP 200
// envelope, so classification happens on the envelope, not the status.
package bybit

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

const (
	mainnetURL = "https://api.bybit.com"
	testnetURL = "https://api-testnet.bybit.com"
	recvWindow = "5000"
)

type signer struct {
	apiKey string
	secret string
}

// SignRequest applies Bybit v5 header auth: the signature covers
// timestamp + key + recvWindow + (query string or JSON body).
func (s *signer) SignRequest(req *http.Request, body []byte) error {
	ts := fmt.Sprintf("%d", time.Now().UnixMilli())

	payload := req.URL.RawQuery
	if req.Method != http.MethodGet {
		payload = string(body)
	}

	mac := hmac.New(sha256.New, []byte(s.secret))
	io.WriteString(mac, ts+s.apiKey+recvWindow+payload)

	req.Header.Set("X-BAPI-API-KEY", s.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", hex.EncodeToString(mac.Sum(nil)))
	return nil
}

// Exchange implements core.IExchange for Bybit.
type Exchange struct {
	*base.Adapter
}

// New creates a Bybit adapter bound to one credential set.
func New(creds *core.Credentials, testnet bool, cfg config.ExchangeConfig, logger core.ILogger) *Exchange {
	baseURL := mainnetURL
	if testnet {
		baseURL = testnetURL
		if cfg.TestnetBaseURL != "" {
			cfg.BaseURL = cfg.TestnetBaseURL
		}
	}
	return &Exchange{
		Adapter: base.NewAdapter(core.ExchangeBybit, baseURL, cfg,
			&signer{apiKey: creds.APIKey, secret: creds.Secret}, logger),
	}
}

// envelope is Bybit's uniform response wrapper.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// unwrap decodes the envelope and classifies a non-zero retCode.
func (e *Exchange) unwrap(body []byte, err error) (json.RawMessage, error) {
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "bybit envelope decode", err)
	}
	if env.RetCode == 0 {
		return env.Result, nil
	}
	switch env.RetCode {
	case 10003, 10004, 33004:
		return nil, apperrors.Newf(apperrors.KindCredentialsInvalid, "bybit: %s", env.RetMsg)
	case 10006, 10018:
		return nil, apperrors.Newf(apperrors.KindExchangeThrottled, "bybit: %s", env.RetMsg)
	case 110007, 110012, 110045:
		return nil, apperrors.Newf(apperrors.KindInsufficientFunds, "bybit: %s", env.RetMsg)
	case 10016:
		return nil, apperrors.Newf(apperrors.KindExchangeTransient, "bybit: %s", env.RetMsg)
	default:
		return nil, apperrors.Newf(apperrors.KindExchangeLogical, "bybit %d: %s", env.RetCode, env.RetMsg)
	}
}

// Ping probes connectivity against the public time endpoint.
func (e *Exchange) Ping(ctx context.Context) error {
	_, err := e.unwrap(e.GetPublic(ctx, "/v5/market/time", nil))
	return err
}

// NormalizeSymbol maps an alert ticker to Bybit's canonical symbol.
func (e *Exchange) NormalizeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimSuffix(s, ".P")
	s = strings.NewReplacer("/", "", "-", "", "_", "", ":", "").Replace(s)
	return s
}

// GetTicker returns the last traded price.
func (e *Exchange) GetTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	result, err := e.unwrap(e.GetPublic(ctx, "/v5/market/tickers", map[string]string{
		"category": "linear", "symbol": symbol,
	}))
	if err != nil {
		return nil, err
	}
	var data struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &data); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "bybit ticker decode", err)
	}
	if len(data.List) == 0 {
		return nil, apperrors.Newf(apperrors.KindPriceUnavailable, "bybit returned no ticker for %s", symbol)
	}
	price := e.ParseDecimal(data.List[0].LastPrice)
	if price.IsZero() {
		return nil, apperrors.Newf(apperrors.KindPriceUnavailable, "bybit returned no price for %s", symbol)
	}
	return &core.Ticker{Symbol: data.List[0].Symbol, Price: price, Timestamp: time.Now()}, nil
}

// GetBalances returns spendable balances keyed by coin from the
// unified account.
func (e *Exchange) GetBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	result, err := e.unwrap(e.Get(ctx, "/v5/account/wallet-balance", map[string]string{
		"accountType": "UNIFIED",
	}))
	if err != nil {
		return nil, err
	}
	var data struct {
		List []struct {
			Coin []struct {
				Coin                string `json:"coin"`
				WalletBalance       string `json:"walletBalance"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &data); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "bybit balance decode", err)
	}
	balances := make(map[string]decimal.Decimal)
	for _, acct := range data.List {
		for _, c := range acct.Coin {
			free := e.ParseDecimal(c.AvailableToWithdraw)
			if free.IsZero() {
				free = e.ParseDecimal(c.WalletBalance)
			}
			balances[c.Coin] = free
		}
	}
	return balances, nil
}

// GetPositions returns live open positions.
func (e *Exchange) GetPositions(ctx context.Context, symbol string) ([]*core.Position, error) {
	params := map[string]string{"category": "linear", "settleCoin": "USDT"}
	if symbol != "" {
		params["symbol"] = symbol
		delete(params, "settleCoin")
	}
	result, err := e.unwrap(e.Get(ctx, "/v5/position/list", params))
	if err != nil {
		return nil, err
	}
	var data struct {
		List []struct {
			Symbol         string `json:"symbol"`
			Side           string `json:"side"`
			Size           string `json:"size"`
			AvgPrice       string `json:"avgPrice"`
			MarkPrice      string `json:"markPrice"`
			UnrealisedPnl  string `json:"unrealisedPnl"`
			CurRealisedPnl string `json:"curRealisedPnl"`
			Leverage       string `json:"leverage"`
			LiqPrice       string `json:"liqPrice"`
			UpdatedTime    string `json:"updatedTime"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &data); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "bybit position decode", err)
	}

	var positions []*core.Position
	for _, p := range data.List {
		size := e.ParseDecimal(p.Size)
		if size.IsZero() {
			continue
		}
		side := core.PositionLong
		if strings.EqualFold(p.Side, "Sell") {
			side = core.PositionShort
		}
		positions = append(positions, &core.Position{
			Symbol:           p.Symbol,
			Exchange:         core.ExchangeBybit,
			Side:             side,
			Size:             size,
			EntryPrice:       e.ParseDecimal(p.AvgPrice),
			MarkPrice:        e.ParseDecimal(p.MarkPrice),
			UnrealizedPnL:    e.ParseDecimal(p.UnrealisedPnl),
			RealizedPnL:      e.ParseDecimal(p.CurRealisedPnl),
			Leverage:         int(e.ParseDecimal(p.Leverage).IntPart()),
			LiquidationPrice: e.ParseDecimal(p.LiqPrice),
			UpdatedAt:        e.ParseTimestamp(e.ParseDecimal(p.UpdatedTime).IntPart()),
		})
	}
	return positions, nil
}

// GetOpenOrders returns unfilled orders.
func (e *Exchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	params := map[string]string{"category": "linear", "settleCoin": "USDT"}
	if symbol != "" {
		params["symbol"] = symbol
		delete(params, "settleCoin")
	}
	result, err := e.unwrap(e.Get(ctx, "/v5/order/realtime", params))
	if err != nil {
		return nil, err
	}
	var data struct {
		List []bybitOrder `json:"list"`
	}
	if err := json.Unmarshal(result, &data); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "bybit order decode", err)
	}
	orders := make([]*core.Order, 0, len(data.List))
	for i := range data.List {
		orders = append(orders, e.mapOrder(&data.List[i]))
	}
	return orders, nil
}

// GetTrades returns execution fills since the watermark.
func (e *Exchange) GetTrades(ctx context.Context, symbol string, since time.Time) ([]*core.Trade, error) {
	params := map[string]string{"category": "linear", "symbol": symbol}
	if !since.IsZero() {
		params["startTime"] = fmt.Sprintf("%d", since.UnixMilli()+1)
	}
	result, err := e.unwrap(e.Get(ctx, "/v5/execution/list", params))
	if err != nil {
		return nil, err
	}
	var data struct {
		List []struct {
			ExecID    string `json:"execId"`
			OrderID   string `json:"orderId"`
			Symbol    string `json:"symbol"`
			Side      string `json:"side"`
			ExecPrice string `json:"execPrice"`
			ExecQty   string `json:"execQty"`
			ExecFee   string `json:"execFee"`
			ExecTime  string `json:"execTime"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &data); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "bybit trade decode", err)
	}
	trades := make([]*core.Trade, 0, len(data.List))
	for _, t := range data.List {
		trades = append(trades, &core.Trade{
			TradeID:     t.ExecID,
			OrderID:     t.OrderID,
			Symbol:      t.Symbol,
			Side:        strings.ToLower(t.Side),
			Price:       e.ParseDecimal(t.ExecPrice),
			Quantity:    e.ParseDecimal(t.ExecQty),
			Fee:         e.ParseDecimal(t.ExecFee),
			FeeCurrency: "USDT",
			Timestamp:   e.ParseTimestamp(e.ParseDecimal(t.ExecTime).IntPart()),
		})
	}
	return trades, nil
}

// SetLeverage applies symbol leverage on both sides.
func (e *Exchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 {
		return nil
	}
	lev := fmt.Sprintf("%d", leverage)
	_, err := e.unwrap(e.Post(ctx, "/v5/position/set-leverage", map[string]string{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}))
	// Bybit rejects a no-op leverage change; treat it as already set.
	if apperrors.IsKind(err, apperrors.KindExchangeLogical) &&
		strings.Contains(err.Error(), "110043") {
		return nil
	}
	return err
}

// PlaceOrder submits the canonical order. Bybit takes the protective
// stop-loss and take-profit inline on create.
func (e *Exchange) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	payload := map[string]string{
		"category":    "linear",
		"symbol":      req.Symbol,
		"side":        titleSide(req.Side),
		"orderType":   "Market",
		"qty":         req.Amount.String(),
		"orderLinkId": req.ClientOrderID,
	}
	if req.Type == core.OrderTypeLimit && !req.Price.IsZero() {
		payload["orderType"] = "Limit"
		payload["price"] = req.Price.String()
		payload["timeInForce"] = "GTC"
	}
	if req.ReduceOnly {
		payload["reduceOnly"] = "true"
	}
	if !req.StopLoss.IsZero() {
		payload["stopLoss"] = req.StopLoss.String()
	}
	if !req.TakeProfit.IsZero() {
		payload["takeProfit"] = req.TakeProfit.String()
	}

	result, err := e.unwrap(e.Post(ctx, "/v5/order/create", payload))
	if err != nil {
		return nil, err
	}
	var data struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(result, &data); err != nil {
		return nil, apperrors.Wrap(apperrors.KindExchangeTransient, "bybit order decode", err)
	}
	return &core.Order{
		ExchangeOrderID: data.OrderID,
		ClientOrderID:   data.OrderLinkID,
		Exchange:        core.ExchangeBybit,
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
	_, err := e.unwrap(e.Post(ctx, "/v5/order/cancel", map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
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

type bybitOrder struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	Price       string `json:"price"`
	CumExecQty  string `json:"cumExecQty"`
	OrderStatus string `json:"orderStatus"`
	ReduceOnly  bool   `json:"reduceOnly"`
	UpdatedTime string `json:"updatedTime"`
}

func (e *Exchange) mapOrder(o *bybitOrder) *core.Order {
	qty := e.ParseDecimal(o.Qty)
	filled := e.ParseDecimal(o.CumExecQty)
	return &core.Order{
		ExchangeOrderID: o.OrderID,
		ClientOrderID:   o.OrderLinkID,
		Exchange:        core.ExchangeBybit,
		Symbol:          o.Symbol,
		Side:            strings.ToLower(o.Side),
		Type:            strings.ToLower(o.OrderType),
		Quantity:        qty,
		Price:           e.ParseDecimal(o.Price),
		Filled:          filled,
		Remaining:       qty.Sub(filled),
		Status:          mapOrderStatus(o.OrderStatus),
		ReduceOnly:      o.ReduceOnly,
		UpdatedAt:       e.ParseTimestamp(e.ParseDecimal(o.UpdatedTime).IntPart()),
	}
}

func mapOrderStatus(raw string) string {
	switch raw {
	case "New", "Untriggered":
		return core.OrderOpen
	case "PartiallyFilled":
		return core.OrderPartiallyFilled
	case "Filled":
		return core.OrderFilled
	case "Cancelled", "PartiallyFilledCanceled":
		return core.OrderCancelled
	case "Rejected":
		return core.OrderRejected
	case "Deactivated":
		return core.OrderExpired
	default:
		return core.OrderSubmitted
	}
}

func titleSide(side string) string {
	if strings.EqualFold(side, core.SideSell) {
		return "Sell"
	}
	return "Buy"
}
