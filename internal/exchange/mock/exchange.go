// Package mock provides an in-memory IExchange for tests.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tradehook/internal/core"

	"github.com/shopspring/decimal"
)

// Exchange implements core.IExchange in memory. Tests seed balances,
// tickers and positions, and inject per-method failures.
type Exchange struct {
	mu sync.Mutex

	ExchangeName string
	Balances     map[string]decimal.Decimal
	Tickers      map[string]decimal.Decimal
	Positions    []*core.Position
	OpenOrders   []*core.Order
	Trades       []*core.Trade
	Leverage     map[string]int

	PlacedOrders []*core.PlaceOrderRequest
	orderSeq     int

	// Errs injects a failure for the named method.
	Errs map[string]error
}

// New creates an empty mock exchange.
func New() *Exchange {
	return &Exchange{
		ExchangeName: "mock",
		Balances:     make(map[string]decimal.Decimal),
		Tickers:      make(map[string]decimal.Decimal),
		Leverage:     make(map[string]int),
		Errs:         make(map[string]error),
	}
}

func (m *Exchange) fail(method string) error {
	if err, ok := m.Errs[method]; ok {
		return err
	}
	return nil
}

func (m *Exchange) Name() string { return m.ExchangeName }

func (m *Exchange) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fail("Ping")
}

func (m *Exchange) NormalizeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimSuffix(s, ".P")
	return strings.ReplaceAll(s, "/", "")
}

func (m *Exchange) GetTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetTicker"); err != nil {
		return nil, err
	}
	price, ok := m.Tickers[symbol]
	if !ok {
		return nil, fmt.Errorf("no ticker for %s", symbol)
	}
	return &core.Ticker{Symbol: symbol, Price: price, Timestamp: time.Now()}, nil
}

func (m *Exchange) GetBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetBalances"); err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(m.Balances))
	for k, v := range m.Balances {
		out[k] = v
	}
	return out, nil
}

func (m *Exchange) GetPositions(ctx context.Context, symbol string) ([]*core.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetPositions"); err != nil {
		return nil, err
	}
	if symbol == "" {
		return append([]*core.Position(nil), m.Positions...), nil
	}
	var out []*core.Position
	for _, p := range m.Positions {
		if p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Exchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetOpenOrders"); err != nil {
		return nil, err
	}
	if symbol == "" {
		return append([]*core.Order(nil), m.OpenOrders...), nil
	}
	var out []*core.Order
	for _, o := range m.OpenOrders {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *Exchange) GetTrades(ctx context.Context, symbol string, since time.Time) ([]*core.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetTrades"); err != nil {
		return nil, err
	}
	var out []*core.Trade
	for _, t := range m.Trades {
		if t.Symbol == symbol && (since.IsZero() || t.Timestamp.After(since)) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *Exchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SetLeverage"); err != nil {
		return err
	}
	m.Leverage[symbol] = leverage
	return nil
}

// PlaceOrder records the request and fills market orders instantly.
func (m *Exchange) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("PlaceOrder"); err != nil {
		return nil, err
	}
	m.orderSeq++
	m.PlacedOrders = append(m.PlacedOrders, req)

	price := req.Price
	if price.IsZero() {
		price = m.Tickers[req.Symbol]
	}
	return &core.Order{
		ExchangeOrderID: fmt.Sprintf("mock-%d", m.orderSeq),
		ClientOrderID:   req.ClientOrderID,
		Exchange:        m.ExchangeName,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            core.OrderTypeMarket,
		Quantity:        req.Amount,
		Price:           price,
		Filled:          req.Amount,
		Remaining:       decimal.Zero,
		Status:          core.OrderFilled,
		ReduceOnly:      req.ReduceOnly,
		UpdatedAt:       time.Now(),
	}, nil
}

func (m *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fail("CancelOrder")
}

func (m *Exchange) ValidateBalance(ctx context.Context, symbol, side string, amount, price decimal.Decimal, leverage int) (*core.BalanceCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ValidateBalance"); err != nil {
		return nil, err
	}
	if leverage < 1 {
		leverage = 1
	}
	free := m.Balances["USDT"]
	required := amount.Mul(price).Div(decimal.NewFromInt(int64(leverage)))
	if free.LessThan(required) {
		return &core.BalanceCheck{IsValid: false, Reason: "insufficient mock balance"}, nil
	}
	return &core.BalanceCheck{IsValid: true}, nil
}
