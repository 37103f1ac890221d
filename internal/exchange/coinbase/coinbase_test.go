package coinbase

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"tradehook/internal/config"
	"tradehook/internal/core"
	"tradehook/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExchange(t *testing.T, handler http.Handler) *Exchange {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	creds := &core.Credentials{APIKey: "k", Secret: "s"}
	return New(creds, false, config.ExchangeConfig{BaseURL: server.URL}, logger)
}

func TestNormalizeSymbol(t *testing.T) {
	e := newTestExchange(t, http.NotFoundHandler())

	cases := map[string]string{
		"BTCUSD":    "BTC-USD",
		"BTC-USD":   "BTC-USD",
		"BTC/USDC":  "BTC-USDC",
		"ethusd":    "ETH-USD",
		"BTCUSDT.P": "BTC-USDT",
	}
	for raw, want := range cases {
		assert.Equal(t, want, e.NormalizeSymbol(raw), "raw=%q", raw)
	}
}

func TestSetLeverageIsIgnored(t *testing.T) {
	e := newTestExchange(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("spot adapter must not call the exchange for leverage")
	}))
	assert.NoError(t, e.SetLeverage(context.Background(), "BTC-USD", 10))
}

func TestValidateBalanceSides(t *testing.T) {
	e := newTestExchange(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"accounts":[
			{"currency":"USD","available_balance":{"value":"1000"}},
			{"currency":"BTC","available_balance":{"value":"0.01"}}
		]}`))
	}))

	// Buy: quote balance must admit the notional.
	check, err := e.ValidateBalance(context.Background(), "BTC-USD", core.SideBuy,
		decimal.RequireFromString("0.01"), decimal.NewFromInt(50000), 1)
	require.NoError(t, err)
	assert.True(t, check.IsValid)

	check, err = e.ValidateBalance(context.Background(), "BTC-USD", core.SideBuy,
		decimal.RequireFromString("0.1"), decimal.NewFromInt(50000), 1)
	require.NoError(t, err)
	assert.False(t, check.IsValid)

	// Sell: base balance must cover the size.
	check, err = e.ValidateBalance(context.Background(), "BTC-USD", core.SideSell,
		decimal.RequireFromString("0.005"), decimal.NewFromInt(50000), 1)
	require.NoError(t, err)
	assert.True(t, check.IsValid)

	check, err = e.ValidateBalance(context.Background(), "BTC-USD", core.SideSell,
		decimal.RequireFromString("0.02"), decimal.NewFromInt(50000), 1)
	require.NoError(t, err)
	assert.False(t, check.IsValid)
}

func TestPlaceOrderFailureIsClassified(t *testing.T) {
	e := newTestExchange(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"error_response":{"error":"INSUFFICIENT_FUND","message":"Insufficient balance in source account"}}`))
	}))

	_, err := e.PlaceOrder(context.Background(), &core.PlaceOrderRequest{
		Symbol:        "BTC-USD",
		Side:          core.SideBuy,
		Type:          core.OrderTypeMarket,
		Amount:        decimal.RequireFromString("1"),
		ClientOrderID: "tv1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "funds/insufficient")
}
