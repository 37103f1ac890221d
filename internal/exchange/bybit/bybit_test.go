package bybit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"tradehook/internal/config"
	"tradehook/internal/core"
	apperrors "tradehook/pkg/errors"
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

	creds := &core.Credentials{APIKey: "test-key", Secret: "test-secret"}
	return New(creds, false, config.ExchangeConfig{BaseURL: server.URL}, logger)
}

func decodeJSONBody(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func TestSignedRequestCarriesAuth(t *testing.T) {
	e := newTestExchange(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("X-BAPI-API-KEY"))
		assert.NotEmpty(t, r.Header.Get("X-BAPI-TIMESTAMP"))
		assert.NotEmpty(t, r.Header.Get("X-BAPI-SIGN"))
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[]}}`))
	}))

	_, err := e.GetBalances(context.Background())
	require.NoError(t, err)
}

func TestEnvelopeClassification(t *testing.T) {
	cases := []struct {
		body string
		kind apperrors.Kind
	}{
		{`{"retCode":10003,"retMsg":"API key is invalid"}`, apperrors.KindCredentialsInvalid},
		{`{"retCode":10006,"retMsg":"Too many visits"}`, apperrors.KindExchangeThrottled},
		{`{"retCode":110007,"retMsg":"ab not enough for new order"}`, apperrors.KindInsufficientFunds},
		{`{"retCode":110094,"retMsg":"Order does not meet minimum order value"}`, apperrors.KindExchangeLogical},
	}

	for _, tc := range cases {
		body := tc.body
		e := newTestExchange(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		}))
		_, err := e.GetBalances(context.Background())
		require.Error(t, err)
		assert.Equal(t, tc.kind, apperrors.KindOf(err), "body=%s", tc.body)
	}
}

func TestPlaceOrderSendsInlineProtection(t *testing.T) {
	var captured map[string]string
	e := newTestExchange(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, decodeJSONBody(r, &captured))
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"orderId":"abc-1","orderLinkId":"tv1"}}`))
	}))

	order, err := e.PlaceOrder(context.Background(), &core.PlaceOrderRequest{
		Symbol:        "BTCUSDT",
		Side:          core.SideBuy,
		Type:          core.OrderTypeMarket,
		Amount:        decimal.RequireFromString("0.02"),
		ClientOrderID: "tv1",
		StopLoss:      decimal.NewFromInt(45000),
		TakeProfit:    decimal.NewFromInt(60000),
	})
	require.NoError(t, err)
	assert.Equal(t, "abc-1", order.ExchangeOrderID)

	assert.Equal(t, "Buy", captured["side"])
	assert.Equal(t, "Market", captured["orderType"])
	assert.Equal(t, "45000", captured["stopLoss"])
	assert.Equal(t, "60000", captured["takeProfit"])
}

func TestGetPositionsMapsSides(t *testing.T) {
	e := newTestExchange(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			{"symbol":"BTCUSDT","side":"Buy","size":"0.5","avgPrice":"48000","markPrice":"50000","unrealisedPnl":"1000","curRealisedPnl":"5","leverage":"10","liqPrice":"30000","updatedTime":"1700000000000"},
			{"symbol":"ETHUSDT","side":"Sell","size":"0","avgPrice":"0","markPrice":"0","unrealisedPnl":"0","curRealisedPnl":"0","leverage":"1","liqPrice":"0","updatedTime":"1700000000000"}
		]}}`))
	}))

	positions, err := e.GetPositions(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, core.PositionLong, positions[0].Side)
	assert.True(t, positions[0].RealizedPnL.Equal(decimal.NewFromInt(5)))
}
