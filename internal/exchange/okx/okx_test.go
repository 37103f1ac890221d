package okx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"tradehook/internal/config"
	"tradehook/internal/core"
	apperrors "tradehook/pkg/errors"
	"tradehook/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExchange(t *testing.T, handler http.Handler) *Exchange {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	creds := &core.Credentials{APIKey: "k", Secret: "s", Passphrase: "p"}
	return New(creds, false, config.ExchangeConfig{BaseURL: server.URL}, logger)
}

func TestNormalizeSymbol(t *testing.T) {
	e := newTestExchange(t, http.NotFoundHandler())

	cases := map[string]string{
		"BTCUSDT":       "BTC-USDT-SWAP",
		"BTCUSDT.P":     "BTC-USDT-SWAP",
		"BTC-USDT":      "BTC-USDT-SWAP",
		"BTC-USDT-SWAP": "BTC-USDT-SWAP",
		"ethusdc":       "ETH-USDC-SWAP",
		"SOLUSD":        "SOL-USD-SWAP",
	}
	for raw, want := range cases {
		assert.Equal(t, want, e.NormalizeSymbol(raw), "raw=%q", raw)
	}
}

func TestSanitizeClientID(t *testing.T) {
	assert.Equal(t, "tv42abc1700000000000", sanitizeClientID("tv_42abc_1700000000000"))

	long := sanitizeClientID("tv_0123456789012345678901234567890123456789_999")
	assert.LessOrEqual(t, len(long), 32)
}

func TestSignedRequestCarriesAuth(t *testing.T) {
	e := newTestExchange(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.Header.Get("OK-ACCESS-KEY"))
		assert.Equal(t, "p", r.Header.Get("OK-ACCESS-PASSPHRASE"))
		assert.NotEmpty(t, r.Header.Get("OK-ACCESS-SIGN"))
		assert.NotEmpty(t, r.Header.Get("OK-ACCESS-TIMESTAMP"))
		w.Write([]byte(`{"code":"0","msg":"","data":[]}`))
	}))

	_, err := e.GetBalances(context.Background())
	require.NoError(t, err)
}

func TestEnvelopeClassification(t *testing.T) {
	cases := []struct {
		body string
		kind apperrors.Kind
	}{
		{`{"code":"50111","msg":"Invalid OK-ACCESS-KEY"}`, apperrors.KindCredentialsInvalid},
		{`{"code":"50011","msg":"Rate limit reached"}`, apperrors.KindExchangeThrottled},
		{`{"code":"51008","msg":"Insufficient balance"}`, apperrors.KindInsufficientFunds},
		{`{"code":"51000","msg":"Parameter error"}`, apperrors.KindExchangeLogical},
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

func TestTickerUnavailableIsClassified(t *testing.T) {
	e := newTestExchange(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"0","msg":"","data":[]}`))
	}))

	_, err := e.GetTicker(context.Background(), "BTC-USDT-SWAP")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindPriceUnavailable, apperrors.KindOf(err))
}
