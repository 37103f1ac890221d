// Package exchange provides the adapter factory keyed by exchange tag.
package exchange

import (
	"strings"

	"tradehook/internal/config"
	"tradehook/internal/core"
	"tradehook/internal/exchange/binance"
	"tradehook/internal/exchange/bitget"
	"tradehook/internal/exchange/bybit"
	"tradehook/internal/exchange/coinbase"
	"tradehook/internal/exchange/okx"
	apperrors "tradehook/pkg/errors"
)

// New builds the adapter for one exchange tag bound to one credential
// set. Unknown tags are classified, not invented.
func New(tag string, creds *core.Credentials, testnet bool, cfg config.ExchangesConfig, logger core.ILogger) (core.IExchange, error) {
	exchangeConfig := cfg[strings.ToLower(tag)]

	switch strings.ToLower(tag) {
	case core.ExchangeBinance:
		return binance.New(creds, testnet, exchangeConfig, logger), nil
	case core.ExchangeBybit:
		return bybit.New(creds, testnet, exchangeConfig, logger), nil
	case core.ExchangeOKX:
		return okx.New(creds, testnet, exchangeConfig, logger), nil
	case core.ExchangeCoinbase:
		return coinbase.New(creds, testnet, exchangeConfig, logger), nil
	case core.ExchangeBitget:
		return bitget.New(creds, testnet, exchangeConfig, logger), nil
	default:
		return nil, apperrors.Newf(apperrors.KindUnsupportedExchange, "unsupported exchange: %s", tag)
	}
}
