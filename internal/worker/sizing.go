package worker

import (
	"tradehook/internal/core"
	apperrors "tradehook/pkg/errors"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// computeQuantity turns an alert's sizing instruction into a base
// quantity at the reference price. size_value wins over the explicit
// quantity/contracts fallbacks; a non-positive result is refused.
func computeQuantity(alert *core.Alert, price, freeBalance decimal.Decimal) (decimal.Decimal, error) {
	leverage := decimal.NewFromInt(1)
	if alert.Leverage > 1 {
		leverage = decimal.NewFromInt(int64(alert.Leverage))
	}

	var qty decimal.Decimal
	switch {
	case alert.SizeValue.IsPositive():
		switch alert.SizeMode {
		case core.SizeModeQuote, core.SizeModeFixedUSDT, "":
			if price.IsZero() {
				return decimal.Zero, apperrors.New(apperrors.KindPriceUnavailable, "no reference price for quote sizing")
			}
			qty = alert.SizeValue.Mul(leverage).Div(price)
		case core.SizeModeBase:
			qty = alert.SizeValue
		case core.SizeModeContracts:
			qty = alert.SizeValue
		case core.SizeModePercentage:
			if price.IsZero() {
				return decimal.Zero, apperrors.New(apperrors.KindPriceUnavailable, "no reference price for percentage sizing")
			}
			qty = freeBalance.Mul(alert.SizeValue).Div(hundred).Mul(leverage).Div(price)
		default:
			return decimal.Zero, apperrors.Newf(apperrors.KindInvalidSize, "unknown size mode %q", alert.SizeMode)
		}
	case alert.Quantity.IsPositive():
		qty = alert.Quantity
	case alert.Contracts.IsPositive():
		qty = alert.Contracts
	default:
		return decimal.Zero, apperrors.New(apperrors.KindInvalidSize, "no usable size in alert")
	}

	if !qty.IsPositive() {
		return decimal.Zero, apperrors.Newf(apperrors.KindInvalidSize, "sizing produced %s", qty)
	}
	return qty, nil
}

// freeQuote picks the spendable quote balance, preferring USDT then the
// common dollar quotes.
func freeQuote(balances map[string]decimal.Decimal) decimal.Decimal {
	for _, ccy := range []string{"USDT", "USDC", "USD"} {
		if v, ok := balances[ccy]; ok && v.IsPositive() {
			return v
		}
	}
	return decimal.Zero
}
