package base

import (
	"fmt"

	"tradehook/internal/core"

	"github.com/shopspring/decimal"
)

// CheckMargin is the shared pre-flight balance verdict: the free quote
// balance, scaled by leverage, must admit the order's notional.
func CheckMargin(free, amount, price decimal.Decimal, leverage int) *core.BalanceCheck {
	if leverage < 1 {
		leverage = 1
	}
	notional := amount.Mul(price)
	required := notional.Div(decimal.NewFromInt(int64(leverage)))
	if free.LessThan(required) {
		return &core.BalanceCheck{
			IsValid: false,
			Reason: fmt.Sprintf("required margin %s exceeds free balance %s",
				required.StringFixed(8), free.StringFixed(8)),
		}
	}
	return &core.BalanceCheck{IsValid: true}
}
