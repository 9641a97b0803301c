package stoploss

import (
	"math"

	"github.com/shopspring/decimal"
)

var decHundred = decimal.NewFromInt(100)

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

func decimalLTE(a, b float64) bool { return decFromFloat(a).Cmp(decFromFloat(b)) <= 0 }
func decimalGTE(a, b float64) bool { return decFromFloat(a).Cmp(decFromFloat(b)) >= 0 }

// hitStop reports whether price breaches the stop level for the given side.
// A long stops out when price falls to the level, a short when it rises to it.
func hitStop(side string, price, level float64) bool {
	if level <= 0 || price <= 0 {
		return false
	}
	if side == SideShort {
		return decimalGTE(price, level)
	}
	return decimalLTE(price, level)
}

// percentTrigger converts a loss percentage into the absolute trigger price
// for the given side: longs below entry, shorts above.
func percentTrigger(side string, entry, pct float64) float64 {
	if entry <= 0 || pct <= 0 {
		return 0
	}
	base := decFromFloat(entry)
	frac := decFromFloat(pct).Div(decHundred)
	if side == SideShort {
		return decToFloat(base.Mul(decimal.NewFromInt(1).Add(frac)))
	}
	return decToFloat(base.Mul(decimal.NewFromInt(1).Sub(frac)))
}
