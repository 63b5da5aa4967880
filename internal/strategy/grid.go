package strategy

import (
	"github.com/shopspring/decimal"
)

// shiftUpSlack keeps the shift-up trigger slightly above two clean intervals so
// ordinary sell fills at the top of the ladder do not bounce the whole grid.
var shiftUpSlack = decimal.RequireFromString("1.001")

// BuyLevels returns n descending target buy prices. The ladder anchors to the
// lowest existing open buy when one exists, otherwise to the current price, and
// every level divides the previous by (1+interval). Anchoring to existing
// orders keeps recomputation from drifting the ladder on every tick.
func BuyLevels(p Params, ticker decimal.Decimal, openBuyPrices []decimal.Decimal, n int) []decimal.Decimal {
	if n < 1 || ticker.Cmp(decimal.Zero) <= 0 {
		return nil
	}
	step := decimal.NewFromInt(1).Add(p.Interval)
	last := ticker
	for _, price := range openBuyPrices {
		if price.Cmp(decimal.Zero) > 0 && price.Cmp(last) < 0 {
			last = price
		}
	}
	ceiling := ticker.Div(step)
	levels := make([]decimal.Decimal, 0, n)
	for i := 0; i < n; i++ {
		next := last.Div(step)
		if next.Cmp(ceiling) > 0 {
			next = ceiling
		}
		levels = append(levels, next)
		last = next
	}
	return levels
}

// ShouldShiftUp reports whether the current price has run two full intervals
// (plus slack) above the highest open buy, in which case the buy ladder is
// cancelled and rebuilt anchored at the current price.
func ShouldShiftUp(highestOpenBuy, interval, ticker decimal.Decimal) bool {
	if highestOpenBuy.Cmp(decimal.Zero) <= 0 || ticker.Cmp(decimal.Zero) <= 0 {
		return false
	}
	step := decimal.NewFromInt(1).Add(interval)
	threshold := highestOpenBuy.Mul(step).Mul(step).Mul(shiftUpSlack)
	return ticker.Cmp(threshold) > 0
}

// BuyVolume sizes a buy order at the given level so its quote value equals the
// effective per-grid amount with headroom for the round-trip fee.
func BuyVolume(p Params, st State, price decimal.Decimal) decimal.Decimal {
	return quoteValueVolume(EffectiveAmountPerGrid(p, st), price, p.Fee)
}

// sellPriceAbove is the regular sell price one interval above the buy fill,
// bumped above the ticker when the market already trades higher.
func sellPriceAbove(interval, fillPrice, ticker decimal.Decimal) decimal.Decimal {
	step := decimal.NewFromInt(1).Add(interval)
	price := fillPrice.Mul(step)
	if ticker.Cmp(price) > 0 {
		price = ticker.Mul(step)
	}
	return price
}

// quoteValueVolume sizes a sell so its quote value equals amount while leaving
// room for the round-trip fee; selling less than was bought accumulates base
// currency without draining quote over time.
func quoteValueVolume(amount, price, fee decimal.Decimal) decimal.Decimal {
	if price.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero
	}
	two := decimal.NewFromInt(2)
	denom := price.Mul(decimal.NewFromInt(1).Sub(two.Mul(fee)))
	if denom.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero
	}
	return amount.Div(denom)
}
