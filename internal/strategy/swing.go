package strategy

import "github.com/shopspring/decimal"

// Swing behaves like GridHODL below the highest buy price, and additionally
// sells the accumulated base surplus at successive intervals once the price
// runs above it. The extra sells are decoupled from any particular buy fill.
type Swing struct{}

func (Swing) Name() string { return "swing" }

func (Swing) SellOnBuyFill(p Params, st State, fillPrice, fillVolume, ticker decimal.Decimal) (SellDecision, bool) {
	return GridHODL{}.SellOnBuyFill(p, st, fillPrice, fillVolume, ticker)
}

func (Swing) ExtraSell(p Params, st State, ticker, baseAvailable decimal.Decimal, openSells int) (SellDecision, bool) {
	if openSells != 0 {
		return SellDecision{}, false
	}
	step := decimal.NewFromInt(1).Add(p.Interval)
	if st.HighestBuyPrice.Cmp(decimal.Zero) > 0 && ticker.Cmp(st.HighestBuyPrice.Mul(step)) <= 0 {
		return SellDecision{}, false
	}
	amount := EffectiveAmountPerGrid(p, st)
	// Only worth selling when the held base currency covers a full grid slot
	// plus its fee.
	if baseAvailable.Mul(ticker).Cmp(amount.Mul(decimal.NewFromInt(1).Add(p.Fee))) <= 0 {
		return SellDecision{}, false
	}
	anchor := ticker
	if st.HighestBuyPrice.Cmp(anchor) > 0 {
		anchor = st.HighestBuyPrice
	}
	price := anchor.Mul(step).Mul(step)
	volume := quoteValueVolume(amount, price, p.Fee)
	if volume.Cmp(decimal.Zero) <= 0 || volume.Cmp(baseAvailable) > 0 {
		return SellDecision{}, false
	}
	return SellDecision{Price: price, Volume: volume}, true
}
