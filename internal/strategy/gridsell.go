package strategy

import "github.com/shopspring/decimal"

// GridSell turns over the full base volume of every buy: the paired sell is
// sized to the entire executed volume, net of the fee, so holdings return to
// their pre-buy level each cycle.
type GridSell struct{}

func (GridSell) Name() string { return "gridsell" }

func (GridSell) SellOnBuyFill(p Params, st State, fillPrice, fillVolume, ticker decimal.Decimal) (SellDecision, bool) {
	if fillVolume.Cmp(decimal.Zero) <= 0 {
		return SellDecision{}, false
	}
	price := sellPriceAbove(p.Interval, fillPrice, ticker)
	volume := fillVolume.Mul(decimal.NewFromInt(1).Sub(p.Fee))
	return SellDecision{Price: price, Volume: volume}, true
}

func (GridSell) ExtraSell(Params, State, decimal.Decimal, decimal.Decimal, int) (SellDecision, bool) {
	return SellDecision{}, false
}
