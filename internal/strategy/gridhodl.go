package strategy

import "github.com/shopspring/decimal"

// GridHODL pairs every buy fill with a sell one interval above, sized so the
// sell's quote value equals the per-grid amount. Because base volume sold is
// smaller than base volume bought, a base-currency surplus accumulates.
type GridHODL struct{}

func (GridHODL) Name() string { return "gridhodl" }

func (GridHODL) SellOnBuyFill(p Params, st State, fillPrice, fillVolume, ticker decimal.Decimal) (SellDecision, bool) {
	price := sellPriceAbove(p.Interval, fillPrice, ticker)
	volume := quoteValueVolume(EffectiveAmountPerGrid(p, st), price, p.Fee)
	if volume.Cmp(decimal.Zero) <= 0 {
		return SellDecision{}, false
	}
	return SellDecision{Price: price, Volume: volume}, true
}

func (GridHODL) ExtraSell(Params, State, decimal.Decimal, decimal.Decimal, int) (SellDecision, bool) {
	return SellDecision{}, false
}
