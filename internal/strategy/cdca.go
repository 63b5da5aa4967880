package strategy

import "github.com/shopspring/decimal"

// CDCA accumulates base currency only: buy fills replenish the ladder but
// never produce a sell decision.
type CDCA struct{}

func (CDCA) Name() string { return "cdca" }

func (CDCA) SellOnBuyFill(Params, State, decimal.Decimal, decimal.Decimal, decimal.Decimal) (SellDecision, bool) {
	return SellDecision{}, false
}

func (CDCA) ExtraSell(Params, State, decimal.Decimal, decimal.Decimal, int) (SellDecision, bool) {
	return SellDecision{}, false
}
